package membership

import (
	"sort"
	"sync"
)

// State is the single shared structure described in component 4.C: the
// rosters, current epoch, ClusterStatus, join_finished flag, virtual-node
// cache, and a VDI-in-use bitmap mirror. All mutation happens on the
// event serializer's single worker; reads are safe from any goroutine
// through the snapshot methods below, which callers must tolerate aging
// by one event.
type State struct {
	mu sync.RWMutex

	rosters *Rosters
	epoch   uint32
	status  Status

	joinFinished bool

	ctime      uint64
	copies     int
	vnodeCache []VNode

	vdiInUse map[uint64]bool
}

// NewState returns a freshly initialized State in WaitForFormat.
func NewState() *State {
	return &State{
		rosters:  NewRosters(),
		status:   WaitForFormat,
		vdiInUse: make(map[uint64]bool),
	}
}

// Mutate runs fn with exclusive access to the rosters and scalar fields.
// This is the only entry point mutators (the protocol layer, invoked from
// the serializer's single worker) are meant to use.
func (s *State) Mutate(fn func(r *Rosters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rosters)
}

// Epoch returns the current epoch.
func (s *State) Epoch() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// SetEpoch sets the current epoch. Only the serializer's worker calls
// this, always alongside a durable write to the epoch log (invariant 3).
func (s *State) SetEpoch(e uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = e
}

// Status returns the current ClusterStatus.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus sets the current ClusterStatus.
func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// JoinFinished reports whether this node's own join has completed.
func (s *State) JoinFinished() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinFinished
}

// SetJoinFinished marks this node's own join as complete.
func (s *State) SetJoinFinished(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinFinished = v
}

// Ctime returns the cluster creation time recorded at format time.
func (s *State) Ctime() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctime
}

// SetCtime records the cluster creation time. Set once, at format, and
// again idempotently whenever a join finishes in status Ok/Halt (the
// corrected §9 guard -- see applyJoinFin in package protocol).
func (s *State) SetCtime(ct uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctime = ct
}

// Copies returns the configured replication factor.
func (s *State) Copies() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copies
}

// SetCopies sets the configured replication factor.
func (s *State) SetCopies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copies = n
}

// OrderedNodes is a read-only snapshot of the storage roster, safe for
// I/O worker threads. It may age by one event relative to the
// serializer's view.
func (s *State) OrderedNodes() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosters.OrderedStorage()
}

// IsMaster reports whether id currently heads the storage roster.
func (s *State) IsMaster(id NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosters.IsMaster(id)
}

// Master returns the current master, if any.
func (s *State) Master() (NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosters.Master()
}

// OrderedEntries is a read-only snapshot of the storage roster's
// NodeEntry list in deterministic order -- epoch_log[epoch] once
// committed.
func (s *State) OrderedEntries() []NodeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosters.OrderedEntries()
}

// StorageEntry looks up the ratified NodeEntry for id.
func (s *State) StorageEntry(id NodeID) (NodeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosters.StorageEntry(id)
}

// LeaveEntries is a read-only snapshot of the leave list.
func (s *State) LeaveEntries() map[NodeID]NodeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosters.LeaveEntries()
}

// RecomputeVNodes rebuilds the virtual-node cache from the current
// storage roster. Called by the serializer worker whenever the storage
// roster changes.
func (s *State) RecomputeVNodes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var vnodes []VNode
	for _, id := range s.rosters.OrderedStorage() {
		entry, _ := s.rosters.StorageEntry(id)
		for i := uint16(0); i < entry.VNodes; i++ {
			vnodes = append(vnodes, VNode{Token: vnodeToken(id, i), Node: id})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool { return vnodes[i].Token < vnodes[j].Token })
	s.vnodeCache = vnodes
}

// OrderedVNodes is a read-only snapshot of the virtual-node cache.
func (s *State) OrderedVNodes() []VNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VNode, len(s.vnodeCache))
	copy(out, s.vnodeCache)
	return out
}

// vnodeToken derives a placement token for the i-th virtual node of id.
// A simple, deterministic FNV-1a style mix is enough here: the token's
// only job is to give RecomputeVNodes a stable sort key, the actual
// placement math lives in the (out of scope) object store.
func vnodeToken(id NodeID, i uint16) uint64 {
	h := uint64(1469598103934665603) // FNV offset basis
	mix := func(b byte) {
		h ^= uint64(b)
		h *= 1099511628211 // FNV prime
	}
	for j := 0; j < len(id.Name); j++ {
		mix(id.Name[j])
	}
	for shift := 0; shift < 64; shift += 8 {
		mix(byte(id.Incarnation >> shift))
	}
	mix(byte(i))
	mix(byte(i >> 8))
	return h
}

// SetVDIInUse marks oid's in-use bit. Idempotent, per §4.E.3's
// "applied idempotently to VDI-in-use bitmap" requirement.
func (s *State) SetVDIInUse(oid uint64, inUse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inUse {
		s.vdiInUse[oid] = true
	} else {
		delete(s.vdiInUse, oid)
	}
}

// IsVDIInUse reports oid's in-use bit.
func (s *State) IsVDIInUse(oid uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vdiInUse[oid]
}

// Owns reports whether self is the vnode-ring owner of oid against the
// current virtual-node cache. Used by the epoch-gating rule (§4.D): a
// request whose epoch trails the local epoch only fails outright if the
// object actually routes to this node under the current placement.
func (s *State) Owns(oid uint64, self NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.vnodeCache) == 0 {
		return false
	}
	h := hashOID(oid)
	idx := sort.Search(len(s.vnodeCache), func(i int) bool { return s.vnodeCache[i].Token >= h })
	if idx == len(s.vnodeCache) {
		idx = 0
	}
	return s.vnodeCache[idx].Node == self
}

// Owner returns the vnode-ring owner of oid, if the cache is populated.
func (s *State) Owner(oid uint64) (NodeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.vnodeCache) == 0 {
		return NodeID{}, false
	}
	h := hashOID(oid)
	idx := sort.Search(len(s.vnodeCache), func(i int) bool { return s.vnodeCache[i].Token >= h })
	if idx == len(s.vnodeCache) {
		idx = 0
	}
	return s.vnodeCache[idx].Node, true
}

// hashOID mixes an object ID into the same token space vnodeToken uses.
func hashOID(oid uint64) uint64 {
	h := uint64(1469598103934665603)
	for shift := 0; shift < 64; shift += 8 {
		h ^= (oid >> shift) & 0xff
		h *= 1099511628211
	}
	return h
}
