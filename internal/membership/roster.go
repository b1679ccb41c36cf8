package membership

import "sort"

// transportEntry is one node as known to the driver: admitted to the
// group but not necessarily join-ratified yet.
type transportEntry struct {
	id    NodeID
	entry NodeEntry // left at its zero value: no Rosters method sets it
	order int       // insertion order, so iteration matches "ordered by NodeId insertion"
}

// storageEntry is one join-ratified node.
type storageEntry struct {
	id    NodeID
	entry NodeEntry
}

// Rosters holds the transport roster, storage roster and leave list
// described in the data model. It is not safe for concurrent use; the
// event serializer's single worker is the only writer, per the
// concurrency model.
type Rosters struct {
	transport    map[NodeID]*transportEntry
	transportSeq int

	storage []storageEntry // always kept sorted by NodeEntry.Less

	leave map[NodeID]NodeEntry
}

// NewRosters returns empty rosters.
func NewRosters() *Rosters {
	return &Rosters{
		transport: make(map[NodeID]*transportEntry),
		leave:     make(map[NodeID]NodeEntry),
	}
}

// AddTransport admits id to the transport roster (driver view-join). A
// no-op if id is already present.
func (r *Rosters) AddTransport(id NodeID) {
	if _, ok := r.transport[id]; ok {
		return
	}
	r.transport[id] = &transportEntry{id: id, order: r.transportSeq}
	r.transportSeq++
}

// RemoveTransport drops id from the transport roster (driver view-leave).
// It does not touch the storage roster; callers must RemoveStorage
// separately per invariant 1 (storage roster subset of transport roster).
func (r *Rosters) RemoveTransport(id NodeID) {
	delete(r.transport, id)
}

// InTransport reports whether id is currently in the transport roster.
func (r *Rosters) InTransport(id NodeID) bool {
	_, ok := r.transport[id]
	return ok
}

// OrderedTransport returns the transport roster ordered by insertion.
func (r *Rosters) OrderedTransport() []NodeID {
	entries := make([]*transportEntry, 0, len(r.transport))
	for _, e := range r.transport {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]NodeID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}

// AddStorage ratifies id/entry into the storage roster, keeping it sorted
// by NodeEntry.Less (invariant 2). A no-op if id is already present.
func (r *Rosters) AddStorage(id NodeID, entry NodeEntry) {
	for _, se := range r.storage {
		if se.id == id {
			return
		}
	}
	r.storage = append(r.storage, storageEntry{id: id, entry: entry})
	sort.Slice(r.storage, func(i, j int) bool { return r.storage[i].entry.Less(r.storage[j].entry) })
}

// RemoveStorage drops id from the storage roster.
func (r *Rosters) RemoveStorage(id NodeID) (NodeEntry, bool) {
	for i, se := range r.storage {
		if se.id == id {
			entry := se.entry
			r.storage = append(r.storage[:i], r.storage[i+1:]...)
			return entry, true
		}
	}
	return NodeEntry{}, false
}

// InStorage reports whether id is currently in the storage roster.
func (r *Rosters) InStorage(id NodeID) bool {
	for _, se := range r.storage {
		if se.id == id {
			return true
		}
	}
	return false
}

// StorageLen returns the number of ratified nodes.
func (r *Rosters) StorageLen() int {
	return len(r.storage)
}

// Master returns the head of the storage roster under its deterministic
// total order, and whether a master exists at all.
func (r *Rosters) Master() (NodeID, bool) {
	if len(r.storage) == 0 {
		return NodeID{}, false
	}
	return r.storage[0].id, true
}

// IsMaster reports whether id is the current master.
func (r *Rosters) IsMaster(id NodeID) bool {
	m, ok := r.Master()
	return ok && m == id
}

// OrderedStorage returns a snapshot of the storage roster in its
// deterministic order. Safe to call from I/O path goroutines; callers
// must tolerate it aging by one event, per the component design.
func (r *Rosters) OrderedStorage() []NodeID {
	out := make([]NodeID, len(r.storage))
	for i, se := range r.storage {
		out[i] = se.id
	}
	return out
}

// OrderedEntries returns the storage roster's NodeEntry list in the same
// deterministic order -- this is epoch_log[epoch] once committed.
func (r *Rosters) OrderedEntries() []NodeEntry {
	out := make([]NodeEntry, len(r.storage))
	for i, se := range r.storage {
		out[i] = se.entry
	}
	return out
}

// StorageEntry looks up the ratified NodeEntry for id.
func (r *Rosters) StorageEntry(id NodeID) (NodeEntry, bool) {
	for _, se := range r.storage {
		if se.id == id {
			return se.entry, true
		}
	}
	return NodeEntry{}, false
}

// AddLeave records id/entry as known-to-epoch-log but not currently
// present.
func (r *Rosters) AddLeave(id NodeID, entry NodeEntry) {
	r.leave[id] = entry
}

// RemoveLeave drops id from the leave list (it has rejoined).
func (r *Rosters) RemoveLeave(id NodeID) {
	delete(r.leave, id)
}

// ClearLeave empties the leave list, per the recovery-trigger rule: any
// applied Join/FIN or Leave/FIN while status is Ok/Halt clears it.
func (r *Rosters) ClearLeave() {
	r.leave = make(map[NodeID]NodeEntry)
}

// LeaveLen returns the size of the leave list.
func (r *Rosters) LeaveLen() int {
	return len(r.leave)
}

// LeaveEntries returns a snapshot of the leave list.
func (r *Rosters) LeaveEntries() map[NodeID]NodeEntry {
	out := make(map[NodeID]NodeEntry, len(r.leave))
	for k, v := range r.leave {
		out[k] = v
	}
	return out
}

// QuorumSatisfied reports whether storage ∪ leave == known, the equality
// that flips ClusterStatus out of WaitForJoin (invariant 5).
func (r *Rosters) QuorumSatisfied(known []NodeEntry) bool {
	if len(r.storage)+len(r.leave) != len(known) {
		return false
	}
	seen := make(map[NodeEntry]bool, len(known))
	for _, se := range r.storage {
		seen[se.entry] = true
	}
	for _, e := range r.leave {
		seen[e] = true
	}
	for _, e := range known {
		if !seen[e] {
			return false
		}
	}
	return true
}
