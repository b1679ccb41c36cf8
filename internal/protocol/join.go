package protocol

import (
	"context"
	"sort"

	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/serializer"
	"github.com/ikedaj/sheepdog/internal/status"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// viewJoinDecision is the Fn-phase result of a ViewJoin event.
type viewJoinDecision struct {
	bootstrap          bool
	bootstrapEpoch     uint32
	broadcastedOwnJoin bool
}

// fnViewJoin implements spec §4.E.2's on_view_join entry point: the
// bootstrap case (members == {self}) reads the epoch log; otherwise, if
// this view-join is our own admission to an existing group, broadcast
// Join/INIT. A view-join about some other node is left for its own
// Join/INIT notify to handle.
func (e *Engine) fnViewJoin(_ context.Context, ev *serializer.ViewJoin) (interface{}, bool, error) {
	if ev.Self && len(ev.Members) == 1 {
		return &viewJoinDecision{bootstrap: true, bootstrapEpoch: e.log.Latest()}, false, nil
	}
	if ev.Self {
		env := e.buildJoinInit()
		if err := e.broadcast(env); err != nil {
			return nil, false, err
		}
		return &viewJoinDecision{broadcastedOwnJoin: true}, false, nil
	}
	return &viewJoinDecision{}, false, nil
}

func (e *Engine) doneViewJoin(ev *serializer.ViewJoin, result interface{}) serializer.GateDecision {
	d, _ := result.(*viewJoinDecision)
	if d == nil {
		return serializer.NoGateChange()
	}
	e.state.Mutate(func(r *membership.Rosters) { r.AddTransport(ev.ID) })

	if d.bootstrap {
		if d.bootstrapEpoch == 0 {
			e.state.SetStatus(membership.WaitForFormat)
		} else {
			e.state.SetStatus(membership.WaitForJoin)
			e.state.SetEpoch(d.bootstrapEpoch)
		}
		// Invariant 2: the sole node is master by definition -- seed the
		// storage roster with itself so Master() resolves to a nonempty
		// head.
		e.state.Mutate(func(r *membership.Rosters) { r.AddStorage(e.self, e.selfEntry) })
		e.state.RecomputeVNodes()
		e.state.SetJoinFinished(true)
		return serializer.NoGateChange()
	}

	if d.broadcastedOwnJoin {
		e.mu.Lock()
		e.selfJoinPending = true
		e.mu.Unlock()
		return serializer.SetGate(serializer.GateJoining)
	}
	return serializer.NoGateChange()
}

// buildJoinInit assembles this node's Join/INIT broadcast: its epoch,
// ctime, known replication factor, and the node list read from its own
// epoch log (NodeID is unknown for these entries -- the master's sanity
// check only compares NodeEntry values).
func (e *Engine) buildJoinInit() *wire.Envelope {
	epoch := e.state.Epoch()
	known, _ := e.log.Read(epoch)
	nodes := make([]wire.NodeRef, len(known))
	for i, entry := range known {
		nodes[i] = wire.NodeRef{Entry: entry}
	}
	payload := &wire.JoinPayload{
		NrSobjs:       uint32(e.state.Copies()),
		ClusterStatus: e.state.Status(),
		Epoch:         epoch,
		Ctime:         e.state.Ctime(),
		Nodes:         nodes,
	}
	return e.buildEnvelope(wire.OpJoin, wire.StateInit, payload.Marshal())
}

// joinSanityOutcome is what runJoinSanity decided the Join/FIN response
// (or master-transfer) should carry.
type joinSanityOutcome struct {
	transfer      bool
	result        status.Kind
	clusterStatus membership.Status
	epoch         uint32
	incEpoch      bool
	nodes         []wire.NodeRef
	leaveNodes    []wire.NodeRef
}

// fnJoinNotify is the master's cluster-sanity check on Join/INIT (spec
// §4.E.2's table), or every node's deterministic application of a
// Join/FIN.
func (e *Engine) fnJoinNotify(_ context.Context, env *wire.Envelope) (interface{}, bool, error) {
	payload, err := wire.UnmarshalJoinPayload(env.Payload)
	if err != nil {
		return nil, false, err
	}

	switch env.State {
	case wire.StateInit:
		if !e.state.IsMaster(e.self) {
			// Not our job to run the sanity check, but every node -- not
			// just the master -- must still observe that a join is in
			// flight so its own schedule() suspends until the matching
			// FIN arrives.
			return &notifyDecision{joinInitObserved: true}, false, nil
		}
		outcome := e.runJoinSanity(payload, env)
		if outcome.transfer {
			transferEnv := e.buildEnvelope(wire.OpMasterTransfer, wire.StateFin, nil)
			if err := e.broadcast(transferEnv); err != nil {
				return nil, false, err
			}
			return &notifyDecision{joinInitObserved: true}, false, nil
		}
		fin := &wire.JoinPayload{
			NrSobjs:       uint32(e.state.Copies()),
			ClusterStatus: outcome.clusterStatus,
			Epoch:         outcome.epoch,
			Ctime:         e.state.Ctime(),
			Result:        outcome.result,
			IncEpoch:      outcome.incEpoch,
			Joiner:        wire.NodeRef{ID: env.FromID, Entry: env.FromEntry},
			Nodes:         outcome.nodes,
			LeaveNodes:    outcome.leaveNodes,
		}
		finEnv := e.buildEnvelope(wire.OpJoin, wire.StateFin, fin.Marshal())
		if err := e.broadcast(finEnv); err != nil {
			return nil, false, err
		}
		return &notifyDecision{joinInitObserved: true}, false, nil

	case wire.StateFin:
		return &notifyDecision{joinFin: payload}, false, nil

	default:
		return nil, true, nil
	}
}

func (e *Engine) runJoinSanity(payload *wire.JoinPayload, env *wire.Envelope) joinSanityOutcome {
	switch e.state.Status() {
	case membership.WaitForFormat:
		if len(payload.Nodes) > 0 {
			return e.joinFail(status.NotFormatted)
		}
		return e.joinAdmit(env, membership.WaitForFormat, e.state.Epoch(), false)

	case membership.WaitForJoin:
		if payload.Ctime != e.state.Ctime() {
			return e.joinFail(status.InvalidCtime)
		}
		localEpoch := e.state.Epoch()
		if payload.Epoch != localEpoch {
			if payload.Epoch > localEpoch {
				return e.joinTransfer()
			}
			return e.joinFail(status.OldNodeVer)
		}
		known, _ := e.log.Read(localEpoch)
		if !entriesMatch(known, payload.Nodes) {
			return e.joinFail(status.InvalidEpoch)
		}
		nrKnown := len(known)
		nrPresent := len(e.state.OrderedNodes()) + 1
		leaveEntries := e.state.LeaveEntries()
		nrLeave := len(leaveEntries)
		switch {
		case nrKnown == nrPresent:
			return e.joinAdmit(env, membership.Ok, localEpoch, false)
		case nrKnown == nrPresent+nrLeave:
			return e.joinAdmit(env, membership.Ok, localEpoch, true)
		default:
			return e.joinAdmit(env, membership.WaitForJoin, localEpoch, false)
		}

	case membership.Ok, membership.Halt:
		if payload.Ctime != e.state.Ctime() {
			return e.joinFail(status.InvalidCtime)
		}
		localEpoch := e.state.Epoch()
		if payload.Epoch != localEpoch {
			if payload.Epoch > localEpoch {
				return e.joinTransfer()
			}
			return e.joinFail(status.OldNodeVer)
		}
		known, _ := e.log.Read(localEpoch)
		if !entriesMatch(known, payload.Nodes) {
			return e.joinFail(status.InvalidEpoch)
		}
		return e.joinAdmit(env, e.state.Status(), localEpoch, true)

	case membership.Shutdown:
		return e.joinFail(status.Shutdown)

	default:
		return e.joinFail(status.SystemError)
	}
}

func (e *Engine) joinFail(kind status.Kind) joinSanityOutcome {
	return joinSanityOutcome{
		result:        kind,
		clusterStatus: e.state.Status(),
		epoch:         e.state.Epoch(),
		nodes:         e.currentRosterRefs(),
		leaveNodes:    e.currentLeaveRefs(),
	}
}

func (e *Engine) joinTransfer() joinSanityOutcome {
	return joinSanityOutcome{transfer: true}
}

func (e *Engine) joinAdmit(env *wire.Envelope, newStatus membership.Status, epoch uint32, incEpoch bool) joinSanityOutcome {
	nodes := append(e.currentRosterRefs(), wire.NodeRef{ID: env.FromID, Entry: env.FromEntry})
	return joinSanityOutcome{
		result:        status.Success,
		clusterStatus: newStatus,
		epoch:         epoch,
		incEpoch:      incEpoch,
		nodes:         nodes,
		leaveNodes:    e.currentLeaveRefs(),
	}
}

func (e *Engine) currentRosterRefs() []wire.NodeRef {
	ids := e.state.OrderedNodes()
	refs := make([]wire.NodeRef, 0, len(ids))
	for _, id := range ids {
		entry, _ := e.state.StorageEntry(id)
		refs = append(refs, wire.NodeRef{ID: id, Entry: entry})
	}
	return refs
}

func (e *Engine) currentLeaveRefs() []wire.NodeRef {
	leave := e.state.LeaveEntries()
	refs := make([]wire.NodeRef, 0, len(leave))
	for id, entry := range leave {
		refs = append(refs, wire.NodeRef{ID: id, Entry: entry})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Entry.Less(refs[j].Entry) })
	return refs
}

// entriesMatch reports whether the joiner's reported node list
// byte-equals the master's own epoch log entries for that epoch,
// ignoring order.
func entriesMatch(known []membership.NodeEntry, reported []wire.NodeRef) bool {
	if len(known) != len(reported) {
		return false
	}
	a := append([]membership.NodeEntry(nil), known...)
	b := make([]membership.NodeEntry, len(reported))
	for i, r := range reported {
		b[i] = r.Entry
	}
	sort.Slice(a, func(i, j int) bool { return a[i].Less(a[j]) })
	sort.Slice(b, func(i, j int) bool { return b[i].Less(b[j]) })
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// applyJoinFin is the FIN handler every node -- including the master --
// runs deterministically: migrate the ratified roster, merge the leave
// list, bump and persist the epoch if inc_epoch, and (the §9 open-
// question fix) only set copies/ctime when the resulting status is a
// terminal-serving one.
func (e *Engine) applyJoinFin(payload *wire.JoinPayload, env *wire.Envelope) serializer.GateDecision {
	e.state.Mutate(func(r *membership.Rosters) {
		for _, nr := range payload.Nodes {
			if !r.InStorage(nr.ID) {
				r.AddStorage(nr.ID, nr.Entry)
			}
		}
		for _, nr := range payload.LeaveNodes {
			r.AddLeave(nr.ID, nr.Entry)
		}
	})
	e.state.RecomputeVNodes()
	e.state.SetStatus(payload.ClusterStatus)

	epoch := payload.Epoch
	if payload.IncEpoch {
		epoch = payload.Epoch + 1
		if err := e.log.Write(epoch, e.state.OrderedEntries()); err != nil {
			e.logger.Error("epoch log write failed", "epoch", epoch, "error", err)
		}
	}
	e.state.SetEpoch(epoch)

	if payload.ClusterStatus == membership.Ok || payload.ClusterStatus == membership.Halt {
		e.state.SetCopies(int(payload.NrSobjs))
		e.state.SetCtime(payload.Ctime)
	}

	if e.metrics != nil {
		e.metrics.JoinTotal.Inc()
		e.metrics.Epoch.Set(float64(epoch))
		e.metrics.StorageRosterSize.Set(float64(len(e.state.OrderedNodes())))
		e.metrics.ClusterStatus.Set(float64(payload.ClusterStatus))
	}

	e.mu.Lock()
	ownJoin := e.selfJoinPending && payload.Joiner.ID == e.self
	e.mu.Unlock()
	if ownJoin {
		e.state.SetJoinFinished(true)
		if payload.Result != status.Success {
			e.state.SetStatus(membership.JoinFailed)
		}
		e.mu.Lock()
		e.selfJoinPending = false
		e.mu.Unlock()
	}

	// Any Join/FIN -- ours or another node's -- is what the Suspended/
	// Joining gate was waiting on; clear it unconditionally, not only for
	// the joiner itself.
	return serializer.SetGate(serializer.GateIdle)
}
