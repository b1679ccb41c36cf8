package protocol_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ikedaj/sheepdog/internal/driver"
	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/protocol"
	"github.com/ikedaj/sheepdog/internal/serializer"
	"github.com/ikedaj/sheepdog/internal/wire"
)

func TestBootstrapSingleNodeWaitsForFormat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := driver.NewLoopbackBus()
	n1 := newTestNode(t, ctx, bus, "n1", 7001, newFakeVDILayer())

	require.NoError(t, n1.adapt.Join(nil))

	eventually(t, func() bool { return n1.state.JoinFinished() })
	require.Equal(t, membership.WaitForFormat, n1.state.Status())
	master, ok := n1.state.Master()
	require.True(t, ok)
	require.Equal(t, n1.id, master)
}

// TestFoundersJoinThenFormat exercises the common bring-up order: every
// founding node joins while the cluster is still unformatted (so no
// ctime/epoch sanity check applies), then one of them issues make-fs.
// Every node must apply the resulting epoch 1 identically (invariant:
// byte-identical rosters across simulated nodes).
func TestFoundersJoinThenFormat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := driver.NewLoopbackBus()
	n1 := newTestNode(t, ctx, bus, "n1", 7001, newFakeVDILayer())
	require.NoError(t, n1.adapt.Join(nil))
	eventually(t, func() bool { return n1.state.JoinFinished() })

	n2 := newTestNode(t, ctx, bus, "n2", 7002, newFakeVDILayer())
	require.NoError(t, n2.adapt.Join([]string{"n1"}))
	eventually(t, func() bool { return n2.state.JoinFinished() })

	n3 := newTestNode(t, ctx, bus, "n3", 7003, newFakeVDILayer())
	require.NoError(t, n3.adapt.Join([]string{"n1", "n2"}))
	eventually(t, func() bool { return n3.state.JoinFinished() })

	require.Equal(t, membership.WaitForFormat, n1.state.Status())
	require.Equal(t, n1.state.OrderedEntries(), n2.state.OrderedEntries())
	require.Equal(t, n1.state.OrderedEntries(), n3.state.OrderedEntries())
	require.Len(t, n1.state.OrderedEntries(), 3)

	res, err := n1.engine.SubmitVDIOp(ctx, protocol.VDIMakeFS, protocol.MakeFSBody{Copies: 3, Ctime: 424242}.Marshal())
	require.NoError(t, err)
	require.Contains(t, res.Status.String(), "Success")

	eventually(t, func() bool { return n1.state.Status() == membership.Ok })
	eventually(t, func() bool { return n2.state.Status() == membership.Ok })
	eventually(t, func() bool { return n3.state.Status() == membership.Ok })

	for _, n := range []*testNode{n1, n2, n3} {
		require.Equal(t, uint32(1), n.state.Epoch())
		require.Equal(t, uint64(424242), n.state.Ctime())
		require.Equal(t, 3, n.state.Copies())
	}
	require.Equal(t, n1.state.OrderedEntries(), n2.state.OrderedEntries())
	require.Equal(t, n1.state.OrderedEntries(), n3.state.OrderedEntries())
}

// TestRejoinWithMatchingCtimeIsReadmitted covers the matching-ctime leg
// of the Ok/Halt sanity row a restarted node exercises: a node whose
// State already carries the cluster's agreed ctime/epoch/roster (as a
// real node's on-disk state would survive a process restart) broadcasts
// Join/INIT again and is admitted on the strength of that match, rather
// than being rejected as InvalidCtime.
func TestRejoinWithMatchingCtimeIsReadmitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := driver.NewLoopbackBus()
	n1 := newTestNode(t, ctx, bus, "n1", 7001, newFakeVDILayer())
	require.NoError(t, n1.adapt.Join(nil))
	eventually(t, func() bool { return n1.state.JoinFinished() })

	n2 := newTestNode(t, ctx, bus, "n2", 7002, newFakeVDILayer())
	require.NoError(t, n2.adapt.Join([]string{"n1"}))
	eventually(t, func() bool { return n2.state.JoinFinished() })

	_, err := n1.engine.SubmitVDIOp(ctx, protocol.VDIMakeFS, protocol.MakeFSBody{Copies: 2, Ctime: 555}.Marshal())
	require.NoError(t, err)
	eventually(t, func() bool { return n2.state.Status() == membership.Ok })

	// n2 re-announces its own join, as it would after its process
	// restarted and rejoined the transport group with state intact.
	n2.state.SetJoinFinished(false)
	require.NoError(t, n2.adapt.Join([]string{"n1"}))

	eventually(t, func() bool { return n2.state.JoinFinished() })
	require.Equal(t, membership.Ok, n2.state.Status())
	require.Equal(t, n1.state.OrderedEntries(), n2.state.OrderedEntries())
}

// TestJoinNotifyInitFromOtherNodeSuspendsGateUntilFin covers the race
// this module's gate mechanism exists to close: a master observing
// another node's Join/INIT must suspend scheduling of further
// membership events until that same round's Join/FIN is applied, not
// leave the gate at Idle the whole time.
func TestJoinNotifyInitFromOtherNodeSuspendsGateUntilFin(t *testing.T) {
	u := newUnitEngine(t, "n1", 7001, nil, nil)
	u.makeMaster(t)

	joiner := membership.NodeID{Name: "n2"}
	joinerEntry := membership.NodeEntry{Addr: "10.0.0.2", Port: 7002}
	initPayload := &wire.JoinPayload{ClusterStatus: membership.WaitForFormat}
	initEnv := &wire.Envelope{
		Header:  wire.Header{Op: wire.OpJoin, State: wire.StateInit, FromID: joiner, FromEntry: joinerEntry},
		Payload: initPayload.Marshal(),
	}

	initEv := &serializer.Event{Kind: serializer.KindNotify, Notify: initEnv}
	result, skip, err := u.engine.Fn(context.Background(), initEv)
	require.NoError(t, err)
	require.False(t, skip)

	decision := u.engine.Done(initEv, result)
	require.True(t, decision.Set)
	require.Equal(t, serializer.GateSuspended, decision.Gate)

	finEnv := u.adapter.last(t)
	require.Equal(t, wire.StateFin, finEnv.State)

	finEv := &serializer.Event{Kind: serializer.KindNotify, Notify: finEnv}
	finResult, skip, err := u.engine.Fn(context.Background(), finEv)
	require.NoError(t, err)
	require.False(t, skip)

	finDecision := u.engine.Done(finEv, finResult)
	require.True(t, finDecision.Set)
	require.Equal(t, serializer.GateIdle, finDecision.Gate)
}

// TestJoinNotifyInitNonMasterObserverAlsoSuspendsGate covers the other
// half of the fix: a node that isn't master still has no business running
// any other membership event ahead of a join in flight, so it too must
// observe the INIT (rather than skip it outright) and suspend.
func TestJoinNotifyInitNonMasterObserverAlsoSuspendsGate(t *testing.T) {
	u := newUnitEngine(t, "n3", 7003, nil, nil) // no storage seeded: not master

	joiner := membership.NodeID{Name: "n2"}
	payload := &wire.JoinPayload{ClusterStatus: membership.WaitForFormat}
	env := &wire.Envelope{
		Header:  wire.Header{Op: wire.OpJoin, State: wire.StateInit, FromID: joiner},
		Payload: payload.Marshal(),
	}

	ev := &serializer.Event{Kind: serializer.KindNotify, Notify: env}
	result, skip, err := u.engine.Fn(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, skip, "a bystander still observes the join; it just doesn't run the sanity check")

	decision := u.engine.Done(ev, result)
	require.True(t, decision.Set)
	require.Equal(t, serializer.GateSuspended, decision.Gate)
}

// TestJoinNotifyOwnInFlightJoinDoesNotDowngradeJoiningGate ensures a
// node's own just-broadcast Join/INIT, looping back to it over the same
// bus every other recipient gets it on, does not downgrade the
// GateJoining doneViewJoin already set to GateSuspended.
func TestJoinNotifyOwnInFlightJoinDoesNotDowngradeJoiningGate(t *testing.T) {
	u := newUnitEngine(t, "n2", 7002, nil, nil)

	viewEv := &serializer.ViewJoin{ID: u.id, Self: true, Members: []membership.NodeID{{Name: "n1"}, u.id}}
	fnEv := &serializer.Event{Kind: serializer.KindViewJoin, ViewJoinEv: viewEv}
	fnResult, skip, err := u.engine.Fn(context.Background(), fnEv)
	require.NoError(t, err)
	require.False(t, skip)

	joinDecision := u.engine.Done(fnEv, fnResult)
	require.True(t, joinDecision.Set)
	require.Equal(t, serializer.GateJoining, joinDecision.Gate)

	initEnv := u.adapter.last(t)
	require.Equal(t, wire.StateInit, initEnv.State)
	require.Equal(t, u.id, initEnv.FromID)

	notifyEv := &serializer.Event{Kind: serializer.KindNotify, Notify: initEnv}
	result, skip, err := u.engine.Fn(context.Background(), notifyEv)
	require.NoError(t, err)
	require.False(t, skip)

	decision := u.engine.Done(notifyEv, result)
	require.False(t, decision.Set, "observing our own in-flight join must not downgrade GateJoining to GateSuspended")
}
