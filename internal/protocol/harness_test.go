package protocol_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ikedaj/sheepdog/internal/driver"
	"github.com/ikedaj/sheepdog/internal/epochlog"
	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/protocol"
	"github.com/ikedaj/sheepdog/internal/serializer"
	"github.com/ikedaj/sheepdog/internal/store"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// testNode bundles one simulated cluster member: a Loopback adapter, the
// protocol Engine it drives, and the Serializer scheduling its events --
// the same three-piece wiring core.New assembles in production, minus
// the metrics/config layers a protocol-level test has no use for.
type testNode struct {
	id     membership.NodeID
	entry  membership.NodeEntry
	state  *membership.State
	engine *protocol.Engine
	serial *serializer.Serializer
	adapt  *driver.Loopback
}

// nodeHandlers forwards driver callbacks to the serializer's Submit*
// entry points, the same shape core.Core implements driver.Handlers with.
type nodeHandlers struct {
	s *serializer.Serializer
}

func (h *nodeHandlers) OnViewJoin(id membership.NodeID, self bool, members []membership.NodeID) {
	h.s.SubmitViewJoin(id, self, members)
}
func (h *nodeHandlers) OnViewLeave(id membership.NodeID, members []membership.NodeID) {
	h.s.SubmitViewLeave(id, members)
}
func (h *nodeHandlers) OnNotify(env *wire.Envelope) { h.s.SubmitNotify(env) }

func newTestNode(t *testing.T, ctx context.Context, bus *driver.LoopbackBus, name string, port uint16, vdi store.VDILayer) *testNode {
	t.Helper()
	id := membership.NodeID{Name: name}
	entry := membership.NodeEntry{Addr: "10.0.0.1", Port: port, VNodes: 4}
	adapt := driver.NewLoopback(bus, id, entry)

	logPath := t.TempDir()
	elog, err := epochlog.Open(logPath, nil)
	require.NoError(t, err)

	st := membership.NewState()
	eng := protocol.New(protocol.Config{
		Self:      id,
		SelfEntry: entry,
		State:     st,
		EpochLog:  elog,
		Driver:    adapt,
		VDILayer:  vdi,
		Prober:    &fakeProber{reachable: true},
	})
	ser := serializer.New(serializer.Config{Self: id, State: st, Handler: eng})

	_, err = adapt.Init(&nodeHandlers{s: ser})
	require.NoError(t, err)

	go ser.Run(ctx)
	go adapt.Dispatch(ctx)

	return &testNode{id: id, entry: entry, state: st, engine: eng, serial: ser, adapt: adapt}
}

type fakeProber struct {
	reachable bool
}

func (p *fakeProber) Reachable(context.Context, membership.NodeEntry) bool { return p.reachable }

type fakeVDILayer struct {
	data map[string][]byte
}

func newFakeVDILayer() *fakeVDILayer { return &fakeVDILayer{data: make(map[string][]byte)} }

func (f *fakeVDILayer) Add(ctx context.Context, req []byte) ([]byte, error) {
	f.data[string(req)] = req
	return append([]byte("created:"), req...), nil
}

func (f *fakeVDILayer) Del(ctx context.Context, req []byte) ([]byte, error) {
	delete(f.data, string(req))
	return append([]byte("deleted:"), req...), nil
}

func (f *fakeVDILayer) Lookup(ctx context.Context, req []byte) ([]byte, error) {
	return append([]byte("info:"), req...), nil
}

func (f *fakeVDILayer) GetAttr(ctx context.Context, req []byte) ([]byte, error) {
	return append([]byte("attr:"), req...), nil
}

func eventually(t *testing.T, fn func() bool) {
	t.Helper()
	require.Eventually(t, fn, 2*time.Second, 5*time.Millisecond)
}

// fakeAdapter is a driver.Adapter that only records broadcasts, for unit
// tests that drive an Engine's Fn/Done methods directly instead of
// through a full Loopback bus.
type fakeAdapter struct {
	mu         sync.Mutex
	broadcasts []*wire.Envelope
}

func (f *fakeAdapter) Init(driver.Handlers) (membership.NodeID, error) { return membership.NodeID{}, nil }
func (f *fakeAdapter) Join([]string) error                             { return nil }
func (f *fakeAdapter) Broadcast(env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, env)
	return nil
}
func (f *fakeAdapter) Dispatch(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeAdapter) Shutdown() error                    { return nil }

func (f *fakeAdapter) last(t *testing.T) *wire.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.broadcasts)
	return f.broadcasts[len(f.broadcasts)-1]
}

// unitEngine bundles an Engine built directly (no serializer/loopback)
// for tests that call Fn/Done themselves and inspect the resulting
// state and broadcasts synchronously.
type unitEngine struct {
	id      membership.NodeID
	entry   membership.NodeEntry
	state   *membership.State
	log     *epochlog.Log
	adapter *fakeAdapter
	engine  *protocol.Engine
}

func newUnitEngine(t *testing.T, name string, port uint16, vdi store.VDILayer, prober protocol.Prober) *unitEngine {
	t.Helper()
	id := membership.NodeID{Name: name}
	entry := membership.NodeEntry{Addr: "10.0.0.1", Port: port, VNodes: 4}
	elog, err := epochlog.Open(t.TempDir(), nil)
	require.NoError(t, err)
	st := membership.NewState()
	adapter := &fakeAdapter{}
	if prober == nil {
		prober = &fakeProber{reachable: true}
	}
	eng := protocol.New(protocol.Config{
		Self:      id,
		SelfEntry: entry,
		State:     st,
		EpochLog:  elog,
		Driver:    adapter,
		VDILayer:  vdi,
		Prober:    prober,
	})
	return &unitEngine{id: id, entry: entry, state: st, log: elog, adapter: adapter, engine: eng}
}

// makeMaster seeds u's storage roster with itself (alone), the bootstrap
// outcome of fnViewJoin/doneViewJoin, so u.engine.state.IsMaster(u.id).
func (u *unitEngine) makeMaster(t *testing.T) {
	t.Helper()
	u.state.Mutate(func(r *membership.Rosters) { r.AddStorage(u.id, u.entry) })
	u.state.RecomputeVNodes()
}
