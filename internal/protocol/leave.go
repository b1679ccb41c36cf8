package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/serializer"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// Prober checks whether a storage member is reachable, for the Leave
// protocol's majority self-fence check (spec §4.E.4).
type Prober interface {
	Reachable(ctx context.Context, entry membership.NodeEntry) bool
}

// TCPProber probes reachability with a plain TCP connect-and-close; no
// library in this corpus offers a ping primitive narrower than this, and
// a net.Dialer with a Timeout, dialed through DialContext, is the
// idiomatic stdlib tool for exactly this check.
type TCPProber struct {
	Timeout time.Duration
}

func (p *TCPProber) Reachable(ctx context.Context, entry membership.NodeEntry) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", entry.Addr, entry.Port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

type viewLeaveDecision struct {
	selfFence bool
}

// fnViewLeave implements the majority check of spec §4.E.4: before any
// roster mutation, probe the other storage members' TCP reachability and
// self-fence if fewer than the required majority minus one are
// reachable.
func (e *Engine) fnViewLeave(ctx context.Context, ev *serializer.ViewLeave) (interface{}, bool, error) {
	n := len(e.state.OrderedNodes())
	if n < 3 {
		return &viewLeaveDecision{}, false, nil
	}
	m := n/2 + 1
	reachable := e.countReachable(ctx, ev.ID)
	return &viewLeaveDecision{selfFence: reachable < m-1}, false, nil
}

func (e *Engine) countReachable(ctx context.Context, departed membership.NodeID) int {
	ids := e.state.OrderedNodes()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var merr *multierror.Error
	count := 0
	for _, id := range ids {
		if id == departed || id == e.self {
			continue
		}
		entry, ok := e.state.StorageEntry(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id membership.NodeID, entry membership.NodeEntry) {
			defer wg.Done()
			if e.prober.Reachable(ctx, entry) {
				mu.Lock()
				count++
				mu.Unlock()
				return
			}
			mu.Lock()
			merr = multierror.Append(merr, fmt.Errorf("%s unreachable", id))
			mu.Unlock()
		}(id, entry)
	}
	wg.Wait()
	if merr != nil {
		e.logger.Debug("leave majority probe", "departed", departed, "errors", merr.ErrorOrNil())
	}
	return count
}

func (e *Engine) doneViewLeave(ev *serializer.ViewLeave, result interface{}) serializer.GateDecision {
	d, _ := result.(*viewLeaveDecision)
	if d == nil {
		return serializer.NoGateChange()
	}
	if d.selfFence {
		if e.metrics != nil {
			e.metrics.SelfFenceTotal.Inc()
		}
		e.pushFatal(&FatalError{Reason: fmt.Sprintf("minority partition after %s departed: self-fencing", ev.ID)})
		return serializer.NoGateChange()
	}

	st := e.state.Status()
	var removed bool
	e.state.Mutate(func(r *membership.Rosters) {
		r.RemoveTransport(ev.ID)
		_, removed = r.RemoveStorage(ev.ID)
	})
	if !removed {
		return serializer.NoGateChange()
	}
	e.state.RecomputeVNodes()
	if st == membership.Ok || st == membership.Halt {
		epoch := e.state.Epoch() + 1
		e.state.SetEpoch(epoch)
		if err := e.log.Write(epoch, e.state.OrderedEntries()); err != nil {
			e.logger.Error("epoch log write failed", "epoch", epoch, "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.LeaveTotal.Inc()
		e.metrics.StorageRosterSize.Set(float64(len(e.state.OrderedNodes())))
		e.metrics.Epoch.Set(float64(e.state.Epoch()))
	}
	return serializer.NoGateChange()
}

// fnLeaveNotify decodes a voluntary Leave/FIN broadcast (spec §4.E.4).
// There is no INIT phase for voluntary leave: the departing node
// broadcasts FIN directly before closing.
func (e *Engine) fnLeaveNotify(env *wire.Envelope) (interface{}, bool, error) {
	if env.State != wire.StateFin {
		return nil, true, nil
	}
	payload, err := wire.UnmarshalLeavePayload(env.Payload)
	if err != nil {
		return nil, false, err
	}
	return &notifyDecision{leaveFin: payload}, false, nil
}

// applyLeaveFin records a clean departure on the leave list while
// WaitForJoin, so the quorum formula can distinguish it from a node that
// simply hasn't rejoined yet. The actual roster removal happens via
// on_view_leave once the driver notices the disconnect.
func (e *Engine) applyLeaveFin(_ *wire.LeavePayload, env *wire.Envelope) {
	if e.state.Status() != membership.WaitForJoin {
		return
	}
	e.state.Mutate(func(r *membership.Rosters) { r.AddLeave(env.FromID, env.FromEntry) })
}

// Leave broadcasts this node's own voluntary departure before shutdown.
func (e *Engine) Leave(_ context.Context) error {
	payload := &wire.LeavePayload{Epoch: e.state.Epoch()}
	env := e.buildEnvelope(wire.OpLeave, wire.StateFin, payload.Marshal())
	return e.broadcast(env)
}
