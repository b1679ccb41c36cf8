// Package protocol implements the join, leave, VDI-op and master-transfer
// protocols of spec §4.E as a serializer.Handler: the single-threaded
// cluster worker the event serializer's fn/done phases dispatch to.
// Grounded on objectfs's internal/distributed/consensus.go propose/vote/
// execute shape and cluster.go's NodeInfo/NodeStatus bookkeeping,
// generalized from that package's Raft-style log to this spec's
// total-order-broadcast INIT/FIN two-phase pattern.
package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/ikedaj/sheepdog/internal/driver"
	"github.com/ikedaj/sheepdog/internal/epochlog"
	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/metrics"
	"github.com/ikedaj/sheepdog/internal/serializer"
	"github.com/ikedaj/sheepdog/internal/store"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// FatalError is pushed onto Engine.Fatal() whenever this node must stop
// serving: a minority partition self-fence (§4.E.4) or a master handing
// off mastership after an epoch mismatch (§4.E.2). The core's run loop
// is the only place that acts on it (log + nonzero exit, per §7 tier 1).
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "protocol: fatal: " + e.Reason }

// Config bundles Engine's collaborators.
type Config struct {
	Self      membership.NodeID
	SelfEntry membership.NodeEntry
	State     *membership.State
	EpochLog  *epochlog.Log
	Driver    driver.Adapter
	VDILayer  store.VDILayer
	Prober    Prober
	Logger    hclog.Logger
	Metrics   *metrics.Metrics
}

// Engine is the protocol package's serializer.Handler implementation.
type Engine struct {
	self      membership.NodeID
	selfEntry membership.NodeEntry
	state     *membership.State
	log       *epochlog.Log
	adapter   driver.Adapter
	vdiLayer  store.VDILayer
	prober    Prober
	logger    hclog.Logger
	metrics   *metrics.Metrics

	mu              sync.Mutex
	selfJoinPending bool
	nextReqID       uint64
	pendingVDI      map[uint64]chan *VDIResult

	fatal chan error
}

var _ serializer.Handler = (*Engine)(nil)

// New constructs an Engine. If cfg.Prober is nil, a TCPProber with a
// 2-second timeout is used.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	prober := cfg.Prober
	if prober == nil {
		prober = &TCPProber{Timeout: 2 * time.Second}
	}
	return &Engine{
		self:       cfg.Self,
		selfEntry:  cfg.SelfEntry,
		state:      cfg.State,
		log:        cfg.EpochLog,
		adapter:    cfg.Driver,
		vdiLayer:   cfg.VDILayer,
		prober:     prober,
		logger:     logger.Named("protocol"),
		metrics:    cfg.Metrics,
		pendingVDI: make(map[uint64]chan *VDIResult),
		fatal:      make(chan error, 1),
	}
}

// Fatal reports fatal conditions (self-fence, mastership handoff exit)
// the core's run loop must act on.
func (e *Engine) Fatal() <-chan error {
	return e.fatal
}

func (e *Engine) pushFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// notifyDecision is the Fn-phase result for Notify events; only the
// field matching env.Op/env.State is populated.
type notifyDecision struct {
	joinInitObserved bool
	joinFin          *wire.JoinPayload
	leaveFin         *wire.LeavePayload
	vdiFin           *wire.VDIOpPayload
	masterTransferOf membership.NodeID
}

// Fn implements serializer.Handler.
func (e *Engine) Fn(ctx context.Context, ev *serializer.Event) (interface{}, bool, error) {
	switch ev.Kind {
	case serializer.KindViewJoin:
		return e.fnViewJoin(ctx, ev.ViewJoinEv)
	case serializer.KindViewLeave:
		return e.fnViewLeave(ctx, ev.ViewLeaveEv)
	case serializer.KindNotify:
		return e.fnNotify(ctx, ev.Notify)
	default:
		return nil, true, nil
	}
}

// Done implements serializer.Handler.
func (e *Engine) Done(ev *serializer.Event, result interface{}) serializer.GateDecision {
	switch ev.Kind {
	case serializer.KindViewJoin:
		return e.doneViewJoin(ev.ViewJoinEv, result)
	case serializer.KindViewLeave:
		return e.doneViewLeave(ev.ViewLeaveEv, result)
	case serializer.KindNotify:
		return e.doneNotify(ev.Notify, result)
	default:
		return serializer.NoGateChange()
	}
}

func (e *Engine) fnNotify(ctx context.Context, env *wire.Envelope) (interface{}, bool, error) {
	switch env.Op {
	case wire.OpJoin:
		return e.fnJoinNotify(ctx, env)
	case wire.OpLeave:
		return e.fnLeaveNotify(env)
	case wire.OpVDIOp:
		return e.fnVDIOpNotify(ctx, env)
	case wire.OpMasterTransfer:
		return &notifyDecision{masterTransferOf: env.FromID}, false, nil
	default:
		return nil, true, nil
	}
}

func (e *Engine) doneNotify(env *wire.Envelope, result interface{}) serializer.GateDecision {
	d, _ := result.(*notifyDecision)
	if d == nil {
		return serializer.NoGateChange()
	}
	switch env.Op {
	case wire.OpJoin:
		if env.State == wire.StateInit && d.joinInitObserved {
			e.mu.Lock()
			ownInFlight := e.selfJoinPending && env.FromID == e.self
			e.mu.Unlock()
			if ownInFlight {
				// This is our own just-broadcast join bouncing back to us:
				// leave the Joining gate doneViewJoin already set in place,
				// rather than downgrading it to Suspended.
				return serializer.NoGateChange()
			}
			return serializer.SetGate(serializer.GateSuspended)
		}
		if env.State == wire.StateFin && d.joinFin != nil {
			return e.applyJoinFin(d.joinFin, env)
		}
	case wire.OpLeave:
		if env.State == wire.StateFin && d.leaveFin != nil {
			e.applyLeaveFin(d.leaveFin, env)
		}
	case wire.OpVDIOp:
		if env.State == wire.StateFin && d.vdiFin != nil {
			e.applyVDIOpFin(d.vdiFin, env)
		}
	case wire.OpMasterTransfer:
		if d.masterTransferOf == e.self {
			e.pushFatal(&FatalError{Reason: "mastership transferred after epoch mismatch with a joiner"})
		} else {
			e.logger.Info("master transfer observed", "from", d.masterTransferOf)
		}
	}
	return serializer.NoGateChange()
}

func (e *Engine) buildEnvelope(op wire.Op, state wire.State, payload []byte) *wire.Envelope {
	return &wire.Envelope{
		Header: wire.Header{
			ProtoVer:  wire.ProtoVersion,
			Op:        op,
			State:     state,
			FromID:    e.self,
			FromEntry: e.selfEntry,
		},
		Payload: payload,
	}
}

func (e *Engine) broadcast(env *wire.Envelope) error {
	if err := e.adapter.Broadcast(env); err != nil {
		return fmt.Errorf("protocol: broadcast %s/%s: %w", env.Op, env.State, err)
	}
	return nil
}
