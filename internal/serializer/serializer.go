package serializer

import (
	"context"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/metrics"
	"github.com/ikedaj/sheepdog/internal/status"
	"github.com/ikedaj/sheepdog/internal/store"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// Config bundles the collaborators the serializer drives and consults
// while scheduling (spec §6 "collaborator interfaces consumed by the
// core").
type Config struct {
	Self        membership.NodeID
	State       *membership.State
	Handler     Handler
	ObjectStore store.ObjectStore
	IOPool      store.IOPool
	Gateway     store.Gateway
	Logger      hclog.Logger
	Metrics     *metrics.Metrics
}

type completion struct {
	oid uint64
	ev  *Event
	res *RequestResult
}

// Serializer is the event serializer of spec §4.D: one FIFO, one gate,
// and the five-step scheduling rule that keeps membership changes from
// starting while I/O straddles an epoch and keeps queued I/O from
// overtaking a membership change it was queued behind.
type Serializer struct {
	self    membership.NodeID
	state   *membership.State
	handler Handler
	objs    store.ObjectStore
	ioPool  store.IOPool
	gateway store.Gateway
	log     hclog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	fifo      []*Event
	running   bool
	gate      Gate
	nrIO      int
	mutating  map[uint64]bool
	waitlist  map[uint64][]*Event

	wake        chan struct{}
	completions chan completion
}

// New constructs a Serializer. Run must be called to start scheduling.
func New(cfg Config) *Serializer {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Serializer{
		self:        cfg.Self,
		state:       cfg.State,
		handler:     cfg.Handler,
		objs:        cfg.ObjectStore,
		ioPool:      cfg.IOPool,
		gateway:     cfg.Gateway,
		log:         log.Named("serializer"),
		metrics:     cfg.Metrics,
		mutating:    make(map[uint64]bool),
		waitlist:    make(map[uint64][]*Event),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, 64),
	}
}

// Gate returns the current gate value. Safe from any goroutine.
func (s *Serializer) Gate() Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

func (s *Serializer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubmitViewJoin enqueues a ViewJoin event.
func (s *Serializer) SubmitViewJoin(id membership.NodeID, self bool, members []membership.NodeID) {
	s.enqueue(&Event{Kind: KindViewJoin, ViewJoinEv: &ViewJoin{ID: id, Self: self, Members: members}})
}

// SubmitViewLeave enqueues a ViewLeave event.
func (s *Serializer) SubmitViewLeave(id membership.NodeID, members []membership.NodeID) {
	s.enqueue(&Event{Kind: KindViewLeave, ViewLeaveEv: &ViewLeave{ID: id, Members: members}})
}

// SubmitNotify enqueues a Notify event carrying a decoded broadcast.
func (s *Serializer) SubmitNotify(env *wire.Envelope) {
	s.enqueue(&Event{Kind: KindNotify, Notify: env})
}

// SubmitRequest enqueues a client Request event and returns the channel
// its result will arrive on exactly once.
func (s *Serializer) SubmitRequest(req *store.Request) <-chan *RequestResult {
	reply := make(chan *RequestResult, 1)
	s.enqueue(&Event{Kind: KindRequest, RequestEv: &RequestEvent{Req: req, Reply: reply}})
	return reply
}

func (s *Serializer) enqueue(ev *Event) {
	s.mu.Lock()
	s.fifo = append(s.fifo, ev)
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(len(s.fifo)))
	}
	s.mu.Unlock()
	s.signal()
}

// Run drives the scheduling loop until ctx is done.
func (s *Serializer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-s.completions:
			s.applyCompletion(c)
		case <-s.wake:
		}
		s.schedule(ctx)
	}
}

// schedule advances the FIFO as far as the five-step rule allows,
// dispatching at most one cluster event per call (its completion will
// re-signal scheduling) and draining every eligible leading Request.
func (s *Serializer) schedule(ctx context.Context) {
	if s.metrics != nil {
		defer func() {
			s.mu.Lock()
			s.metrics.QueueDepth.Set(float64(len(s.fifo)))
			s.mu.Unlock()
		}()
	}
	for {
		s.mu.Lock()
		if len(s.fifo) == 0 {
			s.mu.Unlock()
			return
		}
		head := s.fifo[0]

		if head.Kind != KindRequest {
			// Rule 1 / §5: only one cluster event end-to-end at a time.
			if s.running {
				s.mu.Unlock()
				return
			}
			// Suspended/Joining: while a join is in flight anywhere in the
			// cluster, no other membership/notify event may run ahead of
			// its resolution -- except the Join/FIN that resolves it,
			// which must always be allowed through or the gate could never
			// clear.
			if s.gate != GateIdle && !isJoinFin(head) {
				s.mu.Unlock()
				return
			}
			// Rule 4: membership/notify must not start while I/O straddles
			// an epoch transition.
			if s.nrIO > 0 {
				s.mu.Unlock()
				return
			}
			// Rule 5: pop and dispatch to the single-threaded cluster
			// worker.
			s.fifo = s.fifo[1:]
			s.running = true
			s.mu.Unlock()
			go s.runClusterEvent(ctx, head)
			return
		}

		// head.Kind == KindRequest: rules 2-3, drain while eligible.
		re := head.RequestEv
		if s.gate == GateJoining && re.Req.Direct {
			s.fifo = s.fifo[1:]
			s.mu.Unlock()
			s.reply(re, status.NewNodeVer, nil)
			continue
		}

		oid := re.Req.OID
		if s.objs != nil && s.objs.IsRecovering(oid) {
			s.fifo = s.fifo[1:]
			s.mu.Unlock()
			if re.Req.Direct {
				s.reply(re, status.NewNodeVer, nil)
			} else {
				s.park(oid, head)
			}
			continue
		}
		if s.mutating[oid] {
			s.fifo = s.fifo[1:]
			s.mu.Unlock()
			s.park(oid, head)
			continue
		}

		epoch := s.state.Epoch()
		if re.Req.Epoch != epoch && s.state.Owns(oid, s.self) {
			s.fifo = s.fifo[1:]
			s.mu.Unlock()
			kind := status.OldNodeVer
			if re.Req.Epoch > epoch {
				kind = status.NewNodeVer
			}
			s.reply(re, kind, nil)
			continue
		}

		s.fifo = s.fifo[1:]
		s.mutating[oid] = true
		s.nrIO++
		if s.metrics != nil {
			s.metrics.OutstandingIO.Set(float64(s.nrIO))
		}
		s.mu.Unlock()
		go s.runRequest(ctx, head)
	}
}

// isJoinFin reports whether ev is the Join/FIN notify that resolves the
// Suspended/Joining gate, the one notify event schedule must never hold
// behind that same gate.
func isJoinFin(ev *Event) bool {
	return ev.Kind == KindNotify && ev.Notify != nil &&
		ev.Notify.Op == wire.OpJoin && ev.Notify.State == wire.StateFin
}

func (s *Serializer) park(oid uint64, ev *Event) {
	s.mu.Lock()
	s.waitlist[oid] = append(s.waitlist[oid], ev)
	s.mu.Unlock()
}

func (s *Serializer) reply(re *RequestEvent, kind status.Kind, resp *store.Response) {
	select {
	case re.Reply <- &RequestResult{Status: kind, Resp: resp}:
	default:
	}
}

func (s *Serializer) runRequest(ctx context.Context, ev *Event) {
	re := ev.RequestEv
	var resp *store.Response
	var err error
	if re.Req.Direct {
		resp, err = s.ioPool.Execute(ctx, re.Req)
	} else if owner, ok := s.state.Owner(re.Req.OID); ok {
		resp, err = s.gateway.Forward(ctx, owner, re.Req)
	} else {
		err = status.New(status.SystemError, "no owner resolvable for forwarded request")
	}

	kind := status.Success
	if err != nil {
		kind = status.KindOf(err)
		if kind == status.Unknown {
			kind = status.SystemError
		}
		s.log.Warn("request failed", "oid", re.Req.OID, "error", err)
	}

	s.completions <- completion{
		oid: re.Req.OID,
		ev:  ev,
		res: &RequestResult{Status: kind, Resp: resp},
	}
}

func (s *Serializer) applyCompletion(c completion) {
	s.mu.Lock()
	delete(s.mutating, c.oid)
	s.nrIO--
	if s.metrics != nil {
		s.metrics.OutstandingIO.Set(float64(s.nrIO))
	}
	parked := s.waitlist[c.oid]
	delete(s.waitlist, c.oid)
	if len(parked) > 0 {
		s.fifo = append(append([]*Event(nil), parked...), s.fifo...)
	}
	s.mu.Unlock()

	s.reply(c.ev.RequestEv, c.res.Status, c.res.Resp)
}

func (s *Serializer) runClusterEvent(ctx context.Context, ev *Event) {
	result, skip, err := s.handler.Fn(ctx, ev)
	if err != nil {
		s.log.Error("event fn failed", "kind", ev.Kind, "error", err)
	}
	if !skip {
		decision := s.handler.Done(ev, result)
		s.mu.Lock()
		if decision.Set {
			s.gate = decision.Gate
		}
		s.mu.Unlock()
		s.maybeTriggerRecovery(ctx, ev)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.signal()
}

// maybeTriggerRecovery implements spec §4.E.5: any applied Join/FIN or
// Leave/FIN while status is Ok/Halt clears the leave list and starts
// recovery.
func (s *Serializer) maybeTriggerRecovery(ctx context.Context, ev *Event) {
	if ev.Kind != KindNotify || ev.Notify == nil {
		return
	}
	if ev.Notify.State != wire.StateFin {
		return
	}
	if ev.Notify.Op != wire.OpJoin && ev.Notify.Op != wire.OpLeave {
		return
	}
	st := s.state.Status()
	if st != membership.Ok && st != membership.Halt {
		return
	}
	s.state.Mutate(func(r *membership.Rosters) { r.ClearLeave() })
	if s.objs == nil {
		return
	}
	if err := s.objs.StartRecovery(ctx, s.state.Epoch()); err != nil {
		s.log.Error("start_recovery failed", "epoch", s.state.Epoch(), "error", err)
	}
}
