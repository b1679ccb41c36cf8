package serializer

import "context"

// GateDecision is Handler.Done's verdict on whether the gate should
// change, and to what. The zero value leaves the gate untouched.
type GateDecision struct {
	Set  bool
	Gate Gate
}

// NoGateChange leaves the current gate as-is.
func NoGateChange() GateDecision { return GateDecision{} }

// SetGate requests a transition to g.
func SetGate(g Gate) GateDecision { return GateDecision{Set: true, Gate: g} }

// Handler is the single-threaded cluster worker invoked once per
// non-Request event, per spec §4.D's two-phase fn/done discipline. Fn
// (e.g. network calls, collaborator invocations) and then Done (the
// membership-state mutation) both run on the goroutine schedule starts
// for the event, not on the serializer's scheduling loop; no other
// cluster event starts until Done has returned.
//
// The protocol package is the only implementation: Join/Leave/VDI-op
// handling (spec §4.E) lives there, dispatched on ev.Kind.
type Handler interface {
	// Fn executes the non-mutating half of handling ev. skip=true means
	// the event is discarded at Done without any mutation (e.g. a notify
	// that arrived before this node finished its own in-flight join and
	// is not addressed to it).
	Fn(ctx context.Context, ev *Event) (result interface{}, skip bool, err error)
	// Done applies ev's mutation using result from Fn, and returns
	// whether the gate should change as a consequence.
	Done(ev *Event, result interface{}) GateDecision
}
