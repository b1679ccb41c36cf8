// Package serializer implements the event serializer described in spec
// §4.D: the single FIFO of ViewJoin/ViewLeave/Notify/Request events that
// every membership and client-I/O transition flows through, and the
// scheduling rule that keeps membership changes from straddling
// in-flight I/O and keeps I/O from overtaking membership changes it was
// queued behind.
package serializer

import (
	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/status"
	"github.com/ikedaj/sheepdog/internal/store"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// Kind tags one of the four event shapes the FIFO carries.
type Kind int

const (
	KindViewJoin Kind = iota
	KindViewLeave
	KindNotify
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindViewJoin:
		return "ViewJoin"
	case KindViewLeave:
		return "ViewLeave"
	case KindNotify:
		return "Notify"
	case KindRequest:
		return "Request"
	default:
		return "Unknown"
	}
}

// ViewJoin mirrors driver.Handlers.OnViewJoin's arguments as a queued
// event.
type ViewJoin struct {
	ID      membership.NodeID
	Self    bool
	Members []membership.NodeID
}

// ViewLeave mirrors driver.Handlers.OnViewLeave's arguments as a queued
// event.
type ViewLeave struct {
	ID      membership.NodeID
	Members []membership.NodeID
}

// RequestEvent is a client control or direct-I/O request riding the FIFO
// as a Request event, with a reply channel the originating caller reads
// from exactly once.
type RequestEvent struct {
	Req   *store.Request
	Reply chan *RequestResult
}

// RequestResult is what a dispatched Request resolves to.
type RequestResult struct {
	Status status.Kind
	Resp   *store.Response
}

// Event is the tagged union the FIFO holds. Exactly one of ViewJoinEv /
// ViewLeaveEv / Notify / RequestEv is non-nil, matching Kind.
type Event struct {
	Kind Kind

	ViewJoinEv  *ViewJoin
	ViewLeaveEv *ViewLeave
	Notify      *wire.Envelope
	RequestEv   *RequestEvent
}

// Gate folds the spec's two booleans (suspended, joining) into one
// state, since joining always implies suspended's restrictions plus its
// own (spec.md §9 design note).
type Gate int

const (
	GateIdle Gate = iota
	GateSuspended
	GateJoining
)

func (g Gate) String() string {
	switch g {
	case GateIdle:
		return "Idle"
	case GateSuspended:
		return "Suspended"
	case GateJoining:
		return "Joining"
	default:
		return "Unknown"
	}
}
