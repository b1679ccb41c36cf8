// Package driver implements the Cluster Driver Adapter (spec §4.A): the
// abstraction over a group-communication mechanism providing
// totally-ordered broadcast plus view-change callbacks. The production
// backend is built on github.com/hashicorp/memberlist, the teacher's own
// dependency (sbusso-tgres/cluster); a Loopback backend serves tests
// that need several simulated nodes sharing one process.
package driver

import (
	"context"

	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// Handlers is invoked by Dispatch exactly once per driver event, in
// delivery order, per spec §4.A's dispatch() contract.
type Handlers interface {
	// OnViewJoin fires when the driver admits a node to the transport
	// group. members is the full transport membership at the moment of
	// the view-change, self reports whether id is the local node.
	OnViewJoin(id membership.NodeID, self bool, members []membership.NodeID)
	// OnViewLeave fires when the driver removes a node from the
	// transport group.
	OnViewLeave(id membership.NodeID, members []membership.NodeID)
	// OnNotify fires once per totally-ordered broadcast delivery,
	// including self-originated ones.
	OnNotify(env *wire.Envelope)
}

// FatalError is returned by Dispatch when the driver has disconnected
// (the Go analog of EPOLLHUP) -- the core must log it and exit nonzero
// per spec §4.A/§7 tier 1.
type FatalError struct {
	Reason string
	Cause  error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return "driver: fatal: " + e.Reason + ": " + e.Cause.Error()
	}
	return "driver: fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Adapter is the Cluster Driver Adapter interface described in spec
// §4.A.
type Adapter interface {
	// Init opens the group, wires handlers, and returns this node's own
	// identity (the Go replacement for "a pollable fd").
	Init(handlers Handlers) (membership.NodeID, error)
	// Join requests admission to the transport group given at least one
	// existing member address. An empty list means "start a new group of
	// one" (spec §4.E.2 bootstrap case).
	Join(existing []string) error
	// Broadcast totally-ordered-broadcasts env to all current members,
	// including self.
	Broadcast(env *wire.Envelope) error
	// Dispatch drains pending driver events until ctx is done or the
	// driver disconnects, in which case it returns a *FatalError.
	Dispatch(ctx context.Context) error
	// Shutdown leaves the group.
	Shutdown() error
}
