// Package store declares the collaborator interfaces this core consumes
// but does not implement, per spec §1/§6: the object-store backend, the
// VDI semantic layer, and the gateway/IO worker pools. Only their
// interfaces are described here; bodies are explicitly out of scope.
package store

import (
	"context"

	"github.com/ikedaj/sheepdog/internal/membership"
)

// Request is a client control or direct I/O request entering the event
// serializer's FIFO as a Request event (spec §4.D).
type Request struct {
	ID       uint64
	OID      uint64
	Epoch    uint32
	Direct   bool // true: execute locally; false: forward through Gateway
	Kind     uint32
	Body     []byte
}

// Response is what a dispatched Request resolves to.
type Response struct {
	Body []byte
}

// ObjectStore is the backend that reads/writes replicated objects. Only
// the entry points the core's recovery-gating and VDI-op side effects
// need are declared here (spec §6).
type ObjectStore interface {
	// StartRecovery is invoked whenever a Join/FIN or Leave/FIN has been
	// applied and status is Ok/Halt (spec §4.E.5).
	StartRecovery(ctx context.Context, epoch uint32) error
	// IsRecovering reports whether oid is currently being recovered, used
	// by the serializer's request-drain step (spec §4.D step 3).
	IsRecovering(oid uint64) bool
}

// VDILayer is the semantic layer for VDI create/delete/lock/info/attr
// operations, invoked by the master while handling VDI_OP/INIT (spec
// §4.E.3).
type VDILayer interface {
	Add(ctx context.Context, req []byte) (resp []byte, err error)
	Del(ctx context.Context, req []byte) (resp []byte, err error)
	Lookup(ctx context.Context, req []byte) (resp []byte, err error)
	GetAttr(ctx context.Context, req []byte) (resp []byte, err error)
}

// Gateway forwards a Request that was not addressed directly to this
// node (spec §6 "gateway.forward(req)").
type Gateway interface {
	Forward(ctx context.Context, dest membership.NodeID, req *Request) (*Response, error)
}

// IOPool executes a direct Request against local storage (spec §6
// "io_pool.execute(req)").
type IOPool interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}
