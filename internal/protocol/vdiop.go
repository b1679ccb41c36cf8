package protocol

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/status"
	"github.com/ikedaj/sheepdog/internal/wire"
)

// VDIKind is one of the client control operations spec §4.E.3 names.
// create/delete/get-info/get-attr route through the VDILayer
// collaborator; lock/release/make-fs/shutdown mutate core state
// directly and have no VDILayer analog.
type VDIKind uint32

const (
	VDICreate VDIKind = iota + 1
	VDIDelete
	VDILock
	VDIGetInfo
	VDIGetAttr
	VDIRelease
	VDIMakeFS
	VDIShutdown
)

// VDIResult is what SubmitVDIOp resolves to once this node's own
// VDI_OP/FIN arrives.
type VDIResult struct {
	Status status.Kind
	Body   []byte
}

// LockBody is the opaque Body convention for VDILock/VDIRelease: the
// object id being locked or released.
type LockBody struct {
	OID uint64
}

func (b LockBody) Marshal() []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], b.OID)
	return buf[:]
}

func UnmarshalLockBody(b []byte) (LockBody, error) {
	if len(b) < 8 {
		return LockBody{}, fmt.Errorf("protocol: short LockBody")
	}
	return LockBody{OID: binary.LittleEndian.Uint64(b[:8])}, nil
}

// MakeFSBody is the opaque Body convention for VDIMakeFS: the
// replication factor and creation time to stamp epoch 1 with.
type MakeFSBody struct {
	Copies uint32
	Ctime  uint64
}

func (b MakeFSBody) Marshal() []byte {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], b.Copies)
	binary.LittleEndian.PutUint64(buf[4:12], b.Ctime)
	return buf[:]
}

func UnmarshalMakeFSBody(b []byte) (MakeFSBody, error) {
	if len(b) < 12 {
		return MakeFSBody{}, fmt.Errorf("protocol: short MakeFSBody")
	}
	return MakeFSBody{
		Copies: binary.LittleEndian.Uint32(b[0:4]),
		Ctime:  binary.LittleEndian.Uint64(b[4:12]),
	}, nil
}

// SubmitVDIOp is the gateway entry point spec §4.E.3 describes: a
// client control op is broadcast as VDI_OP/INIT and the call blocks
// until this node's own VDI_OP/FIN arrives. Pending ops are keyed by
// RequestID (the §9 fix) so two in-flight ops from this node cannot
// cross-complete each other.
func (e *Engine) SubmitVDIOp(ctx context.Context, kind VDIKind, body []byte) (*VDIResult, error) {
	e.mu.Lock()
	e.nextReqID++
	reqID := e.nextReqID
	ch := make(chan *VDIResult, 1)
	e.pendingVDI[reqID] = ch
	e.mu.Unlock()

	payload := &wire.VDIOpPayload{RequestID: reqID, RequestKind: uint32(kind), Body: body}
	env := e.buildEnvelope(wire.OpVDIOp, wire.StateInit, payload.Marshal())
	if err := e.broadcast(env); err != nil {
		e.mu.Lock()
		delete(e.pendingVDI, reqID)
		e.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pendingVDI, reqID)
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (e *Engine) fnVDIOpNotify(ctx context.Context, env *wire.Envelope) (interface{}, bool, error) {
	payload, err := wire.UnmarshalVDIOpPayload(env.Payload)
	if err != nil {
		return nil, false, err
	}

	switch env.State {
	case wire.StateInit:
		if !e.state.IsMaster(e.self) {
			return nil, true, nil
		}
		result, body := e.executeVDIOp(ctx, VDIKind(payload.RequestKind), payload.Body)
		fin := &wire.VDIOpPayload{RequestID: payload.RequestID, RequestKind: payload.RequestKind, Result: result, Body: body}
		finEnv := e.buildEnvelope(wire.OpVDIOp, wire.StateFin, fin.Marshal())
		// The FIN names the op's originator rather than the master, so that
		// node alone completes its pending SubmitVDIOp call in applyVDIOpFin.
		finEnv.FromID = env.FromID
		finEnv.FromEntry = env.FromEntry
		if err := e.broadcast(finEnv); err != nil {
			return nil, false, err
		}
		return &notifyDecision{}, false, nil

	case wire.StateFin:
		return &notifyDecision{vdiFin: payload}, false, nil

	default:
		return nil, true, nil
	}
}

func (e *Engine) executeVDIOp(ctx context.Context, kind VDIKind, body []byte) (status.Kind, []byte) {
	var resp []byte
	var err error
	switch kind {
	case VDICreate:
		resp, err = e.vdiLayer.Add(ctx, body)
	case VDIDelete:
		resp, err = e.vdiLayer.Del(ctx, body)
	case VDIGetInfo:
		resp, err = e.vdiLayer.Lookup(ctx, body)
	case VDIGetAttr:
		resp, err = e.vdiLayer.GetAttr(ctx, body)
	case VDILock, VDIRelease, VDIMakeFS, VDIShutdown:
		resp = body
	default:
		err = status.New(status.SystemError, fmt.Sprintf("unknown vdi op kind %d", kind))
	}
	if err != nil {
		e.logger.Warn("vdi op execution failed", "kind", kind, "error", err)
		kind := status.KindOf(err)
		if kind == status.Unknown {
			kind = status.SystemError
		}
		return kind, nil
	}
	return status.Success, resp
}

// applyVDIOpFin applies VDI_OP/FIN side effects uniformly on every node
// (spec §4.E.3), then, if this node originated the op, completes its
// waiting SubmitVDIOp call.
func (e *Engine) applyVDIOpFin(payload *wire.VDIOpPayload, env *wire.Envelope) {
	switch VDIKind(payload.RequestKind) {
	case VDILock:
		if lb, err := UnmarshalLockBody(payload.Body); err == nil {
			e.state.SetVDIInUse(lb.OID, true)
		}
	case VDIRelease:
		if lb, err := UnmarshalLockBody(payload.Body); err == nil {
			e.state.SetVDIInUse(lb.OID, false)
		}
	case VDIMakeFS:
		if mb, err := UnmarshalMakeFSBody(payload.Body); err == nil {
			e.state.SetEpoch(1)
			if err := e.log.Write(1, e.state.OrderedEntries()); err != nil {
				e.logger.Error("epoch log write failed", "epoch", 1, "error", err)
			}
			e.state.SetStatus(membership.Ok)
			e.state.SetCtime(mb.Ctime)
			e.state.SetCopies(int(mb.Copies))
			if e.metrics != nil {
				e.metrics.Epoch.Set(1)
				e.metrics.ClusterStatus.Set(float64(membership.Ok))
			}
		} else {
			e.logger.Error("make-fs body decode failed", "error", err)
		}
	case VDIShutdown:
		e.state.SetStatus(membership.Shutdown)
		if e.metrics != nil {
			e.metrics.ClusterStatus.Set(float64(membership.Shutdown))
		}
	}

	if env.FromID != e.self {
		return
	}
	e.mu.Lock()
	ch, ok := e.pendingVDI[payload.RequestID]
	if ok {
		delete(e.pendingVDI, payload.RequestID)
	}
	e.mu.Unlock()
	if ok {
		select {
		case ch <- &VDIResult{Status: payload.Result, Body: payload.Body}:
		default:
		}
	}
}
