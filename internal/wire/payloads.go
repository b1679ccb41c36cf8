package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/status"
)

// NodeRef pairs a NodeID with its NodeEntry, the (NodeId,NodeEntry) tuple
// the spec's Join payload arrays carry. Go slices stand in for the
// source's fixed MAX-sized arrays.
type NodeRef struct {
	ID    membership.NodeID
	Entry membership.NodeEntry
}

// JoinPayload is the Join opcode's INIT/FIN body (spec §6). Joiner
// identifies which node this round is admitting -- carried explicitly
// (rather than inferred from the envelope's from_id, which on FIN names
// the master, not the joiner) so a node with its own join in flight can
// tell "my round resolved" apart from "someone else's round resolved
// while mine is still pending".
type JoinPayload struct {
	NrSobjs       uint32
	ClusterStatus membership.Status
	Epoch         uint32
	Ctime         uint64
	Result        status.Kind
	IncEpoch      bool
	Joiner        NodeRef
	Nodes         []NodeRef
	LeaveNodes    []NodeRef
}

// Marshal encodes p.
func (p *JoinPayload) Marshal() []byte {
	var buf bytes.Buffer
	var scalars [4 + 4 + 4 + 8 + 4]byte
	binary.LittleEndian.PutUint32(scalars[0:4], p.NrSobjs)
	binary.LittleEndian.PutUint32(scalars[4:8], uint32(p.ClusterStatus))
	binary.LittleEndian.PutUint32(scalars[8:12], p.Epoch)
	binary.LittleEndian.PutUint64(scalars[12:20], p.Ctime)
	binary.LittleEndian.PutUint32(scalars[20:24], uint32(p.Result))
	buf.Write(scalars[:])
	if p.IncEpoch {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeNodeID(&buf, p.Joiner.ID)
	writeNodeEntry(&buf, p.Joiner.Entry)
	writeNodeRefs(&buf, p.Nodes)
	writeNodeRefs(&buf, p.LeaveNodes)
	return buf.Bytes()
}

// UnmarshalJoinPayload decodes b into a *JoinPayload.
func UnmarshalJoinPayload(b []byte) (*JoinPayload, error) {
	if len(b) < 25 {
		return nil, fmt.Errorf("wire: short JoinPayload")
	}
	p := &JoinPayload{}
	p.NrSobjs = binary.LittleEndian.Uint32(b[0:4])
	p.ClusterStatus = membership.Status(binary.LittleEndian.Uint32(b[4:8]))
	p.Epoch = binary.LittleEndian.Uint32(b[8:12])
	p.Ctime = binary.LittleEndian.Uint64(b[12:20])
	p.Result = status.Kind(binary.LittleEndian.Uint32(b[20:24]))
	p.IncEpoch = b[24] != 0
	rest := b[25:]

	joinerID, rest, err := readNodeID(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: JoinPayload.Joiner.ID: %w", err)
	}
	joinerEntry, rest, err := readNodeEntry(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: JoinPayload.Joiner.Entry: %w", err)
	}
	p.Joiner = NodeRef{ID: joinerID, Entry: joinerEntry}

	nodes, rest, err := readNodeRefs(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: JoinPayload.Nodes: %w", err)
	}
	p.Nodes = nodes

	leaveNodes, rest, err := readNodeRefs(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: JoinPayload.LeaveNodes: %w", err)
	}
	p.LeaveNodes = leaveNodes
	_ = rest

	return p, nil
}

func writeNodeRefs(buf *bytes.Buffer, refs []NodeRef) {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(refs)))
	buf.Write(count[:])
	for _, r := range refs {
		writeNodeID(buf, r.ID)
		writeNodeEntry(buf, r.Entry)
	}
}

func readNodeRefs(b []byte) ([]NodeRef, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("short count")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	refs := make([]NodeRef, 0, n)
	for i := uint32(0); i < n; i++ {
		id, rem, err := readNodeID(b)
		if err != nil {
			return nil, nil, err
		}
		entry, rem2, err := readNodeEntry(rem)
		if err != nil {
			return nil, nil, err
		}
		refs = append(refs, NodeRef{ID: id, Entry: entry})
		b = rem2
	}
	return refs, b, nil
}

// LeavePayload is the Leave opcode's body: the leaving node's
// last-known epoch.
type LeavePayload struct {
	Epoch uint32
}

func (p *LeavePayload) Marshal() []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], p.Epoch)
	return b[:]
}

func UnmarshalLeavePayload(b []byte) (*LeavePayload, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: short LeavePayload")
	}
	return &LeavePayload{Epoch: binary.LittleEndian.Uint32(b[:4])}, nil
}

// VDIOpPayload carries the client request header, response header, and
// opaque request body bytes for a VDI_OP message (spec §6), plus the
// RequestID this module's §9 fix adds so overlapping VDI ops from one
// originator cannot cross-complete each other (see protocol package).
type VDIOpPayload struct {
	RequestID   uint64
	RequestKind uint32
	Result      status.Kind
	Body        []byte
}

func (p *VDIOpPayload) Marshal() []byte {
	var buf bytes.Buffer
	var scalars [8 + 4 + 4]byte
	binary.LittleEndian.PutUint64(scalars[0:8], p.RequestID)
	binary.LittleEndian.PutUint32(scalars[8:12], p.RequestKind)
	binary.LittleEndian.PutUint32(scalars[12:16], uint32(p.Result))
	buf.Write(scalars[:])
	buf.Write(p.Body)
	return buf.Bytes()
}

func UnmarshalVDIOpPayload(b []byte) (*VDIOpPayload, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("wire: short VDIOpPayload")
	}
	p := &VDIOpPayload{}
	p.RequestID = binary.LittleEndian.Uint64(b[0:8])
	p.RequestKind = binary.LittleEndian.Uint32(b[8:12])
	p.Result = status.Kind(binary.LittleEndian.Uint32(b[12:16]))
	p.Body = append([]byte(nil), b[16:]...)
	return p, nil
}
