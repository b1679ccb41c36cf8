// Package wire implements the fixed, little-endian message envelope
// described in spec §6: a versioned header (protocol version, opcode,
// state, length, originator identity) followed by an opaque payload.
// Unlike the teacher's gob+flate Msg envelope (sbusso-tgres/cluster),
// this is hand-marshalled over encoding/binary so the layout is the
// explicit, version-stamped one the spec requires, generalizing the
// teacher's nodeMeta binary packing (binary.PutVarint/ReadVarint) to a
// full message header.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ikedaj/sheepdog/internal/membership"
)

// ProtoVersion is the current wire protocol version this build speaks.
const ProtoVersion = 1

// Op is the message opcode.
type Op uint8

const (
	OpJoin           Op = 1
	OpVDIOp          Op = 2
	OpMasterChanged  Op = 3
	OpLeave          Op = 4
	OpMasterTransfer Op = 5
)

func (o Op) String() string {
	switch o {
	case OpJoin:
		return "JOIN"
	case OpVDIOp:
		return "VDI_OP"
	case OpMasterChanged:
		return "MASTER_CHANGED"
	case OpLeave:
		return "LEAVE"
	case OpMasterTransfer:
		return "MASTER_TRANSFER"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// State is the three-valued phase tag driving the INIT/FIN two-phase
// pattern over the ordered bus.
type State uint8

const (
	StateInit State = 1
	StateCont State = 2
	StateFin  State = 3
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateCont:
		return "CONT"
	case StateFin:
		return "FIN"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Header is the fixed portion of every broadcast message.
type Header struct {
	ProtoVer   uint8
	Op         Op
	State      State
	MsgLength  uint32
	FromID     membership.NodeID
	FromEntry  membership.NodeEntry
}

// headerFixedLen is the byte length of the header's leading fixed fields
// (version, pad, opcode, state, msg_length); FromID and FromEntry follow
// them and are decoded separately, with their strings length-prefixed.
const headerFixedLen = 1 /*ver*/ + 1 /*pad*/ + 1 /*op*/ + 1 /*state*/ + 4 /*len*/

// Envelope is a Header plus its opaque payload bytes.
type Envelope struct {
	Header
	Payload []byte
}

// Marshal encodes e into the fixed little-endian wire format.
func (e *Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(e.ProtoVer)
	buf.WriteByte(0) // pad
	buf.WriteByte(byte(e.Op))
	buf.WriteByte(byte(e.State))

	var lenBuf [4]byte
	// placeholder; patched after we know payload+id length
	buf.Write(lenBuf[:])

	if err := writeNodeID(&buf, e.FromID); err != nil {
		return nil, err
	}
	if err := writeNodeEntry(&buf, e.FromEntry); err != nil {
		return nil, err
	}
	buf.Write(e.Payload)

	out := buf.Bytes()
	total := uint32(len(out))
	binary.LittleEndian.PutUint32(out[4:8], total)
	return out, nil
}

// Unmarshal decodes b into e.
func (e *Envelope) Unmarshal(b []byte) error {
	if len(b) < headerFixedLen {
		return fmt.Errorf("wire: short header: %d bytes", len(b))
	}
	e.ProtoVer = b[0]
	e.Op = Op(b[2])
	e.State = State(b[3])
	total := binary.LittleEndian.Uint32(b[4:8])
	if int(total) > len(b) {
		return fmt.Errorf("wire: msg_length %d exceeds buffer %d", total, len(b))
	}
	rest := b[8:total]

	id, rest, err := readNodeID(rest)
	if err != nil {
		return fmt.Errorf("wire: from_id: %w", err)
	}
	e.FromID = id

	entry, rest, err := readNodeEntry(rest)
	if err != nil {
		return fmt.Errorf("wire: from_entry: %w", err)
	}
	e.FromEntry = entry

	e.Payload = append([]byte(nil), rest...)
	return nil
}

func writeNodeID(buf *bytes.Buffer, id membership.NodeID) error {
	if len(id.Name) > 0xFFFF {
		return fmt.Errorf("wire: NodeID.Name too long")
	}
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(id.Name)))
	buf.Write(nameLen[:])
	buf.WriteString(id.Name)
	var inc [8]byte
	binary.LittleEndian.PutUint64(inc[:], id.Incarnation)
	buf.Write(inc[:])
	return nil
}

func readNodeID(b []byte) (membership.NodeID, []byte, error) {
	if len(b) < 2 {
		return membership.NodeID{}, nil, fmt.Errorf("short NodeID length prefix")
	}
	nl := int(binary.LittleEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < nl+8 {
		return membership.NodeID{}, nil, fmt.Errorf("short NodeID body")
	}
	name := string(b[:nl])
	b = b[nl:]
	inc := binary.LittleEndian.Uint64(b[:8])
	b = b[8:]
	return membership.NodeID{Name: name, Incarnation: inc}, b, nil
}

func writeNodeEntry(buf *bytes.Buffer, e membership.NodeEntry) error {
	if len(e.Addr) > 0xFFFF {
		return fmt.Errorf("wire: NodeEntry.Addr too long")
	}
	var addrLen [2]byte
	binary.LittleEndian.PutUint16(addrLen[:], uint16(len(e.Addr)))
	buf.Write(addrLen[:])
	buf.WriteString(e.Addr)
	var rest [2 + 4 + 2]byte
	binary.LittleEndian.PutUint16(rest[0:2], e.Port)
	binary.LittleEndian.PutUint32(rest[2:6], e.Zone)
	binary.LittleEndian.PutUint16(rest[6:8], e.VNodes)
	buf.Write(rest[:])
	return nil
}

func readNodeEntry(b []byte) (membership.NodeEntry, []byte, error) {
	if len(b) < 2 {
		return membership.NodeEntry{}, nil, fmt.Errorf("short NodeEntry length prefix")
	}
	al := int(binary.LittleEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < al+8 {
		return membership.NodeEntry{}, nil, fmt.Errorf("short NodeEntry body")
	}
	addr := string(b[:al])
	b = b[al:]
	port := binary.LittleEndian.Uint16(b[0:2])
	zone := binary.LittleEndian.Uint32(b[2:6])
	vnodes := binary.LittleEndian.Uint16(b[6:8])
	b = b[8:]
	return membership.NodeEntry{Addr: addr, Port: port, Zone: zone, VNodes: vnodes}, b, nil
}
