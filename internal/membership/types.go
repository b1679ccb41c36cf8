// Package membership holds the in-memory node rosters, cluster status and
// epoch counter described in the data model: the single piece of shared
// state that the event serializer mutates and every other subsystem reads.
package membership

import "fmt"

// NodeID is the cluster-driver-assigned handle uniquely identifying one
// node instance across its lifetime in the driver. Two processes bound to
// the same name that started at different times are different NodeIDs --
// Incarnation disambiguates a restarted node from its previous life.
type NodeID struct {
	Name        string
	Incarnation uint64
}

func (id NodeID) String() string {
	return fmt.Sprintf("%s/%d", id.Name, id.Incarnation)
}

// Less gives NodeID a total order so it can be used as a deterministic
// tie-breaker and as a map/slice key with stable iteration when sorted.
func (id NodeID) Less(other NodeID) bool {
	if id.Name != other.Name {
		return id.Name < other.Name
	}
	return id.Incarnation < other.Incarnation
}

// NodeEntry is the storage-layer identity of a node: network address,
// port, zone id (replica placement diversity) and virtual-node weight. It
// is bound to a NodeID once that node has completed the join protocol.
type NodeEntry struct {
	Addr   string
	Port   uint16
	Zone   uint32
	VNodes uint16
}

func (e NodeEntry) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Less orders NodeEntry by (address, port), the total order invariant 2
// requires every node agree on without negotiation -- the roster head
// under this order is the master.
func (e NodeEntry) Less(other NodeEntry) bool {
	if e.Addr != other.Addr {
		return e.Addr < other.Addr
	}
	return e.Port < other.Port
}

// Status is the cluster-wide serving state of the local node.
type Status int

const (
	// WaitForFormat: no cluster has ever been formatted.
	WaitForFormat Status = iota
	// WaitForJoin: an epoch log exists but not all previously-known
	// nodes have rejoined.
	WaitForJoin
	// Ok: quorum achieved and serving.
	Ok
	// Halt: serving suspended administratively.
	Halt
	// Shutdown: terminal.
	Shutdown
	// JoinFailed: local node was rejected; runs only as a stateless
	// gateway.
	JoinFailed
)

func (s Status) String() string {
	switch s {
	case WaitForFormat:
		return "WaitForFormat"
	case WaitForJoin:
		return "WaitForJoin"
	case Ok:
		return "Ok"
	case Halt:
		return "Halt"
	case Shutdown:
		return "Shutdown"
	case JoinFailed:
		return "JoinFailed"
	default:
		return "Unknown"
	}
}

// VNode is one replica-placement token derived from a NodeEntry's weight.
type VNode struct {
	Token uint64
	Node  NodeID
}
