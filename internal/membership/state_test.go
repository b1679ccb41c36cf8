package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStateStartsWaitForFormat(t *testing.T) {
	s := NewState()
	require.Equal(t, WaitForFormat, s.Status())
	require.Equal(t, uint32(0), s.Epoch())
	require.False(t, s.JoinFinished())
}

func TestStateMutateAndSnapshot(t *testing.T) {
	s := NewState()
	n1 := NodeID{Name: "n1"}
	e1 := NodeEntry{Addr: "10.0.0.1", Port: 7000}

	s.Mutate(func(r *Rosters) { r.AddStorage(n1, e1) })
	s.RecomputeVNodes()

	require.Equal(t, []NodeID{n1}, s.OrderedNodes())
	require.True(t, s.IsMaster(n1))
	entry, ok := s.StorageEntry(n1)
	require.True(t, ok)
	require.Equal(t, e1, entry)
}

func TestStateVDIInUseIdempotent(t *testing.T) {
	s := NewState()
	require.False(t, s.IsVDIInUse(42))
	s.SetVDIInUse(42, true)
	require.True(t, s.IsVDIInUse(42))
	s.SetVDIInUse(42, true) // idempotent
	require.True(t, s.IsVDIInUse(42))
	s.SetVDIInUse(42, false)
	require.False(t, s.IsVDIInUse(42))
}

func TestStateRecomputeVNodesOwnership(t *testing.T) {
	s := NewState()
	n1 := NodeID{Name: "n1"}
	n2 := NodeID{Name: "n2"}
	e1 := NodeEntry{Addr: "10.0.0.1", Port: 7000, VNodes: 4}
	e2 := NodeEntry{Addr: "10.0.0.2", Port: 7000, VNodes: 4}

	s.Mutate(func(r *Rosters) {
		r.AddStorage(n1, e1)
		r.AddStorage(n2, e2)
	})
	s.RecomputeVNodes()

	vnodes := s.OrderedVNodes()
	require.Len(t, vnodes, 8)

	owner, ok := s.Owner(123)
	require.True(t, ok)
	require.True(t, owner == n1 || owner == n2)
	require.Equal(t, owner == n1, s.Owns(123, n1))
}

func TestStateOwnsEmptyRing(t *testing.T) {
	s := NewState()
	require.False(t, s.Owns(1, NodeID{Name: "n1"}))
	_, ok := s.Owner(1)
	require.False(t, ok)
}

func TestStateScalarSetters(t *testing.T) {
	s := NewState()
	s.SetEpoch(5)
	require.Equal(t, uint32(5), s.Epoch())
	s.SetStatus(Ok)
	require.Equal(t, Ok, s.Status())
	s.SetJoinFinished(true)
	require.True(t, s.JoinFinished())
	s.SetCtime(12345)
	require.Equal(t, uint64(12345), s.Ctime())
	s.SetCopies(3)
	require.Equal(t, 3, s.Copies())
}
