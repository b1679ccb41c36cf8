package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/status"
)

func TestJoinPayloadRoundTrip(t *testing.T) {
	p := &JoinPayload{
		NrSobjs:       3,
		ClusterStatus: membership.Ok,
		Epoch:         4,
		Ctime:         99999,
		Result:        status.Success,
		IncEpoch:      true,
		Joiner: NodeRef{
			ID:    membership.NodeID{Name: "n3", Incarnation: 1},
			Entry: membership.NodeEntry{Addr: "10.0.0.3", Port: 7000},
		},
		Nodes: []NodeRef{
			{ID: membership.NodeID{Name: "n1"}, Entry: membership.NodeEntry{Addr: "10.0.0.1", Port: 7000}},
			{ID: membership.NodeID{Name: "n2"}, Entry: membership.NodeEntry{Addr: "10.0.0.2", Port: 7000}},
		},
		LeaveNodes: []NodeRef{
			{ID: membership.NodeID{Name: "n4"}, Entry: membership.NodeEntry{Addr: "10.0.0.4", Port: 7000}},
		},
	}

	got, err := UnmarshalJoinPayload(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestJoinPayloadEmptyNodeLists(t *testing.T) {
	p := &JoinPayload{ClusterStatus: membership.WaitForFormat}
	got, err := UnmarshalJoinPayload(p.Marshal())
	require.NoError(t, err)
	require.Empty(t, got.Nodes)
	require.Empty(t, got.LeaveNodes)
}

func TestUnmarshalJoinPayloadShort(t *testing.T) {
	_, err := UnmarshalJoinPayload([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestLeavePayloadRoundTrip(t *testing.T) {
	p := &LeavePayload{Epoch: 42}
	got, err := UnmarshalLeavePayload(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestUnmarshalLeavePayloadShort(t *testing.T) {
	_, err := UnmarshalLeavePayload([]byte{1, 2})
	require.Error(t, err)
}

func TestVDIOpPayloadRoundTrip(t *testing.T) {
	p := &VDIOpPayload{
		RequestID:   17,
		RequestKind: 2,
		Result:      status.WaitForJoin,
		Body:        []byte("payload-body"),
	}
	got, err := UnmarshalVDIOpPayload(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestVDIOpPayloadEmptyBody(t *testing.T) {
	p := &VDIOpPayload{RequestID: 1, RequestKind: 1}
	got, err := UnmarshalVDIOpPayload(p.Marshal())
	require.NoError(t, err)
	require.Empty(t, got.Body)
}

func TestUnmarshalVDIOpPayloadShort(t *testing.T) {
	_, err := UnmarshalVDIOpPayload([]byte{1, 2, 3})
	require.Error(t, err)
}
