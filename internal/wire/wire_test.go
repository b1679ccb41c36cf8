package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ikedaj/sheepdog/internal/membership"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Header: Header{
			ProtoVer: ProtoVersion,
			Op:       OpJoin,
			State:    StateInit,
			FromID:   membership.NodeID{Name: "n1", Incarnation: 7},
			FromEntry: membership.NodeEntry{
				Addr: "10.0.0.1", Port: 7000, Zone: 1, VNodes: 64,
			},
		},
		Payload: []byte("hello"),
	}

	raw, err := env.Marshal()
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, got.Unmarshal(raw))
	require.Equal(t, env.ProtoVer, got.ProtoVer)
	require.Equal(t, env.Op, got.Op)
	require.Equal(t, env.State, got.State)
	require.Equal(t, env.FromID, got.FromID)
	require.Equal(t, env.FromEntry, got.FromEntry)
	require.Equal(t, env.Payload, got.Payload)
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	env := &Envelope{
		Header: Header{
			ProtoVer: ProtoVersion,
			Op:       OpLeave,
			State:    StateFin,
			FromID:   membership.NodeID{Name: "n2"},
		},
	}
	raw, err := env.Marshal()
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, got.Unmarshal(raw))
	require.Empty(t, got.Payload)
}

func TestEnvelopeUnmarshalShortHeader(t *testing.T) {
	var env Envelope
	require.Error(t, env.Unmarshal([]byte{1, 2, 3}))
}

func TestEnvelopeUnmarshalTruncatedLength(t *testing.T) {
	env := &Envelope{
		Header: Header{ProtoVer: ProtoVersion, Op: OpJoin, State: StateInit, FromID: membership.NodeID{Name: "n1"}},
		Payload: []byte("x"),
	}
	raw, err := env.Marshal()
	require.NoError(t, err)

	var got Envelope
	require.Error(t, got.Unmarshal(raw[:len(raw)-2]))
}

func TestOpAndStateStrings(t *testing.T) {
	require.Equal(t, "JOIN", OpJoin.String())
	require.Equal(t, "VDI_OP", OpVDIOp.String())
	require.Equal(t, "MASTER_CHANGED", OpMasterChanged.String())
	require.Equal(t, "LEAVE", OpLeave.String())
	require.Equal(t, "MASTER_TRANSFER", OpMasterTransfer.String())
	require.Contains(t, Op(99).String(), "Op(99)")

	require.Equal(t, "INIT", StateInit.String())
	require.Equal(t, "CONT", StateCont.String())
	require.Equal(t, "FIN", StateFin.String())
	require.Contains(t, State(99).String(), "State(99)")
}
