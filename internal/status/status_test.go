package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindJSONRoundTripByName(t *testing.T) {
	b, err := json.Marshal(WaitForJoin)
	require.NoError(t, err)
	require.Equal(t, `"WaitForJoin"`, string(b))

	var k Kind
	require.NoError(t, json.Unmarshal(b, &k))
	require.Equal(t, WaitForJoin, k)
}

func TestKindUnmarshalUnknownName(t *testing.T) {
	var k Kind
	require.NoError(t, json.Unmarshal([]byte(`"something-bogus"`), &k))
	require.Equal(t, Unknown, k)
}

func TestErrorMarshalJSONOmitsCause(t *testing.T) {
	e := Wrap(InvalidEpoch, "epoch mismatch", errors.New("dial tcp: refused"))

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, "InvalidEpoch", out["kind"])
	require.Equal(t, "epoch mismatch", out["message"])
	_, hasCause := out["cause"]
	require.False(t, hasCause, "Cause must not be serialized")
}

func TestErrorMarshalJSONOmitsEmptyMessage(t *testing.T) {
	e := New(Success, "")

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	_, hasMessage := out["message"]
	require.False(t, hasMessage)
}

func TestKindOfUnwrapsStatusError(t *testing.T) {
	se := Wrap(NoMem, "out of memory", errors.New("dial tcp: refused"))
	outer := fmt.Errorf("request failed: %w", se)

	require.Equal(t, NoMem, KindOf(se))
	require.Equal(t, NoMem, KindOf(outer))
	require.Equal(t, Success, KindOf(nil))
	require.Equal(t, Unknown, KindOf(errors.New("plain error")))
}
