package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReorderBufferInOrder(t *testing.T) {
	b := newReorderBuffer()
	ready := b.Insert(1, []byte("a"))
	require.Equal(t, [][]byte{[]byte("a")}, ready)
	ready = b.Insert(2, []byte("b"))
	require.Equal(t, [][]byte{[]byte("b")}, ready)
}

func TestReorderBufferOutOfOrder(t *testing.T) {
	b := newReorderBuffer()
	require.Empty(t, b.Insert(2, []byte("b")))
	require.Empty(t, b.Insert(3, []byte("c")))
	ready := b.Insert(1, []byte("a"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, ready)
}

func TestReorderBufferDuplicate(t *testing.T) {
	b := newReorderBuffer()
	require.NotEmpty(t, b.Insert(1, []byte("a")))
	require.Empty(t, b.Insert(1, []byte("a-dup")))
	require.Empty(t, b.Insert(0, []byte("before-start")))
}

func TestReorderBufferReset(t *testing.T) {
	b := newReorderBuffer()
	b.Insert(1, []byte("a"))
	b.Reset()
	ready := b.Insert(1, []byte("a-again"))
	require.Equal(t, [][]byte{[]byte("a-again")}, ready)
}
