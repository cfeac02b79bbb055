package flight

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReorderBufferDrainsInSeqOrder(t *testing.T) {
	var b reorderBuffer
	seqs := []int32{5, 1, 4, 2, 0, 3}
	for _, s := range seqs {
		b.push(rpcResponse{Seq: s})
	}
	require.Equal(t, len(seqs), b.len())

	var drained []int32
	for b.len() > 0 {
		min, ok := b.peekMin()
		require.True(t, ok)
		drained = append(drained, min.Seq)
		require.Equal(t, min, b.popMin())
	}
	require.Equal(t, []int32{0, 1, 2, 3, 4, 5}, drained)
}

func TestReorderBufferRandomizedOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const n = 200
	perm := rng.Perm(n)

	var b reorderBuffer
	for _, s := range perm {
		b.push(rpcResponse{Seq: int32(s)})
	}

	for i := 0; i < n; i++ {
		min, ok := b.peekMin()
		require.True(t, ok)
		require.Equal(t, int32(i), min.Seq)
		b.popMin()
	}
	require.Equal(t, 0, b.len())
}

func TestReorderBufferReset(t *testing.T) {
	var b reorderBuffer
	b.push(rpcResponse{Seq: 1})
	b.push(rpcResponse{Seq: 2})
	b.reset()
	require.Equal(t, 0, b.len())
	_, ok := b.peekMin()
	require.False(t, ok)
}
