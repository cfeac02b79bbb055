package flight

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextSeqWrapsAtMaxInt32(t *testing.T) {
	require.Equal(t, int32(1), nextSeq(0))
	require.Equal(t, int32(0), nextSeq(int32(math.MaxInt32)))
}

func TestInflightQueueFIFO(t *testing.T) {
	var q inflightQueue
	require.Equal(t, 0, q.len())

	q.push(Inflight{Seq: 0, StartIndex: 10, Count: 4})
	q.push(Inflight{Seq: 1, StartIndex: 14, Count: 4})
	require.Equal(t, 2, q.len())

	front, ok := q.front()
	require.True(t, ok)
	require.Equal(t, int32(0), front.Seq)

	back, ok := q.back()
	require.True(t, ok)
	require.Equal(t, int32(1), back.Seq)

	q.popFront()
	require.Equal(t, 1, q.len())
	front, ok = q.front()
	require.True(t, ok)
	require.Equal(t, int32(1), front.Seq)
}

func TestInflightQueueResetCancelsHandles(t *testing.T) {
	var cancelled int
	var q inflightQueue
	q.push(Inflight{Seq: 0, Handle: cancelFunc(func() { cancelled++ })})
	q.push(Inflight{Seq: 1, Handle: cancelFunc(func() { cancelled++ })})
	q.push(Inflight{Seq: 2}) // no handle: must not panic

	q.reset()
	require.Equal(t, 2, cancelled)
	require.Equal(t, 0, q.len())
	_, ok := q.front()
	require.False(t, ok)
}
