package flight

import "container/heap"

// rpcResponse is the immutable record of one arrived RPC completion,
// ordered by Seq ascending. Heartbeats and TimeoutNow responses never
// enter the reorder buffer — they are not sequenced with the pipeline.
type rpcResponse struct {
	Seq         int32
	RequestType RequestType
	Result      *RPCResult
	SendTs      int64 // unix nanos, monotonic enough for test comparisons
}

// responseHeap is a small binary min-heap keyed by Seq. Sequences are
// monotonic per version epoch so plain integer comparison suffices; see
// Design Note 3 in the distilled spec.
type responseHeap []rpcResponse

func (h responseHeap) Len() int            { return len(h) }
func (h responseHeap) Less(i, j int) bool  { return h[i].Seq < h[j].Seq }
func (h responseHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *responseHeap) Push(x interface{}) { *h = append(*h, x.(rpcResponse)) }
func (h *responseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// reorderBuffer wraps responseHeap with the min/peek operations the
// drain loop in §4.3 needs.
type reorderBuffer struct {
	h responseHeap
}

func (b *reorderBuffer) push(r rpcResponse) {
	heap.Push(&b.h, r)
}

func (b *reorderBuffer) peekMin() (rpcResponse, bool) {
	if len(b.h) == 0 {
		return rpcResponse{}, false
	}
	return b.h[0], true
}

func (b *reorderBuffer) popMin() rpcResponse {
	return heap.Pop(&b.h).(rpcResponse)
}

func (b *reorderBuffer) len() int {
	return len(b.h)
}

func (b *reorderBuffer) reset() {
	b.h = nil
}
