// ABOUTME: Reassembly buffer for out-of-order chunks
// ABOUTME: Releases only contiguous runs by sequence number and prunes oldest on overflow
package stream

import (
	"container/heap"
	"log/slog"

	"github.com/Resonate-Protocol/pcmstream/pkg/protocol"
)

// DefaultMaxBufferSize is the held-chunk bound when none is configured
const DefaultMaxBufferSize = 100

// seqHeap is a min-heap of held sequence numbers
type seqHeap []int

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *seqHeap) Push(x any) {
	*h = append(*h, x.(int))
}

func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// BufferOption configures a ChunkBuffer
type BufferOption func(*ChunkBuffer)

// WithDropHandler registers fn to receive the sequence numbers pruned on
// overflow. Stale and duplicate rejects are not reported.
func WithDropHandler(fn func(dropped []int)) BufferOption {
	return func(b *ChunkBuffer) {
		b.onDrop = fn
	}
}

// ChunkBuffer reorders chunks of a single stream by sequence number.
//
// Chunks below the next expected sequence number are stale and ignored. When
// more than maxSize chunks are held, the lowest held sequence numbers are
// dropped and the next expected sequence number skips forward to the lowest
// remaining chunk, so a permanent gap never stalls the stream. A chunk that
// fills the gap at the next expected sequence number never triggers pruning,
// since the run it completes is ready for delivery; the buffer may then hold
// maxSize+1 chunks until the owner drains it.
//
// A ChunkBuffer is owned by one goroutine and does no locking.
type ChunkBuffer struct {
	maxSize int
	onDrop  func(dropped []int)

	chunks       map[int]protocol.Chunk
	seqs         seqHeap
	nextExpected int

	hasFinal       bool
	finalSeq       int
	finalDelivered bool
}

// NewChunkBuffer creates a buffer holding at most maxSize chunks
func NewChunkBuffer(maxSize int, opts ...BufferOption) *ChunkBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	b := &ChunkBuffer{
		maxSize: maxSize,
		chunks:  make(map[int]protocol.Chunk),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add stores a chunk. It returns false if the chunk was stale, a duplicate or
// beyond the final chunk.
func (b *ChunkBuffer) Add(chunk protocol.Chunk) bool {
	seq := chunk.SequenceNumber
	if seq < b.nextExpected {
		slog.Debug("stream: ignore stale chunk",
			"stream", chunk.StreamID,
			"seq", seq,
			"next", b.nextExpected)
		return false
	}
	if _, ok := b.chunks[seq]; ok {
		slog.Debug("stream: ignore duplicate chunk",
			"stream", chunk.StreamID,
			"seq", seq)
		return false
	}

	if b.hasFinal && seq > b.finalSeq {
		slog.Debug("stream: ignore chunk past final",
			"stream", chunk.StreamID,
			"seq", seq,
			"final", b.finalSeq)
		return false
	}

	b.chunks[seq] = chunk
	heap.Push(&b.seqs, seq)
	if chunk.IsFinal {
		b.hasFinal = true
		b.finalSeq = seq
		b.discardAfter(seq)
	}

	if seq != b.nextExpected {
		b.prune()
	}
	return true
}

// discardAfter removes held chunks beyond the final sequence number
func (b *ChunkBuffer) discardAfter(final int) {
	kept := b.seqs[:0]
	for _, seq := range b.seqs {
		if seq > final {
			delete(b.chunks, seq)
			continue
		}
		kept = append(kept, seq)
	}
	b.seqs = kept
	heap.Init(&b.seqs)
}

func (b *ChunkBuffer) prune() {
	if len(b.chunks) <= b.maxSize {
		return
	}

	var dropped []int
	for len(b.chunks) > b.maxSize {
		seq := heap.Pop(&b.seqs).(int)
		delete(b.chunks, seq)
		dropped = append(dropped, seq)
	}

	if len(b.seqs) > 0 && b.seqs[0] > b.nextExpected {
		b.nextExpected = b.seqs[0]
	}

	slog.Debug("stream: pruned chunks",
		"dropped", dropped,
		"next", b.nextExpected)

	if b.onDrop != nil {
		b.onDrop(dropped)
	}
}

// Next returns the chunk at the next expected sequence number, if held
func (b *ChunkBuffer) Next() (protocol.Chunk, bool) {
	chunk, ok := b.chunks[b.nextExpected]
	if !ok {
		return protocol.Chunk{}, false
	}

	// Every held seq is >= nextExpected, so it is the heap minimum
	heap.Pop(&b.seqs)
	delete(b.chunks, b.nextExpected)
	b.nextExpected++

	if chunk.IsFinal {
		b.finalDelivered = true
	}
	return chunk, true
}

// Available returns the contiguous run starting at the next expected
// sequence number, in order.
func (b *ChunkBuffer) Available() []protocol.Chunk {
	var out []protocol.Chunk
	for {
		chunk, ok := b.Next()
		if !ok {
			return out
		}
		out = append(out, chunk)
	}
}

// HasNext reports whether Next would return a chunk
func (b *ChunkBuffer) HasNext() bool {
	_, ok := b.chunks[b.nextExpected]
	return ok
}

// HasFinalChunk reports whether the final chunk has been added
func (b *ChunkBuffer) HasFinalChunk() bool {
	return b.hasFinal
}

// IsComplete reports whether the final chunk has been delivered
func (b *ChunkBuffer) IsComplete() bool {
	return b.finalDelivered
}

// Len returns the number of held, undelivered chunks
func (b *ChunkBuffer) Len() int {
	return len(b.chunks)
}

// NextExpected returns the sequence number Next will deliver
func (b *ChunkBuffer) NextExpected() int {
	return b.nextExpected
}

// Reset clears all state
func (b *ChunkBuffer) Reset() {
	b.chunks = make(map[int]protocol.Chunk)
	b.seqs = nil
	b.nextExpected = 0
	b.hasFinal = false
	b.finalSeq = 0
	b.finalDelivered = false
}
