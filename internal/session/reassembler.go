package session

import (
	"container/heap"
)

// maxBufferedChunks bounds how many out-of-order input chunks are held.
const maxBufferedChunks = 1024

// reassembler restores the client's keystroke stream from Input messages
// that may arrive late, twice or overlapping. Offsets count runes from the
// start of the session. It is owned by the host loop and needs no locking.
type reassembler struct {
	next   uint64 // runes delivered so far
	buffer chunkHeap
}

func newReassembler() *reassembler {
	return &reassembler{}
}

// Consumed returns the number of runes delivered in order.
func (r *reassembler) Consumed() uint64 { return r.next }

// Feed processes one Input message and returns the text that can now be
// delivered, or "" if nothing is ready.
func (r *reassembler) Feed(offset uint64, text string) string {
	c := chunk{offset: offset, text: []rune(text)}
	if len(c.text) == 0 || c.end() <= r.next {
		return ""
	}

	if c.offset > r.next {
		// Future chunk, hold it.
		if r.buffer.Len() < maxBufferedChunks {
			heap.Push(&r.buffer, c)
		}
		return ""
	}

	var out []rune
	out = r.take(out, c)

	for r.buffer.Len() > 0 && r.buffer[0].offset <= r.next {
		out = r.take(out, heap.Pop(&r.buffer).(chunk))
	}
	return string(out)
}

// take appends the part of c past r.next, if any.
func (r *reassembler) take(out []rune, c chunk) []rune {
	if c.end() <= r.next {
		return out
	}
	out = append(out, c.text[r.next-c.offset:]...)
	r.next = c.end()
	return out
}

type chunk struct {
	offset uint64
	text   []rune
}

func (c chunk) end() uint64 { return c.offset + uint64(len(c.text)) }

// chunkHeap is a min-heap ordered by offset.
type chunkHeap []chunk

func (h chunkHeap) Len() int            { return len(h) }
func (h chunkHeap) Less(i, j int) bool  { return h[i].offset < h[j].offset }
func (h chunkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *chunkHeap) Push(x interface{}) { *h = append(*h, x.(chunk)) }

func (h *chunkHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = chunk{}
	*h = old[:n-1]
	return item
}
