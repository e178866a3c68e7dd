// Package reassembler accepts out-of-order, possibly overlapping byte
// substrings addressed by absolute stream index and emits the contiguous
// prefix into an owned bytestream.ByteStream, coalescing pending fragments
// as gaps close.
package reassembler

import (
	"sort"

	"github.com/outpostnet/tcpstack/bytestream"
)

// fragment is a pending, non-overlapping run of bytes waiting for the bytes
// before it to arrive. Ranges are half-open: [start, start+len(payload)).
type fragment struct {
	start   uint64
	payload []byte
}

func (f fragment) end() uint64 { return f.start + uint64(len(f.payload)) }

// Reassembler reconstructs an ordered stream from out-of-order fragments.
type Reassembler struct {
	output    *bytestream.ByteStream
	capacity  int
	nextIndex uint64

	pending []fragment // sorted by start, pairwise non-overlapping, non-adjacent

	hasEOFIndex bool
	eofIndex    uint64
}

// New constructs a Reassembler writing into a fresh ByteStream of the given
// capacity; the capacity bounds both reassembled and not-yet-reassembled
// bytes combined.
func New(capacity int) *Reassembler {
	return &Reassembler{
		output:   bytestream.New(capacity),
		capacity: capacity,
	}
}

// Stream returns the owned output stream. Callers treat this as a borrowed
// reference: the Reassembler remains the owner.
func (r *Reassembler) Stream() *bytestream.ByteStream {
	return r.output
}

// PushSubstring accepts a substring of the logical stream starting at the
// given absolute index. If eof is true, the last byte of data is the final
// byte of the entire stream.
func (r *Reassembler) PushSubstring(data []byte, index uint64, eof bool) {
	originalEnd := index + uint64(len(data))

	firstUnacceptable := r.nextIndex + uint64(r.capacity) - uint64(r.output.BufferSize())

	start := index
	end := index + uint64(len(data))
	if start < r.nextIndex {
		start = r.nextIndex
	}
	if end > firstUnacceptable {
		end = firstUnacceptable
	}
	if end < start {
		end = start
	}

	var truncated []byte
	if end > start {
		truncated = data[start-index : end-index]
	}

	if eof && originalEnd == end {
		r.hasEOFIndex = true
		r.eofIndex = originalEnd
	}

	if len(truncated) > 0 {
		r.merge(fragment{start: start, payload: truncated})
	}

	r.drain()

	if r.hasEOFIndex && r.nextIndex == r.eofIndex {
		r.output.EndInput()
	}
}

// merge inserts f into the pending set, coalescing with any fragment it
// overlaps or directly touches.
func (r *Reassembler) merge(f fragment) {
	i := sort.Search(len(r.pending), func(i int) bool {
		return r.pending[i].start >= f.start
	})

	// Merge leftward with a fragment that overlaps or touches f's start.
	for i > 0 {
		prev := r.pending[i-1]
		if prev.end() >= f.start {
			f = combine(prev, f)
			r.pending = append(r.pending[:i-1], r.pending[i:]...)
			i--
		} else {
			break
		}
	}

	// Merge rightward with fragments that overlap or touch f's end. The
	// already-pending fragment arrived first, so it wins byte conflicts.
	for i < len(r.pending) {
		next := r.pending[i]
		if next.start <= f.end() {
			f = combine(next, f)
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
		} else {
			break
		}
	}

	r.pending = append(r.pending, fragment{})
	copy(r.pending[i+1:], r.pending[i:])
	r.pending[i] = f
}

// combine merges two overlapping or adjacent fragments, preferring the
// earlier-arriving byte where ranges disagree (a is taken to be the earlier
// arrival when both cover the same index, per spec's overlap rule).
func combine(a, b fragment) fragment {
	start := a.start
	if b.start < start {
		start = b.start
	}
	end := a.end()
	if b.end() > end {
		end = b.end()
	}
	out := make([]byte, end-start)
	copy(out[b.start-start:], b.payload)
	copy(out[a.start-start:], a.payload)
	return fragment{start: start, payload: out}
}

// drain detaches every pending fragment that has become contiguous with
// nextIndex, writing each into the output stream in order.
func (r *Reassembler) drain() {
	for len(r.pending) > 0 && r.pending[0].start == r.nextIndex {
		f := r.pending[0]
		r.pending = r.pending[1:]
		n := r.output.Write(f.payload)
		r.nextIndex += uint64(n)
		if n < len(f.payload) {
			// Capacity exhausted mid-write; the unwritten tail is dropped,
			// matching the "bytes beyond capacity are silently dropped"
			// invariant. No further fragment can be contiguous now.
			break
		}
	}
}

// UnassembledBytes is the number of bytes held in pending fragments, each
// index counted at most once.
func (r *Reassembler) UnassembledBytes() int {
	total := 0
	for _, f := range r.pending {
		total += len(f.payload)
	}
	return total
}

// Empty reports whether there is no pending (not-yet-reassembled) data.
func (r *Reassembler) Empty() bool {
	return len(r.pending) == 0
}

// NextIndex is the smallest absolute index not yet emitted to the stream.
func (r *Reassembler) NextIndex() uint64 {
	return r.nextIndex
}
