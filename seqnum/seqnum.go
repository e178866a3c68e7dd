// Package seqnum implements the modulo-2^32 sequence number arithmetic used
// by the TCP sender and receiver to translate between wrapped wire-format
// sequence numbers and an absolute, unbounded stream index.
package seqnum

// Value is a 32-bit sequence number that wraps modulo 2^32. SYN and FIN each
// consume one unit of sequence space; ordinary payload bytes consume one
// unit per byte.
type Value uint32

// Add returns the wrapped sum of v and n.
func (v Value) Add(n uint32) Value {
	return v + Value(n)
}

// Sub returns the wrapped difference v-n.
func (v Value) Sub(n uint32) Value {
	return v - Value(n)
}

// Wrap transforms an absolute 64-bit sequence number (zero-indexed) into a
// wrapped 32-bit sequence number, relative to isn.
func Wrap(n uint64, isn Value) Value {
	return isn.Add(uint32(n))
}

// Unwrap transforms a wrapped sequence number into the absolute 64-bit
// sequence number that is congruent to n-isn (mod 2^32) and closest to
// checkpoint. Ties are broken toward the larger candidate.
func Unwrap(n, isn Value, checkpoint uint64) uint64 {
	offset := uint64(uint32(n - isn))

	const half = uint64(1) << 31
	const wrapSpan = uint64(1) << 32

	// Below this threshold, subtracting a full cycle to get closer to
	// checkpoint would underflow; offset is already the nearest candidate.
	if checkpoint < half {
		return offset
	}

	candidate := (checkpoint>>32)<<32 + offset

	if candidate > checkpoint {
		if candidate-checkpoint > half {
			candidate -= wrapSpan
		}
	} else {
		if checkpoint-candidate >= half {
			candidate += wrapSpan
		}
	}

	return candidate
}
