package tcp

import (
	"log/slog"

	"github.com/outpostnet/tcpstack/reassembler"
	"github.com/outpostnet/tcpstack/seqnum"
)

// Receiver consumes incoming segments, feeds their payload into a
// reassembler, and produces the ackno/window-size pair the peer's sender
// needs. It is component C4.
type Receiver struct {
	reassembler *reassembler.Reassembler

	isn     seqnum.Value
	synSeen bool
	finSeen bool

	log *slog.Logger
}

// NewReceiver constructs a Receiver whose reassembler buffers up to
// capacity bytes.
func NewReceiver(capacity int, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		reassembler: reassembler.New(capacity),
		log:         log,
	}
}

// Reassembler exposes the owned reassembler (and, through it, the inbound
// byte stream) as a borrowed reference.
func (r *Receiver) Reassembler() *reassembler.Reassembler {
	return r.reassembler
}

// SegmentReceived processes an inbound segment: learns the ISN from SYN,
// and — once SYN has been observed — pushes the segment's payload into the
// reassembler at its absolute stream index.
func (r *Receiver) SegmentReceived(seg Segment) {
	if seg.SYN {
		r.isn = seg.SeqNo
		r.synSeen = true
	}
	if !r.synSeen {
		r.log.Debug("tcp: receiver dropping segment before syn observed")
		return
	}
	if seg.FIN {
		r.finSeen = true
	}

	// The first data byte sits at seqno isn+1 (SYN consumes one unit of
	// sequence space); a SYN-only segment pushes nothing at all, avoiding
	// the underflow that computing an index for an empty payload could
	// otherwise produce.
	if len(seg.Payload) == 0 && !seg.FIN {
		return
	}

	var wireSeq seqnum.Value
	if seg.SYN {
		wireSeq = seg.SeqNo.Add(1)
	} else {
		wireSeq = seg.SeqNo
	}
	index := seqnum.Unwrap(wireSeq, r.isn, r.reassembler.Stream().BytesWritten()) - 1

	r.reassembler.PushSubstring(seg.Payload, index, seg.FIN)
}

// Ackno returns the wrapped ackno to report to the peer, or false if SYN has
// not yet been observed.
func (r *Receiver) Ackno() (seqnum.Value, bool) {
	if !r.synSeen {
		return 0, false
	}
	n := r.reassembler.Stream().BytesWritten() + 1
	if r.finSeen && r.reassembler.Empty() {
		n++
	}
	return seqnum.Wrap(n, r.isn), true
}

// WindowSize is the reassembler's remaining inbound capacity, clamped to a
// 16-bit advertised window.
func (r *Receiver) WindowSize() uint16 {
	rc := r.reassembler.Stream().RemainingCapacity()
	if rc > 0xffff {
		return 0xffff
	}
	return uint16(rc)
}
