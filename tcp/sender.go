package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"

	"github.com/outpostnet/tcpstack/bytestream"
	"github.com/outpostnet/tcpstack/seqnum"
)

// MaxPayloadSize bounds the number of payload bytes per segment, per
// spec.md §6.
const MaxPayloadSize = 1452

// outstandingSegment is a sent-but-unacknowledged segment, kept sorted by
// seqno in Sender.outstanding.
type outstandingSegment struct {
	seg Segment
}

// Sender reads an outbound byte stream, produces segments, tracks bytes in
// flight, and retransmits on timeout with exponential backoff. It is
// component C5.
type Sender struct {
	isn                  seqnum.Value
	nextSeqno            uint64
	stream               *bytestream.ByteStream
	outstanding          []outstandingSegment
	bytesInFlight        uint64
	initialRTO           int
	rto                  int
	consecutiveRetx      int
	windowSize           uint16
	timer                retxTimer
	outQueue             []Segment

	log *slog.Logger
}

// NewSender constructs a Sender over a byte stream of the given capacity.
// If fixedISN is non-nil, it is used instead of a random ISN.
func NewSender(capacity int, rtTimeoutMS int, fixedISN *seqnum.Value, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	isn := randomISN()
	if fixedISN != nil {
		isn = *fixedISN
	}
	return &Sender{
		isn:         isn,
		stream:      bytestream.New(capacity),
		initialRTO:  rtTimeoutMS,
		rto:         rtTimeoutMS,
		windowSize:  1,
		log:         log,
	}
}

func randomISN() seqnum.Value {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return seqnum.Value(binary.BigEndian.Uint32(buf[:]))
}

// Stream exposes the owned outbound byte stream.
func (s *Sender) Stream() *bytestream.ByteStream {
	return s.stream
}

// BytesInFlight is the sum of length-in-sequence-space over outstanding
// segments.
func (s *Sender) BytesInFlight() uint64 {
	return s.bytesInFlight
}

// NextSeqnoAbsolute is the absolute (unwrapped) sequence number the next
// emitted segment will use.
func (s *Sender) NextSeqnoAbsolute() uint64 {
	return s.nextSeqno
}

// ConsecutiveRetransmissions is the number of back-to-back retransmissions
// of the oldest outstanding segment since the last new-data ack.
func (s *Sender) ConsecutiveRetransmissions() int {
	return s.consecutiveRetx
}

// Outbound drains and returns every segment queued for transmission since
// the last call.
func (s *Sender) Outbound() []Segment {
	out := s.outQueue
	s.outQueue = nil
	return out
}

// HasOutbound reports whether any segment is queued for transmission.
func (s *Sender) HasOutbound() bool {
	return len(s.outQueue) > 0
}

func (s *Sender) push(seg Segment) {
	s.outQueue = append(s.outQueue, seg)
	n := seg.LengthInSequenceSpace()
	if n == 0 {
		return
	}
	s.outstanding = append(s.outstanding, outstandingSegment{seg: seg})
	s.bytesInFlight += n
	s.nextSeqno += n
}

func (s *Sender) construct(maxLen int) Segment {
	seg := Segment{SeqNo: seqnum.Wrap(s.nextSeqno, s.isn)}
	length := maxLen
	if s.nextSeqno == 0 {
		seg.SYN = true
		length--
	}
	if length > 0 && !s.stream.BufferEmpty() {
		n := length
		if n > MaxPayloadSize {
			n = MaxPayloadSize
		}
		seg.Payload = s.stream.Read(n)
		length -= len(seg.Payload)
	}
	if s.stream.EOF() && length > 0 {
		seg.FIN = true
	}
	return seg
}

// FillWindow emits as many segments as the advertised window (treating 0 as
// a 1-byte probe) allows.
func (s *Sender) FillWindow() {
	effectiveWindow := uint64(s.windowSize)
	if effectiveWindow == 0 {
		effectiveWindow = 1
	}

	for s.bytesInFlight < effectiveWindow {
		if s.nextSeqno == s.stream.BytesWritten()+2 {
			// SYN and FIN have both already been sent; nothing left to fill.
			return
		}
		remaining := effectiveWindow - s.bytesInFlight
		maxLen := MaxPayloadSize + 2
		if uint64(maxLen) > remaining {
			maxLen = int(remaining)
		}
		seg := s.construct(maxLen)
		if seg.LengthInSequenceSpace() == 0 {
			return
		}
		s.push(seg)
		if !s.timer.running {
			s.timer.start(s.rto)
		}
	}
}

// AckReceived processes an ack and advertised window from the peer,
// retiring any now-fully-acknowledged outstanding segments.
func (s *Sender) AckReceived(ackno seqnum.Value, windowSize uint16) {
	absAck := seqnum.Unwrap(ackno, s.isn, s.nextSeqno)
	if absAck > s.nextSeqno {
		return // impossible ack
	}

	s.windowSize = windowSize

	acked := false
	kept := s.outstanding[:0]
	for _, o := range s.outstanding {
		segAbsStart := seqnum.Unwrap(o.seg.SeqNo, s.isn, s.nextSeqno)
		if segAbsStart+o.seg.LengthInSequenceSpace() <= absAck {
			acked = true
			s.bytesInFlight -= o.seg.LengthInSequenceSpace()
			continue
		}
		kept = append(kept, o)
	}
	s.outstanding = kept

	if acked {
		s.rto = s.initialRTO
		s.consecutiveRetx = 0
		if len(s.outstanding) > 0 {
			s.timer.start(s.rto)
		} else {
			s.timer.stop()
		}
	}
}

// Tick advances the retransmission timer by ms milliseconds, retransmitting
// the oldest outstanding segment and backing off on expiry.
func (s *Sender) Tick(ms int) {
	if !s.timer.advance(ms) {
		return
	}
	if len(s.outstanding) > 0 {
		s.outQueue = append(s.outQueue, s.outstanding[0].seg)
		if s.windowSize > 0 {
			s.consecutiveRetx++
			s.rto *= 2
		}
	}
	s.timer.start(s.rto)
}

// SendEmptySegment emits a zero-length segment (not tracked as outstanding)
// at the current next_seqno — used for pure ACKs and keep-alives.
func (s *Sender) SendEmptySegment() {
	s.outQueue = append(s.outQueue, Segment{SeqNo: seqnum.Wrap(s.nextSeqno, s.isn)})
}
