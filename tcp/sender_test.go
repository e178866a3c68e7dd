package tcp

import (
	"testing"

	"github.com/outpostnet/tcpstack/seqnum"
)

func fixedISN(n uint32) *seqnum.Value {
	v := seqnum.Value(n)
	return &v
}

func TestSenderSendsSYNFirst(t *testing.T) {
	s := NewSender(4000, 1000, fixedISN(0), nil)
	s.FillWindow()

	out := s.Outbound()
	if len(out) != 1 {
		t.Fatalf("got %d segments, want 1", len(out))
	}
	if !out[0].SYN {
		t.Fatalf("first segment missing SYN: %+v", out[0])
	}
	if s.BytesInFlight() != 1 {
		t.Fatalf("bytes in flight = %d, want 1", s.BytesInFlight())
	}
}

func TestSenderFillsWindowWithData(t *testing.T) {
	s := NewSender(4000, 1000, fixedISN(0), nil)
	s.FillWindow() // sends SYN
	s.Outbound()
	s.AckReceived(seqnum.Value(1), 4000) // SYN acked
	s.Stream().Write([]byte("cat"))
	s.Stream().EndInput()
	s.FillWindow()

	out := s.Outbound()
	if len(out) != 1 {
		t.Fatalf("got %d segments, want 1", len(out))
	}
	seg := out[0]
	if seg.SYN {
		t.Fatalf("unexpected SYN on data segment")
	}
	if string(seg.Payload) != "cat" || !seg.FIN {
		t.Fatalf("segment = %+v, want payload cat with FIN", seg)
	}
}

func TestSenderRetransmitsOnTimeoutWithBackoff(t *testing.T) {
	s := NewSender(4000, 1000, fixedISN(0), nil)
	s.FillWindow() // sends SYN
	s.Outbound()

	s.Tick(999)
	if s.HasOutbound() {
		t.Fatalf("retransmitted before RTO elapsed")
	}

	s.Tick(1)
	out := s.Outbound()
	if len(out) != 1 || !out[0].SYN {
		t.Fatalf("expected SYN retransmission, got %+v", out)
	}
	if s.ConsecutiveRetransmissions() != 1 {
		t.Fatalf("consecutive retransmissions = %d, want 1", s.ConsecutiveRetransmissions())
	}

	// Backoff doubles the RTO: the second expiry should take ~2000ms.
	s.Tick(1999)
	if s.HasOutbound() {
		t.Fatalf("retransmitted before doubled RTO elapsed")
	}
	s.Tick(1)
	out = s.Outbound()
	if len(out) != 1 {
		t.Fatalf("expected second retransmission")
	}
	if s.ConsecutiveRetransmissions() != 2 {
		t.Fatalf("consecutive retransmissions = %d, want 2", s.ConsecutiveRetransmissions())
	}
}

func TestSenderAckResetsBackoff(t *testing.T) {
	s := NewSender(4000, 1000, fixedISN(0), nil)
	s.FillWindow() // SYN
	s.Outbound()
	s.Tick(1000)
	s.Outbound() // one retransmission, rto doubled, consecutiveRetx = 1

	s.AckReceived(seqnum.Value(1), 4000)
	if s.ConsecutiveRetransmissions() != 0 {
		t.Fatalf("consecutive retransmissions after ack = %d, want 0", s.ConsecutiveRetransmissions())
	}
	if s.BytesInFlight() != 0 {
		t.Fatalf("bytes in flight after ack = %d, want 0", s.BytesInFlight())
	}
}

func TestSenderZeroWindowProbesWithoutBackoff(t *testing.T) {
	s := NewSender(4000, 1000, fixedISN(0), nil)
	s.FillWindow() // sends SYN, consuming seqno 0
	s.Outbound()
	s.AckReceived(seqnum.Value(1), 4000) // SYN acked, window still open

	s.AckReceived(seqnum.Value(1), 0) // peer now advertises a zero window
	s.Stream().Write([]byte("hi"))
	s.FillWindow()

	out := s.Outbound()
	if len(out) != 1 || len(out[0].Payload) != 1 {
		t.Fatalf("expected single-byte probe, got %+v", out)
	}

	s.Tick(1000)
	s.Outbound()
	if s.ConsecutiveRetransmissions() != 0 {
		t.Fatalf("zero-window retransmission incremented backoff counter")
	}
}

func TestSenderEmptySegmentNotTrackedOutstanding(t *testing.T) {
	s := NewSender(4000, 1000, fixedISN(0), nil)
	s.FillWindow() // sends SYN
	s.Outbound()
	s.AckReceived(seqnum.Value(1), 4000)
	s.SendEmptySegment()

	if s.BytesInFlight() != 0 {
		t.Fatalf("empty segment counted as in flight")
	}
	out := s.Outbound()
	if len(out) != 1 || out[0].LengthInSequenceSpace() != 0 {
		t.Fatalf("expected one zero-length segment, got %+v", out)
	}
}
