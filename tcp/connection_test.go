package tcp

import (
	"testing"

	"github.com/outpostnet/tcpstack/seqnum"
)

// drive exchanges outbound segments between two connections until neither
// has anything queued, simulating an instantaneous, lossless wire.
func drive(t *testing.T, a, b *Connection, maxRounds int) {
	t.Helper()
	for i := 0; i < maxRounds; i++ {
		aOut := a.Outbound()
		bOut := b.Outbound()
		if len(aOut) == 0 && len(bOut) == 0 {
			return
		}
		for _, seg := range aOut {
			b.SegmentReceived(seg)
		}
		for _, seg := range bOut {
			a.SegmentReceived(seg)
		}
	}
	t.Fatalf("exchange did not converge within %d rounds", maxRounds)
}

func testConfig(isn uint32) Config {
	cfg := DefaultConfig()
	cfg.RecvCapacity = 4096
	cfg.SendCapacity = 4096
	v := seqnum.Value(isn)
	cfg.FixedISN = &v
	return cfg
}

func TestConnectionHandshake(t *testing.T) {
	a := NewConnection(testConfig(100))
	b := NewConnection(testConfig(9000))

	a.Connect()
	drive(t, a, b, 10)

	if !a.Active() || !b.Active() {
		t.Fatalf("connections should remain active after handshake")
	}
}

func TestConnectionDataTransfer(t *testing.T) {
	a := NewConnection(testConfig(100))
	b := NewConnection(testConfig(9000))

	a.Connect()
	drive(t, a, b, 10)

	a.Write([]byte("hello, world"))
	drive(t, a, b, 10)

	got := b.Inbound().Peek(64)
	if string(got) != "hello, world" {
		t.Fatalf("b received %q, want %q", got, "hello, world")
	}
}

func TestConnectionGracefulClose(t *testing.T) {
	a := NewConnection(testConfig(100))
	b := NewConnection(testConfig(9000))

	a.Connect()
	drive(t, a, b, 10)

	a.Write([]byte("bye"))
	a.EndInputStream()
	drive(t, a, b, 10)

	got := b.Inbound().Peek(64)
	b.Inbound().Pop(len(got))
	if string(got) != "bye" {
		t.Fatalf("b did not receive final bytes before FIN")
	}
	if !b.Inbound().EOF() {
		t.Fatalf("b's inbound stream should have reached EOF")
	}

	b.EndInputStream()
	drive(t, a, b, 10)

	for i := 0; i < 200 && (a.Active() || b.Active()); i++ {
		a.Tick(100)
		b.Tick(100)
		drive(t, a, b, 10)
	}

	if a.Active() || b.Active() {
		t.Fatalf("connections did not reach teardown: a=%v b=%v", a.Active(), b.Active())
	}
}

func TestConnectionRejectsSegmentBeforeOwnSYN(t *testing.T) {
	a := NewConnection(testConfig(100))
	a.SegmentReceived(Segment{SeqNo: seqnum.Value(9000), ACK: true})
	if len(a.Outbound()) != 0 {
		t.Fatalf("a replied to a non-SYN segment received before its own SYN was sent")
	}
}

func TestConnectionAnswersKeepAliveProbe(t *testing.T) {
	a := NewConnection(testConfig(100))
	b := NewConnection(testConfig(9000))

	a.Connect()
	drive(t, a, b, 10)

	ackno, ok := a.recv.Ackno()
	if !ok {
		t.Fatalf("a has no ackno after handshake")
	}

	a.SegmentReceived(Segment{SeqNo: ackno.Sub(1), Win: 4096})

	out := a.Outbound()
	if len(out) != 1 || out[0].LengthInSequenceSpace() != 0 {
		t.Fatalf("expected a single empty ack in reply to a keep-alive probe, got %+v", out)
	}
}

func TestConnectionIgnoresZeroWindowAckEcho(t *testing.T) {
	a := NewConnection(testConfig(100))
	b := NewConnection(testConfig(9000))

	a.Connect()
	drive(t, a, b, 10)

	a.SegmentReceived(Segment{SeqNo: seqnum.Value(100), AckNo: seqnum.Value(100), ACK: true, Win: 0})

	if len(a.Outbound()) != 0 {
		t.Fatalf("a replied to a pure zero-window probe-ack echoing its own seqno")
	}
}

func TestConnectionPeerRSTEndsConnection(t *testing.T) {
	a := NewConnection(testConfig(100))
	b := NewConnection(testConfig(9000))

	a.Connect()
	drive(t, a, b, 10)

	a.SegmentReceived(Segment{RST: true})
	if a.Active() {
		t.Fatalf("connection should no longer be active after receiving a RST")
	}
}
