package tcp

import (
	"log/slog"
	"runtime"

	"github.com/outpostnet/tcpstack/seqnum"
)

// Config bundles the tunables a Connection needs at construction time.
type Config struct {
	// RecvCapacity bounds the receiver-side reassembler/stream.
	RecvCapacity int
	// SendCapacity bounds the sender-side outbound stream.
	SendCapacity int
	// RTTimeoutMS is the sender's initial retransmission timeout.
	RTTimeoutMS int
	// MaxRetxAttempts is the number of consecutive retransmissions tolerated
	// before the connection gives up and resets itself.
	MaxRetxAttempts int
	// FixedISN pins the sender's initial sequence number; nil selects one at
	// random. Exposed for deterministic tests.
	FixedISN *seqnum.Value

	Log *slog.Logger
}

// DefaultConfig mirrors the tunables spec.md §6 calls out.
func DefaultConfig() Config {
	return Config{
		RecvCapacity:    65000,
		SendCapacity:    65000,
		RTTimeoutMS:     1000,
		MaxRetxAttempts: 8,
	}
}

// Connection is the TCP finite-state machine orchestrating a Receiver and a
// Sender into the connect/transfer/teardown lifecycle spec.md §5 describes.
// It is component C6.
type Connection struct {
	cfg Config
	log *slog.Logger

	recv *Receiver
	send *Sender

	active        bool
	linger        bool
	lingerElapsed int
	sawSegment    bool
	// peerClosedFirst is set when the peer's stream ended before our own
	// outbound stream reached EOF (we are the passive closer).
	peerClosedFirst bool

	outbound []Segment
	closed   bool
}

// lingerMultiplier times the initial RTO is how long a lingering connection
// (an active closer with both directions finished) must go without receiving
// a segment before it is safe to forget the connection outright.
const lingerMultiplier = 10

// NewConnection constructs an idle Connection (neither connect nor
// segment_received has been called yet).
func NewConnection(cfg Config) *Connection {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Connection{
		cfg:    cfg,
		log:    cfg.Log,
		recv:   NewReceiver(cfg.RecvCapacity, cfg.Log),
		send:   NewSender(cfg.SendCapacity, cfg.RTTimeoutMS, cfg.FixedISN, cfg.Log),
		active: true,
	}
	runtime.SetFinalizer(c, func(c *Connection) {
		if c.active && !c.closed {
			c.log.Warn("tcp: unclean shutdown of active connection")
		}
	})
	return c
}

// Inbound returns the receiver's reassembled byte stream, for applications
// reading data off the connection.
func (c *Connection) Inbound() *bytestreamReader { return &bytestreamReader{c: c} }

// bytestreamReader is a thin accessor so callers don't reach past Connection
// into the Receiver's internals directly.
type bytestreamReader struct{ c *Connection }

func (b *bytestreamReader) Peek(n int) []byte { return b.c.recv.Reassembler().Stream().Peek(n) }
func (b *bytestreamReader) Pop(n int)         { b.c.recv.Reassembler().Stream().Pop(n) }
func (b *bytestreamReader) EOF() bool         { return b.c.recv.Reassembler().Stream().EOF() }

// Write queues application bytes for transmission, returning the number
// accepted.
func (c *Connection) Write(data []byte) int {
	n := c.send.Stream().Write(data)
	c.sendSegments()
	return n
}

// EndInputStream signals that the application has no more bytes to send.
func (c *Connection) EndInputStream() {
	c.send.Stream().EndInput()
	c.sendSegments()
}

// Connect initiates the handshake by sending a SYN.
func (c *Connection) Connect() {
	c.send.FillWindow()
	c.sendSegments()
}

// Active reports whether the connection still needs tick() calls.
func (c *Connection) Active() bool {
	return c.active
}

// Outbound drains and returns every segment queued for transmission since
// the last call.
func (c *Connection) Outbound() []Segment {
	out := c.outbound
	c.outbound = nil
	return out
}

func (c *Connection) sendSegments() {
	c.send.FillWindow()
	for _, seg := range c.send.Outbound() {
		if ackno, ok := c.recv.Ackno(); ok {
			seg.ACK = true
			seg.AckNo = ackno
		}
		seg.Win = c.recv.WindowSize()
		c.outbound = append(c.outbound, seg)
	}
}

func (c *Connection) sendRST() {
	c.send.Stream().SetError()
	c.recv.Reassembler().Stream().SetError()
	seg := Segment{SeqNo: seqnum.Wrap(c.send.NextSeqnoAbsolute(), c.send.isn), RST: true}
	if ackno, ok := c.recv.Ackno(); ok {
		seg.ACK = true
		seg.AckNo = ackno
	}
	seg.Win = c.recv.WindowSize()
	c.outbound = append(c.outbound, seg)
	c.active = false
}

// SegmentReceived processes an inbound segment, driving both halves of the
// FSM and scheduling a reply when one is owed.
func (c *Connection) SegmentReceived(seg Segment) {
	if !c.active {
		return
	}

	// Before we've sent our own SYN, nothing but a SYN is a meaningful
	// reply to anything; discard everything else outright.
	if c.send.NextSeqnoAbsolute() == 0 && !seg.SYN {
		return
	}

	c.sawSegment = true
	c.lingerElapsed = 0

	if seg.RST {
		c.send.Stream().SetError()
		c.recv.Reassembler().Stream().SetError()
		c.active = false
		return
	}

	c.recv.SegmentReceived(seg)

	if c.recv.Reassembler().Stream().InputEnded() && !c.send.Stream().EOF() {
		c.peerClosedFirst = true
	}

	// A pure zero-window probe-ack that merely echoes our own seqno needs
	// no reply of its own.
	if seg.LengthInSequenceSpace() == 0 && seg.AckNo == seg.SeqNo && seg.Win == 0 {
		return
	}

	if seg.ACK {
		c.send.AckReceived(seg.AckNo, seg.Win)
		c.send.FillWindow()
	}

	// A segment occupying sequence space always owes at least an ack, even
	// if there is otherwise nothing new to send.
	owesAck := seg.LengthInSequenceSpace() > 0

	// A keep-alive probe — an empty segment one byte behind our ackno —
	// also owes a reply, even though it occupies no sequence space itself.
	if !owesAck {
		if ackno, ok := c.recv.Ackno(); ok && seg.LengthInSequenceSpace() == 0 && seg.SeqNo == ackno.Sub(1) {
			owesAck = true
		}
	}

	if owesAck && !c.send.HasOutbound() {
		c.send.SendEmptySegment()
	}
	c.sendSegments()

	c.checkTeardown()
}

// Tick advances both the sender's retransmission timer and any post-FIN
// linger countdown.
func (c *Connection) Tick(ms int) {
	if !c.active {
		return
	}
	c.send.Tick(ms)
	c.sendSegments()

	if c.send.ConsecutiveRetransmissions() > c.cfg.MaxRetxAttempts {
		c.sendRST()
		return
	}

	if c.linger {
		c.lingerElapsed += ms
		if c.lingerElapsed >= lingerMultiplier*c.cfg.RTTimeoutMS {
			c.active = false
		}
	}

	c.checkTeardown()
}

// checkTeardown implements spec.md §5's clean-shutdown rule: once both
// directions have sent and received a FIN and all outstanding data has been
// acknowledged, the connection either closes immediately (passive close, no
// linger needed because the peer already saw our FIN retransmitted enough)
// or lingers to absorb a possible retransmitted peer FIN.
func (c *Connection) checkTeardown() {
	inboundDone := c.recv.Reassembler().Stream().InputEnded() && c.recv.Reassembler().Empty()
	outboundDone := c.send.Stream().EOF() && c.send.BytesInFlight() == 0

	if !inboundDone || !outboundDone {
		return
	}

	if !c.linger {
		// We only need to linger if our FIN went out before the peer's FIN
		// arrived (active close); a passive closer, whose FIN left after
		// the peer's FIN arrived, can tear down the moment both directions
		// drain.
		c.linger = true
		c.lingerElapsed = 0
		if c.weClosedLast() {
			c.active = false
		}
	}
}

// weClosedLast reports whether our FIN left after the peer's FIN arrived,
// meaning we are the passive closer and need not linger.
func (c *Connection) weClosedLast() bool {
	return c.peerClosedFirst
}

// Close is the application-facing teardown call; it is the one-shot
// equivalent of the original implementation's destructor, which sent a RST
// if the connection was still active and unclean.
func (c *Connection) Close() {
	if c.active {
		c.sendRST()
	}
	c.closed = true
	runtime.SetFinalizer(c, nil)
}
