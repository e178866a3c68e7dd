package tcp

import "github.com/outpostnet/tcpstack/seqnum"

// Segment is the header subset spec.md §3 calls out, independent of any
// particular wire encoding: seqno/ackno (wrapped), advertised window, the
// four flags the core cares about, and payload.
type Segment struct {
	SeqNo   seqnum.Value
	AckNo   seqnum.Value
	Win     uint16
	SYN     bool
	ACK     bool
	FIN     bool
	RST     bool
	Payload []byte
}

// LengthInSequenceSpace is SYN + len(Payload) + FIN.
func (s Segment) LengthInSequenceSpace() uint64 {
	n := uint64(len(s.Payload))
	if s.SYN {
		n++
	}
	if s.FIN {
		n++
	}
	return n
}
