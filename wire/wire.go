// Package wire implements the bit-exact encode/decode contract described in
// spec.md §6: Ethernet framing, ARP messages, IPv4 datagrams, and TCP
// segments. This is the "glue" that lets the protocol core (seqnum,
// bytestream, reassembler, tcp, netif, router) exchange real wire bytes with
// another implementation — in tests, with gVisor's netstack.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/outpostnet/tcpstack/seqnum"
)

// Sizes of the fixed portions of each header, in bytes.
const (
	EthernetHeaderLen = 14
	ARPMessageLen     = 28
	IPv4HeaderLen     = 20
	TCPHeaderLen      = 20
)

var (
	// ErrTooShort is returned when a buffer is too small to contain a valid
	// header of the expected kind.
	ErrTooShort = errors.New("wire: buffer too short")
	// ErrBadChecksum is returned when a decoded header's checksum does not
	// match the data.
	ErrBadChecksum = errors.New("wire: checksum mismatch")
	// ErrUnsupportedVersion is returned for an IPv4 header whose version
	// nibble is not 4.
	ErrUnsupportedVersion = errors.New("wire: unsupported ip version")
)

// EtherType identifies the payload carried by an Ethernet frame.
type EtherType uint16

// EtherTypes used by this stack.
const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// MACAddress is a 6-byte Ethernet hardware address.
type MACAddress [6]byte

// Broadcast is the Ethernet broadcast address.
var Broadcast = MACAddress{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MACAddress) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MACAddress) IsBroadcast() bool {
	return m == Broadcast
}

// MACFrom converts a net.HardwareAddr of length 6 into a MACAddress.
func MACFrom(hw net.HardwareAddr) (MACAddress, error) {
	var m MACAddress
	if len(hw) != 6 {
		return m, fmt.Errorf("wire: invalid hardware address length %d", len(hw))
	}
	copy(m[:], hw)
	return m, nil
}

// EthernetFrame is a decoded Ethernet II frame.
type EthernetFrame struct {
	Dst, Src MACAddress
	Type     EtherType
	Payload  []byte
}

// ParseEthernetFrame decodes the fixed 14-byte Ethernet header from data.
func ParseEthernetFrame(data []byte) (EthernetFrame, error) {
	if len(data) < EthernetHeaderLen {
		return EthernetFrame{}, ErrTooShort
	}
	var f EthernetFrame
	copy(f.Dst[:], data[0:6])
	copy(f.Src[:], data[6:12])
	f.Type = EtherType(binary.BigEndian.Uint16(data[12:14]))
	f.Payload = data[14:]
	return f, nil
}

// Marshal serializes the frame into a freshly allocated byte slice.
func (f EthernetFrame) Marshal() []byte {
	buf := make([]byte, EthernetHeaderLen+len(f.Payload))
	copy(buf[0:6], f.Dst[:])
	copy(buf[6:12], f.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(f.Type))
	copy(buf[14:], f.Payload)
	return buf
}

// ARP opcodes.
const (
	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2
)

const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = 0x0800
)

// ARPMessage is a decoded Ethernet/IPv4 ARP packet.
type ARPMessage struct {
	Op        uint16
	SenderMAC MACAddress
	SenderIP  [4]byte
	TargetMAC MACAddress
	TargetIP  [4]byte
}

// ParseARPMessage decodes an ARP message, rejecting anything that is not
// Ethernet/IPv4.
func ParseARPMessage(data []byte) (ARPMessage, error) {
	if len(data) < ARPMessageLen {
		return ARPMessage{}, ErrTooShort
	}
	hwType := binary.BigEndian.Uint16(data[0:2])
	protoType := binary.BigEndian.Uint16(data[2:4])
	hwSize := data[4]
	protoSize := data[5]
	if hwType != arpHTypeEthernet || protoType != arpPTypeIPv4 || hwSize != 6 || protoSize != 4 {
		return ARPMessage{}, fmt.Errorf("wire: unsupported arp hardware/protocol type")
	}
	var m ARPMessage
	m.Op = binary.BigEndian.Uint16(data[6:8])
	copy(m.SenderMAC[:], data[8:14])
	copy(m.SenderIP[:], data[14:18])
	copy(m.TargetMAC[:], data[18:24])
	copy(m.TargetIP[:], data[24:28])
	return m, nil
}

// Marshal serializes the ARP message.
func (m ARPMessage) Marshal() []byte {
	buf := make([]byte, ARPMessageLen)
	binary.BigEndian.PutUint16(buf[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(buf[2:4], arpPTypeIPv4)
	buf[4] = 6
	buf[5] = 4
	binary.BigEndian.PutUint16(buf[6:8], m.Op)
	copy(buf[8:14], m.SenderMAC[:])
	copy(buf[14:18], m.SenderIP[:])
	copy(buf[18:24], m.TargetMAC[:])
	copy(buf[24:28], m.TargetIP[:])
	return buf
}

// IPProtocol identifies the transport protocol carried by an IPv4 datagram.
type IPProtocol uint8

// Protocol numbers used by this stack.
const (
	ProtocolICMP IPProtocol = 1
	ProtocolTCP  IPProtocol = 6
	ProtocolUDP  IPProtocol = 17
)

// IPv4Datagram is a decoded IPv4 header plus payload.
type IPv4Datagram struct {
	TTL      uint8
	Protocol IPProtocol
	Src, Dst [4]byte
	Payload  []byte
}

// ParseIPv4Datagram decodes an IPv4 header. The header checksum is verified.
func ParseIPv4Datagram(data []byte) (IPv4Datagram, error) {
	if len(data) < IPv4HeaderLen {
		return IPv4Datagram{}, ErrTooShort
	}
	verIHL := data[0]
	version := verIHL >> 4
	if version != 4 {
		return IPv4Datagram{}, ErrUnsupportedVersion
	}
	ihl := int(verIHL&0x0f) * 4
	if len(data) < ihl {
		return IPv4Datagram{}, fmt.Errorf("wire: ipv4 header length mismatch: %d", ihl)
	}
	if checksum16(data[:ihl]) != 0 {
		return IPv4Datagram{}, ErrBadChecksum
	}
	var d IPv4Datagram
	d.TTL = data[8]
	d.Protocol = IPProtocol(data[9])
	copy(d.Src[:], data[12:16])
	copy(d.Dst[:], data[16:20])
	d.Payload = data[ihl:]
	return d, nil
}

// MarshalIPv4 builds a minimal (no-options) IPv4 datagram with a freshly
// computed header checksum. id is the IPv4 identification field.
func MarshalIPv4(src, dst [4]byte, ttl uint8, proto IPProtocol, id uint16, payload []byte) []byte {
	buf := make([]byte, IPv4HeaderLen+len(payload))
	buf[0] = (4 << 4) | (IPv4HeaderLen / 4)
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], 0)
	buf[8] = ttl
	buf[9] = byte(proto)
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	binary.BigEndian.PutUint16(buf[10:12], checksum16(buf[:IPv4HeaderLen]))
	copy(buf[IPv4HeaderLen:], payload)
	return buf
}

// checksum16 computes the ones'-complement Internet checksum (RFC 1071).
func checksum16(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum accumulates the IPv4 pseudo-header used by TCP/UDP
// checksums (RFC 793 §3.1).
func pseudoHeaderSum(src, dst [4]byte, proto IPProtocol, length int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// TCP flag bits.
const (
	TCPFlagFIN uint8 = 1 << 0
	TCPFlagSYN uint8 = 1 << 1
	TCPFlagRST uint8 = 1 << 2
	TCPFlagACK uint8 = 1 << 4
)

// TCPSegment is the subset of RFC 793 header fields used by the core (§3),
// plus payload.
type TCPSegment struct {
	SrcPort, DstPort uint16
	SeqNo, AckNo     seqnum.Value
	Flags            uint8
	Window           uint16
	Payload          []byte
}

// SYN, ACK, FIN, RST report the corresponding header flag.
func (s TCPSegment) SYN() bool { return s.Flags&TCPFlagSYN != 0 }
func (s TCPSegment) ACK() bool { return s.Flags&TCPFlagACK != 0 }
func (s TCPSegment) FIN() bool { return s.Flags&TCPFlagFIN != 0 }
func (s TCPSegment) RST() bool { return s.Flags&TCPFlagRST != 0 }

// LengthInSequenceSpace is SYN + len(payload) + FIN.
func (s TCPSegment) LengthInSequenceSpace() uint64 {
	n := uint64(len(s.Payload))
	if s.SYN() {
		n++
	}
	if s.FIN() {
		n++
	}
	return n
}

// ParseTCPSegment decodes a TCP header (ignoring options beyond the fixed
// 20-byte header) and verifies the checksum against the given pseudo-header
// addresses.
func ParseTCPSegment(src, dst [4]byte, data []byte) (TCPSegment, error) {
	if len(data) < TCPHeaderLen {
		return TCPSegment{}, ErrTooShort
	}
	hdrLen := int(data[12]>>4) * 4
	if hdrLen < TCPHeaderLen || len(data) < hdrLen {
		return TCPSegment{}, fmt.Errorf("wire: tcp header length mismatch: %d", hdrLen)
	}
	ps := pseudoHeaderSum(src, dst, ProtocolTCP, len(data))
	if checksumWithInitial(data, ps) != 0 {
		return TCPSegment{}, ErrBadChecksum
	}
	var s TCPSegment
	s.SrcPort = binary.BigEndian.Uint16(data[0:2])
	s.DstPort = binary.BigEndian.Uint16(data[2:4])
	s.SeqNo = seqnum.Value(binary.BigEndian.Uint32(data[4:8]))
	s.AckNo = seqnum.Value(binary.BigEndian.Uint32(data[8:12]))
	s.Flags = data[13]
	s.Window = binary.BigEndian.Uint16(data[14:16])
	s.Payload = append([]byte(nil), data[hdrLen:]...)
	return s, nil
}

// MarshalTCP serializes the segment (no options) with a freshly computed
// checksum against the given pseudo-header addresses.
func MarshalTCP(src, dst [4]byte, s TCPSegment) []byte {
	buf := make([]byte, TCPHeaderLen+len(s.Payload))
	binary.BigEndian.PutUint16(buf[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], uint32(s.SeqNo))
	binary.BigEndian.PutUint32(buf[8:12], uint32(s.AckNo))
	buf[12] = uint8(TCPHeaderLen/4) << 4
	buf[13] = s.Flags
	binary.BigEndian.PutUint16(buf[14:16], s.Window)
	copy(buf[TCPHeaderLen:], s.Payload)

	ps := pseudoHeaderSum(src, dst, ProtocolTCP, len(buf))
	binary.BigEndian.PutUint16(buf[16:18], checksumWithInitial(buf, ps))
	return buf
}
