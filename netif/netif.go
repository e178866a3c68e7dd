// Package netif implements the network interface that sits between the IP
// layer and Ethernet, resolving next-hop addresses with ARP and queuing
// datagrams while a resolution is outstanding.
package netif

import (
	"log/slog"

	"github.com/outpostnet/tcpstack/wire"
)

// CacheTTLMS is how long a learned IP-to-Ethernet mapping is trusted before
// it is forgotten.
const CacheTTLMS = 30000

// ARPRequestTimeoutMS is the minimum gap between successive ARP requests for
// the same unresolved next hop.
const ARPRequestTimeoutMS = 5000

type cacheEntry struct {
	mac        wire.MACAddress
	remainingMS int
}

type pendingEntry struct {
	datagrams  [][]byte
	sinceReqMS int
}

// Interface is a single network-access-layer endpoint: it turns outbound
// datagrams into Ethernet frames (resolving next hops via ARP as needed) and
// turns inbound frames into datagrams, transparently answering and learning
// from ARP traffic along the way. It is component C7.
type Interface struct {
	ethAddr wire.MACAddress
	ipAddr  [4]byte

	framesOut []wire.EthernetFrame

	cache   map[[4]byte]*cacheEntry
	pending map[[4]byte]*pendingEntry

	log *slog.Logger
}

// New constructs an Interface with the given hardware and protocol
// addresses.
func New(ethAddr wire.MACAddress, ipAddr [4]byte, log *slog.Logger) *Interface {
	if log == nil {
		log = slog.Default()
	}
	log.Debug("netif: interface configured", "ethernet", ethAddr.String(), "ip", ipAddr)
	return &Interface{
		ethAddr: ethAddr,
		ipAddr:  ipAddr,
		cache:   make(map[[4]byte]*cacheEntry),
		pending: make(map[[4]byte]*pendingEntry),
		log:     log,
	}
}

// EthernetAddress returns the interface's hardware address.
func (n *Interface) EthernetAddress() wire.MACAddress { return n.ethAddr }

// IPAddress returns the interface's protocol address.
func (n *Interface) IPAddress() [4]byte { return n.ipAddr }

// FramesOut drains and returns every Ethernet frame queued for
// transmission.
func (n *Interface) FramesOut() []wire.EthernetFrame {
	out := n.framesOut
	n.framesOut = nil
	return out
}

func (n *Interface) createFrame(payload []byte, dst wire.MACAddress, t wire.EtherType) wire.EthernetFrame {
	return wire.EthernetFrame{Dst: dst, Src: n.ethAddr, Type: t, Payload: payload}
}

func (n *Interface) sendARP(nextHop [4]byte, op uint16) {
	msg := wire.ARPMessage{
		Op:        op,
		SenderMAC: n.ethAddr,
		SenderIP:  n.ipAddr,
		TargetIP:  nextHop,
	}
	dst := wire.Broadcast
	if op == wire.ARPOpReply {
		if c, ok := n.cache[nextHop]; ok {
			msg.TargetMAC = c.mac
			dst = c.mac
		}
	}
	n.framesOut = append(n.framesOut, n.createFrame(msg.Marshal(), dst, wire.EtherTypeARP))
}

// SendDatagram queues an IPv4 datagram (already serialized) for delivery to
// next_hop, resolving its Ethernet address via ARP first if it isn't
// already cached.
func (n *Interface) SendDatagram(dgram []byte, nextHop [4]byte) {
	if c, ok := n.cache[nextHop]; ok {
		n.framesOut = append(n.framesOut, n.createFrame(dgram, c.mac, wire.EtherTypeIPv4))
		return
	}

	p, ok := n.pending[nextHop]
	if !ok {
		p = &pendingEntry{}
		n.pending[nextHop] = p
		n.sendARP(nextHop, wire.ARPOpRequest)
	} else if p.sinceReqMS >= ARPRequestTimeoutMS {
		p.sinceReqMS = 0
		n.sendARP(nextHop, wire.ARPOpRequest)
	}
	p.datagrams = append(p.datagrams, dgram)
}

func (n *Interface) flushPending(addr [4]byte) {
	p, ok := n.pending[addr]
	if !ok {
		return
	}
	c := n.cache[addr]
	for _, dgram := range p.datagrams {
		n.framesOut = append(n.framesOut, n.createFrame(dgram, c.mac, wire.EtherTypeIPv4))
	}
	delete(n.pending, addr)
}

// RecvFrame processes an inbound Ethernet frame. If it carries an IPv4
// datagram addressed to this interface, the raw datagram bytes are
// returned for the caller to parse; ARP traffic is handled internally
// (learning mappings, flushing queued datagrams, and replying to requests
// for our own address) and never surfaces to the caller.
func (n *Interface) RecvFrame(frame wire.EthernetFrame) (datagram []byte, ok bool) {
	if frame.Dst != n.ethAddr && !frame.Dst.IsBroadcast() {
		return nil, false
	}

	switch frame.Type {
	case wire.EtherTypeIPv4:
		return frame.Payload, true

	case wire.EtherTypeARP:
		msg, err := wire.ParseARPMessage(frame.Payload)
		if err != nil {
			n.log.Debug("netif: dropping malformed arp message", "error", err)
			return nil, false
		}

		n.cache[msg.SenderIP] = &cacheEntry{mac: msg.SenderMAC, remainingMS: CacheTTLMS}
		n.flushPending(msg.SenderIP)

		if msg.Op == wire.ARPOpRequest && msg.TargetIP == n.ipAddr {
			n.sendARP(msg.SenderIP, wire.ARPOpReply)
		}
	}
	return nil, false
}

// Tick ages the ARP cache and the per-next-hop request cooldown.
func (n *Interface) Tick(ms int) {
	for addr, c := range n.cache {
		if c.remainingMS <= ms {
			delete(n.cache, addr)
		} else {
			c.remainingMS -= ms
		}
	}
	for _, p := range n.pending {
		if p.sinceReqMS < ARPRequestTimeoutMS {
			p.sinceReqMS += ms
		}
	}
}
