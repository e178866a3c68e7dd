// Package router implements longest-prefix-match IPv4 forwarding across a
// set of network interfaces.
package router

import (
	"log/slog"

	"github.com/outpostnet/tcpstack/netif"
	"github.com/outpostnet/tcpstack/wire"
)

func ipv4ToUint32(ip [4]byte) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIPv4(n uint32) [4]byte {
	return [4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func prefixOf(addr uint32, prefixLen uint8) uint32 {
	if prefixLen == 0 {
		return 0
	}
	if prefixLen >= 32 {
		return addr
	}
	return (addr >> (32 - prefixLen)) << (32 - prefixLen)
}

// route is one entry in the forwarding table.
type route struct {
	prefix        uint32
	prefixLen     uint8
	nextHop       *[4]byte // nil means the destination is directly attached
	interfaceNum  int
}

// Router forwards IPv4 datagrams between a fixed set of attached interfaces
// using longest-prefix-match lookups. It is component C8.
type Router struct {
	interfaces []*netif.Interface
	table      []route
	inbound    []wire.IPv4Datagram

	log *slog.Logger
}

// New constructs an empty Router.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{log: log}
}

// AddInterface attaches an interface to the router, returning its index for
// use with AddRoute.
func (r *Router) AddInterface(iface *netif.Interface) int {
	r.interfaces = append(r.interfaces, iface)
	return len(r.interfaces) - 1
}

// Interface returns the attached interface at the given index.
func (r *Router) Interface(i int) *netif.Interface {
	return r.interfaces[i]
}

// AddRoute installs a forwarding entry: datagrams whose destination matches
// the high prefixLength bits of routePrefix are sent out interfaceNum,
// addressed to nextHop — or, if nextHop is nil, directly to the datagram's
// own destination (the network is attached to this router).
func (r *Router) AddRoute(routePrefix uint32, prefixLength uint8, nextHop *[4]byte, interfaceNum int) {
	r.log.Debug("router: adding route",
		"prefix", uint32ToIPv4(routePrefix), "prefix_length", prefixLength,
		"next_hop", nextHop, "interface", interfaceNum)
	r.table = append(r.table, route{
		prefix:       prefixOf(routePrefix, prefixLength),
		prefixLen:    prefixLength,
		nextHop:      nextHop,
		interfaceNum: interfaceNum,
	})
}

// RouteOneDatagram decrements dgram's TTL and forwards it out the
// interface chosen by the longest matching route, dropping it silently if
// its TTL has already expired or no route matches.
func (r *Router) RouteOneDatagram(dgram wire.IPv4Datagram) {
	if dgram.TTL == 0 || dgram.TTL-1 == 0 {
		return
	}

	dst := ipv4ToUint32(dgram.Dst)

	var best route
	found := false
	for _, cand := range r.table {
		if prefixOf(dst, cand.prefixLen) != cand.prefix {
			continue
		}
		if !found || cand.prefixLen >= best.prefixLen {
			best = cand
			found = true
		}
	}
	if !found {
		return
	}

	dgram.TTL--
	reencoded := wire.MarshalIPv4(dgram.Src, dgram.Dst, dgram.TTL, dgram.Protocol, 0, dgram.Payload)

	nextHop := dgram.Dst
	if best.nextHop != nil {
		nextHop = *best.nextHop
	}
	r.interfaces[best.interfaceNum].SendDatagram(reencoded, nextHop)
}

// RecvFrame feeds an inbound Ethernet frame to the named interface; if the
// frame carries an IPv4 datagram for us to forward, it is queued for the
// next call to Route.
func (r *Router) RecvFrame(interfaceNum int, frame wire.EthernetFrame) {
	raw, ok := r.interfaces[interfaceNum].RecvFrame(frame)
	if !ok {
		return
	}
	dgram, err := wire.ParseIPv4Datagram(raw)
	if err != nil {
		r.log.Debug("router: dropping malformed ipv4 datagram", "error", err)
		return
	}
	r.inbound = append(r.inbound, dgram)
}

// Route forwards every datagram queued since the last call, draining the
// queue in arrival order.
func (r *Router) Route() {
	pending := r.inbound
	r.inbound = nil
	for _, dgram := range pending {
		r.RouteOneDatagram(dgram)
	}
}
