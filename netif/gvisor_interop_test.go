package netif

import (
	"context"
	"testing"
	"time"

	"github.com/outpostnet/tcpstack/wire"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// gvisorPeer wires a real gVisor netstack as the other end of the wire, so
// our ARP and IPv4 encode/decode can be exercised against an independent
// implementation instead of only against itself.
type gvisorPeer struct {
	gs *stack.Stack
	ch *channel.Endpoint
}

const gvisorNICID tcpip.NICID = 1

func addrFrom4(ip [4]byte) tcpip.Address {
	return tcpip.AddrFrom4(ip)
}

func newGvisorPeer(t *testing.T, mac wire.MACAddress, ip [4]byte) *gvisorPeer {
	t.Helper()

	ch := channel.New(64, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(mac[:]))
	ep := ethernet.New(ch)
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := gs.CreateNIC(gvisorNICID, ep); err != nil {
		t.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := gs.AddProtocolAddress(gvisorNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFrom4(ip),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		t.Fatalf("gvisor AddProtocolAddress: %v", err)
	}

	t.Cleanup(ch.Close)
	return &gvisorPeer{gs: gs, ch: ch}
}

// bridge ferries Ethernet frames between our Interface and the gVisor peer
// until ctx is cancelled.
func bridge(ctx context.Context, n *Interface, peer *gvisorPeer, outToPeer chan<- wire.EthernetFrame) {
	go func() {
		for {
			pkt := peer.ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			raw := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			if frame, err := wire.ParseEthernetFrame(raw); err == nil {
				select {
				case outToPeer <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

func deliverToPeer(peer *gvisorPeer, frame wire.EthernetFrame) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(frame.Marshal())})
	peer.ch.InjectInbound(0, pkt)
}

func TestARPInteropWithGvisor(t *testing.T) {
	ourMAC := wire.MACAddress{0x02, 0, 0, 0, 0, 1}
	ourIP := [4]byte{10, 42, 0, 1}
	peerMAC := wire.MACAddress{0x02, 0, 0, 0, 0, 2}
	peerIP := [4]byte{10, 42, 0, 2}

	n := New(ourMAC, ourIP, nil)
	peer := newGvisorPeer(t, peerMAC, peerIP)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fromPeer := make(chan wire.EthernetFrame, 16)
	bridge(ctx, n, peer, fromPeer)

	// Send the gVisor stack an ARP request for its own address, encoded by
	// our wire package, and check that it answers with its MAC.
	req := wire.ARPMessage{Op: wire.ARPOpRequest, SenderMAC: ourMAC, SenderIP: ourIP, TargetIP: peerIP}
	deliverToPeer(peer, wire.EthernetFrame{Dst: wire.Broadcast, Src: ourMAC, Type: wire.EtherTypeARP, Payload: req.Marshal()})

	select {
	case reply := <-fromPeer:
		if reply.Type != wire.EtherTypeARP {
			t.Fatalf("expected an ARP reply frame, got type %v", reply.Type)
		}
		msg, err := wire.ParseARPMessage(reply.Payload)
		if err != nil {
			t.Fatalf("parse gvisor arp reply: %v", err)
		}
		if msg.Op != wire.ARPOpReply || msg.SenderIP != peerIP || msg.SenderMAC != peerMAC {
			t.Fatalf("unexpected arp reply from gvisor: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gvisor's arp reply")
	}

	// Now drive our own interface's ARP resolution against gVisor: queue a
	// datagram for peerIP and confirm our interface emits a well-formed
	// broadcast ARP request that gVisor itself is willing to answer.
	n.SendDatagram([]byte("datagram"), peerIP)
	out := n.FramesOut()
	if len(out) != 1 {
		t.Fatalf("expected one ARP request from our interface, got %d", len(out))
	}
	deliverToPeer(peer, out[0])

	select {
	case reply := <-fromPeer:
		msg, err := wire.ParseARPMessage(reply.Payload)
		if err != nil {
			t.Fatalf("parse gvisor arp reply: %v", err)
		}
		if msg.Op != wire.ARPOpReply || msg.TargetIP != ourIP {
			t.Fatalf("unexpected reply to our request: %+v", msg)
		}
		if _, ok := n.RecvFrame(reply); ok {
			t.Fatalf("an ARP reply must never surface as a datagram")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gvisor's reply to our arp request")
	}

	flushed := n.FramesOut()
	if len(flushed) != 1 || flushed[0].Type != wire.EtherTypeIPv4 {
		t.Fatalf("expected the queued datagram to flush once resolved, got %+v", flushed)
	}
}
