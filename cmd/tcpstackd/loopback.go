package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/outpostnet/tcpstack/config"
	"github.com/outpostnet/tcpstack/seqnum"
	"github.com/outpostnet/tcpstack/tcp"
)

// runLoopback exercises the full connect/transfer/teardown lifecycle between
// two in-process Connections, reporting progress as the payload is read off
// the server's inbound stream. It stands in for the original project's end-to-end "fetch a
// URL" demo without an actual HTTP client: the goal here is to prove the
// TCP stack itself works, not to speak HTTP.
func runLoopback(args []string) error {
	fs := flag.NewFlagSet("loopback", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional path to a YAML config file")
	size := fs.Int("bytes", 1<<20, "number of payload bytes to transfer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath, nil)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log := setupLogger(cfg.LogLevel)

	clientISN := seqnum.Value(0)
	serverISN := seqnum.Value(1 << 20)

	clientCfg := tcp.DefaultConfig()
	clientCfg.RecvCapacity = cfg.RecvCapacity
	clientCfg.SendCapacity = cfg.SendCapacity
	clientCfg.RTTimeoutMS = int(cfg.RetransmissionTimeout.Milliseconds())
	clientCfg.MaxRetxAttempts = cfg.MaxRetxAttempts
	clientCfg.FixedISN = &clientISN
	clientCfg.Log = log.With("side", "client")

	serverCfg := clientCfg
	serverCfg.FixedISN = &serverISN
	serverCfg.Log = log.With("side", "server")

	client := tcp.NewConnection(clientCfg)
	server := tcp.NewConnection(serverCfg)
	defer client.Close()
	defer server.Close()

	payload := bytes.Repeat([]byte("tcpstack"), (*size/8)+1)
	payload = payload[:*size]

	client.Connect()

	bar := progressbar.Default(int64(len(payload)))
	defer bar.Close()

	written := 0
	received := make([]byte, 0, len(payload))

	for i := 0; i < 100000; i++ {
		if written < len(payload) {
			n := client.Write(payload[written:])
			written += n
			if written == len(payload) {
				client.EndInputStream()
			}
		}

		exchangeOnce(client, server)

		chunk := server.Inbound().Peek(4096)
		if len(chunk) > 0 {
			server.Inbound().Pop(len(chunk))
			received = append(received, chunk...)
			bar.Set(len(received))
		}

		if server.Inbound().EOF() && len(received) >= len(payload) {
			server.EndInputStream()
			exchangeOnce(client, server)
			break
		}

		client.Tick(1)
		server.Tick(1)
	}

	for i := 0; i < 2000 && (client.Active() || server.Active()); i++ {
		client.Tick(int(cfg.TickInterval.Milliseconds()) + 1)
		server.Tick(int(cfg.TickInterval.Milliseconds()) + 1)
		exchangeOnce(client, server)
	}

	if !bytes.Equal(received, payload) {
		return fmt.Errorf("loopback transfer mismatch: got %d bytes, want %d", len(received), len(payload))
	}

	fmt.Fprintf(os.Stderr, "\nloopback: transferred %d bytes, connections closed cleanly: client=%v server=%v\n",
		len(received), !client.Active(), !server.Active())
	return nil
}

func exchangeOnce(client, server *tcp.Connection) {
	for _, seg := range client.Outbound() {
		server.SegmentReceived(seg)
	}
	for _, seg := range server.Outbound() {
		client.SegmentReceived(seg)
	}
}
