// Command tcpstackd drives the tcp package's connection FSM end-to-end,
// either looping a payload through an in-process client/server pair or
// printing the resolved configuration.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/outpostnet/tcpstack/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tcpstackd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: tcpstackd <loopback|config> [flags]")
	}

	switch args[0] {
	case "loopback":
		return runLoopback(args[1:])
	case "config":
		return runConfigDump(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

func runConfigDump(args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	path := fs.String("config", "tcpstack.yml", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*path, nil)
	if err != nil {
		return err
	}
	fmt.Printf("%+v\n", cfg)
	return nil
}
