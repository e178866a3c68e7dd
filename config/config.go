// Package config loads the YAML-based tunables a tcpstack deployment needs:
// buffer capacities, timer defaults, and the static interface/routing
// topology.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Route describes one static forwarding-table entry.
type Route struct {
	Prefix       string  `yaml:"prefix"`        // dotted-quad network address
	PrefixLength uint8   `yaml:"prefix_length"` // significant bits, 0-32
	NextHop      *string `yaml:"next_hop"`       // nil means directly attached
	Interface    string  `yaml:"interface"`      // name of an entry in Interfaces
}

// InterfaceConfig describes one network-access-layer endpoint to bring up.
type InterfaceConfig struct {
	Name    string `yaml:"name"`
	Ethernet string `yaml:"ethernet"` // colon-separated MAC, e.g. "02:00:00:00:00:01"
	Address  string `yaml:"address"`  // dotted-quad IPv4 address
}

// Config holds the connection tunables (capacities, initial RTO,
// retransmission limit), the tick interval and log level, plus the static
// topology a standalone tcpstackd process needs to bring interfaces and
// routes up. It has no fields for a fixed ISN, the maximum payload size, the
// ARP timers or the linger multiplier.
type Config struct {
	// RecvCapacity bounds a connection's receiver-side reassembler/stream.
	RecvCapacity int `yaml:"recv_capacity"`
	// SendCapacity bounds a connection's sender-side outbound stream.
	SendCapacity int `yaml:"send_capacity"`
	// RetransmissionTimeout is the sender's initial RTO.
	RetransmissionTimeout time.Duration `yaml:"retransmission_timeout"`
	// MaxRetxAttempts bounds consecutive retransmissions before giving up.
	MaxRetxAttempts int `yaml:"max_retx_attempts"`
	// TickInterval is how often the standalone process drives tick(ms) calls.
	TickInterval time.Duration `yaml:"tick_interval"`

	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Routes     []Route           `yaml:"routes"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the tunables a bare, no-YAML-file invocation should use.
func Default() Config {
	return Config{
		RecvCapacity:          64000,
		SendCapacity:          64000,
		RetransmissionTimeout: time.Second,
		MaxRetxAttempts:       8,
		TickInterval:          10 * time.Millisecond,
		LogLevel:              "info",
	}
}

// Load reads and parses a YAML config file at path, filling in Default()
// for any field the file leaves zero. A missing file is not an error: the
// defaults are returned unchanged, matching the permissive "enterprise
// site config" loading style used elsewhere in this codebase.
func Load(path string, log *slog.Logger) (Config, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("config: no file found, using defaults", "path", path)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would produce a nonsensical stack:
// non-positive capacities/timeouts, or a route naming an interface that
// isn't declared.
func (c Config) Validate() error {
	if c.RecvCapacity <= 0 {
		return fmt.Errorf("config: recv_capacity must be positive, got %d", c.RecvCapacity)
	}
	if c.SendCapacity <= 0 {
		return fmt.Errorf("config: send_capacity must be positive, got %d", c.SendCapacity)
	}
	if c.RetransmissionTimeout <= 0 {
		return fmt.Errorf("config: retransmission_timeout must be positive, got %s", c.RetransmissionTimeout)
	}

	known := make(map[string]bool, len(c.Interfaces))
	for _, iface := range c.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("config: interface entry missing name")
		}
		known[iface.Name] = true
	}
	for _, r := range c.Routes {
		if r.PrefixLength > 32 {
			return fmt.Errorf("config: route %s has prefix_length %d > 32", r.Prefix, r.PrefixLength)
		}
		if !known[r.Interface] {
			return fmt.Errorf("config: route %s/%d references undeclared interface %q", r.Prefix, r.PrefixLength, r.Interface)
		}
	}
	return nil
}
