package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jannickheisch/tinyISP/internal/goset"
	"github.com/jannickheisch/tinyISP/internal/network"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for feeds, keys and the lock file.
	DataPath string

	// HTTPAddress is the HTTP API listen address. Empty disables the API.
	HTTPAddress string

	// QUICAddress is the QUIC listen address. Empty disables the QUIC face.
	QUICAddress string

	// Peers are QUIC peers to keep connected.
	Peers []string

	// Group is the UDP multicast group.
	Group string

	// Interface is the network interface used for multicast.
	Interface string

	// NoMulticast disables the UDP multicast face.
	NoMulticast bool

	// Round is the GOset round interval.
	Round time.Duration

	// Name labels the root key created on first start.
	Name string

	// KeyPath is the path to an Ed25519 private key imported as root on first start.
	KeyPath string

	// LogLevel is the minimum log level.
	LogLevel string
}

// peerList collects a repeatable -peer flag.
type peerList []string

func (p *peerList) String() string {
	return strings.Join(*p, ",")
}

func (p *peerList) Set(v string) error {
	for _, addr := range strings.Split(v, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			*p = append(*p, addr)
		}
	}

	return nil
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	var peers peerList

	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address (empty disables)")
	fs.StringVar(&cfg.QUICAddress, "quic", "", "QUIC datagram listen address (empty disables)")
	fs.Var(&peers, "peer", "QUIC peer address (repeatable)")
	fs.StringVar(&cfg.Group, "group", network.DefaultGroup, "UDP multicast group")
	fs.StringVar(&cfg.Interface, "iface", "", "Multicast network interface")
	fs.BoolVar(&cfg.NoMulticast, "no-multicast", false, "Disable the UDP multicast face")
	fs.DurationVar(&cfg.Round, "round", goset.RoundInterval, "GOset round interval")
	fs.StringVar(&cfg.Name, "name", "me", "Name of the root key created on first start")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key imported as root on first start (generated if missing)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Peers = peers

	if cfg.Round <= 0 {
		return nil, fmt.Errorf("round interval must be positive, got %s", cfg.Round)
	}

	if cfg.NoMulticast && cfg.QUICAddress == "" {
		return nil, fmt.Errorf("no transport: enable multicast or set -quic")
	}

	if len(cfg.Peers) > 0 && cfg.QUICAddress == "" {
		return nil, fmt.Errorf("-peer requires -quic")
	}

	return cfg, nil
}

// loadOrGenerateKey loads the private key from file or generates and saves a
// new one. An empty path yields no key and lets the node generate its own.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
