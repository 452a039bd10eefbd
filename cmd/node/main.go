package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"github.com/jannickheisch/tinyISP/internal/api"
	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/node"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) (err error) {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	rootKey, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	n, err := node.New(node.Config{
		DataDir:       cfg.DataPath,
		Name:          cfg.Name,
		RootKey:       rootKey,
		Multicast:     !cfg.NoMulticast,
		Group:         cfg.Group,
		Interface:     cfg.Interface,
		QUICAddr:      cfg.QUICAddress,
		Peers:         cfg.Peers,
		RoundInterval: cfg.Round,
	})
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}
	defer func() { err = multierr.Append(err, n.Close()) }()

	printStartupInfo(cfg, n)

	if cfg.HTTPAddress != "" {
		srv := api.New(cfg.HTTPAddress, n, n.Metrics().Handler())
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
		defer func() { err = multierr.Append(err, srv.Stop()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		return fmt.Errorf("run node:\n%w", err)
	}

	logger.Info("shutting down")

	return nil
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *node.Node) {
	logger.Info("starting tinySSB node",
		"root", n.Root().String(),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"peers", cfg.Peers,
		"multicast", !cfg.NoMulticast,
		"data", cfg.DataPath,
		"round", cfg.Round,
	)
}
