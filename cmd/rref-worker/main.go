// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// rref-worker hosts one rref.Context and exchanges reference-counting
// protocol messages with its peers over the configured transport.
//
// On SIGINT or SIGTERM the worker drains its references, audits leaks,
// and exits. Inbound messages keep being served until the drain is done
// so peers' acknowledgements can still arrive.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rref/lib/config"
	"github.com/bureau-foundation/rref/lib/rref"
	"github.com/bureau-foundation/rref/lib/process"
	"github.com/bureau-foundation/rref/lib/version"
	"github.com/bureau-foundation/rref/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("rref-worker", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the worker config file (overrides "+config.EnvConfig+")")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Printf("rref-worker %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))

	agent, listener, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	if closer, ok := agent.(io.Closer); ok {
		defer closer.Close()
	}

	references, err := rref.New(rref.Options{
		Agent:  agent,
		Logger: logger,
		ReleaseOwner: func(owner *rref.OwnerRRef) {
			logger.Debug("owner released", "rref_id", owner.RRefID())
		},
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	serveDone := make(chan error, 1)
	go func() { serveDone <- listener.Serve(serveCtx, references) }()

	logger.Info("rref worker started",
		"version", version.Info(),
		"transport", cfg.Transport.Kind,
		"address", listener.Address(),
	)

	select {
	case <-signalCtx.Done():
	case err := <-serveDone:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return errors.New("listener stopped unexpectedly")
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout())
	held, destroyErr := references.Destroy(cfg.ShutdownTimeout(), cfg.Shutdown.IgnoreLeaks)
	if len(held) > 0 {
		logger.Info("owners still held at shutdown", "count", len(held))
	}

	cancelServe()
	if err := <-serveDone; err != nil {
		logger.Error("listener shutdown failed", "error", err)
	}
	if destroyErr != nil {
		return fmt.Errorf("destroying rref context: %w", destroyErr)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newTransport builds the agent and listener named by transport.kind.
// The listener's address is this worker's own peer entry.
func newTransport(cfg *config.Config, logger *slog.Logger) (rref.Agent, transport.Listener, error) {
	info := rref.WorkerInfo{ID: rref.WorkerID(cfg.Worker.ID), Name: cfg.Worker.Name}
	resolve := func(id rref.WorkerID) (string, bool) {
		return cfg.PeerAddress(uint16(id))
	}
	address, ok := cfg.PeerAddress(cfg.Worker.ID)
	if !ok {
		return nil, nil, fmt.Errorf("no address configured for worker %d", cfg.Worker.ID)
	}

	switch cfg.Transport.Kind {
	case config.TransportSocket:
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating socket directory: %w", err)
		}
		agent := transport.NewSocketAgent(info, resolve, cfg.RequestTimeout(), logger)
		return agent, transport.NewSocketListener(address, cfg.RequestTimeout(), logger), nil

	case config.TransportGRPC:
		netListener, err := net.Listen("tcp", address)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on %s: %w", address, err)
		}
		agent := transport.NewGRPCAgent(info, resolve, cfg.RequestTimeout(), logger)
		return agent, transport.NewGRPCListener(netListener, cfg.RequestTimeout(), logger), nil

	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}
