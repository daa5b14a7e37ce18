// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/rref/lib/config"
	"github.com/bureau-foundation/rref/lib/testutil"
	"github.com/bureau-foundation/rref/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(kind string) *config.Config {
	cfg := config.Default()
	cfg.Worker = config.WorkerConfig{ID: 1, Name: "alpha"}
	cfg.Transport.Kind = kind
	cfg.Peers = []config.PeerConfig{
		{ID: 1, Name: "alpha"},
		{ID: 2, Name: "beta"},
	}
	return cfg
}

func TestNewTransportSocket(t *testing.T) {
	cfg := testConfig(config.TransportSocket)
	cfg.Transport.SocketDir = filepath.Join(testutil.SocketDir(t), "workers")

	agent, listener, err := newTransport(cfg, testLogger())
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	if _, ok := agent.(*transport.SocketAgent); !ok {
		t.Errorf("agent = %T, want *transport.SocketAgent", agent)
	}
	if want := filepath.Join(cfg.Transport.SocketDir, "alpha.sock"); listener.Address() != want {
		t.Errorf("listener.Address() = %q, want %q", listener.Address(), want)
	}
	if _, err := os.Stat(cfg.Transport.SocketDir); err != nil {
		t.Errorf("socket directory not created: %v", err)
	}
	if info := agent.WorkerInfo(); info.ID != 1 || info.Name != "alpha" {
		t.Errorf("WorkerInfo() = %+v, want {1 alpha}", info)
	}
}

func TestNewTransportGRPC(t *testing.T) {
	cfg := testConfig(config.TransportGRPC)
	cfg.Peers[0].Address = "127.0.0.1:0"
	cfg.Peers[1].Address = "127.0.0.1:1"

	agent, listener, err := newTransport(cfg, testLogger())
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	grpcAgent, ok := agent.(*transport.GRPCAgent)
	if !ok {
		t.Fatalf("agent = %T, want *transport.GRPCAgent", agent)
	}
	defer grpcAgent.Close()
	if !strings.HasPrefix(listener.Address(), "127.0.0.1:") || listener.Address() == "127.0.0.1:0" {
		t.Errorf("listener.Address() = %q, want a bound loopback port", listener.Address())
	}
}

func TestNewTransportErrors(t *testing.T) {
	tests := []struct {
		name   string
		adjust func(*config.Config)
		want   string
	}{
		{
			name:   "unknown kind",
			adjust: func(cfg *config.Config) { cfg.Transport.Kind = "carrier-pigeon" },
			want:   "unknown transport kind",
		},
		{
			name: "grpc without self address",
			adjust: func(cfg *config.Config) {
				cfg.Transport.Kind = config.TransportGRPC
			},
			want: "no address configured",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(config.TransportSocket)
			cfg.Transport.SocketDir = testutil.SocketDir(t)
			test.adjust(cfg)
			_, _, err := newTransport(cfg, testLogger())
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("newTransport() error = %v, want containing %q", err, test.want)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	if err := run([]string{"--version"}); err != nil {
		t.Errorf("run(--version) = %v, want nil", err)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	t.Setenv(config.EnvConfig, "")
	err := run(nil)
	if err == nil || !strings.Contains(err.Error(), config.EnvConfig) {
		t.Errorf("run() error = %v, want mention of %s", err, config.EnvConfig)
	}
}
