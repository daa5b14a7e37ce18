// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rref/lib/rref"
	"github.com/bureau-foundation/rref/lib/testutil"
	"github.com/bureau-foundation/rref/transport"
)

// startWorker serves a worker with one owner reference on a socket.
func startWorker(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	socketPath := filepath.Join(testutil.SocketDir(t), "alpha.sock")

	network := transport.NewMemoryNetwork()
	references, err := rref.New(rref.Options{
		Agent:  network.Join(rref.WorkerInfo{ID: 1, Name: "alpha"}),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("rref.New: %v", err)
	}
	references.CreateOwnerRRef("tensor")

	listener := transport.NewSocketListener(socketPath, time.Second, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Serve(ctx, references) }()
	testutil.RequireClosed(t, listener.Ready(), 5*time.Second, "socket listener ready")
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "socket listener shutdown")
	})
	return socketPath
}

func TestDebugTable(t *testing.T) {
	socketPath := startWorker(t)
	var out bytes.Buffer
	if err := run([]string{"debug", "--socket", socketPath}, &out); err != nil {
		t.Fatalf("run(debug) = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 7 {
		t.Fatalf("debug output has %d lines, want header plus 6 tables:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "TABLE") {
		t.Errorf("first line = %q, want the header", lines[0])
	}
	if fields := strings.Fields(lines[3]); len(fields) != 2 || fields[0] != rref.DebugNumOwnerRRefs || fields[1] != "1" {
		t.Errorf("owner line = %q, want %s 1", lines[3], rref.DebugNumOwnerRRefs)
	}
}

func TestDebugJSON(t *testing.T) {
	socketPath := startWorker(t)
	var out bytes.Buffer
	if err := run([]string{"debug", "--socket", socketPath, "--json"}, &out); err != nil {
		t.Fatalf("run(debug --json) = %v", err)
	}
	var info map[string]int
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out.String())
	}
	if info[rref.DebugNumOwnerRRefs] != 1 {
		t.Errorf("%s = %d, want 1", rref.DebugNumOwnerRRefs, info[rref.DebugNumOwnerRRefs])
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "usage"},
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"debug without socket", []string{"debug"}, "--socket is required"},
		{"debug with missing socket", []string{"debug", "--socket", "/nonexistent/rref.sock", "--timeout", "100ms"}, "connecting"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := run(test.args, &bytes.Buffer{})
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("run(%v) error = %v, want containing %q", test.args, err, test.want)
			}
		})
	}
}
