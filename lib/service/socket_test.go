// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rref/lib/codec"
	"github.com/bureau-foundation/rref/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// startServer runs server until the test ends and waits for it to
// listen.
func startServer(t *testing.T, server *SocketServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server listening")
}

func newTestServer(t *testing.T) *SocketServer {
	t.Helper()
	server := NewSocketServer(filepath.Join(testutil.SocketDir(t), "worker.sock"), testLogger(), ServerOptions{})

	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Text string `cbor:"text"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]string{"text": request.Text}, nil
	})
	server.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("deliberate failure")
	})
	server.Handle("empty", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})
	startServer(t, server)
	return server
}

func TestClientCall(t *testing.T) {
	server := newTestServer(t)
	client := NewClient(server.SocketPath(), time.Second)

	var result struct {
		Text string `cbor:"text"`
	}
	if err := client.Call(context.Background(), "echo", map[string]any{"text": "hello"}, &result); err != nil {
		t.Fatalf("Call(echo): %v", err)
	}
	if result.Text != "hello" {
		t.Errorf("echo text = %q, want hello", result.Text)
	}

	if err := client.Call(context.Background(), "empty", nil, &result); err != nil {
		t.Errorf("Call(empty): %v", err)
	}
}

func TestClientCallServiceError(t *testing.T) {
	server := newTestServer(t)
	client := NewClient(server.SocketPath(), time.Second)

	tests := []struct {
		action string
		want   string
	}{
		{"fail", "deliberate failure"},
		{"missing", `unknown action "missing"`},
	}
	for _, test := range tests {
		t.Run(test.action, func(t *testing.T) {
			err := client.Call(context.Background(), test.action, nil, nil)
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("Call(%s) error = %v, want *ServiceError", test.action, err)
			}
			if serviceErr.Action != test.action || serviceErr.Message != test.want {
				t.Errorf("ServiceError = %+v, want action %q message %q", serviceErr, test.action, test.want)
			}
		})
	}
}

func TestServerRejectsMissingAction(t *testing.T) {
	server := newTestServer(t)

	conn, err := net.DialTimeout("unix", server.SocketPath(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := codec.NewEncoder(conn).Encode(map[string]any{"text": "no action"}); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if response.OK || !strings.Contains(response.Error, "action") {
		t.Errorf("response = %+v, want a missing-action error", response)
	}
}

func TestClientCallNoServer(t *testing.T) {
	client := NewClient(filepath.Join(testutil.SocketDir(t), "absent.sock"), time.Second)
	err := client.Call(context.Background(), "echo", nil, nil)
	if err == nil {
		t.Fatal("Call to a missing socket succeeded")
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		t.Errorf("connection failure returned *ServiceError %v, want plain error", serviceErr)
	}
}

func TestDuplicateHandlePanics(t *testing.T) {
	server := NewSocketServer("unused.sock", testLogger(), ServerOptions{})
	server.Handle("echo", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("second Handle for the same action did not panic")
		}
	}()
	server.Handle("echo", func(context.Context, []byte) (any, error) { return nil, nil })
}

func TestServeRemovesSocket(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "worker.sock")
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatalf("writing stale file: %v", err)
	}
	server := NewSocketServer(path, testLogger(), ServerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server listening")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("socket file still present after shutdown: %v", err)
	}
}
