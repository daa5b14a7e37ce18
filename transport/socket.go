// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/rref/lib/codec"
	"github.com/bureau-foundation/rref/lib/rref"
	"github.com/bureau-foundation/rref/lib/service"
)

// SocketAgent sends protocol messages to peers' SocketListeners. Each
// send is one lib/service call on its own goroutine.
type SocketAgent struct {
	info    rref.WorkerInfo
	resolve Resolver
	timeout time.Duration
	logger  *slog.Logger
}

// NewSocketAgent returns an agent for info that finds peers through
// resolve. timeout bounds each send, including the wait for the
// peer's reply.
func NewSocketAgent(info rref.WorkerInfo, resolve Resolver, timeout time.Duration, logger *slog.Logger) *SocketAgent {
	return &SocketAgent{info: info, resolve: resolve, timeout: timeout, logger: logger}
}

// WorkerInfo returns the agent's identity.
func (a *SocketAgent) WorkerInfo() rref.WorkerInfo { return a.info }

// Send delivers message to worker to.
func (a *SocketAgent) Send(ctx context.Context, to rref.WorkerID, message rref.Message) *rref.Future[rref.Message] {
	address, ok := a.resolve(to)
	if !ok {
		return rref.FailedFuture[rref.Message](fmt.Errorf("%w: %d", ErrUnknownWorker, to))
	}

	reply := rref.NewFuture[rref.Message]()
	go func() {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		var response rref.Message
		client := service.NewClient(address, a.timeout)
		err := client.Call(ctx, ActionDeliver, map[string]any{
			"from":    a.info.ID,
			"message": message,
		}, &response)
		if err != nil {
			a.logger.Debug("socket send failed", "to", to, "kind", message.Kind, "error", err)
			reply.Fail(err)
			return
		}
		reply.Complete(response)
	}()
	return reply
}

// SocketListener serves protocol messages on a Unix socket.
type SocketListener struct {
	server  *service.SocketServer
	timeout time.Duration
}

// NewSocketListener returns a listener for socketPath. timeout bounds
// how long one delivery may wait for its reply. Nothing is bound until
// Serve.
func NewSocketListener(socketPath string, timeout time.Duration, logger *slog.Logger) *SocketListener {
	return &SocketListener{
		server:  service.NewSocketServer(socketPath, logger, service.ServerOptions{}),
		timeout: timeout,
	}
}

// Address returns the socket path.
func (l *SocketListener) Address() string { return l.server.SocketPath() }

// Ready is closed once the socket is listening.
func (l *SocketListener) Ready() <-chan struct{} { return l.server.Ready() }

// Serve registers the deliver and debug-info actions and serves until
// ctx is cancelled.
func (l *SocketListener) Serve(ctx context.Context, handler Handler) error {
	l.server.Handle(ActionDeliver, func(ctx context.Context, raw []byte) (any, error) {
		var request envelope
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("%w: %v", rref.ErrMalformedMessage, err)
		}
		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return deliver(ctx, handler, request.From, request.Message)
	})
	l.server.Handle(ActionDebugInfo, func(ctx context.Context, _ []byte) (any, error) {
		reply, err := deliver(ctx, handler, 0, rref.Message{Kind: rref.KindDebugInfo})
		if err != nil {
			return nil, err
		}
		return reply.Info, nil
	})
	return l.server.Serve(ctx)
}

// DebugInfo asks the worker behind socketPath for its table sizes.
func DebugInfo(ctx context.Context, socketPath string, timeout time.Duration) (map[string]int, error) {
	var info map[string]int
	if err := service.NewClient(socketPath, timeout).Call(ctx, ActionDebugInfo, nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}
