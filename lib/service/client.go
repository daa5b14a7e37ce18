// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"time"

	"github.com/bureau-foundation/rref/lib/codec"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// DefaultResponseTimeout is how long a Client waits for the response
// after writing the request when no timeout was configured.
const DefaultResponseTimeout = 45 * time.Second

// maxResponseSize caps a single response, which may carry a fetched
// value.
const maxResponseSize = 64 * 1024 * 1024

// ServiceError is returned by Call when the server responds with
// ok=false.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error on %q: %s", e.Action, e.Message)
}

// Client sends requests to a SocketServer. Each Call opens a new
// connection, matching the server's one-request-per-connection model.
type Client struct {
	socketPath      string
	responseTimeout time.Duration
}

// NewClient returns a client for socketPath. A non-positive
// responseTimeout means DefaultResponseTimeout.
func NewClient(socketPath string, responseTimeout time.Duration) *Client {
	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	return &Client{socketPath: socketPath, responseTimeout: responseTimeout}
}

// SocketPath returns the server socket this client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// Call sends a request and decodes the response.
//
// The fields map holds handler-specific request fields; Call adds
// "action". Pass nil for actions without parameters. On success, if
// result is non-nil and the response carries data, the data is decoded
// into result. An ok=false response returns a *ServiceError; connection
// and encoding failures are returned as plain errors.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	maps.Copy(request, fields)
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// send connects, writes the request, and reads the response.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	// The deadline also bounds the write; honor an earlier ctx deadline.
	deadline := time.Now().Add(c.responseTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close so the server's read side sees EOF cleanly.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
