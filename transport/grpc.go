// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bureau-foundation/rref/lib/codec"
	"github.com/bureau-foundation/rref/lib/rref"
)

// The gRPC service has one unary method. Request and response are
// BytesValue wrappers around the CBOR envelope and reply, so the
// package needs no generated code.
const (
	grpcServiceName  = "bureau.rref.v1.Protocol"
	grpcDeliverRoute = "/bureau.rref.v1.Protocol/Deliver"
)

type protocolServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(protocolServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcDeliverRoute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(protocolServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var protocolServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*protocolServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rref.proto",
}

// grpcProtocol adapts a Handler to protocolServer.
type grpcProtocol struct {
	handler Handler
	timeout time.Duration
}

func (p *grpcProtocol) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var request envelope
	if err := codec.Unmarshal(in.GetValue(), &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("%v: %v", rref.ErrMalformedMessage, err))
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply, err := deliver(ctx, p.handler, request.From, request.Message)
	if err != nil {
		return nil, status.Error(statusCode(err), err.Error())
	}
	encoded, err := codec.Marshal(reply)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encoding reply: %v", err))
	}
	return wrapperspb.Bytes(encoded), nil
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, rref.ErrMalformedMessage), errors.Is(err, rref.ErrUnknownMessage):
		return codes.InvalidArgument
	case errors.Is(err, rref.ErrTypeMismatch):
		return codes.FailedPrecondition
	case errors.Is(err, rref.ErrDestroyed):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// mapStatus turns a gRPC status back into the rref sentinel the server
// side started from, where there is one.
func mapStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", rref.ErrMalformedMessage, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", rref.ErrTypeMismatch, st.Message())
	case codes.Unavailable:
		if st.Message() == rref.ErrDestroyed.Error() {
			return rref.ErrDestroyed
		}
		return err
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	default:
		return err
	}
}

// GRPCListener serves protocol messages over gRPC.
type GRPCListener struct {
	listener net.Listener
	timeout  time.Duration
	logger   *slog.Logger
	options  []grpc.ServerOption
}

// NewGRPCListener serves on listener. timeout bounds how long one
// delivery may wait for its reply.
func NewGRPCListener(listener net.Listener, timeout time.Duration, logger *slog.Logger, options ...grpc.ServerOption) *GRPCListener {
	return &GRPCListener{listener: listener, timeout: timeout, logger: logger, options: options}
}

// Address returns the host:port the listener is bound to.
func (l *GRPCListener) Address() string { return l.listener.Addr().String() }

// Serve registers the protocol service and serves until ctx is
// cancelled, then stops gracefully.
func (l *GRPCListener) Serve(ctx context.Context, handler Handler) error {
	server := grpc.NewServer(l.options...)
	server.RegisterService(&protocolServiceDesc, &grpcProtocol{handler: handler, timeout: l.timeout})

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	l.logger.Info("grpc listener serving", "address", l.Address())
	if err := server.Serve(l.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving grpc on %s: %w", l.Address(), err)
	}
	return nil
}

// GRPCAgent sends protocol messages to peers' GRPCListeners. One
// client connection per peer address is created on first use and kept
// until Close.
type GRPCAgent struct {
	info        rref.WorkerInfo
	resolve     Resolver
	timeout     time.Duration
	logger      *slog.Logger
	dialOptions []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCAgent returns an agent for info that finds peers through
// resolve. Connections use insecure credentials plus dialOptions.
func NewGRPCAgent(info rref.WorkerInfo, resolve Resolver, timeout time.Duration, logger *slog.Logger, dialOptions ...grpc.DialOption) *GRPCAgent {
	return &GRPCAgent{
		info:        info,
		resolve:     resolve,
		timeout:     timeout,
		logger:      logger,
		dialOptions: dialOptions,
		conns:       make(map[string]*grpc.ClientConn),
	}
}

// WorkerInfo returns the agent's identity.
func (a *GRPCAgent) WorkerInfo() rref.WorkerInfo { return a.info }

func (a *GRPCAgent) conn(address string) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.conns[address]; ok {
		return existing, nil
	}
	options := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, a.dialOptions...)
	cc, err := grpc.NewClient(address, options...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", address, err)
	}
	a.conns[address] = cc
	return cc, nil
}

// Send delivers message to worker to.
func (a *GRPCAgent) Send(ctx context.Context, to rref.WorkerID, message rref.Message) *rref.Future[rref.Message] {
	address, ok := a.resolve(to)
	if !ok {
		return rref.FailedFuture[rref.Message](fmt.Errorf("%w: %d", ErrUnknownWorker, to))
	}
	cc, err := a.conn(address)
	if err != nil {
		return rref.FailedFuture[rref.Message](err)
	}
	body, err := codec.Marshal(envelope{From: a.info.ID, Message: message})
	if err != nil {
		return rref.FailedFuture[rref.Message](fmt.Errorf("encoding %s: %w", message.Kind, err))
	}

	reply := rref.NewFuture[rref.Message]()
	go func() {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		out := new(wrapperspb.BytesValue)
		if err := cc.Invoke(ctx, grpcDeliverRoute, wrapperspb.Bytes(body), out); err != nil {
			a.logger.Debug("grpc send failed", "to", to, "kind", message.Kind, "error", err)
			reply.Fail(mapStatus(err))
			return
		}
		var response rref.Message
		if err := codec.Unmarshal(out.GetValue(), &response); err != nil {
			reply.Fail(fmt.Errorf("decoding %s reply: %w", message.Kind, err))
			return
		}
		reply.Complete(response)
	}()
	return reply
}

// Close closes every peer connection.
func (a *GRPCAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for address, cc := range a.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", address, err))
		}
		delete(a.conns, address)
	}
	return errors.Join(errs...)
}
