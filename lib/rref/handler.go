// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/rref/lib/codec"
)

// HandleMessage processes one incoming protocol message from worker
// from and returns the future reply. Transports call it for every
// delivery; it never blocks on a remote reply.
func (c *Context) HandleMessage(ctx context.Context, from WorkerID, message Message) *Future[Message] {
	switch message.Kind {
	case KindUserCreate:
		return c.handleUserCreate(message)
	case KindForkRequest:
		return c.handleForkRequest(message)
	case KindChildAccept:
		c.DelPendingChild(message.ForkID)
		return CompletedFuture(Message{Kind: KindAck, ForkID: message.ForkID})
	case KindUserDelete:
		if deleted := c.DelForkOfOwner(message.RRefID, message.ForkID); deleted != nil {
			c.release(deleted)
		}
		return CompletedFuture(Message{Kind: KindAck, RRefID: message.RRefID, ForkID: message.ForkID})
	case KindFetch:
		return c.handleFetch(message)
	case KindDebugInfo:
		return CompletedFuture(Message{Kind: KindDebugInfo, Info: c.DebugInfo()})
	default:
		c.logger.Warn("unknown message kind", "kind", message.Kind, "from", from)
		return FailedFuture[Message](fmt.Errorf("%w: %q", ErrUnknownMessage, message.Kind))
	}
}

func (c *Context) handleUserCreate(message Message) *Future[Message] {
	if message.Fork == nil {
		return FailedFuture[Message](fmt.Errorf("%w: %s without fork data", ErrMalformedMessage, KindUserCreate))
	}
	data := *message.Fork
	if data.Owner != c.worker.ID {
		return FailedFuture[Message](fmt.Errorf("%w: %s for rref owned by worker %d",
			ErrMalformedMessage, KindUserCreate, data.Owner))
	}
	owner, err := c.GetOrCreateOwnerRRef(data.RRefID, data.Type)
	if err != nil {
		return FailedFuture[Message](err)
	}
	// The self fork was registered by the sender.
	if data.ForkID != selfForkID(owner.rrefID) {
		c.AddForkOfOwnerIfNotPresent(owner.rrefID, data.ForkID)
	}
	return CompletedFuture(Message{Kind: KindUserAccept, RRefID: data.RRefID, ForkID: data.ForkID})
}

func (c *Context) handleForkRequest(message Message) *Future[Message] {
	reply := NewFuture[Message]()
	c.GetOwnerRRef(message.RRefID).Subscribe(func(owner *OwnerRRef, err error) {
		if err != nil {
			reply.Fail(err)
			return
		}
		c.AddForkOfOwnerIfNotPresent(owner.rrefID, message.ForkID)
		reply.Complete(Message{Kind: KindUserAccept, RRefID: message.RRefID, ForkID: message.ForkID})
	})
	return reply
}

func (c *Context) handleFetch(message Message) *Future[Message] {
	reply := NewFuture[Message]()
	c.GetOwnerRRef(message.RRefID).Subscribe(func(owner *OwnerRRef, err error) {
		if err != nil {
			reply.Fail(err)
			return
		}
		encodeValue(owner).Subscribe(func(value codec.RawMessage, err error) {
			if err != nil {
				reply.Fail(err)
				return
			}
			reply.Complete(Message{Kind: KindValue, RRefID: message.RRefID, Value: value})
		})
	})
	return reply
}

// FetchValue returns the CBOR encoding of the value behind ref. For a
// local owner it waits on the owner's value; for a user it asks the
// owner, which answers once the owner exists and its value is set.
func (c *Context) FetchValue(ctx context.Context, ref RRef) *Future[codec.RawMessage] {
	if owner, ok := ref.(*OwnerRRef); ok {
		return encodeValue(owner)
	}
	result := NewFuture[codec.RawMessage]()
	c.send(ctx, ref.Owner(), Message{Kind: KindFetch, RRefID: ref.RRefID()}).Subscribe(
		func(message Message, err error) {
			switch {
			case err != nil:
				result.Fail(err)
			case message.Kind != KindValue:
				result.Fail(fmt.Errorf("%w: expected %s reply, got %q", ErrMalformedMessage, KindValue, message.Kind))
			default:
				result.Complete(message.Value)
			}
		})
	return result
}

func encodeValue(owner *OwnerRRef) *Future[codec.RawMessage] {
	result := NewFuture[codec.RawMessage]()
	owner.value.Subscribe(func(value any, err error) {
		if err != nil {
			result.Fail(err)
			return
		}
		encoded, err := codec.Marshal(value)
		if err != nil {
			result.Fail(fmt.Errorf("encoding value of %s: %w", owner.rrefID, err))
			return
		}
		result.Complete(encoded)
	})
	return result
}
