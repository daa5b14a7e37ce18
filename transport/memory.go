// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/rref/lib/codec"
	"github.com/bureau-foundation/rref/lib/rref"
)

// MemoryNetwork connects agents in one process. By default a send is
// delivered synchronously, on the sending goroutine. After Hold, sends
// queue up until the test releases, drops, or reorders them.
//
// Every message is CBOR-encoded and decoded on the way through, so
// anything that would not survive a real transport fails here too.
type MemoryNetwork struct {
	mu        sync.Mutex
	handlers  map[rref.WorkerID]Handler
	holding   bool
	held      []*Delivery
	duplicate bool
}

// Delivery is one send waiting in a held MemoryNetwork.
type Delivery struct {
	From    rref.WorkerID
	To      rref.WorkerID
	Message rref.Message

	reply *rref.Future[rref.Message]
}

func (d *Delivery) String() string {
	return fmt.Sprintf("%s %d->%d fork %s", d.Message.Kind, d.From, d.To, d.Message.ForkID)
}

// NewMemoryNetwork returns an empty network that delivers immediately.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{handlers: make(map[rref.WorkerID]Handler)}
}

// MemoryAgent is one worker's endpoint on a MemoryNetwork.
type MemoryAgent struct {
	network *MemoryNetwork
	info    rref.WorkerInfo
}

// Join returns an agent for info. The worker cannot receive until
// Attach registers its handler.
func (n *MemoryNetwork) Join(info rref.WorkerInfo) *MemoryAgent {
	return &MemoryAgent{network: n, info: info}
}

// Attach routes messages addressed to id to handler.
func (n *MemoryNetwork) Attach(id rref.WorkerID, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
}

// Hold queues every following send instead of delivering it.
func (n *MemoryNetwork) Hold() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.holding = true
}

// Resume stops holding and delivers everything held, oldest first.
func (n *MemoryNetwork) Resume() int {
	n.mu.Lock()
	n.holding = false
	n.mu.Unlock()
	return n.ReleaseAll()
}

// SetDuplicate makes every delivery reach its handler twice. The reply
// comes from the first.
func (n *MemoryNetwork) SetDuplicate(duplicate bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicate = duplicate
}

// Held returns a snapshot of the queued deliveries, oldest first.
func (n *MemoryNetwork) Held() []*Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.held)
}

// Release delivers, oldest first, every held delivery match accepts,
// and returns how many it delivered. Deliveries sent while releasing
// are queued if the network is still holding.
func (n *MemoryNetwork) Release(match func(*Delivery) bool) int {
	deliveries := n.take(match)
	for _, delivery := range deliveries {
		n.dispatch(delivery)
	}
	return len(deliveries)
}

// ReleaseAll delivers every held delivery, oldest first.
func (n *MemoryNetwork) ReleaseAll() int {
	return n.Release(func(*Delivery) bool { return true })
}

// ReleaseReversed delivers every held delivery, newest first.
func (n *MemoryNetwork) ReleaseReversed() int {
	deliveries := n.take(func(*Delivery) bool { return true })
	slices.Reverse(deliveries)
	for _, delivery := range deliveries {
		n.dispatch(delivery)
	}
	return len(deliveries)
}

// Drop discards every held delivery match accepts, failing its reply
// with ErrDropped.
func (n *MemoryNetwork) Drop(match func(*Delivery) bool) int {
	deliveries := n.take(match)
	for _, delivery := range deliveries {
		delivery.reply.Fail(fmt.Errorf("%w: %s", ErrDropped, delivery))
	}
	return len(deliveries)
}

// Kind matches held deliveries of one message kind.
func Kind(kind rref.MessageKind) func(*Delivery) bool {
	return func(d *Delivery) bool { return d.Message.Kind == kind }
}

func (n *MemoryNetwork) take(match func(*Delivery) bool) []*Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	var taken, kept []*Delivery
	for _, delivery := range n.held {
		if match(delivery) {
			taken = append(taken, delivery)
		} else {
			kept = append(kept, delivery)
		}
	}
	n.held = kept
	return taken
}

func (n *MemoryNetwork) send(from, to rref.WorkerID, message rref.Message) *rref.Future[rref.Message] {
	encoded, err := codec.Marshal(message)
	if err != nil {
		return rref.FailedFuture[rref.Message](fmt.Errorf("encoding %s: %w", message.Kind, err))
	}
	var decoded rref.Message
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		return rref.FailedFuture[rref.Message](fmt.Errorf("decoding %s: %w", message.Kind, err))
	}

	delivery := &Delivery{From: from, To: to, Message: decoded, reply: rref.NewFuture[rref.Message]()}
	n.mu.Lock()
	if _, ok := n.handlers[to]; !ok {
		n.mu.Unlock()
		return rref.FailedFuture[rref.Message](fmt.Errorf("%w: %d", ErrUnknownWorker, to))
	}
	if n.holding {
		n.held = append(n.held, delivery)
		n.mu.Unlock()
		return delivery.reply
	}
	n.mu.Unlock()

	n.dispatch(delivery)
	return delivery.reply
}

func (n *MemoryNetwork) dispatch(delivery *Delivery) {
	n.mu.Lock()
	handler, ok := n.handlers[delivery.To]
	duplicate := n.duplicate
	n.mu.Unlock()
	if !ok {
		delivery.reply.Fail(fmt.Errorf("%w: %d", ErrUnknownWorker, delivery.To))
		return
	}

	ctx := context.Background()
	reply := handler.HandleMessage(ctx, delivery.From, delivery.Message)
	if duplicate {
		handler.HandleMessage(ctx, delivery.From, delivery.Message)
	}
	reply.Subscribe(func(message rref.Message, err error) {
		if err != nil {
			delivery.reply.Fail(err)
			return
		}
		delivery.reply.Complete(message)
	})
}

// WorkerInfo returns the agent's identity.
func (a *MemoryAgent) WorkerInfo() rref.WorkerInfo { return a.info }

// Send delivers message to worker to through the network.
func (a *MemoryAgent) Send(_ context.Context, to rref.WorkerID, message rref.Message) *rref.Future[rref.Message] {
	return a.network.send(a.info.ID, to, message)
}
