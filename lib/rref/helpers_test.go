// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/rref/lib/clock"
)

// sentMessage is one Send captured by recordingAgent. The test answers
// it by completing or failing reply.
type sentMessage struct {
	to      WorkerID
	message Message
	reply   *Future[Message]
}

// recordingAgent captures every Send and never delivers anything on
// its own.
type recordingAgent struct {
	info WorkerInfo

	mu   sync.Mutex
	sent []*sentMessage
}

func (a *recordingAgent) WorkerInfo() WorkerInfo { return a.info }

func (a *recordingAgent) Send(_ context.Context, to WorkerID, message Message) *Future[Message] {
	sent := &sentMessage{to: to, message: message, reply: NewFuture[Message]()}
	a.mu.Lock()
	a.sent = append(a.sent, sent)
	a.mu.Unlock()
	return sent.reply
}

// take removes and returns the oldest captured send of kind, failing
// the test if there is none.
func (a *recordingAgent) take(t *testing.T, kind MessageKind) *sentMessage {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, sent := range a.sent {
		if sent.message.Kind == kind {
			a.sent = append(a.sent[:i], a.sent[i+1:]...)
			return sent
		}
	}
	t.Fatalf("no %s message was sent (captured: %v)", kind, a.kindsLocked())
	return nil
}

// count returns how many captured sends of kind are still untaken.
func (a *recordingAgent) count(kind MessageKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, sent := range a.sent {
		if sent.message.Kind == kind {
			n++
		}
	}
	return n
}

func (a *recordingAgent) kindsLocked() []MessageKind {
	kinds := make([]MessageKind, len(a.sent))
	for i, sent := range a.sent {
		kinds[i] = sent.message.Kind
	}
	return kinds
}

// acceptReply is the owner's answer to a user-create or fork-request.
func acceptReply(sent *sentMessage) Message {
	return Message{Kind: KindUserAccept, RRefID: sent.message.RRefID, ForkID: sent.message.ForkID}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestContext returns a Context for worker id backed by a
// recordingAgent. Options may be adjusted before construction.
func newTestContext(t *testing.T, id WorkerID, adjust ...func(*Options)) (*Context, *recordingAgent) {
	t.Helper()
	agent := &recordingAgent{info: WorkerInfo{ID: id, Name: fmt.Sprintf("worker%d", id)}}
	options := Options{
		Agent:  agent,
		Clock:  clock.Fake(time.Unix(1735689600, 0)),
		Logger: testLogger(),
	}
	for _, fn := range adjust {
		fn(&options)
	}
	c, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, agent
}

// mustResult waits briefly for future and fails the test on error.
func mustResult[T any](t *testing.T, future *Future[T]) T {
	t.Helper()
	select {
	case <-future.Done():
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("timed out waiting for future")
	}
	value, err := future.Result()
	if err != nil {
		t.Fatalf("future failed: %v", err)
	}
	return value
}
