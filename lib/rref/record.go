// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"context"
	"sync"
	"sync/atomic"
)

type recorderKey struct{}

// pendingRecorder collects the pending users created under one
// recording window.
type pendingRecorder struct {
	mu     sync.Mutex
	states []*pendingUserState
	closed bool
}

// RecordPendingRRefs opens a recording window. Every pending user
// registered with a context derived from the returned one is recorded
// until the window is closed by WaitForRecordedPendingRRefs or
// ClearRecordedPendingRRefs. Opening a window on a context that already
// carries one starts a new, independent window.
func RecordPendingRRefs(ctx context.Context) context.Context {
	return context.WithValue(ctx, recorderKey{}, &pendingRecorder{})
}

// WaitForRecordedPendingRRefs closes the window carried by ctx and
// returns a future completed once every recorded user is confirmed. It
// fails with the first confirmation error. Without a window, or with
// nothing recorded, the future is already complete.
func WaitForRecordedPendingRRefs(ctx context.Context) *Future[struct{}] {
	states := closeRecorder(ctx)
	if len(states) == 0 {
		return CompletedFuture(struct{}{})
	}

	result := NewFuture[struct{}]()
	var remaining atomic.Int64
	remaining.Store(int64(len(states)))
	for _, state := range states {
		state.confirmed.Subscribe(func(_ struct{}, err error) {
			if err != nil {
				result.Fail(err)
				return
			}
			if remaining.Add(-1) == 0 {
				result.Complete(struct{}{})
			}
		})
	}
	return result
}

// ClearRecordedPendingRRefs closes the window carried by ctx without
// waiting for anything.
func ClearRecordedPendingRRefs(ctx context.Context) {
	closeRecorder(ctx)
}

func recorderFrom(ctx context.Context) *pendingRecorder {
	recorder, _ := ctx.Value(recorderKey{}).(*pendingRecorder)
	return recorder
}

func recordPendingUser(ctx context.Context, state *pendingUserState) {
	recorder := recorderFrom(ctx)
	if recorder == nil {
		return
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if !recorder.closed {
		recorder.states = append(recorder.states, state)
	}
}

func closeRecorder(ctx context.Context) []*pendingUserState {
	recorder := recorderFrom(ctx)
	if recorder == nil {
		return nil
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	states := recorder.states
	recorder.states = nil
	recorder.closed = true
	return states
}
