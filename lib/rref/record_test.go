// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"context"
	"testing"
)

func TestWaitWithoutRecorder(t *testing.T) {
	if !WaitForRecordedPendingRRefs(context.Background()).Completed() {
		t.Error("barrier without a recording window is not complete")
	}
	ClearRecordedPendingRRefs(context.Background())
}

func TestWaitWithNothingRecorded(t *testing.T) {
	ctx := RecordPendingRRefs(context.Background())
	if !WaitForRecordedPendingRRefs(ctx).Completed() {
		t.Error("barrier over an empty window is not complete")
	}
}

func TestBarrierWaitsForEveryRecordedUser(t *testing.T) {
	c, agent := newTestContext(t, 1)
	outside, err := c.CreateUserRRef(context.Background(), 2, "tensor")
	if err != nil {
		t.Fatalf("CreateUserRRef: %v", err)
	}

	ctx := RecordPendingRRefs(context.Background())
	var users []*UserRRef
	for _, owner := range []WorkerID{2, 3, 4} {
		user, err := c.CreateUserRRef(ctx, owner, "tensor")
		if err != nil {
			t.Fatalf("CreateUserRRef: %v", err)
		}
		c.NotifyOwnerOfUser(ctx, user)
		users = append(users, user)
	}
	barrier := WaitForRecordedPendingRRefs(ctx)

	// Users registered after the window closed are not waited for.
	late, err := c.CreateUserRRef(ctx, 5, "tensor")
	if err != nil {
		t.Fatalf("CreateUserRRef: %v", err)
	}

	for i := range users {
		if barrier.Completed() {
			t.Fatalf("barrier completed with %d of %d users confirmed", i, len(users))
		}
		create := agent.take(t, KindUserCreate)
		create.reply.Complete(acceptReply(create))
	}
	mustResult(t, barrier)

	if outside.State() != UserPending || late.State() != UserPending {
		t.Errorf("unrecorded users confirmed: outside %s, late %s", outside.State(), late.State())
	}
}

func TestClearRecordedPendingRRefs(t *testing.T) {
	c, _ := newTestContext(t, 1)
	ctx := RecordPendingRRefs(context.Background())
	if _, err := c.CreateUserRRef(ctx, 2, "tensor"); err != nil {
		t.Fatalf("CreateUserRRef: %v", err)
	}
	ClearRecordedPendingRRefs(ctx)

	if !WaitForRecordedPendingRRefs(ctx).Completed() {
		t.Error("barrier after Clear still waits on cleared users")
	}
}

func TestNestedRecordingWindows(t *testing.T) {
	c, agent := newTestContext(t, 1)
	outer := RecordPendingRRefs(context.Background())
	first, err := c.CreateUserRRef(outer, 2, "tensor")
	if err != nil {
		t.Fatalf("CreateUserRRef: %v", err)
	}
	inner := RecordPendingRRefs(outer)
	if _, err := c.CreateUserRRef(inner, 3, "tensor"); err != nil {
		t.Fatalf("CreateUserRRef: %v", err)
	}

	outerBarrier := WaitForRecordedPendingRRefs(outer)
	c.NotifyOwnerOfUser(outer, first)
	create := agent.take(t, KindUserCreate)
	create.reply.Complete(acceptReply(create))

	mustResult(t, outerBarrier)
	if WaitForRecordedPendingRRefs(inner).Completed() {
		t.Error("inner barrier completed while its user is pending")
	}
}

func TestBarrierConfirmationOrder(t *testing.T) {
	tests := []struct {
		name  string
		order []int
	}{
		{"creation", []int{0, 1, 2, 3}},
		{"reverse", []int{3, 2, 1, 0}},
		{"interleaved", []int{2, 0, 3, 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, agent := newTestContext(t, 1)
			ctx := RecordPendingRRefs(context.Background())
			var creates []*sentMessage
			for _, owner := range []WorkerID{2, 3, 4, 5} {
				user, err := c.CreateUserRRef(ctx, owner, "tensor")
				if err != nil {
					t.Fatalf("CreateUserRRef: %v", err)
				}
				c.NotifyOwnerOfUser(ctx, user)
				creates = append(creates, agent.take(t, KindUserCreate))
			}
			barrier := WaitForRecordedPendingRRefs(ctx)

			for i, index := range test.order {
				if barrier.Completed() {
					t.Fatalf("barrier completed with %d of %d users confirmed", i, len(creates))
				}
				creates[index].reply.Complete(acceptReply(creates[index]))
			}
			mustResult(t, barrier)
		})
	}
}
