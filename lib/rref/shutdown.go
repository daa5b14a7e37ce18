// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"cmp"
	"slices"
	"time"
)

// waitFor blocks until done reports true or timeout elapses on the
// Context clock. done is evaluated with c.mu held. The timer starts on
// the first unsatisfied check.
func (c *Context) waitFor(done func() bool, timeout time.Duration) bool {
	var deadline <-chan time.Time
	for {
		c.mu.Lock()
		if done() {
			c.mu.Unlock()
			return true
		}
		changed := c.changed
		c.mu.Unlock()

		if deadline == nil {
			deadline = c.clock.After(timeout)
		}
		select {
		case <-changed:
		case <-deadline:
			c.mu.Lock()
			satisfied := done()
			c.mu.Unlock()
			return satisfied
		}
	}
}

type pendingDelete struct {
	owner  WorkerID
	rrefID RRefID
	forkID ForkID

	// waiting is a DelUser caller's reply, if any.
	waiting *Future[Message]
}

// DelAllUsers drains the Context for shutdown:
//
//  1. wait up to timeout for pending users and pending children;
//  2. send a delete for every confirmed user, and for every user still
//     pending, failing their confirmation futures with ErrDestroyed;
//  3. drop owners that never received a fork;
//  4. wait up to timeout for the remaining owners to be deleted by
//     their users.
//
// Owners dropped in step 3 are returned so the caller can release their
// payloads. Timeouts are logged, not returned; CheckRRefLeaks reports
// what is left.
func (c *Context) DelAllUsers(timeout time.Duration) []*OwnerRRef {
	if !c.waitFor(func() bool {
		return len(c.pendingUsers) == 0 && len(c.pendingChildren) == 0
	}, timeout) {
		c.logger.Error("timed out waiting for pending users to be confirmed by owner and parent",
			"timeout", timeout, "pending_users", c.DebugInfo()[DebugNumPendingUsers])
	}

	var deletes []pendingDelete
	var unconfirmed []*pendingUserState
	c.mu.Lock()
	for forkID, entry := range c.confirmedUsers {
		var waiting *Future[Message]
		if user := entry.user.Value(); user != nil {
			user.state = UserDeleted
			waiting = user.deleteReply
		}
		deletes = append(deletes, pendingDelete{entry.owner, entry.rrefID, forkID, waiting})
	}
	clear(c.confirmedUsers)
	for forkID, state := range c.pendingUsers {
		state.user.state = UserDeleted
		deletes = append(deletes, pendingDelete{state.user.owner, state.user.rrefID, forkID, state.user.deleteReply})
		unconfirmed = append(unconfirmed, state)
	}
	clear(c.pendingUsers)
	for _, parent := range c.pendingChildren {
		parent.pendingChildren = 0
	}
	clear(c.pendingChildren)
	c.notifyChangedLocked()
	c.mu.Unlock()

	for _, state := range unconfirmed {
		state.confirm(ErrDestroyed)
	}
	for _, del := range deletes {
		reply := c.sendDelete(del.owner, del.rrefID, del.forkID)
		if waiting := del.waiting; waiting != nil {
			reply.Subscribe(func(message Message, err error) {
				if err != nil {
					waiting.Fail(err)
					return
				}
				waiting.Complete(message)
			})
		}
	}

	var unforked []*OwnerRRef
	c.mu.Lock()
	for rrefID, owner := range c.owners {
		if _, ok := c.forks[rrefID]; !ok {
			c.logger.Info("removing unforked owner", "rref_id", rrefID)
			delete(c.owners, rrefID)
			unforked = append(unforked, owner)
		}
	}
	if len(unforked) > 0 {
		c.notifyChangedLocked()
	}
	c.mu.Unlock()

	if !c.waitFor(func() bool { return len(c.owners) == 0 }, timeout) {
		c.logger.Error("timed out waiting for owners to be deleted",
			"timeout", timeout, "owners", c.DebugInfo()[DebugNumOwnerRRefs])
	}
	return unforked
}

// Destroy runs DelAllUsers, marks the Context destroyed and audits for
// leaks. It returns every deregistered owner whose value was set, for
// payload release, and the leak error unless ignoreLeaks. Pending
// owner futures fail with ErrDestroyed. Later calls return
// ErrDestroyed.
func (c *Context) Destroy(timeout time.Duration, ignoreLeaks bool) ([]*OwnerRRef, error) {
	c.mu.Lock()
	if c.destroying {
		c.mu.Unlock()
		return nil, ErrDestroyed
	}
	c.destroying = true
	c.mu.Unlock()

	released := c.DelAllUsers(timeout)

	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()

	leakErr := c.CheckRRefLeaks(ignoreLeaks)

	c.mu.Lock()
	for _, owner := range c.owners {
		released = append(released, owner)
	}
	clear(c.owners)
	clear(c.forks)
	pendingOwners := make([]*Future[*OwnerRRef], 0, len(c.pendingOwners))
	for _, future := range c.pendingOwners {
		pendingOwners = append(pendingOwners, future)
	}
	clear(c.pendingOwners)
	c.notifyChangedLocked()
	c.mu.Unlock()

	for _, future := range pendingOwners {
		future.Fail(ErrDestroyed)
	}

	held := released[:0]
	for _, owner := range released {
		if !owner.Pending() {
			held = append(held, owner)
		}
	}
	return held, leakErr
}

// CheckRRefLeaks reports forks that are still registered on this
// worker's owners. With ignoreLeaks the leaks are logged and nil is
// returned.
func (c *Context) CheckRRefLeaks(ignoreLeaks bool) error {
	c.mu.Lock()
	var leaks []Leak
	for rrefID, set := range c.forks {
		for forkID := range set {
			leaks = append(leaks, Leak{RRefID: rrefID, ForkID: forkID})
		}
	}
	c.mu.Unlock()

	if len(leaks) == 0 {
		return nil
	}
	slices.SortFunc(leaks, func(a, b Leak) int {
		return cmp.Or(
			compareIDs(a.RRefID.GloballyUniqueID, b.RRefID.GloballyUniqueID),
			compareIDs(a.ForkID.GloballyUniqueID, b.ForkID.GloballyUniqueID),
		)
	})
	leakErr := &LeakError{Leaks: leaks}
	if ignoreLeaks {
		c.logger.Warn("ignoring rref leaks", "count", len(leaks), "error", leakErr)
		return nil
	}
	return leakErr
}

func compareIDs(a, b GloballyUniqueID) int {
	return cmp.Or(cmp.Compare(a.CreatedOn, b.CreatedOn), cmp.Compare(a.LocalID, b.LocalID))
}
