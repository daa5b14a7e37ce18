// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"context"
	"fmt"
	"runtime"
	"weak"
)

// newUserRRef builds an unregistered user handle. If the handle is
// collected while confirmed and not yet released, its delete notice is
// sent from the cleanup.
func (c *Context) newUserRRef(owner WorkerID, rrefID RRefID, forkID ForkID, typeName TypeName) *UserRRef {
	user := &UserRRef{
		context:  c,
		owner:    owner,
		rrefID:   rrefID,
		forkID:   forkID,
		typeName: typeName,
		state:    UserPending,
	}
	runtime.AddCleanup(user, c.collectUser, forkID)
	return user
}

// collectUser runs after a confirmed handle was reclaimed without
// Release. The entry is dropped in the same critical section that
// checks it, so a concurrent release cannot send a second notice.
func (c *Context) collectUser(forkID ForkID) {
	c.mu.Lock()
	entry, ok := c.confirmedUsers[forkID]
	if !ok || entry.user.Value() != nil {
		c.mu.Unlock()
		return
	}
	delete(c.confirmedUsers, forkID)
	c.notifyChangedLocked()
	c.mu.Unlock()
	c.sendDelete(entry.owner, entry.rrefID, forkID)
}

// CreateUserRRef creates a handle for a new object that owner will
// hold, under a fresh RRefID and ForkID. The handle is registered as
// pending and recorded into any recording window carried by ctx.
// The caller ships the object to the owner and then calls
// NotifyOwnerOfUser (or delivers the equivalent user-create itself).
func (c *Context) CreateUserRRef(ctx context.Context, owner WorkerID, typeName TypeName) (*UserRRef, error) {
	if owner == c.worker.ID {
		return nil, fmt.Errorf("%w: create an owner rref instead", ErrOwnerIsLocal)
	}
	user := c.newUserRRef(owner, RRefID{c.GenGloballyUniqueID()}, ForkID{c.GenGloballyUniqueID()}, typeName)
	if err := c.AddPendingUser(ctx, user.forkID, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetOrCreateRRef turns a received fork descriptor into a reference. If
// this worker is the owner it returns the owner (created if needed);
// otherwise it returns a user handle that is not registered until
// NotifyOwnerAndParentOfFork.
func (c *Context) GetOrCreateRRef(data ForkData, typeName TypeName) (RRef, error) {
	if data.Type != typeName {
		return nil, fmt.Errorf("%w: fork %s carries %q, expected %q",
			ErrTypeMismatch, data.ForkID, data.Type, typeName)
	}
	if data.Owner == c.worker.ID {
		return c.GetOrCreateOwnerRRef(data.RRefID, typeName)
	}
	return c.newUserRRef(data.Owner, data.RRefID, data.ForkID, typeName), nil
}

// AddPendingUser registers user as waiting for its owner's
// acknowledgement and records it into the window carried by ctx, if
// any.
func (c *Context) AddPendingUser(ctx context.Context, forkID ForkID, user *UserRRef) error {
	c.mu.Lock()
	if _, exists := c.pendingUsers[forkID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: fork %s is already a pending user", ErrDuplicateFork, forkID)
	}
	if _, exists := c.confirmedUsers[forkID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: fork %s is already a confirmed user", ErrDuplicateFork, forkID)
	}
	state := &pendingUserState{user: user, confirmed: NewFuture[struct{}]()}
	user.state = UserPending
	c.pendingUsers[forkID] = state
	c.mu.Unlock()

	recordPendingUser(ctx, state)
	return nil
}

// GetPendingUser returns the pending user for forkID.
func (c *Context) GetPendingUser(forkID ForkID) (*UserRRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.pendingUsers[forkID]
	if !ok {
		return nil, fmt.Errorf("%w: fork %s", ErrAlreadyConfirmedOrUnknown, forkID)
	}
	return state.user, nil
}

// DelPendingUser moves the user for forkID from pending to confirmed
// and completes its confirmation future, failed with the user's remote
// error if one was recorded. A release requested while pending is
// carried out here.
func (c *Context) DelPendingUser(forkID ForkID) error {
	c.mu.Lock()
	state, ok := c.pendingUsers[forkID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: fork %s", ErrAlreadyConfirmedOrUnknown, forkID)
	}
	delete(c.pendingUsers, forkID)
	user := state.user
	sendDelete := c.confirmLocked(user)
	err := user.err
	c.notifyChangedLocked()
	c.mu.Unlock()

	state.confirm(err)
	if sendDelete {
		c.deleteReleased(user)
	}
	return nil
}

// AddConfirmedUser registers user as confirmed without a pending phase.
// Used when the forwarding parent is the owner, which registered the
// fork before sending it.
func (c *Context) AddConfirmedUser(forkID ForkID, user *UserRRef) error {
	c.mu.Lock()
	if _, exists := c.confirmedUsers[forkID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: fork %s is already a confirmed user", ErrDuplicateFork, forkID)
	}
	sendDelete := c.confirmLocked(user)
	c.mu.Unlock()

	if sendDelete {
		c.deleteReleased(user)
	}
	return nil
}

// confirmLocked records user as confirmed and reports whether its
// delete notice is now due.
func (c *Context) confirmLocked(user *UserRRef) bool {
	if user.state == UserDeleted {
		return false
	}
	user.state = UserConfirmed
	c.confirmedUsers[user.forkID] = confirmedUser{
		user:   weak.Make(user),
		owner:  user.owner,
		rrefID: user.rrefID,
	}
	return c.deleteDueLocked(user)
}

// deleteDueLocked marks user deleted, drops its confirmed entry and
// reports true when a release was requested and nothing holds it back
// anymore.
func (c *Context) deleteDueLocked(user *UserRRef) bool {
	if !user.releaseRequested || user.state != UserConfirmed || user.pendingChildren > 0 {
		return false
	}
	user.state = UserDeleted
	delete(c.confirmedUsers, user.forkID)
	c.notifyChangedLocked()
	return true
}

// liveUserLocked returns the registered handle for forkID, if it is
// still reachable.
func (c *Context) liveUserLocked(forkID ForkID) *UserRRef {
	if entry, ok := c.confirmedUsers[forkID]; ok {
		return entry.user.Value()
	}
	if state, ok := c.pendingUsers[forkID]; ok {
		return state.user
	}
	return nil
}

// DelUser deletes the handle forkID. A handle still registered here is
// released the way Release does it: the notice waits until the owner
// has confirmed the handle and every child it forwarded was accepted.
// The returned future completes with the owner's acknowledgement once
// the notice has been sent. A fork with no live handle is deleted at
// owner directly; the owner tolerates repeats. After Destroy nothing is
// sent.
func (c *Context) DelUser(owner WorkerID, rrefID RRefID, forkID ForkID) *Future[Message] {
	c.mu.Lock()
	user := c.liveUserLocked(forkID)
	if user == nil {
		if _, ok := c.confirmedUsers[forkID]; ok {
			delete(c.confirmedUsers, forkID)
			c.notifyChangedLocked()
		}
		c.mu.Unlock()
		return c.sendDelete(owner, rrefID, forkID)
	}
	if user.deleteReply == nil {
		user.deleteReply = NewFuture[Message]()
	}
	reply := user.deleteReply
	sendDelete := false
	if !user.releaseRequested {
		user.releaseRequested = true
		sendDelete = c.deleteDueLocked(user)
	}
	c.mu.Unlock()

	if sendDelete {
		c.deleteReleased(user)
	}
	return reply
}

// deleteReleased sends the notice for a user deleteDueLocked approved
// and forwards the acknowledgement to a waiting DelUser caller.
func (c *Context) deleteReleased(user *UserRRef) {
	reply := c.sendDelete(user.owner, user.rrefID, user.forkID)
	c.mu.Lock()
	waiting := user.deleteReply
	c.mu.Unlock()
	if waiting == nil {
		return
	}
	reply.Subscribe(func(message Message, err error) {
		if err != nil {
			waiting.Fail(err)
			return
		}
		waiting.Complete(message)
	})
}

func (c *Context) sendDelete(owner WorkerID, rrefID RRefID, forkID ForkID) *Future[Message] {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return CompletedFuture(Message{Kind: KindAck})
	}
	reply := c.send(context.Background(), owner, Message{
		Kind:   KindUserDelete,
		RRefID: rrefID,
		ForkID: forkID,
	})
	reply.Subscribe(func(_ Message, err error) {
		if err != nil {
			c.logger.Warn("user delete not acknowledged",
				"owner", owner, "rref_id", rrefID, "fork_id", forkID, "error", err)
		}
	})
	return reply
}

func (c *Context) releaseUser(user *UserRRef) {
	c.mu.Lock()
	if user.releaseRequested {
		c.mu.Unlock()
		return
	}
	user.releaseRequested = true
	sendDelete := c.deleteDueLocked(user)
	c.mu.Unlock()

	if sendDelete {
		c.deleteReleased(user)
	}
}

// setUserError records a remote failure on user.
func (c *Context) setUserError(user *UserRRef, err error) {
	c.mu.Lock()
	if user.err == nil {
		user.err = err
	}
	c.mu.Unlock()
}

// AddPendingChild keeps parent alive until the owner has accepted the
// fork childForkID that parent forwarded.
func (c *Context) AddPendingChild(childForkID ForkID, parent *UserRRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pendingChildren[childForkID]; exists {
		return fmt.Errorf("%w: child fork %s is already pending", ErrDuplicateFork, childForkID)
	}
	if parent.state == UserDeleted {
		return fmt.Errorf("%w: %s", ErrUserDeleted, parent)
	}
	c.pendingChildren[childForkID] = parent
	parent.pendingChildren++
	return nil
}

// DelPendingChild drops the keepalive for childForkID. If the parent
// was released and this was its last pending child, its delete notice
// is sent now. Unknown ids are ignored: child-accept may be retried.
func (c *Context) DelPendingChild(childForkID ForkID) {
	c.mu.Lock()
	parent, ok := c.pendingChildren[childForkID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("child accept for unknown fork", "fork_id", childForkID)
		return
	}
	delete(c.pendingChildren, childForkID)
	parent.pendingChildren--
	sendDelete := c.deleteDueLocked(parent)
	c.notifyChangedLocked()
	c.mu.Unlock()

	if sendDelete {
		c.deleteReleased(parent)
	}
}

// PrepareChildFork describes a new fork of ref for sending to another
// worker. An owner registers the fork right away; a user keeps itself
// alive as the child's parent until the child is accepted.
func (c *Context) PrepareChildFork(ref RRef) (ForkData, error) {
	forkID := ForkID{c.GenGloballyUniqueID()}
	switch typed := ref.(type) {
	case *OwnerRRef:
		c.mu.Lock()
		if _, ok := c.owners[typed.rrefID]; !ok {
			c.owners[typed.rrefID] = typed
		}
		err := c.addForkLocked(typed.rrefID, forkID, false)
		c.mu.Unlock()
		if err != nil {
			return ForkData{}, err
		}
	case *UserRRef:
		if err := c.AddPendingChild(forkID, typed); err != nil {
			return ForkData{}, err
		}
	default:
		return ForkData{}, fmt.Errorf("rref: unsupported reference type %T", ref)
	}
	return newForkData(ref, forkID, c.worker.ID), nil
}

// NotifyOwnerAndParentOfFork registers a reference received from
// parent under forkID and sends whatever notices the owner and parent
// still need. If the worker forked an owner to itself the early fork is
// dropped again, and the owner is returned if that deregistered it.
func (c *Context) NotifyOwnerAndParentOfFork(ctx context.Context, forkID ForkID, parent WorkerID, ref RRef) (*OwnerRRef, error) {
	if parent == ref.Owner() {
		if parent == c.worker.ID {
			return c.DelForkOfOwner(ref.RRefID(), forkID), nil
		}
		user, ok := ref.(*UserRRef)
		if !ok {
			return nil, fmt.Errorf("rref: fork %s from owner %d received as %T", forkID, parent, ref)
		}
		return nil, c.AddConfirmedUser(forkID, user)
	}

	if ref.IsOwner() {
		c.sendChildAccept(ctx, parent, forkID)
		return nil, nil
	}

	user := ref.(*UserRRef)
	if err := c.AddPendingUser(ctx, forkID, user); err != nil {
		return nil, err
	}
	reply := c.send(ctx, user.owner, Message{
		Kind:   KindForkRequest,
		RRefID: user.rrefID,
		ForkID: forkID,
	})
	reply.Subscribe(func(message Message, err error) {
		if err == nil {
			err = checkUserAccept(message, forkID)
		}
		if err != nil {
			if pending, lookupErr := c.GetPendingUser(forkID); lookupErr == nil {
				c.setUserError(pending, err)
			}
		}
		c.FinishForkRequest(ctx, forkID, parent)
	})
	return nil, nil
}

// FinishForkRequest confirms the user for forkID and tells parent its
// child is accepted.
func (c *Context) FinishForkRequest(ctx context.Context, forkID ForkID, parent WorkerID) {
	if err := c.DelPendingUser(forkID); err != nil {
		c.logger.Debug("fork request finished for non-pending user", "fork_id", forkID, "error", err)
	}
	c.sendChildAccept(ctx, parent, forkID)
}

func (c *Context) sendChildAccept(ctx context.Context, parent WorkerID, forkID ForkID) {
	reply := c.send(ctx, parent, Message{Kind: KindChildAccept, ForkID: forkID})
	reply.Subscribe(func(_ Message, err error) {
		if err != nil {
			c.logger.Warn("child accept not acknowledged",
				"parent", parent, "fork_id", forkID, "error", err)
		}
	})
}

// NotifyOwnerOfUser sends user-create for a handle made by
// CreateUserRRef. The owner creates its owner reference if needed and
// registers the fork; the reply confirms user.
func (c *Context) NotifyOwnerOfUser(ctx context.Context, user *UserRRef) {
	forkID := user.forkID
	data := newForkData(user, forkID, c.worker.ID)
	reply := c.send(ctx, user.owner, Message{
		Kind:   KindUserCreate,
		Fork:   &data,
		RRefID: user.rrefID,
		ForkID: forkID,
	})
	reply.Subscribe(func(message Message, err error) {
		if err == nil {
			err = checkUserAccept(message, forkID)
		}
		if err != nil {
			c.setUserError(user, err)
		}
		if confirmErr := c.DelPendingUser(forkID); confirmErr != nil {
			c.logger.Debug("user accept for non-pending user", "fork_id", forkID, "error", confirmErr)
		}
	})
}

// SelfRoundTrip sends user-create for owner to this worker through the
// transport. The owner's own id stands in as the fork id for the
// duration of the trip, so the owner stays registered until the reply
// arrives. An owner deregistered by the trip's end is handed to the
// release hook.
func (c *Context) SelfRoundTrip(ctx context.Context, owner *OwnerRRef) (*Future[Message], error) {
	if err := c.AddSelfAsFork(owner); err != nil {
		return nil, err
	}
	forkID := selfForkID(owner.rrefID)
	data := newForkData(owner, forkID, c.worker.ID)
	reply := c.send(ctx, c.worker.ID, Message{
		Kind:   KindUserCreate,
		Fork:   &data,
		RRefID: owner.rrefID,
		ForkID: forkID,
	})
	result := NewFuture[Message]()
	reply.Subscribe(func(message Message, err error) {
		if deleted := c.DelForkOfOwner(owner.rrefID, forkID); deleted != nil {
			c.release(deleted)
		}
		if err != nil {
			result.Fail(err)
			return
		}
		result.Complete(message)
	})
	return result, nil
}

func (c *Context) release(owner *OwnerRRef) {
	if c.releaseOwner != nil {
		c.releaseOwner(owner)
	}
}

func (c *Context) send(ctx context.Context, to WorkerID, message Message) *Future[Message] {
	return c.agent.Send(context.WithoutCancel(ctx), to, message)
}

func checkUserAccept(message Message, forkID ForkID) error {
	if message.Kind != KindUserAccept {
		return fmt.Errorf("%w: expected %s reply, got %q", ErrMalformedMessage, KindUserAccept, message.Kind)
	}
	if message.ForkID != forkID {
		return fmt.Errorf("%w: %s for fork %s, expected %s", ErrMalformedMessage, KindUserAccept, message.ForkID, forkID)
	}
	return nil
}
