// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rref

import (
	"fmt"
	"log/slog"
	"sync"
	"weak"

	"github.com/bureau-foundation/rref/lib/clock"
)

// Options configures a Context.
type Options struct {
	// Agent is the transport. Required.
	Agent Agent

	// Clock drives the shutdown drain timeouts. Default: clock.Real().
	Clock clock.Clock

	// Logger receives protocol diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// ReleaseOwner is called, outside the Context lock, with each owner
	// deregistered while handling an incoming user-delete. It is where
	// the embedding runtime frees payloads that must be released in its
	// own synchronization domain. Nil means the owner is simply dropped.
	ReleaseOwner func(*OwnerRRef)
}

// Context is the per-worker reference tracker. All request-handling
// paths share one Context, created with New and torn down with Destroy.
type Context struct {
	agent        Agent
	worker       WorkerInfo
	clock        clock.Clock
	logger       *slog.Logger
	releaseOwner func(*OwnerRRef)

	mu sync.Mutex

	// owners keeps owner references alive while they have forks or are
	// pending materialization.
	owners map[RRefID]*OwnerRRef

	// pendingOwners holds futures for owners requested before they were
	// created. Entries are removed when the owner is created.
	pendingOwners map[RRefID]*Future[*OwnerRRef]

	// forks is the set of live forks per owner.
	forks map[RRefID]map[ForkID]struct{}

	// pendingUsers holds user handles not yet acknowledged by their
	// owner.
	pendingUsers map[ForkID]*pendingUserState

	// confirmedUsers does not keep handles alive; a lookup that resolves
	// to nil means the handle is already gone.
	confirmedUsers map[ForkID]confirmedUser

	// pendingChildren maps a child fork id to the parent handle that
	// forwarded it, until the child-accept arrives.
	pendingChildren map[ForkID]*UserRRef

	// changed is closed and replaced whenever a table the shutdown
	// drain waits on shrinks.
	changed chan struct{}

	destroying bool
	destroyed  bool
}

// confirmedUser is a confirmedUsers entry. The owner and rref id are
// kept beside the weak pointer so a delete can still be sent after the
// handle is collected.
type confirmedUser struct {
	user   weak.Pointer[UserRRef]
	owner  WorkerID
	rrefID RRefID
}

// pendingUserState wraps an unacknowledged user handle with the signal
// waiters subscribe to.
type pendingUserState struct {
	user      *UserRRef
	confirmed *Future[struct{}]
}

func (s *pendingUserState) confirm(err error) {
	if err != nil {
		s.confirmed.Fail(err)
		return
	}
	s.confirmed.Complete(struct{}{})
}

// New creates a Context bound to options.Agent.
func New(options Options) (*Context, error) {
	if options.Agent == nil {
		return nil, fmt.Errorf("rref: Options.Agent is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	worker := options.Agent.WorkerInfo()
	return &Context{
		agent:           options.Agent,
		worker:          worker,
		clock:           options.Clock,
		logger:          options.Logger.With("worker", worker.Name, "worker_id", worker.ID),
		releaseOwner:    options.ReleaseOwner,
		owners:          make(map[RRefID]*OwnerRRef),
		pendingOwners:   make(map[RRefID]*Future[*OwnerRRef]),
		forks:           make(map[RRefID]map[ForkID]struct{}),
		pendingUsers:    make(map[ForkID]*pendingUserState),
		confirmedUsers:  make(map[ForkID]confirmedUser),
		pendingChildren: make(map[ForkID]*UserRRef),
		changed:         make(chan struct{}),
	}, nil
}

// WorkerID returns the local worker id.
func (c *Context) WorkerID() WorkerID { return c.worker.ID }

// WorkerName returns the local worker name.
func (c *Context) WorkerName() string { return c.worker.Name }

// GenGloballyUniqueID returns an id never returned before in this
// process, tagged with the local worker id.
func (c *Context) GenGloballyUniqueID() GloballyUniqueID {
	return GloballyUniqueID{CreatedOn: c.worker.ID, LocalID: nextLocalID.Add(1)}
}

// notifyChangedLocked wakes drain waiters. Must be called with c.mu
// held.
func (c *Context) notifyChangedLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// CreateOwnerRRef creates and registers an owner for a fresh RRefID.
// The value is pending until FulfillOwner or FailOwner.
func (c *Context) CreateOwnerRRef(typeName TypeName) *OwnerRRef {
	owner := newOwnerRRef(c.worker.ID, RRefID{c.GenGloballyUniqueID()}, typeName)
	c.mu.Lock()
	c.owners[owner.rrefID] = owner
	c.mu.Unlock()
	return owner
}

// GetOrCreateOwnerRRef returns the owner registered for rrefID,
// creating it if this is the first time the worker hears of it. The
// first declared type wins; a later request with another type fails
// with ErrTypeMismatch. Creating the owner resolves any future handed
// out earlier by GetOwnerRRef.
func (c *Context) GetOrCreateOwnerRRef(rrefID RRefID, typeName TypeName) (*OwnerRRef, error) {
	c.mu.Lock()
	if existing, ok := c.owners[rrefID]; ok {
		c.mu.Unlock()
		if existing.typeName != typeName {
			return nil, fmt.Errorf("%w: rref %s is %q, requested as %q",
				ErrTypeMismatch, rrefID, existing.typeName, typeName)
		}
		return existing, nil
	}

	owner := newOwnerRRef(c.worker.ID, rrefID, typeName)
	c.owners[rrefID] = owner
	pending := c.pendingOwners[rrefID]
	delete(c.pendingOwners, rrefID)
	c.mu.Unlock()

	if pending != nil {
		pending.Complete(owner)
	}
	return owner, nil
}

// GetOwnerRRef returns a future for the owner of rrefID. If the owner
// already exists the future is complete; otherwise every caller for the
// same id shares one future, completed by GetOrCreateOwnerRRef.
func (c *Context) GetOwnerRRef(rrefID RRefID) *Future[*OwnerRRef] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return FailedFuture[*OwnerRRef](ErrDestroyed)
	}
	if owner, ok := c.owners[rrefID]; ok {
		return CompletedFuture(owner)
	}
	if pending, ok := c.pendingOwners[rrefID]; ok {
		return pending
	}
	pending := NewFuture[*OwnerRRef]()
	c.pendingOwners[rrefID] = pending
	return pending
}

// FulfillOwner sets the value of a pending owner. If every fork of the
// owner was deleted while the value was pending, the owner is
// deregistered now and returned so the caller can release the payload.
func (c *Context) FulfillOwner(rrefID RRefID, value any) (*OwnerRRef, error) {
	return c.materialize(rrefID, func(future *Future[any]) bool {
		return future.Complete(value)
	})
}

// FailOwner records that the value of a pending owner could not be
// produced. Fetch waiters receive err. Deregistration follows the same
// rule as FulfillOwner.
func (c *Context) FailOwner(rrefID RRefID, err error) (*OwnerRRef, error) {
	return c.materialize(rrefID, func(future *Future[any]) bool {
		return future.Fail(err)
	})
}

func (c *Context) materialize(rrefID RRefID, set func(*Future[any]) bool) (*OwnerRRef, error) {
	c.mu.Lock()
	owner, ok := c.owners[rrefID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, rrefID)
	}
	if !set(owner.value) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMaterialized, rrefID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !owner.orphaned || c.owners[rrefID] != owner || len(c.forks[rrefID]) > 0 {
		return nil, nil
	}
	delete(c.owners, rrefID)
	c.notifyChangedLocked()
	c.logger.Debug("deregistered orphaned owner on materialization", "rref_id", rrefID)
	return owner, nil
}

// AddSelfAsFork registers the owner's own id as one of its forks. A
// worker calling itself through the transport uses this to keep the
// owner registered until the round trip completes; the round trip ends
// with DelForkOfOwner(owner.RRefID(), ForkID{owner.RRefID().GloballyUniqueID}).
func (c *Context) AddSelfAsFork(owner *OwnerRRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[owner.rrefID] = owner
	return c.addForkLocked(owner.rrefID, selfForkID(owner.rrefID), false)
}

// AddForkOfOwner registers forkID as a live fork of rrefID. Registering
// the same fork twice fails with ErrDuplicateFork.
func (c *Context) AddForkOfOwner(rrefID RRefID, forkID ForkID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addForkLocked(rrefID, forkID, false)
}

// AddForkOfOwnerIfNotPresent is AddForkOfOwner for message kinds the
// transport may deliver more than once: a repeat is a no-op.
func (c *Context) AddForkOfOwnerIfNotPresent(rrefID RRefID, forkID ForkID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.addForkLocked(rrefID, forkID, true)
}

func (c *Context) addForkLocked(rrefID RRefID, forkID ForkID, idempotent bool) error {
	set, ok := c.forks[rrefID]
	if !ok {
		set = make(map[ForkID]struct{})
		c.forks[rrefID] = set
	}
	if _, exists := set[forkID]; exists {
		if idempotent {
			return nil
		}
		return fmt.Errorf("%w: fork %s of rref %s registered twice", ErrDuplicateFork, forkID, rrefID)
	}
	set[forkID] = struct{}{}
	if owner, ok := c.owners[rrefID]; ok {
		owner.orphaned = false
	}
	return nil
}

// DelForkOfOwner removes forkID from the forks of rrefID. When that
// leaves no forks and the value is not pending, the owner is removed in
// the same critical section and returned; the caller releases its
// payload. Otherwise it returns nil. Unknown ids are tolerated: a retried
// delete may arrive after the first one already took effect.
func (c *Context) DelForkOfOwner(rrefID RRefID, forkID ForkID) *OwnerRRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.forks[rrefID]
	if !ok {
		c.logger.Debug("delete for unknown owner, likely a retried message",
			"rref_id", rrefID, "fork_id", forkID)
		return nil
	}
	if _, exists := set[forkID]; exists {
		delete(set, forkID)
	} else {
		c.logger.Debug("delete for unknown fork, likely a retried message",
			"rref_id", rrefID, "fork_id", forkID)
	}
	if len(set) > 0 {
		return nil
	}

	delete(c.forks, rrefID)
	owner, ok := c.owners[rrefID]
	if !ok {
		return nil
	}
	if owner.Pending() {
		owner.orphaned = true
		return nil
	}
	delete(c.owners, rrefID)
	c.notifyChangedLocked()
	return owner
}

// Debug info keys.
const (
	DebugNumOwnerRRefs      = "num_owner_rrefs"
	DebugNumPendingFutures  = "num_pending_futures"
	DebugNumPendingUsers    = "num_pending_users"
	DebugNumForks           = "num_forks"
	DebugNumConfirmedUsers  = "num_confirmed_users"
	DebugNumPendingChildren = "num_pending_children"
)

// DebugInfo returns a snapshot of table sizes, for observability only.
func (c *Context) DebugInfo() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	numForks := 0
	for _, set := range c.forks {
		numForks += len(set)
	}
	return map[string]int{
		DebugNumOwnerRRefs:      len(c.owners),
		DebugNumPendingFutures:  len(c.pendingOwners),
		DebugNumPendingUsers:    len(c.pendingUsers),
		DebugNumForks:           numForks,
		DebugNumConfirmedUsers:  len(c.confirmedUsers),
		DebugNumPendingChildren: len(c.pendingChildren),
	}
}
