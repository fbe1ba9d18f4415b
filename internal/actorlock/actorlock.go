// Package actorlock provides the mutex the Scheduler uses to make itself a
// single serialized actor (§5): "all of its request-reply and fire-and-
// forget operations execute one at a time against the block index... the
// actor is the linearization point." It is adapted from deferrwl.go's
// lockWithDeferreds, generalized from a client-wide lock
// guarding a whole BitTorrent client to a lock guarding one Scheduler's
// state, with the same "deferred unlock action" mechanism repurposed here
// to dispatch piece verification off the critical section (§4.4).
package actorlock

import (
	"fmt"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/panicif"
	xsync "github.com/anacrolix/sync"
)

// Lock wraps a mutex and runs deferred actions on Unlock, so that a
// scheduler turn can queue expensive or reentrant work (dispatching the
// verifier, notifying liveness subscribers) without running it while the
// block index is still locked.
type Lock struct {
	internal      xsync.Mutex
	unlockActions []func()
	uniqueActions map[any]struct{}
	allowDefers   bool
}

// Lock acquires the mutex, blocking until it is free. allowDefers is set
// only after acquisition; a goroutine that calls Lock reentrantly blocks
// forever rather than panicking, the same contract as the mutex it wraps,
// since the single-actor model never issues a reentrant call in the first
// place.
func (l *Lock) Lock() {
	l.internal.Lock()
	panicif.True(l.allowDefers)
	l.allowDefers = true
}

// Unlock runs queued deferred actions and releases the mutex.
func (l *Lock) Unlock() {
	panicif.False(l.allowDefers)
	l.allowDefers = false
	l.runUnlockActions()
	l.internal.Unlock()
}

// Defer schedules an action to run when Unlock is called, after the turn
// that scheduled it has otherwise completed.
func (l *Lock) Defer(action func()) {
	panicif.False(l.allowDefers)
	l.unlockActions = append(l.unlockActions, action)
}

// DeferOnce schedules action under key, collapsing any further DeferOnce
// calls with the same key within this turn into a no-op. This is how
// piece finalization guarantees "the verifier is invoked exactly once"
// (property 3, §8) even if store_block somehow observed the 1→0
// transition more than once before Unlock runs.
func (l *Lock) DeferOnce(key any, action func()) {
	panicif.False(l.allowDefers)
	g.MakeMapIfNil(&l.uniqueActions)
	if g.MapContains(l.uniqueActions, key) {
		return
	}
	l.uniqueActions[key] = struct{}{}
	l.Defer(action)
}

func (l *Lock) runUnlockActions() {
	startLen := len(l.unlockActions)
	for i := 0; i < len(l.unlockActions); i++ {
		l.unlockActions[i]()
	}
	if startLen != len(l.unlockActions) {
		panic(fmt.Sprintf("actorlock: deferred action queued more work mid-flush: %v -> %v", startLen, len(l.unlockActions)))
	}
	l.unlockActions = l.unlockActions[:0]
	l.uniqueActions = nil
}
