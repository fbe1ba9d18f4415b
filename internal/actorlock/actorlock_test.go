package actorlock

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestDeferRunsAfterUnlock(t *testing.T) {
	c := qt.New(t)
	var l Lock
	var ran bool

	l.Lock()
	l.Defer(func() { ran = true })
	c.Assert(ran, qt.IsFalse)
	l.Unlock()
	c.Assert(ran, qt.IsTrue)
}

func TestDeferOnceCollapsesSameKeyWithinATurn(t *testing.T) {
	c := qt.New(t)
	var l Lock
	count := 0

	l.Lock()
	l.DeferOnce("k", func() { count++ })
	l.DeferOnce("k", func() { count++ })
	l.DeferOnce("other", func() { count++ })
	l.Unlock()
	c.Assert(count, qt.Equals, 2)

	// A new turn is free to fire the same key again.
	l.Lock()
	l.DeferOnce("k", func() { count++ })
	l.Unlock()
	c.Assert(count, qt.Equals, 3)
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	c := qt.New(t)
	var l Lock
	defer func() {
		r := recover()
		c.Assert(r, qt.Not(qt.IsNil))
	}()
	l.Unlock()
}
