package liveness

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anacrolix/chunksched/types"
)

func TestOwnerDeathFiresOnce(t *testing.T) {
	c := qt.New(t)
	var fired int
	tr := New[string](func(types.TorrentID) { fired++ }, func(string) {})

	owner := new(int)
	tr.RegisterOwner(owner, 7)
	tr.NotifyOwnerDead(owner)
	tr.NotifyOwnerDead(owner)
	tr.NotifyDead(owner)
	c.Assert(fired, qt.Equals, 1)
}

func TestPeerDeathFiresOnceAndUnregisters(t *testing.T) {
	c := qt.New(t)
	var dead []string
	tr := New[string](func(types.TorrentID) {}, func(p string) { dead = append(dead, p) })

	tr.RegisterPeer("peerA")
	c.Assert(tr.IsMonitoredPeer("peerA"), qt.IsTrue)

	tr.NotifyPeerDead("peerA")
	tr.NotifyPeerDead("peerA")
	c.Assert(dead, qt.DeepEquals, []string{"peerA"})
	c.Assert(tr.IsMonitoredPeer("peerA"), qt.IsFalse)
}

func TestNotifyDeadClassifiesOwnerBeforePeer(t *testing.T) {
	c := qt.New(t)
	var ownerDead, peerDead bool
	tr := New[int](func(types.TorrentID) { ownerDead = true }, func(int) { peerDead = true })

	// An int identity that is registered as both an owner key and a peer
	// key resolves to the owner callback, since owners are checked first.
	tr.RegisterOwner(99, 1)
	tr.RegisterPeer(99)
	tr.NotifyDead(99)
	c.Assert(ownerDead, qt.IsTrue)
	c.Assert(peerDead, qt.IsFalse)
}

func TestNotifyDeadUnregisteredIsNoop(t *testing.T) {
	c := qt.New(t)
	tr := New[string](func(types.TorrentID) { t.Fatal("should not fire") }, func(string) { t.Fatal("should not fire") })
	tr.NotifyDead("nobody")
	tr.NotifyDead(123)
	c.Assert(true, qt.IsTrue)
}
