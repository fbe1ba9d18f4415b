// Package liveness implements the Peer Liveness Tracker: it watches two
// disjoint populations, torrent owners and peer workers, and classifies a
// death notification deterministically because the two populations are
// tracked in separate structures (§4.3).
//
// The tracker never imports the scheduler. It is handed two callbacks at
// construction and invokes them on death, the "one-way subscription"
// pattern the design notes call for to avoid peer↔scheduler back-pointers
// (grounded on peer.go's chansync.SetOnce-based Peer.closed signal, which
// peers close exactly once without the watcher holding a Peer pointer
// back: see cn.closed.Set()/IsSet() in peer.go). Each registered
// identity gets its own SetOnce here too, so a death notification racing
// with itself (two goroutines both observing the same disconnect) still
// fires its callback exactly once.
package liveness

import (
	"sync"

	"github.com/anacrolix/chansync"

	"github.com/anacrolix/chunksched/types"
)

type ownerEntry struct {
	torrent types.TorrentID
	dead    chansync.SetOnce
}

type peerEntry struct {
	dead chansync.SetOnce
}

// Tracker watches torrent owners (registered via RegisterOwner) and peer
// workers (registered via RegisterPeer, implicitly on a peer's first
// successful reservation), generic over the caller's opaque peer identity.
type Tracker[P types.PeerID] struct {
	onOwnerDead func(types.TorrentID)
	onPeerDead  func(P)

	mu     sync.Mutex
	owners map[any]*ownerEntry // owner identity -> the torrent it owns
	peers  map[P]*peerEntry
}

// New returns a Tracker that invokes onOwnerDead when a registered
// torrent-owner identity dies, and onPeerDead when a registered peer
// identity dies.
func New[P types.PeerID](onOwnerDead func(types.TorrentID), onPeerDead func(P)) *Tracker[P] {
	return &Tracker[P]{
		onOwnerDead: onOwnerDead,
		onPeerDead:  onPeerDead,
		owners:      make(map[any]*ownerEntry),
		peers:       make(map[P]*peerEntry),
	}
}

// RegisterOwner records owner as the owning identity of torrent t. It is
// idempotent for the same owner, per register_torrent's contract.
func (tr *Tracker[P]) RegisterOwner(owner any, t types.TorrentID) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.owners[owner]; ok {
		return
	}
	tr.owners[owner] = &ownerEntry{torrent: t}
}

// RegisterPeer adds peer to the monitored-peer set. Called on a peer's
// first successful pick_blocks, per the data model's Monitored-peer set
// lifecycle. A peer whose death was already reported is registered afresh,
// so a later death of the rejoined session fires onPeerDead again.
func (tr *Tracker[P]) RegisterPeer(peer P) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if e, ok := tr.peers[peer]; ok && !e.dead.IsSet() {
		return
	}
	tr.peers[peer] = &peerEntry{}
}

// IsMonitoredPeer reports whether peer is currently being watched,
// supporting invariant 3 ("if P does not appear in the monitored-peer set,
// no block entry has status {assigned, P}").
func (tr *Tracker[P]) IsMonitoredPeer(peer P) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e, ok := tr.peers[peer]
	return ok && !e.dead.IsSet()
}

// NotifyDead classifies a dead identity and fires the matching callback.
// If the identity is a registered torrent owner, onOwnerDead runs.
// Otherwise, if it can be asserted to P, it's assumed to be a peer worker
// and onPeerDead runs. An identity that is neither (never registered) is a
// silent no-op.
func (tr *Tracker[P]) NotifyDead(identity any) {
	tr.mu.Lock()
	if e, ok := tr.owners[identity]; ok {
		t := e.torrent
		tr.mu.Unlock()
		tr.fireOwnerDead(e, t)
		return
	}
	peer, ok := identity.(P)
	if !ok {
		tr.mu.Unlock()
		return
	}
	e, ok := tr.peers[peer]
	tr.mu.Unlock()
	if !ok {
		return
	}
	tr.firePeerDead(e, peer)
}

// NotifyPeerDead is a typed convenience over NotifyDead for callers that
// already know they're reporting a peer worker's death (the common case:
// a peer session's own teardown path).
func (tr *Tracker[P]) NotifyPeerDead(peer P) {
	tr.mu.Lock()
	e, ok := tr.peers[peer]
	tr.mu.Unlock()
	if !ok {
		return
	}
	tr.firePeerDead(e, peer)
}

// NotifyOwnerDead is the typed convenience for a torrent owner's teardown.
func (tr *Tracker[P]) NotifyOwnerDead(owner any) {
	tr.mu.Lock()
	e, ok := tr.owners[owner]
	if !ok {
		tr.mu.Unlock()
		return
	}
	t := e.torrent
	tr.mu.Unlock()
	tr.fireOwnerDead(e, t)
}

// fireOwnerDead runs onOwnerDead at most once per owner entry, regardless
// of how many goroutines race to report the same death (e.Set() mirrors
// cn.closed.Set()'s guard in peer.go's close path).
func (tr *Tracker[P]) fireOwnerDead(e *ownerEntry, t types.TorrentID) {
	if !e.dead.Set() {
		return
	}
	tr.onOwnerDead(t)
}

func (tr *Tracker[P]) firePeerDead(e *peerEntry, peer P) {
	if !e.dead.Set() {
		return
	}
	tr.onPeerDead(peer)
}
