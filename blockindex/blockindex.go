// Package blockindex implements the sole authority on which blocks of which
// pieces are reserved, fetched, or free. It is the "Block Index" component:
// an associative store keyed by (torrent, piece, block-state), generalizing
// the ordered-set-over-a-pluggable-tree shape request-strategy's piece
// ordering uses (ajwerner-btree.go) to block locators instead of whole
// pieces.
//
// Index is not safe for concurrent use. The Scheduler is its only caller and
// serializes every mutation through its actor lock; this mirrors the
// ownership rule in the design notes ("peer sessions never mutate it
// directly").
package blockindex

import (
	"sort"

	"github.com/ajwerner/btree"
	"github.com/anacrolix/multiless"
	tidwallbtree "github.com/tidwall/btree"

	"github.com/anacrolix/chunksched/types"
)

// PieceLocator pairs a piece index with a block locator, the shape returned
// by queries that range across pieces (endgame gathering, putback).
type PieceLocator struct {
	Piece types.PieceIndex
	types.BlockLocator
}

type assignment[P types.PeerID] struct {
	Peer   P
	Length int64
}

// pieceBucket holds the three disjoint sets of block state for one piece,
// per invariant 4 in the data model: notFetched ∪ assigned ∪ fetched equals
// the full chunking of the piece until it is finalized (and removed
// entirely).
type pieceBucket[P types.PeerID] struct {
	notFetched *tidwallbtree.Map[int64, types.BlockLocator]
	assigned   map[int64]assignment[P]
	fetched    map[int64]struct{}
}

func newPieceBucket[P types.PeerID]() *pieceBucket[P] {
	m := tidwallbtree.Map[int64, types.BlockLocator]{}
	return &pieceBucket[P]{
		notFetched: &m,
		assigned:   make(map[int64]assignment[P]),
		fetched:    make(map[int64]struct{}),
	}
}

func (b *pieceBucket[P]) empty() bool {
	return b.notFetched.Len() == 0 && len(b.assigned) == 0 && len(b.fetched) == 0
}

// peerLocator is the key used by the per-peer reverse index (query shape
// (d): match-iterate by (_, _, {assigned, peer})).
type peerLocator struct {
	Torrent types.TorrentID
	Piece   types.PieceIndex
	Offset  int64
}

// Index is the block index, generic over the opaque peer identity type the
// scheduler was constructed with.
type Index[P types.PeerID] struct {
	pieces map[types.TorrentID]map[types.PieceIndex]*pieceBucket[P]
	byPeer map[P]map[peerLocator]struct{}
}

// New returns an empty block index.
func New[P types.PeerID]() *Index[P] {
	return &Index[P]{
		pieces: make(map[types.TorrentID]map[types.PieceIndex]*pieceBucket[P]),
		byPeer: make(map[P]map[peerLocator]struct{}),
	}
}

func (ix *Index[P]) bucket(t types.TorrentID, p types.PieceIndex) *pieceBucket[P] {
	pm, ok := ix.pieces[t]
	if !ok {
		return nil
	}
	return pm[p]
}

func (ix *Index[P]) bucketOrCreate(t types.TorrentID, p types.PieceIndex) *pieceBucket[P] {
	pm, ok := ix.pieces[t]
	if !ok {
		pm = make(map[types.PieceIndex]*pieceBucket[P])
		ix.pieces[t] = pm
	}
	b, ok := pm[p]
	if !ok {
		b = newPieceBucket[P]()
		pm[p] = b
	}
	return b
}

// Chunkify materializes the blocks of a freshly-selected piece, all as
// not_fetched, per §4.1's fixed-16KiB chunking policy. It is a no-op (but
// still returns the locators) if the piece was already chunked.
func (ix *Index[P]) Chunkify(t types.TorrentID, p types.PieceIndex, length int64) []types.BlockLocator {
	locators := types.ChunkifyPiece(length)
	b := ix.bucketOrCreate(t, p)
	if !b.empty() {
		return locators
	}
	for _, l := range locators {
		b.notFetched.Set(l.Offset, l)
	}
	return locators
}

// HasNotFetched implements query shape (b): existence test for
// (torrent, piece, not_fetched).
func (ix *Index[P]) HasNotFetched(t types.TorrentID, p types.PieceIndex) bool {
	b := ix.bucket(t, p)
	return b != nil && b.notFetched.Len() > 0
}

// NotFetchedBlocks implements query shape (a): exact lookup by
// (torrent, piece, not_fetched), returned in ascending-offset order per the
// deterministic tie-break rule in §4.2.
func (ix *Index[P]) NotFetchedBlocks(t types.TorrentID, p types.PieceIndex) []types.BlockLocator {
	b := ix.bucket(t, p)
	if b == nil {
		return nil
	}
	out := make([]types.BlockLocator, 0, b.notFetched.Len())
	b.notFetched.Scan(func(_ int64, l types.BlockLocator) bool {
		out = append(out, l)
		return true
	})
	return out
}

// SelectByPiece is the atomic-reservation primitive used by pick_blocks step
// 4 and exposed directly as the scheduler's select_by_piece operation: it
// moves up to max not_fetched entries of the named piece to {assigned,
// peer} and returns them. ok is false ("already_taken") if the piece had no
// not_fetched entries at call time.
func (ix *Index[P]) SelectByPiece(t types.TorrentID, p types.PieceIndex, peer P, max int) (moved []types.BlockLocator, ok bool) {
	b := ix.bucket(t, p)
	if b == nil || b.notFetched.Len() == 0 {
		return nil, false
	}
	var offsets []int64
	b.notFetched.Scan(func(off int64, _ types.BlockLocator) bool {
		if len(offsets) >= max {
			return false
		}
		offsets = append(offsets, off)
		return true
	})
	moved = make([]types.BlockLocator, 0, len(offsets))
	for _, off := range offsets {
		l, _ := b.notFetched.Get(off)
		b.notFetched.Delete(off)
		b.assigned[off] = assignment[P]{Peer: peer, Length: l.Length}
		ix.indexAssigned(t, p, off, peer)
		moved = append(moved, l)
	}
	return moved, true
}

func (ix *Index[P]) indexAssigned(t types.TorrentID, p types.PieceIndex, off int64, peer P) {
	m, ok := ix.byPeer[peer]
	if !ok {
		m = make(map[peerLocator]struct{})
		ix.byPeer[peer] = m
	}
	m[peerLocator{Torrent: t, Piece: p, Offset: off}] = struct{}{}
}

func (ix *Index[P]) unindexAssigned(t types.TorrentID, p types.PieceIndex, off int64, peer P) {
	m, ok := ix.byPeer[peer]
	if !ok {
		return
	}
	delete(m, peerLocator{Torrent: t, Piece: p, Offset: off})
	if len(m) == 0 {
		delete(ix.byPeer, peer)
	}
}

// TakeNotFetched implements mark_fetched's "found" path: if a not_fetched
// entry exists at this locator it is removed and returned.
func (ix *Index[P]) TakeNotFetched(t types.TorrentID, p types.PieceIndex, offset int64) (types.BlockLocator, bool) {
	b := ix.bucket(t, p)
	if b == nil {
		return types.BlockLocator{}, false
	}
	l, ok := b.notFetched.Get(offset)
	if !ok {
		return types.BlockLocator{}, false
	}
	b.notFetched.Delete(offset)
	return l, true
}

// RemoveAssignedForPeer implements endgame_release: remove the single entry
// (torrent, piece, {assigned, peer}) at offset, if present.
func (ix *Index[P]) RemoveAssignedForPeer(t types.TorrentID, p types.PieceIndex, offset int64, peer P) bool {
	b := ix.bucket(t, p)
	if b == nil {
		return false
	}
	a, ok := b.assigned[offset]
	if !ok || a.Peer != peer {
		return false
	}
	delete(b.assigned, offset)
	ix.unindexAssigned(t, p, offset, peer)
	return true
}

// RemoveAssignedAny implements store_block step 3: delete any {assigned, *}
// entry for this locator regardless of which peer held it. Per the design
// notes, endgame can legitimately have the block assigned to a peer other
// than the one that stored it, so the wildcard is intentional.
func (ix *Index[P]) RemoveAssignedAny(t types.TorrentID, p types.PieceIndex, offset int64) {
	b := ix.bucket(t, p)
	if b == nil {
		return
	}
	a, ok := b.assigned[offset]
	if !ok {
		return
	}
	delete(b.assigned, offset)
	ix.unindexAssigned(t, p, offset, a.Peer)
}

// MarkFetchedIfAbsent inserts a fetched-status entry for offset if one
// doesn't already exist, returning true the first time. The caller
// (Scheduler.store_block) is responsible for also consulting the catalog's
// is_fetched state before calling this, per §4.2.
func (ix *Index[P]) MarkFetchedIfAbsent(t types.TorrentID, p types.PieceIndex, offset int64) (firstTime bool) {
	b := ix.bucketOrCreate(t, p)
	if _, ok := b.fetched[offset]; ok {
		return false
	}
	b.fetched[offset] = struct{}{}
	return true
}

// RemoveAllPieceEntries drops every block entry under (torrent, piece),
// called synchronously on piece finalization so later duplicate stores
// cannot re-trigger it (invariant 2).
func (ix *Index[P]) RemoveAllPieceEntries(t types.TorrentID, p types.PieceIndex) {
	b := ix.bucket(t, p)
	if b == nil {
		return
	}
	for off, a := range b.assigned {
		ix.unindexAssigned(t, p, off, a.Peer)
	}
	pm := ix.pieces[t]
	delete(pm, p)
	if len(pm) == 0 {
		delete(ix.pieces, t)
	}
}

// PurgeTorrent implements query shape (c): match-delete by (torrent, _, _),
// used when a torrent's owning session dies.
func (ix *Index[P]) PurgeTorrent(t types.TorrentID) {
	pm, ok := ix.pieces[t]
	if !ok {
		return
	}
	for p, b := range pm {
		for off, a := range b.assigned {
			ix.unindexAssigned(t, p, off, a.Peer)
		}
	}
	delete(ix.pieces, t)
}

// ReleasePeer implements query shape (d): converts every {assigned, peer}
// entry, across all torrents, back to not_fetched at the same locator, and
// returns the released locators. This is putback's core effect.
func (ix *Index[P]) ReleasePeer(peer P) []struct {
	Torrent types.TorrentID
	PieceLocator
} {
	locs, ok := ix.byPeer[peer]
	if !ok || len(locs) == 0 {
		return nil
	}
	keys := make([]peerLocator, 0, len(locs))
	for k := range locs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Torrent != keys[j].Torrent {
			return keys[i].Torrent < keys[j].Torrent
		}
		if keys[i].Piece != keys[j].Piece {
			return keys[i].Piece < keys[j].Piece
		}
		return keys[i].Offset < keys[j].Offset
	})
	out := make([]struct {
		Torrent types.TorrentID
		PieceLocator
	}, 0, len(keys))
	for _, k := range keys {
		b := ix.bucket(k.Torrent, k.Piece)
		if b == nil {
			continue
		}
		a, ok := b.assigned[k.Offset]
		if !ok || a.Peer != peer {
			continue
		}
		delete(b.assigned, k.Offset)
		l := types.BlockLocator{Offset: k.Offset, Length: a.Length}
		b.notFetched.Set(k.Offset, l)
		out = append(out, struct {
			Torrent types.TorrentID
			PieceLocator
		}{Torrent: k.Torrent, PieceLocator: PieceLocator{Piece: k.Piece, BlockLocator: l}})
	}
	delete(ix.byPeer, peer)
	return out
}

// AssignedCount returns how many blocks of the given piece are currently
// {assigned, _}, counting the assignments of every peer.
func (ix *Index[P]) AssignedCount(t types.TorrentID, p types.PieceIndex) int {
	b := ix.bucket(t, p)
	if b == nil {
		return 0
	}
	return len(b.assigned)
}

// AssignedPeers returns the peer holding the assignment for offset within
// (t, p), with ok false if the block is not assigned. The index records at
// most one assignment per offset, so there is never more than one peer.
func (ix *Index[P]) AssignedPeers(t types.TorrentID, p types.PieceIndex, offset int64) (peer P, ok bool) {
	b := ix.bucket(t, p)
	if b == nil {
		return peer, false
	}
	a, ok := b.assigned[offset]
	if !ok {
		return peer, false
	}
	return a.Peer, true
}

// GatherEndgameCandidates collects every block currently not_fetched or
// assigned whose piece is in pieces, in deterministic (piece, offset) order
// (the scheduler shuffles this collection itself; ordering here exists so
// the pre-shuffle enumeration is stable for a given index state, per the
// ajwerner-btree ordered-scan idiom this package is grounded on). The tie
// -break comparator is built with multiless, the same multi-key comparison
// helper peer.go uses for piece request ordering (requestablePiecePriorities
// ordering).
func (ix *Index[P]) GatherEndgameCandidates(t types.TorrentID, pieces []types.PieceIndex) []PieceLocator {
	var candidates btree.Set[PieceLocator]
	tree := btree.MakeSet(func(a, b PieceLocator) int {
		return multiless.New().Int(int(a.Piece), int(b.Piece)).Int64(a.Offset, b.Offset).OrderingInt()
	})
	candidates = tree
	for _, p := range pieces {
		b := ix.bucket(t, p)
		if b == nil {
			continue
		}
		b.notFetched.Scan(func(off int64, l types.BlockLocator) bool {
			candidates.Upsert(PieceLocator{Piece: p, BlockLocator: l})
			return true
		})
		for off, a := range b.assigned {
			candidates.Upsert(PieceLocator{Piece: p, BlockLocator: types.BlockLocator{Offset: off, Length: a.Length}})
		}
	}
	var out []PieceLocator
	it := candidates.Iterator()
	for it.First(); it.Valid(); it.Next() {
		out = append(out, it.Cur())
	}
	return out
}

// Len reports the total number of block entries across all status, for
// test assertions.
func (ix *Index[P]) Len() int {
	n := 0
	for _, pm := range ix.pieces {
		for _, b := range pm {
			n += b.notFetched.Len() + len(b.assigned) + len(b.fetched)
		}
	}
	return n
}

// CountNotFetched returns the total not_fetched block count for a piece.
func (ix *Index[P]) CountNotFetched(t types.TorrentID, p types.PieceIndex) int {
	b := ix.bucket(t, p)
	if b == nil {
		return 0
	}
	return b.notFetched.Len()
}

// TotalNotFetched sums not_fetched counts across the whole index.
func (ix *Index[P]) TotalNotFetched() int {
	n := 0
	for _, pm := range ix.pieces {
		for _, b := range pm {
			n += b.notFetched.Len()
		}
	}
	return n
}

// TorrentCounts sums not_fetched, assigned, and fetched block entries across
// every piece currently chunked for a torrent, feeding Scheduler.Status's
// introspection counters. A piece that has finalized no longer appears here
// at all, since RemoveAllPieceEntries drops it entirely.
func (ix *Index[P]) TorrentCounts(t types.TorrentID) (notFetched, assigned, fetched int) {
	for _, b := range ix.pieces[t] {
		notFetched += b.notFetched.Len()
		assigned += len(b.assigned)
		fetched += len(b.fetched)
	}
	return notFetched, assigned, fetched
}
