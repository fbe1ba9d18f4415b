package blockindex

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/anacrolix/chunksched/types"
)

func TestChunkifyAndSelect(t *testing.T) {
	c := qt.New(t)
	ix := New[string]()

	locs := ix.Chunkify(1, 0, 32768)
	c.Assert(locs, qt.HasLen, 2)
	c.Assert(ix.HasNotFetched(1, 0), qt.IsTrue)
	want := []types.BlockLocator{
		{Offset: 0, Length: 16384},
		{Offset: 16384, Length: 16384},
	}
	if diff := cmp.Diff(want, ix.NotFetchedBlocks(1, 0)); diff != "" {
		t.Errorf("not_fetched blocks mismatch (-want +got):\n%s", diff)
	}

	moved, ok := ix.SelectByPiece(1, 0, "peerA", 10)
	c.Assert(ok, qt.IsTrue)
	c.Assert(moved, qt.HasLen, 2)
	c.Assert(ix.HasNotFetched(1, 0), qt.IsFalse)
	c.Assert(ix.AssignedCount(1, 0), qt.Equals, 2)

	_, ok = ix.SelectByPiece(1, 0, "peerB", 10)
	c.Assert(ok, qt.IsFalse)
}

func TestReleasePeerRestoresNotFetched(t *testing.T) {
	c := qt.New(t)
	ix := New[string]()
	ix.Chunkify(1, 0, 32768)
	before := ix.TotalNotFetched()
	moved, _ := ix.SelectByPiece(1, 0, "peerA", 10)
	c.Assert(ix.AssignedCount(1, 0), qt.Equals, len(moved))

	released := ix.ReleasePeer("peerA")
	c.Assert(released, qt.HasLen, len(moved))
	c.Assert(ix.AssignedCount(1, 0), qt.Equals, 0)
	c.Assert(ix.TotalNotFetched(), qt.Equals, before)
}

func TestMarkFetchedIfAbsentAndRemoveAssigned(t *testing.T) {
	c := qt.New(t)
	ix := New[string]()
	ix.Chunkify(1, 0, 32768)
	ix.SelectByPiece(1, 0, "peerA", 10)

	first := ix.MarkFetchedIfAbsent(1, 0, 0)
	c.Assert(first, qt.IsTrue)
	dup := ix.MarkFetchedIfAbsent(1, 0, 0)
	c.Assert(dup, qt.IsFalse)

	ix.RemoveAssignedAny(1, 0, 0)
	c.Assert(ix.AssignedCount(1, 0), qt.Equals, 1)

	ix.RemoveAllPieceEntries(1, 0)
	c.Assert(ix.Len(), qt.Equals, 0)
}

func TestPurgeTorrent(t *testing.T) {
	c := qt.New(t)
	ix := New[string]()
	ix.Chunkify(1, 0, 16384)
	ix.Chunkify(1, 1, 16384)
	ix.SelectByPiece(1, 1, "peerA", 10)
	c.Assert(ix.Len(), qt.Equals, 2)

	ix.PurgeTorrent(1)
	c.Assert(ix.Len(), qt.Equals, 0)
	c.Assert(ix.ReleasePeer("peerA"), qt.HasLen, 0)
}

func TestEndgameRelease(t *testing.T) {
	c := qt.New(t)
	ix := New[string]()
	ix.Chunkify(1, 0, 16384)
	ix.SelectByPiece(1, 0, "peerA", 10)

	ok := ix.RemoveAssignedForPeer(1, 0, 0, "peerB")
	c.Assert(ok, qt.IsFalse)

	ok = ix.RemoveAssignedForPeer(1, 0, 0, "peerA")
	c.Assert(ok, qt.IsTrue)
	c.Assert(ix.AssignedCount(1, 0), qt.Equals, 0)
}

func TestGatherEndgameCandidates(t *testing.T) {
	c := qt.New(t)
	ix := New[string]()
	ix.Chunkify(1, 0, 49152) // 3 blocks
	ix.SelectByPiece(1, 0, "peerA", 1)
	ix.TakeNotFetched(1, 0, 16384)
	ix.MarkFetchedIfAbsent(1, 0, 16384)

	cands := ix.GatherEndgameCandidates(1, []types.PieceIndex{0})
	// offset 0 assigned, offset 32768 not_fetched; offset 16384 fetched (excluded).
	c.Assert(cands, qt.HasLen, 2)
}
