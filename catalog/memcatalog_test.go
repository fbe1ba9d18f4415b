package catalog

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anacrolix/chunksched/types"
)

func TestMemCatalogLifecycle(t *testing.T) {
	c := qt.New(t)
	cat := NewMemCatalog()
	cat.AddTorrent(1, []int64{32768})

	interest, err := cat.CheckInterest(1, []types.PieceIndex{0})
	c.Assert(err, qt.IsNil)
	c.Assert(interest.NotInterested, qt.IsFalse)
	c.Assert(interest.Pruned.Ok, qt.IsTrue)

	desc, absent := cat.FindNew(1, []types.PieceIndex{0})
	c.Assert(absent, qt.IsFalse)
	c.Assert(desc.Length, qt.Equals, int64(32768))

	blocks := cat.ChunkifyPiece(1, 0)
	cat.MarkChunked(1, 0, len(blocks))
	c.Assert(cat.ChunkedPieces(1), qt.DeepEquals, []types.PieceIndex{0})

	res := cat.DecreaseMissingChunks(1, 0)
	c.Assert(res.Completed, qt.IsFalse)
	res = cat.DecreaseMissingChunks(1, 0)
	c.Assert(res.Completed, qt.IsTrue)
	c.Assert(cat.IsFetched(1, 0), qt.IsTrue)

	interest, err = cat.CheckInterest(1, []types.PieceIndex{0})
	c.Assert(err, qt.IsNil)
	c.Assert(interest.NotInterested, qt.IsTrue)
}

func TestMemCatalogInvalidPiece(t *testing.T) {
	c := qt.New(t)
	cat := NewMemCatalog()
	cat.AddTorrent(1, []int64{16384})

	_, err := cat.CheckInterest(1, []types.PieceIndex{5})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestMemCatalogResetOnBadHash(t *testing.T) {
	c := qt.New(t)
	cat := NewMemCatalog()
	cat.AddTorrent(1, []int64{16384})
	cat.MarkChunked(1, 0, 1)
	cat.DecreaseMissingChunks(1, 0)
	c.Assert(cat.IsFetched(1, 0), qt.IsTrue)

	cat.ResetPiece(1, 0)
	c.Assert(cat.IsFetched(1, 0), qt.IsFalse)
	c.Assert(cat.ChunkedPieces(1), qt.HasLen, 0)
}
