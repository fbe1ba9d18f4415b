package sink

import (
	"context"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anacrolix/chunksched/types"
)

// fillBytes returns a length-n slice whose bytes are a function of their
// offset, so block-boundary mistakes in reassembly show up as content
// mismatches rather than passing by coincidence.
func fillBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func testChunkSinkRoundTrip(t *testing.T, s ChunkSink, ensure func() error) {
	c := qt.New(t)
	ctx := context.Background()
	if ensure != nil {
		c.Assert(ensure(), qt.IsNil)
	}

	// A piece just over one BlockSize so types.ChunkifyPiece splits it into
	// exactly the two blocks this test writes, keeping ReadPiece's internal
	// chunking in lockstep with what was actually written.
	pieceLength := int64(types.BlockSize) + 100
	locators := types.ChunkifyPiece(pieceLength)
	c.Assert(locators, qt.HasLen, 2)

	data0 := fillBytes(int(locators[0].Length), 1)
	data1 := fillBytes(int(locators[1].Length), 200)
	c.Assert(s.WriteChunk(ctx, 1, 0, locators[0].Offset, data0), qt.IsNil)
	c.Assert(s.WriteChunk(ctx, 1, 0, locators[1].Offset, data1), qt.IsNil)

	// Idempotent rewrite.
	c.Assert(s.WriteChunk(ctx, 1, 0, locators[0].Offset, data0), qt.IsNil)

	got, err := s.ReadChunk(ctx, 1, 0, locators[0].Offset, locators[0].Length)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, data0)

	piece, err := s.ReadPiece(ctx, 1, 0, pieceLength)
	c.Assert(err, qt.IsNil)
	c.Assert(piece, qt.DeepEquals, append(append([]byte{}, data0...), data1...))
}

func TestMemSinkRoundTrip(t *testing.T) {
	testChunkSinkRoundTrip(t, NewMemSink(), nil)
}

func TestMemSinkRejectsNonIdempotentRewrite(t *testing.T) {
	c := qt.New(t)
	s := NewMemSink()
	ctx := context.Background()
	c.Assert(s.WriteChunk(ctx, 1, 0, 0, []byte("aaaa")), qt.IsNil)
	err := s.WriteChunk(ctx, 1, 0, 0, []byte("bbbb"))
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestBoltSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBoltSink(filepath.Join(dir, "chunks.bolt"))
	qt.New(t).Assert(err, qt.IsNil)
	defer s.Close()
	testChunkSinkRoundTrip(t, s, nil)
}

func TestMMapSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewMMapSink(dir)
	defer s.Close()
	testChunkSinkRoundTrip(t, s, func() error {
		return s.EnsureTorrent(1, []int64{int64(types.BlockSize) + 100})
	})
}
