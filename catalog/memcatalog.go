package catalog

import (
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring"
	g "github.com/anacrolix/generics"

	"github.com/anacrolix/chunksched/types"
)

var errInvalidPiece = errors.New("catalog: have-set names a piece index out of range")

// EndgameThreshold is the fraction of pieces that must be fetched before
// IsEndgame starts returning true, mirroring common client heuristics for
// triggering the endgame tail-acceleration phase.
const EndgameThreshold = 0.9

type pieceRecord struct {
	length  int64
	state   PieceState
	missing int
}

type torrentRecord struct {
	pieces  []pieceRecord
	chunked roaring.Bitmap
	fetched roaring.Bitmap
	endgame bool // forced on by SetEndgame
}

// MemCatalog is an in-memory reference Catalog implementation, grounded on
// torrent-piece-request-order.go's roaring-bitmap-backed piece bookkeeping
// (chunked/fetched/pending pieces tracked as bitmaps rather than scanned
// linearly).
type MemCatalog struct {
	mu       sync.Mutex
	torrents map[types.TorrentID]*torrentRecord
}

// NewMemCatalog returns an empty in-memory catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{torrents: make(map[types.TorrentID]*torrentRecord)}
}

// AddTorrent registers a torrent with per-piece lengths. It is the memory
// catalog's equivalent of loading torrent metadata, out of scope for the
// scheduler itself (§1) but required to drive it in tests.
func (c *MemCatalog) AddTorrent(t types.TorrentID, pieceLengths []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := &torrentRecord{pieces: make([]pieceRecord, len(pieceLengths))}
	for i, l := range pieceLengths {
		rec.pieces[i] = pieceRecord{length: l}
	}
	c.torrents[t] = rec
}

func (c *MemCatalog) rec(t types.TorrentID) *torrentRecord {
	r, ok := c.torrents[t]
	if !ok {
		panic("catalog: unknown torrent")
	}
	return r
}

func (c *MemCatalog) NumPieces(t types.TorrentID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rec(t).pieces)
}

func (c *MemCatalog) PieceLength(t types.TorrentID, p types.PieceIndex) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec(t).pieces[p].length
}

func (c *MemCatalog) ChunkifyPiece(t types.TorrentID, p types.PieceIndex) []types.BlockLocator {
	c.mu.Lock()
	length := c.rec(t).pieces[p].length
	c.mu.Unlock()
	return types.ChunkifyPiece(length)
}

func (c *MemCatalog) MarkChunked(t types.TorrentID, p types.PieceIndex, blockCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec(t)
	rec.pieces[p].state = Chunked
	rec.pieces[p].missing = blockCount
	rec.chunked.Add(uint32(p))
}

func (c *MemCatalog) ChunkedPieces(t types.TorrentID) []types.PieceIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec(t)
	out := make([]types.PieceIndex, 0, rec.chunked.GetCardinality())
	it := rec.chunked.Iterator()
	for it.HasNext() {
		out = append(out, types.PieceIndex(it.Next()))
	}
	return out
}

func (c *MemCatalog) IsFetched(t types.TorrentID, p types.PieceIndex) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec(t).fetched.Contains(uint32(p))
}

func (c *MemCatalog) IsEndgame(t types.TorrentID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec(t)
	if rec.endgame {
		return true
	}
	if len(rec.pieces) == 0 {
		return false
	}
	return float64(rec.fetched.GetCardinality())/float64(len(rec.pieces)) >= EndgameThreshold
}

// SetEndgame is a test hook that forces IsEndgame to report true (or, with
// endgame false, stops forcing it) without simulating a near-complete
// download. No piece's fetched state is changed.
func (c *MemCatalog) SetEndgame(t types.TorrentID, endgame bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rec(t).endgame = endgame
}

func (c *MemCatalog) CheckInterest(t types.TorrentID, have []types.PieceIndex) (Interest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec(t)
	n := len(rec.pieces)
	pending := make([]types.PieceIndex, 0, len(have))
	for _, p := range have {
		if int(p) < 0 || int(p) >= n {
			return Interest{InvalidPiece: true}, errInvalidPiece
		}
		if !rec.fetched.Contains(uint32(p)) {
			pending = append(pending, p)
		}
	}
	if len(pending) == 0 {
		return Interest{NotInterested: true}, nil
	}
	return Interest{Pruned: g.Some(pending)}, nil
}

func (c *MemCatalog) FindNew(t types.TorrentID, have []types.PieceIndex) (PieceDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec(t)
	for _, p := range have {
		if int(p) < 0 || int(p) >= len(rec.pieces) {
			continue
		}
		pr := &rec.pieces[p]
		if pr.state == Unchunked {
			return PieceDescriptor{Index: p, Length: pr.length}, false
		}
	}
	return PieceDescriptor{}, true
}

func (c *MemCatalog) DecreaseMissingChunks(t types.TorrentID, p types.PieceIndex) DecreaseResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec(t)
	pr := &rec.pieces[p]
	if pr.missing <= 0 {
		return DecreaseResult{MissingAfter: 0}
	}
	pr.missing--
	if pr.missing == 0 {
		rec.fetched.Add(uint32(p))
		rec.chunked.Remove(uint32(p))
		pr.state = Fetched
		return DecreaseResult{MissingAfter: 0, Completed: true}
	}
	return DecreaseResult{MissingAfter: pr.missing}
}

// ResetPiece reverts a piece to Unchunked, used when the verifier reports a
// bad hash (§4.4/§7): the catalog re-announces the piece and the scheduler
// re-chunks it naturally on the next pick.
func (c *MemCatalog) ResetPiece(t types.TorrentID, p types.PieceIndex) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec(t)
	rec.pieces[p].state = Unchunked
	rec.pieces[p].missing = 0
	rec.chunked.Remove(uint32(p))
	rec.fetched.Remove(uint32(p))
}

var _ Catalog = (*MemCatalog)(nil)
