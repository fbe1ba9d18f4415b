// Package catalog specifies the Piece Catalog collaborator the scheduler
// consults: per-torrent piece counts and lengths, which pieces are already
// chunked or fully fetched, which pieces are interesting given a remote
// bitfield, and the narrow decrement the scheduler is allowed to perform on
// a piece's outstanding block count. The scheduler treats this as a set of
// atomic, non-blocking operations (§5).
package catalog

import (
	g "github.com/anacrolix/generics"

	"github.com/anacrolix/chunksched/types"
)

// PieceState mirrors the three-state piece lifecycle from the data model:
// unchunked (never split into blocks), chunked (blocks exist in the block
// index), fetched (all blocks verified and finalized).
type PieceState int

const (
	Unchunked PieceState = iota
	Chunked
	Fetched
)

// PieceDescriptor carries what the scheduler needs to chunkify a piece once
// the catalog names it as a candidate.
type PieceDescriptor struct {
	Index  types.PieceIndex
	Length int64
}

// DecreaseResult reports the outcome of decrementing a piece's missing
// block counter.
type DecreaseResult struct {
	// MissingAfter is the counter value after the decrement.
	MissingAfter int
	// Completed is true exactly when the decrement transitioned the
	// counter from 1 to 0 — the piece-finalization trigger.
	Completed bool
}

// Catalog is the external collaborator the scheduler reads piece state from
// and narrowly mutates (DecreaseMissingChunks only). Implementations must
// be safe for concurrent use by multiple scheduler instances sharing a
// torrent registry, though any single torrent's state is only ever mutated
// by the scheduler.
type Catalog interface {
	// NumPieces returns the total piece count of the torrent.
	NumPieces(t types.TorrentID) int

	// ChunkedPieces returns every piece index currently in the Chunked
	// state for the torrent.
	ChunkedPieces(t types.TorrentID) []types.PieceIndex

	// IsFetched reports whether a piece has reached the Fetched state.
	IsFetched(t types.TorrentID, p types.PieceIndex) bool

	// IsEndgame reports whether the torrent should use endgame mode,
	// usually driven by the ratio of fetched to total pieces.
	IsEndgame(t types.TorrentID) bool

	// CheckInterest classifies a remote have-set against known piece
	// count and pending work, returning the pieces still worth wanting.
	// It returns a non-nil error with InvalidPiece=true if the have-set
	// names a piece index outside [0, NumPieces).
	CheckInterest(t types.TorrentID, have []types.PieceIndex) (Interest, error)

	// FindNew asks the catalog for a fresh, not-yet-chunked piece that is
	// both interesting (within have) and unchunked, to chunkify. Absent
	// is true when no such piece exists.
	FindNew(t types.TorrentID, have []types.PieceIndex) (_ PieceDescriptor, absent bool)

	// DecreaseMissingChunks atomically decrements the named piece's
	// missing-block counter by one. Must be non-blocking: it is the only
	// external call the scheduler may make inside its critical section
	// (§5).
	DecreaseMissingChunks(t types.TorrentID, p types.PieceIndex) DecreaseResult

	// PieceLength returns the byte length of a piece, used by chunkify.
	PieceLength(t types.TorrentID, p types.PieceIndex) int64

	// ChunkifyPiece returns the per-block (offset, length) list for a
	// piece, the same fixed-16KiB policy the block index applies (§4.1).
	// It is a pure function of piece length, kept on the catalog
	// interface because spec.md names it as a catalog-owned operation.
	ChunkifyPiece(t types.TorrentID, p types.PieceIndex) []types.BlockLocator

	// MarkChunked transitions a piece from Unchunked to Chunked and
	// records its initial missing-block count, called by the scheduler
	// immediately after it chunkifies a freshly-selected piece.
	MarkChunked(t types.TorrentID, p types.PieceIndex, blockCount int)
}

// Interest is CheckInterest's result: either the remote has nothing we
// want (NotInterested), the have-set names an impossible piece
// (InvalidPiece), or a pruned have-set of genuinely pending pieces.
type Interest struct {
	NotInterested bool
	InvalidPiece  bool
	Pruned        g.Option[[]types.PieceIndex]
}
