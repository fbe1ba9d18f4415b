// Package sink specifies and implements the disk sink external interface
// (§6): durable, idempotent, re-entrant chunk storage. The scheduler hands
// completed blocks here inside store_block and expects either success or a
// fatal (for that turn) failure; it never expects the sink to block the
// actor for long, per §5's note that blocking writes belong in the sink's
// own queue, not the scheduler's critical section.
package sink

import (
	"context"

	"github.com/anacrolix/chunksched/types"
)

// ChunkSink is the write_chunk / (read-back) external collaborator.
// Implementations must tolerate repeated WriteChunk calls with identical
// (torrent, piece, offset, data) as no-ops that still succeed, since
// store_block's duplicate path (common in endgame) still performs the
// write.
type ChunkSink interface {
	// WriteChunk durably stores data at the given piece-relative offset.
	// Re-entrant and idempotent on identical arguments.
	WriteChunk(ctx context.Context, t types.TorrentID, p types.PieceIndex, offset int64, data []byte) error

	// ReadChunk reads back a previously written block, used by a
	// Verifier to hash-check a finalized piece.
	ReadChunk(ctx context.Context, t types.TorrentID, p types.PieceIndex, offset, length int64) ([]byte, error)

	// ReadPiece reads the full contents of a piece by concatenating its
	// blocks in offset order, the shape a Verifier actually wants.
	ReadPiece(ctx context.Context, t types.TorrentID, p types.PieceIndex, length int64) ([]byte, error)
}
