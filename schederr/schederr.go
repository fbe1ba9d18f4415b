// Package schederr defines the error kinds the scheduling core raises to
// its callers, per §7's error handling table. The scheduler never raises
// anything to callers except through these documented values, inspected
// with errors.Is, in the style of small targeted sentinel errors error.go
// uses rather than a generic error-code framework.
package schederr

import "github.com/pkg/errors"

var (
	// ErrAlreadyTaken: a concurrent pick reserved the same piece between
	// candidate-selection and reservation. Callers should locally
	// recover by re-entering the pick loop; the scheduler already does
	// this internally and this value is mostly useful for select_by_piece
	// callers and tests.
	ErrAlreadyTaken = errors.New("chunksched: piece already taken")

	// ErrInvalidPiece: the remote announced a bitfield inconsistent with
	// the known piece count. Surfaced to the peer session, which is
	// expected to drop the peer; not a scheduler failure.
	ErrInvalidPiece = errors.New("chunksched: invalid piece index in have-set")

	// ErrWriteFailed: the disk sink rejected a write. Fatal for the
	// scheduler turn that issued it; the block is left reserved so
	// putback on eventual peer loss re-queues it.
	ErrWriteFailed = errors.New("chunksched: disk sink write failed")

	// ErrClosed: the scheduler has been shut down and can no longer
	// accept operations. A programmer-error condition, not a protocol
	// outcome.
	ErrClosed = errors.New("chunksched: scheduler is closed")

	// ErrUnknownTorrent: an operation named a torrent_id that was never
	// registered (or has since been purged by an owner death).
	ErrUnknownTorrent = errors.New("chunksched: unknown torrent")
)

// DuplicateStore is not an error value: per §7, a duplicate store_block is
// "silently ignored (expected during endgame)" and is reported to callers
// as a boolean, not an error. See chunksched.StoreResult.
