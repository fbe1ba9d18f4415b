// Package verify specifies and implements the hash verifier external
// collaborator (§6): check_piece(torrent, piece) -> ok | bad_hash, run off
// the scheduler's goroutine so hashing never stalls the actor (§5).
package verify

import (
	"context"
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"github.com/anacrolix/chunksched/sink"
	"github.com/anacrolix/chunksched/types"
)

// Result is a piece's verification outcome.
type Result int

const (
	OK Result = iota
	BadHash
)

func (r Result) String() string {
	if r == OK {
		return "ok"
	}
	return "bad_hash"
}

// Verifier runs hash verification for a finalized piece. Implementations
// must be safe to call concurrently: the scheduler dispatches each
// CheckPiece in its own goroutine and never awaits it inline.
type Verifier interface {
	CheckPiece(ctx context.Context, t types.TorrentID, p types.PieceIndex) (Result, error)
}

type pieceKey struct {
	Torrent types.TorrentID
	Piece   types.PieceIndex
}

type pieceHash struct {
	length int64
	digest [32]byte
}

// HashVerifier reads a finalized piece back from a sink.ChunkSink and
// compares its blake3 digest against an expected hash registered by the
// caller (standing in for a piece hash sourced from torrent metadata,
// whose parsing is explicitly out of scope per §1). blake3 is a teacher
// dependency (lukechampine.com/blake3); protocol-accurate SHA-1 piece
// hashing is not this package's concern.
type HashVerifier struct {
	sink sink.ChunkSink

	mu     sync.Mutex
	hashes map[pieceKey]pieceHash
}

// NewHashVerifier returns a verifier reading piece bytes from s.
func NewHashVerifier(s sink.ChunkSink) *HashVerifier {
	return &HashVerifier{sink: s, hashes: make(map[pieceKey]pieceHash)}
}

// SetExpectedHash registers the expected digest and byte length for a
// piece. Must be called before the piece is finalized.
func (v *HashVerifier) SetExpectedHash(t types.TorrentID, p types.PieceIndex, length int64, digest [32]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hashes[pieceKey{t, p}] = pieceHash{length: length, digest: digest}
}

// Digest computes the expected-hash value for arbitrary piece bytes, a
// convenience for tests and for callers assembling SetExpectedHash calls
// from known-good piece content.
func Digest(data []byte) [32]byte {
	return blake3.Sum256(data)
}

func (v *HashVerifier) CheckPiece(ctx context.Context, t types.TorrentID, p types.PieceIndex) (Result, error) {
	v.mu.Lock()
	ph, ok := v.hashes[pieceKey{t, p}]
	v.mu.Unlock()
	if !ok {
		return BadHash, fmt.Errorf("verify: no expected hash registered for torrent %v piece %v", t, p)
	}
	data, err := v.sink.ReadPiece(ctx, t, p, ph.length)
	if err != nil {
		return BadHash, fmt.Errorf("verify: reading piece back from sink: %w", err)
	}
	if blake3.Sum256(data) != ph.digest {
		return BadHash, nil
	}
	return OK, nil
}

var _ Verifier = (*HashVerifier)(nil)
