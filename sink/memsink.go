package sink

import (
	"context"
	"fmt"
	"sync"

	simdsha256 "github.com/minio/sha256-simd"

	"github.com/anacrolix/chunksched/types"
)

type blockKey struct {
	Torrent types.TorrentID
	Piece   types.PieceIndex
	Offset  int64
}

// MemSink is an in-memory ChunkSink for tests and the chunkschedbench demo.
// It additionally self-checks idempotence: a second WriteChunk at the same
// locator with different bytes is treated as a programmer error (the sink
// interface promises identical-argument re-entrancy, never silent
// overwrite-with-different-content), detected cheaply via a sha256-simd
// digest instead of a full byte comparison.
type MemSink struct {
	mu     sync.Mutex
	blocks map[blockKey][]byte
	sums   map[blockKey][32]byte
}

// NewMemSink returns an empty in-memory sink.
func NewMemSink() *MemSink {
	return &MemSink{
		blocks: make(map[blockKey][]byte),
		sums:   make(map[blockKey][32]byte),
	}
}

func (s *MemSink) WriteChunk(_ context.Context, t types.TorrentID, p types.PieceIndex, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blockKey{t, p, offset}
	sum := simdsha256.Sum256(data)
	if existing, ok := s.sums[key]; ok {
		if existing != sum {
			return fmt.Errorf("sink: non-idempotent rewrite at torrent %v piece %v offset %d", t, p, offset)
		}
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blocks[key] = cp
	s.sums[key] = sum
	return nil
}

func (s *MemSink) ReadChunk(_ context.Context, t types.TorrentID, p types.PieceIndex, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blocks[blockKey{t, p, offset}]
	if !ok {
		return nil, fmt.Errorf("sink: no block at torrent %v piece %v offset %d", t, p, offset)
	}
	if int64(len(data)) != length {
		return nil, fmt.Errorf("sink: length mismatch at torrent %v piece %v offset %d: have %d want %d", t, p, offset, len(data), length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemSink) ReadPiece(ctx context.Context, t types.TorrentID, p types.PieceIndex, length int64) ([]byte, error) {
	out := make([]byte, 0, length)
	for _, loc := range types.ChunkifyPiece(length) {
		b, err := s.ReadChunk(ctx, t, p, loc.Offset, loc.Length)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

var _ ChunkSink = (*MemSink)(nil)
