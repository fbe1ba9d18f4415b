package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/anacrolix/chunksched/types"
)

type mmapTorrent struct {
	f            *os.File
	m            mmap.MMap
	pieceOffsets []int64 // cumulative byte offset of each piece's first byte
}

// MMapSink is a second durable ChunkSink backend, mirroring
// storage.NewMMap (storage/mmap_test.go) alongside its bolt-backed
// sibling: one file per torrent, memory-mapped, pieces laid out
// contiguously by cumulative length.
type MMapSink struct {
	dir string

	mu       sync.Mutex
	torrents map[types.TorrentID]*mmapTorrent
}

// NewMMapSink returns a sink that stores one file per torrent under dir.
func NewMMapSink(dir string) *MMapSink {
	return &MMapSink{dir: dir, torrents: make(map[types.TorrentID]*mmapTorrent)}
}

// EnsureTorrent opens (creating and sizing if necessary) the backing file
// for a torrent given its per-piece lengths. Must be called once before any
// WriteChunk/ReadChunk for that torrent.
func (s *MMapSink) EnsureTorrent(t types.TorrentID, pieceLengths []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.torrents[t]; ok {
		return nil
	}
	offsets := make([]int64, len(pieceLengths))
	var total int64
	for i, l := range pieceLengths {
		offsets[i] = total
		total += l
	}
	path := filepath.Join(s.dir, fmt.Sprintf("torrent-%d.data", uint64(t)))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("sink: opening mmap file: %w", err)
	}
	if total == 0 {
		total = 1
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		return fmt.Errorf("sink: sizing mmap file: %w", err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("sink: mapping file: %w", err)
	}
	s.torrents[t] = &mmapTorrent{f: f, m: m, pieceOffsets: offsets}
	return nil
}

// Close unmaps and closes every backing file.
func (s *MMapSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, tr := range s.torrents {
		if err := tr.m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := tr.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *MMapSink) torrentFile(t types.TorrentID) (*mmapTorrent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.torrents[t]
	if !ok {
		return nil, fmt.Errorf("sink: torrent %v not opened via EnsureTorrent", t)
	}
	return tr, nil
}

func (s *MMapSink) absOffset(tr *mmapTorrent, p types.PieceIndex, offset int64) (int64, error) {
	if int(p) < 0 || int(p) >= len(tr.pieceOffsets) {
		return 0, fmt.Errorf("sink: piece %v out of range", p)
	}
	return tr.pieceOffsets[p] + offset, nil
}

func (s *MMapSink) WriteChunk(_ context.Context, t types.TorrentID, p types.PieceIndex, offset int64, data []byte) error {
	tr, err := s.torrentFile(t)
	if err != nil {
		return err
	}
	abs, err := s.absOffset(tr, p, offset)
	if err != nil {
		return err
	}
	if abs+int64(len(data)) > int64(len(tr.m)) {
		return fmt.Errorf("sink: write at %d len %d exceeds mapped file size %d", abs, len(data), len(tr.m))
	}
	copy(tr.m[abs:abs+int64(len(data))], data)
	return nil
}

func (s *MMapSink) ReadChunk(_ context.Context, t types.TorrentID, p types.PieceIndex, offset, length int64) ([]byte, error) {
	tr, err := s.torrentFile(t)
	if err != nil {
		return nil, err
	}
	abs, err := s.absOffset(tr, p, offset)
	if err != nil {
		return nil, err
	}
	if abs+length > int64(len(tr.m)) {
		return nil, fmt.Errorf("sink: read at %d len %d exceeds mapped file size %d", abs, length, len(tr.m))
	}
	out := make([]byte, length)
	copy(out, tr.m[abs:abs+length])
	return out, nil
}

func (s *MMapSink) ReadPiece(ctx context.Context, t types.TorrentID, p types.PieceIndex, length int64) ([]byte, error) {
	return s.ReadChunk(ctx, t, p, 0, length)
}

var _ ChunkSink = (*MMapSink)(nil)
