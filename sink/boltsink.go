package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/anacrolix/chunksched/types"
)

// BoltSink is a durable ChunkSink backed by go.etcd.io/bbolt, grounded on
// storage/bolt-piece_test.go's bolt-piece storage convention (which
// exercises a storage.NewBoltDB backend). Each torrent gets a
// top-level bucket; each piece a nested bucket; each block a key equal to
// its big-endian offset.
type BoltSink struct {
	db *bolt.DB
}

// OpenBoltSink opens (creating if necessary) a bbolt database at path.
func OpenBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("sink: opening bolt db: %w", err)
	}
	return &BoltSink{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltSink) Close() error {
	return s.db.Close()
}

func torrentBucketName(t types.TorrentID) []byte {
	return []byte(fmt.Sprintf("torrent-%d", uint64(t)))
}

func pieceBucketName(p types.PieceIndex) []byte {
	return []byte(fmt.Sprintf("piece-%d", int(p)))
}

func offsetKey(offset int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(offset))
	return b
}

func (s *BoltSink) WriteChunk(_ context.Context, t types.TorrentID, p types.PieceIndex, offset int64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb, err := tx.CreateBucketIfNotExists(torrentBucketName(t))
		if err != nil {
			return err
		}
		pb, err := tb.CreateBucketIfNotExists(pieceBucketName(p))
		if err != nil {
			return err
		}
		return pb.Put(offsetKey(offset), data)
	})
}

func (s *BoltSink) ReadChunk(_ context.Context, t types.TorrentID, p types.PieceIndex, offset, length int64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		tb := tx.Bucket(torrentBucketName(t))
		if tb == nil {
			return fmt.Errorf("sink: no data for torrent %v", t)
		}
		pb := tb.Bucket(pieceBucketName(p))
		if pb == nil {
			return fmt.Errorf("sink: no data for torrent %v piece %v", t, p)
		}
		v := pb.Get(offsetKey(offset))
		if v == nil {
			return fmt.Errorf("sink: no block at torrent %v piece %v offset %d", t, p, offset)
		}
		if int64(len(v)) != length {
			return fmt.Errorf("sink: length mismatch at torrent %v piece %v offset %d: have %d want %d", t, p, offset, len(v), length)
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltSink) ReadPiece(ctx context.Context, t types.TorrentID, p types.PieceIndex, length int64) ([]byte, error) {
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

var _ ChunkSink = (*BoltSink)(nil)
