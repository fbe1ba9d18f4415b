package chunksched

import (
	"context"
	"math/rand"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/anacrolix/chunksched/catalog"
	"github.com/anacrolix/chunksched/sink"
	"github.com/anacrolix/chunksched/types"
	"github.com/anacrolix/chunksched/verify"
)

// reservation records which peer a randomized-sequence run believes holds a
// given locator, so the harness can check the "no double reservation
// outside endgame" invariant after every pick_blocks call.
type reservation struct {
	peer   string
	length int64
}

// TestRandomizedSequencesRespectInvariants drives randomized sequences of
// register_torrent/pick_blocks/store_block/putback/peer_death/mark_fetched
// calls against a fresh scheduler and checks, after every pick_blocks step,
// that pick_blocks never exceeds its budget and that no locator is ever
// reserved to two live peers at once outside endgame.
func TestRandomizedSequencesRespectInvariants(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run("", func(t *testing.T) {
			runRandomizedSequence(t, seed)
		})
	}
}

func runRandomizedSequence(t *testing.T, seed int64) {
	c := qt.New(t)
	rng := rand.New(rand.NewSource(seed))
	const numPieces = 5
	cat := catalog.NewMemCatalog()
	lengths := make([]int64, numPieces)
	for i := range lengths {
		lengths[i] = pieceLen
	}
	cat.AddTorrent(1, lengths)
	sk := sink.NewMemSink()
	ver := verify.NewHashVerifier(sk)
	s := New[string](cat, sk, ver, Config{RandSeed: seed})
	c.Assert(s.RegisterTorrent(t, types.TorrentID(1)), qt.IsNil)
	ctx := context.Background()

	peers := []string{"peerA", "peerB", "peerC"}
	reserved := make(map[types.PieceIndex]map[int64]reservation)

	for step := 0; step < 150; step++ {
		switch rng.Intn(5) {
		case 0: // pick_blocks
			peer := peers[rng.Intn(len(peers))]
			budget := 1 + rng.Intn(3)
			out, err := s.PickBlocks(ctx, 1, peer, haveAll(numPieces), false, budget)
			c.Assert(err, qt.IsNil)
			c.Assert(types.TotalBlocks(out.Groups) <= budget, qt.IsTrue)
			if out.Kind != Normal {
				continue
			}
			for _, grp := range out.Groups {
				m, ok := reserved[grp.Piece]
				if !ok {
					m = make(map[int64]reservation)
					reserved[grp.Piece] = m
				}
				for _, bl := range grp.Blocks {
					if prev, ok := m[bl.Offset]; ok && prev.peer != peer {
						t.Fatalf("seed %d: block (%v,%d) double-reserved to %s and %s outside endgame",
							seed, grp.Piece, bl.Offset, prev.peer, peer)
					}
					m[bl.Offset] = reservation{peer: peer, length: bl.Length}
				}
			}

		case 1: // store_block on a block this harness believes is reserved
			peer := peers[rng.Intn(len(peers))]
			piece, offset, ok := pickReservedLocator(reserved, peer)
			if !ok {
				continue
			}
			data := make([]byte, reserved[piece][offset].length)
			_, err := s.StoreBlock(ctx, 1, piece, offset, data)
			c.Assert(err, qt.IsNil)
			delete(reserved[piece], offset)

		case 2: // putback
			peer := peers[rng.Intn(len(peers))]
			c.Assert(s.Putback(peer), qt.IsNil)
			releaseReservationsFor(reserved, peer)

		case 3: // peer_death: disconnect and immediately rejoin as a fresh session
			peer := peers[rng.Intn(len(peers))]
			s.NotifyPeerDead(peer)
			c.Assert(s.tracker.IsMonitoredPeer(peer), qt.IsFalse)
			releaseReservationsFor(reserved, peer)

		case 4: // mark_fetched on whatever is currently not_fetched
			piece := types.PieceIndex(rng.Intn(numPieces))
			blocks := s.index.NotFetchedBlocks(1, piece)
			if len(blocks) == 0 {
				continue
			}
			bl := blocks[rng.Intn(len(blocks))]
			res, err := s.MarkFetched(1, piece, bl.Offset, bl.Length)
			c.Assert(err, qt.IsNil)
			c.Assert(res, qt.Equals, MarkFound)
		}
	}
}

func pickReservedLocator(reserved map[types.PieceIndex]map[int64]reservation, peer string) (types.PieceIndex, int64, bool) {
	for piece, m := range reserved {
		for off, r := range m {
			if r.peer == peer {
				return piece, off, true
			}
		}
	}
	return 0, 0, false
}

func releaseReservationsFor(reserved map[types.PieceIndex]map[int64]reservation, peer string) {
	for _, m := range reserved {
		for off, r := range m {
			if r.peer == peer {
				delete(m, off)
			}
		}
	}
}
