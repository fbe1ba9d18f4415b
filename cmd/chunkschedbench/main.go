// Command chunkschedbench drives a Scheduler against a synthetic torrent
// with a configurable number of simulated peer sessions, to exercise the
// pick/store/putback cycle under concurrency without a real network.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	chunksched "github.com/anacrolix/chunksched"
	"github.com/anacrolix/chunksched/catalog"
	"github.com/anacrolix/chunksched/sink"
	"github.com/anacrolix/chunksched/types"
	"github.com/anacrolix/chunksched/verify"
)

type args struct {
	Pieces      int   `arg:"--pieces" default:"64" help:"number of pieces in the synthetic torrent"`
	PieceLength int64 `arg:"--piece-length" default:"1048576" help:"bytes per piece"`
	Peers       int   `arg:"--peers" default:"8" help:"number of simulated concurrent peer sessions"`
	Budget      int   `arg:"--budget" default:"10" help:"blocks requested per pick_blocks call"`
	RatePerSec  int   `arg:"--rate" default:"200" help:"simulated blocks stored per second, across all peers"`
}

func (args) Description() string {
	return "Simulates peer sessions driving a chunksched.Scheduler over an in-memory sink, for manual soak testing of the scheduling core."
}

func main() {
	var a args
	arg.MustParse(&a)

	if err := run(a); err != nil {
		log.Default.Printf("chunkschedbench: %v", err)
		os.Exit(1)
	}
}

func run(a args) error {
	cat := catalog.NewMemCatalog()
	lengths := make([]int64, a.Pieces)
	for i := range lengths {
		lengths[i] = a.PieceLength
	}
	const torrentID types.TorrentID = 1
	cat.AddTorrent(torrentID, lengths)

	sk := sink.NewMemSink()
	ver := verify.NewHashVerifier(sk)
	for p := 0; p < a.Pieces; p++ {
		ver.SetExpectedHash(torrentID, types.PieceIndex(p), a.PieceLength, verify.Digest(make([]byte, a.PieceLength)))
	}

	sched := chunksched.New[int](cat, sk, ver, chunksched.Config{RandSeed: 1})
	owner := new(int)
	if err := sched.RegisterTorrent(owner, torrentID); err != nil {
		return fmt.Errorf("registering torrent: %w", err)
	}

	have := make([]types.PieceIndex, a.Pieces)
	for i := range have {
		have[i] = types.PieceIndex(i)
	}

	limiter := rate.NewLimiter(rate.Limit(a.RatePerSec), a.RatePerSec)
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < a.Peers; i++ {
		peer := i
		g.Go(func() error {
			return simulatePeer(ctx, sched, torrentID, peer, have, a.Budget, limiter)
		})
	}
	err := g.Wait()

	fmt.Printf("chunkschedbench: %d peers, %d pieces x %s in %s\n",
		a.Peers, a.Pieces, humanize.Bytes(uint64(a.PieceLength)), time.Since(start).Round(time.Millisecond))
	return err
}

// simulatePeer repeatedly calls PickBlocks with a fixed budget per call
// and immediately "fetches" whatever it's given by storing
// zero-filled payloads, rate limited so a bench run doesn't busy-loop the
// scheduler's actor lock.
func simulatePeer(ctx context.Context, sched *chunksched.Scheduler[int], t types.TorrentID, peer int, have []types.PieceIndex, budget int, limiter *rate.Limiter) error {
	rng := rand.New(rand.NewSource(int64(peer) + 1))
	idleStreak := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		out, err := sched.PickBlocks(ctx, t, peer, have, false, budget)
		if err != nil {
			return fmt.Errorf("peer %d: pick_blocks: %w", peer, err)
		}
		switch out.Kind {
		case chunksched.NotInterested:
			return nil
		case chunksched.NoneEligible:
			idleStreak++
			if idleStreak > 50 {
				return nil
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		idleStreak = 0

		for _, grp := range out.Groups {
			for _, blk := range grp.Blocks {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				data := make([]byte, blk.Length)
				// Queued onto the scheduler's bounded mailbox rather than
				// called inline, so a saturated bench run exerts real
				// backpressure on simulated peers instead of blocking
				// them one-by-one inside the actor lock.
				if err := sched.AsyncStoreBlock(ctx, t, grp.Piece, blk.Offset, data); err != nil {
					return fmt.Errorf("peer %d: async store_block: %w", peer, err)
				}
			}
		}

		time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
	}
}
