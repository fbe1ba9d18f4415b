package chunksched

import "github.com/anacrolix/log"

const (
	// LowWatermark is the outstanding-block count at which a peer session
	// is expected to top up its requests via pick_blocks, per §6.
	LowWatermark = 5
	// HighWatermark is the outstanding-block count a peer session should
	// never exceed, per §6.
	HighWatermark = 30

	// DefaultMailboxSize bounds the async store_block/putback mailbox when
	// Config.MailboxSize is left at zero.
	DefaultMailboxSize = 128
)

// Config carries construction-time parameters for a Scheduler. The
// scheduler itself "has no files, no flags, no environment variables of
// its own" (§6); any configuration lives here, set by the caller.
type Config struct {
	// Logger receives structured scheduler diagnostics. Defaults to
	// log.Default if unset, matching peer.go's Peer.logger convention.
	Logger *log.Logger

	// RandSeed seeds the endgame shuffle's random source. Zero means
	// "seed from the current time" (non-deterministic); tests that need
	// reproducible shuffles should set a fixed nonzero seed.
	RandSeed int64

	// MailboxSize bounds the channel backing AsyncStoreBlock/AsyncPutback,
	// per §5's note that backpressure on fire-and-forget operations is
	// "imposed by the transport carrying them (bounded mailbox)". Zero
	// means DefaultMailboxSize.
	MailboxSize int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		l := log.Default
		c.Logger = &l
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	return c
}
