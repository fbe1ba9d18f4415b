package chunksched

import "sync/atomic"

// count is a small atomic counter, adapted from atomic-count.go's Count
// type (trimmed to what the scheduler's status reporting needs: no JSON
// marshaling, no reflection-based field copying, since a Scheduler owns a
// handful of named counters directly rather than a struct of them meant
// to be summed across many instances).
type count struct {
	n int64
}

func (c *count) add(n int64)   { atomic.AddInt64(&c.n, n) }
func (c *count) get() int64    { return atomic.LoadInt64(&c.n) }
func (c *count) inc()          { c.add(1) }

// stats accumulates the scheduler's lifetime counters. Scheduler.Status
// does not report them; it reports block-index counts and the endgame flag.
// Grounded on webseedPeer.peerImplStatusLines' convention of surfacing
// small human-readable counters rather than full metrics export
// (prometheus/client_golang is deliberately not wired here, see DESIGN.md).
type stats struct {
	piecesFinalized count
	duplicateStores count
	writeFailures   count
	badHashes       count
}
