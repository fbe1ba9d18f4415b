// Package chunksched implements the chunk scheduling core of a BitTorrent
// client: the subsystem that decides, for each connected peer, which
// block-level requests to issue next, tracks which blocks are in flight to
// which peer, accepts completed blocks, detects piece completion, and
// drives the endgame phase that accelerates the tail of a download.
//
// The Scheduler type is a single serialized actor: every public method
// takes an internal lock, runs to completion, and releases it, so that
// concurrent peer sessions calling into one Scheduler observe a consistent
// linearization without needing their own coordination. It is adapted from
// deferrwl.go's client-wide lockWithDeferreds, narrowed to guard one
// Scheduler's block index instead of an entire client's connection state.
//
// Wire protocol parsing, disk I/O internals, torrent metadata parsing, peer
// discovery, piece-rarity policy, and choke/unchoke strategy are treated as
// external collaborators (see the catalog, sink, and verify packages) and
// are out of scope here.
package chunksched
