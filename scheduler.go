package chunksched

import (
	"context"
	"math/rand"
	"time"

	"github.com/anacrolix/log"
	"github.com/pkg/errors"

	"github.com/anacrolix/chunksched/blockindex"
	"github.com/anacrolix/chunksched/catalog"
	"github.com/anacrolix/chunksched/internal/actorlock"
	"github.com/anacrolix/chunksched/liveness"
	"github.com/anacrolix/chunksched/schederr"
	"github.com/anacrolix/chunksched/sink"
	"github.com/anacrolix/chunksched/types"
	"github.com/anacrolix/chunksched/verify"
)

// OutcomeKind classifies a pick_blocks result.
type OutcomeKind int

const (
	// NotInterested: the remote has no piece we want.
	NotInterested OutcomeKind = iota
	// NoneEligible: the remote has interesting pieces but none could be
	// reserved right now.
	NoneEligible
	// Normal: up to budget blocks, grouped by piece, reserved against
	// the calling peer.
	Normal
	// Endgame: same shape as Normal, but reservation-free and
	// deliberately duplicated across peers.
	Endgame
)

func (k OutcomeKind) String() string {
	switch k {
	case NotInterested:
		return "not_interested"
	case NoneEligible:
		return "none_eligible"
	case Normal:
		return "normal"
	case Endgame:
		return "endgame"
	default:
		return "unknown"
	}
}

// Outcome is pick_blocks' return value.
type Outcome struct {
	Kind   OutcomeKind
	Groups []types.PieceBlocks
}

// StoreResult reports whether a store_block call was the first time this
// block's bytes were recorded, or a (safe) duplicate.
type StoreResult struct {
	FirstTime bool
}

// MarkResult is mark_fetched's outcome.
type MarkResult int

const (
	MarkFound MarkResult = iota
	MarkAssigned
)

// Scheduler is the chunk scheduling decision engine (§4.2), generic over
// the opaque peer identity type P the embedding peer session layer mints.
type Scheduler[P types.PeerID] struct {
	cfg      Config
	cat      catalog.Catalog
	sink     sink.ChunkSink
	verifier verify.Verifier

	mu      actorlock.Lock
	index   *blockindex.Index[P]
	tracker *liveness.Tracker[P]
	rng     *rand.Rand
	stats   stats

	registered map[types.TorrentID]struct{}
	closed     bool

	storeQueue   chan storeJob
	putbackQueue chan P
	mailboxStop  chan struct{}
}

// storeJob is one AsyncStoreBlock request queued onto the mailbox.
type storeJob struct {
	torrent types.TorrentID
	piece   types.PieceIndex
	offset  int64
	data    []byte
}

// New constructs a Scheduler backed by the given catalog, chunk sink, and
// verifier collaborators.
func New[P types.PeerID](cat catalog.Catalog, sk sink.ChunkSink, ver verify.Verifier, cfg Config) *Scheduler[P] {
	cfg = cfg.withDefaults()
	seed := cfg.RandSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Scheduler[P]{
		cfg:          cfg,
		cat:          cat,
		sink:         sk,
		verifier:     ver,
		index:        blockindex.New[P](),
		rng:          rand.New(rand.NewSource(seed)),
		registered:   make(map[types.TorrentID]struct{}),
		storeQueue:   make(chan storeJob, cfg.MailboxSize),
		putbackQueue: make(chan P, cfg.MailboxSize),
		mailboxStop:  make(chan struct{}),
	}
	s.tracker = liveness.New[P](s.purgeTorrentLocked2, s.putbackLocked2)
	go s.runMailbox()
	return s
}

// runMailbox drains the async store_block/putback mailbox, dispatching each
// queued request through the ordinary synchronous path. It runs for the
// Scheduler's lifetime and exits once Close closes mailboxStop, the same
// "pump goroutine fed by a bounded channel" shape as a client's outgoing
// write loop.
func (s *Scheduler[P]) runMailbox() {
	for {
		select {
		case <-s.mailboxStop:
			return
		case job := <-s.storeQueue:
			if _, err := s.StoreBlock(context.Background(), job.torrent, job.piece, job.offset, job.data); err != nil {
				s.cfg.Logger.Levelf(log.Warning, "chunksched: async store_block: %v", err)
			}
		case peer := <-s.putbackQueue:
			if err := s.Putback(peer); err != nil {
				s.cfg.Logger.Levelf(log.Warning, "chunksched: async putback: %v", err)
			}
		}
	}
}

// AsyncStoreBlock enqueues a store_block call onto the bounded mailbox
// instead of running it inline, giving callers genuine backpressure (the
// send blocks once the mailbox is full) rather than the synchronous
// direct-call form StoreBlock offers.
func (s *Scheduler[P]) AsyncStoreBlock(ctx context.Context, t types.TorrentID, p types.PieceIndex, offset int64, data []byte) error {
	select {
	case s.storeQueue <- storeJob{torrent: t, piece: p, offset: offset, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AsyncPutback enqueues a putback call onto the bounded mailbox. See
// AsyncStoreBlock.
func (s *Scheduler[P]) AsyncPutback(ctx context.Context, peer P) error {
	select {
	case s.putbackQueue <- peer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// purgeTorrentLocked2 and putbackLocked2 are the liveness tracker's death
// callbacks. They acquire the scheduler's own lock: the tracker calls them
// from whatever goroutine observed the death, never while the scheduler's
// lock is already held by that goroutine (see design notes on the one-way
// subscription avoiding a back-pointer cycle).
func (s *Scheduler[P]) purgeTorrentLocked2(t types.TorrentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.PurgeTorrent(t)
	delete(s.registered, t)
}

func (s *Scheduler[P]) putbackLocked2(peer P) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.ReleasePeer(peer)
}

// NotifyOwnerDead tells the scheduler that the session identified by owner
// (as passed to RegisterTorrent) has terminated, purging its torrent.
func (s *Scheduler[P]) NotifyOwnerDead(owner any) {
	s.tracker.NotifyOwnerDead(owner)
}

// NotifyPeerDead tells the scheduler that peer has disconnected, triggering
// putback of its reservations.
func (s *Scheduler[P]) NotifyPeerDead(peer P) {
	s.tracker.NotifyPeerDead(peer)
}

// RegisterTorrent records owner's identity as the owner of torrent_id and
// begins watching its liveness. Idempotent for the same owner.
func (s *Scheduler[P]) RegisterTorrent(owner any, t types.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schederr.ErrClosed
	}
	s.registered[t] = struct{}{}
	s.tracker.RegisterOwner(owner, t)
	return nil
}

func (s *Scheduler[P]) isRegisteredLocked(t types.TorrentID) bool {
	_, ok := s.registered[t]
	return ok
}

// Chunkify materializes a piece's blocks in the block index and informs the
// catalog it is now chunked, the §4.2 chunkify operation.
func (s *Scheduler[P]) Chunkify(t types.TorrentID, p types.PieceIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkifyLocked(t, p)
}

func (s *Scheduler[P]) chunkifyLocked(t types.TorrentID, p types.PieceIndex) error {
	if !s.isRegisteredLocked(t) {
		return schederr.ErrUnknownTorrent
	}
	length := s.cat.PieceLength(t, p)
	locators := s.index.Chunkify(t, p, length)
	s.cat.MarkChunked(t, p, len(locators))
	return nil
}

// SelectByPiece atomically moves up to max not_fetched entries of piece p
// into {assigned, peer} and returns them, or schederr.ErrAlreadyTaken if
// the piece had none available.
func (s *Scheduler[P]) SelectByPiece(t types.TorrentID, p types.PieceIndex, peer P, max int) ([]types.BlockLocator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectByPieceLocked(t, p, peer, max)
}

func (s *Scheduler[P]) selectByPieceLocked(t types.TorrentID, p types.PieceIndex, peer P, max int) ([]types.BlockLocator, error) {
	moved, ok := s.index.SelectByPiece(t, p, peer, max)
	if !ok {
		return nil, schederr.ErrAlreadyTaken
	}
	s.tracker.RegisterPeer(peer)
	return moved, nil
}

// PickBlocks answers pick_blocks(torrent, remote_have_set, budget) for a
// peer session, implementing the normal-mode pick loop and endgame gather
// of §4.2. remoteHaveSet should be passed in the order the caller wants
// ties broken; unknown signals remote_have_set = unknown.
func (s *Scheduler[P]) PickBlocks(ctx context.Context, t types.TorrentID, peer P, remoteHaveSet []types.PieceIndex, unknown bool, budget int) (Outcome, error) {
	if unknown {
		return Outcome{Kind: NoneEligible}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Outcome{}, schederr.ErrClosed
	}
	if !s.isRegisteredLocked(t) {
		return Outcome{}, schederr.ErrUnknownTorrent
	}

	interest, err := s.cat.CheckInterest(t, remoteHaveSet)
	if err != nil || interest.InvalidPiece {
		return Outcome{}, schederr.ErrInvalidPiece
	}
	if interest.NotInterested {
		return Outcome{Kind: NotInterested}, nil
	}
	working := dedupOrdered(remoteHaveSet)
	if interest.Pruned.Ok {
		working = dedupOrdered(interest.Pruned.Value)
	}
	var accumulator []types.PieceBlocks
	remaining := budget
	foundChunkedHint := false

	for remaining > 0 {
		chunked := toSet(s.cat.ChunkedPieces(t))
		candidates := intersectOrdered(working, chunked)

		var (
			picked types.PieceIndex
			found  bool
		)
		for _, p := range candidates {
			if s.index.HasNotFetched(t, p) {
				picked, found = p, true
				break
			}
		}
		if !found {
			if len(candidates) > 0 {
				foundChunkedHint = true
			}
			desc, absent := s.cat.FindNew(t, working)
			if absent {
				break
			}
			locators := s.index.Chunkify(t, desc.Index, desc.Length)
			s.cat.MarkChunked(t, desc.Index, len(locators))
			picked, found = desc.Index, true
		}

		moved, ok := s.index.SelectByPiece(t, picked, peer, remaining)
		if !ok {
			// already_taken: another caller drained this piece between
			// candidate selection and reservation. Re-enter the loop
			// without consuming budget.
			continue
		}
		s.tracker.RegisterPeer(peer)
		remaining -= len(moved)
		accumulator = append(accumulator, types.PieceBlocks{Piece: picked, Blocks: moved})
		working = removePiece(working, picked)
	}

	if remaining == 0 {
		return Outcome{Kind: Normal, Groups: accumulator}, nil
	}
	if len(accumulator) > 0 {
		return Outcome{Kind: Normal, Groups: accumulator}, nil
	}
	if s.cat.IsEndgame(t) {
		return s.endgamePickLocked(t, peer, dedupOrdered(remoteHaveSet), budget)
	}
	if foundChunkedHint {
		return Outcome{Kind: NoneEligible}, nil
	}
	return Outcome{Kind: NotInterested}, nil
}

// endgamePickLocked implements the endgame gather/shuffle algorithm: every
// not_fetched or {assigned, _} block whose piece is in remoteHaveSet is a
// candidate, shuffled with a fair uniform permutation, truncated to budget,
// grouped by piece regardless of post-shuffle order (§9's note that
// grouping must be explicit even when the shuffle happens to be a no-op),
// and the resulting group list is itself shuffled.
func (s *Scheduler[P]) endgamePickLocked(t types.TorrentID, peer P, remoteHaveSet []types.PieceIndex, budget int) (Outcome, error) {
	candidates := s.index.GatherEndgameCandidates(t, remoteHaveSet)
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if budget < len(candidates) {
		candidates = candidates[:budget]
	}
	if len(candidates) == 0 {
		return Outcome{Kind: NoneEligible}, nil
	}

	order := make([]types.PieceIndex, 0)
	grouped := make(map[types.PieceIndex][]types.BlockLocator)
	for _, c := range candidates {
		if _, ok := grouped[c.Piece]; !ok {
			order = append(order, c.Piece)
		}
		grouped[c.Piece] = append(grouped[c.Piece], c.BlockLocator)
	}
	groups := make([]types.PieceBlocks, len(order))
	for i, p := range order {
		groups[i] = types.PieceBlocks{Piece: p, Blocks: grouped[p]}
	}
	s.rng.Shuffle(len(groups), func(i, j int) {
		groups[i], groups[j] = groups[j], groups[i]
	})

	s.tracker.RegisterPeer(peer)
	return Outcome{Kind: Endgame, Groups: groups}, nil
}

// StoreBlock ingests a completed block (§4.2 store_block). It is
// fire-and-forget to its callers in the sense that it never reports a
// protocol-level failure other than duplicate-vs-first-time; a write
// failure is returned as an error and, per §7, leaves the block reserved
// so putback re-queues it on eventual peer loss.
func (s *Scheduler[P]) StoreBlock(ctx context.Context, t types.TorrentID, p types.PieceIndex, offset int64, data []byte) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StoreResult{}, schederr.ErrClosed
	}
	if !s.isRegisteredLocked(t) {
		return StoreResult{}, schederr.ErrUnknownTorrent
	}

	// Durable write first. The sink is expected to be idempotent on
	// identical (piece, offset, data), so duplicate stores (common in
	// endgame) still write but cost nothing semantically.
	if err := s.sink.WriteChunk(ctx, t, p, offset, data); err != nil {
		s.stats.writeFailures.inc()
		return StoreResult{}, errors.Wrap(schederr.ErrWriteFailed, err.Error())
	}

	firstTime := false
	if !s.cat.IsFetched(t, p) {
		firstTime = s.index.MarkFetchedIfAbsent(t, p, offset)
	}
	if !firstTime {
		s.stats.duplicateStores.inc()
	}

	// Step 3: remove any assignment of this locator, regardless of which
	// peer held it. Endgame can legitimately have it assigned to a peer
	// other than the one storing it.
	s.index.RemoveAssignedAny(t, p, offset)
	// A not_fetched entry may still exist if the block arrived before any
	// pick ever reserved it (unsolicited / fast-path sends); clear it too
	// so invariant 4 holds.
	s.index.TakeNotFetched(t, p, offset)

	if firstTime {
		res := s.cat.DecreaseMissingChunks(t, p)
		if res.Completed {
			s.finalizePieceLocked(t, p)
		}
	}

	return StoreResult{FirstTime: firstTime}, nil
}

// finalizePieceLocked implements §4.4: dispatch the verifier off the
// scheduler goroutine, and synchronously remove the piece's block entries
// so a later duplicate store can't re-trigger finalization. The dispatch is
// deferred to Unlock via DeferOnce so it never runs while the block index
// lock is held, and is keyed per-piece so a (theoretically impossible,
// given the 1→0 transition can only happen once) repeat call collapses.
func (s *Scheduler[P]) finalizePieceLocked(t types.TorrentID, p types.PieceIndex) {
	s.index.RemoveAllPieceEntries(t, p)
	s.stats.piecesFinalized.inc()
	key := finalizeKey{t, p}
	s.mu.DeferOnce(key, func() {
		go s.runVerifier(t, p)
	})
}

type finalizeKey struct {
	Torrent types.TorrentID
	Piece   types.PieceIndex
}

func (s *Scheduler[P]) runVerifier(t types.TorrentID, p types.PieceIndex) {
	result, err := s.verifier.CheckPiece(context.Background(), t, p)
	if err != nil {
		s.cfg.Logger.Levelf(log.Warning, "chunksched: verifying torrent %v piece %v: %v", t, p, err)
		return
	}
	if result == verify.BadHash {
		s.stats.badHashes.inc()
		if mc, ok := s.cat.(interface {
			ResetPiece(types.TorrentID, types.PieceIndex)
		}); ok {
			mc.ResetPiece(t, p)
		}
	}
}

// MarkFetched implements mark_fetched, used during endgame when another
// peer beat the caller to a block. If a not_fetched entry exists at this
// locator it is consumed and MarkFound is returned; otherwise the block is
// presumed reserved elsewhere and MarkAssigned is returned (the caller
// should cancel its outstanding request).
func (s *Scheduler[P]) MarkFetched(t types.TorrentID, p types.PieceIndex, offset, length int64) (MarkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRegisteredLocked(t) {
		return MarkAssigned, schederr.ErrUnknownTorrent
	}
	if _, ok := s.index.TakeNotFetched(t, p, offset); ok {
		return MarkFound, nil
	}
	return MarkAssigned, nil
}

// EndgameRelease removes the single {assigned, peer} entry at offset, used
// when a peer cancels or completes a block during endgame.
func (s *Scheduler[P]) EndgameRelease(peer P, t types.TorrentID, p types.PieceIndex, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.RemoveAssignedForPeer(t, p, offset, peer)
	return nil
}

// Putback converts every {assigned, peer} entry, across all torrents, back
// to not_fetched. Fire-and-forget; the key safety action that prevents
// orphaned reservations on peer loss.
func (s *Scheduler[P]) Putback(peer P) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.ReleasePeer(peer)
	return nil
}

// Close marks the scheduler closed; subsequent RegisterTorrent, PickBlocks
// and StoreBlock calls return schederr.ErrClosed. The other operations
// (SelectByPiece, Chunkify, MarkFetched, EndgameRelease, Putback, Status)
// do not check for closure and keep working. The mailbox pump goroutine
// started by New is stopped; jobs still queued in the mailbox may be
// dropped.
func (s *Scheduler[P]) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !alreadyClosed {
		close(s.mailboxStop)
	}
}

// Status reports per-torrent introspection counters: the number of blocks
// currently not_fetched, assigned, and fetched in the block index, and
// whether the torrent is in endgame mode, grounded on webseedPeer's
// peerImplStatusLines convention of exposing a small human-readable status
// snapshot rather than full metrics export.
type Status struct {
	NotFetched int
	Assigned   int
	Fetched    int
	Endgame    bool
}

// Status answers the scheduler status/introspection operation for torrent_id.
func (s *Scheduler[P]) Status(t types.TorrentID) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRegisteredLocked(t) {
		return Status{}, schederr.ErrUnknownTorrent
	}
	nf, assigned, fetched := s.index.TorrentCounts(t)
	return Status{
		NotFetched: nf,
		Assigned:   assigned,
		Fetched:    fetched,
		Endgame:    s.cat.IsEndgame(t),
	}, nil
}

func dedupOrdered(have []types.PieceIndex) []types.PieceIndex {
	seen := make(map[types.PieceIndex]struct{}, len(have))
	out := make([]types.PieceIndex, 0, len(have))
	for _, p := range have {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func toSet(ps []types.PieceIndex) map[types.PieceIndex]struct{} {
	m := make(map[types.PieceIndex]struct{}, len(ps))
	for _, p := range ps {
		m[p] = struct{}{}
	}
	return m
}

func intersectOrdered(ordered []types.PieceIndex, set map[types.PieceIndex]struct{}) []types.PieceIndex {
	out := make([]types.PieceIndex, 0, len(ordered))
	for _, p := range ordered {
		if _, ok := set[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func removePiece(ordered []types.PieceIndex, p types.PieceIndex) []types.PieceIndex {
	out := ordered[:0:0]
	for _, x := range ordered {
		if x != p {
			out = append(out, x)
		}
	}
	return out
}
