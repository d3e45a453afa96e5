package downloader

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/xdchain/blocksync/blocktypes"
)

// reservationTTL bounds how long a gap-filling request (header range or
// body shard) is considered "in flight" before the queue will hand the
// same range out again. It is deliberately longer than the header/body
// loop latch timeouts so a slow-but-alive peer isn't raced by a duplicate
// dispatch on every single poll; a duplicate that does occur is harmless
// since addHeaders/addBlocks treat already-known heights as no-ops.
const reservationTTL = 4 * time.Second

// seenHashCacheBytes bounds the bad-hash cache (seen) below, independent of
// headerQueueLimit, so a flood of distinct-looking duplicate/rejected
// batches from a misbehaving peer cannot grow unboundedly before that
// peer is dropped.
const seenHashCacheBytes = 4 * 1024 * 1024

type queuedHeader struct {
	header blocktypes.Header
	peerID string
}

type reservation struct {
	start    uint64
	count    uint32
	deadline time.Time
}

// SyncQueue is the reassembly buffer described in spec.md §4.1: a
// partially-ordered DAG of known headers keyed by hash, with a single
// advancing tip and the bookkeeping needed to turn gap-filling requests
// into a contiguous, gapless, duplicate-free output stream. It is the
// only shared mutable state between the header and body loops; every
// exported method here holds mu while it reads or mutates queue state
// (no peer I/O happens through the queue), and AddHeaders/AddBlocks
// release it before calling their emit callback.
type SyncQueue struct {
	mu sync.Mutex

	bodiesEnabled bool

	headerTip     uint64
	headerTipHash common.Hash
	targetHeight  uint64

	// headers known but not yet part of the contiguous prefix, keyed by
	// height. Entries below headerTip never linger here.
	pending map[uint64]queuedHeader
	// headerReservations tracks in-flight header range requests so
	// requestHeaders doesn't immediately re-issue the same gap.
	headerReservations map[uint64]*reservation

	// blockTip tracks the contiguous body-assembly frontier; always
	// <= headerTip. Unused when bodiesEnabled is false.
	blockTip uint64
	// awaitingBody holds headers in (blockTip, headerTip] that still need
	// a body, and blocksByHeight holds bodies received out of order.
	awaitingBody    map[uint64]queuedHeader
	blocksByHeight  map[uint64]*blocktypes.Block
	blockPeerByHash map[common.Hash]string
	// bodyReservations mirrors headerReservations, keyed by height.
	bodyReservations map[uint64]*reservation

	// seen is a bounded negative cache of hashes that previously failed
	// structural validation, so a peer replaying the same bad batch isn't
	// re-validated from scratch every time before it's dropped.
	seen *fastcache.Cache

	// headerEmitMu/blockEmitMu serialize calls into the pushHeaders/
	// pushBlocks sinks across concurrent AddHeaders/AddBlocks callers, so
	// emission order always matches the order in which the tip actually
	// advanced. Each is acquired while mu is still held (guaranteeing
	// acquisition order matches mutation order) and released only after
	// the corresponding emit callback returns; mu itself is released
	// before the callback runs, so a slow sink never blocks unrelated
	// queue operations, only a same-sink emission that raced it.
	headerEmitMu sync.Mutex
	blockEmitMu  sync.Mutex
}

// NewSyncQueue creates a queue whose tip starts at (originHeight,
// originHash) — normally the local chain head — targeting targetHeight,
// the best known remote chain height. bodiesEnabled selects headers-only
// mode (light sync) vs. full header+body sync.
func NewSyncQueue(originHeight uint64, originHash common.Hash, targetHeight uint64, bodiesEnabled bool) *SyncQueue {
	return &SyncQueue{
		bodiesEnabled:      bodiesEnabled,
		headerTip:          originHeight,
		headerTipHash:      originHash,
		targetHeight:       targetHeight,
		pending:            make(map[uint64]queuedHeader),
		headerReservations: make(map[uint64]*reservation),
		blockTip:           originHeight,
		awaitingBody:       make(map[uint64]queuedHeader),
		blocksByHeight:     make(map[uint64]*blocktypes.Block),
		blockPeerByHash:    make(map[common.Hash]string),
		bodyReservations:   make(map[uint64]*reservation),
		seen:               fastcache.New(seenHashCacheBytes),
	}
}

func heightKey(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

// RequestHeaders returns up to maxRequests gap-filling header requests,
// each of size <= maxPerRequest, or nil+true for NONE once the header
// chain is known complete. totalPendingLimit bounds the combined count of
// buffered-but-unemitted plus in-flight-requested headers.
func (q *SyncQueue) RequestHeaders(maxPerRequest int, maxRequests int, totalPendingLimit int) (reqs []blocktypes.HeadersRequest, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.headerTip >= q.targetHeight {
		return nil, true
	}

	q.reapHeaderReservations()

	load := len(q.pending)
	for _, r := range q.headerReservations {
		load += int(r.count)
	}
	if load >= totalPendingLimit {
		return nil, false
	}

	covered := func(height uint64) bool {
		if _, ok := q.pending[height]; ok {
			return true
		}
		for _, r := range q.headerReservations {
			if height >= r.start && height < r.start+uint64(r.count) {
				return true
			}
		}
		return false
	}

	cursor := q.headerTip + 1
	for len(reqs) < maxRequests && cursor <= q.targetHeight {
		if covered(cursor) {
			cursor++
			continue
		}
		count := uint32(maxPerRequest)
		if remaining := q.targetHeight - cursor + 1; uint64(count) > remaining {
			count = uint32(remaining)
		}
		// Shrink the request so it never spans into a height that's
		// already covered — keeps gap requests disjoint.
		for n := uint32(1); n < count; n++ {
			if covered(cursor + uint64(n)) {
				count = n
				break
			}
		}
		reqs = append(reqs, blocktypes.NewHeadersRangeRequest(cursor, count, false))
		q.headerReservations[cursor] = &reservation{start: cursor, count: count, deadline: time.Now().Add(reservationTTL)}
		cursor += uint64(count)
	}
	return reqs, false
}

func (q *SyncQueue) reapHeaderReservations() {
	now := time.Now()
	for h, r := range q.headerReservations {
		if now.After(r.deadline) {
			delete(q.headerReservations, h)
		}
	}
}

// AddHeaders absorbs a batch of headers from a single response, validates
// them structurally, and — if the result is a new contiguous prefix —
// invokes emit with it before returning. Non-contiguous headers are
// buffered as islands. A structural violation rejects the whole batch.
//
// emit is called with the queue's header-emission lock held but never
// with the queue's own state lock held, so calls from concurrent
// AddHeaders invocations are serialized in the same order their
// mutations committed: spec.md §5's "pushHeaders emits h exactly once,
// ascending" guarantee would otherwise be only per-call, not across
// calls, since releasing the state lock before pushing lets two
// completions race the sink in whichever order the scheduler picks.
//
// evictedPeers names peers whose previously-buffered island header was
// discarded, either because this batch links to the tip and holds a
// different header at the same height, or because, once the tip actually
// reached it, it failed to link — see advanceHeaderTip. The caller should treat each as a
// validation failure (drop the peer).
func (q *SyncQueue) AddHeaders(batch []blocktypes.HeaderWrapper, emit func([]blocktypes.HeaderWrapper)) (evictedPeers []string, err error) {
	if len(batch) == 0 {
		return nil, nil
	}

	q.mu.Lock()

	sorted := make([]blocktypes.HeaderWrapper, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Header.Number() < sorted[j].Header.Number() })

	if bad, verr := q.validateBatch(sorted); verr != nil {
		// Only the header actually responsible for the broken link is
		// blacklisted; innocent headers elsewhere in the same batch may
		// still be legitimate and arrive again from another peer.
		if bad != (common.Hash{}) {
			q.markSeenBad(bad)
		}
		headersRejectedMeter.Mark(int64(len(sorted)))
		q.mu.Unlock()
		return nil, verr
	}

	// validateBatch has already checked that a batch starting at tip+1
	// links to the tip, so such a batch is anchored to the tip branch.
	anchored := sorted[0].Header.Number() == q.headerTip+1
	var displaced []string
	for _, hw := range sorted {
		h := hw.Header.Number()
		if h <= q.headerTip {
			continue // already emitted; duplicate/replay, ignore
		}
		if existing, ok := q.pending[h]; ok && existing.header.Hash() != hw.Header.Hash() {
			// Collision at the same height. An anchored batch proves the
			// stored header unreachable from the tip: it replaces it and
			// the stored header's peer is reported as evicted. Otherwise
			// first arrival stands for now, and advanceHeaderTip below is
			// the arbiter once the tip reaches this height.
			if !anchored {
				continue
			}
			displaced = append(displaced, existing.peerID)
		}
		q.pending[h] = queuedHeader{header: hw.Header, peerID: hw.PeerID}
	}

	contiguous, evicted := q.advanceHeaderTip()
	evicted = append(displaced, evicted...)

	if len(contiguous) == 0 {
		q.mu.Unlock()
		return evicted, nil
	}

	q.headerEmitMu.Lock()
	q.mu.Unlock()
	emit(contiguous)
	q.headerEmitMu.Unlock()

	return evicted, nil
}

// validateBatch enforces spec.md §4.1's structural invariants: within the
// batch, adjacent heights differ by exactly one (range requests) and
// parentHash(h) == hash(h-1) wherever both are present — either within
// the batch itself or against an already-stored/emitted header. On
// failure it also reports the single header hash responsible, so the
// caller can blacklist just that one rather than the whole batch.
func (q *SyncQueue) validateBatch(sorted []blocktypes.HeaderWrapper) (common.Hash, error) {
	for i, hw := range sorted {
		if hw.Header == nil {
			return common.Hash{}, errBadHeaders
		}
		if q.hasSeenBad(hw.Header.Hash()) {
			return common.Hash{}, errBadHeaders
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1].Header
		if hw.Header.Number() != prev.Number()+1 || hw.Header.ParentHash() != prev.Hash() {
			return hw.Header.Hash(), errBadHeaders
		}
	}
	// Cross-reference the batch's bottom against already-known state.
	first := sorted[0].Header
	if first.Number() == q.headerTip+1 && first.ParentHash() != q.headerTipHash {
		return first.Hash(), errBadHeaders
	}
	if prevHdr, ok := q.pending[first.Number()-1]; ok && first.ParentHash() != prevHdr.header.Hash() {
		return first.Hash(), errBadHeaders
	}
	return common.Hash{}, nil
}

func (q *SyncQueue) markSeenBad(h common.Hash) { q.seen.Set(h[:], []byte{1}) }
func (q *SyncQueue) hasSeenBad(h common.Hash) bool {
	return q.seen.Has(h[:])
}

// advanceHeaderTip walks forward from headerTip while the next height is
// present and correctly linked, returning the newly contiguous wrappers.
// In headers-only mode, consumed entries are dropped from `pending`
// immediately (their lifecycle ends at emission); otherwise they move
// into awaitingBody for the body loop.
//
// If the next pending height is present but its parent hash does not
// match the tip, it has just been proven unreachable from the tip (spec
// §4.1: "the queue retains whichever branch is anchored to the tip;
// other islands are discarded once proven unreachable"). It stood at
// this height only because it arrived first and won the provisional
// insertion-time tie-break in AddHeaders; now that the tip has actually
// reached it, it is evicted so the height is re-requested and delivered
// by a peer on the canonical branch, and its supplying peer is reported
// in evictedPeers for the caller to drop. Without this eviction the tip
// would stall here forever.
func (q *SyncQueue) advanceHeaderTip() (out []blocktypes.HeaderWrapper, evictedPeers []string) {
	for {
		next, ok := q.pending[q.headerTip+1]
		if !ok {
			break
		}
		if next.header.ParentHash() != q.headerTipHash {
			delete(q.pending, q.headerTip+1)
			q.reopenHeaderReservation(q.headerTip + 1)
			evictedPeers = append(evictedPeers, next.peerID)
			log.Debug("blocksync: evicting unreachable header island", "height", q.headerTip+1, "peer", next.peerID)
			break
		}
		delete(q.pending, q.headerTip+1)
		q.headerTip++
		q.headerTipHash = next.header.Hash()
		out = append(out, blocktypes.HeaderWrapper{Header: next.header, PeerID: next.peerID})
		if q.bodiesEnabled {
			q.awaitingBody[q.headerTip] = next
		}
	}
	pendingHeadersGauge.Update(int64(len(q.pending)))
	return out, evictedPeers
}

// reopenHeaderReservation clears any in-flight reservation covering
// height h, so RequestHeaders can re-issue it immediately instead of
// waiting out reservationTTL after an eviction.
func (q *SyncQueue) reopenHeaderReservation(h uint64) {
	for start, r := range q.headerReservations {
		if h >= r.start && h < r.start+uint64(r.count) {
			delete(q.headerReservations, start)
		}
	}
}

// RequestBlocks returns a request covering up to max headers whose
// bodies are not yet held, oldest first. The caller shards it via
// BlocksRequest.Split.
func (q *SyncQueue) RequestBlocks(max int) blocktypes.BlocksRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reapBodyReservations()

	if len(q.awaitingBody) == 0 {
		return blocktypes.BlocksRequest{}
	}

	heights := make([]uint64, 0, len(q.awaitingBody))
	for h := range q.awaitingBody {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	var wrappers []blocktypes.HeaderWrapper
	for _, h := range heights {
		if len(wrappers) >= max {
			break
		}
		if _, reserved := q.bodyReservations[h]; reserved {
			continue
		}
		qh := q.awaitingBody[h]
		wrappers = append(wrappers, blocktypes.HeaderWrapper{Header: qh.header, PeerID: qh.peerID})
		q.bodyReservations[h] = &reservation{start: h, count: 1, deadline: time.Now().Add(reservationTTL)}
	}
	if len(wrappers) == 0 {
		return blocktypes.BlocksRequest{}
	}
	return blocktypes.BlocksRequest{Headers: wrappers}
}

func (q *SyncQueue) reapBodyReservations() {
	now := time.Now()
	for h, r := range q.bodyReservations {
		if now.After(r.deadline) {
			delete(q.bodyReservations, h)
		}
	}
}

// AddBlocks absorbs delivered bodies, matching them to awaited headers by
// hash, and — if the result is a new contiguous prefix — invokes emit
// with it before returning. Blocks for a height nobody is awaiting
// (stale/duplicate/unsolicited) are silently dropped rather than treated
// as a failure, since a body response carries no structural chain to
// validate beyond identity; a block that *is* awaited but whose hash
// doesn't match the header it's claimed for is a genuine mismatch and
// is reported via errBadBlocks so the caller can drop the offending
// peer, without discarding whatever else in the same batch did match.
//
// emit observes the same cross-call ordering guarantee as AddHeaders'
// emit parameter (see its doc comment), via blockEmitMu.
func (q *SyncQueue) AddBlocks(blocks []*blocktypes.Block, peerID string, emit func([]blocktypes.BlockWrapper)) error {
	if len(blocks) == 0 {
		return nil
	}
	q.mu.Lock()

	var mismatched bool
	for _, b := range blocks {
		if b == nil || b.Header == nil {
			continue
		}
		h := b.Header.Number()
		qh, ok := q.awaitingBody[h]
		if !ok {
			continue // nobody is waiting on this height; stale or unsolicited
		}
		if qh.header.Hash() != b.Hash() {
			mismatched = true
			continue
		}
		delete(q.bodyReservations, h)
		q.blocksByHeight[h] = b
		q.blockPeerByHash[b.Hash()] = peerID
	}

	var out []blocktypes.BlockWrapper
	for {
		blk, ok := q.blocksByHeight[q.blockTip+1]
		if !ok {
			break
		}
		delete(q.blocksByHeight, q.blockTip+1)
		delete(q.awaitingBody, q.blockTip+1)
		deliveredBy := q.blockPeerByHash[blk.Hash()]
		delete(q.blockPeerByHash, blk.Hash())
		q.blockTip++
		out = append(out, blocktypes.BlockWrapper{Block: blk, PeerID: deliveredBy})
	}
	pendingBlocksGauge.Update(int64(len(q.blocksByHeight)))

	if len(out) == 0 {
		q.mu.Unlock()
		if mismatched {
			return errBadBlocks
		}
		return nil
	}

	q.blockEmitMu.Lock()
	q.mu.Unlock()
	emit(out)
	q.blockEmitMu.Unlock()

	if mismatched {
		return errBadBlocks
	}
	return nil
}

// HeaderTip reports the height of the last contiguously-validated header.
func (q *SyncQueue) HeaderTip() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headerTip
}

// BlockTip reports the height of the last contiguously-emitted block.
func (q *SyncQueue) BlockTip() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.blockTip
}

// HeadersDone reports whether the header chain is known complete.
func (q *SyncQueue) HeadersDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headerTip >= q.targetHeight
}

// BodiesDone reports whether every known header through the target has a
// delivered, emitted body.
func (q *SyncQueue) BodiesDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headerTip >= q.targetHeight && q.blockTip >= q.headerTip && len(q.awaitingBody) == 0
}

// DropPeerWork is a no-op: a dropped peer's reservations are left for
// natural TTL expiry. blocksync doesn't need to know which heights a
// dropped peer was serving to make progress, since any reservation simply
// times out and is re-issued to the next idle peer. Logged here purely
// for discoverability when diagnosing slow recovery after a drop.
func (q *SyncQueue) DropPeerWork(peerID string) {
	log.Debug("blocksync: peer dropped, in-flight work will be reclaimed on reservation expiry", "peer", peerID)
}
