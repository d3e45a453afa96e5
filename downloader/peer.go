package downloader

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/xdchain/blocksync/blocktypes"
)

// HeadersFuture and BlocksFuture are the nullable futures a PeerHandle
// hands back for an in-flight request. A nil future means the peer can no
// longer carry the request; a non-nil future resolves exactly once, to
// either a result or an error.
type HeadersFuture interface {
	Headers() (<-chan []blocktypes.Header, <-chan error)
}

type BlocksFuture interface {
	Blocks() (<-chan []*blocktypes.Block, <-chan error)
}

// PeerHandle is the opaque identity of a remote peer, as seen by the
// download pipeline. The wire codec and handshake that produced it are
// outside this package's concern.
type PeerHandle interface {
	NodeID() string
	Height() uint64

	SendGetBlockHeadersRange(start uint64, count uint32, reverse bool) HeadersFuture
	SendGetBlockHeadersSkip(anchor common.Hash, count uint32, step uint32, reverse bool) HeadersFuture
	SendGetBlockBodies(headers []blocktypes.HeaderWrapper) BlocksFuture

	Drop()
}

// PeerPool offers idle peers to the header and body loops. It is
// externally maintained; this subsystem only consumes it, and must be
// safe under concurrent access from both loops.
type PeerPool interface {
	AnyIdle() PeerHandle
	ByNodeID(id string) PeerHandle
	MarkBusy(id string)
	MarkIdle(id string)
}

// peerRecord tracks the bookkeeping PeerPool needs beyond the bare handle:
// whether the peer is currently servicing a request from this subsystem,
// and a recent-failure count used to break ties between otherwise-equal
// idle peers (see AnyIdle).
type peerRecord struct {
	handle   PeerHandle
	busy     bool
	failures int
}

// Pool is the default PeerPool: an in-memory set of peers keyed by node
// ID, guarded by a single mutex. Construction and peer churn (Add/Remove)
// are the embedding application's responsibility; this subsystem only
// calls the PeerPool interface above.
type Pool struct {
	mu      sync.Mutex
	peers   map[string]*peerRecord
	dropped mapset.Set[string]
}

// NewPool creates an empty peer pool.
func NewPool() *Pool {
	return &Pool{
		peers:   make(map[string]*peerRecord),
		dropped: mapset.NewSet[string](),
	}
}

// Add registers a peer as idle. Re-adding a dropped peer ID is rejected;
// the pool never resurrects a peer it has seen misbehave.
func (p *Pool) Add(h PeerHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped.Contains(h.NodeID()) {
		return false
	}
	p.peers[h.NodeID()] = &peerRecord{handle: h}
	return true
}

// Remove drops a peer from the pool permanently; it will not be returned
// by subsequent AnyIdle calls even if re-added.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, id)
	p.dropped.Add(id)
	peersDroppedMeter.Mark(1)
	log.Debug("blocksync: peer dropped from pool", "peer", id)
}

// RecordFailure increments a peer's failure count, used only to break
// AnyIdle ties; it never removes the peer by itself.
func (p *Pool) RecordFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.peers[id]; ok {
		rec.failures++
	}
}

// AnyIdle returns an idle peer, preferring the one with the fewest recent
// failures and, among ties, the greatest reported height — the same
// best-of-idle-peers intent as the teacher's bestPeer() TD comparison,
// generalized beyond total difficulty.
func (p *Pool) AnyIdle() PeerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*peerRecord
	for _, rec := range p.peers {
		if !rec.busy {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].failures != candidates[j].failures {
			return candidates[i].failures < candidates[j].failures
		}
		return candidates[i].handle.Height() > candidates[j].handle.Height()
	})
	best := candidates[0]
	best.busy = true
	return best.handle
}

// ByNodeID resolves a node ID back to a handle, for callbacks that
// outlive a single dispatch and need to re-resolve the peer (e.g. to
// drop it).
func (p *Pool) ByNodeID(id string) PeerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.peers[id]; ok {
		return rec.handle
	}
	return nil
}

// MarkBusy flags a peer as currently servicing a request.
func (p *Pool) MarkBusy(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.peers[id]; ok {
		rec.busy = true
	}
}

// MarkIdle releases a peer back to the idle set.
func (p *Pool) MarkIdle(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.peers[id]; ok {
		rec.busy = false
	}
}

// Close releases every peer handle the pool still holds. It does not drop
// peers (that is a misbehaviour signal); it simply detaches the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.peers {
		delete(p.peers, id)
	}
}
