package downloader

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/xdchain/blocksync/blocktypes"
)

const (
	bulkBodyRequestCap     = 16384
	bodyRequestMultiplier  = 32
	bodyLatchTimeout       = 200 * time.Millisecond
	freshTipShardThreshold = 3 // see DESIGN.md Open Question 2
)

// BodyLoop is the single logical worker described in spec.md §4.3.
type BodyLoop struct {
	queue *SyncQueue
	pool  PeerPool
	pipe  *Pipeline

	pending []blocktypes.BlocksRequest

	latchMu sync.Mutex
	latch   *countDownLatch

	quit chan struct{}
	done chan struct{}
}

func newBodyLoop(q *SyncQueue, p PeerPool, pipe *Pipeline) *BodyLoop {
	return &BodyLoop{
		queue: q,
		pool:  p,
		pipe:  pipe,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (l *BodyLoop) stop() { close(l.quit) }

func (l *BodyLoop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			return
		default:
		}

		if len(l.pending) == 0 {
			req := l.queue.RequestBlocks(bulkBodyRequestCap)
			l.pending = req.Split(blocktypes.MaxInRequest)
		}

		if len(l.pending) == 0 && l.pipe.headersComplete() && l.queue.BodiesDone() {
			l.pipe.markDownloadComplete()
			l.pipe.finishDownload()
			return
		}

		free := l.pipe.blockQueueFreeSize()
		if free <= blocktypes.MaxInRequest {
			l.waitLatch(1, bodyLatchTimeout)
			continue
		}

		maxBlocks := blocktypes.MaxInRequest * min(free/blocktypes.MaxInRequest, bodyRequestMultiplier)

		l.dispatchFreshTip()

		dispatched := l.dispatchShards(maxBlocks)
		if dispatched == 0 {
			l.waitLatch(1, bodyLatchTimeout)
			continue
		}
		l.waitLatch(max(dispatched-2, 1), bodyLatchTimeout)
	}
}

// dispatchFreshTip implements spec.md §4.3 step 5: when the only pending
// work is a single small shard, send each header straight to the peer
// that originally delivered it, exploiting recency locality. These
// dispatches neither consume the main budget nor remove the shard, so a
// slow fresh-tip peer never blocks the regular shard rotation.
func (l *BodyLoop) dispatchFreshTip() {
	if len(l.pending) != 1 || len(l.pending[0].Headers) > freshTipShardThreshold {
		return
	}
	for _, hw := range l.pending[0].Headers {
		peer := l.pool.ByNodeID(hw.PeerID)
		if peer == nil {
			continue
		}
		l.pool.MarkBusy(hw.PeerID)
		fut := peer.SendGetBlockBodies([]blocktypes.HeaderWrapper{hw})
		if fut == nil {
			l.pool.MarkIdle(hw.PeerID)
			continue
		}
		l.launchCompletion(blocktypes.BlocksRequest{Headers: []blocktypes.HeaderWrapper{hw}}, hw.PeerID, fut)
	}
}

// dispatchShards tries to hand every shard in l.pending to an idle peer,
// stopping once the budget or the idle-peer supply runs out. Dispatched
// shards are removed from l.pending; a shard whose send returns nil (peer
// gone) stays pending for the next pass, mirroring HeaderLoop.dispatchPending.
func (l *BodyLoop) dispatchShards(maxBlocks int) int {
	var (
		dispatched int
		blocksReq  int
	)
	for i, shard := range l.pending {
		if blocksReq >= maxBlocks {
			break
		}
		peer := l.pool.AnyIdle()
		if peer == nil {
			log.Trace("blocksync: body dispatch stalled", "err", errNoPeer, "remaining", len(l.pending)-i)
			break
		}
		fut := peer.SendGetBlockBodies(shard.Headers)
		if fut == nil {
			l.pool.MarkIdle(peer.NodeID())
			continue // leave shard in place for the next pass
		}
		dispatched++
		blocksReq += len(shard.Headers)
		l.launchCompletion(shard, peer.NodeID(), fut)
		l.pending[i] = blocktypes.BlocksRequest{} // mark consumed
	}
	l.pending = compactDispatchedShards(l.pending)
	return dispatched
}

// compactDispatchedShards drops the zero-value placeholders dispatchShards
// leaves behind for successfully-dispatched shards.
func compactDispatchedShards(reqs []blocktypes.BlocksRequest) []blocktypes.BlocksRequest {
	out := reqs[:0]
	for _, r := range reqs {
		if len(r.Headers) != 0 {
			out = append(out, r)
		}
	}
	return out
}

func (l *BodyLoop) waitLatch(n int, timeout time.Duration) {
	latch := newCountDownLatch(n)
	l.latchMu.Lock()
	l.latch = latch
	l.latchMu.Unlock()
	latch.Wait(timeout)
}

func (l *BodyLoop) countDown() {
	l.latchMu.Lock()
	latch := l.latch
	l.latchMu.Unlock()
	if latch != nil {
		latch.Done()
	}
}

func (l *BodyLoop) launchCompletion(req blocktypes.BlocksRequest, peerID string, fut BlocksFuture) {
	start := time.Now()
	go func() {
		defer l.pool.MarkIdle(peerID)
		defer l.countDown()

		blocksCh, errCh := fut.Blocks()
		var (
			blocks []*blocktypes.Block
			err    error
		)
		select {
		case blocks = <-blocksCh:
		case err = <-errCh:
		case <-l.quit:
			return
		}
		bodyReqTimer.Update(time.Since(start))
		bodiesRequestedMeter.Mark(1)

		if err != nil {
			l.fail(peerID, err)
			return
		}

		if err := l.queue.AddBlocks(blocks, peerID, l.pipe.pushBlocks); classify(err) {
			l.fail(peerID, err)
			return
		}
	}()
}

func (l *BodyLoop) fail(peerID string, err error) {
	log.Debug("blocksync: body request failed, dropping peer", "peer", peerID, "err", err)
	bodiesRejectedMeter.Mark(1)
	if peer := l.pool.ByNodeID(peerID); peer != nil {
		peer.Drop()
	}
	if pooled, ok := l.pool.(*Pool); ok {
		pooled.Remove(peerID)
	}
}

