package downloader

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/xdchain/blocksync/blocktypes"
)

const (
	maxHeaderRequests   = 128
	headerLatchTimeout  = 500 * time.Millisecond
	headerLatchSyncedTO = 10 * time.Second
)

// HeaderLoop is the single logical worker described in spec.md §4.2: it
// pulls gap-filling header requests from the queue, dispatches them to
// idle peers, validates responses, and feeds validated headers back.
type HeaderLoop struct {
	queue     *SyncQueue
	pool      PeerPool
	validator HeaderValidator
	pipe      *Pipeline

	pending []blocktypes.HeadersRequest

	latchMu sync.Mutex
	latch   *countDownLatch

	quit chan struct{}
	done chan struct{}
}

func newHeaderLoop(q *SyncQueue, p PeerPool, v HeaderValidator, pipe *Pipeline) *HeaderLoop {
	return &HeaderLoop{
		queue:     q,
		pool:      p,
		validator: v,
		pipe:      pipe,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (l *HeaderLoop) stop() { close(l.quit) }

// run is the worker's cycle. It exits when the queue signals the header
// chain is complete and either bodies are disabled or the body loop has
// completed the download, or when stop() is called.
func (l *HeaderLoop) run() {
	defer close(l.done)

	for {
		select {
		case <-l.quit:
			return
		default:
		}

		if len(l.pending) == 0 {
			reqs, done := l.queue.RequestHeaders(blocktypes.MaxInRequest, maxHeaderRequests, l.pipe.cfg.HeaderQueueLimit)
			if done {
				l.pipe.markHeadersComplete()
				if !l.pipe.bodiesEnabled {
					l.pipe.markDownloadComplete()
					l.pipe.finishDownload()
					return
				}
				if l.pipe.DownloadComplete() {
					return
				}
				l.waitLatch(1)
				continue
			}
			l.pending = reqs
		}

		dispatched := l.dispatchPending()
		if dispatched == 0 {
			l.waitLatch(1)
			continue
		}
		l.waitLatch(max(dispatched/2, 1))
	}
}

func (l *HeaderLoop) waitLatch(n int) {
	latch := newCountDownLatch(n)
	l.latchMu.Lock()
	l.latch = latch
	l.latchMu.Unlock()

	timeout := headerLatchTimeout
	if l.pipe.isSyncDone() {
		timeout = headerLatchSyncedTO
	}
	latch.Wait(timeout)
}

func (l *HeaderLoop) countDown() {
	l.latchMu.Lock()
	latch := l.latch
	l.latchMu.Unlock()
	if latch != nil {
		latch.Done()
	}
}

// dispatchPending tries to hand every request in l.pending to an idle
// peer, stopping as soon as peers run out (spec.md §4.2 step 2: "if no
// peer is available, break the inner loop"). Dispatched requests are
// removed from l.pending; requests whose send returns nil (peer gone)
// stay pending for the next iteration, alongside everything not yet
// attempted once peers ran out.
func (l *HeaderLoop) dispatchPending() int {
	var dispatched int
	for i, req := range l.pending {
		peer := l.pool.AnyIdle()
		if peer == nil {
			log.Trace("blocksync: header dispatch stalled", "err", errNoPeer, "remaining", len(l.pending)-i)
			break
		}
		fut := peer.SendGetBlockHeadersRange(req.StartNumber, req.Count, req.Reverse)
		if fut == nil {
			l.pool.MarkIdle(peer.NodeID())
			continue // leave req in place for the next pass
		}
		dispatched++
		l.launchCompletion(req, peer.NodeID(), fut)
		l.pending[i] = blocktypes.HeadersRequest{} // mark consumed
	}
	l.pending = compactDispatched(l.pending)
	return dispatched
}

// compactDispatched drops the zero-value placeholders dispatchPending
// leaves behind for successfully-dispatched requests.
func compactDispatched(reqs []blocktypes.HeadersRequest) []blocktypes.HeadersRequest {
	out := reqs[:0]
	for _, r := range reqs {
		if r.Count != 0 {
			out = append(out, r)
		}
	}
	return out
}

// launchCompletion waits on a single dispatched request's future in its
// own goroutine and folds the result back into the queue. Concurrent
// completions from distinct peers are serialised by the queue's own
// mutex, never by this loop.
func (l *HeaderLoop) launchCompletion(req blocktypes.HeadersRequest, peerID string, fut HeadersFuture) {
	start := time.Now()
	go func() {
		defer l.pool.MarkIdle(peerID)
		defer l.countDown()

		headersCh, errCh := fut.Headers()
		var (
			headers []blocktypes.Header
			err     error
		)
		select {
		case headers = <-headersCh:
		case err = <-errCh:
		case <-l.quit:
			return
		}
		headerReqTimer.Update(time.Since(start))
		headersRequestedMeter.Mark(1)

		if err != nil {
			l.fail(peerID, err)
			return
		}

		wrapped := make([]blocktypes.HeaderWrapper, 0, len(headers))
		var parent blocktypes.Header
		for _, h := range headers {
			if err := l.validator.Validate(h, parent); err != nil {
				l.fail(peerID, err)
				return
			}
			wrapped = append(wrapped, blocktypes.HeaderWrapper{Header: h, PeerID: peerID})
			parent = h
		}

		evicted, err := l.queue.AddHeaders(wrapped, l.pipe.pushHeaders)
		if classify(err) {
			l.fail(peerID, err)
			return
		}
		for _, stalePeer := range evicted {
			l.fail(stalePeer, errStalePeer)
		}
	}()
}

func (l *HeaderLoop) fail(peerID string, err error) {
	log.Debug("blocksync: header request failed, dropping peer", "peer", peerID, "err", err)
	if peer := l.pool.ByNodeID(peerID); peer != nil {
		peer.Drop()
	}
	if pooled, ok := l.pool.(*Pool); ok {
		pooled.Remove(peerID)
	}
}

