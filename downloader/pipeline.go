package downloader

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/xdchain/blocksync/blocktypes"
)

// Config carries the pipeline's tunables; see config.Config for the
// externally-loadable superset (TOML file, CLI flags).
type Config struct {
	HeaderQueueLimit int
	BlockQueueLimit  int
	HeadersOnly      bool
}

// DefaultConfig returns the tunables named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		HeaderQueueLimit: 10000,
		BlockQueueLimit:  2000,
	}
}

// Sinks are the downcalls supplied by the embedding application (spec.md
// §6). PushHeaders/PushBlocks receive the contiguous, gap-free, dedup-free
// prefix as it's assembled; BlockQueueFreeSize is advisory backpressure;
// FinishDownload is an idempotent terminal hook.
type Sinks struct {
	PushHeaders       func([]blocktypes.HeaderWrapper)
	PushBlocks        func([]blocktypes.BlockWrapper)
	BlockQueueFreeSize func() int
	FinishDownload    func()
}

// Pipeline is the lifecycle owner of the header and body loops (spec.md
// §4.5). It owns no peer or queue state itself; those are constructor
// arguments, shared with the loops it supervises.
type Pipeline struct {
	cfg   Config
	sinks Sinks
	mux   *event.TypeMux

	bodiesEnabled bool

	headers *HeaderLoop
	bodies  *BodyLoop

	headersDone atomic.Bool
	allDone     atomic.Bool
	syncedHint  atomic.Bool

	group    *errgroup.Group
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPipeline wires a queue and peer pool into a ready-to-Init pipeline.
// headersOnly disables the body loop entirely, for light-sync mode.
func NewPipeline(cfg Config, sinks Sinks, queue *SyncQueue, pool PeerPool, validator HeaderValidator, headersOnly bool) *Pipeline {
	p := &Pipeline{
		cfg:           cfg,
		sinks:         sinks,
		mux:           new(event.TypeMux),
		bodiesEnabled: !headersOnly,
		stopped:       make(chan struct{}),
	}
	p.headers = newHeaderLoop(queue, pool, validator, p)
	if p.bodiesEnabled {
		p.bodies = newBodyLoop(queue, pool, p)
	}
	return p
}

// Init starts every enabled worker. Headers always run; bodies run
// unless the pipeline was constructed headers-only. Calling Init twice on
// the same Pipeline returns errBusy rather than starting a second set of
// workers against the same queue.
func (p *Pipeline) Init() error {
	if p.group != nil {
		return errBusy
	}
	p.mux.Post(StartEvent{})

	var g errgroup.Group
	p.group = &g
	g.Go(func() error {
		p.headers.run()
		return nil
	})
	if p.bodiesEnabled {
		g.Go(func() error {
			p.bodies.run()
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		p.mux.Post(DoneEvent{})
		close(p.stopped)
	}()
	return nil
}

// Stop interrupts both workers and returns immediately; use WaitForStop
// to block until they've actually exited. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.headers.stop()
		if p.bodiesEnabled {
			p.bodies.stop()
		}
	})
}

// WaitForStop blocks until both workers have exited, however that
// happened (natural completion or Stop()).
func (p *Pipeline) WaitForStop() {
	<-p.stopped
}

// Close stops the pipeline and releases the peer pool, if it supports
// closing.
func (p *Pipeline) Close(pool PeerPool) {
	p.Stop()
	p.WaitForStop()
	if closer, ok := pool.(*Pool); ok {
		closer.Close()
	}
}

// Subscribe exposes the pipeline's lifecycle event feed (StartEvent,
// DoneEvent, FailedEvent) to interested observers, mirroring the
// teacher's d.mux.Post(...) convention.
func (p *Pipeline) Subscribe(types ...interface{}) *event.TypeMuxSubscription {
	return p.mux.Subscribe(types...)
}

func (p *Pipeline) pushHeaders(h []blocktypes.HeaderWrapper) {
	if p.sinks.PushHeaders != nil {
		p.sinks.PushHeaders(h)
	}
}

func (p *Pipeline) pushBlocks(b []blocktypes.BlockWrapper) {
	if p.sinks.PushBlocks != nil {
		p.sinks.PushBlocks(b)
	}
}

func (p *Pipeline) blockQueueFreeSize() int {
	if p.sinks.BlockQueueFreeSize != nil {
		return p.sinks.BlockQueueFreeSize()
	}
	return p.cfg.BlockQueueLimit
}

func (p *Pipeline) finishDownload() {
	p.allDone.Store(true)
	if p.sinks.FinishDownload != nil {
		p.sinks.FinishDownload()
	}
	log.Info("blocksync: download complete")
}

func (p *Pipeline) markHeadersComplete() { p.headersDone.Store(true) }
func (p *Pipeline) headersComplete() bool { return p.headersDone.Load() }
func (p *Pipeline) markDownloadComplete() { p.allDone.Store(true) }

// DownloadComplete reports spec.md §5's terminal flag.
func (p *Pipeline) DownloadComplete() bool { return p.allDone.Load() }

// isSyncDone is the post-sync steady-state hint that lengthens the
// header loop's latch timeout once the pipeline believes it has caught
// up, per spec.md §4.2 step 4. The embedding application may also flip
// this directly via MarkSynced for e.g. a "no peers above us" signal.
func (p *Pipeline) isSyncDone() bool { return p.syncedHint.Load() || p.allDone.Load() }

// MarkSynced lets the embedding application declare the post-sync steady
// state even before DownloadComplete (e.g. once no peer reports a height
// above the local tip).
func (p *Pipeline) MarkSynced(synced bool) { p.syncedHint.Store(synced) }

// StartEvent, DoneEvent and FailedEvent are posted on the pipeline's
// event.TypeMux, mirroring the teacher's own StartEvent/DoneEvent/
// FailedEvent lifecycle notifications.
type StartEvent struct{}
type DoneEvent struct{}
type FailedEvent struct{ Err error }
