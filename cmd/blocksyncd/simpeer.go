package main

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/xdchain/blocksync/blocktypes"
	"github.com/xdchain/blocksync/downloader"
)

// syntheticChain is a deterministic, in-memory header+block chain a
// simPeer can serve ranges from. It exists purely so cmd/blocksyncd has
// something to download from without a real network stack.
type syntheticChain struct {
	headers []*blocktypes.SimpleHeader
	blocks  []*blocktypes.Block
}

func newSyntheticChain(height uint64) *syntheticChain {
	c := &syntheticChain{
		headers: make([]*blocktypes.SimpleHeader, height+1),
		blocks:  make([]*blocktypes.Block, height+1),
	}
	var parent common.Hash
	for i := uint64(0); i <= height; i++ {
		h := &blocktypes.SimpleHeader{Parent: parent, Height: i}
		h.Self = crypto.Keccak256Hash([]byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}, parent.Bytes())
		c.headers[i] = h
		c.blocks[i] = &blocktypes.Block{Header: h, Body: struct{ N uint64 }{i}}
		parent = h.Self
	}
	return c
}

func (c *syntheticChain) tipHeight() uint64 { return uint64(len(c.headers) - 1) }
func (c *syntheticChain) tipHash() common.Hash {
	return c.headers[len(c.headers)-1].Self
}

// simPeer is a downloader.PeerHandle backed by the syntheticChain, with
// artificial latency and an occasional dropped response to exercise the
// pipeline's retry and peer-eviction paths the way a real flaky peer
// would.
type simPeer struct {
	id       string
	chain    *syntheticChain
	height   uint64
	latency  time.Duration
	failRate float64
	rng      *rand.Rand
	mu       sync.Mutex
}

func newSimPeer(id string, chain *syntheticChain, latency time.Duration, failRate float64, seed int64) *simPeer {
	return &simPeer{
		id:       id,
		chain:    chain,
		height:   chain.tipHeight(),
		latency:  latency,
		failRate: failRate,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (p *simPeer) NodeID() string { return p.id }
func (p *simPeer) Height() uint64 { return p.height }

func (p *simPeer) shouldFail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < p.failRate
}

func (p *simPeer) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency + time.Duration(p.rng.Int63n(int64(p.latency)+1))
}

type simHeadersFuture struct {
	headers chan []blocktypes.Header
	errs    chan error
}

func (f *simHeadersFuture) Headers() (<-chan []blocktypes.Header, <-chan error) { return f.headers, f.errs }

func (p *simPeer) SendGetBlockHeadersRange(start uint64, count uint32, reverse bool) downloader.HeadersFuture {
	fut := &simHeadersFuture{headers: make(chan []blocktypes.Header, 1), errs: make(chan error, 1)}
	go func() {
		time.Sleep(p.jitter())
		if p.shouldFail() {
			fut.errs <- errSimFailure
			return
		}
		end := start + uint64(count)
		if end > uint64(len(p.chain.headers)) {
			end = uint64(len(p.chain.headers))
		}
		if start >= end {
			fut.errs <- errSimFailure
			return
		}
		out := make([]blocktypes.Header, 0, end-start)
		for i := start; i < end; i++ {
			out = append(out, p.chain.headers[i])
		}
		if reverse {
			for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
				out[i], out[j] = out[j], out[i]
			}
		}
		fut.headers <- out
	}()
	return fut
}

func (p *simPeer) SendGetBlockHeadersSkip(anchor common.Hash, count uint32, step uint32, reverse bool) downloader.HeadersFuture {
	// The synthetic chain never needs the skip-list form (it has no
	// forks to probe for a common ancestor), so this simulator declines
	// the request outright.
	return nil
}

type simBlocksFuture struct {
	blocks chan []*blocktypes.Block
	errs   chan error
}

func (f *simBlocksFuture) Blocks() (<-chan []*blocktypes.Block, <-chan error) { return f.blocks, f.errs }

func (p *simPeer) SendGetBlockBodies(headers []blocktypes.HeaderWrapper) downloader.BlocksFuture {
	fut := &simBlocksFuture{blocks: make(chan []*blocktypes.Block, 1), errs: make(chan error, 1)}
	go func() {
		time.Sleep(p.jitter())
		if p.shouldFail() {
			fut.errs <- errSimFailure
			return
		}
		out := make([]*blocktypes.Block, 0, len(headers))
		for _, hw := range headers {
			n := hw.Header.Number()
			if n >= uint64(len(p.chain.blocks)) {
				continue
			}
			out = append(out, p.chain.blocks[n])
		}
		fut.blocks <- out
	}()
	return fut
}

func (p *simPeer) Drop() {}

var errSimFailure = simError("blocksyncd: simulated peer failure")

type simError string

func (e simError) Error() string { return string(e) }
