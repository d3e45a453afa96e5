package downloader

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/xdchain/blocksync/blocktypes"
)

// fakeHeadersFuture/fakeBlocksFuture resolve immediately with a
// pre-baked result, making test peers synchronous and deterministic.
type fakeHeadersFuture struct {
	headers chan []blocktypes.Header
	errs    chan error
}

func (f *fakeHeadersFuture) Headers() (<-chan []blocktypes.Header, <-chan error) {
	return f.headers, f.errs
}

func resolvedHeaders(headers []blocktypes.Header) HeadersFuture {
	f := &fakeHeadersFuture{headers: make(chan []blocktypes.Header, 1), errs: make(chan error, 1)}
	f.headers <- headers
	return f
}

func failedHeaders(err error) HeadersFuture {
	f := &fakeHeadersFuture{headers: make(chan []blocktypes.Header, 1), errs: make(chan error, 1)}
	f.errs <- err
	return f
}

type fakeBlocksFuture struct {
	blocks chan []*blocktypes.Block
	errs   chan error
}

func (f *fakeBlocksFuture) Blocks() (<-chan []*blocktypes.Block, <-chan error) {
	return f.blocks, f.errs
}

func resolvedBlocks(blocks []*blocktypes.Block) BlocksFuture {
	f := &fakeBlocksFuture{blocks: make(chan []*blocktypes.Block, 1), errs: make(chan error, 1)}
	f.blocks <- blocks
	return f
}

func failedBlocks(err error) BlocksFuture {
	f := &fakeBlocksFuture{blocks: make(chan []*blocktypes.Block, 1), errs: make(chan error, 1)}
	f.errs <- err
	return f
}

// fakePeer is a fully in-memory PeerHandle backed by a chain slice built
// by makeTestChain, used by queue/loop/pipeline tests in place of a real
// wire connection.
type fakePeer struct {
	id      string
	height  uint64
	headers []*blocktypes.SimpleHeader
	blocks  map[uint64]*blocktypes.Block

	dropped   bool
	failNext  bool
	failEvery bool
}

func (p *fakePeer) NodeID() string { return p.id }
func (p *fakePeer) Height() uint64 { return p.height }
func (p *fakePeer) Drop()          { p.dropped = true }

func (p *fakePeer) SendGetBlockHeadersRange(start uint64, count uint32, reverse bool) HeadersFuture {
	if p.failEvery || p.failNext {
		p.failNext = false
		return failedHeaders(errPeerGone)
	}
	end := start + uint64(count)
	if end > uint64(len(p.headers)) {
		end = uint64(len(p.headers))
	}
	if start >= end {
		return failedHeaders(errEmptyRequest)
	}
	out := make([]blocktypes.Header, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, p.headers[i])
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return resolvedHeaders(out)
}

func (p *fakePeer) SendGetBlockHeadersSkip(anchor common.Hash, count uint32, step uint32, reverse bool) HeadersFuture {
	return nil
}

func (p *fakePeer) SendGetBlockBodies(headers []blocktypes.HeaderWrapper) BlocksFuture {
	if p.failEvery {
		return failedBlocks(errPeerGone)
	}
	out := make([]*blocktypes.Block, 0, len(headers))
	for _, hw := range headers {
		if b, ok := p.blocks[hw.Header.Number()]; ok {
			out = append(out, b)
		}
	}
	return resolvedBlocks(out)
}

// makeTestChain builds a deterministic, internally-consistent header (and
// optionally block) chain of n+1 entries (heights 0..n).
func makeTestChain(n uint64) ([]*blocktypes.SimpleHeader, map[uint64]*blocktypes.Block) {
	headers := make([]*blocktypes.SimpleHeader, n+1)
	blocks := make(map[uint64]*blocktypes.Block, n+1)
	var parent common.Hash
	for i := uint64(0); i <= n; i++ {
		h := &blocktypes.SimpleHeader{Parent: parent, Height: i}
		h.Self = common.BytesToHash(append([]byte{byte(i), byte(i >> 8), byte(i >> 16)}, parent.Bytes()...))
		headers[i] = h
		blocks[i] = &blocktypes.Block{Header: h}
		parent = h.Self
	}
	return headers, blocks
}
