package downloader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xdchain/blocksync/blocktypes"
)

func TestPipelineHeadersOnlyDownloadsFullChain(t *testing.T) {
	const height = 1000
	hdrs, _ := makeTestChain(height)

	pool := NewPool()
	for i := 0; i < 4; i++ {
		pool.Add(&fakePeer{id: string(rune('a' + i)), height: height, headers: hdrs})
	}

	queue := NewSyncQueue(0, hdrs[0].Self, height, false)

	var received []blocktypes.HeaderWrapper
	finished := make(chan struct{})
	sinks := Sinks{
		PushHeaders: func(h []blocktypes.HeaderWrapper) { received = append(received, h...) },
		FinishDownload: func() {
			close(finished)
		},
	}

	pipe := NewPipeline(Config{HeaderQueueLimit: 10000}, sinks, queue, pool, ChainHeaderValidator{}, true)
	require.NoError(t, pipe.Init())

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("headers-only pipeline never finished")
	}
	pipe.WaitForStop()

	require.Len(t, received, height)
	require.Equal(t, uint64(height), queue.HeaderTip())
	for i, hw := range received {
		require.Equal(t, uint64(i+1), hw.Header.Number())
	}
}

func TestPipelineHeadersAndBodiesDownloadFullChain(t *testing.T) {
	const height = 400
	hdrs, blocks := makeTestChain(height)

	pool := NewPool()
	for i := 0; i < 3; i++ {
		pool.Add(&fakePeer{id: string(rune('a' + i)), height: height, headers: hdrs, blocks: blocks})
	}

	queue := NewSyncQueue(0, hdrs[0].Self, height, true)

	var blockCount int
	finished := make(chan struct{})
	sinks := Sinks{
		PushBlocks: func(b []blocktypes.BlockWrapper) { blockCount += len(b) },
		BlockQueueFreeSize: func() int {
			return int(height) // ample room, this test isn't about backpressure
		},
		FinishDownload: func() { close(finished) },
	}

	pipe := NewPipeline(Config{HeaderQueueLimit: 10000, BlockQueueLimit: height}, sinks, queue, pool, ChainHeaderValidator{}, false)
	require.NoError(t, pipe.Init())

	select {
	case <-finished:
	case <-time.After(15 * time.Second):
		t.Fatal("full pipeline never finished")
	}
	pipe.WaitForStop()

	require.Equal(t, height, blockCount)
	require.Equal(t, uint64(height), queue.BlockTip())
	require.True(t, queue.BodiesDone())
}

func TestPipelineDropsPeerOnBadHeaders(t *testing.T) {
	const height = 50
	hdrs, _ := makeTestChain(height)

	good := &fakePeer{id: "good", height: height, headers: hdrs}
	// bad advertises a greater height, so AnyIdle hands it the first request.
	bad := &fakePeer{id: "bad", height: height + 1, headers: corruptedHeaders(hdrs)}

	pool := NewPool()
	pool.Add(good)
	pool.Add(bad)

	queue := NewSyncQueue(0, hdrs[0].Self, height, false)
	finished := make(chan struct{})
	sinks := Sinks{FinishDownload: func() { close(finished) }}

	pipe := NewPipeline(Config{HeaderQueueLimit: 10000}, sinks, queue, pool, ChainHeaderValidator{}, true)
	require.NoError(t, pipe.Init())

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline never finished despite one good peer remaining")
	}
	pipe.WaitForStop()

	require.Equal(t, uint64(height), queue.HeaderTip())
	require.True(t, bad.dropped, "the peer serving a corrupted batch must be dropped")
}

func TestPipelineInitTwiceReturnsErrBusy(t *testing.T) {
	hdrs, _ := makeTestChain(5)
	pool := NewPool()
	pool.Add(&fakePeer{id: "a", height: 5, headers: hdrs})
	queue := NewSyncQueue(0, hdrs[0].Self, 5, false)

	pipe := NewPipeline(Config{HeaderQueueLimit: 10000}, Sinks{}, queue, pool, ChainHeaderValidator{}, true)
	require.NoError(t, pipe.Init())
	require.ErrorIs(t, pipe.Init(), errBusy)
	pipe.Stop()
	pipe.WaitForStop()
}

// corruptedHeaders returns a copy of hdrs whose midpoint header has been
// replaced by one with a bogus parent link and a distinct hash (a real
// header's hash commits to its parent, so genuinely breaking the link
// must also change the hash), so a peer serving it fails structural
// validation without poisoning the legitimate header's hash for every
// other peer.
func corruptedHeaders(hdrs []*blocktypes.SimpleHeader) []*blocktypes.SimpleHeader {
	out := make([]*blocktypes.SimpleHeader, len(hdrs))
	copy(out, hdrs)
	mid := len(out) / 2
	out[mid] = &blocktypes.SimpleHeader{
		Self:   badParentHash, // distinct from the real header's hash
		Parent: badParentHash,
		Height: out[mid].Height,
	}
	return out
}
