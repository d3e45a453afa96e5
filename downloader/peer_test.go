package downloader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolAnyIdlePrefersFewestFailures(t *testing.T) {
	p := NewPool()
	require.True(t, p.Add(&fakePeer{id: "a", height: 10}))
	require.True(t, p.Add(&fakePeer{id: "b", height: 20}))
	p.RecordFailure("b")

	best := p.AnyIdle()
	require.Equal(t, "a", best.NodeID(), "fewer failures must win even against a higher reported height")
}

func TestPoolAnyIdleTieBreaksOnHeight(t *testing.T) {
	p := NewPool()
	require.True(t, p.Add(&fakePeer{id: "a", height: 10}))
	require.True(t, p.Add(&fakePeer{id: "b", height: 20}))

	best := p.AnyIdle()
	require.Equal(t, "b", best.NodeID())
}

func TestPoolAnyIdleSkipsBusyPeers(t *testing.T) {
	p := NewPool()
	require.True(t, p.Add(&fakePeer{id: "a", height: 10}))
	p.MarkBusy("a")
	require.Nil(t, p.AnyIdle())

	p.MarkIdle("a")
	require.NotNil(t, p.AnyIdle())
}

func TestPoolRemoveIsPermanent(t *testing.T) {
	p := NewPool()
	require.True(t, p.Add(&fakePeer{id: "a", height: 10}))
	p.Remove("a")
	require.Nil(t, p.ByNodeID("a"))

	// Re-adding a dropped peer must be rejected.
	require.False(t, p.Add(&fakePeer{id: "a", height: 10}))
}

func TestPoolByNodeIDUnknownReturnsNil(t *testing.T) {
	p := NewPool()
	require.Nil(t, p.ByNodeID("ghost"))
}
