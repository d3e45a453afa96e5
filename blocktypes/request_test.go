package blocktypes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func headerWrappers(n int) []HeaderWrapper {
	out := make([]HeaderWrapper, n)
	for i := range out {
		out[i] = HeaderWrapper{Header: &SimpleHeader{Height: uint64(i)}, PeerID: "p"}
	}
	return out
}

func TestBlocksRequestSplit(t *testing.T) {
	req := BlocksRequest{Headers: headerWrappers(500)}

	shards := req.Split(MaxInRequest)
	require.Len(t, shards, 3)
	require.Len(t, shards[0].Headers, MaxInRequest)
	require.Len(t, shards[1].Headers, MaxInRequest)
	require.Len(t, shards[2].Headers, 500-2*MaxInRequest)

	// Order is preserved across shard boundaries.
	var reassembled []HeaderWrapper
	for _, s := range shards {
		reassembled = append(reassembled, s.Headers...)
	}
	for i, hw := range reassembled {
		require.Equal(t, uint64(i), hw.Header.Number())
	}
}

func TestBlocksRequestSplitEmpty(t *testing.T) {
	var req BlocksRequest
	require.Empty(t, req.Split(MaxInRequest))
}

func TestHeadersRequestConstructors(t *testing.T) {
	r := NewHeadersRangeRequest(10, 5, false)
	require.False(t, r.HasAnchor)
	require.Equal(t, uint64(10), r.StartNumber)

	s := NewHeadersSkipRequest([32]byte{1}, 5, 2, true)
	require.True(t, s.HasAnchor)
	require.Equal(t, uint32(2), s.Step)
}
