package blocktypes

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MaxInRequest is the maximum number of items a single wire request may
// carry, shared by both header and body requests.
const MaxInRequest = 192

// HeadersRequest is either a (startNumber, count, reverse) range, or a
// (anchorHash, count, step, reverse) skip-list. Exactly one of
// StartNumber/AnchorHash is set; HasAnchor reports which.
type HeadersRequest struct {
	ID uuid.UUID

	HasAnchor bool
	// Range form.
	StartNumber uint64
	// Skip-list form.
	AnchorHash common.Hash
	Step       uint32

	Count   uint32
	Reverse bool
}

// NewHeadersRangeRequest builds a range-form HeadersRequest.
func NewHeadersRangeRequest(start uint64, count uint32, reverse bool) HeadersRequest {
	return HeadersRequest{
		ID:          uuid.New(),
		StartNumber: start,
		Count:       count,
		Reverse:     reverse,
	}
}

// NewHeadersSkipRequest builds a skip-list-form HeadersRequest.
func NewHeadersSkipRequest(anchor common.Hash, count uint32, step uint32, reverse bool) HeadersRequest {
	return HeadersRequest{
		ID:         uuid.New(),
		HasAnchor:  true,
		AnchorHash: anchor,
		Step:       step,
		Count:      count,
		Reverse:    reverse,
	}
}

// BlocksRequest is an ordered, non-empty list of headers for which bodies
// are missing.
type BlocksRequest struct {
	ID      uuid.UUID
	Headers []HeaderWrapper
}

// Split shards a BlocksRequest into chunks of at most maxPerShard entries,
// preserving order. An empty or nil request splits into zero shards.
func (r BlocksRequest) Split(maxPerShard int) []BlocksRequest {
	if len(r.Headers) == 0 || maxPerShard <= 0 {
		return nil
	}
	shards := make([]BlocksRequest, 0, (len(r.Headers)+maxPerShard-1)/maxPerShard)
	for start := 0; start < len(r.Headers); start += maxPerShard {
		end := start + maxPerShard
		if end > len(r.Headers) {
			end = len(r.Headers)
		}
		shards = append(shards, BlocksRequest{
			ID:      uuid.New(),
			Headers: r.Headers[start:end],
		})
	}
	return shards
}
