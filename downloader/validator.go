package downloader

import (
	"errors"

	"github.com/xdchain/blocksync/blocktypes"
)

// HeaderValidator performs cryptographic and consensus validation of a
// single header against its parent. Consensus rules (proof-of-work,
// proof-of-stake, BFT finality) are entirely out of scope for this
// package; a real implementation is injected by the embedding
// application. Validate must reject on the first failure it finds.
//
// parent is nil for the first header of a batch, whose link to the
// already-known chain is established separately by SyncQueue.AddHeaders
// (spec.md §4.1's structural validation against the tip); Validate only
// ever sees an in-batch parent for the second header onward.
type HeaderValidator interface {
	Validate(h, parent blocktypes.Header) error
}

// ChainHeaderValidator checks only the structural invariants this package
// itself depends on (non-nil header, monotonic height); it performs no
// signature or proof-of-work checks and is meant as a default for tests
// and for embedding applications that validate consensus rules elsewhere
// in the pipeline (e.g. at import time rather than at fetch time).
type ChainHeaderValidator struct{}

func (ChainHeaderValidator) Validate(h, parent blocktypes.Header) error {
	if h == nil {
		return errors.New("blocksync: nil header")
	}
	if parent == nil {
		return nil
	}
	if h.Number() != parent.Number()+1 {
		return errors.New("blocksync: non-contiguous header height")
	}
	if h.ParentHash() != parent.Hash() {
		return errors.New("blocksync: header parent hash mismatch")
	}
	return nil
}
