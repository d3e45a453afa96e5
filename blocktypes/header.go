// Package blocktypes defines the value types the block download pipeline
// operates on: headers, blocks, and the peer-attributed wrappers around
// them. The wire codec that produces these values, and the cryptographic
// validation that certifies them, both live outside this package.
package blocktypes

import (
	"github.com/ethereum/go-ethereum/common"
)

// Header is the minimal surface the download pipeline needs from a block
// header: a self-hash, a parent link, and a monotonic height. Everything
// else about the header (state root, difficulty, extra-data, signatures)
// is opaque to this subsystem.
type Header interface {
	Hash() common.Hash
	ParentHash() common.Hash
	Number() uint64
}

// SimpleHeader is a concrete Header used by tests and by light clients that
// have no richer header type of their own.
type SimpleHeader struct {
	Self   common.Hash
	Parent common.Hash
	Height uint64
}

func (h *SimpleHeader) Hash() common.Hash       { return h.Self }
func (h *SimpleHeader) ParentHash() common.Hash { return h.Parent }
func (h *SimpleHeader) Number() uint64          { return h.Height }

// Block pairs a header with an opaque body payload. The body is verified
// against the header by the embedding application; here a block is keyed
// solely by its header's hash.
type Block struct {
	Header Header
	Body   any
}

func (b *Block) Hash() common.Hash { return b.Header.Hash() }
