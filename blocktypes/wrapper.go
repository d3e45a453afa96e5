package blocktypes

// HeaderWrapper annotates a header with the identity of the peer that
// delivered it, so a later validation failure can be attributed back to
// that peer for dropping.
type HeaderWrapper struct {
	Header Header
	PeerID string
}

// BlockWrapper is the block equivalent of HeaderWrapper.
type BlockWrapper struct {
	Block  *Block
	PeerID string
}
