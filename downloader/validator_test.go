package downloader

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xdchain/blocksync/blocktypes"
)

func TestChainHeaderValidatorAcceptsGenesis(t *testing.T) {
	v := ChainHeaderValidator{}
	genesis := &blocktypes.SimpleHeader{Height: 0}
	require.NoError(t, v.Validate(genesis, nil))
}

func TestChainHeaderValidatorRejectsNilHeader(t *testing.T) {
	v := ChainHeaderValidator{}
	require.Error(t, v.Validate(nil, nil))
}

func TestChainHeaderValidatorAcceptsUnknownParent(t *testing.T) {
	// parent is nil for the first header of a batch; that header's link
	// to the already-known chain is checked separately by the queue.
	v := ChainHeaderValidator{}
	h := &blocktypes.SimpleHeader{Height: 1}
	require.NoError(t, v.Validate(h, nil))
}

func TestChainHeaderValidatorRejectsNonContiguousHeight(t *testing.T) {
	v := ChainHeaderValidator{}
	parent := &blocktypes.SimpleHeader{Height: 5}
	h := &blocktypes.SimpleHeader{Parent: parent.Hash(), Height: 7}
	require.Error(t, v.Validate(h, parent))
}

func TestChainHeaderValidatorRejectsParentHashMismatch(t *testing.T) {
	v := ChainHeaderValidator{}
	parent := &blocktypes.SimpleHeader{Height: 5}
	h := &blocktypes.SimpleHeader{Height: 6} // Parent left zero, won't match parent.Hash()
	parent.Self[0] = 0xff
	require.Error(t, v.Validate(h, parent))
}

func TestChainHeaderValidatorAcceptsValidLink(t *testing.T) {
	v := ChainHeaderValidator{}
	parent := &blocktypes.SimpleHeader{Height: 5}
	h := &blocktypes.SimpleHeader{Parent: parent.Hash(), Height: 6}
	require.NoError(t, v.Validate(h, parent))
}
