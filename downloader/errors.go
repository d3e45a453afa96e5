package downloader

import "errors"

var (
	errBusy         = errors.New("blocksync: pipeline already running")
	errCanceled     = errors.New("blocksync: sync canceled")
	errNoPeer       = errors.New("blocksync: no idle peer available")
	errPeerGone     = errors.New("blocksync: peer no longer carries the request")
	errBadHeaders   = errors.New("blocksync: structural validation of header batch failed")
	errBadBlocks    = errors.New("blocksync: delivered block does not match the header it was requested for")
	errStalePeer    = errors.New("blocksync: peer's buffered header island proved unreachable from the tip")
	errEmptyRequest = errors.New("blocksync: request carries no items")
)

// classify reports whether err should cause the offending peer to be
// dropped. Transport failures and validation failures both drop the peer;
// cancellation never does.
func classify(err error) (dropPeer bool) {
	if err == nil || errors.Is(err, errCanceled) {
		return false
	}
	return true
}
