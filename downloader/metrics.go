package downloader

import "github.com/ethereum/go-ethereum/metrics"

var (
	headersRequestedMeter = metrics.NewRegisteredMeter("blocksync/headers/requested", nil)
	headersRejectedMeter  = metrics.NewRegisteredMeter("blocksync/headers/rejected", nil)
	headerReqTimer        = metrics.NewRegisteredTimer("blocksync/headers/req", nil)

	bodiesRequestedMeter = metrics.NewRegisteredMeter("blocksync/bodies/requested", nil)
	bodiesRejectedMeter  = metrics.NewRegisteredMeter("blocksync/bodies/rejected", nil)
	bodyReqTimer         = metrics.NewRegisteredTimer("blocksync/bodies/req", nil)

	peersDroppedMeter = metrics.NewRegisteredMeter("blocksync/peers/dropped", nil)

	pendingHeadersGauge = metrics.NewRegisteredGauge("blocksync/queue/headers/pending", nil)
	pendingBlocksGauge  = metrics.NewRegisteredGauge("blocksync/queue/blocks/pending", nil)
)
