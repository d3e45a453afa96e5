// Command blocksyncd is a standalone harness for the block download
// pipeline: it spins up a synthetic chain, a handful of simulated peers
// with independent latency and failure rates, and runs the real
// downloader.Pipeline against them, printing progress until the chain is
// fully downloaded.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/xdchain/blocksync/blocktypes"
	"github.com/xdchain/blocksync/config"
	"github.com/xdchain/blocksync/downloader"
)

var (
	gitCommit = ""
	gitDate   = ""
)

func main() {
	app := &cli.App{
		Name:    "blocksyncd",
		Usage:   "run the block download pipeline against a synthetic chain",
		Version: fmt.Sprintf("%s-%s", gitCommit, gitDate),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML configuration file"},
			&cli.Uint64Flag{Name: "height", Value: 50000, Usage: "synthetic chain height to download"},
			&cli.IntFlag{Name: "peers", Value: 6, Usage: "number of simulated peers"},
			&cli.BoolFlag{Name: "headers-only", Usage: "download headers only, skip bodies"},
			&cli.Float64Flag{Name: "fail-rate", Value: 0.02, Usage: "per-request simulated peer failure probability"},
			&cli.StringFlag{Name: "log.file", Usage: "rotate logs to this file instead of stderr"},
		},
		Commands: []*cli.Command{dumpConfigCommand},
		Action:   run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var dumpConfigCommand = &cli.Command{
	Name:  "dumpconfig",
	Usage: "print the default configuration as TOML",
	Action: func(ctx *cli.Context) error {
		return config.Dump(os.Stdout, config.DefaultConfig())
	},
}

func run(ctx *cli.Context) error {
	cfg := config.DefaultConfig()
	if file := ctx.String("config"); file != "" {
		loaded, err := config.Load(file)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	cfg.Sync.HeadersOnly = cfg.Sync.HeadersOnly || ctx.Bool("headers-only")
	if f := ctx.String("log.file"); f != "" {
		cfg.Log.File = f
	}
	setupLogging(cfg.Log)

	height := ctx.Uint64("height")
	chain := newSyntheticChain(height)

	pool := downloader.NewPool()
	for i := 0; i < ctx.Int("peers"); i++ {
		peer := newSimPeer(
			fmt.Sprintf("peer-%02d", i),
			chain,
			time.Duration(5+i*3)*time.Millisecond,
			ctx.Float64("fail-rate"),
			int64(i+1),
		)
		pool.Add(peer)
	}

	queue := downloader.NewSyncQueue(0, chain.headers[0].Self, height, !cfg.Sync.HeadersOnly)

	var (
		headerCount int
		blockCount  int
	)
	start := time.Now()
	sinks := downloader.Sinks{
		PushHeaders: func(h []blocktypes.HeaderWrapper) {
			headerCount += len(h)
			log.Info("headers advanced", "tip", queue.HeaderTip(), "total", headerCount)
		},
		PushBlocks: func(b []blocktypes.BlockWrapper) {
			blockCount += len(b)
			log.Info("blocks advanced", "tip", queue.BlockTip(), "total", blockCount)
		},
		BlockQueueFreeSize: func() int {
			return cfg.Sync.BlockQueueLimit - (int(queue.HeaderTip()) - int(queue.BlockTip()))
		},
		FinishDownload: func() {
			log.Info("sync complete", "headers", headerCount, "blocks", blockCount, "elapsed", time.Since(start))
		},
	}

	pipe := downloader.NewPipeline(cfg.ToDownloaderConfig(), sinks, queue, pool, downloader.ChainHeaderValidator{}, cfg.Sync.HeadersOnly)
	if err := pipe.Init(); err != nil {
		return err
	}
	pipe.WaitForStop()
	pipe.Close(pool)
	return nil
}
