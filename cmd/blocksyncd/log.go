package main

import (
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xdchain/blocksync/config"
)

// setupLogging wires the root logger per cfg.Log: a size-rotated file
// when cfg.File is set, otherwise stderr, colorized only when stderr is a
// real terminal. Terminal detection and file rotation are delegated to
// isatty/lumberjack rather than hand-rolled, the same division of labor
// the node's own log setup uses. cfg.Verbosity is not applied.
func setupLogging(cfg config.LogConfig) {
	var writer io.Writer
	if cfg.File != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
	} else {
		writer = colorable.NewColorableStderr()
	}

	usecolor := cfg.File == "" && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	handler := log.NewTerminalHandler(writer, usecolor)
	log.SetDefault(log.NewLogger(handler))

	if usecolor {
		color.NoColor = false
	}
}
