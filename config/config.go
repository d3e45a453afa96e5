// Package config loads and validates blocksync's tunables from a TOML
// file, the way the node's own config loader does.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"

	"github.com/xdchain/blocksync/downloader"
)

// tomlSettings keeps TOML keys identical to the Go struct field names,
// the same convention the node's own config loader uses.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see godoc %s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Config is the full externally-loadable superset of downloader.Config:
// pipeline tunables plus the peer-pool and logging knobs a standalone
// blocksync deployment needs that the library itself has no opinion on.
type Config struct {
	Sync SyncConfig
	Log  LogConfig
}

// SyncConfig maps directly onto downloader.Config, plus the dial-in
// parameters needed to bootstrap a queue and peer pool.
type SyncConfig struct {
	HeaderQueueLimit int
	BlockQueueLimit  int
	HeadersOnly      bool

	// MinPeers and RequestTimeout are loaded from and dumped to TOML,
	// but cmd/blocksyncd reads neither: it starts the pipeline as soon
	// as its simulated peers are added, and its simulated peers apply
	// no request timeout.
	MinPeers       int
	RequestTimeout time.Duration
}

// LogConfig controls the structured logger's destination. Verbosity is
// loaded and dumped but not applied by cmd/blocksyncd's setupLogging.
type LogConfig struct {
	Verbosity int
	// File, if non-empty, redirects logs to a rotating file instead of
	// stderr; see cmd/blocksyncd/log.go.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// DefaultConfig mirrors downloader.DefaultConfig, plus sane CLI-harness
// defaults.
func DefaultConfig() Config {
	d := downloader.DefaultConfig()
	return Config{
		Sync: SyncConfig{
			HeaderQueueLimit: d.HeaderQueueLimit,
			BlockQueueLimit:  d.BlockQueueLimit,
			HeadersOnly:      d.HeadersOnly,
			MinPeers:         1,
			RequestTimeout:   15 * time.Second,
		},
		Log: LogConfig{
			Verbosity:  3,
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// ToDownloaderConfig extracts the subset downloader.NewPipeline expects.
func (c Config) ToDownloaderConfig() downloader.Config {
	return downloader.Config{
		HeaderQueueLimit: c.Sync.HeaderQueueLimit,
		BlockQueueLimit:  c.Sync.BlockQueueLimit,
		HeadersOnly:      c.Sync.HeadersOnly,
	}
}

// Load reads a TOML file into a Config seeded with DefaultConfig, the
// same load-over-defaults pattern used for node configuration.
func Load(file string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(file)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return cfg, err
}

// Dump renders cfg back to TOML, for a "dumpconfig" style subcommand.
func Dump(w io.Writer, cfg Config) error {
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
