// Package config holds the immutable configuration for a TSO epoch.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config is the tuning surface described in spec §6. A zero Config is not
// valid; start from Default and override.
type Config struct {
	// MaxItems is the capacity of the commit hash map (component B).
	MaxItems int `toml:"max-items"`
	// MaxCommits sizes the uncommitted-set bucket grid (component C).
	MaxCommits int `toml:"max-commits"`
	// FlushTimeout is the longest the journal holds a batch open.
	FlushTimeout time.Duration `toml:"flush-timeout"`
	// BatchSize is the largest batch, in bytes, the journal will buffer
	// before flushing early.
	BatchSize int `toml:"batch-size"`
	// RangeSize is how many timestamps the oracle reserves per durable
	// RANGE record.
	RangeSize uint64 `toml:"range-size"`
	// JournalPath is the WAL file path. Empty selects the no-op journal,
	// which acks immediately and never persists — for tests only.
	JournalPath string `toml:"journal-path"`
}

// Default mirrors the defaults spec §6 enumerates.
var Default = Config{
	MaxItems:     100000,
	MaxCommits:   100000,
	FlushTimeout: 10 * time.Millisecond,
	BatchSize:    1024,
	RangeSize:    1000000,
	JournalPath:  "",
}

// Load decodes an optional TOML file over Default, then applies environment
// overrides. path == "" skips file loading entirely.
func Load(path string) (Config, error) {
	cfg := Default
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "decoding config file %q", path)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("TSO_MAX_ITEMS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parsing TSO_MAX_ITEMS")
		}
		cfg.MaxItems = n
	}
	if v, ok := os.LookupEnv("TSO_MAX_COMMITS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parsing TSO_MAX_COMMITS")
		}
		cfg.MaxCommits = n
	}
	if v, ok := os.LookupEnv("TSO_FLUSH_TIMEOUT_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parsing TSO_FLUSH_TIMEOUT_MS")
		}
		cfg.FlushTimeout = time.Duration(n) * time.Millisecond
	}
	if v, ok := os.LookupEnv("TSO_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parsing TSO_BATCH_SIZE")
		}
		cfg.BatchSize = n
	}
	if v, ok := os.LookupEnv("TSO_RANGE_SIZE"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "parsing TSO_RANGE_SIZE")
		}
		cfg.RangeSize = n
	}
	if v, ok := os.LookupEnv("TSO_JOURNAL_PATH"); ok {
		cfg.JournalPath = v
	}
	return nil
}
