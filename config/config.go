// Package config holds the tunables a validator node starts with:
// pacemaker timing, proposer election strategy, block size limits and
// storage paths. Values start from Default and may be overridden by a
// TOML file given to the run command's --config flag; no tunable has
// a command-line flag of its own.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/summachain/bftcore/consensus/leader"
	"github.com/summachain/bftcore/types"
)

// Config bundles every tunable a validator node needs to start
// consensus, named after the fields spec.md's external interface
// section calls out explicitly.
type Config struct {
	MaxPrunedBlocksInMem    int           `toml:"max_pruned_blocks_in_mem"`
	PacemakerInitialTimeout time.Duration `toml:"pacemaker_initial_timeout"`
	ProposerType            string        `toml:"proposer_type"`
	ContiguousRounds        int           `toml:"contiguous_rounds"`
	MaxBlockSize            int           `toml:"max_block_size"`
	MaxTxsPerBlock          int           `toml:"max_txs_per_block"`
	MaxQueuedTxs            int           `toml:"max_queued_txs"`

	DataDir        string `toml:"data_dir"`
	BlockStoreFile string `toml:"block_store_file"`
	SafetyFile     string `toml:"safety_file"`
}

const (
	DefaultDataDir                = "."
	DefaultBlockStoreFileName     = "blocks.db"
	DefaultSafetyFileName         = "safety.db"
	DefaultMaxPrunedBlocksInMem   = 100
	DefaultPacemakerInitialTimeout = 3 * time.Second
	DefaultContiguousRounds       = 2
	DefaultMaxBlockSize           = 1 << 20
	DefaultMaxTxsPerBlock         = 1000
	DefaultMaxQueuedTxs           = 10000
)

// Default returns a Config populated with the values a node runs with
// absent any flag or file override.
func Default() *Config {
	return &Config{
		MaxPrunedBlocksInMem:    DefaultMaxPrunedBlocksInMem,
		PacemakerInitialTimeout: DefaultPacemakerInitialTimeout,
		ProposerType:            "round-robin",
		ContiguousRounds:        DefaultContiguousRounds,
		MaxBlockSize:            DefaultMaxBlockSize,
		MaxTxsPerBlock:          DefaultMaxTxsPerBlock,
		MaxQueuedTxs:            DefaultMaxQueuedTxs,
		DataDir:                 DefaultDataDir,
		BlockStoreFile:          DefaultBlockStoreFileName,
		SafetyFile:              DefaultSafetyFileName,
	}
}

// LoadFile unmarshals a TOML file at path into cfg, leaving fields the
// file doesn't mention at their current value - callers load Default()
// first so a partial file only overrides what it names.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ProposerSelector builds the leader.Selector this config names,
// erroring out on an unrecognized ProposerType rather than silently
// falling back to a default.
func (c *Config) ProposerSelector(validators []types.Author) (leader.Selector, error) {
	switch c.ProposerType {
	case "fixed":
		if len(validators) == 0 {
			return nil, fmt.Errorf("fixed proposer requires at least one validator")
		}
		return leader.NewFixedSelector(validators[0]), nil
	case "round-robin":
		return leader.NewRoundRobinSelector(validators), nil
	case "multiple-ordered":
		return leader.NewMultipleOrderedSelector(validators, c.ContiguousRounds), nil
	default:
		return nil, fmt.Errorf("unknown proposer type %q", c.ProposerType)
	}
}
