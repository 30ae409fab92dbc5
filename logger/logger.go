// Package logger provides the structured-logging attribute helpers shared
// across the consensus core, following the teacher's logger package
// (e.g. logger.Shard, logger.Round used throughout rootchain/consensus).
package logger

import (
	"log/slog"
	"os"

	"github.com/summachain/bftcore/types"
)

// Round returns a slog attribute identifying a consensus round.
func Round(round uint64) slog.Attr {
	return slog.Uint64("round", round)
}

// BlockID returns a slog attribute identifying a block by its content id.
func BlockID(id types.BlockID) slog.Attr {
	return slog.String("block", id.String())
}

// Author returns a slog attribute identifying a validator.
func Author(author types.Author) slog.Attr {
	return slog.String("author", author.String())
}

// Error returns a slog attribute carrying an error value.
func Error(err error) slog.Attr {
	return slog.Any("err", err)
}

// New returns a text-handler slog.Logger at the given level, used by
// components that are not handed a logger explicitly (tests, CLI default).
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
