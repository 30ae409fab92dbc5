// Package leader implements the proposer-election strategies spec.md
// §4.4 names: Fixed, RoundRobin and MultipleOrdered. No teacher file
// grounds this directly (the teacher's rootchain assigns a single
// fixed leader set via its trust base and does not rotate per round);
// the rotating and multiple-ordered strategies are built in the
// teacher's small-interface style, generalizing its validator-set
// handling in rootchain/consensus/trustbase.
package leader

import (
	"github.com/summachain/bftcore/types"
)

// Selector resolves the author(s) permitted to propose a given round.
// MultipleOrdered strategies may return more than one Author in
// priority order, letting the block tree hold concurrent candidate
// proposals until the primary's failure is confirmed by a timeout.
type Selector interface {
	// GetLeaderForRound returns the primary proposer for round.
	GetLeaderForRound(round uint64) types.Author
	// GetLeadersPriorityOrder returns every validator permitted to
	// propose for round, ordered by priority; index 0 matches
	// GetLeaderForRound.
	GetLeadersPriorityOrder(round uint64) []types.Author
}

type fixedSelector struct {
	leader types.Author
}

// NewFixedSelector returns a Selector that always designates the same
// author - the simplest strategy, useful for single-proposer test
// topologies and permissioned deployments with one trusted sequencer.
func NewFixedSelector(leader types.Author) Selector {
	return &fixedSelector{leader: leader}
}

func (s *fixedSelector) GetLeaderForRound(uint64) types.Author {
	return s.leader
}

func (s *fixedSelector) GetLeadersPriorityOrder(uint64) []types.Author {
	return []types.Author{s.leader}
}

type roundRobinSelector struct {
	validators []types.Author
}

// NewRoundRobinSelector returns a Selector that rotates the primary
// proposer through validators in the given (stable) order, one per
// round.
func NewRoundRobinSelector(validators []types.Author) Selector {
	cp := make([]types.Author, len(validators))
	copy(cp, validators)
	return &roundRobinSelector{validators: cp}
}

func (s *roundRobinSelector) GetLeaderForRound(round uint64) types.Author {
	if len(s.validators) == 0 {
		return ""
	}
	return s.validators[round%uint64(len(s.validators))]
}

func (s *roundRobinSelector) GetLeadersPriorityOrder(round uint64) []types.Author {
	n := len(s.validators)
	if n == 0 {
		return nil
	}
	order := make([]types.Author, n)
	start := round % uint64(n)
	for i := 0; i < n; i++ {
		order[i] = s.validators[(start+uint64(i))%uint64(n)]
	}
	return order
}

type multipleOrderedSelector struct {
	roundRobinSelector
	window int
}

// NewMultipleOrderedSelector returns a Selector that, like
// RoundRobin, rotates the primary, and whose priority order for a
// round is the first `window` validators of the rotation, primary
// first. Every author in that list is accepted as a proposer for the
// round; acceptance of a secondary does not depend on the primary's
// round having timed out.
func NewMultipleOrderedSelector(validators []types.Author, window int) Selector {
	if window < 1 {
		window = 1
	}
	if window > len(validators) {
		window = len(validators)
	}
	return &multipleOrderedSelector{
		roundRobinSelector: roundRobinSelector{validators: append([]types.Author{}, validators...)},
		window:             window,
	}
}

func (s *multipleOrderedSelector) GetLeadersPriorityOrder(round uint64) []types.Author {
	full := s.roundRobinSelector.GetLeadersPriorityOrder(round)
	if len(full) <= s.window {
		return full
	}
	return full[:s.window]
}
