// Package consensus implements the pipelined BFT replication core: the
// safety rules, the single-threaded event processor and the recovery
// logic that together drive a validator's participation in consensus.
package consensus

import (
	"errors"
	"fmt"

	"github.com/summachain/bftcore/crypto"
	"github.com/summachain/bftcore/types"
)

// SafetyStorage is the narrow persistence slice SafetyModule needs:
// storage.PersistentStore satisfies it directly. Grounded on the
// teacher's SafetyStorage/mockSafetyStorage split in
// rootchain/consensus/safety_module_test.go.
type SafetyStorage interface {
	GetHighestVotedRound() (uint64, error)
	SetHighestVotedRound(round uint64) error
	GetHighestQcRound() (uint64, error)
	SetHighestQcRound(qcRound, votedRound uint64) error

	// GetPreferredRound and SetPreferredRound carry spec.md §4.2 rule
	// (b)'s preferred_round, absent from the teacher's simplified
	// 2-chain rule.
	GetPreferredRound() (uint64, error)
	SetPreferredRound(round uint64) error
}

// SafetyModule is the sole arbiter of whether this validator may cast a
// vote or a timeout - the component responsible for the safety half of
// the BFT guarantee (spec.md §4.2). It never originates network
// traffic; it only signs what the event processor asks it to sign,
// after checking every rule below.
type SafetyModule struct {
	networkID types.NetworkID
	peerID    types.Author
	signer    crypto.Signer
	verifier  crypto.Verifier
	storage   SafetyStorage
}

// NewSafetyModule wires a SafetyModule to its signing key and its
// durable voting-state store.
func NewSafetyModule(networkID types.NetworkID, peerID types.Author, signer crypto.Signer, storage SafetyStorage) (*SafetyModule, error) {
	if signer == nil {
		return nil, crypto.ErrSignerIsNil
	}
	verifier, err := signer.Verifier()
	if err != nil {
		return nil, fmt.Errorf("deriving verifier from signer: %w", err)
	}
	return &SafetyModule{
		networkID: networkID,
		peerID:    peerID,
		signer:    signer,
		verifier:  verifier,
		storage:   storage,
	}, nil
}

// isConsecutive reports whether round directly follows currentRound.
func isConsecutive(round, currentRound uint64) bool {
	return round == currentRound+1
}

// isSafeToVote implements the voting safety rule: a block is safe to
// vote for only if it extends a round we have not already voted past,
// and either its QC's round directly precedes it, or the last round's
// timeout certificate proves the chain may safely skip ahead.
func (s *SafetyModule) isSafeToVote(block *types.BlockData, lastRoundTC *types.TimeoutCert) error {
	if block == nil {
		return types.ErrBlockIsNil
	}
	if block.Qc == nil || block.Qc.VoteInfo == nil {
		return fmt.Errorf("block round %d does not extend from block qc round %d", block.Round, block.GetParentRound())
	}
	votedRound, err := s.storage.GetHighestVotedRound()
	if err != nil {
		return fmt.Errorf("reading highest voted round: %w", err)
	}
	if block.Round <= votedRound {
		return fmt.Errorf("already voted for round %d, last voted round %d", block.Round, votedRound)
	}
	preferredRound, err := s.storage.GetPreferredRound()
	if err != nil {
		return fmt.Errorf("reading preferred round: %w", err)
	}
	if block.Qc.GetRound() < preferredRound {
		return fmt.Errorf("block qc round %d is behind preferred round %d", block.Qc.GetRound(), preferredRound)
	}
	if isConsecutive(block.Round, block.Qc.GetRound()) {
		return nil
	}
	if lastRoundTC == nil {
		return fmt.Errorf("block round %d does not extend from block qc round %d", block.Round, block.Qc.GetRound())
	}
	if !isConsecutive(block.Round, lastRoundTC.GetRound()) {
		return fmt.Errorf("block round %d does not extend timeout certificate round %d", block.Round, lastRoundTC.GetRound())
	}
	if block.Qc.GetRound() < lastRoundTC.GetHqcRound() {
		return fmt.Errorf("block qc round %d is smaller than timeout certificate highest qc round %d", block.Qc.GetRound(), lastRoundTC.GetHqcRound())
	}
	return nil
}

// isSafeToTimeout implements the timeout safety rule: a round may be
// timed out only once, and only once its predecessor has either been
// certified or already timed out.
func (s *SafetyModule) isSafeToTimeout(round, hqcRound uint64, lastRoundTC *types.TimeoutCert) error {
	highestQcRound, err := s.storage.GetHighestQcRound()
	if err != nil {
		return fmt.Errorf("reading highest qc round: %w", err)
	}
	if hqcRound < highestQcRound {
		return fmt.Errorf("qc round %d is smaller than highest qc round %d seen", hqcRound, highestQcRound)
	}
	votedRound, err := s.storage.GetHighestVotedRound()
	if err != nil {
		return fmt.Errorf("reading highest voted round: %w", err)
	}
	// It is ok to timeout a round we already voted for: the vote is still
	// cast, the timeout merely additionally proves the round may close
	// without a QC if a quorum of peers agree.
	if round < votedRound {
		return fmt.Errorf("timeout round %d is in the past, already signed vote for round %d", round, votedRound)
	}
	if round == votedRound {
		return nil
	}
	if isConsecutive(round, hqcRound) {
		return nil
	}
	if lastRoundTC != nil && isConsecutive(round, lastRoundTC.GetRound()) {
		return nil
	}
	lastTCRound := uint64(0)
	if lastRoundTC != nil {
		lastTCRound = lastRoundTC.GetRound()
	}
	return fmt.Errorf("round %d does not follow last qc round %d or tc round %d", round, hqcRound, lastTCRound)
}

// isCommitCandidate returns the root hash the block's QC would commit,
// or nil when the QC's certified round does not directly precede the
// block - i.e. the two-chain prerequisite for the three-chain commit
// rule in storage.BlockTree.TryCommit.
func (s *SafetyModule) isCommitCandidate(block *types.BlockData) []byte {
	if block == nil || block.Qc == nil || block.Qc.VoteInfo == nil {
		return nil
	}
	if !isConsecutive(block.Round, block.Qc.VoteInfo.RoundNumber) {
		return nil
	}
	return block.Qc.VoteInfo.CurrentRootHash
}

// constructCommitInfo builds the LedgerInfo this vote commits to: a
// real commit (non-zero round) when block is a commit candidate, or an
// empty placeholder otherwise, matching the teacher's
// constructCommitInfo split between "to be committed" and "not yet".
func (s *SafetyModule) constructCommitInfo(block *types.BlockData, voteInfoHash []byte) *types.LedgerInfo {
	hash := s.isCommitCandidate(block)
	if hash == nil {
		return &types.LedgerInfo{PreviousHash: voteInfoHash}
	}
	return &types.LedgerInfo{
		NetworkID:    s.networkID,
		Round:        block.Qc.VoteInfo.RoundNumber,
		Epoch:        block.Qc.VoteInfo.Epoch,
		Hash:         hash,
		PreviousHash: voteInfoHash,
	}
}

// MakeVote checks isSafeToVote and, if safe, signs and returns a Vote
// for block. It records the new highest voted/QC rounds durably before
// returning so a crash between signing and broadcasting cannot cause a
// double vote on restart.
func (s *SafetyModule) MakeVote(block *types.BlockData, stateRootHash []byte, lastVote *types.Vote, lastRoundTC *types.TimeoutCert) (*types.Vote, error) {
	if block == nil {
		return nil, types.ErrBlockIsNil
	}
	if block.Qc == nil {
		return nil, types.ErrMissingQC
	}
	if err := s.isSafeToVote(block, lastRoundTC); err != nil {
		return nil, fmt.Errorf("not safe to vote: %w", err)
	}
	id, err := block.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing block: %w", err)
	}
	voteInfo := &types.RoundInfo{
		BlockID:           id,
		RoundNumber:       block.Round,
		Epoch:             block.Epoch,
		Timestamp:         block.Timestamp,
		ParentBlockID:     block.ParentBlockID(),
		ParentRoundNumber: block.GetParentRound(),
		CurrentRootHash:   stateRootHash,
	}
	voteInfoHash, err := voteInfo.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing vote info: %w", err)
	}
	commitInfo := s.constructCommitInfo(block, voteInfoHash)
	if err := s.storage.SetHighestQcRound(block.Qc.GetRound(), block.Round); err != nil {
		return nil, fmt.Errorf("persisting voting state: %w", err)
	}
	if err := s.bumpPreferredRound(block.Qc); err != nil {
		return nil, fmt.Errorf("persisting preferred round: %w", err)
	}
	commitBytes, err := commitInfo.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding commit info: %w", err)
	}
	sig, err := s.signer.SignBytes(append(append([]byte{}, voteInfoHash...), commitBytes...))
	if err != nil {
		return nil, fmt.Errorf("signing vote: %w", err)
	}
	return &types.Vote{
		Author:           s.peerID,
		BlockID:          id,
		Round:            block.Round,
		ParentRound:      block.GetParentRound(),
		RootHash:         stateRootHash,
		VoteInfoHash:     voteInfoHash,
		LedgerCommitInfo: commitInfo,
		Signature:        sig,
	}, nil
}

// bumpPreferredRound applies spec.md §4.2 rule (b)'s side effect:
// preferred_round never falls, and advances to qc's parent round once
// this replica has voted to extend qc.
func (s *SafetyModule) bumpPreferredRound(qc *types.QuorumCert) error {
	if qc == nil || qc.VoteInfo == nil {
		return nil
	}
	current, err := s.storage.GetPreferredRound()
	if err != nil {
		return fmt.Errorf("reading preferred round: %w", err)
	}
	parentRound := qc.VoteInfo.ParentRoundNumber
	if parentRound <= current {
		return nil
	}
	return s.storage.SetPreferredRound(parentRound)
}

// SignTimeout checks isSafeToTimeout and, if safe, signs tm in place.
func (s *SafetyModule) SignTimeout(tm *types.TimeoutMsg, lastRoundTC *types.TimeoutCert) error {
	if tm == nil || tm.Timeout == nil {
		return types.ErrTimeoutIsNil
	}
	if err := validateTimeout(tm.Timeout); err != nil {
		return fmt.Errorf("timeout message not valid, invalid timeout data: %w", err)
	}
	if err := s.isSafeToTimeout(tm.Timeout.Round, tm.Timeout.GetHqcRound(), lastRoundTC); err != nil {
		return fmt.Errorf("not safe to timeout: %w", err)
	}
	sig, err := s.signer.SignBytes(types.BytesForTimeoutVote(tm.Timeout.Round, tm.Timeout.Epoch, tm.Timeout.GetHqcRound(), s.peerID))
	if err != nil {
		return fmt.Errorf("signing timeout: %w", err)
	}
	tm.Author = s.peerID
	tm.Signature = sig
	return s.storage.SetHighestVotedRound(tm.Timeout.Round)
}

// validateTimeout checks the timeout payload is internally consistent:
// its round must exceed its own high-QC round.
func validateTimeout(t *types.Timeout) error {
	if t.Round <= t.GetHqcRound() {
		return fmt.Errorf("timeout round (%d) must be greater than high QC round (%d)", t.Round, t.GetHqcRound())
	}
	return nil
}

// Sign signs a block proposal's content hash, attesting this validator
// produced or endorsed it as the round's leader.
func (s *SafetyModule) Sign(block *types.BlockData) ([]byte, error) {
	if block == nil {
		return nil, types.ErrBlockIsNil
	}
	if block.Payload == nil {
		return nil, errors.New("proposal missing payload")
	}
	if block.Qc == nil {
		return nil, types.ErrMissingQC
	}
	id, err := block.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing block: %w", err)
	}
	return s.signer.SignBytes(id[:])
}
