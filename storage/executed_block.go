package storage

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/summachain/bftcore/types"
)

type (
	// ExecutedBlock pairs a wire BlockData with the locally computed
	// execution result and the certificates that reference it. Grounded
	// on rootchain/consensus/storage/block_executor.go's ExecutedBlock,
	// generalized from shard-specific input records to an opaque
	// executed state id produced by the StateComputer collaborator.
	ExecutedBlock struct {
		_         struct{} `cbor:",toarray"`
		BlockData *types.BlockData
		Height    uint64
		StateID   []byte
		Qc        *types.QuorumCert // QC certifying this block once InsertQC attaches it; Extend starts it at the block's own parent QC
		CommitQc  *types.QuorumCert // QC that committed this block, once known
	}

	// StateComputer is the executor collaborator (spec.md §6): Compute is
	// deterministic and side-effect-free, Commit is durable and ordered,
	// SyncTo replaces local state wholesale for deep-gap recovery.
	StateComputer interface {
		Compute(parentStateID []byte, block *types.BlockData) (stateID []byte, err error)
		Commit(ledgerInfo *types.LedgerInfo, blocks []*ExecutedBlock) error
		SyncTo(ledgerInfo *types.LedgerInfo) error
	}
)

var (
	ErrExecutedBlockIsNil = errors.New("executed block is nil")
)

func (b *ExecutedBlock) GetRound() uint64 {
	if b == nil {
		return 0
	}
	return b.BlockData.GetRound()
}

func (b *ExecutedBlock) GetParentRound() uint64 {
	if b == nil {
		return 0
	}
	return b.BlockData.GetParentRound()
}

func (b *ExecutedBlock) ID() (types.BlockID, error) {
	if b == nil {
		return types.ZeroBlockID, ErrExecutedBlockIsNil
	}
	return b.BlockData.Hash()
}

// Extend produces the ExecutedBlock for newBlock given that it extends b,
// running the executor over the new block's payload atop b's state.
func (b *ExecutedBlock) Extend(newBlock *types.BlockData, exec StateComputer) (*ExecutedBlock, error) {
	if b == nil {
		return nil, ErrExecutedBlockIsNil
	}
	stateID, err := exec.Compute(b.StateID, newBlock)
	if err != nil {
		return nil, fmt.Errorf("executing block for round %d: %w", newBlock.GetRound(), err)
	}
	return &ExecutedBlock{
		BlockData: newBlock,
		Height:    b.Height + 1,
		StateID:   stateID,
		Qc:        newBlock.Qc,
	}, nil
}

// NewGenesisBlock builds the sentinel root block of the chain: a block
// that is simultaneously proposed, certified and committed by construction,
// matching the teacher's NewGenesisBlock/NewRootBlock pattern.
func NewGenesisBlock(networkID types.NetworkID) (*ExecutedBlock, error) {
	genesisBlock := &types.BlockData{
		Author:    "genesis",
		Round:     types.GenesisRound,
		Epoch:     types.GenesisEpoch,
		Payload:   &types.Payload{},
		Qc:        nil,
	}
	commitRoundInfo := &types.RoundInfo{
		RoundNumber:       genesisBlock.Round,
		Epoch:             genesisBlock.Epoch,
		ParentRoundNumber: 0,
		CurrentRootHash:   nil,
	}
	id, err := genesisBlock.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing genesis block: %w", err)
	}
	commitRoundInfo.BlockID = id
	riHash, err := commitRoundInfo.Hash()
	if err != nil {
		return nil, fmt.Errorf("hashing genesis round info: %w", err)
	}
	commitQc := &types.QuorumCert{
		VoteInfo: commitRoundInfo,
		LedgerCommitInfo: &types.LedgerInfo{
			NetworkID:    networkID,
			Round:        commitRoundInfo.RoundNumber,
			Epoch:        commitRoundInfo.Epoch,
			Hash:         commitRoundInfo.CurrentRootHash,
			PreviousHash: riHash,
		},
		Signatures: nil, // validators agree on genesis by running the same software
	}
	return &ExecutedBlock{
		BlockData: genesisBlock,
		Height:    0,
		StateID:   commitQc.LedgerCommitInfo.Hash,
		Qc:        commitQc,
		CommitQc:  commitQc,
	}, nil
}

func encode(v any) ([]byte, error) {
	buf, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	return buf, nil
}
