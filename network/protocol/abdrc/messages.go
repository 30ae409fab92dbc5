// Package abdrc defines the wire messages the consensus core exchanges
// over the network: proposals, votes, timeouts and the recovery
// request/response pair. Grounded on the teacher's
// network/protocol/abdrc package (referenced throughout
// rootchain/consensus/safety_module_test.go, timeout_test.go) and its
// sibling network/protocol/replication package for the retrieval
// request/response shape.
package abdrc

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/summachain/bftcore/storage"
	"github.com/summachain/bftcore/types"
)

type (
	// ProposalMsg carries a new block from its author to every replica.
	ProposalMsg struct {
		_           struct{} `cbor:",toarray"`
		Block       *types.BlockData
		LastRoundTc *types.TimeoutCert
		Signature   []byte
	}

	// VoteMsg carries a validator's Vote; it is broadcast to every
	// validator, and each one tallies the votes it receives.
	VoteMsg struct {
		_    struct{} `cbor:",toarray"`
		Vote *types.Vote
	}

	// TimeoutMsg is the wire envelope for types.TimeoutMsg; kept as a
	// thin alias point so network code has one name per message kind.
	TimeoutMsg = types.TimeoutMsg

	// StateRequestMsg asks a peer for its current recovery state:
	// committed root plus any uncommitted descendants.
	StateRequestMsg struct {
		_             struct{} `cbor:",toarray"`
		NodeID        types.Author
		UUID          uuid.UUID
	}

	// StateMsg answers a StateRequestMsg with the committed root and
	// every block still pending atop it.
	StateMsg struct {
		_             struct{} `cbor:",toarray"`
		UUID          uuid.UUID
		CommittedHead *CommittedBlock
		Pending       []*types.BlockData
	}

	// CommittedBlock pairs a committed BlockData with the certificates
	// that prove its commit.
	CommittedBlock struct {
		_        struct{} `cbor:",toarray"`
		Block    *types.BlockData
		Qc       *types.QuorumCert
		CommitQc *types.QuorumCert
	}
)

var (
	ErrProposalIsNil = errors.New("proposal message is nil")
	ErrVoteIsNil     = errors.New("vote message is nil")
)

func (p *ProposalMsg) IsValid() error {
	if p == nil || p.Block == nil {
		return ErrProposalIsNil
	}
	if p.Block.Payload == nil {
		return errors.New("proposal missing payload")
	}
	if p.Block.Round > types.GenesisRound && p.Block.Qc == nil {
		return types.ErrMissingQC
	}
	return nil
}

func (p *ProposalMsg) GetRound() uint64 {
	if p == nil {
		return 0
	}
	return p.Block.GetRound()
}

func (v *VoteMsg) IsValid() error {
	if v == nil || v.Vote == nil {
		return ErrVoteIsNil
	}
	if v.Vote.Author == "" {
		return errors.New("vote is missing author")
	}
	if len(v.Vote.Signature) == 0 {
		return errors.New("vote is missing signature")
	}
	return nil
}

func (v *VoteMsg) GetRound() uint64 {
	if v == nil || v.Vote == nil {
		return 0
	}
	return v.Vote.Round
}

// CommittedBlockFrom builds the wire CommittedBlock for the tree's
// current root, used to answer a StateRequestMsg.
func CommittedBlockFrom(root *storage.ExecutedBlock) *CommittedBlock {
	return &CommittedBlock{
		Block:    root.BlockData,
		Qc:       root.Qc,
		CommitQc: root.CommitQc,
	}
}

func (m *StateRequestMsg) IsValid() error {
	if m == nil {
		return errors.New("state request message is nil")
	}
	if m.NodeID == "" {
		return errors.New("state request is missing node id")
	}
	return nil
}

func (m *StateMsg) IsValid() error {
	if m == nil || m.CommittedHead == nil || m.CommittedHead.Block == nil {
		return fmt.Errorf("state message is missing committed head")
	}
	return nil
}
