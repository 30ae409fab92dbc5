package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/summachain/bftcore/logger"
	"github.com/summachain/bftcore/network/protocol/abdrc"
	"github.com/summachain/bftcore/storage"
	"github.com/summachain/bftcore/types"
)

// statusReqShelfLife bounds how long a recovery attempt waits for a
// StateMsg answer before sendRecoveryRequests is willing to try again,
// grounded on the teacher's statusReqShelfLife
// (rootchain/consensus/consensus_recovery_test.go).
const statusReqShelfLife = 2 * time.Second

// shortGapRounds bounds how far behind the local committed root the
// referenced round may be for sendRecoveryRequests to prefer a targeted
// BlockRetrievalRequest over a full state-sync (spec.md §4.6: "two
// strategies keyed by the gap size").
const shortGapRounds = 8

// recoveryState tracks an in-flight attempt to catch up to a round
// this validator has seen referenced by a peer message but cannot yet
// certify locally because an ancestor block is missing.
type recoveryState struct {
	toRound uint64
	sent    time.Time
}

// inProgress reports whether a recovery attempt for toRound is already
// outstanding and has not yet exceeded its shelf life.
func (r *recoveryState) inProgress(toRound uint64) bool {
	return r != nil && toRound <= r.toRound && time.Since(r.sent) < statusReqShelfLife
}

// msgToRecoveryInfo extracts the round to recover to, the block the
// gap-closing chain must end at, and the authors worth asking (the
// QC's signers) from whichever message type triggered the recovery
// attempt.
func msgToRecoveryInfo(msg any) (uint64, types.BlockID, []types.Author, error) {
	switch m := msg.(type) {
	case *abdrc.ProposalMsg:
		return m.Block.Qc.GetRound(), m.Block.Qc.CertifiedBlockID(), authorsOf(m.Block.Qc), nil
	case *abdrc.VoteMsg:
		return m.Vote.Round, m.Vote.BlockID, []types.Author{m.Vote.Author}, nil
	case *types.TimeoutMsg:
		return m.Timeout.GetHqcRound(), m.Timeout.HighQc.CertifiedBlockID(), authorsOf(m.Timeout.HighQc), nil
	case *types.QuorumCert:
		return m.GetParentRound(), m.CertifiedBlockID(), authorsOf(m), nil
	default:
		return 0, types.ZeroBlockID, nil, fmt.Errorf("unknown message type, cannot be used for recovery: %T", msg)
	}
}

func authorsOf(qc *types.QuorumCert) []types.Author {
	if qc == nil {
		return nil
	}
	out := make([]types.Author, 0, len(qc.Signatures))
	for author := range qc.Signatures {
		out = append(out, author)
	}
	return out
}

// sendRecoveryRequests asks one or more peers referenced by msg for
// their current state; onProposal calls it when a proposal's parent
// block is missing (spec.md §4.6).
func (cm *ConsensusManager) sendRecoveryRequests(ctx context.Context, msg any) error {
	toRound, targetID, authors, err := msgToRecoveryInfo(msg)
	if err != nil {
		return fmt.Errorf("failed to extract recovery info: %w", err)
	}

	cm.mu.Lock()
	if cm.recovery.inProgress(toRound) {
		prev := cm.recovery.toRound
		cm.mu.Unlock()
		return fmt.Errorf("already in recovery to round %d, ignoring request to recover to round %d", prev, toRound)
	}
	cm.recovery = &recoveryState{toRound: toRound, sent: time.Now()}
	cm.mu.Unlock()

	if len(authors) == 0 {
		return errors.New("no recovery targets known for message")
	}

	rootRound := cm.tree.Root().BlockData.Round
	gap := uint64(0)
	if toRound > rootRound {
		gap = toRound - rootRound
	}
	if gap <= shortGapRounds && !targetID.IsZero() {
		if err := cm.fetchAncestors(ctx, authors, targetID, uint32(gap)+1); err != nil {
			cm.log.Debug("short-gap block retrieval failed, falling back to state sync", logger.Error(err))
		} else {
			return nil
		}
	}

	req := &abdrc.StateRequestMsg{NodeID: cm.selfID, UUID: uuid.New()}
	var sendErr error
	for _, author := range authors {
		to, err := cm.resolvePeer(author)
		if err != nil {
			cm.log.Warn("cannot resolve recovery target", logger.Author(author), logger.Error(err))
			continue
		}
		resp, err := cm.net.SendStateRequest(ctx, to, req)
		if err != nil {
			sendErr = errors.Join(sendErr, fmt.Errorf("requesting state from %s: %w", author, err))
			continue
		}
		if err := cm.applyStateResponse(resp); err != nil {
			sendErr = errors.Join(sendErr, fmt.Errorf("applying state from %s: %w", author, err))
			continue
		}
		return nil
	}
	return sendErr
}

// applyStateResponse rebuilds local tree state from a peer's answer:
// it replaces the committed root wholesale via the executor's SyncTo,
// then replays whatever uncommitted blocks the peer still holds.
func (cm *ConsensusManager) applyStateResponse(resp *abdrc.StateMsg) error {
	if err := resp.IsValid(); err != nil {
		return fmt.Errorf("invalid state response: %w", err)
	}
	head := resp.CommittedHead
	if err := cm.exec.SyncTo(head.CommitQc.LedgerCommitInfo); err != nil {
		return fmt.Errorf("syncing executor state: %w", err)
	}
	rootBlock := &storage.ExecutedBlock{
		BlockData: head.Block,
		StateID:   head.CommitQc.LedgerCommitInfo.Hash,
		Qc:        head.Qc,
		CommitQc:  head.CommitQc,
	}
	tree, err := storage.NewBlockTreeWithRootBlock(rootBlock, cm.tree.MaxPrunedBlocks(), cm.store)
	if err != nil {
		return fmt.Errorf("rebuilding block tree from recovered root: %w", err)
	}
	for _, pending := range resp.Pending {
		parent, err := tree.GetBlock(pending.ParentBlockID())
		if err != nil {
			cm.log.Warn("skipping pending block with unknown parent during recovery", logger.Round(pending.Round))
			continue
		}
		executed, err := parent.Extend(pending, cm.exec)
		if err != nil {
			cm.log.Warn("skipping pending block that failed to execute during recovery", logger.Round(pending.Round), logger.Error(err))
			continue
		}
		if err := tree.InsertBlock(executed); err != nil {
			cm.log.Warn("skipping pending block during recovery", logger.Round(pending.Round), logger.Error(err))
		}
	}
	cm.tree = tree
	cm.pm.Start(tree.HighestQuorumCert().GetRound()+1, cm.epoch)
	return nil
}

// fetchAncestors asks peers in turn for the certified chain ending at
// target, inserting whatever they return and stopping at the first
// peer whose answer makes target locally reachable. This is the
// short-gap counterpart to the full state-sync above (spec.md §4.6).
func (cm *ConsensusManager) fetchAncestors(ctx context.Context, authors []types.Author, target types.BlockID, numBlocks uint32) error {
	req := &abdrc.BlockRetrievalRequest{UUID: uuid.New(), RequesterID: string(cm.selfID), BlockID: target, NumBlocks: numBlocks}
	var sendErr error
	for _, author := range authors {
		to, err := cm.resolvePeer(author)
		if err != nil {
			sendErr = errors.Join(sendErr, fmt.Errorf("resolving %s: %w", author, err))
			continue
		}
		resp, err := cm.net.SendBlockRetrievalRequest(ctx, to, req)
		if err != nil {
			sendErr = errors.Join(sendErr, fmt.Errorf("requesting blocks from %s: %w", author, err))
			continue
		}
		if err := resp.IsValid(); err != nil {
			sendErr = errors.Join(sendErr, fmt.Errorf("invalid block retrieval response from %s: %w", author, err))
			continue
		}
		if resp.Status != abdrc.Ok {
			sendErr = errors.Join(sendErr, fmt.Errorf("block retrieval from %s: %s", author, resp.Status))
			continue
		}
		cm.insertRetrievedBlocks(resp.Blocks)
		if _, err := cm.tree.GetBlock(target); err == nil {
			return nil
		}
		sendErr = errors.Join(sendErr, fmt.Errorf("target block still missing after retrieval from %s", author))
	}
	if sendErr == nil {
		sendErr = errors.New("no recovery targets known for message")
	}
	return sendErr
}

// insertRetrievedBlocks extends the local tree with blocks fetched via
// a BlockRetrievalRequest, oldest ancestor first (the response itself
// carries them most-recent-first), skipping any already known or
// still missing their own parent.
func (cm *ConsensusManager) insertRetrievedBlocks(msgs []*abdrc.ProposalMsg) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] == nil || msgs[i].Block == nil {
			continue
		}
		block := msgs[i].Block
		if block.Qc != nil {
			if err := cm.tree.InsertQC(block.Qc); err != nil {
				cm.log.Debug("qc from retrieved block already known", logger.Error(err))
			}
		}
		parent, err := cm.tree.GetBlock(block.ParentBlockID())
		if err != nil {
			cm.log.Debug("skipping retrieved block with unknown parent", logger.Round(block.Round))
			continue
		}
		executed, err := parent.Extend(block, cm.exec)
		if err != nil {
			cm.log.Warn("skipping retrieved block that failed to execute", logger.Round(block.Round), logger.Error(err))
			continue
		}
		if err := cm.tree.InsertBlock(executed); err != nil {
			cm.log.Debug("retrieved block already known", logger.Round(block.Round), logger.Error(err))
		}
	}
}

// HandleStateRequest answers a peer's StateRequestMsg with this
// node's committed root and every block still pending atop it.
func (cm *ConsensusManager) HandleStateRequest(req *abdrc.StateRequestMsg) (*abdrc.StateMsg, error) {
	if err := req.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid state request: %w", err)
	}
	root := cm.tree.Root()
	pending := cm.tree.AllUncommittedBlocks()
	blocks := make([]*types.BlockData, 0, len(pending))
	for _, b := range pending {
		blocks = append(blocks, b.BlockData)
	}
	return &abdrc.StateMsg{
		UUID:          req.UUID,
		CommittedHead: abdrc.CommittedBlockFrom(root),
		Pending:       blocks,
	}, nil
}

// HandleBlockRetrievalRequest answers a peer's request for the
// certified chain between the root and a given block, most recent
// block first.
func (cm *ConsensusManager) HandleBlockRetrievalRequest(req *abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error) {
	if err := req.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid block retrieval request: %w", err)
	}
	path, err := cm.tree.PathFromRoot(req.BlockID)
	if err != nil {
		return &abdrc.BlockRetrievalResponse{UUID: req.UUID, Status: abdrc.BlocksNotFound}, nil
	}
	if uint32(len(path)) > req.NumBlocks {
		path = path[uint32(len(path))-req.NumBlocks:]
	}
	msgs := make([]*abdrc.ProposalMsg, 0, len(path))
	for i := len(path) - 1; i >= 0; i-- {
		msgs = append(msgs, &abdrc.ProposalMsg{Block: path[i].BlockData, Signature: nil})
	}
	return &abdrc.BlockRetrievalResponse{UUID: req.UUID, Status: abdrc.Ok, Blocks: msgs}, nil
}
