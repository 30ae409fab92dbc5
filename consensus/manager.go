package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/summachain/bftcore/consensus/leader"
	"github.com/summachain/bftcore/consensus/pacemaker"
	"github.com/summachain/bftcore/consensus/trustbase"
	"github.com/summachain/bftcore/logger"
	"github.com/summachain/bftcore/mempool"
	"github.com/summachain/bftcore/network/protocol/abdrc"
	"github.com/summachain/bftcore/storage"
	"github.com/summachain/bftcore/types"
)

// Net is the subset of network.Net the manager drives; declared here
// (rather than importing the network package directly) to keep
// consensus free of a transport dependency, matching the teacher's
// split between rootchain/consensus and the network package.
type Net interface {
	BroadcastProposal(ctx context.Context, msg *abdrc.ProposalMsg) error
	BroadcastVote(ctx context.Context, msg *abdrc.VoteMsg) error
	BroadcastTimeout(ctx context.Context, msg *abdrc.TimeoutMsg) error
	SendBlockRetrievalRequest(ctx context.Context, to peer.ID, req *abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error)
	SendStateRequest(ctx context.Context, to peer.ID, req *abdrc.StateRequestMsg) (*abdrc.StateMsg, error)
	Proposals() <-chan *abdrc.ProposalMsg
	Votes() <-chan *abdrc.VoteMsg
	Timeouts() <-chan *abdrc.TimeoutMsg
}

// ConsensusManager is the single-threaded event processor that drives
// a validator's participation in consensus: it owns the block tree,
// the safety module, the pacemaker and the proposer election strategy,
// and reacts to proposals, votes, timeouts and its own round timer
// exclusively from the goroutine running Run (spec.md §4.5, §5).
type ConsensusManager struct {
	selfID    types.Author
	networkID types.NetworkID
	epoch     uint64

	safety    *SafetyModule
	tree      *storage.BlockTree
	pm        *pacemaker.Pacemaker
	leader    leader.Selector
	trustBase *trustbase.TrustBase
	proposals *ProposalGenerator
	exec      storage.StateComputer
	txMgr     mempool.TransactionManager
	store     storage.PersistentStore
	net       Net
	log       *slog.Logger

	maxTxsPerBlock int

	mu              sync.Mutex
	votesByBlock    map[types.BlockID]map[types.Author]*types.Vote
	timeoutsByRound map[uint64]map[types.Author]*types.TimeoutMsg
	lastVote        *types.Vote
	lastRoundTC     *types.TimeoutCert
	recovery        *recoveryState
}

// Config bundles every collaborator ConsensusManager needs, grouped so
// construction sites don't need a dozen positional arguments.
type Config struct {
	SelfID         types.Author
	NetworkID      types.NetworkID
	Epoch          uint64
	Safety         *SafetyModule
	Tree           *storage.BlockTree
	Pacemaker      *pacemaker.Pacemaker
	Leader         leader.Selector
	TrustBase      *trustbase.TrustBase
	Exec           storage.StateComputer
	TxManager      mempool.TransactionManager
	Store          storage.PersistentStore
	Net            Net
	Log            *slog.Logger
	MaxTxsPerBlock int
}

func NewConsensusManager(cfg Config) *ConsensusManager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cm := &ConsensusManager{
		selfID:          cfg.SelfID,
		networkID:       cfg.NetworkID,
		epoch:           cfg.Epoch,
		safety:          cfg.Safety,
		tree:            cfg.Tree,
		pm:              cfg.Pacemaker,
		leader:          cfg.Leader,
		trustBase:       cfg.TrustBase,
		exec:            cfg.Exec,
		txMgr:           cfg.TxManager,
		store:           cfg.Store,
		net:             cfg.Net,
		log:             cfg.Log,
		maxTxsPerBlock:  cfg.MaxTxsPerBlock,
		votesByBlock:    make(map[types.BlockID]map[types.Author]*types.Vote),
		timeoutsByRound: make(map[uint64]map[types.Author]*types.TimeoutMsg),
		recovery:        &recoveryState{},
	}
	cm.proposals = NewProposalGenerator(cfg.Tree, cfg.TxManager, cfg.MaxTxsPerBlock, cfg.NetworkID)
	return cm
}

// Run is the single cooperative event loop driving this validator's
// consensus participation (spec.md §5); it returns only when ctx is
// canceled or a fatal error occurs.
func (cm *ConsensusManager) Run(ctx context.Context) error {
	highQC := cm.tree.HighestQuorumCert()
	cm.pm.Start(highQC.GetRound()+1, cm.epoch)
	defer cm.pm.Stop()

	if cm.leader.GetLeaderForRound(cm.pm.CurrentRound()) == cm.selfID {
		if err := cm.proposeRound(ctx, cm.pm.CurrentRound()); err != nil {
			cm.log.Error("proposing round failed", logger.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-cm.pm.StatusChan():
			if err := cm.onLocalTimeout(ctx, status); err != nil {
				if isFatal(err) {
					return fmt.Errorf("handling local timeout: %w", err)
				}
				cm.log.Warn("local timeout handling failed", logger.Error(err))
			}
		case msg := <-cm.net.Proposals():
			if err := cm.onProposal(ctx, msg); err != nil {
				if isFatal(err) {
					return fmt.Errorf("handling proposal: %w", err)
				}
				cm.log.Warn("dropping proposal", logger.Round(msg.GetRound()), logger.Error(err))
			}
		case msg := <-cm.net.Votes():
			if err := cm.onVote(ctx, msg); err != nil {
				if isFatal(err) {
					return fmt.Errorf("handling vote: %w", err)
				}
				cm.log.Warn("dropping vote", logger.Round(msg.GetRound()), logger.Error(err))
			}
		case msg := <-cm.net.Timeouts():
			if err := cm.onTimeout(ctx, msg); err != nil {
				if isFatal(err) {
					return fmt.Errorf("handling timeout: %w", err)
				}
				cm.log.Warn("dropping timeout", logger.Round(msg.GetRound()), logger.Error(err))
			}
		}
	}
}

// isFatal reports whether err leaves local state in a condition where
// continuing to participate in consensus risks a safety violation.
func isFatal(err error) bool {
	return errors.Is(err, ErrPersistenceFailure) || errors.Is(err, ErrExecutorFailure)
}

// onProposal validates and executes a proposed block, extending the
// tree, then casts a vote if the safety module allows it.
func (cm *ConsensusManager) onProposal(ctx context.Context, msg *abdrc.ProposalMsg) error {
	if err := msg.IsValid(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if msg.Block.Round < cm.pm.CurrentRound() {
		return fmt.Errorf("%w: round %d", ErrStaleMessage, msg.Block.Round)
	}
	if !cm.isAuthorizedProposer(msg.Block.Author, msg.Block.Round) {
		return fmt.Errorf("%w: %s for round %d", ErrUnauthorizedProposer, msg.Block.Author, msg.Block.Round)
	}
	if msg.Block.Qc != nil {
		if msg.Block.Qc.GetRound() == types.GenesisRound {
			// The genesis QC carries no signatures (storage.NewGenesisBlock);
			// it is accepted only when it matches the locally built one.
			genesis, err := storage.NewGenesisBlock(cm.networkID)
			if err != nil || msg.Block.Qc.CertifiedBlockID() != genesis.Qc.CertifiedBlockID() {
				return fmt.Errorf("%w: proposal carries an unknown genesis qc", ErrInvalidMessage)
			}
		} else if err := cm.trustBase.VerifyQuorum(msg.Block.Qc.Signatures, quorumCertBytes(msg.Block.Qc)); err != nil {
			return fmt.Errorf("%w: proposal qc: %w", ErrInvalidMessage, err)
		}
		if err := cm.tree.InsertQC(msg.Block.Qc); err != nil {
			cm.log.Debug("qc carried by proposal already known", logger.Error(err))
		}
		cm.tryCommit(msg.Block.Qc)
	}

	parent, err := cm.tree.GetBlock(msg.Block.ParentBlockID())
	if err != nil {
		if recErr := cm.sendRecoveryRequests(ctx, msg); recErr != nil {
			cm.log.Warn("recovery attempt failed", logger.Error(recErr))
			return fmt.Errorf("%w: %s", ErrMissingAncestor, msg.Block.ParentBlockID())
		}
		parent, err = cm.tree.GetBlock(msg.Block.ParentBlockID())
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissingAncestor, msg.Block.ParentBlockID())
		}
	}
	executed, err := parent.Extend(msg.Block, cm.exec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := cm.tree.InsertBlock(executed); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	vote, err := cm.safety.MakeVote(msg.Block, executed.StateID, cm.lastVote, msg.LastRoundTc)
	if err != nil {
		cm.log.Debug("not voting for proposal", logger.Round(msg.Block.Round), logger.Error(err))
		return nil
	}
	cm.lastVote = vote
	if err := cm.store.WriteVote(vote); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	cm.pm.AdvanceRoundQC(msg.Block.Qc.GetRound(), msg.Block.Epoch)
	if err := cm.net.BroadcastVote(ctx, &abdrc.VoteMsg{Vote: vote}); err != nil {
		return err
	}
	// Broadcast never loops back to its own sender, so this replica's
	// vote has to be folded into its own tally directly or it would
	// never count its own contribution toward quorum.
	if err := cm.onVote(ctx, &abdrc.VoteMsg{Vote: vote}); err != nil {
		cm.log.Debug("own vote rejected during local tally", logger.Error(err))
	}
	return nil
}

// isAuthorizedProposer reports whether author is the round's primary
// proposer or one of its qualifying secondaries (spec.md §4.5: "P.author
// = leader(P.round) (primary or qualifying secondary)").
func (cm *ConsensusManager) isAuthorizedProposer(author types.Author, round uint64) bool {
	for _, a := range cm.leader.GetLeadersPriorityOrder(round) {
		if a == author {
			return true
		}
	}
	return false
}

// onVote aggregates votes for the block they certify and, once a
// quorum is reached, forms a QC, tries to commit, and advances.
func (cm *ConsensusManager) onVote(ctx context.Context, msg *abdrc.VoteMsg) error {
	if err := msg.IsValid(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	vote := msg.Vote
	if vote.Round < cm.pm.CurrentRound() {
		return fmt.Errorf("%w: round %d", ErrStaleMessage, vote.Round)
	}
	if err := cm.trustBase.VerifySingle(vote.Author, vote.Signature, voteSigningBytes(vote)); err != nil {
		return fmt.Errorf("%w: vote: %w", ErrInvalidMessage, err)
	}

	cm.mu.Lock()
	byAuthor, ok := cm.votesByBlock[vote.BlockID]
	if !ok {
		byAuthor = make(map[types.Author]*types.Vote)
		cm.votesByBlock[vote.BlockID] = byAuthor
	}
	byAuthor[vote.Author] = vote
	count := len(byAuthor)
	cm.mu.Unlock()

	if count < cm.trustBase.QuorumThreshold {
		return nil
	}

	qc := cm.buildQC(vote, byAuthor)
	if err := cm.tree.InsertQC(qc); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	cm.tryCommit(qc)
	cm.pm.AdvanceRoundQC(qc.GetRound(), cm.epoch)

	cm.mu.Lock()
	delete(cm.votesByBlock, vote.BlockID)
	cm.mu.Unlock()

	nextRound := qc.GetRound() + 1
	if cm.leader.GetLeaderForRound(nextRound) == cm.selfID {
		return cm.proposeRound(ctx, nextRound)
	}
	return nil
}

// buildQC assembles a QuorumCert from a set of votes already known to
// meet quorum; every vote in the set was cast for the same block, so
// any one of them determines the certified RoundInfo. The block's
// timestamp and parent id, which a vote does not carry, are taken from
// the local tree.
func (cm *ConsensusManager) buildQC(vote *types.Vote, votes map[types.Author]*types.Vote) *types.QuorumCert {
	sigs := make(map[types.Author][]byte, len(votes))
	for author, v := range votes {
		sigs[author] = v.Signature
	}
	voteInfo := &types.RoundInfo{
		BlockID:           vote.BlockID,
		RoundNumber:       vote.Round,
		Epoch:             cm.epoch,
		ParentRoundNumber: vote.ParentRound,
		CurrentRootHash:   vote.RootHash,
	}
	if b, err := cm.tree.GetBlock(vote.BlockID); err == nil {
		voteInfo.Timestamp = b.BlockData.Timestamp
		voteInfo.ParentBlockID = b.BlockData.ParentBlockID()
	}
	return &types.QuorumCert{
		VoteInfo:         voteInfo,
		LedgerCommitInfo: vote.LedgerCommitInfo,
		Signatures:       sigs,
	}
}

// tryCommit asks the tree to apply the three-chain commit rule for qc
// and, if it closes a commit, runs it through the executor and
// releases its transactions back to the mempool's committed set.
func (cm *ConsensusManager) tryCommit(qc *types.QuorumCert) {
	block, ledgerInfo, err := cm.tree.TryCommit(qc)
	if err != nil {
		cm.log.Error("commit failed", logger.Error(err))
		return
	}
	if block == nil {
		return
	}
	if err := cm.exec.Commit(ledgerInfo, []*storage.ExecutedBlock{block}); err != nil {
		cm.log.Error("executor commit failed", logger.Error(err))
		return
	}
	cm.txMgr.NotifyCommitted(block.BlockData.Payload.Transactions)
}

// onTimeout aggregates timeout votes for a round and, once a quorum is
// reached, forms a TC and advances the pacemaker past it.
func (cm *ConsensusManager) onTimeout(ctx context.Context, msg *types.TimeoutMsg) error {
	if msg == nil || msg.Timeout == nil {
		return fmt.Errorf("%w: nil timeout", ErrInvalidMessage)
	}
	if msg.Timeout.Round < cm.pm.CurrentRound() {
		return fmt.Errorf("%w: round %d", ErrStaleMessage, msg.Timeout.Round)
	}
	timeoutBytes := types.BytesForTimeoutVote(msg.Timeout.Round, msg.Timeout.Epoch, msg.Timeout.GetHqcRound(), msg.Author)
	if err := cm.trustBase.VerifySingle(msg.Author, msg.Signature, timeoutBytes); err != nil {
		return fmt.Errorf("%w: timeout: %w", ErrInvalidMessage, err)
	}

	if msg.Vote != nil {
		if err := cm.onVote(ctx, &abdrc.VoteMsg{Vote: msg.Vote}); err != nil {
			cm.log.Debug("piggybacked vote rejected", logger.Error(err))
		}
	}

	cm.mu.Lock()
	byAuthor, ok := cm.timeoutsByRound[msg.Timeout.Round]
	if !ok {
		byAuthor = make(map[types.Author]*types.TimeoutMsg)
		cm.timeoutsByRound[msg.Timeout.Round] = byAuthor
	}
	byAuthor[msg.Author] = msg
	count := len(byAuthor)
	cm.mu.Unlock()

	if count < cm.trustBase.QuorumThreshold {
		return nil
	}

	tc := &types.TimeoutCert{
		Timeout:    msg.Timeout,
		Signatures: make(map[types.Author]*types.TimeoutVote, count),
	}
	for author, tm := range byAuthor {
		tc.Signatures[author] = &types.TimeoutVote{HqcRound: tm.Timeout.GetHqcRound(), Signature: tm.Signature}
	}
	cm.lastRoundTC = tc
	if err := cm.store.WriteTC(tc); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	cm.mu.Lock()
	delete(cm.timeoutsByRound, msg.Timeout.Round)
	cm.mu.Unlock()

	cm.pm.AdvanceRoundTC(tc.GetRound(), msg.Timeout.Epoch)
	nextRound := tc.GetRound() + 1
	if cm.leader.GetLeaderForRound(nextRound) == cm.selfID {
		return cm.proposeRound(ctx, nextRound)
	}
	return nil
}

// onLocalTimeout fires when this validator's own round timer expires
// without a QC or TC closing the round; it signs and broadcasts a
// TimeoutMsg, piggybacking its vote for the round - its own vote if
// one was already cast, otherwise a vote for a freshly constructed
// NIL block extending the highest QC, so the round can still close
// with a QC even though no proposal for it was ever seen ("Deadline
// reached" in spec.md §4.3; S7 nil_chain's commit chain through NIL
// blocks relies on this).
func (cm *ConsensusManager) onLocalTimeout(ctx context.Context, status pacemaker.Status) error {
	highQC := cm.tree.HighestQuorumCert()
	vote := cm.lastVote
	if vote == nil || vote.Round != status.Round {
		nilVote, err := cm.voteForNilBlock(status.Round, highQC)
		if err != nil {
			cm.log.Debug("could not construct nil block vote", logger.Error(err))
		} else {
			vote = nilVote
			cm.lastVote = vote
			if err := cm.store.WriteVote(vote); err != nil {
				cm.log.Warn("persisting nil block vote failed", logger.Error(err))
			}
		}
	}
	tm := &types.TimeoutMsg{
		Timeout: &types.Timeout{Round: status.Round, Epoch: cm.epoch, HighQc: highQC},
		LastTC:  cm.lastRoundTC,
		Vote:    vote,
	}
	if err := cm.safety.SignTimeout(tm, cm.lastRoundTC); err != nil {
		cm.pm.RegisterTimeout(status.Round)
		return fmt.Errorf("%w: %w", ErrSafetyViolation, err)
	}
	cm.pm.RegisterTimeout(status.Round)
	if err := cm.net.BroadcastTimeout(ctx, tm); err != nil {
		return err
	}
	if err := cm.onTimeout(ctx, tm); err != nil {
		cm.log.Debug("own timeout rejected during local tally", logger.Error(err))
	}
	return nil
}

// voteForNilBlock builds the deterministic empty block every honest
// replica independently constructs for round when it times out
// without a vote of its own: same round, author (the round's
// designated leader, present or not) and parent QC for every replica,
// so identical NIL blocks still hash equal and their votes aggregate
// into a QC despite no ProposalMsg ever circulating for it.
func (cm *ConsensusManager) voteForNilBlock(round uint64, highQC *types.QuorumCert) (*types.Vote, error) {
	parent, err := cm.tree.GetBlock(highQC.CertifiedBlockID())
	if err != nil {
		return nil, fmt.Errorf("resolving nil block parent: %w", err)
	}
	nilBlock := &types.BlockData{
		Author:  cm.leader.GetLeaderForRound(round),
		Round:   round,
		Epoch:   cm.epoch,
		Payload: &types.Payload{},
		Qc:      highQC,
	}
	executed, err := parent.Extend(nilBlock, cm.exec)
	if err != nil {
		return nil, fmt.Errorf("executing nil block: %w", err)
	}
	if err := cm.tree.InsertBlock(executed); err != nil {
		cm.log.Debug("nil block already known", logger.Error(err))
	}
	return cm.safety.MakeVote(nilBlock, executed.StateID, cm.lastVote, cm.lastRoundTC)
}

// proposeRound builds and broadcasts a proposal for round, signing it
// with the safety module.
func (cm *ConsensusManager) proposeRound(ctx context.Context, round uint64) error {
	block, err := cm.proposals.Generate(round, cm.epoch, cm.selfID, uint64(time.Now().UnixMilli()))
	if err != nil {
		return fmt.Errorf("generating proposal: %w", err)
	}
	sig, err := cm.safety.Sign(block)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSafetyViolation, err)
	}
	msg := &abdrc.ProposalMsg{Block: block, LastRoundTc: cm.lastRoundTC, Signature: sig}
	if err := cm.net.BroadcastProposal(ctx, msg); err != nil {
		return err
	}
	// Broadcast never loops back to its own sender, so the proposer has
	// to run its own proposal through onProposal directly or it would
	// never cast its own vote toward the block it just authored.
	if err := cm.onProposal(ctx, msg); err != nil {
		cm.log.Debug("own proposal rejected during local processing", logger.Error(err))
	}
	return nil
}

// resolvePeer converts a validator's consensus identity into the
// libp2p peer ID the network layer addresses it by.
func (cm *ConsensusManager) resolvePeer(author types.Author) (peer.ID, error) {
	id, err := peer.Decode(string(author))
	if err != nil {
		return "", fmt.Errorf("decoding peer id for author %s: %w", author, err)
	}
	return id, nil
}

// voteSigningBytes returns the bytes a Vote's Signature attests to,
// mirroring SafetyModule.MakeVote's signing payload so a verifier can
// check the signature without reconstructing the RoundInfo it hashes.
func voteSigningBytes(v *types.Vote) []byte {
	commitBytes, err := v.LedgerCommitInfo.Bytes()
	if err != nil {
		return nil
	}
	return append(append([]byte{}, v.VoteInfoHash...), commitBytes...)
}

// quorumCertBytes returns the bytes a QC's signatures attest to: the
// vote-info hash concatenated with the commit-info bytes, mirroring
// SafetyModule.MakeVote's signing payload.
func quorumCertBytes(qc *types.QuorumCert) []byte {
	voteHash, err := qc.VoteInfo.Hash()
	if err != nil {
		return nil
	}
	commitBytes, err := qc.LedgerCommitInfo.Bytes()
	if err != nil {
		return nil
	}
	return append(voteHash, commitBytes...)
}
