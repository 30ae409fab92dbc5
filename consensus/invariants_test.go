package consensus

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/summachain/bftcore/consensus/leader"
	"github.com/summachain/bftcore/consensus/pacemaker"
	"github.com/summachain/bftcore/consensus/trustbase"
	"github.com/summachain/bftcore/crypto"
	"github.com/summachain/bftcore/mempool"
	"github.com/summachain/bftcore/network/protocol/abdrc"
	"github.com/summachain/bftcore/storage"
	"github.com/summachain/bftcore/types"
)

// This file exercises the three universal invariants spec.md §8 names
// that storage.BlockTree's own tests (block_tree_test.go) cannot reach
// because they live above the safety module and the quorum-forming
// event loop: monotone last_voted_round across a restart, no double
// vote for conflicting same-round blocks, and QC formation requiring a
// verified signature quorum.

// TestInvariant_LastVotedRoundMonotoneAcrossCrash exercises invariant
// 1: last_voted_round never regresses, including across a simulated
// crash and restart against the same durable store.
func TestInvariant_LastVotedRoundMonotoneAcrossCrash(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "blocks.db")
	store, err := storage.NewBoltStore(dbPath)
	require.NoError(t, err)

	signer, err := crypto.NewInMemorySigner()
	require.NoError(t, err)
	verifier, err := signer.Verifier()
	require.NoError(t, err)
	self := verifier.Author()

	safety, err := NewSafetyModule(types.NetworkID(1), self, signer, store)
	require.NoError(t, err)

	voteForRound := func(s *SafetyModule, round, qcRound uint64) (*types.Vote, error) {
		block := &types.BlockData{
			Author:  self,
			Round:   round,
			Epoch:   types.GenesisEpoch,
			Payload: &types.Payload{},
			Qc:      &types.QuorumCert{VoteInfo: dummyVoteInfo(qcRound, []byte{byte(round)})},
		}
		return s.MakeVote(block, []byte{byte(round)}, nil, nil)
	}

	_, err = voteForRound(safety, 1, 0)
	require.NoError(t, err)
	_, err = voteForRound(safety, 2, 1)
	require.NoError(t, err)

	round, err := store.GetHighestVotedRound()
	require.NoError(t, err)
	require.EqualValues(t, 2, round)

	type closer interface{ Close() error }
	require.NoError(t, store.(closer).Close())

	// Simulated crash: reopen the same file into a fresh SafetyModule,
	// as if the process had restarted.
	reopened, err := storage.NewBoltStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.(closer).Close() })

	restarted, err := NewSafetyModule(types.NetworkID(1), self, signer, reopened)
	require.NoError(t, err)

	roundAfterRestart, err := reopened.GetHighestVotedRound()
	require.NoError(t, err)
	require.EqualValues(t, 2, roundAfterRestart, "highest voted round must survive a restart unchanged")

	// A fresh incarnation must still refuse to re-sign a round already
	// voted for before the crash.
	_, err = voteForRound(restarted, 2, 1)
	require.ErrorContains(t, err, "already voted for round 2")

	// But it may safely continue forward from where it left off.
	_, err = voteForRound(restarted, 3, 2)
	require.NoError(t, err)
	round, err = reopened.GetHighestVotedRound()
	require.NoError(t, err)
	require.EqualValues(t, 3, round, "last_voted_round must never regress across a restart")
}

// TestInvariant_NoDoubleVoteForConflictingBlocks exercises invariant
// 2: no honest replica signs votes for two conflicting blocks at the
// same round.
func TestInvariant_NoDoubleVoteForConflictingBlocks(t *testing.T) {
	var votedRound uint64
	db := mockSafetyStorage{
		getHighestVotedRound: func() (uint64, error) { return votedRound, nil },
		setHighestQcRound:    func(uint64, uint64) error { votedRound = 5; return nil },
	}
	s := initSafetyModule(t, "node1", db)

	blockA := &types.BlockData{
		Author: "proposer-a", Round: 5, Epoch: types.GenesisEpoch, Payload: &types.Payload{},
		Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(4, []byte{0xA})},
	}
	blockB := &types.BlockData{
		Author: "proposer-b", Round: 5, Epoch: types.GenesisEpoch, Payload: &types.Payload{Transactions: []types.Transaction{{1}}},
		Qc: &types.QuorumCert{VoteInfo: dummyVoteInfo(4, []byte{0xB})},
	}
	idA, err := blockA.Hash()
	require.NoError(t, err)
	idB, err := blockB.Hash()
	require.NoError(t, err)
	require.NotEqual(t, idA, idB, "the two conflicting blocks must hash differently")

	voteA, err := s.MakeVote(blockA, []byte{0xA}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, idA, voteA.BlockID)

	// votedRound has now advanced to 5 via setHighestQcRound; the second,
	// conflicting block at the same round must be rejected outright.
	_, err = s.MakeVote(blockB, []byte{0xB}, nil, nil)
	require.ErrorContains(t, err, "already voted for round 5")
}

// fakeNet is a Net that never delivers anything, used where a
// ConsensusManager must exist but its Run loop is never started.
type fakeNet struct{}

func (fakeNet) BroadcastProposal(context.Context, *abdrc.ProposalMsg) error { return nil }
func (fakeNet) BroadcastVote(context.Context, *abdrc.VoteMsg) error         { return nil }
func (fakeNet) BroadcastTimeout(context.Context, *abdrc.TimeoutMsg) error   { return nil }
func (fakeNet) SendBlockRetrievalRequest(context.Context, peer.ID, *abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error) {
	return nil, nil
}
func (fakeNet) SendStateRequest(context.Context, peer.ID, *abdrc.StateRequestMsg) (*abdrc.StateMsg, error) {
	return nil, nil
}
func (fakeNet) Proposals() <-chan *abdrc.ProposalMsg { return nil }
func (fakeNet) Votes() <-chan *abdrc.VoteMsg         { return nil }
func (fakeNet) Timeouts() <-chan *abdrc.TimeoutMsg   { return nil }

// newBareManager builds a ConsensusManager wired to a real trust base
// and block tree but a no-op Net, letting a test drive onVote/onProposal
// directly without starting Run.
func newBareManager(t *testing.T, self types.Author, signer crypto.Signer, tb *trustbase.TrustBase) *ConsensusManager {
	t.Helper()
	store := storage.NewMemStore()
	tree, err := storage.NewBlockTree(store, 100, types.NetworkID(1))
	require.NoError(t, err)
	safety, err := NewSafetyModule(types.NetworkID(1), self, signer, store)
	require.NoError(t, err)
	pm := pacemaker.New(200*time.Millisecond, 2*time.Second)
	pm.Start(tree.HighestQuorumCert().GetRound()+1, types.GenesisEpoch)
	return NewConsensusManager(Config{
		SelfID:         self,
		NetworkID:      types.NetworkID(1),
		Epoch:          types.GenesisEpoch,
		Safety:         safety,
		Tree:           tree,
		Pacemaker:      pm,
		Leader:         leader.NewFixedSelector(self),
		TrustBase:      tb,
		Exec:           storage.NewHashChainComputer(),
		TxManager:      mempool.NewBuffer(100, slog.Default()),
		Store:          store,
		Net:            fakeNet{},
		Log:            slog.Default(),
		MaxTxsPerBlock: 10,
	})
}

// TestInvariant_QCRequiresVerifiedQuorum exercises invariant 5: a QC
// only forms once a quorum of individually verified signatures has
// accumulated, and a vote with a forged signature never counts toward
// it.
func TestInvariant_QCRequiresVerifiedQuorum(t *testing.T) {
	signers := make([]crypto.Signer, 3)
	authors := make([]types.Author, 3)
	verifiers := make(map[types.Author]crypto.Verifier, 3)
	for i := range signers {
		s, err := crypto.NewInMemorySigner()
		require.NoError(t, err)
		v, err := s.Verifier()
		require.NoError(t, err)
		signers[i] = s
		authors[i] = v.Author()
		verifiers[authors[i]] = v
	}
	tb, err := trustbase.New(types.GenesisEpoch, verifiers)
	require.NoError(t, err)
	tb.QuorumThreshold = 2

	cm := newBareManager(t, authors[0], signers[0], tb)

	block := &types.BlockData{
		Author: authors[0], Round: 1, Epoch: types.GenesisEpoch, Payload: &types.Payload{},
		Qc: cm.tree.Root().Qc,
	}
	blockID, err := block.Hash()
	require.NoError(t, err)
	// A QC can only be attached to a block the tree already holds.
	executed, err := cm.tree.Root().Extend(block, cm.exec)
	require.NoError(t, err)
	require.NoError(t, cm.tree.InsertBlock(executed))
	voteInfo := &types.RoundInfo{BlockID: blockID, RoundNumber: 1, Epoch: types.GenesisEpoch}
	voteInfoHash, err := voteInfo.Hash()
	require.NoError(t, err)
	commitInfo := &types.LedgerInfo{PreviousHash: voteInfoHash}
	commitBytes, err := commitInfo.Bytes()
	require.NoError(t, err)
	signingBytes := append(append([]byte{}, voteInfoHash...), commitBytes...)

	voteFrom := func(i int, corrupt bool) *abdrc.VoteMsg {
		sig, err := signers[i].SignBytes(signingBytes)
		require.NoError(t, err)
		if corrupt {
			sig = append([]byte{}, sig...)
			sig[0] ^= 0xFF
		}
		return &abdrc.VoteMsg{Vote: &types.Vote{
			Author: authors[i], BlockID: blockID, Round: 1,
			VoteInfoHash: voteInfoHash, LedgerCommitInfo: commitInfo, Signature: sig,
		}}
	}

	// A forged signature must be rejected outright and never enter the
	// tally.
	err = cm.onVote(context.Background(), voteFrom(1, true))
	require.Error(t, err)
	require.Empty(t, cm.votesByBlock[blockID])

	// One valid vote is not yet quorum (threshold 2).
	require.NoError(t, cm.onVote(context.Background(), voteFrom(1, false)))
	require.Equal(t, types.GenesisRound, cm.tree.HighestQuorumCert().GetRound(), "no QC should have formed yet")

	// A second valid vote from a distinct author completes quorum and
	// the QC it produces carries exactly the verified signatures.
	require.NoError(t, cm.onVote(context.Background(), voteFrom(2, false)))
	inserted, err := cm.tree.GetBlock(blockID)
	require.NoError(t, err)
	qc := inserted.Qc
	require.NotNil(t, qc, "quorum of valid votes must have produced a QC")
	require.Len(t, qc.Signatures, 2)
	require.NoError(t, tb.VerifyQuorum(qc.Signatures, signingBytes))
}
