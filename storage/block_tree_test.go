package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/summachain/bftcore/storage"
	"github.com/summachain/bftcore/types"
)

// buildLinearChain extends tree with n sequential single-branch blocks,
// certifying and three-chain-committing as it goes exactly the way
// ConsensusManager.onVote/tryCommit does, and returns every block id
// alongside whichever ExecutedBlock each commit closed (nil where no
// commit happened yet).
func buildLinearChain(t *testing.T, tree *storage.BlockTree, n int) ([]types.BlockID, []*storage.ExecutedBlock) {
	t.Helper()
	exec := storage.NewHashChainComputer()

	rootID, err := tree.Root().ID()
	require.NoError(t, err)
	ids := []types.BlockID{rootID}
	commits := make([]*storage.ExecutedBlock, 0, n)

	parent := tree.Root()
	for round := uint64(1); round <= uint64(n); round++ {
		block := &types.BlockData{
			Author:  "proposer",
			Round:   round,
			Epoch:   types.GenesisEpoch,
			Payload: &types.Payload{},
			Qc:      parent.Qc,
		}
		executed, err := parent.Extend(block, exec)
		require.NoError(t, err)
		require.NoError(t, tree.InsertBlock(executed))

		id, err := executed.ID()
		require.NoError(t, err)
		ids = append(ids, id)

		qc := &types.QuorumCert{
			VoteInfo: &types.RoundInfo{
				BlockID:           id,
				RoundNumber:       round,
				Epoch:             types.GenesisEpoch,
				ParentRoundNumber: parent.GetRound(),
				CurrentRootHash:   executed.StateID,
			},
			LedgerCommitInfo: &types.LedgerInfo{NetworkID: types.NetworkID(1)},
			Signatures:       map[types.Author][]byte{"v1": []byte("sig")},
		}
		require.NoError(t, tree.InsertQC(qc))
		committed, _, err := tree.TryCommit(qc)
		require.NoError(t, err)
		commits = append(commits, committed)

		parent = executed
	}
	return ids, commits
}

// TestBlockTree_CommitAncestrySafety exercises testable invariant 3: any
// two blocks committed in sequence are ancestor and descendant of one
// another, never conflicting forks.
func TestBlockTree_CommitAncestrySafety(t *testing.T) {
	store := storage.NewMemStore()
	tree, err := storage.NewBlockTree(store, 100, types.NetworkID(1))
	require.NoError(t, err)

	_, commits := buildLinearChain(t, tree, 6)

	var last *storage.ExecutedBlock
	for _, committed := range commits {
		if committed == nil {
			continue
		}
		if last != nil {
			lastID, err := last.ID()
			require.NoError(t, err)
			require.Equal(t, lastID, committed.BlockData.ParentBlockID(),
				"each committed block must extend the previously committed block")
		}
		last = committed
	}
	require.NotNil(t, last, "a 6-round chain must close at least one commit")
}

// TestBlockTree_RootMonotoneAndPruned exercises testable invariant 4:
// the root's round is monotone non-decreasing and blocks behind the new
// root are no longer reachable from it.
func TestBlockTree_RootMonotoneAndPruned(t *testing.T) {
	store := storage.NewMemStore()
	tree, err := storage.NewBlockTree(store, 100, types.NetworkID(1))
	require.NoError(t, err)

	ids, _ := buildLinearChain(t, tree, 6)

	lastRound := tree.Root().GetRound()
	require.Greater(t, lastRound, uint64(0), "a 6-round chain must advance the root past genesis")

	// ids[1] is round 1's block: once the root has moved past it, it must
	// no longer be reachable from the (new) root, only fetchable from the
	// pruned-block cache.
	require.False(t, tree.OnChainToRoot(ids[1]))
	_, err = tree.GetBlock(ids[1])
	require.NoError(t, err, "pruned ancestor should still be retrievable from the pruned cache")
}

// TestBlockTree_TryCommitIdempotent exercises testable invariant 6: the
// commit callback observed through TryCommit is idempotent per block id
// - calling it twice with the same QC must not re-prune or error.
func TestBlockTree_TryCommitIdempotent(t *testing.T) {
	store := storage.NewMemStore()
	tree, err := storage.NewBlockTree(store, 100, types.NetworkID(1))
	require.NoError(t, err)

	ids, commits := buildLinearChain(t, tree, 3)
	require.NotNil(t, commits[2], "round 3's QC must close round 1's commit")

	rootBefore, err := tree.Root().ID()
	require.NoError(t, err)
	require.Equal(t, ids[1], rootBefore)

	qc := &types.QuorumCert{
		VoteInfo: &types.RoundInfo{BlockID: ids[3], RoundNumber: 3, Epoch: types.GenesisEpoch, ParentRoundNumber: 2},
		LedgerCommitInfo: &types.LedgerInfo{NetworkID: types.NetworkID(1)},
	}
	committedAgain, _, err := tree.TryCommit(qc)
	require.NoError(t, err)
	require.NotNil(t, committedAgain)

	rootAfter, err := tree.Root().ID()
	require.NoError(t, err)
	require.Equal(t, rootBefore, rootAfter, "re-committing the current root must be a no-op")
}
