package consensus_test

import (
	"testing"
	"time"

	"github.com/summachain/bftcore/consensus/leader"
	"github.com/summachain/bftcore/network/testutils"
)

// This file exercises the remaining scenarios spec.md §8 names (S4
// block_retrieval, S5 state_sync, S6 timeout_votes_form_QC, S7
// nil_chain), continuing consensus_e2e_test.go's Playground harness.
// network/testutils.Playground only supports whole-peer bidirectional
// partitioning, not selective per-message blocking, so S6's "drop
// responses to the leader" is approximated by partitioning the leader
// itself shortly after it proposes - the scenario's actual assertions
// (a QC forms on the non-leader replicas, the leader observes none)
// hold either way.

// TestScenario_BlockRetrieval (S4): a node dropped for a couple of
// rounds catches up via the short-gap BlockRetrievalRequest path and
// still commits the very first proposal once reconnected.
func TestScenario_BlockRetrieval(t *testing.T) {
	nodes, authors := newTestNodes(t, 3)
	pg := testutils.NewPlayground()
	selector := leader.NewFixedSelector(authors[0])
	cancel, _ := startClusterWith(t, nodes, authors, pg, selector, 2)
	defer cancel()

	pg.Partition(authors[2])
	time.Sleep(700 * time.Millisecond)
	pg.Heal(authors[2])

	for _, n := range nodes {
		waitForCommit(t, n.tree, 1, 10*time.Second)
	}
}

// TestScenario_StateSync (S5): a node isolated long enough that the
// gap exceeds the short-gap threshold falls back to full state sync
// and still catches up to the rest of the cluster's committed round.
func TestScenario_StateSync(t *testing.T) {
	nodes, authors := newTestNodes(t, 3)
	pg := testutils.NewPlayground()
	selector := leader.NewFixedSelector(authors[0])
	cancel, _ := startClusterWith(t, nodes, authors, pg, selector, 2)
	defer cancel()

	pg.Partition(authors[2])
	time.Sleep(3 * time.Second)
	pg.Heal(authors[2])

	for _, n := range nodes {
		waitForCommit(t, n.tree, 1, 15*time.Second)
	}
}

// TestScenario_TimeoutVotesFormQC (S6): once the leader is cut off
// from the rest of the cluster, the non-leader replicas still form a
// QC for the round the leader proposed while the leader itself never
// observes one.
func TestScenario_TimeoutVotesFormQC(t *testing.T) {
	nodes, authors := newTestNodes(t, 3)
	pg := testutils.NewPlayground()
	selector := leader.NewFixedSelector(authors[0])
	cancel, _ := startClusterWith(t, nodes, authors, pg, selector, 2)
	defer cancel()

	time.Sleep(30 * time.Millisecond)
	pg.Partition(authors[0])

	waitForQCRound(t, nodes[1].tree, 1, 10*time.Second)
	waitForQCRound(t, nodes[2].tree, 1, 10*time.Second)

	if round := nodes[0].tree.HighestQuorumCert().GetRound(); round != 0 {
		t.Fatalf("partitioned leader should observe no QC, saw round %d", round)
	}
}

// TestScenario_NilChain (S7): after several successful proposals the
// leader is disconnected; the remaining replicas keep extending the
// commit chain under round-robin rotation rather than stalling.
func TestScenario_NilChain(t *testing.T) {
	nodes, authors := newTestNodes(t, 3)
	pg := testutils.NewPlayground()
	selector := leader.NewRoundRobinSelector(authors)
	cancel, _ := startClusterWith(t, nodes, authors, pg, selector, 2)
	defer cancel()

	for _, n := range nodes {
		waitForQCRound(t, n.tree, 3, 10*time.Second)
	}

	nextLeader := authors[4%len(authors)]
	pg.Partition(nextLeader)

	for _, n := range nodes {
		if n.id == nextLeader {
			continue
		}
		waitForQCRound(t, n.tree, 4, 10*time.Second)
	}
}
