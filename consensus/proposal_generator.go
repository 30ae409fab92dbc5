package consensus

import (
	"fmt"

	"github.com/summachain/bftcore/mempool"
	"github.com/summachain/bftcore/storage"
	"github.com/summachain/bftcore/types"
)

// ProposalGenerator builds new blocks atop the tree's highest certified
// block, pulling transactions from the TransactionManager the way the
// teacher's IrReqBuffer.GeneratePayload assembles a payload from
// buffered IR change requests.
type ProposalGenerator struct {
	tree      *storage.BlockTree
	txMgr     mempool.TransactionManager
	maxTxs    int
	networkID types.NetworkID
}

func NewProposalGenerator(tree *storage.BlockTree, txMgr mempool.TransactionManager, maxTxs int, networkID types.NetworkID) *ProposalGenerator {
	return &ProposalGenerator{tree: tree, txMgr: txMgr, maxTxs: maxTxs, networkID: networkID}
}

// Generate builds the BlockData for round, authored by self, extending
// the tree's highest certified block. A nil Payload is produced when
// the transaction buffer is empty, matching the NIL-block path safety
// rules treat identically to a transaction-carrying proposal.
func (g *ProposalGenerator) Generate(round, epoch uint64, self types.Author, timestamp uint64) (*types.BlockData, error) {
	if _, err := g.tree.HighestCertifiedBlock(); err != nil {
		return nil, fmt.Errorf("finding highest certified block: %w", err)
	}
	txs := g.txMgr.Pull(g.maxTxs)
	return &types.BlockData{
		Author:    self,
		Round:     round,
		Epoch:     epoch,
		Timestamp: timestamp,
		Payload:   &types.Payload{Transactions: txs},
		Qc:        g.tree.HighestQuorumCert(),
	}, nil
}
