package storage

import (
	"crypto/sha256"
	"sync"

	"github.com/summachain/bftcore/types"
)

// HashChainComputer is a minimal StateComputer: it folds each block's
// transactions into a running SHA-256 chain rather than executing any
// real transaction semantics, which spec.md's Non-goals place outside
// this core's scope. It exists so a standalone node has a concrete,
// deterministic executor to run against; a production deployment
// supplies its own StateComputer wired to a real state machine.
type HashChainComputer struct {
	mu   sync.Mutex
	head []byte
}

// NewHashChainComputer returns a HashChainComputer whose durable head
// starts as the all-zero digest; Compute works from the parent state id
// it is given and does not read the head.
func NewHashChainComputer() *HashChainComputer {
	return &HashChainComputer{head: make([]byte, sha256.Size)}
}

// Compute is pure: it does not mutate c, letting the same parent state
// be extended by multiple candidate blocks concurrently.
func (c *HashChainComputer) Compute(parentStateID []byte, block *types.BlockData) ([]byte, error) {
	h := sha256.New()
	h.Write(parentStateID)
	for _, tx := range block.Payload.Transactions {
		h.Write(tx)
	}
	return h.Sum(nil), nil
}

// Commit advances the computer's durable head to the last block's
// state id; blocks is ordered oldest-first.
func (c *HashChainComputer) Commit(ledgerInfo *types.LedgerInfo, blocks []*ExecutedBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = blocks[len(blocks)-1].StateID
	return nil
}

// SyncTo replaces the durable head wholesale, used when a node recovers
// state from a peer rather than replaying every block itself.
func (c *HashChainComputer) SyncTo(ledgerInfo *types.LedgerInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = ledgerInfo.Hash
	return nil
}

// Head returns the computer's current durable state id.
func (c *HashChainComputer) Head() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}
