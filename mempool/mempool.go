// Package mempool buffers transactions submitted by clients until a
// proposer pulls them into a block, and clears entries once their
// block commits. Generalized from the teacher's IrReqBuffer
// (rootchain/consensus/ir_req_buffer.go), which buffers one pending
// change request per partition/shard rather than opaque transactions,
// but follows the same add-dedupe/pull-and-clear shape.
package mempool

import (
	"crypto/sha256"
	"errors"
	"log/slog"
	"sync"

	"github.com/summachain/bftcore/types"
)

// TransactionManager is the proposal generator's collaborator (spec.md
// §6): Pull drains up to maxItems buffered transactions for a new
// proposal, and NotifyCommitted releases transactions once their block
// is durably committed so they are not proposed again.
type TransactionManager interface {
	Submit(tx types.Transaction) error
	Pull(maxItems int) []types.Transaction
	NotifyCommitted(txs []types.Transaction)
}

type txKey [32]byte

func keyOf(tx types.Transaction) txKey {
	return sha256.Sum256(tx)
}

// Buffer is the in-memory TransactionManager implementation. It
// deduplicates by content hash and tracks transactions pulled into a
// not-yet-committed proposal separately from the unclaimed queue.
// ReturnUncommitted puts pending transactions back into circulation,
// but nothing in the consensus core calls it, so the transactions of a
// block that never commits stay pending.
type Buffer struct {
	mu        sync.Mutex
	queue     []types.Transaction
	seen      map[txKey]struct{}
	pending   map[txKey]types.Transaction
	log       *slog.Logger
	maxQueued int
}

var ErrBufferFull = errors.New("mempool buffer is full")

// NewBuffer creates an empty Buffer that holds at most maxQueued
// unclaimed transactions.
func NewBuffer(maxQueued int, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		seen:      make(map[txKey]struct{}),
		pending:   make(map[txKey]types.Transaction),
		log:       log,
		maxQueued: maxQueued,
	}
}

// Submit validates and buffers tx, rejecting duplicates and buffers at
// capacity.
func (b *Buffer) Submit(tx types.Transaction) error {
	if len(tx) == 0 {
		return errors.New("empty transaction")
	}
	key := keyOf(tx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[key]; dup {
		b.log.Debug("duplicate transaction, ignored")
		return nil
	}
	if len(b.queue) >= b.maxQueued {
		return ErrBufferFull
	}
	b.seen[key] = struct{}{}
	b.queue = append(b.queue, tx)
	return nil
}

// Pull removes and returns up to maxItems transactions from the
// unclaimed queue, moving them to the pending set until NotifyCommitted
// or ReturnUncommitted resolves their fate.
func (b *Buffer) Pull(maxItems int) []types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxItems > len(b.queue) {
		maxItems = len(b.queue)
	}
	out := make([]types.Transaction, maxItems)
	copy(out, b.queue[:maxItems])
	b.queue = b.queue[maxItems:]
	for _, tx := range out {
		b.pending[keyOf(tx)] = tx
	}
	return out
}

// NotifyCommitted permanently discards txs: their block is durably
// committed and they will never be proposed again.
func (b *Buffer) NotifyCommitted(txs []types.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range txs {
		key := keyOf(tx)
		delete(b.pending, key)
		delete(b.seen, key)
	}
}

// ReturnUncommitted puts txs back at the front of the unclaimed queue.
// The consensus core does not call it when a block is discarded.
func (b *Buffer) ReturnUncommitted(txs []types.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range txs {
		delete(b.pending, keyOf(tx))
	}
	b.queue = append(txs, b.queue...)
}

// Len reports the number of unclaimed transactions currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
