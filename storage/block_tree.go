package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/summachain/bftcore/types"
)

type (
	// node is one entry of the in-memory forest the BlockTree maintains,
	// grounded on rootchain/consensus/storage/block_tree.go's node type.
	node struct {
		data  *ExecutedBlock
		child []*node
	}

	// BlockTree is the in-memory forest of proposed blocks rooted at the
	// last committed block (spec.md §3 "Block tree", §4.1). It is keyed by
	// block id rather than by round (a refinement over the teacher's
	// round-keyed tree - see SPEC_FULL.md §4.1) because MultipleOrdered
	// proposers can produce more than one candidate block for a round
	// before the primary's proposal is known to have failed.
	BlockTree struct {
		mu              sync.RWMutex
		root            *node
		byID            map[types.BlockID]*node
		highQc          *types.QuorumCert
		highCommitQc    *types.QuorumCert
		prunedCache     map[types.BlockID]*ExecutedBlock
		prunedOrder     []types.BlockID
		maxPrunedBlocks int
		store           PersistentStore
	}
)

var (
	ErrMissingParent = errors.New("missing parent block")
	ErrStaleBlock    = errors.New("stale block")
	ErrDuplicate     = errors.New("duplicate block")
	ErrCommitFailed  = errors.New("commit failed")
	ErrNotFound      = errors.New("block not found")
)

func newNode(b *ExecutedBlock) *node {
	return &node{data: b, child: make([]*node, 0, 2)}
}

func (n *node) addChild(c *node) {
	n.child = append(n.child, c)
}

// NewBlockTreeWithRootBlock creates a BlockTree rooted at the given
// block - the recovery entry point once a new committed state has been
// established (genesis, or after a long-gap state sync).
func NewBlockTreeWithRootBlock(root *ExecutedBlock, maxPrunedBlocks int, store PersistentStore) (*BlockTree, error) {
	id, err := root.ID()
	if err != nil {
		return nil, fmt.Errorf("hashing root block: %w", err)
	}
	if err := store.WriteBlock(root, true); err != nil {
		return nil, fmt.Errorf("persisting root block: %w", err)
	}
	rootNode := newNode(root)
	return &BlockTree{
		root:            rootNode,
		byID:            map[types.BlockID]*node{id: rootNode},
		highQc:          root.CommitQc,
		highCommitQc:    root.CommitQc,
		prunedCache:     make(map[types.BlockID]*ExecutedBlock),
		maxPrunedBlocks: maxPrunedBlocks,
		store:           store,
	}, nil
}

// NewBlockTree reconstructs the tree from the durable log on restart,
// matching spec.md §4.7: replay blocks/QCs above the last committed root.
func NewBlockTree(store PersistentStore, maxPrunedBlocks int, networkID types.NetworkID) (*BlockTree, error) {
	blocks, err := store.LoadBlocks()
	if err != nil {
		return nil, fmt.Errorf("loading blocks: %w", err)
	}
	if len(blocks) == 0 {
		genesis, err := NewGenesisBlock(networkID)
		if err != nil {
			return nil, fmt.Errorf("creating genesis block: %w", err)
		}
		return NewBlockTreeWithRootBlock(genesis, maxPrunedBlocks, store)
	}

	var rootBlock *ExecutedBlock
	for _, b := range blocks {
		if b.CommitQc != nil {
			rootBlock = b
			break
		}
	}
	if rootBlock == nil {
		return nil, errors.New("no committed root block found in durable log")
	}
	rootID, err := rootBlock.ID()
	if err != nil {
		return nil, fmt.Errorf("hashing root block: %w", err)
	}
	rootNode := newNode(rootBlock)
	byID := map[types.BlockID]*node{rootID: rootNode}
	hQC := rootBlock.CommitQc

	byParent := make(map[types.BlockID][]*ExecutedBlock)
	for _, b := range blocks {
		if b == rootBlock {
			continue
		}
		byParent[b.BlockData.ParentBlockID()] = append(byParent[b.BlockData.ParentBlockID()], b)
	}
	queue := []types.BlockID{rootID}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		parent := byID[pid]
		for _, b := range byParent[pid] {
			bid, err := b.ID()
			if err != nil {
				return nil, fmt.Errorf("hashing block round %d: %w", b.GetRound(), err)
			}
			n := newNode(b)
			byID[bid] = n
			parent.addChild(n)
			if b.Qc.GetRound() > hQC.GetRound() {
				hQC = b.Qc
			}
			queue = append(queue, bid)
		}
	}

	return &BlockTree{
		root:            rootNode,
		byID:            byID,
		highQc:          hQC,
		highCommitQc:    rootBlock.CommitQc,
		prunedCache:     make(map[types.BlockID]*ExecutedBlock),
		maxPrunedBlocks: maxPrunedBlocks,
		store:           store,
	}, nil
}

// InsertBlock adds a new leaf: the parent (by QC's certified block) must
// already be present and the block's round must exceed the parent's.
func (bt *BlockTree) InsertBlock(block *ExecutedBlock) error {
	id, err := block.ID()
	if err != nil {
		return fmt.Errorf("hashing block: %w", err)
	}
	parentID := block.BlockData.ParentBlockID()

	bt.mu.Lock()
	defer bt.mu.Unlock()

	if _, found := bt.byID[id]; found {
		return fmt.Errorf("%w: block %s already present", ErrDuplicate, id)
	}
	parent, found := bt.byID[parentID]
	if !found {
		return fmt.Errorf("%w: parent %s of block round %d not found", ErrMissingParent, parentID, block.GetRound())
	}
	if block.GetRound() <= parent.data.GetRound() {
		return fmt.Errorf("%w: round %d does not exceed parent round %d", ErrStaleBlock, block.GetRound(), parent.data.GetRound())
	}

	n := newNode(block)
	parent.addChild(n)
	bt.byID[id] = n
	return bt.store.WriteBlock(block, false)
}

// InsertQC attaches a QC to the block it certifies and advances the
// tree's highest-known QC/commit-QC bookkeeping (spec.md §4.1).
func (bt *BlockTree) InsertQC(qc *types.QuorumCert) error {
	if qc == nil || qc.VoteInfo == nil {
		return errors.New("qc or its vote info is nil")
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()

	n, found := bt.byID[qc.VoteInfo.BlockID]
	if !found {
		return fmt.Errorf("%w: certified block %s not found", ErrMissingParent, qc.VoteInfo.BlockID)
	}
	n.data.Qc = qc
	if err := bt.store.WriteBlock(n.data, false); err != nil {
		return fmt.Errorf("persisting qc for round %d: %w", qc.GetRound(), err)
	}
	if qc.GetRound() > bt.highQc.GetRound() {
		bt.highQc = qc
	}
	if qc.CommitsABlock() && qc.LedgerCommitInfo.Round > bt.highCommitQc.GetRound() {
		bt.highCommitQc = qc
	}
	return nil
}

func (bt *BlockTree) HighestQuorumCert() *types.QuorumCert {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.highQc
}

func (bt *BlockTree) HighestCommitCert() *types.QuorumCert {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.highCommitQc
}

// HighestCertifiedBlock returns the highest-round block that has a QC.
func (bt *BlockTree) HighestCertifiedBlock() (*ExecutedBlock, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	id := bt.highQc.CertifiedBlockID()
	if n, found := bt.byID[id]; found {
		return n.data, nil
	}
	if bt.root.data.Qc.CertifiedBlockID() == id || id.IsZero() {
		return bt.root.data, nil
	}
	return nil, fmt.Errorf("%w: highest certified block %s", ErrNotFound, id)
}

func (bt *BlockTree) GetBlock(id types.BlockID) (*ExecutedBlock, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	if n, found := bt.byID[id]; found {
		return n.data, nil
	}
	if b, found := bt.prunedCache[id]; found {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// MaxPrunedBlocks returns the configured size of the pruned-block
// cache, used by callers that need to rebuild an equivalent tree.
func (bt *BlockTree) MaxPrunedBlocks() int {
	return bt.maxPrunedBlocks
}

func (bt *BlockTree) Root() *ExecutedBlock {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.root.data
}

// PathFromRoot returns the chain of blocks from (excluding) the root to
// (including) id, or an error if id is not reachable from the root.
func (bt *BlockTree) PathFromRoot(id types.BlockID) ([]*ExecutedBlock, error) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.pathFromRoot(id)
}

func (bt *BlockTree) pathFromRoot(id types.BlockID) ([]*ExecutedBlock, error) {
	n, found := bt.byID[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	path := make([]*ExecutedBlock, 0, 4)
	for n != bt.root {
		path = append([]*ExecutedBlock{n.data}, path...)
		parentID := n.data.BlockData.ParentBlockID()
		parent, found := bt.byID[parentID]
		if !found {
			return nil, fmt.Errorf("%w: ancestor %s of %s not in tree", ErrNotFound, parentID, id)
		}
		n = parent
	}
	return path, nil
}

// onChainToRoot reports whether id is the root, or reachable from the
// root via the tree, implementing safety rule (c) of spec.md §4.2.
func (bt *BlockTree) onChainToRoot(id types.BlockID) bool {
	if _, err := bt.pathFromRoot(id); err == nil {
		return true
	}
	rootID, err := bt.root.data.ID()
	return err == nil && rootID == id
}

// OnChainToRoot is the exported, lock-guarded form of onChainToRoot.
func (bt *BlockTree) OnChainToRoot(id types.BlockID) bool {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.onChainToRoot(id)
}

// TryCommit applies the three-chain commit rule (spec.md §3, §4.1): given
// a freshly inserted QC certifying round r, if r, r's parent round and
// r's grandparent round are three consecutive integers, the grandparent
// block commits and becomes the new root.
func (bt *BlockTree) TryCommit(qc *types.QuorumCert) (*ExecutedBlock, *types.LedgerInfo, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	certified, found := bt.byID[qc.CertifiedBlockID()]
	if !found {
		return nil, nil, nil
	}

	r3 := certified.data.GetRound() // the round whose QC we just inserted certifies
	parentBlock, ok := bt.byID[certified.data.BlockData.ParentBlockID()]
	if !ok {
		return nil, nil, nil
	}
	r2 := parentBlock.data.GetRound()
	gpBlock, ok := bt.byID[parentBlock.data.BlockData.ParentBlockID()]
	if !ok {
		return nil, nil, nil
	}
	r1 := gpBlock.data.GetRound()

	if !(r2 == r1+1 && r3 == r2+1) {
		return nil, nil, nil
	}

	ledgerInfo := &types.LedgerInfo{
		NetworkID:    qc.LedgerCommitInfo.NetworkID,
		Round:        r1,
		Epoch:        gpBlock.data.BlockData.Epoch,
		Hash:         gpBlock.data.StateID,
		PreviousHash: nil,
	}
	commitQc := &types.QuorumCert{
		VoteInfo:         qc.VoteInfo,
		LedgerCommitInfo: ledgerInfo,
		Signatures:       qc.Signatures,
	}

	committed, err := bt.commitLocked(gpBlock, commitQc)
	if err != nil {
		return nil, nil, err
	}
	return committed, ledgerInfo, nil
}

func (bt *BlockTree) commitLocked(newRoot *node, commitQc *types.QuorumCert) (*ExecutedBlock, error) {
	if newRoot == bt.root {
		return newRoot.data, nil
	}
	pruned, err := bt.findBlocksToPrune(newRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCommitFailed, err)
	}
	for _, id := range pruned {
		n := bt.byID[id]
		delete(bt.byID, id)
		bt.cachePruned(id, n.data)
	}
	newRoot.data.CommitQc = commitQc
	if err := bt.store.WriteBlock(newRoot.data, true); err != nil {
		return nil, fmt.Errorf("persisting new root: %w", err)
	}
	bt.root = newRoot
	if commitQc.GetRound() > bt.highCommitQc.GetRound() {
		bt.highCommitQc = commitQc
	}
	return newRoot.data, nil
}

func (bt *BlockTree) cachePruned(id types.BlockID, b *ExecutedBlock) {
	if bt.maxPrunedBlocks <= 0 {
		return
	}
	bt.prunedCache[id] = b
	bt.prunedOrder = append(bt.prunedOrder, id)
	for len(bt.prunedOrder) > bt.maxPrunedBlocks {
		oldest := bt.prunedOrder[0]
		bt.prunedOrder = bt.prunedOrder[1:]
		delete(bt.prunedCache, oldest)
	}
}

// findBlocksToPrune walks every branch from the current root that does
// not pass through newRoot and returns the ids to discard, adapted from
// the teacher's findBlocksToPrune stack-based traversal.
func (bt *BlockTree) findBlocksToPrune(newRoot *node) ([]types.BlockID, error) {
	pruned := make([]types.BlockID, 0, 4)
	stack := []*node{bt.root}
	found := false
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range n.child {
			if c == newRoot {
				found = true
				continue
			}
			stack = append(stack, c)
		}
		id, err := n.data.ID()
		if err != nil {
			return nil, err
		}
		if n != newRoot {
			pruned = append(pruned, id)
		}
	}
	if !found {
		return nil, errors.New("new root is not a descendant of the current root")
	}
	return pruned, nil
}

// RemoveLeaf discards a leaf block that will never be committed, e.g.
// after a TC proves its round ended without a QC (spec.md §4.6/§4.7).
func (bt *BlockTree) RemoveLeaf(id types.BlockID) error {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	rootID, err := bt.root.data.ID()
	if err != nil {
		return err
	}
	if rootID == id {
		return errors.New("root block cannot be removed")
	}
	n, found := bt.byID[id]
	if !found {
		return nil
	}
	if len(n.child) > 0 {
		return fmt.Errorf("block %s is not a leaf", id)
	}
	parentID := n.data.BlockData.ParentBlockID()
	parent, found := bt.byID[parentID]
	if !found {
		return fmt.Errorf("parent %s of leaf %s not found", parentID, id)
	}
	for i, c := range parent.child {
		if c == n {
			parent.child = append(parent.child[:i], parent.child[i+1:]...)
			break
		}
	}
	delete(bt.byID, id)
	return nil
}

// AllUncommittedBlocks returns every block currently in the tree other
// than the root, in no particular order.
func (bt *BlockTree) AllUncommittedBlocks() []*ExecutedBlock {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	out := make([]*ExecutedBlock, 0, len(bt.byID))
	stack := append([]*node{}, bt.root.child...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, n.child...)
		out = append(out, n.data)
	}
	return out
}
