package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/summachain/bftcore/types"
)

// PersistentStore is the durable log a node replays on restart, grounded
// on the teacher's keyvaluedb-backed recovery store (see
// consensus_recovery_test.go's mockSafetyStorage plus the rootchain
// genesis/recovery path) and extended per spec.md §4.7 with the
// preferred-round bookkeeping the safety rules require.
type PersistentStore interface {
	// LoadBlocks returns every block still reachable from the last
	// committed root, in no particular order, for tree reconstruction.
	LoadBlocks() ([]*ExecutedBlock, error)
	// WriteBlock persists b. When committed is true, b becomes (or stays)
	// the durable root and earlier uncommitted blocks may be discarded.
	WriteBlock(b *ExecutedBlock, committed bool) error

	WriteVote(v *types.Vote) error
	ReadLastVote() (*types.Vote, error)

	WriteTC(tc *types.TimeoutCert) error
	ReadLastTC() (*types.TimeoutCert, error)

	// GetHighestVotedRound and GetHighestQcRound expose the safety
	// module's monotonic bookkeeping (spec.md §4.2/§9's last_voted_round
	// and the highest QC round voted under) so a restart cannot vote for a conflicting
	// fork it had already locked out. SetHighestVotedRound records a
	// plain vote/timeout; SetHighestQcRound additionally records the
	// round of the QC just voted under.
	GetHighestVotedRound() (uint64, error)
	SetHighestVotedRound(round uint64) error
	GetHighestQcRound() (uint64, error)
	SetHighestQcRound(qcRound, votedRound uint64) error

	// GetPreferredRound and SetPreferredRound persist spec.md §4.2 rule
	// (b)'s preferred_round: the highest grandparent round this replica
	// has ever voted to extend, which a later proposal's QC round must
	// not fall behind.
	GetPreferredRound() (uint64, error)
	SetPreferredRound(round uint64) error
}

var ErrNotPersisted = errors.New("nothing persisted yet")

// memStore is a PersistentStore kept entirely in memory - the default for
// tests and for nodes that tolerate replaying state sync on every restart.
type memStore struct {
	mu                sync.Mutex
	blocks            map[types.BlockID]*ExecutedBlock
	lastVote          *types.Vote
	lastTC            *types.TimeoutCert
	highestVotedRound uint64
	highestQcRound    uint64
	preferredRound    uint64
}

func NewMemStore() PersistentStore {
	return &memStore{blocks: make(map[types.BlockID]*ExecutedBlock)}
}

func (s *memStore) LoadBlocks() ([]*ExecutedBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ExecutedBlock, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	return out, nil
}

func (s *memStore) WriteBlock(b *ExecutedBlock, committed bool) error {
	id, err := b.ID()
	if err != nil {
		return fmt.Errorf("hashing block: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[id] = b
	if committed {
		for otherID, other := range s.blocks {
			if other.GetRound() < b.GetRound() && otherID != id {
				delete(s.blocks, otherID)
			}
		}
	}
	return nil
}

func (s *memStore) WriteVote(v *types.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVote = v
	return nil
}

func (s *memStore) ReadLastVote() (*types.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastVote == nil {
		return nil, ErrNotPersisted
	}
	return s.lastVote, nil
}

func (s *memStore) WriteTC(tc *types.TimeoutCert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTC = tc
	return nil
}

func (s *memStore) ReadLastTC() (*types.TimeoutCert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastTC == nil {
		return nil, ErrNotPersisted
	}
	return s.lastTC, nil
}

func (s *memStore) GetHighestVotedRound() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestVotedRound, nil
}

func (s *memStore) SetHighestVotedRound(round uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highestVotedRound = round
	return nil
}

func (s *memStore) GetHighestQcRound() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestQcRound, nil
}

func (s *memStore) SetHighestQcRound(qcRound, votedRound uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highestQcRound = qcRound
	s.highestVotedRound = votedRound
	return nil
}

func (s *memStore) GetPreferredRound() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferredRound, nil
}

func (s *memStore) SetPreferredRound(round uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferredRound = round
	return nil
}
