package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/summachain/bftcore/types"
)

// boltStore is the durable-disk PersistentStore backend, grounded on the
// teacher's bbolt-style keyvaluedb usage elsewhere in the pack (the
// teacher's own keyvaluedb package was not present in the retrieval pack;
// go.etcd.io/bbolt is substituted as the concrete embedded-KV engine -
// see DESIGN.md).
type boltStore struct {
	db *bolt.DB
}

var (
	blocksBucket   = []byte("blocks")
	votesBucket    = []byte("votes")
	timeoutsBucket = []byte("timeouts")
	metaBucket     = []byte("meta")

	lastVoteKey          = []byte("last_vote")
	lastTCKey            = []byte("last_tc")
	highestVotedRoundKey = []byte("highest_voted_round")
	highestQcRoundKey    = []byte("highest_qc_round")
	preferredRoundKey    = []byte("preferred_round")
	committedRootKey     = []byte("committed_root")
)

// NewBoltStore opens (creating if necessary) a bbolt-backed persistent
// store at path.
func NewBoltStore(path string) (PersistentStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt db at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blocksBucket, votesBucket, timeoutsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing bolt db buckets: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) LoadBlocks() ([]*ExecutedBlock, error) {
	var out []*ExecutedBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		return b.ForEach(func(_, v []byte) error {
			block := &ExecutedBlock{}
			if err := cbor.Unmarshal(v, block); err != nil {
				return fmt.Errorf("decoding stored block: %w", err)
			}
			out = append(out, block)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) WriteBlock(block *ExecutedBlock, committed bool) error {
	id, err := block.ID()
	if err != nil {
		return fmt.Errorf("hashing block: %w", err)
	}
	buf, err := encode(block)
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		if err := b.Put(id[:], buf); err != nil {
			return err
		}
		if !committed {
			return nil
		}
		m := tx.Bucket(metaBucket)
		if err := m.Put(committedRootKey, id[:]); err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if string(k) == string(id[:]) {
				return nil
			}
			other := &ExecutedBlock{}
			if err := cbor.Unmarshal(v, other); err != nil {
				return fmt.Errorf("decoding stored block for prune: %w", err)
			}
			if other.GetRound() < block.GetRound() {
				return b.Delete(k)
			}
			return nil
		})
	})
}

func (s *boltStore) WriteVote(v *types.Vote) error {
	buf, err := encode(v)
	if err != nil {
		return fmt.Errorf("encoding vote: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(votesBucket).Put(lastVoteKey, buf)
	})
}

func (s *boltStore) ReadLastVote() (*types.Vote, error) {
	var out *types.Vote
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(votesBucket).Get(lastVoteKey)
		if raw == nil {
			return ErrNotPersisted
		}
		v := &types.Vote{}
		if err := cbor.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("decoding stored vote: %w", err)
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) WriteTC(tc *types.TimeoutCert) error {
	buf, err := encode(tc)
	if err != nil {
		return fmt.Errorf("encoding timeout certificate: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(timeoutsBucket).Put(lastTCKey, buf)
	})
}

func (s *boltStore) ReadLastTC() (*types.TimeoutCert, error) {
	var out *types.TimeoutCert
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(timeoutsBucket).Get(lastTCKey)
		if raw == nil {
			return ErrNotPersisted
		}
		tc := &types.TimeoutCert{}
		if err := cbor.Unmarshal(raw, tc); err != nil {
			return fmt.Errorf("decoding stored timeout certificate: %w", err)
		}
		out = tc
		return nil
	})
	if errors.Is(err, ErrNotPersisted) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) GetHighestVotedRound() (uint64, error) {
	return s.readRound(highestVotedRoundKey)
}

func (s *boltStore) SetHighestVotedRound(round uint64) error {
	return s.writeRound(highestVotedRoundKey, round)
}

func (s *boltStore) GetHighestQcRound() (uint64, error) {
	return s.readRound(highestQcRoundKey)
}

func (s *boltStore) SetHighestQcRound(qcRound, votedRound uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		m := tx.Bucket(metaBucket)
		if err := m.Put(highestQcRoundKey, types.RoundBytes(qcRound)); err != nil {
			return err
		}
		return m.Put(highestVotedRoundKey, types.RoundBytes(votedRound))
	})
}

func (s *boltStore) GetPreferredRound() (uint64, error) {
	return s.readRound(preferredRoundKey)
}

func (s *boltStore) SetPreferredRound(round uint64) error {
	return s.writeRound(preferredRoundKey, round)
}

func (s *boltStore) readRound(key []byte) (uint64, error) {
	var round uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(key)
		if raw == nil {
			return nil
		}
		round = binary.BigEndian.Uint64(raw)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return round, nil
}

func (s *boltStore) writeRound(key []byte, round uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(key, types.RoundBytes(round))
	})
}
