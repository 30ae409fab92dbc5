// Package trustbase tracks the validator set and quorum threshold for
// an epoch, and persists it keyed by epoch number across validator-set
// changes. Grounded on the teacher's
// rootchain/consensus/trustbase.Store (trust_base_store_test.go);
// spec.md's Non-goals exclude reconfiguration mechanics, so epoch
// transitions here only replace the active TrustBase wholesale rather
// than implementing a voting protocol for membership changes.
package trustbase

import (
	"errors"
	"fmt"

	"github.com/summachain/bftcore/crypto"
	"github.com/summachain/bftcore/types"
)

// TrustBase is the set of validators permitted to participate in an
// epoch's consensus, and the signature quorum a certificate must carry
// to be valid.
type TrustBase struct {
	Epoch           uint64
	Validators      map[types.Author][]byte // serialized public keys
	QuorumThreshold int
}

var (
	ErrUnknownValidator  = errors.New("author is not a validator of this epoch")
	ErrQuorumNotMet      = errors.New("not enough valid signatures for quorum")
	ErrDuplicateSignature = errors.New("duplicate signature from same author")
)

// New builds a TrustBase for epoch from the given validator verifiers,
// deriving the classic BFT quorum threshold n-f for n = 3f+1 (f is the
// largest tolerated number of faulty validators).
func New(epoch uint64, verifiers map[types.Author]crypto.Verifier) (*TrustBase, error) {
	if len(verifiers) == 0 {
		return nil, errors.New("trust base must have at least one validator")
	}
	validators := make(map[types.Author][]byte, len(verifiers))
	for author, v := range verifiers {
		keyBytes := v.Bytes()
		if len(keyBytes) == 0 {
			return nil, fmt.Errorf("verifier for %s has no key material", author)
		}
		validators[author] = keyBytes
	}
	n := len(validators)
	f := (n - 1) / 3
	quorum := n - f
	return &TrustBase{Epoch: epoch, Validators: validators, QuorumThreshold: quorum}, nil
}

// VerifyQuorum checks that signatures carries at least QuorumThreshold
// distinct, valid signatures from this epoch's validators over data.
func (tb *TrustBase) VerifyQuorum(signatures map[types.Author][]byte, data []byte) error {
	if tb == nil {
		return errors.New("trust base is nil")
	}
	valid := 0
	seen := make(map[types.Author]bool, len(signatures))
	for author, sig := range signatures {
		if seen[author] {
			return fmt.Errorf("%w: %s", ErrDuplicateSignature, author)
		}
		seen[author] = true
		keyBytes, ok := tb.Validators[author]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownValidator, author)
		}
		verifier, err := crypto.NewVerifierFromBytes(keyBytes)
		if err != nil {
			return fmt.Errorf("parsing stored key for %s: %w", author, err)
		}
		if err := verifier.VerifyBytes(sig, data); err != nil {
			continue
		}
		valid++
	}
	if valid < tb.QuorumThreshold {
		return fmt.Errorf("%w: got %d, need %d", ErrQuorumNotMet, valid, tb.QuorumThreshold)
	}
	return nil
}

// VerifySingle checks that sig is author's valid signature over data,
// rejecting unknown authors outright. Used to verify individual votes
// and timeout messages before they are counted toward a quorum.
func (tb *TrustBase) VerifySingle(author types.Author, sig, data []byte) error {
	if tb == nil {
		return errors.New("trust base is nil")
	}
	keyBytes, ok := tb.Validators[author]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, author)
	}
	verifier, err := crypto.NewVerifierFromBytes(keyBytes)
	if err != nil {
		return fmt.Errorf("parsing stored key for %s: %w", author, err)
	}
	if err := verifier.VerifyBytes(sig, data); err != nil {
		return fmt.Errorf("invalid signature from %s: %w", author, err)
	}
	return nil
}

// IsValidator reports whether author belongs to this epoch's trust base.
func (tb *TrustBase) IsValidator(author types.Author) bool {
	_, ok := tb.Validators[author]
	return ok
}

// Store persists a TrustBase per epoch, letting a node recover the
// correct validator set for historical rounds during block retrieval.
type Store interface {
	LoadTrustBase(epoch uint64) (*TrustBase, error)
	StoreTrustBase(epoch uint64, tb *TrustBase) error
}

type memStore struct {
	byEpoch map[uint64]*TrustBase
}

// NewMemStore returns an in-memory Store, sufficient for single-epoch
// deployments and tests.
func NewMemStore() Store {
	return &memStore{byEpoch: make(map[uint64]*TrustBase)}
}

func (s *memStore) LoadTrustBase(epoch uint64) (*TrustBase, error) {
	return s.byEpoch[epoch], nil
}

func (s *memStore) StoreTrustBase(epoch uint64, tb *TrustBase) error {
	s.byEpoch[epoch] = tb
	return nil
}
