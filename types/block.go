package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type (
	// Transaction is an opaque client payload. The consensus core never
	// interprets its contents; execution semantics belong to the
	// StateComputer collaborator.
	Transaction []byte

	// Payload is the (possibly empty) sequence of transactions carried by
	// a block. An empty payload marks a NIL block proposed to keep the
	// chain moving when the primary cannot produce one.
	Payload struct {
		_            struct{} `cbor:",toarray"`
		Transactions []Transaction
	}

	// RoundInfo is the "vote info" carried by a QC: it identifies which
	// block is being certified and the root hash of the state produced by
	// executing it.
	RoundInfo struct {
		_                 struct{} `cbor:",toarray"`
		BlockID           BlockID
		RoundNumber       uint64
		Epoch             uint64
		Timestamp         uint64
		ParentBlockID     BlockID
		ParentRoundNumber uint64
		CurrentRootHash   []byte
	}

	// LedgerInfo is the ledger-commit record a QC carries for the
	// committable ancestor. It may reference no block (Round == 0
	// and Hash == nil) when the QC does not certify a commit.
	LedgerInfo struct {
		_            struct{} `cbor:",toarray"`
		NetworkID    NetworkID
		Round        uint64
		Epoch        uint64
		Hash         []byte
		Timestamp    uint64
		PreviousHash []byte
	}

	// QuorumCert is a quorum-signed attestation that RoundInfo.BlockID was
	// proposed for RoundInfo.RoundNumber, plus the LedgerInfo of whatever
	// ancestor the certifying round makes committable.
	QuorumCert struct {
		_                struct{} `cbor:",toarray"`
		VoteInfo         *RoundInfo
		LedgerCommitInfo *LedgerInfo
		Signatures       map[Author][]byte
	}

	// BlockID is the content hash of a BlockData.
	BlockID [32]byte

	// BlockData is a proposed block as it travels on the wire.
	BlockData struct {
		_         struct{} `cbor:",toarray"`
		Author    Author
		Round     uint64
		Epoch     uint64
		Timestamp uint64
		Payload   *Payload
		Qc        *QuorumCert
	}
)

var (
	ErrBlockIsNil    = errors.New("block is nil")
	ErrMissingQC     = errors.New("block is missing quorum certificate")
	ErrMissingAuthor = errors.New("block is missing author")
)

// ZeroBlockID is the sentinel referenced by a QC that does not certify a
// real block (e.g. the QC accompanying the genesis block's own commit).
var ZeroBlockID BlockID

func (id BlockID) String() string {
	return fmt.Sprintf("%x", id[:])
}

func (id BlockID) IsZero() bool {
	return id == ZeroBlockID
}

// Hash computes the content id of a block: H(round, parent_id, author,
// payload, qc), matching the invariant of spec.md §3.
func (b *BlockData) Hash() (BlockID, error) {
	if b == nil {
		return ZeroBlockID, ErrBlockIsNil
	}
	buf, err := cbor.Marshal(b)
	if err != nil {
		return ZeroBlockID, fmt.Errorf("encoding block for hashing: %w", err)
	}
	return sha256.Sum256(buf), nil
}

func (b *BlockData) GetRound() uint64 {
	if b == nil {
		return 0
	}
	return b.Round
}

func (b *BlockData) GetParentRound() uint64 {
	if b == nil || b.Qc == nil {
		return 0
	}
	return b.Qc.GetRound()
}

func (b *BlockData) ParentBlockID() BlockID {
	if b == nil || b.Qc == nil || b.Qc.VoteInfo == nil {
		return ZeroBlockID
	}
	return b.Qc.VoteInfo.BlockID
}

// IsNil reports whether this block carries an empty payload, i.e. it is
// a NIL block proposed to extend the chain on behalf of an absent leader.
func (b *BlockData) IsNil() bool {
	return b == nil || b.Payload == nil || len(b.Payload.Transactions) == 0
}

func (qc *QuorumCert) GetRound() uint64 {
	if qc == nil || qc.VoteInfo == nil {
		return 0
	}
	return qc.VoteInfo.RoundNumber
}

func (qc *QuorumCert) GetParentRound() uint64 {
	if qc == nil || qc.VoteInfo == nil {
		return 0
	}
	return qc.VoteInfo.ParentRoundNumber
}

func (qc *QuorumCert) CertifiedBlockID() BlockID {
	if qc == nil || qc.VoteInfo == nil {
		return ZeroBlockID
	}
	return qc.VoteInfo.BlockID
}

// CommitsABlock reports whether this QC, once formed, makes its
// LedgerCommitInfo's referenced round committable (i.e. it is not merely
// a certifying QC but also closes a three-chain).
func (qc *QuorumCert) CommitsABlock() bool {
	return qc != nil && qc.LedgerCommitInfo != nil && qc.LedgerCommitInfo.Round != 0
}

// Hash returns the SHA-256 digest of the CBOR-encoded RoundInfo. Quorum
// participants sign this digest followed by the LedgerInfo bytes,
// mirroring the teacher's vote-info/commit-info signing split.
func (ri *RoundInfo) Hash() ([]byte, error) {
	if ri == nil {
		return nil, errors.New("round info is nil")
	}
	buf, err := cbor.Marshal(ri)
	if err != nil {
		return nil, fmt.Errorf("encoding round info: %w", err)
	}
	sum := sha256.Sum256(buf)
	return sum[:], nil
}

func (li *LedgerInfo) Bytes() ([]byte, error) {
	if li == nil {
		return nil, errors.New("ledger info is nil")
	}
	buf, err := cbor.Marshal(li)
	if err != nil {
		return nil, fmt.Errorf("encoding ledger info: %w", err)
	}
	return buf, nil
}

// Height tracking is not part of the wire block (recomputed from the
// parent chain on insertion, mirroring the teacher's ExecutedBlock
// pattern); RoundBytes is a small helper used by timeout-vote signing.
func RoundBytes(round uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, round)
	return b
}
