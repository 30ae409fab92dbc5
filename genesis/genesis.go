// Package genesis builds the bundle of data every validator needs before
// it can join consensus: the sentinel genesis block, the validator set's
// public keys, and the consensus timing parameters they all agreed to
// run with. Grounded on the teacher's rootchain/genesis.NewRootGenesis
// and its WithTotalNodes/WithBlockRate/WithConsensusTimeout option
// builder, simplified to this core's single-partition, no-unicity-tree
// scope.
package genesis

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/summachain/bftcore/consensus/trustbase"
	"github.com/summachain/bftcore/crypto"
	"github.com/summachain/bftcore/types"
)

const (
	DefaultBlockRate        = 900 * time.Millisecond
	DefaultConsensusTimeout = 10 * time.Second
	MinConsensusTimeout     = 2 * time.Second
	MinBlockRate            = 100 * time.Millisecond
)

var (
	ErrNoValidators      = errors.New("genesis requires at least one validator")
	ErrDuplicateNodeID   = errors.New("duplicate validator node id")
	ErrInvalidTimeout    = errors.New("invalid consensus timeout")
	ErrInvalidBlockRate  = errors.New("invalid block rate")
)

// ValidatorInfo names one validator's identity and public key, the
// unit the genesis ceremony collects one of per participant.
type ValidatorInfo struct {
	NodeID types.Author
	PubKey []byte
}

// ConsensusParams carries the timing and quorum configuration every
// validator must agree on before genesis, signed collectively the same
// way the teacher's genesis.ConsensusParams is.
type ConsensusParams struct {
	BlockRateMs        uint32
	ConsensusTimeoutMs uint32
	TotalValidators     uint32
	Signatures          map[types.Author][]byte
}

// Doc is the complete genesis bundle a node persists and loads at
// startup: the validator roster (from which a trustbase.TrustBase is
// built) plus the consensus parameters every validator must run with.
type Doc struct {
	NetworkID  types.NetworkID
	Validators []ValidatorInfo
	Consensus  *ConsensusParams
}

type conf struct {
	blockRateMs        uint32
	consensusTimeoutMs uint32
}

// Option customizes consensus parameters at genesis creation time.
type Option func(*conf)

func WithBlockRate(rate time.Duration) Option {
	return func(c *conf) { c.blockRateMs = uint32(rate.Milliseconds()) }
}

func WithConsensusTimeout(timeout time.Duration) Option {
	return func(c *conf) { c.consensusTimeoutMs = uint32(timeout.Milliseconds()) }
}

func (c *conf) isValid() error {
	if c.consensusTimeoutMs < uint32(MinConsensusTimeout.Milliseconds()) {
		return fmt.Errorf("%w: must be at least %s", ErrInvalidTimeout, MinConsensusTimeout)
	}
	if c.blockRateMs < uint32(MinBlockRate.Milliseconds()) {
		return fmt.Errorf("%w: must be at least %s", ErrInvalidBlockRate, MinBlockRate)
	}
	return nil
}

// New builds a Doc for networkID out of validators, signed by nodeID
// using signer; additional validators sign later via AddSignature, the
// way the teacher's ceremony collects one signature per root node
// before a RootGenesis is considered complete.
func New(networkID types.NetworkID, nodeID types.Author, signer crypto.Signer, validators []ValidatorInfo, opts ...Option) (*Doc, error) {
	if len(validators) == 0 {
		return nil, ErrNoValidators
	}
	seen := make(map[types.Author]bool, len(validators))
	for _, v := range validators {
		if seen[v.NodeID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNodeID, v.NodeID)
		}
		seen[v.NodeID] = true
	}
	sorted := make([]ValidatorInfo, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	c := &conf{
		blockRateMs:        uint32(DefaultBlockRate.Milliseconds()),
		consensusTimeoutMs: uint32(DefaultConsensusTimeout.Milliseconds()),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.isValid(); err != nil {
		return nil, fmt.Errorf("consensus parameters: %w", err)
	}

	params := &ConsensusParams{
		BlockRateMs:        c.blockRateMs,
		ConsensusTimeoutMs: c.consensusTimeoutMs,
		TotalValidators:    uint32(len(sorted)),
		Signatures:         make(map[types.Author][]byte, len(sorted)),
	}
	doc := &Doc{NetworkID: networkID, Validators: sorted, Consensus: params}
	if err := AddSignature(doc, nodeID, signer); err != nil {
		return nil, fmt.Errorf("signing genesis as %s: %w", nodeID, err)
	}
	return doc, nil
}

// AddSignature lets another validator add its signature over the
// consensus parameters, mirroring RootGenesisAddSignature's role in
// assembling a genesis document collaboratively.
func AddSignature(doc *Doc, nodeID types.Author, signer crypto.Signer) error {
	if doc == nil || doc.Consensus == nil {
		return errors.New("genesis document is nil")
	}
	isValidator := false
	for _, v := range doc.Validators {
		if v.NodeID == nodeID {
			isValidator = true
			break
		}
	}
	if !isValidator {
		return fmt.Errorf("%s is not a validator named in this genesis document", nodeID)
	}
	if _, signed := doc.Consensus.Signatures[nodeID]; signed {
		return fmt.Errorf("genesis already signed by %s", nodeID)
	}
	sig, err := signer.SignBytes(doc.Consensus.sigBytes())
	if err != nil {
		return fmt.Errorf("signing consensus parameters: %w", err)
	}
	doc.Consensus.Signatures[nodeID] = sig
	return nil
}

// sigBytes is the byte string consensus parameter signatures attest
// to; it deliberately excludes the Signatures map itself.
func (p *ConsensusParams) sigBytes() []byte {
	return fmt.Appendf(nil, "%d:%d:%d", p.BlockRateMs, p.ConsensusTimeoutMs, p.TotalValidators)
}

// IsValid checks that doc carries a signature from every named
// validator, matching the teacher's RootGenesis.IsValid completeness
// check before a genesis ceremony is considered closed.
func (doc *Doc) IsValid() error {
	if doc == nil || doc.Consensus == nil {
		return errors.New("genesis document is nil")
	}
	if len(doc.Validators) == 0 {
		return ErrNoValidators
	}
	if uint32(len(doc.Consensus.Signatures)) < doc.Consensus.TotalValidators {
		return fmt.Errorf("genesis missing signatures: got %d, want %d", len(doc.Consensus.Signatures), doc.Consensus.TotalValidators)
	}
	for _, v := range doc.Validators {
		sig, ok := doc.Consensus.Signatures[v.NodeID]
		if !ok {
			return fmt.Errorf("missing signature from validator %s", v.NodeID)
		}
		verifier, err := crypto.NewVerifierFromBytes(v.PubKey)
		if err != nil {
			return fmt.Errorf("parsing public key for %s: %w", v.NodeID, err)
		}
		if err := verifier.VerifyBytes(sig, doc.Consensus.sigBytes()); err != nil {
			return fmt.Errorf("invalid signature from %s: %w", v.NodeID, err)
		}
	}
	return nil
}

// TrustBase builds the trustbase.TrustBase an epoch-0 node verifies
// quorum certificates against out of doc's validator roster.
func (doc *Doc) TrustBase() (*trustbase.TrustBase, error) {
	if err := doc.IsValid(); err != nil {
		return nil, fmt.Errorf("genesis document is not complete: %w", err)
	}
	verifiers := make(map[types.Author]crypto.Verifier, len(doc.Validators))
	for _, v := range doc.Validators {
		verifier, err := crypto.NewVerifierFromBytes(v.PubKey)
		if err != nil {
			return nil, fmt.Errorf("parsing public key for %s: %w", v.NodeID, err)
		}
		verifiers[v.NodeID] = verifier
	}
	return trustbase.New(types.GenesisEpoch, verifiers)
}

// BlockRate and ConsensusTimeout expose the agreed-upon durations to
// callers configuring a pacemaker from this genesis document.
func (doc *Doc) BlockRate() time.Duration {
	return time.Duration(doc.Consensus.BlockRateMs) * time.Millisecond
}

func (doc *Doc) ConsensusTimeout() time.Duration {
	return time.Duration(doc.Consensus.ConsensusTimeoutMs) * time.Millisecond
}

// Marshal and Unmarshal persist a Doc to and from the CBOR encoding
// every other wire type in this module uses.
func Marshal(doc *Doc) ([]byte, error) {
	return cbor.Marshal(doc)
}

func Unmarshal(data []byte) (*Doc, error) {
	doc := &Doc{}
	if err := cbor.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding genesis document: %w", err)
	}
	return doc, nil
}
