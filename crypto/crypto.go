// Package crypto proxies the consensus core's cryptographic needs -
// author identifiers, signing, signature verification and content
// hashing - behind small interfaces so the core never imports a
// concrete curve implementation directly. Grounded on the teacher's
// "crypto proxies" split between rootchain/consensus (signer/verifier
// fields) and its external bft-go-base/crypto package.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/summachain/bftcore/types"
)

type (
	// Signer produces signatures over arbitrary byte strings.
	Signer interface {
		SignBytes(data []byte) ([]byte, error)
		Verifier() (Verifier, error)
		// Bytes returns the signer's raw private key material, the form
		// a key file persists and NewSignerFromBytes restores.
		Bytes() []byte
	}

	// Verifier checks signatures produced by the matching Signer and
	// exposes the author identifier derived from the public key.
	Verifier interface {
		VerifyBytes(sig, data []byte) error
		Author() types.Author
		Bytes() []byte
	}

	secp256k1Signer struct {
		key *secp256k1.PrivateKey
	}

	secp256k1Verifier struct {
		pub    *secp256k1.PublicKey
		author types.Author
	}
)

var (
	ErrSignerIsNil   = errors.New("signer is nil")
	ErrVerifierIsNil = errors.New("verifier is nil")
)

// NewInMemorySigner creates a fresh secp256k1 key pair held only in
// memory - used by tests and by nodes that load keys from a separate
// key file rather than a KMS.
func NewInMemorySigner() (Signer, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return &secp256k1Signer{key: key}, nil
}

// NewSignerFromBytes restores a signer from a raw 32-byte private key.
func NewSignerFromBytes(b []byte) (Signer, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid private key length %d, want 32", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &secp256k1Signer{key: key}, nil
}

// GenerateKey creates a fresh secp256k1 private key and returns its raw
// 32-byte serialization, the form a key file persists and
// NewSignerFromBytes restores.
func GenerateKey() ([]byte, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return key.Serialize(), nil
}

// Bytes returns s's raw 32-byte private key, the form a key file
// persists across restarts.
func (s *secp256k1Signer) Bytes() []byte {
	if s == nil || s.key == nil {
		return nil
	}
	return s.key.Serialize()
}

func (s *secp256k1Signer) SignBytes(data []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrSignerIsNil
	}
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(s.key, digest[:])
	return sig.Serialize(), nil
}

func (s *secp256k1Signer) Verifier() (Verifier, error) {
	if s == nil || s.key == nil {
		return nil, ErrSignerIsNil
	}
	pub := s.key.PubKey()
	return newVerifier(pub), nil
}

// newVerifier derives the Author from pub the same way network.NewHost
// derives this node's libp2p identity, so resolvePeer's peer.Decode can
// turn an Author straight back into the peer ID the network layer
// addresses it by (types.Author's doc comment).
func newVerifier(pub *secp256k1.PublicKey) Verifier {
	author := authorFromPubKey(pub)
	return &secp256k1Verifier{pub: pub, author: author}
}

func authorFromPubKey(pub *secp256k1.PublicKey) types.Author {
	libp2pPub, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(pub.SerializeCompressed())
	if err != nil {
		return types.Author(fmt.Sprintf("%x", pub.SerializeCompressed()))
	}
	id, err := peer.IDFromPublicKey(libp2pPub)
	if err != nil {
		return types.Author(fmt.Sprintf("%x", pub.SerializeCompressed()))
	}
	return types.Author(id.String())
}

// NewVerifierFromBytes restores a verifier from a compressed public key.
func NewVerifierFromBytes(b []byte) (Verifier, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return newVerifier(pub), nil
}

func (v *secp256k1Verifier) VerifyBytes(sig, data []byte) error {
	if v == nil || v.pub == nil {
		return ErrVerifierIsNil
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}
	digest := sha256.Sum256(data)
	if !parsed.Verify(digest[:], v.pub) {
		return errors.New("signature verification failed")
	}
	return nil
}

func (v *secp256k1Verifier) Author() types.Author {
	if v == nil {
		return ""
	}
	return v.author
}

// Bytes returns the compressed public key backing this verifier, the
// form NewVerifierFromBytes parses back.
func (v *secp256k1Verifier) Bytes() []byte {
	if v == nil || v.pub == nil {
		return nil
	}
	return v.pub.SerializeCompressed()
}

// Hash computes the SHA-256 digest of data - the core's sole content
// hashing primitive (block IDs, round-info digests).
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
