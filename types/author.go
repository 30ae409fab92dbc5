// Package types defines the wire-level data model of the consensus core:
// blocks, quorum certificates, timeout certificates, votes and the
// bundles built from them. Types in this package are pure data - no
// networking, storage or cryptographic side effects live here.
package types

// Author is the opaque identifier of a validator, derived from its
// public key. In this module it is the string form of a libp2p peer ID.
type Author string

func (a Author) String() string { return string(a) }

// NetworkID identifies the set of validators that agreed to run a given
// instance of the protocol together (distinguishes genesis blocks across
// independent deployments sharing the same code).
type NetworkID uint16

const (
	// GenesisRound is the round number of the sentinel genesis block.
	GenesisRound uint64 = 0
	// GenesisEpoch is the epoch the genesis block belongs to.
	GenesisEpoch uint64 = 0
)
