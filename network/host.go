package network

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
)

// NewHost builds the libp2p host a GossipNetwork binds to, deriving its
// peer identity from the node's raw secp256k1 private key so a
// validator's consensus Author and its libp2p peer.ID come from the
// same key material.
func NewHost(listenAddr string, privKeyBytes []byte) (host.Host, error) {
	key, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(privKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling node private key: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}
	return h, nil
}
