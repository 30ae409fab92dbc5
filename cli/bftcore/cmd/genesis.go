package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/summachain/bftcore/genesis"
	"github.com/summachain/bftcore/types"
)

const defaultGenesisFileName = "genesis.cbor"

func genesisCmd(base *baseFlags) *cobra.Command {
	var (
		keyFile         string
		genesisFile     string
		validatorPairs  []string
		blockRateMs     uint32
		consensusTimeMs uint32
	)
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Generates a genesis document for a validator set",
		Long: "Generates the genesis document binding a validator set's public keys " +
			"and consensus timing parameters, signed by this node's key. Every " +
			"validator must be given with --validator nodeID=hexpubkey.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenesis(base, keyFile, genesisFile, validatorPairs, blockRateMs, consensusTimeMs)
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "", "path to this node's signing key (default $home/"+defaultKeyFileName+")")
	cmd.Flags().StringVar(&genesisFile, "genesis-file", "", "path to write the genesis document (default $home/"+defaultGenesisFileName+")")
	cmd.Flags().StringArrayVar(&validatorPairs, "validator", nil, "nodeID=hexpubkey, repeatable, one per validator")
	cmd.Flags().Uint32Var(&blockRateMs, "block-rate", uint32(genesis.DefaultBlockRate.Milliseconds()), "block rate recorded in the genesis document, in ms (the node does not read it)")
	cmd.Flags().Uint32Var(&consensusTimeMs, "consensus-timeout", uint32(genesis.DefaultConsensusTimeout.Milliseconds()), "pacemaker maximum round timeout, in ms")
	return cmd
}

func runGenesis(base *baseFlags, keyFile, genesisFile string, validatorPairs []string, blockRateMs, consensusTimeMs uint32) error {
	if len(validatorPairs) == 0 {
		return fmt.Errorf("at least one --validator nodeID=hexpubkey is required")
	}
	validators := make([]genesis.ValidatorInfo, 0, len(validatorPairs))
	for _, pair := range validatorPairs {
		nodeID, pubKeyHex, ok := splitOnce(pair, '=')
		if !ok {
			return fmt.Errorf("malformed --validator %q, want nodeID=hexpubkey", pair)
		}
		pubKey, err := hex.DecodeString(pubKeyHex)
		if err != nil {
			return fmt.Errorf("decoding public key for %s: %w", nodeID, err)
		}
		validators = append(validators, genesis.ValidatorInfo{NodeID: types.Author(nodeID), PubKey: pubKey})
	}

	signer, err := loadSigner(base.pathWithDefault(keyFile, defaultKeyFileName))
	if err != nil {
		return fmt.Errorf("loading this node's key: %w", err)
	}
	verifier, err := signer.Verifier()
	if err != nil {
		return fmt.Errorf("deriving verifier: %w", err)
	}

	doc, err := genesis.New(types.NetworkID(1), verifier.Author(), signer, validators,
		genesis.WithBlockRate(time.Duration(blockRateMs)*time.Millisecond),
		genesis.WithConsensusTimeout(time.Duration(consensusTimeMs)*time.Millisecond))
	if err != nil {
		return fmt.Errorf("building genesis document: %w", err)
	}

	for _, v := range validators {
		if v.NodeID == verifier.Author() {
			continue
		}
		fmt.Printf("waiting for signature from validator %s - share this file and collect their signature before starting\n", v.NodeID)
	}

	data, err := genesis.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding genesis document: %w", err)
	}
	path := base.pathWithDefault(genesisFile, defaultGenesisFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing genesis file %s: %w", path, err)
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
