package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/summachain/bftcore/crypto"
)

const defaultKeyFileName = "node.key"

func keygenCmd(base *baseFlags) *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generates a new validator signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(base, keyFile)
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "", "path to write the key (default $home/"+defaultKeyFileName+")")
	return cmd
}

func runKeygen(base *baseFlags, keyFile string) error {
	path := base.pathWithDefault(keyFile, defaultKeyFileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists, refusing to overwrite", path)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return fmt.Errorf("writing key file %s: %w", path, err)
	}
	signer, err := crypto.NewSignerFromBytes(key)
	if err != nil {
		return fmt.Errorf("loading generated key: %w", err)
	}
	verifier, err := signer.Verifier()
	if err != nil {
		return fmt.Errorf("deriving verifier: %w", err)
	}
	fmt.Printf("wrote %s\nnode id: %s\npublic key: %x\n", path, verifier.Author(), verifier.Bytes())
	return nil
}

func loadSigner(path string) (crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	return crypto.NewSignerFromBytes(raw)
}
