// Package cmd assembles the bft-core command tree: key generation,
// genesis ceremony, and running a validator node, following the
// teacher's cli/ubft/cmd baseFlags-plus-subcommand composition.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/summachain/bftcore/observability"
)

const EnvHomeVar = "BFTCORE_HOME"

// baseFlags holds the flags every subcommand shares: the data
// directory and the observability factory threaded down from main.
type baseFlags struct {
	HomeDir string
	observe observability.Observability
}

func (f *baseFlags) pathWithDefault(override, defaultName string) string {
	if override != "" {
		return override
	}
	return filepath.Join(f.HomeDir, defaultName)
}

func (f *baseFlags) addHomeDirFlag(cmd *cobra.Command) {
	def := "."
	if v := os.Getenv(EnvHomeVar); v != "" {
		def = v
	}
	cmd.PersistentFlags().StringVarP(&f.HomeDir, "home", "", def,
		"node's data directory (default $"+EnvHomeVar+" or current directory)")
}

// New builds the root bft-core command, wired to obs for every
// subcommand's logging and metrics.
func New(obs observability.Observability) *cobra.Command {
	base := &baseFlags{observe: obs}
	root := &cobra.Command{
		Use:           "bft-core",
		Short:         "Chained BFT state-machine-replication core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	base.addHomeDirFlag(root)

	root.AddCommand(keygenCmd(base))
	root.AddCommand(genesisCmd(base))
	root.AddCommand(runCmd(base))
	return root
}
