package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"

	"github.com/summachain/bftcore/config"
	"github.com/summachain/bftcore/consensus"
	"github.com/summachain/bftcore/consensus/pacemaker"
	"github.com/summachain/bftcore/crypto"
	"github.com/summachain/bftcore/genesis"
	"github.com/summachain/bftcore/mempool"
	"github.com/summachain/bftcore/network"
	"github.com/summachain/bftcore/network/protocol/abdrc"
	"github.com/summachain/bftcore/storage"
	"github.com/summachain/bftcore/types"
)

type runFlags struct {
	keyFile     string
	genesisFile string
	configFile  string

	listenAddr      string
	bootstrapPeers  []string
	blockStoreFile  string
	safetyStoreFile string
}

func runCmd(base *baseFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a validator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), base, flags)
		},
	}
	cmd.Flags().StringVar(&flags.keyFile, "key-file", "", "path to this node's signing key (default $home/"+defaultKeyFileName+")")
	cmd.Flags().StringVar(&flags.genesisFile, "genesis-file", "", "path to the genesis document (default $home/"+defaultGenesisFileName+")")
	cmd.Flags().StringVar(&flags.configFile, "config", "", "path to a TOML config file overriding defaults")
	cmd.Flags().StringVar(&flags.listenAddr, "listen", "/ip4/0.0.0.0/tcp/26650", "libp2p listen multiaddr")
	cmd.Flags().StringArrayVar(&flags.bootstrapPeers, "bootstrap", nil, "multiaddr of a peer to connect to at startup, repeatable")
	cmd.Flags().StringVar(&flags.blockStoreFile, "block-db", "", "path to the block store (default $home/blocks.db)")
	cmd.Flags().StringVar(&flags.safetyStoreFile, "safety-db", "", "unused: safety/votes state is kept in the --block-db store")
	return cmd
}

func runNode(ctx context.Context, base *baseFlags, flags *runFlags) error {
	cfg := config.Default()
	if flags.configFile != "" {
		if err := config.LoadFile(cfg, flags.configFile); err != nil {
			return err
		}
	}

	signer, err := loadSigner(base.pathWithDefault(flags.keyFile, defaultKeyFileName))
	if err != nil {
		return fmt.Errorf("loading node key: %w", err)
	}
	verifier, err := signer.Verifier()
	if err != nil {
		return fmt.Errorf("deriving verifier: %w", err)
	}
	selfID := verifier.Author()

	genesisData, err := os.ReadFile(base.pathWithDefault(flags.genesisFile, defaultGenesisFileName))
	if err != nil {
		return fmt.Errorf("reading genesis file: %w", err)
	}
	doc, err := genesis.Unmarshal(genesisData)
	if err != nil {
		return err
	}
	if err := doc.IsValid(); err != nil {
		return fmt.Errorf("genesis document is not fully signed: %w", err)
	}
	tb, err := doc.TrustBase()
	if err != nil {
		return fmt.Errorf("building trust base from genesis: %w", err)
	}

	log := base.observe.Logger()

	blockStorePath := base.pathWithDefault(flags.blockStoreFile, filepath.Join(cfg.DataDir, cfg.BlockStoreFile))
	store, err := storage.NewBoltStore(blockStorePath)
	if err != nil {
		return fmt.Errorf("opening block store: %w", err)
	}
	tree, err := storage.NewBlockTree(store, cfg.MaxPrunedBlocksInMem, doc.NetworkID)
	if err != nil {
		return fmt.Errorf("loading block tree: %w", err)
	}

	safety, err := consensus.NewSafetyModule(doc.NetworkID, selfID, signer, store)
	if err != nil {
		return fmt.Errorf("initializing safety module: %w", err)
	}

	validators := make([]types.Author, 0, len(doc.Validators))
	for _, v := range doc.Validators {
		validators = append(validators, v.NodeID)
	}
	leaderSelector, err := cfg.ProposerSelector(validators)
	if err != nil {
		return err
	}

	pm := pacemaker.New(cfg.PacemakerInitialTimeout, doc.ConsensusTimeout())
	exec := storage.NewHashChainComputer()
	txMgr := mempool.NewBuffer(cfg.MaxQueuedTxs, log)

	h, err := bootstrapHost(flags, signer)
	if err != nil {
		return err
	}

	var cm *consensus.ConsensusManager
	netw, err := network.New(ctx, h, log,
		func(req *abdrc.BlockRetrievalRequest) (*abdrc.BlockRetrievalResponse, error) {
			return cm.HandleBlockRetrievalRequest(req)
		},
		func(req *abdrc.StateRequestMsg) (*abdrc.StateMsg, error) {
			return cm.HandleStateRequest(req)
		},
	)
	if err != nil {
		return fmt.Errorf("starting network: %w", err)
	}
	defer netw.Close()

	cm = consensus.NewConsensusManager(consensus.Config{
		SelfID:         selfID,
		NetworkID:      doc.NetworkID,
		Epoch:          0,
		Safety:         safety,
		Tree:           tree,
		Pacemaker:      pm,
		Leader:         leaderSelector,
		TrustBase:      tb,
		Exec:           exec,
		TxManager:      txMgr,
		Store:          store,
		Net:            netw,
		Log:            log,
		MaxTxsPerBlock: cfg.MaxTxsPerBlock,
	})

	log.Info("starting validator node", "node_id", selfID)
	return cm.Run(ctx)
}

func bootstrapHost(flags *runFlags, signer crypto.Signer) (host.Host, error) {
	h, err := network.NewHost(flags.listenAddr, signer.Bytes())
	if err != nil {
		return nil, err
	}
	for _, addr := range flags.bootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing bootstrap address %s: %w", addr, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("parsing bootstrap peer info from %s: %w", addr, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = h.Connect(ctx, *info)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connecting to bootstrap peer %s: %w", addr, err)
		}
	}
	return h, nil
}
