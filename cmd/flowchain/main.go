package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"flowchain/core"
	pkgconfig "flowchain/pkg/config"
	"flowchain/pkg/utils"
)

func main() {
	_ = godotenv.Load()
	configureLogging()

	rootCmd := &cobra.Command{Use: "flowchain"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(chainCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configureLogging() {
	lvl, err := logrus.ParseLevel(utils.EnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	cmd.AddCommand(nodeStartCmd())
	return cmd
}

func nodeStartCmd() *cobra.Command {
	var env, keyHex string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a flowchain overlay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pkgconfig.Load(env)
			if err != nil {
				return utils.Wrap(err, "load config")
			}

			signer, err := loadOrGenerateSigner(keyHex)
			if err != nil {
				return utils.Wrap(err, "load signer")
			}
			logrus.Infof("flowchain: node identity %s", signer.PublicKey())

			store, err := core.OpenStore(cfg.Chain.DBPath)
			if err != nil {
				return utils.Wrap(err, "open store")
			}
			defer store.Close()

			node, err := core.NewNode(core.Config{
				ListenAddr:     cfg.Network.ListenAddr,
				BootstrapPeers: cfg.Network.BootstrapPeers,
				DiscoveryTag:   cfg.Network.DiscoveryTag,
			})
			if err != nil {
				return utils.Wrap(err, "start node")
			}
			defer node.Close()

			pm := core.NewPeerManagement(node)

			timeout := time.Duration(cfg.Chain.RequestTimeoutMS) * time.Millisecond
			engine := core.NewEngine(store, signer, pm, node, timeout, nil)
			crawler := core.NewCrawler(store, pm, node, signer.PublicKey())

			// The data-transfer layer that actually moves bytes between
			// peers is out of scope (spec.md §1); it drives the Scheduler
			// via RecordSent/RecordReceived once wired in.
			_ = core.NewScheduler(cfg.Chain.Threshold, node, engine)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			engine.Run(ctx)
			crawler.Run(ctx)

			logrus.Infof("flowchain: node listening on %s, threshold=%d", cfg.Network.ListenAddr, cfg.Chain.Threshold)
			node.ListenAndServe()
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay (e.g. bootstrap)")
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded secp256k1 private key; generated if omitted")
	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain"}
	cmd.AddCommand(chainStatusCmd())
	cmd.AddCommand(chainCrawlCmd())
	return cmd
}

func chainStatusCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "status <pubkey-hex>",
		Short: "print the latest sequence number and totals known locally for a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := decodePublicKey(args[0])
			if err != nil {
				return err
			}
			cfg, err := pkgconfig.Load(env)
			if err != nil {
				return utils.Wrap(err, "load config")
			}
			store, err := core.OpenStore(cfg.Chain.DBPath)
			if err != nil {
				return utils.Wrap(err, "open store")
			}
			defer store.Close()

			seq, err := store.LatestSequenceNumber(pk)
			if err != nil {
				return utils.Wrap(err, "latest sequence number")
			}
			if seq < 0 {
				fmt.Printf("no blocks known for %s\n", pk)
				return nil
			}
			up, down, err := store.Totals(pk)
			if err != nil {
				return utils.Wrap(err, "totals")
			}
			fmt.Printf("%s: sequence=%d total_up=%d total_down=%d\n", pk, seq, up, down)

			chain, err := store.Chain(pk, 10)
			if err != nil {
				return utils.Wrap(err, "chain")
			}
			for _, b := range chain {
				id, err := b.ID()
				if err != nil {
					return err
				}
				fmt.Printf("  %s up=%d down=%d\n", id, b.Up, b.Down)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay (e.g. bootstrap)")
	return cmd
}

func chainCrawlCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "crawl <pubkey-hex> <sequence>",
		Short: "request a single ancestor block from a known peer by sequence number",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := decodePublicKey(args[0])
			if err != nil {
				return err
			}
			var seq int32
			if args[1] == "latest" {
				seq = core.LatestSequence
			} else {
				if _, err := fmt.Sscanf(args[1], "%d", &seq); err != nil {
					return fmt.Errorf("invalid sequence %q: %w", args[1], err)
				}
			}

			cfg, err := pkgconfig.Load(env)
			if err != nil {
				return utils.Wrap(err, "load config")
			}
			store, err := core.OpenStore(cfg.Chain.DBPath)
			if err != nil {
				return utils.Wrap(err, "open store")
			}
			defer store.Close()

			node, err := core.NewNode(core.Config{
				ListenAddr:     cfg.Network.ListenAddr,
				BootstrapPeers: cfg.Network.BootstrapPeers,
				DiscoveryTag:   cfg.Network.DiscoveryTag,
			})
			if err != nil {
				return utils.Wrap(err, "start node")
			}
			defer node.Close()

			pm := core.NewPeerManagement(node)
			crawler := core.NewCrawler(store, pm, node, pk)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			crawler.Run(ctx)

			cand, ok := node.CandidateForKey(pk)
			if !ok {
				return fmt.Errorf("no known candidate for %s; ensure it is discoverable first", pk)
			}
			if err := crawler.RequestBlock(cand, seq); err != nil {
				return utils.Wrap(err, "request block")
			}
			fmt.Printf("requested sequence %d from %s\n", seq, cand.NodeID)
			time.Sleep(2 * time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay (e.g. bootstrap)")
	return cmd
}

func decodePublicKey(s string) (core.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex %q: %w", s, err)
	}
	return core.PublicKey(raw), nil
}

func loadOrGenerateSigner(keyHex string) (core.Signer, error) {
	if keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid key hex: %w", err)
		}
		return core.NewSigner(raw)
	}
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return core.NewSigner(crypto.FromECDSA(priv))
}
