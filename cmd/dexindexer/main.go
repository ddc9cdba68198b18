package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/marketmirror/dexindexer/internal/common"
	"github.com/marketmirror/dexindexer/internal/config"
	"github.com/marketmirror/dexindexer/internal/db"
	"github.com/marketmirror/dexindexer/internal/driver"
	"github.com/marketmirror/dexindexer/internal/fetcher"
	"github.com/marketmirror/dexindexer/internal/logger"
	"github.com/marketmirror/dexindexer/internal/market"
	"github.com/marketmirror/dexindexer/internal/metrics"
	"github.com/marketmirror/dexindexer/internal/normalizer"
	"github.com/marketmirror/dexindexer/internal/rpc"
	"github.com/marketmirror/dexindexer/internal/store"
	"github.com/marketmirror/dexindexer/internal/store/migrations"
	"github.com/spf13/cobra"
)

const (
	version = "1.0.0"
	banner  = `
╔═══════════════════════════════════════════╗
║         DexIndexer v%s                 ║
║    DEX Order Book & Trade Indexer         ║
╚═══════════════════════════════════════════╝
`
)

var (
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dexindexer",
	Short: "DexIndexer - DEX order book and trade indexer",
	Long: `DexIndexer scans an on-chain exchange contract for Order, Trade and
Cancel events, filters them down to one tracked trading pair, and persists
normalized, priced records into a local SQLite database. It backfills a
historical block range and can then follow the chain head.`,
	Version: version,
	RunE:    runIndexer,
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Show the tracked trading pair from the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		pair := market.NewPairFromConfig(cfg.Pair)
		fmt.Printf("Tracked pair: %s\n", pair)
		fmt.Printf("  base:  %s (%s, %d decimals)\n", pair.Base.Address.Hex(), pair.Base.Symbol, pair.Base.Decimals)
		fmt.Printf("  quote: %s (%s, %d decimals)\n", pair.Quote.Address.Hex(), pair.Quote.Symbol, pair.Quote.Decimals)
		fmt.Printf("Contract: %s\n", cfg.Contract)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	pairCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(pairCmd)
}

func runIndexer(cmd *cobra.Command, args []string) error {
	fmt.Printf(banner, version)

	// Missing or malformed configuration fails here, before any network call.
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n\nShutting down gracefully...")
		cancel()
	}()

	log := logger.NewComponentLogger(common.ComponentDriver, cfg.Logging)

	log.Info("Connecting to Ethereum node...")
	ethClient, err := rpc.NewClient(ctx, cfg.RPC.URL, cfg.RPC.Retry)
	if err != nil {
		return fmt.Errorf("failed to create RPC client: %w", err)
	}
	defer ethClient.Close()
	log.Infof("Connected to Ethereum node: %s", cfg.RPC.URL)

	var metricsServer *metrics.Server
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics, log)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				log.Warnf("Failed to stop metrics server: %v", err)
			}
		}()
		log.Infof("Metrics server started on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	log.Info("Running database migrations...")
	if err := migrations.RunMigrations(cfg.DB.Path); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer database.Close()

	pair := market.NewPairFromConfig(cfg.Pair)
	log.Infof("Tracking pair %s on contract %s", pair, cfg.Contract)

	norm := normalizer.New(pair, logger.NewComponentLogger(common.ComponentNormalizer, cfg.Logging))

	logFetcher := fetcher.New(
		ethClient,
		ethcommon.HexToAddress(cfg.Contract),
		norm.Topics(),
		cfg.RPC.RequestTimeout.Duration,
		logger.NewComponentLogger(common.ComponentLogFetcher, cfg.Logging),
	)

	storeLog := logger.NewComponentLogger(common.ComponentStore, cfg.Logging)
	recordStore := store.New(database, storeLog)
	checkpoints := store.NewCheckpointStore(database, logger.NewComponentLogger(common.ComponentCheckpoint, cfg.Logging))

	d := driver.New(cfg, ethClient, logFetcher, norm, recordStore, checkpoints,
		logger.NewComponentLogger(common.ComponentDriver, cfg.Logging))

	log.Info("Starting DexIndexer...")

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("indexer failed: %w", err)
	}

	log.Info("DexIndexer stopped successfully")
	return nil
}
