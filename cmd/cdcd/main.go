// cdcd is the change data capture daemon: it loads the configuration,
// assembles the platform engine and runs it until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/redbco/redb-cdc/internal/config"
	"github.com/redbco/redb-cdc/internal/engine"
	"github.com/redbco/redb-cdc/pkg/logger"

	// Reference adapters and publishers register themselves on import.
	_ "github.com/redbco/redb-cdc/internal/adapters/mssql"
	_ "github.com/redbco/redb-cdc/internal/adapters/mysql"
	_ "github.com/redbco/redb-cdc/internal/adapters/oracle"
	_ "github.com/redbco/redb-cdc/internal/adapters/postgres"
	_ "github.com/redbco/redb-cdc/internal/publishers/kafka"
	_ "github.com/redbco/redb-cdc/internal/publishers/webhook"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "cdcd",
		Short: "Change data capture daemon",
		Long: `cdcd tails configured source databases, normalizes their changes
and delivers them to the configured sinks with durable offsets,
exactly-once delivery and transactional grouping.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", defaultConfigPath(), "configuration file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("redb-cdc %s (build %s)\n", Version, GitCommit)
			fmt.Printf("Built: %s\n", BuildTime)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("REDB_CDC_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(cfg.Service.Name, cfg.Service.Version)
	log.SetLevel(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(cfg, log)
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infof("Received %s, shutting down", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StopTimeout())
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Errorf("Shutdown finished with errors: %v", err)
		return err
	}
	return nil
}
