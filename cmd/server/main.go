package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/auction-engine/internal/config"
	"github.com/atmx/auction-engine/internal/log"
	"github.com/atmx/auction-engine/internal/store"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "auction-engine",
	Short: "Live auction engine",
	Long: `auction-engine accepts competitive bids on time-boxed items, extends
auctions that receive last-moment bids, drives them through their lifecycle
with wall-clock timers and a reconciliation sweep, and streams updates to
live viewers.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		log.Logger.Info().Msg("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("auction-engine %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("config-dir", ".", "directory holding an optional app.env")

	serveCmd.Flags().Bool("migrate", false, "apply database migrations before serving")
	serveCmd.Flags().Int64("dev-balance", 0, "opening balance for every user of the in-memory wallet")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	cfg, err := config.Load(dir)
	if err != nil {
		return config.Config{}, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	return cfg, nil
}
