package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/foreman/internal/config"
	"github.com/harun/foreman/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Foreman worker daemon",
	Long: `Start the Foreman worker daemon in the foreground. Workers reserve
jobs from the broker, run agent loops in sandbox containers, and settle
results until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build daemon: %w", err)
	}
	defer d.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Start(ctx)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}
