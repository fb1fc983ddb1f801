package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/DragonitePlus/DeepAudit/internal/appconfig"
	"github.com/DragonitePlus/DeepAudit/internal/logging"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to deepaudit.yaml (DEEPAUDIT_* env vars override it)")
}

var rootCmd = &cobra.Command{
	Use:   "deepaudit",
	Short: "Risk-adaptive access control for SQL workloads",
	Long: "Scores SQL executions per application user with time-decayed risk,\n" +
		"blends rule and model scores, and decides PASS or BLOCK.\n" +
		"Every decision is audited and can be labelled for recalibration.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings reads the process config and builds the logger.
func loadSettings() (appconfig.Config, *slog.Logger, io.Closer, error) {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return appconfig.Config{}, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return appconfig.Config{}, nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}
