package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/DragonitePlus/DeepAudit/internal/appconfig"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
	"github.com/DragonitePlus/DeepAudit/internal/storage/redisstore"
)

var (
	initMode   string
	initForce  bool
	diffFormat string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd, configDiffCmd, configPublishCmd)

	configInitCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.deepaudit) or system (/etc/deepaudit)")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	configDiffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Risk configuration operations",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default process and risk config files",
	Long: `Creates the config directory with deepaudit.yaml (process settings) and
risk.yaml (scoring thresholds, decay and ML weight).

User mode (default):  writes to ~/.deepaudit/
System mode:          writes to /etc/deepaudit/ (requires root)`,
	RunE: runInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective risk configuration",
	Long:  "Loads the risk config file named by the process config, then any configuration\nstored by the storage backend, and prints the result as YAML.",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <risk.yaml>",
	Short: "Validate a risk config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigValidate,
}

var configDiffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two risk config files and show changes",
	Long:  "Loads two risk config files and shows what changed in human-readable terms:\nthresholds, decay, ML weight and policies.",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigDiff,
}

var configPublishCmd = &cobra.Command{
	Use:   "publish <risk.yaml>",
	Short: "Validate a risk config file and broadcast it over Redis",
	Long:  "Publishes the config on the Redis update channel. Every serving process\nwith redis.config_sync enabled validates and installs it.",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigPublish,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string
	riskPath := filepath.Join(configDir, "risk.yaml")
	if wrote, err := writeIfMissing(riskPath, riskconfig.DefaultConfigYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, riskPath)
	}

	appPath := filepath.Join(configDir, "deepaudit.yaml")
	if wrote, err := writeIfMissing(appPath, appconfig.DefaultConfigYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, appPath)
	}

	fmt.Println("deepaudit config init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Point the process config at the risk file:")
	fmt.Printf("  DEEPAUDIT_RISK_CONFIG_PATH=%s deepaudit serve -c %s\n", riskPath, appPath)
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/deepaudit", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".deepaudit"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		data, err := riskconfig.MarshalYAML(rt.engine.GetConfig())
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	})
}

// loadRiskFile is LoadConfigWithHash without the missing-file fallback.
func loadRiskFile(path string) (riskconfig.RiskConfig, string, error) {
	if _, err := os.Stat(path); err != nil {
		return riskconfig.RiskConfig{}, "", fmt.Errorf("risk config %s: %w", path, err)
	}
	return riskconfig.LoadConfigWithHash(path)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadRiskFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		return err
	}
	fmt.Printf("OK: %s (%s)\n", args[0], hash)
	fmt.Printf("  observation_threshold=%g block_threshold=%g decay_rate=%g ml_weight=%g\n",
		cfg.ObservationThreshold, cfg.BlockThreshold, cfg.DecayRate, cfg.MLWeight)
	return nil
}

func runConfigDiff(cmd *cobra.Command, args []string) error {
	oldCfg, _, err := loadRiskFile(args[0])
	if err != nil {
		return fmt.Errorf("load old config: %w", err)
	}
	newCfg, _, err := loadRiskFile(args[1])
	if err != nil {
		return fmt.Errorf("load new config: %w", err)
	}

	result := riskconfig.Diff(oldCfg, newCfg)
	result.OldPath = args[0]
	result.NewPath = args[1]

	switch diffFormat {
	case "json":
		out, err := riskconfig.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(riskconfig.FormatText(result))
	}
	return nil
}

func runConfigPublish(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadRiskFile(args[0])
	if err != nil {
		return err
	}
	return withRuntime(func(ctx context.Context, rt *runtime) error {
		if rt.redis == nil {
			return fmt.Errorf("redis.addr is not configured")
		}
		cs := redisstore.NewConfigSync(rt.redis, engineConfigTarget{rt.engine}, rt.logger)
		if err := cs.Publish(ctx, cfg); err != nil {
			return err
		}
		fmt.Printf("Published %s\n", args[0])
		return nil
	})
}
