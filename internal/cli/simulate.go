package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DragonitePlus/DeepAudit/internal/sim"
)

var (
	simJournal string
	simConfig  string
	simFormat  string
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simJournal, "journal", "", "Path to audit journal (default: journal.path)")
	simulateCmd.Flags().StringVar(&simConfig, "risk-config", "", "Path to candidate risk config YAML (required)")
	simulateCmd.Flags().StringVar(&replayUser, "user", "", "Only replay this application user")
	simulateCmd.Flags().StringVar(&replayFrom, "from", "", "Start time (RFC3339)")
	simulateCmd.Flags().StringVar(&replayTo, "to", "", "End time (RFC3339)")
	simulateCmd.Flags().StringVarP(&simFormat, "format", "f", "text", "Output format (text|json)")
	simulateCmd.MarkFlagRequired("risk-config")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay the audit journal under a candidate risk config",
	Long: "Reads the recorded journal, recomputes each user's score with the candidate\n" +
		"thresholds, decay and ML weight from the recorded rule and model scores,\n" +
		"and shows which decisions change. Labelled events report how false and\n" +
		"true positives would fare.\n\n" +
		"Use this to preview tuning changes before deploying them.",
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	var pathArgs []string
	if simJournal != "" {
		pathArgs = []string{simJournal}
	}
	journal, err := journalPath(pathArgs)
	if err != nil {
		return err
	}
	filter, err := replayFilter()
	if err != nil {
		return err
	}

	if _, _, err := loadRiskFile(simConfig); err != nil {
		return err
	}
	result, err := sim.Simulate(journal, simConfig, filter)
	if err != nil {
		return err
	}

	switch simFormat {
	case "json":
		out, err := sim.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(sim.FormatText(result))
	}

	return nil
}
