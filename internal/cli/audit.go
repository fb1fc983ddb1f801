package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DragonitePlus/DeepAudit/internal/appconfig"
	"github.com/DragonitePlus/DeepAudit/internal/audit"
)

var (
	tailLines    int
	replayUser   string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditReplayCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditReplayCmd.Flags().StringVar(&replayUser, "user", "", "Only events of this application user")
	auditReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time (RFC3339)")
	auditReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit journal operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit journal.\nThe journal path defaults to journal.path from the process config.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit journal",
	Long:  "Walks the JSONL journal and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent journal entries",
	Long:  "Reads the last N entries from the JSONL journal and pretty-prints them.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [path]",
	Short: "Show audited decisions with their feedback labels",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

// journalPath returns the explicit argument or the configured journal.
func journalPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Journal.Path == "" {
		return "", fmt.Errorf("no journal path given and journal.path is not configured")
	}
	return cfg.Journal.Path, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := journalPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d entries verified (%d decisions, %d feedback)\n", result.Lines, result.Decisions, result.Feedback)
		if result.Orphans > 0 {
			fmt.Printf("note: %d labels refer to decisions outside this journal\n", result.Orphans)
		}
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := journalPath(args)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit journal: %w", err)
	}
	defer f.Close()

	// Read all lines, keep last N
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit journal: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
	}

	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	path, err := journalPath(args)
	if err != nil {
		return err
	}
	filter, err := replayFilter()
	if err != nil {
		return err
	}
	result, err := audit.ReadEvents(path, filter)
	if err != nil {
		return err
	}

	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(audit.FormatTimeline(result))
	}
	return nil
}

func replayFilter() (audit.ReplayFilter, error) {
	filter := audit.ReplayFilter{AppUserID: replayUser}
	if replayFrom != "" {
		t, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return filter, fmt.Errorf("invalid --from: %w", err)
		}
		filter.From = t
	}
	if replayTo != "" {
		t, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return filter, fmt.Errorf("invalid --to: %w", err)
		}
		filter.To = t
	}
	return filter, nil
}
