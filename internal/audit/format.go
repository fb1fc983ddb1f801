package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Events) == 0 {
		return "No audit events found.\n"
	}

	var b strings.Builder

	first := result.Summary.FirstTimestamp
	last := result.Summary.LastTimestamp
	b.WriteString(fmt.Sprintf("Audit journal | %s–%s UTC\n", formatDateRange(first), formatTimeOnly(last)))
	b.WriteString(separator + "\n")

	for _, ev := range result.Events {
		ts := formatTimeOnly(ev.CreateTime.UTC().Format(TimestampFormat))
		user := truncate(ev.AppUserID, 12)
		tables := truncate(strings.Join(ev.TableNames, ","), 24)

		tag := ""
		if ev.MLFallback {
			tag += "  [rules-only]"
		}
		switch ev.FeedbackStatus {
		case model.FalsePositive:
			tag += "  [fp]"
		case model.TruePositive:
			tag += "  [tp]"
		}

		b.WriteString(fmt.Sprintf("%-10s %-12s %-5s %-11s %7.2f  %-24s%s\n",
			ts, user, ev.ActionTaken, ev.RiskLevel, ev.RiskScore, tables, tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatSummary(s ReplaySummary) string {
	parts := []string{
		fmt.Sprintf("%d events", s.Total),
		fmt.Sprintf("%d pass", s.PassCount),
		fmt.Sprintf("%d block", s.BlockCount),
	}
	if s.FallbackCount > 0 {
		parts = append(parts, fmt.Sprintf("%d rules-only", s.FallbackCount))
	}
	if s.FalsePositives > 0 || s.TruePositives > 0 {
		parts = append(parts, fmt.Sprintf("%d fp / %d tp", s.FalsePositives, s.TruePositives))
	}
	return fmt.Sprintf("Summary: %s | max score %.2f\n", strings.Join(parts, ", "), s.MaxScore)
}

// formatDateRange returns "2006-01-02 15:04:05" from a journal timestamp.
func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatTimeOnly returns "15:04:05" from a journal timestamp.
func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
