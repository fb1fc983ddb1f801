package riskconfig

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Risk config diff: %s -> %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Risk config diff: %s -> %s\n\n", r.OldPath, r.NewPath)
	for _, c := range r.Changes {
		fmt.Fprintf(&b, "  %-24s %s -> %s", c.Field+":", displayValue(c.Old), displayValue(c.New))
		if c.Comment != "" {
			fmt.Fprintf(&b, "  (%s)", c.Comment)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatJSON renders the diff result as indented JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func displayValue(v string) string {
	if v == "" {
		return `""`
	}
	return v
}
