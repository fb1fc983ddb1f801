package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool `json:"valid"`
	Lines     int  `json:"lines"`
	Decisions int  `json:"decisions"`
	Feedback  int  `json:"feedback"`
	// Orphans counts labels whose trace has no decision earlier in the journal,
	// as happens when the journal is enabled after events were stored.
	Orphans   int    `json:"orphan_feedback,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// chainError marks a broken link at a journal line.
type chainError struct {
	line int
	msg  string
}

func (e *chainError) Error() string { return fmt.Sprintf("line %d: %s", e.line, e.msg) }

// walkChain checks the prev_hash of every line in r and calls fn with each
// parsed entry. It stops at the first broken link or fn error.
func walkChain(r io.Reader, fn func(line int, e Entry) error) error {
	scanner := newScanner(r)
	lineNum := 0
	expected := GenesisHash
	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return &chainError{line: lineNum, msg: fmt.Sprintf("parse error: %v", err)}
		}
		if entry.PrevHash != expected {
			if lineNum == 1 {
				return &chainError{line: 1, msg: fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", entry.PrevHash)}
			}
			return &chainError{line: lineNum, msg: fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash)}
		}
		expected = HashLine(raw)

		if err := fn(lineNum, entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// Verify reads a JSONL journal and validates the hash chain and the shape
// of each record. Returns Valid=true if the chain is intact, or details
// about the first broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader is Verify over an already open journal.
func VerifyReader(r io.Reader) VerifyResult {
	var res VerifyResult
	traces := make(map[string]struct{})

	err := walkChain(r, func(line int, e Entry) error {
		res.Lines = line
		switch e.Type {
		case TypeDecision:
			if e.TraceID == "" {
				return &chainError{line: line, msg: "decision without trace_id"}
			}
			traces[e.TraceID] = struct{}{}
			res.Decisions++
		case TypeFeedback:
			if !model.FeedbackStatus(e.FeedbackStatus).Valid() {
				return &chainError{line: line, msg: fmt.Sprintf("feedback status %d is not a label", e.FeedbackStatus)}
			}
			if _, ok := traces[e.TraceID]; !ok {
				res.Orphans++
			}
			res.Feedback++
		default:
			return &chainError{line: line, msg: fmt.Sprintf("unknown entry type %q", e.Type)}
		}
		return nil
	})
	if err != nil {
		out := VerifyResult{Error: err.Error()}
		if ce, ok := err.(*chainError); ok {
			out.Error, out.ErrorLine = ce.msg, ce.line
		}
		return out
	}
	res.Valid = true
	return res
}
