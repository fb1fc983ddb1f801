package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit journal: %v", err)
	}
	return j, path
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testEvent(id string, at time.Time, score float64, action model.Action) model.AuditEvent {
	level := model.Normal
	if action == model.Block {
		level = model.Blocked
	}
	return model.AuditEvent{
		TraceID:       id,
		AppUserID:     "alice",
		SQLTemplate:   "SELECT * FROM salary WHERE id = ?",
		TableNames:    []string{"salary"},
		RiskScore:     score,
		ActionTaken:   action,
		RiskLevel:     level,
		CreateTime:    at,
		ClientIP:      "10.0.0.7",
		ExecutionTime: 12 * time.Millisecond,
		RuleScore:     score,
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev := testEvent("t-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Second), 5, model.Pass)
		if err := j.Append(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	j.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := j.Append(ctx, testEvent("t-x", base, 5, model.Pass)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	j.Close()

	// Tamper: flip the action in line 2
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"PASS"`, `"BLOCK"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := j.Append(ctx, testEvent("t-x", base, 5, model.Pass)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	j.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	remaining := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyRejectsForgedGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forged.jsonl")
	e := EntryFromEvent(testEvent("t-1", base, 1, model.Pass))
	e.PrevHash = "sha256:fake"
	line, _ := json.Marshal(e)
	os.WriteFile(path, append(line, '\n'), 0600)

	result := Verify(path)
	if result.Valid || result.ErrorLine != 1 {
		t.Fatalf("expected genesis failure on line 1, got %+v", result)
	}
}

func TestVerifyCountsRecordKinds(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()
	j.Append(ctx, testEvent("t-1", base, 10, model.Pass))
	j.RecordFeedback(ctx, "t-1", model.TruePositive, base.Add(time.Minute))
	j.RecordFeedback(ctx, "t-gone", model.FalsePositive, base.Add(time.Minute))
	j.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got %+v", result)
	}
	if result.Decisions != 1 || result.Feedback != 2 || result.Orphans != 1 {
		t.Errorf("unexpected counts: %+v", result)
	}
}

func TestVerifyRejectsUnknownRecord(t *testing.T) {
	var b strings.Builder
	e := Entry{Timestamp: "2026-03-01T09:00:00.000Z", Type: "approval", TraceID: "t-1", PrevHash: GenesisHash}
	line, _ := json.Marshal(e)
	b.Write(line)
	b.WriteByte('\n')

	result := VerifyReader(strings.NewReader(b.String()))
	if result.Valid || result.ErrorLine != 1 || !strings.Contains(result.Error, "approval") {
		t.Fatalf("expected unknown type failure on line 1, got %+v", result)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()
	j.Append(ctx, testEvent("t-1", base, 1, model.Pass))
	j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	j2.Append(ctx, testEvent("t-2", base.Add(time.Second), 1, model.Pass))
	j2.Close()

	result := Verify(path)
	if !result.Valid || result.Lines != 2 {
		t.Fatalf("expected valid 2-line chain after reopen, got %+v", result)
	}
}

func TestConcurrentAppendsKeepChainValid(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := j.Append(ctx, testEvent("t-c", base, float64(i), model.Pass)); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()
	j.Close()

	result := Verify(path)
	if !result.Valid || result.Lines != 20 {
		t.Fatalf("expected valid 20-line chain, got %+v", result)
	}
}

func TestReadEventsFoldsFirstLabel(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	j.Append(ctx, testEvent("t-1", base, 10, model.Pass))
	j.Append(ctx, testEvent("t-2", base.Add(time.Minute), 95, model.Block))
	j.RecordFeedback(ctx, "t-2", model.FalsePositive, base.Add(2*time.Minute))
	j.RecordFeedback(ctx, "t-2", model.TruePositive, base.Add(3*time.Minute))
	j.Close()

	result, err := ReadEvents(path, ReplayFilter{})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if got := result.Events[1].FeedbackStatus; got != model.FalsePositive {
		t.Errorf("expected first label to win, got %v", got)
	}
	if result.Events[0].ExecutionTime != 12*time.Millisecond {
		t.Errorf("execution time not restored: %v", result.Events[0].ExecutionTime)
	}

	s := result.Summary
	if s.Total != 2 || s.PassCount != 1 || s.BlockCount != 1 || s.FalsePositives != 1 || s.MaxScore != 95 {
		t.Errorf("unexpected summary: %+v", s)
	}
}

func TestReadEventsFilters(t *testing.T) {
	j, path := newTestJournal(t)
	ctx := context.Background()

	bob := testEvent("t-bob", base, 3, model.Pass)
	bob.AppUserID = "bob"
	j.Append(ctx, testEvent("t-old", base.Add(-time.Hour), 1, model.Pass))
	j.Append(ctx, testEvent("t-new", base, 2, model.Pass))
	j.Append(ctx, bob)
	j.Close()

	result, err := ReadEvents(path, ReplayFilter{AppUserID: "alice", From: base.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].TraceID != "t-new" {
		t.Fatalf("expected only t-new, got %+v", result.Events)
	}
}

func TestFormatTimeline(t *testing.T) {
	ev := testEvent("t-1", base, 95, model.Block)
	ev.MLFallback = true
	result := &ReplayResult{Events: []model.AuditEvent{ev}}
	updateSummary(&result.Summary, ev)

	out := FormatTimeline(result)
	for _, want := range []string{"alice", "BLOCK", "salary", "[rules-only]", "1 block"} {
		if !strings.Contains(out, want) {
			t.Errorf("timeline missing %q:\n%s", want, out)
		}
	}

	empty := FormatTimeline(&ReplayResult{})
	if !strings.Contains(empty, "No audit events") {
		t.Errorf("unexpected empty output: %q", empty)
	}
}
