package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/alert"
	"github.com/DragonitePlus/DeepAudit/internal/appconfig"
	"github.com/DragonitePlus/DeepAudit/internal/audit"
	"github.com/DragonitePlus/DeepAudit/internal/engine"
	"github.com/DragonitePlus/DeepAudit/internal/logging"
	"github.com/DragonitePlus/DeepAudit/internal/model"
)

func sqliteSettings(t *testing.T, dir string) appconfig.Config {
	t.Helper()
	body := "storage:\n" +
		"  driver: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "deepaudit.db") + "\n" +
		"journal:\n" +
		"  path: " + filepath.Join(dir, "journal.jsonl") + "\n"
	path := filepath.Join(dir, "deepaudit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := appconfig.Load(path)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	return cfg
}

func memoryRuntime(t *testing.T) *runtime {
	t.Helper()
	cfg, err := appconfig.Load("")
	if err != nil {
		t.Fatal(err)
	}
	rt, err := openRuntime(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("openRuntime failed: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, raw := range strings.Split(strings.TrimSpace(out), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			t.Fatalf("output line is not JSON: %q", raw)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestServeStreamWritesOneLinePerEvent(t *testing.T) {
	rt := memoryRuntime(t)
	in := strings.NewReader(`{"appUserId":"alice","sqlTemplate":"SELECT * FROM orders","executionMs":3}

{"sqlTemplate":"/* user_id:bob */ DELETE FROM orders WHERE id = ?"}
`)
	var out bytes.Buffer

	stats, err := serveStream(context.Background(), rt.engine, in, &out, logging.Discard())
	if err != nil {
		t.Fatalf("serveStream failed: %v", err)
	}
	if stats.Events != 2 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	lines := decodeLines(t, out.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(lines))
	}
	if lines[0]["appUserId"] != "alice" || lines[0]["actionTaken"] != "PASS" {
		t.Errorf("unexpected first decision: %v", lines[0])
	}
	if lines[1]["appUserId"] != "bob" || lines[1]["ruleScore"] != 3.0 {
		t.Errorf("unexpected second decision: %v", lines[1])
	}
}

func TestServeStreamReportsBadLines(t *testing.T) {
	rt := memoryRuntime(t)
	in := strings.NewReader("not json\n{\"sqlTemplate\":\"SELECT 1\"}\n{\"appUserId\":\"carol\",\"sqlTemplate\":\"SELECT 1\"}\n")
	var out bytes.Buffer

	stats, err := serveStream(context.Background(), rt.engine, in, &out, logging.Discard())
	if err != nil {
		t.Fatalf("serveStream failed: %v", err)
	}
	if stats.Events != 1 || stats.Errors != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	lines := decodeLines(t, out.String())
	if len(lines) != 3 {
		t.Fatalf("expected 3 output lines, got %d", len(lines))
	}
	if lines[0]["line"] != 1.0 || !strings.Contains(lines[0]["error"].(string), "invalid JSON") {
		t.Errorf("unexpected error line: %v", lines[0])
	}
	if lines[1]["line"] != 2.0 {
		t.Errorf("missing user should be reported on line 2: %v", lines[1])
	}
	if lines[2]["appUserId"] != "carol" {
		t.Errorf("stream did not continue after errors: %v", lines[2])
	}
}

func TestServeStreamBlocksOverThreshold(t *testing.T) {
	rt := memoryRuntime(t)
	ctx := context.Background()
	if _, err := rt.engine.CreateSensitiveTable(ctx, model.SensitiveTable{
		TableName: "salaries", SensitivityLevel: 4, Coefficient: 20,
	}); err != nil {
		t.Fatal(err)
	}

	in := strings.NewReader(`{"appUserId":"mallory","sqlTemplate":"DROP TABLE salaries"}` + "\n")
	var out bytes.Buffer
	stats, err := serveStream(ctx, rt.engine, in, &out, logging.Discard())
	if err != nil {
		t.Fatalf("serveStream failed: %v", err)
	}
	if stats.Blocked != 1 {
		t.Fatalf("expected a block, got %+v", stats)
	}
}

func TestRuntimePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := sqliteSettings(t, dir)
	ctx := context.Background()

	rt, err := openRuntime(ctx, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("openRuntime failed: %v", err)
	}
	if _, err := rt.engine.CreateSensitiveTable(ctx, model.SensitiveTable{
		TableName: "salaries", SensitivityLevel: 3, Coefficient: 4,
	}); err != nil {
		t.Fatal(err)
	}
	d, err := rt.engine.EvaluateEvent(ctx, engine.Event{AppUserID: "alice", SQLTemplate: "UPDATE salaries SET amount = ?"})
	if err != nil {
		t.Fatal(err)
	}
	if d.RuleScore != 12 {
		t.Fatalf("expected rule score 12, got %v", d.RuleScore)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	rt, err = openRuntime(ctx, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer rt.Close()

	if tables := rt.engine.ListSensitiveTables(); len(tables) != 1 || tables[0].TableName != "salaries" {
		t.Fatalf("registry not restored: %+v", tables)
	}
	st, err := rt.engine.CheckStatus(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Known || st.Profile.CurrentScore <= 0 {
		t.Fatalf("profile not restored: %+v", st)
	}
	res, err := rt.engine.SubmitFeedback(ctx, d.TraceID, model.FalsePositive)
	if err != nil {
		t.Fatalf("feedback on restored trace failed: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected first label to apply")
	}

	if v := audit.Verify(cfg.Journal.Path); !v.Valid || v.Decisions != 1 || v.Feedback != 1 || v.Orphans != 0 {
		t.Fatalf("journal should hold the decision and its label: %+v", v)
	}
}

func TestOpsHandler(t *testing.T) {
	rt := memoryRuntime(t)
	if _, err := rt.engine.EvaluateEvent(context.Background(), engine.Event{AppUserID: "alice", SQLTemplate: "SELECT 1"}); err != nil {
		t.Fatal(err)
	}
	h := newOpsHandler(rt.registry, rt.engine)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sys/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"UP"`) {
		t.Fatalf("unexpected health response %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "deepaudit_evaluations_total") {
		t.Fatalf("metrics missing evaluations counter: %s", rec.Body.String())
	}
}

func TestRuntimeCloseWaitsForAlerts(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg, err := appconfig.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Alerts = []alert.AlertConfig{{URL: srv.URL, Format: "generic", Events: []string{alert.EventBlocked}}}
	rt, err := openRuntime(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("openRuntime failed: %v", err)
	}

	ctx := context.Background()
	if _, err := rt.engine.CreateSensitiveTable(ctx, model.SensitiveTable{
		TableName: "salaries", SensitivityLevel: 4, Coefficient: 20,
	}); err != nil {
		t.Fatal(err)
	}
	d, err := rt.engine.EvaluateEvent(ctx, engine.Event{AppUserID: "mallory", SQLTemplate: "DROP TABLE salaries"})
	if err != nil {
		t.Fatal(err)
	}
	if d.ActionTaken != model.Block {
		t.Fatalf("expected a block, got %s", d.ActionTaken)
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if delivered.Load() != 1 {
		t.Fatalf("expected the blocked alert delivered before Close returned, got %d", delivered.Load())
	}
}
