// Package sqlite implements the durable repositories on database/sql with the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/DragonitePlus/DeepAudit/internal/audit"
	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

const schema = `
CREATE TABLE IF NOT EXISTS sys_audit_log (
	trace_id        TEXT PRIMARY KEY,
	app_user_id     TEXT NOT NULL,
	sql_template    TEXT NOT NULL,
	table_names     TEXT NOT NULL DEFAULT '[]',
	risk_score      REAL NOT NULL,
	action_taken    TEXT NOT NULL,
	risk_level      TEXT NOT NULL,
	create_time     INTEGER NOT NULL,
	client_ip       TEXT NOT NULL DEFAULT '',
	execution_ms    INTEGER NOT NULL DEFAULT 0,
	result_count    INTEGER NOT NULL DEFAULT 0,
	rule_score      REAL NOT NULL DEFAULT 0,
	ml_score        REAL NOT NULL DEFAULT 0,
	ml_fallback     INTEGER NOT NULL DEFAULT 0,
	description     TEXT NOT NULL DEFAULT '',
	feedback_status INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_create_time ON sys_audit_log(create_time);

CREATE TABLE IF NOT EXISTS sys_sensitive_table (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name        TEXT NOT NULL UNIQUE,
	sensitivity_level INTEGER NOT NULL,
	coefficient       REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS sys_user_risk_profile (
	app_user_id      TEXT PRIMARY KEY,
	current_score    REAL NOT NULL,
	risk_level       TEXT NOT NULL,
	last_update_time INTEGER NOT NULL,
	description      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sys_risk_config (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store holds every durable table in one SQLite file. It implements
// audit.Store, sensitivity.Repository, riskconfig.Repository and
// accumulator.ProfileStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- audit.Store ---

var _ audit.Store = (*Store)(nil)

const auditColumns = `trace_id, app_user_id, sql_template, table_names, risk_score, action_taken, risk_level,
	create_time, client_ip, execution_ms, result_count, rule_score, ml_score, ml_fallback, description, feedback_status`

// Append inserts ev.
func (s *Store) Append(ctx context.Context, ev model.AuditEvent) error {
	tables, err := json.Marshal(nonNil(ev.TableNames))
	if err != nil {
		return fmt.Errorf("sqlite: encode tables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sys_audit_log (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TraceID, ev.AppUserID, ev.SQLTemplate, string(tables), ev.RiskScore,
		string(ev.ActionTaken), string(ev.RiskLevel), ev.CreateTime.UnixMilli(), ev.ClientIP,
		ev.ExecutionTime.Milliseconds(), ev.ResultCount, ev.RuleScore, ev.MLScore,
		boolInt(ev.MLFallback), ev.Description, int(ev.FeedbackStatus))
	if isUnique(err) {
		return fmt.Errorf("sqlite: trace %s: %w", ev.TraceID, model.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert audit event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (model.AuditEvent, error) {
	var (
		ev                 model.AuditEvent
		tables             string
		action, level      string
		createMs, execMs   int64
		fallback, feedback int
	)
	err := row.Scan(&ev.TraceID, &ev.AppUserID, &ev.SQLTemplate, &tables, &ev.RiskScore, &action, &level,
		&createMs, &ev.ClientIP, &execMs, &ev.ResultCount, &ev.RuleScore, &ev.MLScore, &fallback,
		&ev.Description, &feedback)
	if err != nil {
		return model.AuditEvent{}, err
	}
	if err := json.Unmarshal([]byte(tables), &ev.TableNames); err != nil {
		return model.AuditEvent{}, fmt.Errorf("sqlite: decode tables of %s: %w", ev.TraceID, err)
	}
	ev.ActionTaken = model.Action(action)
	ev.RiskLevel = model.RiskLevel(level)
	ev.CreateTime = time.UnixMilli(createMs).UTC()
	ev.ExecutionTime = time.Duration(execMs) * time.Millisecond
	ev.MLFallback = fallback != 0
	ev.FeedbackStatus = model.FeedbackStatus(feedback)
	return ev, nil
}

// Get returns the event for traceID.
func (s *Store) Get(ctx context.Context, traceID string) (model.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM sys_audit_log WHERE trace_id = ?`, traceID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuditEvent{}, fmt.Errorf("sqlite: trace %s: %w", traceID, model.ErrNotFound)
	}
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("sqlite: get audit event: %w", err)
	}
	return ev, nil
}

// MarkFeedback sets the label only while the record is unmarked.
func (s *Store) MarkFeedback(ctx context.Context, traceID string, status model.FeedbackStatus) (model.FeedbackStatus, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sys_audit_log SET feedback_status = ? WHERE trace_id = ? AND feedback_status = 0`,
		int(status), traceID)
	if err != nil {
		return model.Unmarked, false, fmt.Errorf("sqlite: mark feedback: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return status, true, nil
	}

	var current int
	err = s.db.QueryRowContext(ctx, `SELECT feedback_status FROM sys_audit_log WHERE trace_id = ?`, traceID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Unmarked, false, fmt.Errorf("sqlite: trace %s: %w", traceID, model.ErrNotFound)
	}
	if err != nil {
		return model.Unmarked, false, fmt.Errorf("sqlite: read feedback: %w", err)
	}
	return model.FeedbackStatus(current), false, nil
}

// List pages events by create time descending.
func (s *Store) List(ctx context.Context, page, size int) (model.Page[model.AuditEvent], error) {
	page, size = model.NormalizePage(page, size)
	out := model.Page[model.AuditEvent]{Items: []model.AuditEvent{}, Page: page, Size: size}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sys_audit_log`).Scan(&out.Total); err != nil {
		return out, fmt.Errorf("sqlite: count audit events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM sys_audit_log
		ORDER BY create_time DESC, trace_id ASC LIMIT ? OFFSET ?`, size, model.Offset(page, size))
	if err != nil {
		return out, fmt.Errorf("sqlite: list audit events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return out, fmt.Errorf("sqlite: scan audit event: %w", err)
		}
		out.Items = append(out.Items, ev)
	}
	return out, rows.Err()
}

// Trend sums risk_score per epoch-aligned slot in [from, to].
func (s *Store) Trend(ctx context.Context, from, to time.Time, slot time.Duration) ([]model.TrendPoint, error) {
	ms := audit.SlotMillis(slot)
	rows, err := s.db.QueryContext(ctx, `SELECT (create_time / ?) * ? AS slot, SUM(risk_score), COUNT(*)
		FROM sys_audit_log WHERE create_time BETWEEN ? AND ?
		GROUP BY slot ORDER BY slot`, ms, ms, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: trend: %w", err)
	}
	defer rows.Close()

	points := []model.TrendPoint{}
	for rows.Next() {
		var (
			slotMs int64
			p      model.TrendPoint
		)
		if err := rows.Scan(&slotMs, &p.TotalScore, &p.Events); err != nil {
			return nil, fmt.Errorf("sqlite: scan trend: %w", err)
		}
		p.Slot = time.UnixMilli(slotMs).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- sensitivity.Repository ---

// ListSensitiveTables returns all registry entries ordered by id.
func (s *Store) ListSensitiveTables(ctx context.Context) ([]model.SensitiveTable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, sensitivity_level, coefficient FROM sys_sensitive_table ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sensitive tables: %w", err)
	}
	defer rows.Close()

	var out []model.SensitiveTable
	for rows.Next() {
		var t model.SensitiveTable
		if err := rows.Scan(&t.ID, &t.TableName, &t.SensitivityLevel, &t.Coefficient); err != nil {
			return nil, fmt.Errorf("sqlite: scan sensitive table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateSensitiveTable inserts t and returns it with its assigned id.
func (s *Store) CreateSensitiveTable(ctx context.Context, t model.SensitiveTable) (model.SensitiveTable, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sys_sensitive_table (table_name, sensitivity_level, coefficient) VALUES (?, ?, ?)`,
		t.TableName, t.SensitivityLevel, t.Coefficient)
	if isUnique(err) {
		return model.SensitiveTable{}, fmt.Errorf("sqlite: table %q: %w", t.TableName, model.ErrDuplicate)
	}
	if err != nil {
		return model.SensitiveTable{}, fmt.Errorf("sqlite: insert sensitive table: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.SensitiveTable{}, fmt.Errorf("sqlite: sensitive table id: %w", err)
	}
	t.ID = id
	return t, nil
}

// UpdateSensitiveTable replaces the entry with t.ID.
func (s *Store) UpdateSensitiveTable(ctx context.Context, t model.SensitiveTable) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sys_sensitive_table SET table_name = ?, sensitivity_level = ?, coefficient = ? WHERE id = ?`,
		t.TableName, t.SensitivityLevel, t.Coefficient, t.ID)
	if isUnique(err) {
		return fmt.Errorf("sqlite: table %q: %w", t.TableName, model.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("sqlite: update sensitive table: %w", err)
	}
	return requireRow(res, "sensitive table", t.ID)
}

// DeleteSensitiveTable removes the entry with id.
func (s *Store) DeleteSensitiveTable(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sys_sensitive_table WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete sensitive table: %w", err)
	}
	return requireRow(res, "sensitive table", id)
}

func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %d: %w", what, id, model.ErrNotFound)
	}
	return nil
}

// --- accumulator.ProfileStore ---

// LoadProfile returns the stored profile for appUserID.
func (s *Store) LoadProfile(ctx context.Context, appUserID string) (model.RiskProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT app_user_id, current_score, risk_level, last_update_time, description
		FROM sys_user_risk_profile WHERE app_user_id = ?`, appUserID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RiskProfile{}, fmt.Errorf("sqlite: profile %s: %w", appUserID, model.ErrNotFound)
	}
	if err != nil {
		return model.RiskProfile{}, fmt.Errorf("sqlite: load profile: %w", err)
	}
	return p, nil
}

// SaveProfile upserts p.
func (s *Store) SaveProfile(ctx context.Context, p model.RiskProfile) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sys_user_risk_profile
		(app_user_id, current_score, risk_level, last_update_time, description) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(app_user_id) DO UPDATE SET
			current_score = excluded.current_score,
			risk_level = excluded.risk_level,
			last_update_time = excluded.last_update_time,
			description = excluded.description`,
		p.AppUserID, p.CurrentScore, string(p.RiskLevel), p.LastUpdateTime.UnixMilli(), p.Description)
	if err != nil {
		return fmt.Errorf("sqlite: save profile %s: %w", p.AppUserID, err)
	}
	return nil
}

// ListProfiles returns every stored profile.
func (s *Store) ListProfiles(ctx context.Context) ([]model.RiskProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app_user_id, current_score, risk_level, last_update_time, description
		FROM sys_user_risk_profile ORDER BY app_user_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list profiles: %w", err)
	}
	defer rows.Close()

	var out []model.RiskProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row scanner) (model.RiskProfile, error) {
	var (
		p      model.RiskProfile
		level  string
		lastMs int64
	)
	if err := row.Scan(&p.AppUserID, &p.CurrentScore, &level, &lastMs, &p.Description); err != nil {
		return model.RiskProfile{}, err
	}
	p.RiskLevel = model.RiskLevel(level)
	p.LastUpdateTime = time.UnixMilli(lastMs).UTC()
	return p, nil
}

// --- riskconfig.Repository ---

// LoadRiskConfig returns the stored config or model.ErrNotFound.
func (s *Store) LoadRiskConfig(ctx context.Context) (riskconfig.RiskConfig, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM sys_risk_config WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return riskconfig.RiskConfig{}, fmt.Errorf("sqlite: risk config: %w", model.ErrNotFound)
	}
	if err != nil {
		return riskconfig.RiskConfig{}, fmt.Errorf("sqlite: load risk config: %w", err)
	}
	var cfg riskconfig.RiskConfig
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return riskconfig.RiskConfig{}, fmt.Errorf("sqlite: decode risk config: %w", err)
	}
	return cfg, nil
}

// SaveRiskConfig stores cfg as the single config row.
func (s *Store) SaveRiskConfig(ctx context.Context, cfg riskconfig.RiskConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("sqlite: encode risk config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sys_risk_config (id, body, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(body), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: save risk config: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
