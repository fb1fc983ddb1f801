// Package engine wires the scoring components into the operations exposed to
// the audit service layer: event evaluation, profile reads, registry and
// configuration management, feedback and trend queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/DragonitePlus/DeepAudit/internal/accumulator"
	"github.com/DragonitePlus/DeepAudit/internal/alert"
	"github.com/DragonitePlus/DeepAudit/internal/audit"
	"github.com/DragonitePlus/DeepAudit/internal/decision"
	"github.com/DragonitePlus/DeepAudit/internal/feedback"
	"github.com/DragonitePlus/DeepAudit/internal/metrics"
	"github.com/DragonitePlus/DeepAudit/internal/mlscore"
	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
	"github.com/DragonitePlus/DeepAudit/internal/sensitivity"
	"github.com/DragonitePlus/DeepAudit/internal/sqlfeat"
)

// DefaultExcludedTables are the engine's own tables. Statements touching
// them are neither scored nor audited.
var DefaultExcludedTables = []string{
	"sys_audit_log",
	"sys_user_risk_profile",
	"sys_risk_config",
	"sys_sensitive_table",
}

// Event is one SQL execution to evaluate.
type Event struct {
	AppUserID   string `json:"appUserId"`
	SQLTemplate string `json:"sqlTemplate"`
	// Statement is the full SQL when it differs from the audited template.
	Statement     string        `json:"statement,omitempty"`
	TableNames    []string      `json:"tableNames,omitempty"`
	ExecutionTime time.Duration `json:"executionTime,omitempty"`
	ClientIP      string        `json:"clientIp,omitempty"`
	ResultCount   int           `json:"resultCount,omitempty"`
	// OccurredAt defaults to the engine clock.
	OccurredAt time.Time `json:"occurredAt,omitempty"`
}

// Decision is the result of evaluating one event.
type Decision struct {
	TraceID   string `json:"traceId,omitempty"`
	AppUserID string `json:"appUserId"`
	// RiskScore is the contribution of this event, not the running total.
	RiskScore     float64         `json:"riskScore"`
	ActionTaken   model.Action    `json:"actionTaken"`
	RiskLevel     model.RiskLevel `json:"riskLevel"`
	PreviousLevel model.RiskLevel `json:"previousLevel,omitempty"`
	CurrentScore  float64         `json:"currentScore"`
	RuleScore     float64         `json:"ruleScore"`
	MLScore       float64         `json:"mlScore"`
	MLFallback    bool            `json:"mlFallback,omitempty"`
	TableNames    []string        `json:"tableNames,omitempty"`
	Description   string          `json:"description,omitempty"`
	// Excluded marks statements on the engine's own tables.
	Excluded bool `json:"excluded,omitempty"`
	// AuditDegraded is set when the audit record could not be persisted.
	AuditDegraded bool `json:"auditDegraded,omitempty"`
}

// Engine evaluates events and serves the profile, registry, configuration,
// feedback and trend operations.
type Engine struct {
	config   *riskconfig.Store
	registry *sensitivity.Registry
	arena    *accumulator.Arena
	guard    *mlscore.Guard
	store    audit.Store
	feedback *feedback.Processor
	metrics  *metrics.Metrics
	alerts   *alert.Dispatcher
	logger   *slog.Logger

	excluded  map[string]bool
	trendSlot time.Duration
	now       func() time.Time
	newID     func() string
	mlWarn    rate.Sometimes
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the sensitive-table registry.
func WithRegistry(r *sensitivity.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithArena sets the profile arena.
func WithArena(a *accumulator.Arena) Option {
	return func(e *Engine) { e.arena = a }
}

// WithScorer sets the guarded ML scorer. Without one every event is scored
// by rules only.
func WithScorer(g *mlscore.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithAuditStore sets where audit records are written and queried.
func WithAuditStore(s audit.Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithAlerts(d *alert.Dispatcher) Option {
	return func(e *Engine) { e.alerts = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithExcludedTables replaces DefaultExcludedTables.
func WithExcludedTables(tables []string) Option {
	return func(e *Engine) { e.excluded = tableSet(tables) }
}

// WithTrendSlot sets the trend bucket width.
func WithTrendSlot(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.trendSlot = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the random trace ID source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an engine over config. Components not supplied by options get
// in-memory defaults.
func New(config *riskconfig.Store, opts ...Option) *Engine {
	e := &Engine{
		config:    config,
		logger:    slog.Default(),
		excluded:  tableSet(DefaultExcludedTables),
		trendSlot: audit.DefaultTrendSlot,
		now:       time.Now,
		newID:     uuid.NewString,
		mlWarn:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = sensitivity.NewRegistry(sensitivity.WithLogger(e.logger))
	}
	if e.arena == nil {
		e.arena = accumulator.NewArena()
	}
	if e.guard == nil {
		e.guard = mlscore.NewGuard(nil, mlscore.GuardConfig{})
	}
	if e.store == nil {
		e.store = audit.NewMemoryStore()
	}
	fopts := []feedback.Option{feedback.WithLogger(e.logger)}
	if e.metrics != nil {
		fopts = append(fopts, feedback.WithRecorder(e.metrics))
	}
	e.feedback = feedback.NewProcessor(e.store, fopts...)
	return e
}

func tableSet(tables []string) map[string]bool {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		if n := sensitivity.NormalizeName(t); n != "" {
			set[n] = true
		}
	}
	return set
}

// isExcluded matches bare and schema-qualified names.
func (e *Engine) isExcluded(tables []string) bool {
	for _, t := range tables {
		n := sensitivity.NormalizeName(t)
		if i := strings.LastIndexByte(n, '.'); i >= 0 {
			n = n[i+1:]
		}
		if e.excluded[n] {
			return true
		}
	}
	return false
}

// scored is the per-event input to the profile update, computed before the
// user's lock is taken.
type scored struct {
	stmt       sqlfeat.Statement
	res        sensitivity.Resolution
	tables     []string
	rule       float64
	ml         float64
	fallback   bool
	mlSkipped  bool
	mlDisabled bool
}

// accumulate applies one scored event to p under the user's lock. elapsed is
// the clamped time since p was last updated.
func accumulate(p model.RiskProfile, elapsed time.Duration, cfg riskconfig.RiskConfig, sc *scored) (model.RiskProfile, decision.Outcome, float64) {
	decayed := accumulator.Decayed(p.CurrentScore, cfg.DecayRate, elapsed)
	if cfg.RejectsBlocked() && decision.LevelFor(decayed, cfg) == model.Blocked {
		out := decision.Decide(p.RiskLevel, decayed, cfg, decision.Cause{Rejected: true})
		p.CurrentScore = decayed
		p.RiskLevel = out.Level
		p.Description = out.Description
		return p, out, 0
	}

	weight := cfg.MLWeight
	if sc.fallback || sc.mlSkipped {
		weight = 0
	}
	contribution := accumulator.Blend(sc.rule, sc.ml, weight)
	score := decayed + contribution
	out := decision.Decide(p.RiskLevel, score, cfg, decision.Cause{
		SensitiveTables: sc.res.Sensitive(),
		Operation:       sc.stmt.Operation,
		DDL:             sc.stmt.Weight == sqlfeat.WeightDDL,
		MLFallback:      sc.fallback && !sc.mlDisabled,
	})
	p.CurrentScore = score
	p.RiskLevel = out.Level
	p.Description = out.Description
	return p, out, contribution
}

// EvaluateEvent scores ev, updates the user's profile and audits the result.
// A failure to persist the audit record is reported on the decision, logged
// and alerted; it is never returned as an error.
func (e *Engine) EvaluateEvent(ctx context.Context, ev Event) (Decision, error) {
	start := time.Now()

	sql := ev.Statement
	if sql == "" {
		sql = ev.SQLTemplate
	}
	stmt := sqlfeat.Analyze(sql)
	user := strings.TrimSpace(ev.AppUserID)
	if user == "" {
		user = stmt.UserHint
	}
	if user == "" {
		return Decision{}, fmt.Errorf("engine: %w: appUserId is required", model.ErrValidation)
	}
	if strings.TrimSpace(sql) == "" {
		return Decision{}, fmt.Errorf("engine: %w: sqlTemplate is required", model.ErrValidation)
	}

	tables := ev.TableNames
	if len(tables) == 0 {
		tables = stmt.Tables
	}
	if e.isExcluded(tables) {
		return Decision{
			AppUserID:   user,
			ActionTaken: model.Pass,
			RiskLevel:   model.Normal,
			TableNames:  tables,
			Excluded:    true,
		}, nil
	}

	cfg := e.config.Get()
	at := ev.OccurredAt
	if at.IsZero() {
		at = e.now()
	}

	act, cur, err := e.arena.Touch(ctx, user, at, cfg.Window())
	if err != nil {
		return Decision{}, fmt.Errorf("engine: evaluate %s: %w", user, err)
	}

	sc := scored{stmt: stmt, tables: tables}
	sc.res = e.registry.Resolve(tables)
	coefficient := sensitivity.DefaultCoefficient
	if len(sc.res.Tables) > 0 {
		coefficient = cfg.BoundCoefficient(sc.res.Coefficient)
	}
	sc.rule = coefficient * stmt.Weight

	// A user already blocked under the reject policy never reaches the model.
	// A concurrent event with a later timestamp may decay the profile below
	// the threshold before the lock is taken; accumulate then scores the
	// event on rules alone.
	preBlocked := cfg.RejectsBlocked() &&
		decision.LevelFor(accumulator.Decayed(cur.CurrentScore, cfg.DecayRate, accumulator.Elapsed(cur.LastUpdateTime, at)), cfg) == model.Blocked
	if preBlocked {
		sc.mlSkipped = true
	} else {
		e.scoreML(ctx, user, cfg, at, coefficient, ev, act, &sc)
	}

	var out decision.Outcome
	var contribution float64
	_, next, err := e.arena.Apply(ctx, user, at, func(p model.RiskProfile, elapsed time.Duration) model.RiskProfile {
		p, out, contribution = accumulate(p, elapsed, cfg, &sc)
		return p
	})
	if err != nil {
		return Decision{}, fmt.Errorf("engine: evaluate %s: %w", user, err)
	}

	d := Decision{
		TraceID:       e.newID(),
		AppUserID:     user,
		RiskScore:     contribution,
		ActionTaken:   out.Action,
		RiskLevel:     out.Level,
		PreviousLevel: out.Previous,
		CurrentScore:  next.CurrentScore,
		RuleScore:     sc.rule,
		MLScore:       sc.ml,
		MLFallback:    sc.fallback || sc.mlSkipped,
		TableNames:    tables,
		Description:   out.Description,
	}

	rec := model.AuditEvent{
		TraceID:       d.TraceID,
		AppUserID:     user,
		SQLTemplate:   ev.SQLTemplate,
		TableNames:    tables,
		RiskScore:     contribution,
		ActionTaken:   out.Action,
		RiskLevel:     out.Level,
		CreateTime:    at,
		ClientIP:      ev.ClientIP,
		ExecutionTime: ev.ExecutionTime,
		ResultCount:   ev.ResultCount,
		RuleScore:     sc.rule,
		MLScore:       sc.ml,
		MLFallback:    d.MLFallback,
		Description:   out.Description,
	}
	if rec.SQLTemplate == "" {
		rec.SQLTemplate, _ = sqlfeat.StripUserHint(ev.Statement)
	}
	if err := e.store.Append(ctx, rec); err != nil {
		d.AuditDegraded = true
		e.auditFailed("store", d.TraceID, user, err)
	}

	if out.Transitioned() {
		e.transition(user, d.TraceID, out, next.CurrentScore)
	}
	if out.Action == model.Block {
		e.alerts.Dispatch(alert.AlertEvent{
			Timestamp: at.UTC().Format(time.RFC3339),
			Type:      alert.EventBlocked,
			AppUserID: user,
			TraceID:   d.TraceID,
			ToLevel:   string(out.Level),
			Score:     next.CurrentScore,
			Reason:    out.Description,
		})
	}

	e.metrics.ObserveEvaluation(string(out.Action), string(out.Level), time.Since(start))
	e.metrics.SetProfiles(e.arena.Len())
	return d, nil
}

// scoreML fills the model score, or marks the event for rule-only scoring.
func (e *Engine) scoreML(ctx context.Context, user string, cfg riskconfig.RiskConfig, at time.Time, coefficient float64, ev Event, act accumulator.Activity, sc *scored) {
	if !e.guard.Enabled() {
		sc.fallback, sc.mlDisabled = true, true
		return
	}
	features := mlscore.Build(at, sc.stmt, len(sc.tables), coefficient, ev.ExecutionTime, ev.ResultCount, mlscore.Activity{
		LastMinute: act.LastMinute,
		InWindow:   act.InWindow,
		Window:     act.Window,
	})

	began := time.Now()
	score, err := e.guard.Score(ctx, cfg.ModelPath, features)
	e.metrics.ObserveMLScore(time.Since(began))
	if err == nil {
		sc.ml = score
		return
	}

	sc.fallback = true
	reason := mlscore.Reason(err)
	if reason == "" {
		reason = mlscore.ReasonError
	}
	e.metrics.MLFallback(reason)
	e.mlWarn.Do(func() {
		e.logger.Warn("ML scoring unavailable, using rule score only",
			"user", user, "reason", reason, "err", err)
	})
}

func (e *Engine) transition(user, traceID string, out decision.Outcome, score float64) {
	from := out.Previous
	e.logger.Info("risk level changed",
		"user", user, "from", string(from), "to", string(out.Level), "score", score)
	e.metrics.LevelTransition(string(from), string(out.Level))
	e.alerts.Dispatch(alert.AlertEvent{
		Timestamp: e.now().UTC().Format(time.RFC3339),
		Type:      alert.EventLevelChanged,
		AppUserID: user,
		TraceID:   traceID,
		FromLevel: string(from),
		ToLevel:   string(out.Level),
		Score:     score,
		Reason:    out.Description,
	})
}

func (e *Engine) auditFailed(sink, traceID, user string, err error) {
	e.logger.Error("audit persistence degraded", "sink", sink, "trace_id", traceID, "user", user, "err", err)
	e.metrics.AuditFailure()
	e.alerts.Dispatch(alert.AlertEvent{
		Timestamp: e.now().UTC().Format(time.RFC3339),
		Type:      alert.EventAuditDegraded,
		AppUserID: user,
		TraceID:   traceID,
		Reason:    err.Error(),
		Sink:      sink,
	})
}

// MirrorFailureHook returns an audit.FailureFunc that counts and alerts
// failed mirror writes. The fan-out logs them itself.
func (e *Engine) MirrorFailureHook() audit.FailureFunc {
	return func(sink, traceID string, err error) {
		e.metrics.AuditFailure()
		e.alerts.Dispatch(alert.AlertEvent{
			Timestamp: e.now().UTC().Format(time.RFC3339),
			Type:      alert.EventAuditDegraded,
			TraceID:   traceID,
			Reason:    err.Error(),
			Sink:      sink,
		})
	}
}

// GetConfig returns the current configuration snapshot.
func (e *Engine) GetConfig() riskconfig.RiskConfig {
	return e.config.Get()
}

// UpdateConfig validates and installs cfg. A rejected update leaves the
// current configuration unchanged.
func (e *Engine) UpdateConfig(ctx context.Context, cfg riskconfig.RiskConfig) error {
	if err := e.config.Update(ctx, cfg); err != nil {
		if errors.Is(err, model.ErrValidation) {
			e.metrics.ConfigUpdate("rejected")
		} else {
			e.metrics.ConfigUpdate("error")
		}
		return err
	}
	e.metrics.ConfigUpdate("applied")
	return nil
}

// Config exposes the configuration store for reload sources.
func (e *Engine) Config() *riskconfig.Store {
	return e.config
}

// Registry exposes the sensitive-table registry.
func (e *Engine) Registry() *sensitivity.Registry {
	return e.registry
}
