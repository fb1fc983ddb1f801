package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonitePlus/DeepAudit/internal/accumulator"
	"github.com/DragonitePlus/DeepAudit/internal/audit"
	"github.com/DragonitePlus/DeepAudit/internal/logging"
	"github.com/DragonitePlus/DeepAudit/internal/metrics"
	"github.com/DragonitePlus/DeepAudit/internal/mlscore"
	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
	"github.com/DragonitePlus/DeepAudit/internal/sqlfeat"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type profileStore struct {
	mu   sync.Mutex
	rows map[string]model.RiskProfile
}

func newProfileStore(profiles ...model.RiskProfile) *profileStore {
	s := &profileStore{rows: map[string]model.RiskProfile{}}
	for _, p := range profiles {
		s.rows[p.AppUserID] = p
	}
	return s
}

func (s *profileStore) LoadProfile(ctx context.Context, id string) (model.RiskProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return model.RiskProfile{}, model.ErrNotFound
	}
	return p, nil
}

func (s *profileStore) SaveProfile(ctx context.Context, p model.RiskProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.AppUserID] = p
	return nil
}

func (s *profileStore) ListProfiles(ctx context.Context) ([]model.RiskProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RiskProfile, 0, len(s.rows))
	for _, p := range s.rows {
		out = append(out, p)
	}
	return out, nil
}

type failingStore struct {
	*audit.MemoryStore
}

func (failingStore) Append(ctx context.Context, ev model.AuditEvent) error {
	return errors.New("disk full")
}

type fixture struct {
	eng   *Engine
	clock *clock
	audit *audit.MemoryStore
}

func newFixture(t *testing.T, cfg riskconfig.RiskConfig, opts ...Option) *fixture {
	t.Helper()
	store, err := riskconfig.NewStore(cfg, riskconfig.WithLogger(logging.Discard()))
	require.NoError(t, err)

	f := &fixture{clock: &clock{now: t0}, audit: audit.NewMemoryStore()}
	base := []Option{
		WithClock(f.clock.Now),
		WithAuditStore(f.audit),
		WithLogger(logging.Discard()),
	}
	f.eng = New(store, append(base, opts...)...)
	return f
}

func testConfig() riskconfig.RiskConfig {
	cfg := riskconfig.DefaultConfig()
	cfg.DecayRate = 0
	cfg.MLWeight = 0
	return cfg
}

func constScorer(score float64, calls *atomic.Int32) *mlscore.Guard {
	return mlscore.NewGuard(mlscore.ScorerFunc(func(ctx context.Context, modelPath string, f mlscore.Features) (float64, error) {
		if calls != nil {
			calls.Add(1)
		}
		return score, nil
	}), mlscore.GuardConfig{Timeout: time.Second})
}

func TestEvaluateDecaysThenBlends(t *testing.T) {
	cfg := riskconfig.DefaultConfig()
	cfg.DecayRate = 0.5
	cfg.MLWeight = 0.3
	cfg.ObservationThreshold = 60
	cfg.BlockThreshold = 90

	profiles := newProfileStore(model.RiskProfile{
		AppUserID: "alice", CurrentScore: 50, RiskLevel: model.Normal, LastUpdateTime: t0,
	})
	f := newFixture(t, cfg,
		WithArena(accumulator.NewArena(accumulator.WithStore(profiles))),
		WithScorer(constScorer(0.8, nil)),
	)
	ctx := context.Background()
	_, err := f.eng.CreateSensitiveTable(ctx, model.SensitiveTable{TableName: "salaries", SensitivityLevel: 4, Coefficient: 4})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	d, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: "alice", SQLTemplate: "DROP TABLE salaries"})
	require.NoError(t, err)

	assert.InDelta(t, 20, d.RuleScore, 1e-9)
	assert.InDelta(t, 0.8, d.MLScore, 1e-9)
	assert.InDelta(t, 14.24, d.RiskScore, 1e-9)
	assert.InDelta(t, 59.24, d.CurrentScore, 1e-9)
	assert.Equal(t, model.Normal, d.RiskLevel)
	assert.Equal(t, model.Pass, d.ActionTaken)
	assert.False(t, d.MLFallback)

	rec, err := f.eng.GetAuditEvent(ctx, d.TraceID)
	require.NoError(t, err)
	assert.InDelta(t, 14.24, rec.RiskScore, 1e-9)
	assert.Equal(t, []string{"salaries"}, rec.TableNames)
}

func TestEvaluateThresholdCrossing(t *testing.T) {
	cfg := testConfig()
	cfg.ObservationThreshold = 40
	cfg.BlockThreshold = 100

	profiles := newProfileStore(
		model.RiskProfile{AppUserID: "low", CurrentScore: 39, RiskLevel: model.Normal, LastUpdateTime: t0},
		model.RiskProfile{AppUserID: "high", CurrentScore: 95, RiskLevel: model.Observation, LastUpdateTime: t0},
	)
	f := newFixture(t, cfg, WithArena(accumulator.NewArena(accumulator.WithStore(profiles))))
	ctx := context.Background()
	_, err := f.eng.CreateSensitiveTable(ctx, model.SensitiveTable{TableName: "orders", SensitivityLevel: 1, Coefficient: 2})
	require.NoError(t, err)
	_, err = f.eng.CreateSensitiveTable(ctx, model.SensitiveTable{TableName: "cards", SensitivityLevel: 3, Coefficient: 2})
	require.NoError(t, err)

	d, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: "low", SQLTemplate: "SELECT * FROM orders"})
	require.NoError(t, err)
	assert.InDelta(t, 41, d.CurrentScore, 1e-9)
	assert.Equal(t, model.Normal, d.PreviousLevel)
	assert.Equal(t, model.Observation, d.RiskLevel)
	assert.Equal(t, model.Pass, d.ActionTaken)

	d, err = f.eng.EvaluateEvent(ctx, Event{AppUserID: "high", SQLTemplate: "UPDATE cards SET pan = ? WHERE id = ?"})
	require.NoError(t, err)
	assert.InDelta(t, 101, d.CurrentScore, 1e-9)
	assert.Equal(t, model.Blocked, d.RiskLevel)
	assert.Equal(t, model.Block, d.ActionTaken)
	assert.Contains(t, d.Description, "block threshold")
	assert.Contains(t, d.Description, "cards")
}

func TestUpdateConfigRejectsInvertedThresholds(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	f := newFixture(t, riskconfig.DefaultConfig(), WithMetrics(m))
	before := f.eng.GetConfig()

	bad := before
	bad.BlockThreshold = 30
	bad.ObservationThreshold = 40
	err = f.eng.UpdateConfig(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, before, f.eng.GetConfig())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfigUpdates.WithLabelValues("rejected")))

	good := before
	good.DecayRate = 0.2
	require.NoError(t, f.eng.UpdateConfig(context.Background(), good))
	assert.Equal(t, 0.2, f.eng.GetConfig().DecayRate)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConfigUpdates.WithLabelValues("applied")))
}

func TestSubmitFeedbackFirstWriteWins(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	d, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: "alice", SQLTemplate: "SELECT 1 FROM orders"})
	require.NoError(t, err)

	res, err := f.eng.SubmitFeedback(ctx, d.TraceID, model.FalsePositive)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	res, err = f.eng.SubmitFeedback(ctx, d.TraceID, model.TruePositive)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, model.FalsePositive, res.Status)

	rec, err := f.eng.GetAuditEvent(ctx, d.TraceID)
	require.NoError(t, err)
	assert.Equal(t, model.FalsePositive, rec.FeedbackStatus)

	_, err = f.eng.SubmitFeedback(ctx, "missing", model.TruePositive)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConcurrentEventsForOneUserAreSerialized(t *testing.T) {
	cfg := testConfig()
	cfg.DecayRate = 0.1
	cfg.ObservationThreshold = 1000
	cfg.BlockThreshold = 2000
	f := newFixture(t, cfg)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: "alice", SQLTemplate: "SELECT * FROM orders"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := f.eng.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, float64(n), p.CurrentScore, 1e-9)
	assert.Equal(t, n, f.audit.Len())
}

func TestConcurrentEventsForDistinctUsers(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	users := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, u := range users {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				_, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: u, SQLTemplate: "DELETE FROM orders WHERE id = ?"})
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	for _, u := range users {
		p, err := f.eng.GetProfile(ctx, u)
		require.NoError(t, err)
		assert.InDelta(t, 75, p.CurrentScore, 1e-9, u)
	}
}

func TestExcludedTablesAreNotAudited(t *testing.T) {
	f := newFixture(t, testConfig())
	d, err := f.eng.EvaluateEvent(context.Background(), Event{
		AppUserID:   "alice",
		SQLTemplate: "SELECT * FROM audit.sys_audit_log WHERE user_id = ?",
	})
	require.NoError(t, err)
	assert.True(t, d.Excluded)
	assert.Equal(t, model.Pass, d.ActionTaken)
	assert.Empty(t, d.TraceID)
	assert.Zero(t, d.RiskScore)
	assert.Zero(t, f.audit.Len())

	_, err = f.eng.GetProfile(context.Background(), "alice")
	assert.ErrorIs(t, err, model.ErrNotFound, "excluded events must not create a profile")
}

func TestUserHintSuppliesMissingUser(t *testing.T) {
	f := newFixture(t, testConfig())
	d, err := f.eng.EvaluateEvent(context.Background(), Event{
		SQLTemplate: "SELECT * FROM orders",
		Statement:   "/* user_id:bob */ SELECT * FROM orders WHERE id = 7",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", d.AppUserID)

	rec, err := f.eng.GetAuditEvent(context.Background(), d.TraceID)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM orders", rec.SQLTemplate)

	_, err = f.eng.EvaluateEvent(context.Background(), Event{SQLTemplate: "SELECT 1"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRejectPolicySkipsScoring(t *testing.T) {
	cfg := testConfig()
	cfg.DecayRate = 0.5
	cfg.MLWeight = 0.5
	cfg.BlockedPolicy = riskconfig.BlockedReject

	profiles := newProfileStore(model.RiskProfile{
		AppUserID: "mallory", CurrentScore: 120, RiskLevel: model.Blocked, LastUpdateTime: t0,
	})
	var calls atomic.Int32
	f := newFixture(t, cfg,
		WithArena(accumulator.NewArena(accumulator.WithStore(profiles))),
		WithScorer(constScorer(0.9, &calls)),
	)
	f.clock.Advance(10 * time.Second)

	d, err := f.eng.EvaluateEvent(context.Background(), Event{AppUserID: "mallory", SQLTemplate: "TRUNCATE TABLE ledger"})
	require.NoError(t, err)
	assert.Equal(t, model.Block, d.ActionTaken)
	assert.Zero(t, d.RiskScore)
	assert.InDelta(t, 115, d.CurrentScore, 1e-9)
	assert.Zero(t, calls.Load(), "rejected events must not reach the model")
	assert.Equal(t, 1, f.audit.Len())
	assert.Contains(t, d.Description, "rejected")
}

func TestAccumulateSkippedModelScoresOnRules(t *testing.T) {
	cfg := testConfig()
	cfg.DecayRate = 1
	cfg.MLWeight = 0.3
	cfg.BlockedPolicy = riskconfig.BlockedReject

	// The pre-check saw the user blocked and skipped the model, but a later
	// event decayed the profile to 81 before this one took the lock.
	p := model.RiskProfile{AppUserID: "mallory", CurrentScore: 81, RiskLevel: model.Observation, LastUpdateTime: t0}
	sc := &scored{stmt: sqlfeat.Analyze("DELETE FROM ledger"), rule: 3, mlSkipped: true}

	next, out, contribution := accumulate(p, 0, cfg, sc)
	assert.InDelta(t, 3, contribution, 1e-9, "a skipped model must not dilute the rule score")
	assert.InDelta(t, 84, next.CurrentScore, 1e-9)
	assert.Equal(t, model.Pass, out.Action)
}

func TestAccumulateRejectsWhenStillBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.BlockedPolicy = riskconfig.BlockedReject
	p := model.RiskProfile{AppUserID: "mallory", CurrentScore: 95, RiskLevel: model.Blocked, LastUpdateTime: t0}

	next, out, contribution := accumulate(p, 0, cfg, &scored{rule: 5, mlSkipped: true})
	assert.Zero(t, contribution)
	assert.InDelta(t, 95, next.CurrentScore, 1e-9)
	assert.Equal(t, model.Block, out.Action)
}

func TestEvaluatePolicyStillScoresBlockedUsers(t *testing.T) {
	cfg := testConfig()
	profiles := newProfileStore(model.RiskProfile{
		AppUserID: "mallory", CurrentScore: 120, RiskLevel: model.Blocked, LastUpdateTime: t0,
	})
	f := newFixture(t, cfg, WithArena(accumulator.NewArena(accumulator.WithStore(profiles))))

	d, err := f.eng.EvaluateEvent(context.Background(), Event{AppUserID: "mallory", SQLTemplate: "TRUNCATE TABLE ledger"})
	require.NoError(t, err)
	assert.InDelta(t, 5, d.RiskScore, 1e-9)
	assert.InDelta(t, 125, d.CurrentScore, 1e-9)
}

func TestMLFailureFallsBackToRuleScore(t *testing.T) {
	cfg := testConfig()
	cfg.MLWeight = 0.5
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	failing := mlscore.NewGuard(mlscore.ScorerFunc(func(ctx context.Context, modelPath string, f mlscore.Features) (float64, error) {
		return 0, errors.New("model crashed")
	}), mlscore.GuardConfig{Timeout: time.Second})
	f := newFixture(t, cfg, WithScorer(failing), WithMetrics(m))

	d, err := f.eng.EvaluateEvent(context.Background(), Event{AppUserID: "alice", SQLTemplate: "DELETE FROM orders"})
	require.NoError(t, err)
	assert.True(t, d.MLFallback)
	assert.InDelta(t, 3, d.RiskScore, 1e-9)
	assert.Contains(t, d.Description, "ML unavailable")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MLFallbacks.WithLabelValues(mlscore.ReasonError)))
}

func TestAuditFailureStillReturnsDecision(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	f := newFixture(t, testConfig(),
		WithAuditStore(failingStore{audit.NewMemoryStore()}),
		WithMetrics(m),
	)

	d, err := f.eng.EvaluateEvent(context.Background(), Event{AppUserID: "alice", SQLTemplate: "SELECT * FROM orders"})
	require.NoError(t, err)
	assert.True(t, d.AuditDegraded)
	assert.NotEmpty(t, d.TraceID)
	assert.Equal(t, model.Pass, d.ActionTaken)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditFailures))
}

func TestGetProfileDecaysMonotonically(t *testing.T) {
	cfg := testConfig()
	cfg.DecayRate = 0.5
	f := newFixture(t, cfg)
	ctx := context.Background()
	_, err := f.eng.CreateSensitiveTable(ctx, model.SensitiveTable{TableName: "payroll", SensitivityLevel: 2, Coefficient: 2})
	require.NoError(t, err)
	_, err = f.eng.EvaluateEvent(ctx, Event{AppUserID: "alice", SQLTemplate: "DROP TABLE payroll"})
	require.NoError(t, err)

	last := 10.0
	for i := 0; i < 30; i++ {
		p, err := f.eng.GetProfile(ctx, "alice")
		require.NoError(t, err)
		assert.LessOrEqual(t, p.CurrentScore, last)
		assert.GreaterOrEqual(t, p.CurrentScore, 0.0)
		last = p.CurrentScore
		f.clock.Advance(time.Second)
	}
	assert.Zero(t, last)

	_, err = f.eng.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCheckStatus(t *testing.T) {
	cfg := testConfig()
	cfg.ObservationThreshold = 4
	cfg.BlockThreshold = 5
	f := newFixture(t, cfg)
	ctx := context.Background()

	st, err := f.eng.CheckStatus(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, st.Known)
	assert.Equal(t, model.Pass, st.Action)
	_, err = f.eng.GetProfile(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound, "status checks must not create profiles")

	_, err = f.eng.EvaluateEvent(ctx, Event{AppUserID: "alice", SQLTemplate: "ALTER TABLE orders ADD COLUMN x INT"})
	require.NoError(t, err)
	st, err = f.eng.CheckStatus(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, st.Known)
	assert.Equal(t, model.Block, st.Action)
	assert.Equal(t, model.Blocked, st.Profile.RiskLevel)
}

func TestListProfilesOrdersByScore(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	for _, ev := range []Event{
		{AppUserID: "carol", SQLTemplate: "SELECT * FROM a"},
		{AppUserID: "alice", SQLTemplate: "DROP TABLE a"},
		{AppUserID: "bob", SQLTemplate: "SELECT * FROM a"},
		{AppUserID: "dave", SQLTemplate: "UPDATE a SET x = 1"},
	} {
		_, err := f.eng.EvaluateEvent(ctx, ev)
		require.NoError(t, err)
	}

	page, err := f.eng.ListProfiles(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "alice", page.Items[0].AppUserID)
	assert.Equal(t, "dave", page.Items[1].AppUserID)
	assert.Equal(t, "bob", page.Items[2].AppUserID)

	page, err = f.eng.ListProfiles(ctx, 2, 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "carol", page.Items[0].AppUserID)
}

func TestTrendAndAuditListing(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: "alice", SQLTemplate: "DELETE FROM orders"})
		require.NoError(t, err)
		f.clock.Advance(30 * time.Second)
	}
	f.clock.Advance(5 * time.Minute)
	_, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: "bob", SQLTemplate: "SELECT * FROM orders"})
	require.NoError(t, err)

	points, err := f.eng.GetTrend(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.InDelta(t, 6, points[0].TotalScore, 1e-9)
	assert.InDelta(t, 3, points[1].TotalScore, 1e-9)
	assert.InDelta(t, 1, points[2].TotalScore, 1e-9)
	assert.True(t, points[0].Slot.Before(points[1].Slot))

	page, err := f.eng.ListAuditEvents(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, "bob", page.Items[0].AppUserID)

	_, err = f.eng.GetTrend(ctx, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRefreshDecaysLevels(t *testing.T) {
	cfg := testConfig()
	cfg.DecayRate = 1
	cfg.ObservationThreshold = 40
	cfg.BlockThreshold = 100
	profiles := newProfileStore(
		model.RiskProfile{AppUserID: "mallory", CurrentScore: 105, RiskLevel: model.Blocked, LastUpdateTime: t0},
		model.RiskProfile{AppUserID: "quiet", CurrentScore: 10, RiskLevel: model.Normal, LastUpdateTime: t0},
	)
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	f := newFixture(t, cfg,
		WithArena(accumulator.NewArena(accumulator.WithStore(profiles))),
		WithMetrics(m),
	)
	ctx := context.Background()
	n, err := f.eng.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.clock.Advance(10 * time.Second)
	res, err := f.eng.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Transitions)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LevelTransitions.WithLabelValues("BLOCKED", "OBSERVATION")))

	p, err := f.eng.GetProfile(ctx, "mallory")
	require.NoError(t, err)
	assert.InDelta(t, 95, p.CurrentScore, 1e-9)
	assert.Equal(t, model.Observation, p.RiskLevel)

	st, err := f.eng.CheckStatus(ctx, "mallory")
	require.NoError(t, err)
	assert.Equal(t, model.Pass, st.Action)
}

func TestSensitiveTableCRUD(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	created, err := f.eng.CreateSensitiveTable(ctx, model.SensitiveTable{TableName: "Salaries", SensitivityLevel: 3, Coefficient: 2.5})
	require.NoError(t, err)
	assert.Equal(t, "salaries", created.TableName)

	_, err = f.eng.CreateSensitiveTable(ctx, model.SensitiveTable{TableName: "salaries", SensitivityLevel: 1, Coefficient: 1})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	created.Coefficient = 5
	_, err = f.eng.UpdateSensitiveTable(ctx, created)
	require.NoError(t, err)

	d, err := f.eng.EvaluateEvent(ctx, Event{AppUserID: "alice", SQLTemplate: "SELECT * FROM salaries"})
	require.NoError(t, err)
	assert.InDelta(t, 5, d.RuleScore, 1e-9)

	require.NoError(t, f.eng.DeleteSensitiveTable(ctx, created.ID))
	assert.Empty(t, f.eng.ListSensitiveTables())
	assert.ErrorIs(t, f.eng.DeleteSensitiveTable(ctx, created.ID), model.ErrNotFound)
}
