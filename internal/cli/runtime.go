package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/DragonitePlus/DeepAudit/internal/accumulator"
	"github.com/DragonitePlus/DeepAudit/internal/alert"
	"github.com/DragonitePlus/DeepAudit/internal/appconfig"
	"github.com/DragonitePlus/DeepAudit/internal/audit"
	"github.com/DragonitePlus/DeepAudit/internal/engine"
	"github.com/DragonitePlus/DeepAudit/internal/messaging"
	"github.com/DragonitePlus/DeepAudit/internal/metrics"
	"github.com/DragonitePlus/DeepAudit/internal/mlscore"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
	"github.com/DragonitePlus/DeepAudit/internal/sensitivity"
	"github.com/DragonitePlus/DeepAudit/internal/storage/gormstore"
	"github.com/DragonitePlus/DeepAudit/internal/storage/redisstore"
	"github.com/DragonitePlus/DeepAudit/internal/storage/sqlite"
)

// durableStore is what the sqlite and gorm backends both provide.
type durableStore interface {
	audit.Store
	sensitivity.Repository
	riskconfig.Repository
	accumulator.ProfileStore
	Close() error
}

// runtime is a fully wired engine plus the resources it holds.
type runtime struct {
	cfg       appconfig.Config
	logger    *slog.Logger
	engine    *engine.Engine
	registry  *prometheus.Registry
	persister *accumulator.Persister
	alerts    *alert.Dispatcher
	redis     redis.UniversalClient
	closers   []func() error
}

// openRuntime builds storage, the scorer, mirrors and the engine from cfg.
// Persisted registry entries, config and profiles are loaded before it
// returns.
func openRuntime(ctx context.Context, cfg appconfig.Config, logger *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	durable, err := openDurable(cfg, logger)
	if err != nil {
		return nil, err
	}
	if durable != nil {
		rt.closers = append(rt.closers, durable.Close)
	}

	if cfg.Redis.Enabled() {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, rt.redis.Close)
	}

	// Risk config: file (or defaults), then whatever the repository holds.
	initial, err := riskconfig.LoadConfig(cfg.Risk.ConfigPath)
	if err != nil {
		return nil, err
	}
	copts := []riskconfig.Option{riskconfig.WithLogger(logger)}
	if durable != nil {
		copts = append(copts, riskconfig.WithRepository(durable))
	}
	configStore, err := riskconfig.NewStore(initial, copts...)
	if err != nil {
		return nil, err
	}
	if restored, err := configStore.Restore(ctx); err != nil {
		return nil, err
	} else if restored {
		logger.Info("risk config restored from storage", "driver", cfg.Storage.Driver)
	}

	ropts := []sensitivity.Option{sensitivity.WithLogger(logger)}
	if durable != nil {
		ropts = append(ropts, sensitivity.WithRepository(durable))
	}
	registry := sensitivity.NewRegistry(ropts...)
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}

	var profiles accumulator.ProfileStore
	switch {
	case cfg.Redis.Profiles:
		profiles = redisstore.NewProfileStore(rt.redis, cfg.Redis.ProfileTTL)
	case durable != nil:
		profiles = durable
	}
	var aopts []accumulator.Option
	if profiles != nil {
		rt.persister = accumulator.NewPersister(profiles, cfg.Storage.PersistInterval, logger)
		aopts = append(aopts, accumulator.WithStore(profiles), accumulator.WithPersister(rt.persister))
	}
	arena := accumulator.NewArena(aopts...)

	guard, err := rt.openScorer(cfg.ML)
	if err != nil {
		return nil, err
	}

	m, err := metrics.New(rt.registry)
	if err != nil {
		return nil, err
	}

	var primary audit.Store = audit.NewMemoryStore()
	if durable != nil {
		primary = durable
	}
	// The failure hook needs the engine, which needs the fan-out.
	var eng *engine.Engine
	fopts := []audit.FanoutOption{
		audit.WithFanoutLogger(logger),
		audit.WithFailureHook(func(sink, traceID string, err error) {
			eng.MirrorFailureHook()(sink, traceID, err)
		}),
	}
	if cfg.Journal.Path != "" {
		journal, err := audit.Open(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, journal.Close)
		fopts = append(fopts, audit.WithMirror("journal", journal))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		mirror := messaging.NewKafkaMirror(messaging.NewWriter(cfg.Kafka), cfg.Kafka, logger)
		rt.closers = append(rt.closers, mirror.Close)
		fopts = append(fopts, audit.WithMirror("kafka", mirror))
	}

	rt.alerts = alert.NewDispatcher(cfg.Alerts, logger)
	eopts := []engine.Option{
		engine.WithRegistry(registry),
		engine.WithArena(arena),
		engine.WithScorer(guard),
		engine.WithAuditStore(audit.NewFanout(primary, fopts...)),
		engine.WithMetrics(m),
		engine.WithAlerts(rt.alerts),
		engine.WithLogger(logger),
		engine.WithTrendSlot(cfg.Trend.Slot),
	}
	if len(cfg.Engine.ExcludedTables) > 0 {
		eopts = append(eopts, engine.WithExcludedTables(cfg.Engine.ExcludedTables))
	}
	eng = engine.New(configStore, eopts...)
	rt.engine = eng

	if profiles != nil {
		n, err := eng.Warm(ctx)
		if err != nil {
			return nil, fmt.Errorf("load risk profiles: %w", err)
		}
		logger.Info("risk profiles loaded", "count", n)
	}
	return rt, nil
}

func openDurable(cfg appconfig.Config, logger *slog.Logger) (durableStore, error) {
	switch cfg.Storage.Driver {
	case appconfig.DriverSQLite:
		s, err := sqlite.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case appconfig.DriverMySQL, appconfig.DriverPostgres:
		s, err := gormstore.Open(cfg.Storage.Gorm(), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

func (rt *runtime) openScorer(cfg appconfig.MLConfig) (*mlscore.Guard, error) {
	var scorer mlscore.Scorer
	switch cfg.Transport {
	case appconfig.TransportHTTP:
		scorer = mlscore.NewHTTPScorer(cfg.Endpoint, &http.Client{})
	case appconfig.TransportGRPC:
		s, err := mlscore.DialGRPC(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		scorer = s
	}
	return mlscore.NewGuard(scorer, cfg.Guard()), nil
}

// configSync returns the Redis config subscriber, or nil when disabled.
func (rt *runtime) configSync() *redisstore.ConfigSync {
	if rt.redis == nil || !rt.cfg.Redis.ConfigSync {
		return nil
	}
	return redisstore.NewConfigSync(rt.redis, engineConfigTarget{rt.engine}, rt.logger)
}

// runBackground starts persistence, the decay refresher, config reload
// sources and the ops listener on g.
func (rt *runtime) runBackground(ctx context.Context, g *errgroup.Group) {
	if rt.persister != nil {
		g.Go(func() error { return rt.persister.Run(ctx) })
	}
	g.Go(func() error { return rt.engine.RunRefresher(ctx, rt.cfg.Refresh.Interval) })

	if path := rt.cfg.Risk.ConfigPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			reloader, err := riskconfig.NewReloader(path, rt.engine.UpdateConfig, rt.logger)
			if err != nil {
				rt.logger.Warn("risk config hot reload disabled", "path", path, "err", err)
			} else {
				g.Go(func() error { return reloader.Run(ctx) })
			}
		}
	}
	if cs := rt.configSync(); cs != nil {
		g.Go(func() error {
			if err := cs.Run(ctx); err != nil {
				rt.logger.Warn("config sync stopped", "err", err)
			}
			return nil
		})
	}
	if rt.cfg.Ops.Addr != "" {
		srv := newOpsServer(rt.cfg.Ops.Addr, rt.registry, rt.engine)
		g.Go(func() error { return runOpsServer(ctx, srv, rt.logger) })
	}
}

// Close flushes queued profiles, waits for pending alert deliveries and
// releases resources in reverse order.
func (rt *runtime) Close() error {
	var errs []error
	if rt.persister != nil {
		if err := rt.persister.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	rt.alerts.Wait()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// engineConfigTarget routes pub/sub updates through the engine so they are
// counted like every other config change.
type engineConfigTarget struct {
	engine *engine.Engine
}

func (t engineConfigTarget) Get() riskconfig.RiskConfig { return t.engine.GetConfig() }

func (t engineConfigTarget) Update(ctx context.Context, candidate riskconfig.RiskConfig) error {
	return t.engine.UpdateConfig(ctx, candidate)
}

// withRuntime loads settings, opens the runtime, runs fn and closes it.
func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	cfg, logger, logCloser, err := loadSettings()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, rt)
	if err := rt.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
