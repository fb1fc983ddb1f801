package riskconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// Repository persists the active configuration across restarts.
type Repository interface {
	// LoadRiskConfig returns model.ErrNotFound when nothing was stored yet.
	LoadRiskConfig(ctx context.Context) (RiskConfig, error)
	SaveRiskConfig(ctx context.Context, cfg RiskConfig) error
}

// ChangeFunc observes an installed configuration change.
type ChangeFunc func(old, new RiskConfig)

// Store holds the current RiskConfig as an immutable snapshot. Reads are a
// single atomic load; updates validate, persist and swap under a short lock.
type Store struct {
	current   atomic.Pointer[RiskConfig]
	mu        sync.Mutex
	repo      Repository
	listeners []ChangeFunc
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRepository makes updates durable.
func WithRepository(r Repository) Option {
	return func(s *Store) { s.repo = r }
}

// WithLogger sets the logger used for update outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// OnChange registers a listener called after every installed update.
// Listeners run while the update lock is held and must not call Update.
func OnChange(fn ChangeFunc) Option {
	return func(s *Store) { s.listeners = append(s.listeners, fn) }
}

// NewStore creates a store seeded with initial, which must be valid.
func NewStore(initial RiskConfig, opts ...Option) (*Store, error) {
	initial = initial.withPolicyDefaults()
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&initial)
	return s, nil
}

// Get returns the current snapshot.
func (s *Store) Get() RiskConfig {
	return *s.current.Load()
}

// Update validates candidate and installs it. On any error the previous
// snapshot stays in place.
func (s *Store) Update(ctx context.Context, candidate RiskConfig) error {
	candidate = candidate.withPolicyDefaults()
	if err := candidate.Validate(); err != nil {
		s.logger.Warn("risk config update rejected", "err", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveRiskConfig(ctx, candidate); err != nil {
			return fmt.Errorf("riskconfig: persist: %w", err)
		}
	}

	old := s.current.Swap(&candidate)
	for _, fn := range s.listeners {
		fn(*old, candidate)
	}
	s.logger.Info("risk config updated", "changes", Diff(*old, candidate).Fields())
	return nil
}

// Restore installs the configuration kept by the repository, if any.
// It returns false when the repository holds nothing.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.repo == nil {
		return false, nil
	}
	cfg, err := s.repo.LoadRiskConfig(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("riskconfig: load: %w", err)
	}
	cfg = cfg.withPolicyDefaults()
	if err := cfg.Validate(); err != nil {
		return false, fmt.Errorf("riskconfig: stored config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.current.Swap(&cfg)
	for _, fn := range s.listeners {
		fn(*old, cfg)
	}
	return true, nil
}
