package accumulator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// Persister writes profiles to a ProfileStore in the background. Pending
// writes are coalesced per user, so only the latest state is saved.
type Persister struct {
	store    ProfileStore
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending map[string]model.RiskProfile
	signal  chan struct{}
}

// NewPersister creates a persister flushing at most every interval.
func NewPersister(store ProfileStore, interval time.Duration, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Persister{
		store:    store,
		logger:   logger,
		interval: interval,
		pending:  make(map[string]model.RiskProfile),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue schedules p for saving.
func (p *Persister) Enqueue(profile model.RiskProfile) {
	p.mu.Lock()
	p.pending[profile.AppUserID] = profile
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued profiles.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run flushes queued profiles until ctx is cancelled, then flushes once more.
func (p *Persister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.Flush(flushCtx)
			cancel()
			return err
		case <-ticker.C:
		case <-p.signal:
			// Batch bursts: wait for the next tick before writing.
			select {
			case <-ctx.Done():
				continue
			case <-ticker.C:
			}
		}
		if err := p.Flush(ctx); err != nil {
			p.logger.Warn("profile persistence failed", "err", err)
		}
	}
}

// Flush saves every queued profile. Failed saves are re-queued unless a
// newer state arrived meanwhile.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]model.RiskProfile, len(batch))
	p.mu.Unlock()

	var errs []error
	for id, profile := range batch {
		if err := p.store.SaveProfile(ctx, profile); err != nil {
			errs = append(errs, err)
			p.mu.Lock()
			if _, newer := p.pending[id]; !newer {
				p.pending[id] = profile
			}
			p.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}
