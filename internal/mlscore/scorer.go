// Package mlscore adapts an external anomaly-inference service into a
// bounded, failure-isolated score in [0, 1].
package mlscore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// Scorer produces an anomaly score for one feature vector. modelPath names
// the inference artifact from the current risk config.
type Scorer interface {
	Score(ctx context.Context, modelPath string, f Features) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, modelPath string, f Features) (float64, error)

func (fn ScorerFunc) Score(ctx context.Context, modelPath string, f Features) (float64, error) {
	return fn(ctx, modelPath, f)
}

// Fallback reasons reported in errors and metrics.
const (
	ReasonTimeout    = "timeout"
	ReasonSaturated  = "saturated"
	ReasonRateLimit  = "rate_limited"
	ReasonError      = "error"
	ReasonOutOfRange = "out_of_range"
	ReasonDisabled   = "disabled"
)

// UnavailableError wraps a scoring failure. It matches model.ErrInferenceUnavailable.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (%s): %v", model.ErrInferenceUnavailable, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v (%s)", model.ErrInferenceUnavailable, e.Reason)
}

func (e *UnavailableError) Is(target error) bool { return target == model.ErrInferenceUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// Reason extracts the fallback reason from err, or "" if err is not a scoring failure.
func Reason(err error) string {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}

func unavailable(reason string, err error) error {
	return &UnavailableError{Reason: reason, Err: err}
}

// GuardConfig bounds calls to the wrapped scorer.
type GuardConfig struct {
	// Timeout caps each call. Zero means 200ms.
	Timeout time.Duration
	// MaxInFlight caps concurrent calls, including calls abandoned on timeout
	// that have not returned yet. Zero means 64.
	MaxInFlight int64
	// RatePerSecond limits call admission. Zero disables the limiter.
	RatePerSecond float64
	Burst         int
}

// Guard isolates callers from a slow or failing Scorer. Every failure is
// reported as ErrInferenceUnavailable and none blocks past the timeout.
type Guard struct {
	scorer  Scorer
	timeout time.Duration
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewGuard wraps scorer. A nil scorer yields a guard that always reports
// ReasonDisabled.
func NewGuard(scorer Scorer, cfg GuardConfig) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	g := &Guard{
		scorer:  scorer,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RatePerSecond))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

// Enabled reports whether a scorer is configured.
func (g *Guard) Enabled() bool {
	return g != nil && g.scorer != nil
}

type result struct {
	score float64
	err   error
}

// Score calls the wrapped scorer within the guard's bounds.
func (g *Guard) Score(ctx context.Context, modelPath string, f Features) (float64, error) {
	if !g.Enabled() {
		return 0, unavailable(ReasonDisabled, nil)
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return 0, unavailable(ReasonRateLimit, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if !g.sem.TryAcquire(1) {
		return 0, unavailable(ReasonSaturated, nil)
	}

	done := make(chan result, 1)
	go func() {
		defer g.sem.Release(1)
		s, err := g.scorer.Score(ctx, modelPath, f)
		done <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		return 0, unavailable(ReasonTimeout, ctx.Err())
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return 0, unavailable(ReasonTimeout, r.err)
			}
			return 0, unavailable(ReasonError, r.err)
		}
		if math.IsNaN(r.score) || r.score < 0 || r.score > 1 {
			return 0, unavailable(ReasonOutOfRange, fmt.Errorf("score %v outside [0,1]", r.score))
		}
		return r.score, nil
	}
}
