package accumulator

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

const (
	shardCount = 64
	// freqWindow is the horizon of the per-minute activity counter.
	freqWindow = time.Minute
	// defaultWindowCap bounds the timestamps kept per user.
	defaultWindowCap = 4096
)

// ProfileStore persists risk profiles. LoadProfile returns model.ErrNotFound
// for users it has never stored.
type ProfileStore interface {
	LoadProfile(ctx context.Context, appUserID string) (model.RiskProfile, error)
	SaveProfile(ctx context.Context, p model.RiskProfile) error
	ListProfiles(ctx context.Context) ([]model.RiskProfile, error)
}

// UpdateFunc computes the next profile from the current one. elapsed is the
// clamped time since the last update. It runs under the user's lock and must
// not block.
type UpdateFunc func(cur model.RiskProfile, elapsed time.Duration) model.RiskProfile

// Activity counts a user's recent events.
type Activity struct {
	LastMinute int
	InWindow   int
	Window     time.Duration
}

type entry struct {
	mu      sync.Mutex
	profile model.RiskProfile
	recent  []time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Arena holds profiles in independently locked shards. Each profile has its
// own mutex, so updates for one user are serialized and updates for
// different users never share a lock beyond the shard map lookup.
type Arena struct {
	seed      maphash.Seed
	shards    [shardCount]*shard
	store     ProfileStore
	persister *Persister
	loads     singleflight.Group
	windowCap int
}

// Option configures an Arena.
type Option func(*Arena)

// WithStore loads unseen users from store.
func WithStore(store ProfileStore) Option {
	return func(a *Arena) { a.store = store }
}

// WithPersister queues every updated profile for write-behind persistence.
func WithPersister(p *Persister) Option {
	return func(a *Arena) { a.persister = p }
}

// WithWindowCap bounds the per-user activity timestamps.
func WithWindowCap(n int) Option {
	return func(a *Arena) {
		if n > 0 {
			a.windowCap = n
		}
	}
}

// NewArena creates an empty arena.
func NewArena(opts ...Option) *Arena {
	a := &Arena{seed: maphash.MakeSeed(), windowCap: defaultWindowCap}
	for i := range a.shards {
		a.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arena) shardFor(userID string) *shard {
	return a.shards[maphash.String(a.seed, userID)%shardCount]
}

// lookup returns the user's entry, loading it from the store or creating it
// when create is set. Concurrent misses for one user share a single store read.
func (a *Arena) lookup(ctx context.Context, userID string, at time.Time, create bool) (*entry, error) {
	sh := a.shardFor(userID)
	sh.mu.RLock()
	e, ok := sh.entries[userID]
	sh.mu.RUnlock()
	if ok {
		return e, nil
	}

	key := "r:" + userID
	if create {
		key = "c:" + userID
	}
	v, err, _ := a.loads.Do(key, func() (any, error) {
		var loaded *model.RiskProfile
		if a.store != nil {
			p, err := a.store.LoadProfile(ctx, userID)
			switch {
			case err == nil:
				loaded = &p
			case errors.Is(err, model.ErrNotFound):
			default:
				return nil, fmt.Errorf("accumulator: load profile %q: %w", userID, err)
			}
		}
		if loaded == nil && !create {
			return nil, fmt.Errorf("profile %q: %w", userID, model.ErrNotFound)
		}

		sh.mu.Lock()
		defer sh.mu.Unlock()
		if e, ok := sh.entries[userID]; ok {
			return e, nil
		}
		e := &entry{}
		if loaded != nil {
			e.profile = *loaded
			e.profile.AppUserID = userID
			if e.profile.RiskLevel == "" {
				e.profile.RiskLevel = model.Normal
			}
		} else {
			e.profile = model.NewRiskProfile(userID, at)
		}
		sh.entries[userID] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// Touch records an event at at in the user's activity window and returns
// the counts including it, together with the stored (undecayed) profile.
// The profile is created lazily.
func (a *Arena) Touch(ctx context.Context, userID string, at time.Time, window time.Duration) (Activity, model.RiskProfile, error) {
	e, err := a.lookup(ctx, userID, at, true)
	if err != nil {
		return Activity{}, model.RiskProfile{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recent = append(e.recent, at)
	if len(e.recent) > 1 && at.Before(e.recent[len(e.recent)-2]) {
		sort.Slice(e.recent, func(i, j int) bool { return e.recent[i].Before(e.recent[j]) })
	}
	e.prune(at, window, a.windowCap)

	act := Activity{Window: window}
	minute := freqWindow
	if window < minute {
		minute = window
	}
	for i := len(e.recent) - 1; i >= 0; i-- {
		age := at.Sub(e.recent[i])
		if age > window {
			break
		}
		act.InWindow++
		if age <= minute {
			act.LastMinute++
		}
	}
	return act, e.profile, nil
}

// prune drops timestamps older than window before now and enforces the cap.
func (e *entry) prune(now time.Time, window time.Duration, limit int) {
	cut := 0
	for cut < len(e.recent) && now.Sub(e.recent[cut]) > window {
		cut++
	}
	if over := len(e.recent) - cut - limit; over > 0 {
		cut += over
	}
	if cut > 0 {
		e.recent = append(e.recent[:0], e.recent[cut:]...)
	}
}

// Apply runs fn for the user under the user's lock and installs its result.
// LastUpdateTime never moves backwards. It returns the profile before and
// after the update.
func (a *Arena) Apply(ctx context.Context, userID string, at time.Time, fn UpdateFunc) (model.RiskProfile, model.RiskProfile, error) {
	e, err := a.lookup(ctx, userID, at, true)
	if err != nil {
		return model.RiskProfile{}, model.RiskProfile{}, err
	}

	e.mu.Lock()
	prev := e.profile
	next := fn(prev, Elapsed(prev.LastUpdateTime, at))
	next.AppUserID = userID
	next.LastUpdateTime = prev.LastUpdateTime
	if at.After(prev.LastUpdateTime) {
		next.LastUpdateTime = at
	}
	e.profile = next
	if a.persister != nil {
		// Enqueued under the user lock so the queue never sees updates out of order.
		a.persister.Enqueue(next)
	}
	e.mu.Unlock()
	return prev, next, nil
}

// Get returns the stored profile without creating it.
func (a *Arena) Get(ctx context.Context, userID string) (model.RiskProfile, error) {
	e, err := a.lookup(ctx, userID, time.Time{}, false)
	if err != nil {
		return model.RiskProfile{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile, nil
}

// Profiles returns a copy of every tracked profile.
func (a *Arena) Profiles() []model.RiskProfile {
	var out []model.RiskProfile
	for _, sh := range a.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			out = append(out, e.profile)
			e.mu.Unlock()
		}
	}
	return out
}

// Users returns the IDs of every tracked profile.
func (a *Arena) Users() []string {
	var out []string
	for _, sh := range a.shards {
		sh.mu.RLock()
		for id := range sh.entries {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of tracked profiles.
func (a *Arena) Len() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Warm loads every stored profile not already tracked.
func (a *Arena) Warm(ctx context.Context) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	profiles, err := a.store.ListProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("accumulator: warm: %w", err)
	}
	n := 0
	for _, p := range profiles {
		if p.AppUserID == "" {
			continue
		}
		sh := a.shardFor(p.AppUserID)
		sh.mu.Lock()
		if _, ok := sh.entries[p.AppUserID]; !ok {
			if p.RiskLevel == "" {
				p.RiskLevel = model.Normal
			}
			sh.entries[p.AppUserID] = &entry{profile: p}
			n++
		}
		sh.mu.Unlock()
	}
	return n, nil
}
