// Package sensitivity keeps the sensitive-table registry and resolves the
// aggregate sensitivity coefficient of the tables touched by one statement.
package sensitivity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

const (
	MinLevel = 1
	MaxLevel = 4
)

// Repository persists registry entries. Create assigns the ID.
type Repository interface {
	ListSensitiveTables(ctx context.Context) ([]model.SensitiveTable, error)
	CreateSensitiveTable(ctx context.Context, t model.SensitiveTable) (model.SensitiveTable, error)
	UpdateSensitiveTable(ctx context.Context, t model.SensitiveTable) error
	DeleteSensitiveTable(ctx context.Context, id int64) error
}

// ValidationError names the entry field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sensitive table: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is match model.ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == model.ErrValidation
}

// Validate checks a single entry independent of the rest of the registry.
func Validate(t model.SensitiveTable) error {
	if NormalizeName(t.TableName) == "" {
		return &ValidationError{Field: "tableName", Reason: "must not be empty"}
	}
	if t.SensitivityLevel < MinLevel || t.SensitivityLevel > MaxLevel {
		return &ValidationError{Field: "sensitivityLevel", Reason: fmt.Sprintf("must be within %d..%d", MinLevel, MaxLevel)}
	}
	if t.Coefficient <= 0 || math.IsNaN(t.Coefficient) || math.IsInf(t.Coefficient, 0) {
		return &ValidationError{Field: "coefficient", Reason: "must be a positive number"}
	}
	return nil
}

// NormalizeName lowercases a table name and strips identifier quoting.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("`", "", `"`, "", "[", "", "]", "").Replace(name)
	return strings.ToLower(name)
}

// Snapshot is an immutable view of the registry.
type Snapshot struct {
	byName map[string]model.SensitiveTable
	byID   map[int64]model.SensitiveTable
}

func newSnapshot(entries []model.SensitiveTable) *Snapshot {
	s := &Snapshot{
		byName: make(map[string]model.SensitiveTable, len(entries)),
		byID:   make(map[int64]model.SensitiveTable, len(entries)),
	}
	for _, e := range entries {
		e.TableName = NormalizeName(e.TableName)
		s.byName[e.TableName] = e
		s.byID[e.ID] = e
	}
	return s
}

// Lookup finds an entry by table name. A schema-qualified name falls back
// to its unqualified suffix.
func (s *Snapshot) Lookup(name string) (model.SensitiveTable, bool) {
	n := NormalizeName(name)
	if e, ok := s.byName[n]; ok {
		return e, true
	}
	if i := strings.LastIndexByte(n, '.'); i >= 0 {
		e, ok := s.byName[n[i+1:]]
		return e, ok
	}
	return model.SensitiveTable{}, false
}

// Entries returns all entries ordered by ID.
func (s *Snapshot) Entries() []model.SensitiveTable {
	out := make([]model.SensitiveTable, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Registry holds sensitive-table entries behind a copy-on-write snapshot.
// Reads never block; writes rebuild the snapshot under a mutex.
type Registry struct {
	snap   atomic.Pointer[Snapshot]
	mu     sync.Mutex
	repo   Repository
	nextID int64
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRepository makes registry mutations durable.
func WithRepository(repo Repository) Option {
	return func(r *Registry) { r.repo = repo }
}

// WithLogger sets the logger for registry mutations.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(newSnapshot(nil))
	return r
}

// Load replaces the registry contents with the repository's entries.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	entries, err := r.repo.ListSensitiveTables(ctx)
	if err != nil {
		return fmt.Errorf("sensitivity: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.ID > r.nextID {
			r.nextID = e.ID
		}
	}
	r.snap.Store(newSnapshot(entries))
	return nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// List returns all entries ordered by ID.
func (r *Registry) List() []model.SensitiveTable {
	return r.Snapshot().Entries()
}

// Get returns the entry with id or model.ErrNotFound.
func (r *Registry) Get(id int64) (model.SensitiveTable, error) {
	e, ok := r.Snapshot().byID[id]
	if !ok {
		return model.SensitiveTable{}, fmt.Errorf("sensitive table %d: %w", id, model.ErrNotFound)
	}
	return e, nil
}

// Create adds a new entry. Table names are unique after normalization.
func (r *Registry) Create(ctx context.Context, t model.SensitiveTable) (model.SensitiveTable, error) {
	if err := Validate(t); err != nil {
		return model.SensitiveTable{}, err
	}
	t.TableName = NormalizeName(t.TableName)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.byName[t.TableName]; exists {
		return model.SensitiveTable{}, fmt.Errorf("sensitive table %q: %w", t.TableName, model.ErrDuplicate)
	}

	if r.repo != nil {
		created, err := r.repo.CreateSensitiveTable(ctx, t)
		if err != nil {
			return model.SensitiveTable{}, fmt.Errorf("sensitivity: create: %w", err)
		}
		t = created
		if t.ID > r.nextID {
			r.nextID = t.ID
		}
	} else {
		r.nextID++
		t.ID = r.nextID
	}

	r.install(cur, func(entries map[int64]model.SensitiveTable) { entries[t.ID] = t })
	r.logger.Info("sensitive table created", "table", t.TableName, "level", t.SensitivityLevel, "coefficient", t.Coefficient)
	return t, nil
}

// Update replaces the entry with the same ID.
func (r *Registry) Update(ctx context.Context, t model.SensitiveTable) (model.SensitiveTable, error) {
	if err := Validate(t); err != nil {
		return model.SensitiveTable{}, err
	}
	t.TableName = NormalizeName(t.TableName)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byID[t.ID]; !ok {
		return model.SensitiveTable{}, fmt.Errorf("sensitive table %d: %w", t.ID, model.ErrNotFound)
	}
	if other, exists := cur.byName[t.TableName]; exists && other.ID != t.ID {
		return model.SensitiveTable{}, fmt.Errorf("sensitive table %q: %w", t.TableName, model.ErrDuplicate)
	}

	if r.repo != nil {
		if err := r.repo.UpdateSensitiveTable(ctx, t); err != nil {
			return model.SensitiveTable{}, fmt.Errorf("sensitivity: update: %w", err)
		}
	}

	r.install(cur, func(entries map[int64]model.SensitiveTable) { entries[t.ID] = t })
	r.logger.Info("sensitive table updated", "id", t.ID, "table", t.TableName)
	return t, nil
}

// Delete removes the entry with id.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byID[id]; !ok {
		return fmt.Errorf("sensitive table %d: %w", id, model.ErrNotFound)
	}

	if r.repo != nil {
		if err := r.repo.DeleteSensitiveTable(ctx, id); err != nil {
			return fmt.Errorf("sensitivity: delete: %w", err)
		}
	}

	r.install(cur, func(entries map[int64]model.SensitiveTable) { delete(entries, id) })
	r.logger.Info("sensitive table deleted", "id", id)
	return nil
}

// install copies cur, applies mutate and swaps the new snapshot in.
// Caller holds r.mu.
func (r *Registry) install(cur *Snapshot, mutate func(map[int64]model.SensitiveTable)) {
	entries := make(map[int64]model.SensitiveTable, len(cur.byID)+1)
	for id, e := range cur.byID {
		entries[id] = e
	}
	mutate(entries)

	list := make([]model.SensitiveTable, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	r.snap.Store(newSnapshot(list))
}
