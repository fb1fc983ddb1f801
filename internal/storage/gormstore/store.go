// Package gormstore implements the durable repositories on GORM for MySQL or
// PostgreSQL. Scores and coefficients are stored as exact decimals.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DragonitePlus/DeepAudit/internal/audit"
	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

// Config selects the database.
type Config struct {
	Driver          string        `mapstructure:"driver"` // mysql or postgres
	DSN             string        `mapstructure:"dsn"`    // MySQL DSNs need parseTime=true
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Dialector returns the GORM dialector for cfg.Driver.
func Dialector(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("gormstore: unsupported database driver: %s", cfg.Driver)
	}
}

// Store implements audit.Store, sensitivity.Repository,
// riskconfig.Repository and accumulator.ProfileStore on one *gorm.DB.
type Store struct {
	db *gorm.DB
}

var _ audit.Store = (*Store)(nil)

// Open connects, configures the pool and optionally migrates the schema.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	slow := cfg.SlowQuery
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(slog.NewLogLogger(log.Handler(), slog.LevelWarn), logger.Config{
			SlowThreshold:             slow,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gormstore: database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := New(db)
	if cfg.AutoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	log.Info("database connected", "driver", cfg.Driver)
	return s, nil
}

// New wraps an existing *gorm.DB.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate creates or updates the sys_* tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&AuditLogModel{}, &SensitiveTableModel{}, &RiskProfileModel{}, &RiskConfigModel{}); err != nil {
		return fmt.Errorf("gormstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("gormstore: %s: %w", what, model.ErrNotFound)
	}
	return fmt.Errorf("gormstore: %s: %w", what, err)
}

// --- audit.Store ---

// Append inserts ev.
func (s *Store) Append(ctx context.Context, ev model.AuditEvent) error {
	m, err := toAuditLogModel(ev)
	if err != nil {
		return fmt.Errorf("gormstore: encode audit event: %w", err)
	}
	err = s.db.WithContext(ctx).Create(m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("gormstore: trace %s: %w", ev.TraceID, model.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("gormstore: insert audit event: %w", err)
	}
	return nil
}

// Get returns the event for traceID.
func (s *Store) Get(ctx context.Context, traceID string) (model.AuditEvent, error) {
	var m AuditLogModel
	if err := s.db.WithContext(ctx).Where("trace_id = ?", traceID).First(&m).Error; err != nil {
		return model.AuditEvent{}, notFound(err, "trace "+traceID)
	}
	return toAuditEvent(&m)
}

// feedbackCAS builds the conditional label update.
func feedbackCAS(db *gorm.DB, traceID string, status model.FeedbackStatus) *gorm.DB {
	return db.Model(&AuditLogModel{}).
		Where("trace_id = ? AND feedback_status = ?", traceID, int(model.Unmarked)).
		Update("feedback_status", int(status))
}

// MarkFeedback sets the label only while the record is unmarked.
func (s *Store) MarkFeedback(ctx context.Context, traceID string, status model.FeedbackStatus) (model.FeedbackStatus, bool, error) {
	db := s.db.WithContext(ctx)
	res := feedbackCAS(db, traceID, status)
	if res.Error != nil {
		return model.Unmarked, false, fmt.Errorf("gormstore: mark feedback: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return status, true, nil
	}

	var m AuditLogModel
	if err := db.Select("feedback_status").Where("trace_id = ?", traceID).First(&m).Error; err != nil {
		return model.Unmarked, false, notFound(err, "trace "+traceID)
	}
	return model.FeedbackStatus(m.FeedbackStatus), false, nil
}

// List pages events by create time descending.
func (s *Store) List(ctx context.Context, page, size int) (model.Page[model.AuditEvent], error) {
	page, size = model.NormalizePage(page, size)
	out := model.Page[model.AuditEvent]{Items: []model.AuditEvent{}, Page: page, Size: size}
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&AuditLogModel{}).Count(&total).Error; err != nil {
		return out, fmt.Errorf("gormstore: count audit events: %w", err)
	}
	out.Total = int(total)

	var models []*AuditLogModel
	err := db.Order("create_time DESC").Order("trace_id ASC").
		Limit(size).Offset(model.Offset(page, size)).Find(&models).Error
	if err != nil {
		return out, fmt.Errorf("gormstore: list audit events: %w", err)
	}
	for _, m := range models {
		ev, err := toAuditEvent(m)
		if err != nil {
			return out, fmt.Errorf("gormstore: decode %s: %w", m.TraceID, err)
		}
		out.Items = append(out.Items, ev)
	}
	return out, nil
}

// Trend loads (create_time, risk_score) pairs in range and buckets them in
// process; slot arithmetic on timestamps differs between dialects.
func (s *Store) Trend(ctx context.Context, from, to time.Time, slot time.Duration) ([]model.TrendPoint, error) {
	var rows []struct {
		CreateTime time.Time
		RiskScore  float64
	}
	err := s.db.WithContext(ctx).Model(&AuditLogModel{}).
		Select("create_time, risk_score").
		Where("create_time BETWEEN ? AND ?", from.UTC(), to.UTC()).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: trend: %w", err)
	}
	events := make([]model.AuditEvent, len(rows))
	for i, r := range rows {
		events[i] = model.AuditEvent{CreateTime: r.CreateTime, RiskScore: r.RiskScore}
	}
	return audit.BucketTrend(events, from, to, slot), nil
}

// --- sensitivity.Repository ---

// ListSensitiveTables returns all registry entries ordered by id.
func (s *Store) ListSensitiveTables(ctx context.Context) ([]model.SensitiveTable, error) {
	var models []*SensitiveTableModel
	if err := s.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list sensitive tables: %w", err)
	}
	out := make([]model.SensitiveTable, 0, len(models))
	for _, m := range models {
		out = append(out, toSensitiveTable(m))
	}
	return out, nil
}

// CreateSensitiveTable inserts t and returns it with its assigned id.
func (s *Store) CreateSensitiveTable(ctx context.Context, t model.SensitiveTable) (model.SensitiveTable, error) {
	m := toSensitiveTableModel(t)
	m.ID = 0
	err := s.db.WithContext(ctx).Create(m).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return model.SensitiveTable{}, fmt.Errorf("gormstore: table %q: %w", t.TableName, model.ErrDuplicate)
	}
	if err != nil {
		return model.SensitiveTable{}, fmt.Errorf("gormstore: insert sensitive table: %w", err)
	}
	return toSensitiveTable(m), nil
}

// UpdateSensitiveTable replaces the entry with t.ID.
func (s *Store) UpdateSensitiveTable(ctx context.Context, t model.SensitiveTable) error {
	m := toSensitiveTableModel(t)
	res := s.db.WithContext(ctx).Model(&SensitiveTableModel{}).Where("id = ?", t.ID).Updates(map[string]any{
		"table_name":        m.Name,
		"sensitivity_level": m.SensitivityLevel,
		"coefficient":       m.Coefficient,
	})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("gormstore: table %q: %w", t.TableName, model.ErrDuplicate)
	}
	if res.Error != nil {
		return fmt.Errorf("gormstore: update sensitive table: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("gormstore: sensitive table %d: %w", t.ID, model.ErrNotFound)
	}
	return nil
}

// DeleteSensitiveTable removes the entry with id.
func (s *Store) DeleteSensitiveTable(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&SensitiveTableModel{}, id)
	if res.Error != nil {
		return fmt.Errorf("gormstore: delete sensitive table: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("gormstore: sensitive table %d: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- accumulator.ProfileStore ---

// LoadProfile returns the stored profile for appUserID.
func (s *Store) LoadProfile(ctx context.Context, appUserID string) (model.RiskProfile, error) {
	var m RiskProfileModel
	if err := s.db.WithContext(ctx).Where("app_user_id = ?", appUserID).First(&m).Error; err != nil {
		return model.RiskProfile{}, notFound(err, "profile "+appUserID)
	}
	return toRiskProfile(&m), nil
}

// upsert builds an insert that overwrites every column on key conflict.
func upsert(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.OnConflict{UpdateAll: true})
}

// SaveProfile upserts p.
func (s *Store) SaveProfile(ctx context.Context, p model.RiskProfile) error {
	if err := upsert(s.db.WithContext(ctx)).Create(toRiskProfileModel(p)).Error; err != nil {
		return fmt.Errorf("gormstore: save profile %s: %w", p.AppUserID, err)
	}
	return nil
}

// ListProfiles returns every stored profile.
func (s *Store) ListProfiles(ctx context.Context) ([]model.RiskProfile, error) {
	var models []*RiskProfileModel
	if err := s.db.WithContext(ctx).Order("app_user_id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("gormstore: list profiles: %w", err)
	}
	out := make([]model.RiskProfile, 0, len(models))
	for _, m := range models {
		out = append(out, toRiskProfile(m))
	}
	return out, nil
}

// --- riskconfig.Repository ---

// LoadRiskConfig returns the stored config or model.ErrNotFound.
func (s *Store) LoadRiskConfig(ctx context.Context) (riskconfig.RiskConfig, error) {
	var m RiskConfigModel
	if err := s.db.WithContext(ctx).Where("id = ?", 1).First(&m).Error; err != nil {
		return riskconfig.RiskConfig{}, notFound(err, "risk config")
	}
	var cfg riskconfig.RiskConfig
	if err := json.Unmarshal([]byte(m.Body), &cfg); err != nil {
		return riskconfig.RiskConfig{}, fmt.Errorf("gormstore: decode risk config: %w", err)
	}
	return cfg, nil
}

// SaveRiskConfig stores cfg as the single config row.
func (s *Store) SaveRiskConfig(ctx context.Context, cfg riskconfig.RiskConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("gormstore: encode risk config: %w", err)
	}
	m := &RiskConfigModel{ID: 1, Body: string(body)}
	if err := upsert(s.db.WithContext(ctx)).Create(m).Error; err != nil {
		return fmt.Errorf("gormstore: save risk config: %w", err)
	}
	return nil
}
