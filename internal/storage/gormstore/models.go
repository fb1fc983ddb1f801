package gormstore

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/DragonitePlus/DeepAudit/internal/model"
)

// Score columns hold four decimal places.
const scorePlaces = 4

// AuditLogModel maps sys_audit_log.
type AuditLogModel struct {
	TraceID        string          `gorm:"primaryKey;type:varchar(64);column:trace_id"`
	AppUserID      string          `gorm:"column:app_user_id;type:varchar(64);index;not null"`
	SQLTemplate    string          `gorm:"column:sql_template;type:text;not null"`
	TableNames     string          `gorm:"column:table_names;type:text;not null"`
	RiskScore      decimal.Decimal `gorm:"column:risk_score;type:decimal(14,4);not null"`
	ActionTaken    string          `gorm:"column:action_taken;type:varchar(10);not null"`
	RiskLevel      string          `gorm:"column:risk_level;type:varchar(16);not null"`
	CreateTime     time.Time       `gorm:"column:create_time;index;not null"`
	ClientIP       string          `gorm:"column:client_ip;type:varchar(64)"`
	ExecutionMs    int64           `gorm:"column:execution_ms;not null;default:0"`
	ResultCount    int             `gorm:"column:result_count;not null;default:0"`
	RuleScore      decimal.Decimal `gorm:"column:rule_score;type:decimal(14,4);not null"`
	MLScore        decimal.Decimal `gorm:"column:ml_score;type:decimal(6,4);not null"`
	MLFallback     bool            `gorm:"column:ml_fallback;not null;default:false"`
	Description    string          `gorm:"column:description;type:text"`
	FeedbackStatus int             `gorm:"column:feedback_status;not null;default:0;index"`
}

func (AuditLogModel) TableName() string { return "sys_audit_log" }

// SensitiveTableModel maps sys_sensitive_table.
type SensitiveTableModel struct {
	ID               int64           `gorm:"primaryKey;autoIncrement;column:id"`
	Name             string          `gorm:"column:table_name;type:varchar(128);uniqueIndex;not null"`
	SensitivityLevel int             `gorm:"column:sensitivity_level;not null"`
	Coefficient      decimal.Decimal `gorm:"column:coefficient;type:decimal(8,4);not null"`
}

func (SensitiveTableModel) TableName() string { return "sys_sensitive_table" }

// RiskProfileModel maps sys_user_risk_profile.
type RiskProfileModel struct {
	AppUserID      string          `gorm:"primaryKey;type:varchar(64);column:app_user_id"`
	CurrentScore   decimal.Decimal `gorm:"column:current_score;type:decimal(14,4);not null"`
	RiskLevel      string          `gorm:"column:risk_level;type:varchar(16);not null"`
	LastUpdateTime time.Time       `gorm:"column:last_update_time;not null"`
	Description    string          `gorm:"column:description;type:text"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (RiskProfileModel) TableName() string { return "sys_user_risk_profile" }

// RiskConfigModel maps sys_risk_config, a single row keyed 1.
type RiskConfigModel struct {
	ID        uint      `gorm:"primaryKey;column:id"`
	Body      string    `gorm:"column:body;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (RiskConfigModel) TableName() string { return "sys_risk_config" }

// --- mapping helpers ---

func score(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(scorePlaces)
}

func toAuditLogModel(ev model.AuditEvent) (*AuditLogModel, error) {
	tables := ev.TableNames
	if tables == nil {
		tables = []string{}
	}
	data, err := json.Marshal(tables)
	if err != nil {
		return nil, err
	}
	return &AuditLogModel{
		TraceID:        ev.TraceID,
		AppUserID:      ev.AppUserID,
		SQLTemplate:    ev.SQLTemplate,
		TableNames:     string(data),
		RiskScore:      score(ev.RiskScore),
		ActionTaken:    string(ev.ActionTaken),
		RiskLevel:      string(ev.RiskLevel),
		CreateTime:     ev.CreateTime.UTC(),
		ClientIP:       ev.ClientIP,
		ExecutionMs:    ev.ExecutionTime.Milliseconds(),
		ResultCount:    ev.ResultCount,
		RuleScore:      score(ev.RuleScore),
		MLScore:        score(ev.MLScore),
		MLFallback:     ev.MLFallback,
		Description:    ev.Description,
		FeedbackStatus: int(ev.FeedbackStatus),
	}, nil
}

func toAuditEvent(m *AuditLogModel) (model.AuditEvent, error) {
	var tables []string
	if err := json.Unmarshal([]byte(m.TableNames), &tables); err != nil {
		return model.AuditEvent{}, err
	}
	return model.AuditEvent{
		TraceID:        m.TraceID,
		AppUserID:      m.AppUserID,
		SQLTemplate:    m.SQLTemplate,
		TableNames:     tables,
		RiskScore:      m.RiskScore.InexactFloat64(),
		ActionTaken:    model.Action(m.ActionTaken),
		RiskLevel:      model.RiskLevel(m.RiskLevel),
		CreateTime:     m.CreateTime.UTC(),
		ClientIP:       m.ClientIP,
		ExecutionTime:  time.Duration(m.ExecutionMs) * time.Millisecond,
		ResultCount:    m.ResultCount,
		RuleScore:      m.RuleScore.InexactFloat64(),
		MLScore:        m.MLScore.InexactFloat64(),
		MLFallback:     m.MLFallback,
		Description:    m.Description,
		FeedbackStatus: model.FeedbackStatus(m.FeedbackStatus),
	}, nil
}

func toSensitiveTableModel(t model.SensitiveTable) *SensitiveTableModel {
	return &SensitiveTableModel{
		ID:               t.ID,
		Name:             t.TableName,
		SensitivityLevel: t.SensitivityLevel,
		Coefficient:      score(t.Coefficient),
	}
}

func toSensitiveTable(m *SensitiveTableModel) model.SensitiveTable {
	return model.SensitiveTable{
		ID:               m.ID,
		TableName:        m.Name,
		SensitivityLevel: m.SensitivityLevel,
		Coefficient:      m.Coefficient.InexactFloat64(),
	}
}

func toRiskProfileModel(p model.RiskProfile) *RiskProfileModel {
	return &RiskProfileModel{
		AppUserID:      p.AppUserID,
		CurrentScore:   score(p.CurrentScore),
		RiskLevel:      string(p.RiskLevel),
		LastUpdateTime: p.LastUpdateTime.UTC(),
		Description:    p.Description,
	}
}

func toRiskProfile(m *RiskProfileModel) model.RiskProfile {
	return model.RiskProfile{
		AppUserID:      m.AppUserID,
		CurrentScore:   m.CurrentScore.InexactFloat64(),
		RiskLevel:      model.RiskLevel(m.RiskLevel),
		LastUpdateTime: m.LastUpdateTime.UTC(),
		Description:    m.Description,
	}
}
