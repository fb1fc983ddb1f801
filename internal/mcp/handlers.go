package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DragonitePlus/DeepAudit/internal/engine"
	"github.com/DragonitePlus/DeepAudit/internal/model"
	"github.com/DragonitePlus/DeepAudit/internal/riskconfig"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// --- Input/Output types ---

// EvaluateInput defines parameters for the deepaudit_evaluate tool.
type EvaluateInput struct {
	AppUserID   string   `json:"appUserId,omitempty" jsonschema:"application user; may instead come from a /* user_id:X */ hint"`
	SQLTemplate string   `json:"sqlTemplate" jsonschema:"parameterised SQL as audited"`
	Statement   string   `json:"statement,omitempty" jsonschema:"full SQL when it differs from the template"`
	TableNames  []string `json:"tableNames,omitempty" jsonschema:"referenced tables; extracted from the SQL when omitted"`
	ExecutionMs int64    `json:"executionMs,omitempty" jsonschema:"execution time in milliseconds"`
	ClientIP    string   `json:"clientIp,omitempty" jsonschema:"client address"`
	ResultCount int      `json:"resultCount,omitempty" jsonschema:"rows returned or affected"`
}

// EvaluateOutput is the decision for one event.
type EvaluateOutput struct {
	TraceID       string   `json:"traceId,omitempty"`
	AppUserID     string   `json:"appUserId"`
	RiskScore     float64  `json:"riskScore"`
	ActionTaken   string   `json:"actionTaken"`
	RiskLevel     string   `json:"riskLevel"`
	CurrentScore  float64  `json:"currentScore"`
	RuleScore     float64  `json:"ruleScore"`
	MLScore       float64  `json:"mlScore"`
	MLFallback    bool     `json:"mlFallback,omitempty"`
	TableNames    []string `json:"tableNames,omitempty"`
	Description   string   `json:"description,omitempty"`
	Excluded      bool     `json:"excluded,omitempty"`
	AuditDegraded bool     `json:"auditDegraded,omitempty"`
}

// UserInput names one application user.
type UserInput struct {
	AppUserID string `json:"appUserId" jsonschema:"application user"`
}

// ProfileOutput is a risk profile with decay applied.
type ProfileOutput struct {
	AppUserID      string  `json:"appUserId"`
	CurrentScore   float64 `json:"currentScore"`
	RiskLevel      string  `json:"riskLevel"`
	LastUpdateTime string  `json:"lastUpdateTime"`
	Description    string  `json:"description,omitempty"`
}

// CheckOutput is the pre-check result.
type CheckOutput struct {
	Profile ProfileOutput `json:"profile"`
	Action  string        `json:"action"`
	Known   bool          `json:"known"`
}

// PageInput selects one page of a listing.
type PageInput struct {
	Page int `json:"page,omitempty" jsonschema:"page number starting at 1"`
	Size int `json:"size,omitempty" jsonschema:"page size, default 20"`
}

// ProfilesOutput is one page of profiles.
type ProfilesOutput struct {
	Items []ProfileOutput `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
}

// FeedbackInput defines parameters for the deepaudit_feedback tool.
type FeedbackInput struct {
	TraceID string `json:"traceId" jsonschema:"trace ID of the audited decision"`
	Status  string `json:"status" jsonschema:"1 or fp for false positive, 2 or tp for true positive"`
}

// FeedbackOutput reports the label now on the record.
type FeedbackOutput struct {
	TraceID string `json:"traceId"`
	Status  int    `json:"status"`
	Label   string `json:"label"`
	Changed bool   `json:"changed"`
}

// TrendInput defines parameters for the deepaudit_trend tool.
type TrendInput struct {
	Window string `json:"window,omitempty" jsonschema:"lookback window such as 1h or 30m, default 1h"`
}

// TrendPoint is one slot of the trend.
type TrendPoint struct {
	TimeSlot       string  `json:"timeSlot"`
	AggregateScore float64 `json:"aggregateScore"`
	Events         int     `json:"events"`
}

// TrendOutput lists slots oldest first.
type TrendOutput struct {
	Points []TrendPoint `json:"points"`
}

// ConfigGetInput is empty.
type ConfigGetInput struct{}

// ConfigUpdateInput carries the fields to change. Omitted fields keep their
// current values.
type ConfigUpdateInput struct {
	DecayRate            *float64 `json:"decayRate,omitempty" jsonschema:"score units removed per second"`
	ObservationThreshold *float64 `json:"observationThreshold,omitempty" jsonschema:"score at which a user enters OBSERVATION"`
	BlockThreshold       *float64 `json:"blockThreshold,omitempty" jsonschema:"score at which a user is BLOCKED; must exceed observationThreshold"`
	WindowTTL            *int64   `json:"windowTtl,omitempty" jsonschema:"recent-activity horizon in seconds"`
	MLWeight             *float64 `json:"mlWeight,omitempty" jsonschema:"ML blend weight in [0,1]"`
	ModelPath            *string  `json:"modelPath,omitempty" jsonschema:"inference model reference"`
	BlockedPolicy        *string  `json:"blockedPolicy,omitempty" jsonschema:"evaluate or reject"`
	CoefficientPolicy    *string  `json:"coefficientPolicy,omitempty" jsonschema:"sum or capped"`
	CoefficientCap       *float64 `json:"coefficientCap,omitempty" jsonschema:"upper bound when coefficientPolicy is capped"`
}

// TablesInput is empty.
type TablesInput struct{}

// TablesOutput lists registry entries.
type TablesOutput struct {
	Tables []model.SensitiveTable `json:"tables"`
}

// TableUpsertInput defines parameters for the deepaudit_table_upsert tool.
type TableUpsertInput struct {
	ID               int64   `json:"id,omitempty" jsonschema:"existing entry to update; omit to create"`
	TableName        string  `json:"tableName" jsonschema:"table name"`
	SensitivityLevel int     `json:"sensitivityLevel" jsonschema:"sensitivity level 1-4"`
	Coefficient      float64 `json:"coefficient" jsonschema:"positive risk coefficient"`
}

// TableDeleteInput defines parameters for the deepaudit_table_delete tool.
type TableDeleteInput struct {
	ID int64 `json:"id" jsonschema:"entry to delete"`
}

// TableDeleteOutput confirms the deletion.
type TableDeleteOutput struct {
	ID      int64 `json:"id"`
	Deleted bool  `json:"deleted"`
}

// --- Handlers ---

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	d, err := s.engine.EvaluateEvent(ctx, engine.Event{
		AppUserID:     input.AppUserID,
		SQLTemplate:   input.SQLTemplate,
		Statement:     input.Statement,
		TableNames:    input.TableNames,
		ExecutionTime: time.Duration(input.ExecutionMs) * time.Millisecond,
		ClientIP:      input.ClientIP,
		ResultCount:   input.ResultCount,
	})
	if err != nil {
		return nil, EvaluateOutput{}, err
	}
	out := EvaluateOutput{
		TraceID:       d.TraceID,
		AppUserID:     d.AppUserID,
		RiskScore:     d.RiskScore,
		ActionTaken:   string(d.ActionTaken),
		RiskLevel:     string(d.RiskLevel),
		CurrentScore:  d.CurrentScore,
		RuleScore:     d.RuleScore,
		MLScore:       d.MLScore,
		MLFallback:    d.MLFallback,
		TableNames:    d.TableNames,
		Description:   d.Description,
		Excluded:      d.Excluded,
		AuditDegraded: d.AuditDegraded,
	}
	return nil, out, nil
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input UserInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	st, err := s.engine.CheckStatus(ctx, input.AppUserID)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	return nil, CheckOutput{
		Profile: profileOutput(st.Profile),
		Action:  string(st.Action),
		Known:   st.Known,
	}, nil
}

func (s *Server) handleProfile(ctx context.Context, req *mcpsdk.CallToolRequest, input UserInput) (*mcpsdk.CallToolResult, ProfileOutput, error) {
	p, err := s.engine.GetProfile(ctx, input.AppUserID)
	if err != nil {
		return nil, ProfileOutput{}, err
	}
	return nil, profileOutput(p), nil
}

func (s *Server) handleProfiles(ctx context.Context, req *mcpsdk.CallToolRequest, input PageInput) (*mcpsdk.CallToolResult, ProfilesOutput, error) {
	page, err := s.engine.ListProfiles(ctx, input.Page, input.Size)
	if err != nil {
		return nil, ProfilesOutput{}, err
	}
	out := ProfilesOutput{Items: make([]ProfileOutput, 0, len(page.Items)), Total: page.Total, Page: page.Page, Size: page.Size}
	for _, p := range page.Items {
		out.Items = append(out.Items, profileOutput(p))
	}
	return nil, out, nil
}

func (s *Server) handleFeedback(ctx context.Context, req *mcpsdk.CallToolRequest, input FeedbackInput) (*mcpsdk.CallToolResult, FeedbackOutput, error) {
	status, ok := model.ParseFeedbackStatus(input.Status)
	if !ok {
		return nil, FeedbackOutput{}, fmt.Errorf("invalid status %q: use 1 (false positive) or 2 (true positive)", input.Status)
	}
	res, err := s.engine.SubmitFeedback(ctx, input.TraceID, status)
	if err != nil {
		return nil, FeedbackOutput{}, err
	}
	return nil, FeedbackOutput{
		TraceID: res.TraceID,
		Status:  int(res.Status),
		Label:   res.Status.String(),
		Changed: res.Changed,
	}, nil
}

func (s *Server) handleTrend(ctx context.Context, req *mcpsdk.CallToolRequest, input TrendInput) (*mcpsdk.CallToolResult, TrendOutput, error) {
	window := time.Hour
	if input.Window != "" {
		d, err := time.ParseDuration(input.Window)
		if err != nil {
			return nil, TrendOutput{}, fmt.Errorf("invalid window %q: %w", input.Window, err)
		}
		window = d
	}
	points, err := s.engine.GetTrend(ctx, window)
	if err != nil {
		return nil, TrendOutput{}, err
	}
	out := TrendOutput{Points: make([]TrendPoint, 0, len(points))}
	for _, p := range points {
		out.Points = append(out.Points, TrendPoint{
			TimeSlot:       p.Slot.UTC().Format(timeFormat),
			AggregateScore: p.TotalScore,
			Events:         p.Events,
		})
	}
	return nil, out, nil
}

func (s *Server) handleConfigGet(ctx context.Context, req *mcpsdk.CallToolRequest, input ConfigGetInput) (*mcpsdk.CallToolResult, riskconfig.RiskConfig, error) {
	return nil, s.engine.GetConfig(), nil
}

func (s *Server) handleConfigUpdate(ctx context.Context, req *mcpsdk.CallToolRequest, input ConfigUpdateInput) (*mcpsdk.CallToolResult, riskconfig.RiskConfig, error) {
	patch, err := json.Marshal(input)
	if err != nil {
		return nil, riskconfig.RiskConfig{}, err
	}
	candidate, err := riskconfig.MergeJSON(s.engine.GetConfig(), patch)
	if err != nil {
		return nil, riskconfig.RiskConfig{}, err
	}
	if err := s.engine.UpdateConfig(ctx, candidate); err != nil {
		return nil, riskconfig.RiskConfig{}, err
	}
	return nil, s.engine.GetConfig(), nil
}

func (s *Server) handleTables(ctx context.Context, req *mcpsdk.CallToolRequest, input TablesInput) (*mcpsdk.CallToolResult, TablesOutput, error) {
	return nil, TablesOutput{Tables: s.engine.ListSensitiveTables()}, nil
}

func (s *Server) handleTableUpsert(ctx context.Context, req *mcpsdk.CallToolRequest, input TableUpsertInput) (*mcpsdk.CallToolResult, model.SensitiveTable, error) {
	t := model.SensitiveTable{
		ID:               input.ID,
		TableName:        input.TableName,
		SensitivityLevel: input.SensitivityLevel,
		Coefficient:      input.Coefficient,
	}
	var (
		saved model.SensitiveTable
		err   error
	)
	if input.ID == 0 {
		saved, err = s.engine.CreateSensitiveTable(ctx, t)
	} else {
		saved, err = s.engine.UpdateSensitiveTable(ctx, t)
	}
	if err != nil {
		return nil, model.SensitiveTable{}, err
	}
	return nil, saved, nil
}

func (s *Server) handleTableDelete(ctx context.Context, req *mcpsdk.CallToolRequest, input TableDeleteInput) (*mcpsdk.CallToolResult, TableDeleteOutput, error) {
	if err := s.engine.DeleteSensitiveTable(ctx, input.ID); err != nil {
		return nil, TableDeleteOutput{}, err
	}
	return nil, TableDeleteOutput{ID: input.ID, Deleted: true}, nil
}

// --- Helpers ---

func profileOutput(p model.RiskProfile) ProfileOutput {
	out := ProfileOutput{
		AppUserID:    p.AppUserID,
		CurrentScore: p.CurrentScore,
		RiskLevel:    string(p.RiskLevel),
		Description:  p.Description,
	}
	if !p.LastUpdateTime.IsZero() {
		out.LastUpdateTime = p.LastUpdateTime.UTC().Format(timeFormat)
	}
	return out
}
