package mlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPScorer calls a JSON inference endpoint such as /predict_risk.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPScorer creates a scorer posting to endpoint. A nil client uses
// http.DefaultClient; call deadlines come from the context.
func NewHTTPScorer(endpoint string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPScorer{endpoint: endpoint, client: client}
}

type httpScoreRequest struct {
	ModelPath string    `json:"model_path,omitempty"`
	Features  Features  `json:"features"`
	Columns   []string  `json:"columns"`
	Vector    []float64 `json:"vector"`

	// Flat fields read by the reference Python service.
	Timestamp int64   `json:"timestamp"`
	RowCount  int     `json:"row_count"`
	ExecTime  float64 `json:"exec_time"`
	SQLLength int     `json:"sql_length"`
	NumTables int     `json:"num_tables"`
	NumJoins  int     `json:"num_joins"`
	Freq1Min  int     `json:"freq_1min"`
}

type httpScoreResponse struct {
	Status              string   `json:"status"`
	Message             string   `json:"message"`
	Score               *float64 `json:"score"`
	NormalizedRiskScore *float64 `json:"normalized_risk_score"`
}

// Score posts the features and decodes the anomaly score. A
// normalized_risk_score on the 0..100 scale is divided by 100.
func (s *HTTPScorer) Score(ctx context.Context, modelPath string, f Features) (float64, error) {
	body, err := json.Marshal(httpScoreRequest{
		ModelPath: modelPath,
		Features:  f,
		Columns:   VectorNames,
		Vector:    f.Vector(),
		Timestamp: f.ObservedAt.UnixMilli(),
		RowCount:  f.ResultCount,
		ExecTime:  f.ExecutionMillis,
		SQLLength: f.SQLLength,
		NumTables: f.TablesTouched,
		NumJoins:  f.JoinCount,
		Freq1Min:  f.Freq1Min,
	})
	if err != nil {
		return 0, fmt.Errorf("mlscore: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("mlscore: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("mlscore: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("mlscore: read response: %w", err)
	}

	var out httpScoreResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("mlscore: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || out.Status == "error" {
		return 0, fmt.Errorf("mlscore: inference failed (status %d): %s", resp.StatusCode, out.Message)
	}

	switch {
	case out.Score != nil:
		return *out.Score, nil
	case out.NormalizedRiskScore != nil:
		return *out.NormalizedRiskScore / 100, nil
	default:
		return 0, fmt.Errorf("mlscore: response carries no score")
	}
}
