package mlscore

import (
	"time"

	"github.com/DragonitePlus/DeepAudit/internal/sqlfeat"
)

// Features describe one event for the anomaly model.
type Features struct {
	HourOfDay      int     `json:"hour_of_day"`
	IsWorkday      bool    `json:"is_workday"`
	Freq1Min       int     `json:"freq_1min"`
	SQLTypeWeight  float64 `json:"sql_type_weight"`
	ConditionCount int     `json:"condition_count"`
	JoinCount      int     `json:"join_count"`
	NestedLevel    int     `json:"nested_level"`
	HasAlwaysTrue  bool    `json:"has_always_true"`

	ObservedAt      time.Time `json:"observed_at"`
	SQLLength       int       `json:"sql_length"`
	TablesTouched   int       `json:"tables_touched"`
	Coefficient     float64   `json:"coefficient"`
	ExecutionMillis float64   `json:"execution_ms"`
	ResultCount     int       `json:"result_count"`
	// RecentEventRate is the user's events per minute over the feature window.
	RecentEventRate float64 `json:"recent_event_rate"`
}

// VectorNames is the column order of Vector, matching the trained model.
var VectorNames = []string{
	"hour_of_day", "is_workday", "freq_1min", "sql_type_weight",
	"condition_count", "join_count", "nested_level", "has_always_true",
}

// Vector returns the model input in VectorNames order.
func (f Features) Vector() []float64 {
	return []float64{
		float64(f.HourOfDay),
		boolFloat(f.IsWorkday),
		float64(f.Freq1Min),
		f.SQLTypeWeight,
		float64(f.ConditionCount),
		float64(f.JoinCount),
		float64(f.NestedLevel),
		boolFloat(f.HasAlwaysTrue),
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Activity summarises a user's recent events.
type Activity struct {
	LastMinute int
	InWindow   int
	Window     time.Duration
}

// Rate returns events per minute over the window.
func (a Activity) Rate() float64 {
	if a.Window <= 0 {
		return 0
	}
	return float64(a.InWindow) / a.Window.Minutes()
}

// Build assembles features for an event observed at at.
func Build(at time.Time, st sqlfeat.Statement, tables int, coefficient float64, exec time.Duration, resultCount int, act Activity) Features {
	wd := at.Weekday()
	return Features{
		HourOfDay:       at.Hour(),
		IsWorkday:       wd != time.Saturday && wd != time.Sunday,
		Freq1Min:        act.LastMinute,
		SQLTypeWeight:   st.Weight,
		ConditionCount:  st.ConditionCount,
		JoinCount:       st.JoinCount,
		NestedLevel:     st.NestedLevel,
		HasAlwaysTrue:   st.HasAlwaysTrue,
		ObservedAt:      at,
		SQLLength:       st.Length,
		TablesTouched:   tables,
		Coefficient:     coefficient,
		ExecutionMillis: float64(exec) / float64(time.Millisecond),
		ResultCount:     resultCount,
		RecentEventRate: act.Rate(),
	}
}
