package model

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestNewRiskProfileDefaults(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := NewRiskProfile("alice", now)

	if p.AppUserID != "alice" {
		t.Errorf("expected appUserId=alice, got %s", p.AppUserID)
	}
	if p.CurrentScore != 0 {
		t.Errorf("expected score 0, got %f", p.CurrentScore)
	}
	if p.RiskLevel != Normal {
		t.Errorf("expected NORMAL, got %s", p.RiskLevel)
	}
	if !p.LastUpdateTime.Equal(now) {
		t.Errorf("expected lastUpdateTime=%v, got %v", now, p.LastUpdateTime)
	}
}

func TestParseFeedbackStatus(t *testing.T) {
	tests := []struct {
		in   string
		want FeedbackStatus
		ok   bool
	}{
		{"1", FalsePositive, true},
		{"fp", FalsePositive, true},
		{"2", TruePositive, true},
		{"TP", TruePositive, true},
		{"0", Unmarked, false},
		{"maybe", Unmarked, false},
	}
	for _, tt := range tests {
		got, ok := ParseFeedbackStatus(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseFeedbackStatus(%q) = %v,%v want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFeedbackStatusValid(t *testing.T) {
	if Unmarked.Valid() {
		t.Error("unmarked must not be a submittable label")
	}
	if !FalsePositive.Valid() || !TruePositive.Valid() {
		t.Error("labels 1 and 2 must be valid")
	}
	if FeedbackStatus(3).Valid() {
		t.Error("label 3 must be invalid")
	}
}

func TestParseRiskLevel(t *testing.T) {
	if ParseRiskLevel("blocked") != Blocked {
		t.Error("expected BLOCKED")
	}
	if ParseRiskLevel(" observation ") != Observation {
		t.Error("expected OBSERVATION")
	}
	if ParseRiskLevel("???") != Normal {
		t.Error("expected NORMAL for unknown input")
	}
}

func TestPaginate(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}

	p := Paginate(all, 2, 2)
	if p.Total != 5 || len(p.Items) != 2 || p.Items[0] != 3 {
		t.Errorf("unexpected page: %+v", p)
	}

	last := Paginate(all, 3, 2)
	if len(last.Items) != 1 || last.Items[0] != 5 {
		t.Errorf("unexpected last page: %+v", last)
	}

	past := Paginate(all, 9, 2)
	if len(past.Items) != 0 || past.Total != 5 {
		t.Errorf("expected empty page past the end, got %+v", past)
	}

	clamped := Paginate(all, 0, 0)
	if clamped.Page != 1 || clamped.Size != 20 || len(clamped.Items) != 5 {
		t.Errorf("expected clamped defaults, got %+v", clamped)
	}
}

func TestPaginateHugePageNumbers(t *testing.T) {
	all := []int{1, 2, 3}
	for _, page := range []int{math.MaxInt, math.MaxInt/20 + 7, MaxPage + 1} {
		p := Paginate(all, page, 20)
		if len(p.Items) != 0 || p.Total != 3 {
			t.Errorf("page %d: expected empty page, got %+v", page, p)
		}
		if p.Page != MaxPage {
			t.Errorf("page %d: expected page clamped to %d, got %d", page, MaxPage, p.Page)
		}
	}
}

func TestNormalizePageBoundsOffset(t *testing.T) {
	page, size := NormalizePage(math.MaxInt, math.MaxInt)
	if page != MaxPage || size != MaxPageSize {
		t.Fatalf("unexpected bounds: page=%d size=%d", page, size)
	}
	if off := Offset(page, size); off <= 0 {
		t.Errorf("offset must stay positive, got %d", off)
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	err := fmt.Errorf("lookup trace: %w", ErrNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapped ErrNotFound must match")
	}
}
