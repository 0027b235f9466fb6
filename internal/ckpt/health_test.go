package ckpt_test

import (
	"testing"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/testutil"
)

func TestThresholds_Classify(t *testing.T) {
	th := ckpt.DefaultThresholds
	tests := []struct {
		score int
		want  ckpt.HealthState
	}{
		{100, ckpt.HealthHealthy},
		{80, ckpt.HealthHealthy},
		{79, ckpt.HealthDegraded},
		{50, ckpt.HealthDegraded},
		{49, ckpt.HealthUnhealthy},
		{0, ckpt.HealthUnhealthy},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.score); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestScorer_Check(t *testing.T) {
	tests := []struct {
		name      string
		active    map[string]bool
		up        bool
		wantScore int
		wantState ckpt.HealthState
	}{
		{"all up", map[string]bool{"consul": true, "vault": true}, true, 100, ckpt.HealthHealthy},
		// weights: consul 1, vault 1, endpoint 2
		{"endpoint down", map[string]bool{"consul": true, "vault": true}, false, 50, ckpt.HealthDegraded},
		{"one service down", map[string]bool{"consul": true, "vault": false}, true, 75, ckpt.HealthDegraded},
		{"everything down", map[string]bool{}, false, 0, ckpt.HealthUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := testutil.NewFakeSupervisor()
			sup.AddService("consul", tt.active["consul"], true, "")
			sup.AddService("vault", tt.active["vault"], true, "")
			checker := testutil.NewFakeLiveness()
			checker.SetUp(consulURL, tt.up)

			s := ckpt.NewScorer(sup, checker, testutil.FixedClock(), ckpt.ScorerOptions{
				Services:  []string{"consul", "vault"},
				Endpoints: []ckpt.Endpoint{{Name: "consul-http", URL: consulURL, Weight: 2}},
			})
			report := s.Check(t.Context())
			if report.Score != tt.wantScore || report.State != tt.wantState {
				t.Errorf("Check() = %d %s, want %d %s", report.Score, report.State, tt.wantScore, tt.wantState)
			}
			if len(report.Checks) != 3 {
				t.Errorf("got %d checks, want 3", len(report.Checks))
			}
			if !report.CheckedAt.Equal(testutil.FixedClock().Now()) {
				t.Errorf("CheckedAt = %v", report.CheckedAt)
			}
		})
	}
}

func TestScorer_NoChecksIsUnknown(t *testing.T) {
	s := ckpt.NewScorer(testutil.NewFakeSupervisor(), testutil.NewFakeLiveness(), testutil.FixedClock(), ckpt.ScorerOptions{})
	if got := s.Check(t.Context()); got.State != ckpt.HealthUnknown {
		t.Errorf("State = %s, want unknown", got.State)
	}
}
