package ckpt

import (
	"context"
	"time"
)

// HealthState classifies a health score.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// Endpoint is a liveness URL. When Service is set the endpoint is also used
// to verify that service after a restore.
type Endpoint struct {
	Name    string
	URL     string
	Service string
	Weight  int
}

// Thresholds maps a 0-100 score to a HealthState.
type Thresholds struct {
	Healthy  int
	Degraded int
}

// DefaultThresholds are used when none are configured.
var DefaultThresholds = Thresholds{Healthy: 80, Degraded: 50}

// Classify maps score to a state.
func (t Thresholds) Classify(score int) HealthState {
	switch {
	case score >= t.Healthy:
		return HealthHealthy
	case score >= t.Degraded:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// CheckResult is the outcome of one weighted check.
type CheckResult struct {
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`
	Weight int    `json:"weight" yaml:"weight"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// HealthReport is one scoring pass.
type HealthReport struct {
	Score     int           `json:"score" yaml:"score"`
	State     HealthState   `json:"state" yaml:"state"`
	Checks    []CheckResult `json:"checks" yaml:"checks"`
	CheckedAt time.Time     `json:"checked_at" yaml:"checked_at"`
}

// HealthStatus is the single persisted health record.
type HealthStatus struct {
	Status              HealthState `json:"status" yaml:"status"`
	ConsecutiveFailures int         `json:"consecutive_failures" yaml:"consecutive_failures"`
	Score               int         `json:"score" yaml:"score"`
	LastCheck           time.Time   `json:"last_check" yaml:"last_check"`
}

// HealthChecker produces a HealthReport.
type HealthChecker interface {
	Check(ctx context.Context) HealthReport
}

const (
	checkKindService  = "service"
	checkKindLiveness = "liveness"
)

// ScorerOptions configures a Scorer.
type ScorerOptions struct {
	Services      []string
	ServiceWeight int
	Endpoints     []Endpoint
	Thresholds    Thresholds
	Timeout       time.Duration
}

// Scorer computes a weighted health score from service-active and liveness
// checks.
type Scorer struct {
	supervisor ServiceSupervisor
	checker    LivenessChecker
	clock      Clock
	opts       ScorerOptions
}

func NewScorer(supervisor ServiceSupervisor, checker LivenessChecker, clock Clock, opts ScorerOptions) *Scorer {
	if opts.ServiceWeight <= 0 {
		opts.ServiceWeight = 1
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds
	}
	return &Scorer{supervisor: supervisor, checker: checker, clock: clock, opts: opts}
}

// Check runs every check once. With no checks configured the state is
// unknown.
func (s *Scorer) Check(ctx context.Context) HealthReport {
	report := HealthReport{CheckedAt: s.clock.Now().UTC()}
	total, passed := 0, 0

	for _, name := range s.opts.Services {
		res := CheckResult{Name: name, Kind: checkKindService, Weight: s.opts.ServiceWeight}
		callCtx, cancel := withTimeout(ctx, s.opts.Timeout)
		active, err := s.supervisor.IsActive(callCtx, name)
		cancel()
		switch {
		case err != nil:
			res.Detail = err.Error()
		case !active:
			res.Detail = "inactive"
		default:
			res.Passed = true
		}
		report.Checks = append(report.Checks, res)
	}
	for _, ep := range s.opts.Endpoints {
		w := ep.Weight
		if w <= 0 {
			w = 1
		}
		res := CheckResult{Name: ep.Name, Kind: checkKindLiveness, Weight: w}
		if s.checker.Reachable(ctx, ep.URL) {
			res.Passed = true
		} else {
			res.Detail = "unreachable: " + ep.URL
		}
		report.Checks = append(report.Checks, res)
	}

	for _, c := range report.Checks {
		total += c.Weight
		if c.Passed {
			passed += c.Weight
		}
	}
	if total == 0 {
		report.State = HealthUnknown
		return report
	}
	report.Score = passed * 100 / total
	report.State = s.opts.Thresholds.Classify(report.Score)
	return report
}

// nextStatus folds a report into the persisted status. The failure counter
// counts consecutive unhealthy readings and resets on anything else.
func nextStatus(prev HealthStatus, report HealthReport) HealthStatus {
	next := HealthStatus{Status: report.State, Score: report.Score, LastCheck: report.CheckedAt}
	if report.State == HealthUnhealthy {
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}
	return next
}
