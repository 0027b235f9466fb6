package ckpt

import (
	"context"
	"fmt"
	"time"
)

// MonitorMetrics receives monitor observations.
type MonitorMetrics interface {
	Observe(report HealthReport, status HealthStatus)
	RollbackTriggered()
}

// RollbackTrigger is invoked once when the failure threshold is reached.
type RollbackTrigger interface {
	HandleUnhealthy(ctx context.Context, reason string) (*RollbackResult, error)
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Interval    time.Duration
	MaxFailures int
	Logger      Logger
	Clock       Clock
	Metrics     MonitorMetrics
}

// MonitorResult summarizes one monitor run.
type MonitorResult struct {
	Ticks     int
	Triggered bool
	Final     HealthStatus
	Rollback  *RollbackResult
}

// Monitor polls health and triggers a rollback after MaxFailures
// consecutive unhealthy readings. It owns the health status record.
type Monitor struct {
	checker HealthChecker
	store   HealthStore
	trigger RollbackTrigger
	opts    MonitorOptions
}

func NewMonitor(checker HealthChecker, store HealthStore, trigger RollbackTrigger, opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	return &Monitor{checker: checker, store: store, trigger: trigger, opts: opts}
}

// Tick runs one scoring pass, folds it into the persisted status and
// returns the new status.
func (m *Monitor) Tick(ctx context.Context, prev HealthStatus) (HealthReport, HealthStatus) {
	report := m.checker.Check(ctx)
	status := nextStatus(prev, report)
	if err := m.store.Save(status); err != nil {
		m.opts.Logger.Error("saving health status failed", "err", err)
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.Observe(report, status)
	}
	return report, status
}

// Run polls until the failure threshold triggers a rollback or ctx is
// done. A triggered rollback ends the run; it never fires twice.
func (m *Monitor) Run(ctx context.Context) (*MonitorResult, error) {
	result := &MonitorResult{Final: HealthStatus{Status: HealthUnknown}}
	m.opts.Logger.Info("health monitor started", "interval", m.opts.Interval, "max_failures", m.opts.MaxFailures)

	for {
		if ctx.Err() != nil {
			return result, nil
		}
		report, status := m.Tick(ctx, result.Final)
		result.Ticks++
		result.Final = status
		m.opts.Logger.Info("health tick", "state", string(report.State), "score", report.Score, "consecutive_failures", status.ConsecutiveFailures)

		if status.ConsecutiveFailures >= m.opts.MaxFailures {
			reason := fmt.Sprintf("health monitor: %d consecutive unhealthy readings", status.ConsecutiveFailures)
			m.opts.Logger.Error("failure threshold reached, triggering rollback", "failures", status.ConsecutiveFailures)
			result.Triggered = true
			if m.opts.Metrics != nil {
				m.opts.Metrics.RollbackTriggered()
			}
			rb, err := m.trigger.HandleUnhealthy(ctx, reason)
			result.Rollback = rb
			if err != nil {
				return result, fmt.Errorf("automatic rollback: %w", err)
			}
			return result, nil
		}
		if err := m.opts.Clock.Sleep(ctx, m.opts.Interval); err != nil {
			return result, nil
		}
	}
}
