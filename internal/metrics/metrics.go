// Package metrics exports health monitor observations to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ckpt-go/internal/ckpt"
)

const namespace = "ckpt"

var states = []ckpt.HealthState{ckpt.HealthHealthy, ckpt.HealthDegraded, ckpt.HealthUnhealthy, ckpt.HealthUnknown}

// Monitor implements ckpt.MonitorMetrics on its own registry.
type Monitor struct {
	registry *prometheus.Registry

	score               prometheus.Gauge
	state               *prometheus.GaugeVec
	consecutiveFailures prometheus.Gauge
	checks              *prometheus.GaugeVec
	ticks               prometheus.Counter
	rollbacks           prometheus.Counter
	lastCheck           prometheus.Gauge
}

func NewMonitor() *Monitor {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Monitor{
		registry: reg,
		score: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "health", Name: "score",
			Help: "Weighted health score of the last check (0-100)",
		}),
		// One series per state; the current one is 1.
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "health", Name: "state",
			Help: "Current health state",
		}, []string{"state"}),
		consecutiveFailures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "health", Name: "consecutive_failures",
			Help: "Consecutive unhealthy checks",
		}),
		checks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "health", Name: "check_passed",
			Help: "Whether an individual check passed (1) or failed (0)",
		}, []string{"name", "kind"}),
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "checks_total",
			Help: "Health checks run by the monitor",
		}),
		rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "monitor", Name: "rollbacks_total",
			Help: "Rollbacks triggered by the monitor",
		}),
		lastCheck: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "health", Name: "last_check_timestamp_seconds",
			Help: "Unix time of the last check",
		}),
	}
}

func (m *Monitor) Observe(report ckpt.HealthReport, status ckpt.HealthStatus) {
	m.ticks.Inc()
	m.score.Set(float64(report.Score))
	for _, s := range states {
		v := 0.0
		if s == status.Status {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
	m.consecutiveFailures.Set(float64(status.ConsecutiveFailures))
	for _, c := range report.Checks {
		v := 0.0
		if c.Passed {
			v = 1
		}
		m.checks.WithLabelValues(c.Name, c.Kind).Set(v)
	}
	if !report.CheckedAt.IsZero() {
		m.lastCheck.Set(float64(report.CheckedAt.Unix()))
	}
}

func (m *Monitor) RollbackTriggered() { m.rollbacks.Inc() }

func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, m *Monitor) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(s.ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

var _ ckpt.MonitorMetrics = (*Monitor)(nil)
