package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/robfig/cron/v3"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker reports whether the research backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// BackendHealth is the last observed backend health.
type BackendHealth struct {
	Up        bool      `json:"up"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// HealthProbe polls the backend on a cron schedule.
type HealthProbe struct {
	checker HealthChecker
	cron    *cron.Cron
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	last BackendHealth
}

// NewHealthProbe schedules checker on schedule, a standard five-field cron
// expression or a descriptor such as "@every 30s".
func NewHealthProbe(checker HealthChecker, schedule string, log *logger.Logger, m *metrics.Metrics) (*HealthProbe, error) {
	p := &HealthProbe{
		checker: checker,
		cron:    cron.New(),
		logger:  log.WithComponent("health-probe"),
		metrics: m,
		now:     time.Now,
	}
	if _, err := p.cron.AddFunc(schedule, func() { p.Check(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid health check schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start runs one check immediately and then follows the schedule.
func (p *HealthProbe) Start() {
	p.Check(context.Background())
	p.cron.Start()
	p.logger.Info("health probe started")
}

// Stop halts the schedule and waits for a running check.
func (p *HealthProbe) Stop() {
	<-p.cron.Stop().Done()
	p.logger.Info("health probe stopped")
}

// Check probes the backend once and records the result.
func (p *HealthProbe) Check(ctx context.Context) BackendHealth {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	result := BackendHealth{CheckedAt: p.now()}
	if err := p.checker.Health(ctx); err != nil {
		result.Error = err.Error()
	} else {
		result.Up = true
	}

	p.mu.Lock()
	changed := p.last.Up != result.Up || p.last.CheckedAt.IsZero()
	p.last = result
	p.mu.Unlock()

	p.metrics.SetBackendUp(result.Up)
	if changed {
		if result.Up {
			p.logger.Info("research backend is up")
		} else {
			p.logger.Warn("research backend is down", slog.String("error", result.Error))
		}
	}
	return result
}

// Status returns the last recorded result.
func (p *HealthProbe) Status() BackendHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}
