package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eternisai/research-dashboard/internal/logger"
	"github.com/eternisai/research-dashboard/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) Health(ctx context.Context) error { return f(ctx) }

func TestNewHealthProbeRejectsBadSchedule(t *testing.T) {
	_, err := NewHealthProbe(checkerFunc(func(context.Context) error { return nil }), "every now and then", logger.Discard(), nil)
	if err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestHealthProbeCheck(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	var failing error
	probe, err := NewHealthProbe(checkerFunc(func(context.Context) error { return failing }), "@every 1m", logger.Discard(), m)
	if err != nil {
		t.Fatalf("NewHealthProbe failed: %v", err)
	}
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	probe.now = func() time.Time { return fixed }

	if got := probe.Status(); got.Up || !got.CheckedAt.IsZero() {
		t.Fatalf("expected empty status before first check, got %+v", got)
	}

	res := probe.Check(context.Background())
	if !res.Up || !res.CheckedAt.Equal(fixed) {
		t.Errorf("unexpected result %+v", res)
	}
	if got := testutil.ToFloat64(m.BackendUp); got != 1 {
		t.Errorf("expected backend_up 1, got %v", got)
	}

	failing = errors.New("503 Service Unavailable")
	probe.Check(context.Background())
	status := probe.Status()
	if status.Up || status.Error != "503 Service Unavailable" {
		t.Errorf("unexpected status %+v", status)
	}
	if got := testutil.ToFloat64(m.BackendUp); got != 0 {
		t.Errorf("expected backend_up 0, got %v", got)
	}
}

func TestHealthProbeStartStop(t *testing.T) {
	calls := make(chan struct{}, 1)
	probe, err := NewHealthProbe(checkerFunc(func(context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}), "@every 1h", logger.Discard(), nil)
	if err != nil {
		t.Fatalf("NewHealthProbe failed: %v", err)
	}

	probe.Start()
	probe.Stop()

	select {
	case <-calls:
	default:
		t.Fatal("Start did not run an initial check")
	}
	if !probe.Status().Up {
		t.Error("expected backend up after initial check")
	}
}
