package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/railtwin/internal/logging"
)

func TestObserveTickRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.ObserveTick(5*time.Millisecond, false)
	collector.ObserveTick(5*time.Millisecond, false)
	collector.ObserveTick(0, true)

	if got := testutil.ToFloat64(collector.Ticks.WithLabelValues("ok")); got != 2 {
		t.Fatalf("railtwin_ticks_total{outcome=ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.TickFailures); got != 1 {
		t.Fatalf("railtwin_run_failures_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "railtwin_tick_duration_seconds", nil); count != 3 {
		t.Fatalf("railtwin_tick_duration_seconds sample_count = %d, want 3", count)
	}
}

func TestSolveAndConflictCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.IncConflict("head-on", "critical")
	collector.IncConflict("head-on", "critical")
	collector.ObserveSolve("exact", time.Millisecond)
	collector.ObserveSolve("fallback", 800*time.Millisecond)
	collector.IncPredictorFallback()
	collector.IncPolicyFailure()
	collector.IncOverride("badger")

	if got := testutil.ToFloat64(collector.Conflicts.WithLabelValues("head-on", "critical")); got != 2 {
		t.Fatalf("conflicts{head-on,critical} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.SolverPaths.WithLabelValues("fallback")); got != 1 {
		t.Fatalf("solutions{fallback} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "railtwin_optimizer_solve_duration_seconds", nil); count != 2 {
		t.Fatalf("solve duration sample_count = %d, want 2", count)
	}
	if testutil.ToFloat64(collector.PredictorFallback) != 1 || testutil.ToFloat64(collector.PolicyFailures) != 1 {
		t.Fatalf("fallback/policy failure counters not incremented")
	}
	if got := testutil.ToFloat64(collector.Overrides.WithLabelValues("badger")); got != 1 {
		t.Fatalf("overrides{badger} = %v, want 1", got)
	}
}

func TestRunAndObserverGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.RunTransition("", "created")
	collector.RunTransition("created", "running")
	collector.RunTransition("running", "running")
	collector.ObserverAdded()
	collector.ObserverAdded()
	collector.ObserverRemoved(true)

	if got := testutil.ToFloat64(collector.RunsByState.WithLabelValues("running")); got != 1 {
		t.Fatalf("runs{running} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RunsByState.WithLabelValues("created")); got != 0 {
		t.Fatalf("runs{created} = %v, want 0", got)
	}
	if testutil.ToFloat64(collector.Observers) != 1 || testutil.ToFloat64(collector.ObserversPruned) != 1 {
		t.Fatalf("observer gauge/pruned counter mismatch")
	}
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	second, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("second NewSimCollector: %v", err)
	}
	first.IncOverride("file")
	if got := testutil.ToFloat64(second.Overrides.WithLabelValues("file")); got != 1 {
		t.Fatalf("second collector sees %v overrides, want shared 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SimCollector
	c.ObserveTick(time.Second, true)
	c.IncConflict("head-on", "low")
	c.ObserveSolve("exact", 0)
	c.IncPredictorFallback()
	c.IncPolicyFailure()
	c.IncOverride("badger")
	c.ObserverAdded()
	c.ObserverRemoved(true)
	c.RunTransition("", "created")
	if c.Handler() == nil {
		t.Fatalf("nil collector returned nil handler")
	}
}

func TestMetricsHandlerExposesSimMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	collector.ObserveTick(time.Millisecond, false)
	collector.IncConflict("platform", "medium")
	collector.ObserveSolve("exact", time.Millisecond)
	collector.RunTransition("", "created")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"railtwin_ticks_total",
		"railtwin_tick_duration_seconds",
		"railtwin_conflicts_detected_total",
		"railtwin_optimizer_solutions_total",
		"railtwin_runs",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
	if !strings.Contains(body, `type="platform"`) {
		t.Fatalf("/metrics output missing conflict labels: %s", body)
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("RAILTWIN_TRACING_ENABLED", "true")
	t.Setenv("RAILTWIN_TRACING_EXPORTER", "stdout")
	t.Setenv("RAILTWIN_TRACING_SAMPLE_RATIO", "0.25")
	cfg := TracingConfigFromEnv(DefaultTracingConfig())
	if !cfg.Enabled || cfg.Exporter != "stdout" || cfg.SampleRatio != 0.25 {
		t.Fatalf("TracingConfigFromEnv() = %+v", cfg)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
