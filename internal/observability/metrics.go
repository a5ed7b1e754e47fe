package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for simulation runs, the
// precedence optimizer, risk scoring and the feedback loop. All recorder
// methods are nil-safe so components can be constructed without metrics.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Ticks             *prometheus.CounterVec
	TickDuration      prometheus.Histogram
	TickFailures      prometheus.Counter
	Conflicts         *prometheus.CounterVec
	SolverPaths       *prometheus.CounterVec
	SolveDuration     prometheus.Histogram
	PredictorFallback prometheus.Counter
	PolicyFailures    prometheus.Counter
	Overrides         *prometheus.CounterVec
	ObserversPruned   prometheus.Counter
	Observers         prometheus.Gauge
	RunsByState       *prometheus.GaugeVec
}

// NewSimCollector registers simulation metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railtwin_ticks_total",
		Help: "Simulation ticks processed, labeled by outcome.",
	}, []string{"outcome"}), "railtwin_ticks_total")
	if err != nil {
		return nil, err
	}

	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "railtwin_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}), "railtwin_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	tickFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railtwin_run_failures_total",
		Help: "Runs stopped because the tick body failed.",
	}), "railtwin_run_failures_total")
	if err != nil {
		return nil, err
	}

	conflicts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railtwin_conflicts_detected_total",
		Help: "Conflicts detected, labeled by type and severity.",
	}, []string{"type", "severity"}), "railtwin_conflicts_detected_total")
	if err != nil {
		return nil, err
	}

	solverPaths, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railtwin_optimizer_solutions_total",
		Help: "Precedence solutions, labeled by solver path (exact or fallback).",
	}, []string{"path"}), "railtwin_optimizer_solutions_total")
	if err != nil {
		return nil, err
	}

	solveDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "railtwin_optimizer_solve_duration_seconds",
		Help:    "Duration of a single precedence solve including fallback.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 0.8, 1},
	}), "railtwin_optimizer_solve_duration_seconds")
	if err != nil {
		return nil, err
	}

	predictorFallback, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railtwin_predictor_fallbacks_total",
		Help: "Risk scores computed by the heuristic because the learned scorer failed.",
	}), "railtwin_predictor_fallbacks_total")
	if err != nil {
		return nil, err
	}

	policyFailures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railtwin_secondary_policy_failures_total",
		Help: "Secondary policy proposals discarded because the policy failed.",
	}), "railtwin_secondary_policy_failures_total")
	if err != nil {
		return nil, err
	}

	overrides, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "railtwin_overrides_total",
		Help: "Human overrides recorded, labeled by the store that accepted them.",
	}, []string{"store"}), "railtwin_overrides_total")
	if err != nil {
		return nil, err
	}

	pruned, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "railtwin_observers_pruned_total",
		Help: "Snapshot observers removed after a failed or slow send.",
	}), "railtwin_observers_pruned_total")
	if err != nil {
		return nil, err
	}

	observers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "railtwin_observers",
		Help: "Snapshot observers currently subscribed across all runs.",
	}), "railtwin_observers")
	if err != nil {
		return nil, err
	}

	runs, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "railtwin_runs",
		Help: "Simulation runs, labeled by lifecycle state.",
	}, []string{"state"}), "railtwin_runs")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:          gatherer,
		Ticks:             ticks,
		TickDuration:      tickDuration,
		TickFailures:      tickFailures,
		Conflicts:         conflicts,
		SolverPaths:       solverPaths,
		SolveDuration:     solveDuration,
		PredictorFallback: predictorFallback,
		PolicyFailures:    policyFailures,
		Overrides:         overrides,
		ObserversPruned:   pruned,
		Observers:         observers,
		RunsByState:       runs,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records one processed tick.
func (c *SimCollector) ObserveTick(d time.Duration, failed bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
		if c.TickFailures != nil {
			c.TickFailures.Inc()
		}
	}
	if c.Ticks != nil {
		c.Ticks.WithLabelValues(outcome).Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
}

// IncConflict counts a detected conflict.
func (c *SimCollector) IncConflict(kind, severity string) {
	if c == nil || c.Conflicts == nil {
		return
	}
	c.Conflicts.WithLabelValues(kind, severity).Inc()
}

// ObserveSolve records which optimizer path produced a solution.
func (c *SimCollector) ObserveSolve(path string, d time.Duration) {
	if c == nil {
		return
	}
	if c.SolverPaths != nil {
		c.SolverPaths.WithLabelValues(path).Inc()
	}
	if c.SolveDuration != nil {
		c.SolveDuration.Observe(d.Seconds())
	}
}

// IncPredictorFallback counts a per-call heuristic fallback.
func (c *SimCollector) IncPredictorFallback() {
	if c == nil || c.PredictorFallback == nil {
		return
	}
	c.PredictorFallback.Inc()
}

// IncPolicyFailure counts a discarded secondary policy proposal.
func (c *SimCollector) IncPolicyFailure() {
	if c == nil || c.PolicyFailures == nil {
		return
	}
	c.PolicyFailures.Inc()
}

// IncOverride counts an override accepted by the named store.
func (c *SimCollector) IncOverride(store string) {
	if c == nil || c.Overrides == nil {
		return
	}
	c.Overrides.WithLabelValues(store).Inc()
}

// ObserverAdded adjusts the live observer gauge.
func (c *SimCollector) ObserverAdded() {
	if c == nil || c.Observers == nil {
		return
	}
	c.Observers.Inc()
}

// ObserverRemoved adjusts the live observer gauge; pruned marks removals
// caused by send failures rather than explicit unsubscribe.
func (c *SimCollector) ObserverRemoved(pruned bool) {
	if c == nil {
		return
	}
	if c.Observers != nil {
		c.Observers.Dec()
	}
	if pruned && c.ObserversPruned != nil {
		c.ObserversPruned.Inc()
	}
}

// RunTransition moves one run between lifecycle gauges. An empty from
// records a newly created run.
func (c *SimCollector) RunTransition(from, to string) {
	if c == nil || c.RunsByState == nil || from == to {
		return
	}
	if from != "" {
		c.RunsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		c.RunsByState.WithLabelValues(to).Inc()
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
