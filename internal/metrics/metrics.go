package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for experiment execution.
// All methods are safe on a nil receiver.
type EngineMetrics struct {
	attemptsTotal    *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	callLatency      *prometheus.HistogramVec
	limiterWait      *prometheus.HistogramVec
	limiterThrottled *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	unitsPersisted   prometheus.Counter
}

// NewEngineMetrics registers the engine collectors with reg, or with the
// default registerer when reg is nil.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadlab",
			Subsystem: "llm",
			Name:      "attempts_total",
			Help:      "LLM call attempts by model and outcome",
		}, []string{"model", "outcome"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadlab",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens billed by model and kind",
		}, []string{"model", "kind"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadlab",
			Subsystem: "llm",
			Name:      "call_latency_seconds",
			Help:      "Latency of chat completion calls",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"model"}),
		limiterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadlab",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a rate limiter permit",
			Buckets:   []float64{0, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"credential"}),
		limiterThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadlab",
			Subsystem: "ratelimit",
			Name:      "throttled_total",
			Help:      "Acquires that had to wait for the window to free up",
		}, []string{"credential"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadlab",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Prediction runs by outcome",
		}, []string{"outcome"}),
		unitsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadlab",
			Subsystem: "engine",
			Name:      "units_persisted_total",
			Help:      "Predicted bundles written",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.attemptsTotal, m.tokensTotal, m.callLatency,
		m.limiterWait, m.limiterThrottled, m.runsTotal, m.unitsPersisted)
	return m
}

func (m *EngineMetrics) ObserveAttempt(model string, success bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.attemptsTotal.WithLabelValues(model, outcome).Inc()
	m.callLatency.WithLabelValues(model).Observe(seconds)
}

func (m *EngineMetrics) ObserveTokens(model string, prompt, completion, reasoning int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	m.tokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	if reasoning > 0 {
		m.tokensTotal.WithLabelValues(model, "reasoning").Add(float64(reasoning))
	}
}

func (m *EngineMetrics) ObserveLimiterWait(credential string, seconds float64, throttled bool) {
	if m == nil {
		return
	}
	m.limiterWait.WithLabelValues(credential).Observe(seconds)
	if throttled {
		m.limiterThrottled.WithLabelValues(credential).Inc()
	}
}

func (m *EngineMetrics) ObserveRun(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveUnitPersisted() {
	if m == nil {
		return
	}
	m.unitsPersisted.Inc()
}
