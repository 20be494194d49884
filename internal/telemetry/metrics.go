package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy. It is itself a Sink.
type Metrics struct {
	CallsTotal        *prometheus.CounterVec
	CallDurationMs    *prometheus.HistogramVec
	TokensTotal       *prometheus.CounterVec
	CacheLookupsTotal *prometheus.CounterVec
	StreamsAbandoned  *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	CacheEvictions    prometheus.Counter
	TracesDropped     prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with reg. A nil
// reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiproxy_provider_calls_total",
			Help: "Total number of proxied calls by outcome.",
		}, []string{"provider", "operation", "outcome", "cached"}),

		CallDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aiproxy_provider_call_duration_ms",
			Help:    "Call latency in milliseconds, including provider time.",
			Buckets: []float64{5, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"provider", "operation"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiproxy_tokens_total",
			Help: "Total tokens reported by providers.",
		}, []string{"provider", "model", "direction"}),

		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiproxy_cache_lookups_total",
			Help: "Response cache lookups by result.",
		}, []string{"operation", "result"}),

		StreamsAbandoned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiproxy_streams_abandoned_total",
			Help: "Streams closed by the client before a terminal event.",
		}, []string{"provider"}),

		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aiproxy_rate_limit_hits_total",
			Help: "Requests rejected by client quotas.",
		}, []string{"limit"}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aiproxy_circuit_state",
			Help: "Provider circuit state: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),

		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_cache_evictions_total",
			Help: "Expired cache entries removed by the janitor.",
		}),

		TracesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "aiproxy_traces_dropped_total",
			Help: "Provider traces dropped because a sink queue was full.",
		}),
	}
}

// Record updates call metrics from a completed trace.
func (m *Metrics) Record(t ProviderTrace) {
	cached := "false"
	if t.Cached {
		cached = "true"
	}
	m.CallsTotal.WithLabelValues(t.Provider, t.Operation, t.Outcome(), cached).Inc()
	m.CallDurationMs.WithLabelValues(t.Provider, t.Operation).Observe(float64(t.LatencyMs))

	if t.Abandoned {
		m.StreamsAbandoned.WithLabelValues(t.Provider).Inc()
	}
	// Cached responses cost no provider tokens.
	if t.Cached {
		return
	}
	if t.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(t.Provider, t.Model, "prompt").Add(float64(t.PromptTokens))
	}
	if t.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(t.Provider, t.Model, "completion").Add(float64(t.CompletionTokens))
	}
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(operation, result).Inc()
}

// RecordRateLimitHit counts a request rejected by the named limit.
func (m *Metrics) RecordRateLimitHit(limit string) {
	m.RateLimitHits.WithLabelValues(limit).Inc()
}

// SetCircuitState publishes a provider's breaker state.
func (m *Metrics) SetCircuitState(provider string, state int) {
	m.CircuitState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) RecordCacheEvictions(n int) {
	m.CacheEvictions.Add(float64(n))
}

func (m *Metrics) RecordTraceDropped() {
	m.TracesDropped.Inc()
}
