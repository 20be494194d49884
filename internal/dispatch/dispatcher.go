// Package dispatch runs one proxied call end to end: normalization, cache and
// single-flight, routing, the provider call and its telemetry.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/af-corp/aiproxy/internal/cache"
	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/normalize"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/router"
	"github.com/af-corp/aiproxy/internal/telemetry"
	"github.com/af-corp/aiproxy/internal/transcript"
)

// Budget gates calls on a client's remaining token allowance.
type Budget interface {
	Check(ctx context.Context, clientKey string) error
	Record(ctx context.Context, clientKey string, tokens int)
}

// Settings are the call limits and normalization options. They can be
// replaced at runtime with Configure.
type Settings struct {
	Timeout       time.Duration
	StreamTimeout time.Duration
	// MaxRetries bounds retries of connection failures that happen before
	// any byte reached the provider.
	MaxRetries int
	CacheTTL   time.Duration
	Normalize  normalize.Options
}

// SettingsFromConfig extracts dispatcher settings from a config snapshot.
func SettingsFromConfig(snap *config.Snapshot) Settings {
	s := Settings{
		Timeout:       snap.Routing.Timeout,
		StreamTimeout: snap.Routing.StreamTimeout,
		MaxRetries:    snap.Routing.MaxRetries,
		CacheTTL:      snap.Config.Cache.TTL(),
		Normalize: normalize.Options{
			MaxOutputTokens:        snap.Config.Normalize.MaxOutputTokens,
			DefaultMaxOutputTokens: snap.Config.Normalize.DefaultMaxOutputTokens,
			DefaultTemperature:     snap.Config.Normalize.DefaultTemperature,
			DefaultTopP:            snap.Config.Normalize.DefaultTopP,
		},
	}
	if snap.Config.Cache.Backend == config.CacheBackendNone {
		s.CacheTTL = 0
	}
	return s
}

// DefaultSettings mirrors the default config.
func DefaultSettings() Settings {
	r := config.DefaultRouting()
	return Settings{
		Timeout:       r.Timeout,
		StreamTimeout: r.StreamTimeout,
		MaxRetries:    r.MaxRetries,
		CacheTTL:      config.DefaultConfig().Cache.TTL(),
		Normalize:     normalize.DefaultOptions(),
	}
}

type state struct {
	settings   Settings
	normalizer *normalize.Normalizer
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	router     *router.Router
	cache      *cache.Cache
	flights    streamFlights
	state      atomic.Pointer[state]
	sink       telemetry.Sink
	metrics    *telemetry.Metrics
	tracer     trace.Tracer
	transcript transcript.Logger
	durability transcript.Durability
	budget     Budget
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Dispatcher)

// WithCache enables response caching. A nil cache disables it.
func WithCache(c *cache.Cache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithSink sets the receiver of provider traces.
func WithSink(s telemetry.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithMetrics records cache lookups. Call metrics come from the sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = telemetry.Tracer(tp) }
}

// WithTranscript sends raw requests and responses to l, tagged with durability.
func WithTranscript(l transcript.Logger, durability transcript.Durability) Option {
	return func(d *Dispatcher) {
		d.transcript = l
		d.durability = durability
	}
}

func WithBudget(b Budget) Option {
	return func(d *Dispatcher) { d.budget = b }
}

func WithSettings(s Settings) Option {
	return func(d *Dispatcher) { d.Configure(s) }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(r *router.Router, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:     r,
		sink:       telemetry.NopSink{},
		tracer:     telemetry.Tracer(nil),
		transcript: transcript.NopLogger{},
		durability: transcript.DurabilityCommit,
		logger:     slog.Default(),
		now:        time.Now,
	}
	d.Configure(DefaultSettings())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Configure replaces the settings used by calls started afterwards.
func (d *Dispatcher) Configure(s Settings) {
	d.state.Store(&state{settings: s, normalizer: normalize.New(s.Normalize)})
}

func (d *Dispatcher) Settings() Settings {
	return d.state.Load().settings
}

// emit finishes span with t and hands t to the sink exactly once.
func (d *Dispatcher) emit(span trace.Span, t telemetry.ProviderTrace) {
	telemetry.EndSpan(span, t)
	telemetry.SafeRecord(d.sink, t)
}

// fail fills the error fields of t from err.
func fail(t *telemetry.ProviderTrace, err error) {
	pe := proxyerr.Classify(t.Provider, err)
	t.ErrorKind = pe.Kind.String()
	t.ErrorMessage = pe.Message
	if t.Provider == "" {
		t.Provider = pe.Provider
	}
}

func (d *Dispatcher) elapsed(start time.Time) int64 {
	return d.now().Sub(start).Milliseconds()
}

func (d *Dispatcher) checkBudget(ctx context.Context, clientKey string) error {
	if d.budget == nil || clientKey == "" {
		return nil
	}
	return d.budget.Check(ctx, clientKey)
}

func (d *Dispatcher) recordBudget(ctx context.Context, clientKey string, tokens int) {
	if d.budget == nil || clientKey == "" || tokens <= 0 {
		return
	}
	d.budget.Record(context.WithoutCancel(ctx), clientKey, tokens)
}

func (d *Dispatcher) recordLookup(operation string, hit bool) {
	if d.metrics != nil && d.cache != nil {
		d.metrics.RecordCacheLookup(operation, hit)
	}
}

// logTranscript writes rec. Failures are logged and never fail the call.
func (d *Dispatcher) logTranscript(ctx context.Context, rec transcript.Record, payload any) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			d.logger.Warn("transcript encode failed", "request_id", rec.RequestID, "error", err)
			return
		}
		if rec.Phase == transcript.PhaseRequest {
			rec.Request = data
		} else {
			rec.Response = data
		}
	}
	rec.Time = d.now()
	rec.Durability = d.durability
	if err := d.transcript.Log(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Warn("transcript write failed", "request_id", rec.RequestID, "error", err)
	}
}
