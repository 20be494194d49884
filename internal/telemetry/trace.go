// Package telemetry records one ProviderTrace per proxied call and fans it out
// to logs, metrics and the trace table.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	OpChat       = "chat"
	OpChatStream = "chat_stream"
	OpEmbed      = "embed"
)

// ProviderTrace is the telemetry record emitted exactly once per call,
// whether it succeeded, failed, was served from cache or was abandoned.
type ProviderTrace struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	Operation         string `json:"operation"`
	RequestID         string `json:"request_id,omitempty"`
	TurnID            string `json:"turn_id,omitempty"`
	ProviderRequestID string `json:"provider_request_id,omitempty"`
	ClientKey         string `json:"client_key,omitempty"`
	Streamed          bool   `json:"streamed"`
	Cached            bool   `json:"cached"`
	Abandoned         bool   `json:"abandoned,omitempty"`
	LatencyMs         int64  `json:"latency_ms"`
	FinishReason      string `json:"finish_reason,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	PromptTokens      int    `json:"prompt_tokens"`
	CompletionTokens  int    `json:"completion_tokens"`
	TotalTokens       int    `json:"total_tokens"`
}

// Outcome is "ok" for successful calls and the error kind otherwise.
func (t ProviderTrace) Outcome() string {
	if t.ErrorKind == "" {
		return "ok"
	}
	return t.ErrorKind
}

// Sink receives provider traces. Implementations must not block the caller
// for long; slow sinks belong behind an AsyncSink.
type Sink interface {
	Record(ProviderTrace)
}

type NopSink struct{}

func (NopSink) Record(ProviderTrace) {}

// MultiSink forwards each trace to every sink in order.
type MultiSink []Sink

func (m MultiSink) Record(t ProviderTrace) {
	for _, s := range m {
		SafeRecord(s, t)
	}
}

// SafeRecord delivers t to s, swallowing panics so that telemetry never
// fails a request.
func SafeRecord(s Sink, t ProviderTrace) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry sink panicked", "panic", r, "provider", t.Provider)
		}
	}()
	s.Record(t)
}

// LogSink writes traces as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(t ProviderTrace) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if t.ErrorKind != "" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "provider call",
		"provider", t.Provider,
		"model", t.Model,
		"operation", t.Operation,
		"request_id", t.RequestID,
		"turn_id", t.TurnID,
		"provider_request_id", t.ProviderRequestID,
		"streamed", t.Streamed,
		"cached", t.Cached,
		"abandoned", t.Abandoned,
		"latency_ms", t.LatencyMs,
		"finish_reason", t.FinishReason,
		"prompt_tokens", t.PromptTokens,
		"completion_tokens", t.CompletionTokens,
		"error_kind", t.ErrorKind,
		"error", t.ErrorMessage,
	)
}

// AsyncSink decouples callers from a slow sink with a bounded queue. When the
// queue is full the trace is dropped and counted.
type AsyncSink struct {
	next    Sink
	queue   chan ProviderTrace
	done    chan struct{}
	dropped atomic.Uint64
	onDrop  func()

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsyncSink starts a worker draining into next. onDrop may be nil.
func NewAsyncSink(next Sink, buffer int, onDrop func()) *AsyncSink {
	if buffer <= 0 {
		buffer = 1
	}
	s := &AsyncSink{
		next:   next,
		queue:  make(chan ProviderTrace, buffer),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for t := range s.queue {
		SafeRecord(s.next, t)
	}
}

func (s *AsyncSink) Record(t ProviderTrace) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop()
		return
	}
	select {
	case s.queue <- t:
	default:
		s.drop()
	}
}

func (s *AsyncSink) drop() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}

func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close stops accepting traces and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
}
