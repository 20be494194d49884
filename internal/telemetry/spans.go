package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName identifies the proxy's instrumentation scope.
const TracerName = "github.com/af-corp/aiproxy"

// Span names.
const (
	SpanRequest      = "aiproxy.request"
	SpanStream       = "aiproxy.stream"
	SpanProviderCall = "aiproxy.provider_call"
)

// Span attribute keys.
const (
	KeyProvider         = attribute.Key("llm.provider")
	KeyModel            = attribute.Key("llm.model")
	KeyOperation        = attribute.Key("llm.operation")
	KeyTurnID           = attribute.Key("turn.id")
	KeyRequestID        = attribute.Key("req.id")
	KeyProviderReqID    = attribute.Key("llm.req_id")
	KeyLatencyMs        = attribute.Key("latency.ms")
	KeyFinishReason     = attribute.Key("finish.reason")
	KeyCached           = attribute.Key("cache.hit")
	KeyPromptTokens     = attribute.Key("tokens.prompt")
	KeyCompletionTokens = attribute.Key("tokens.completion")
	KeyTotalTokens      = attribute.Key("tokens.total")
	KeyErrorKind        = attribute.Key("error.kind")
	KeyErrorMessage     = attribute.Key("error.message")
)

// Tracer returns the proxy tracer from tp, or a no-op tracer when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return tp.Tracer(TracerName)
}

// Attributes converts a trace into span attributes.
func Attributes(t ProviderTrace) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		KeyProvider.String(t.Provider),
		KeyModel.String(t.Model),
		KeyOperation.String(t.Operation),
		KeyLatencyMs.Int64(t.LatencyMs),
		KeyCached.Bool(t.Cached),
		KeyPromptTokens.Int(t.PromptTokens),
		KeyCompletionTokens.Int(t.CompletionTokens),
		KeyTotalTokens.Int(t.TotalTokens),
	}
	if t.RequestID != "" {
		attrs = append(attrs, KeyRequestID.String(t.RequestID))
	}
	if t.TurnID != "" {
		attrs = append(attrs, KeyTurnID.String(t.TurnID))
	}
	if t.ProviderRequestID != "" {
		attrs = append(attrs, KeyProviderReqID.String(t.ProviderRequestID))
	}
	if t.FinishReason != "" {
		attrs = append(attrs, KeyFinishReason.String(t.FinishReason))
	}
	if t.ErrorKind != "" {
		attrs = append(attrs, KeyErrorKind.String(t.ErrorKind), KeyErrorMessage.String(t.ErrorMessage))
	}
	return attrs
}

// EndSpan annotates span with t and ends it.
func EndSpan(span trace.Span, t ProviderTrace) {
	span.SetAttributes(Attributes(t)...)
	if t.ErrorKind != "" {
		span.SetStatus(codes.Error, t.ErrorMessage)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
