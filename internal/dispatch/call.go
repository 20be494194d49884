package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/router/adapters"
	"github.com/af-corp/aiproxy/internal/telemetry"
)

// maxResponseBody bounds a buffered non-streaming provider response.
const maxResponseBody = 32 << 20

// send issues the request built by build, retrying connection failures that
// happened before the request reached the provider. A fresh request is built
// for every attempt. Non-2xx responses are classified and their body closed.
func (d *Dispatcher) send(adapter adapters.ProviderAdapter, maxRetries int, build func() (*http.Request, error)) (*http.Response, error) {
	name := adapter.Name()
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, proxyerr.Classify(name, fmt.Errorf("build %s request: %w", name, err))
		}
		resp, err := adapter.SendRequest(req)
		if err != nil {
			if proxyerr.IsDialFailure(err) && attempt < maxRetries && req.Context().Err() == nil {
				d.logger.Warn("provider dial failed, retrying",
					"provider", name,
					"attempt", attempt+1,
					"error", err,
				)
				continue
			}
			return nil, proxyerr.Classify(name, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			return nil, proxyerr.FromStatus(name, resp.StatusCode, resp.Header, body)
		}
		return resp, nil
	}
}

// readBody reads a successful non-streaming response.
func readBody(name string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, proxyerr.Classify(name, fmt.Errorf("read %s response: %w", name, err))
	}
	if len(body) > maxResponseBody {
		return nil, proxyerr.IO(fmt.Sprintf("%s response exceeds %d bytes", name, maxResponseBody), nil)
	}
	return body, nil
}

// observe feeds the outcome of a provider call to the circuit breakers. Only
// unavailability counts against a provider; any other outcome means it
// answered, which also settles a half-open probe.
func (d *Dispatcher) observe(name string, err error) {
	health := d.router.Health()
	if err != nil && proxyerr.KindOf(err) == proxyerr.KindProviderUnavailable {
		health.RecordFailure(name)
		return
	}
	health.RecordSuccess(name)
}

func providerRequestID(resp *http.Response, fromBody string) string {
	if id := adapters.RequestID(resp.Header); id != "" {
		return id
	}
	return fromBody
}

// startCall opens the provider call span and applies the call deadline.
func (d *Dispatcher) startCall(ctx context.Context, name string, timeout time.Duration) (context.Context, trace.Span, context.CancelFunc) {
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	ctx, span := d.tracer.Start(ctx, telemetry.SpanProviderCall,
		trace.WithAttributes(telemetry.KeyProvider.String(name)))
	return ctx, span, cancel
}

func endCall(span trace.Span, err error) {
	if err != nil {
		pe := proxyerr.Classify("", err)
		span.SetAttributes(telemetry.KeyErrorKind.String(pe.Kind.String()))
		span.SetStatus(codes.Error, pe.Message)
	}
	span.End()
}
