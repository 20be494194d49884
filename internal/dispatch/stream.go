package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/router/adapters"
	"github.com/af-corp/aiproxy/internal/stream"
	"github.com/af-corp/aiproxy/internal/telemetry"
	"github.com/af-corp/aiproxy/internal/transcript"
	"github.com/af-corp/aiproxy/internal/types"
)

// ChatStream serves a streaming chat completion. A cached response is
// replayed as events; otherwise the provider's SSE body is decoded as it
// arrives. Failures before the first byte are returned as errors; later
// failures arrive as the stream's terminal Error event. The trace is emitted
// when the stream ends or is closed early. Callers must Close the stream.
//
// Identical concurrent streams share one provider stream: the first caller
// streams from the provider and the others replay its result once it
// completes. A stream that completes successfully is stored in the cache.
func (d *Dispatcher) ChatStream(ctx context.Context, req *types.ChatRequest) (stream.Stream, error) {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, telemetry.SpanStream)
	c := &streamCall{
		d:     d,
		req:   req,
		span:  span,
		start: start,
		trace: telemetry.ProviderTrace{
			Model:     req.Model,
			Operation: telemetry.OpChatStream,
			RequestID: req.RequestID,
			TurnID:    req.TurnID,
			ClientKey: req.ClientKey,
			Streamed:  true,
		},
		rec: transcript.Record{
			Phase:     transcript.PhaseRequest,
			RequestID: req.RequestID,
			TurnID:    req.TurnID,
			Operation: telemetry.OpChatStream,
		},
	}

	s, err := c.open(ctx)
	if err != nil {
		if c.flight != nil {
			d.flights.settle(c.key, c.flight, nil, err)
		}
		c.trace.LatencyMs = d.elapsed(start)
		fail(&c.trace, err)
		c.rec.Phase = transcript.PhaseResponse
		c.rec.Error = err.Error()
		d.logTranscript(ctx, c.rec, nil)
		d.emit(span, c.trace)
		return nil, err
	}
	return s, nil
}

// streamCall is the state of one ChatStream call, finished exactly once by
// the stream's completion hook.
type streamCall struct {
	d     *Dispatcher
	req   *types.ChatRequest
	span  trace.Span
	start time.Time
	trace telemetry.ProviderTrace
	rec   transcript.Record

	key     string
	ttl     time.Duration
	created time.Time
	model   string
	cancel  context.CancelFunc
	ctx     context.Context
	// flight is set when this call leads a shared stream.
	flight *streamFlight
}

func (c *streamCall) open(ctx context.Context) (stream.Stream, error) {
	d := c.d
	st := d.state.Load()
	norm, err := st.normalizer.Chat(c.req)
	if err != nil {
		return nil, err
	}
	c.trace.Model = norm.Model
	c.rec.Model = norm.Model
	c.model = norm.Model
	c.ctx = ctx
	if err := d.checkBudget(ctx, c.req.ClientKey); err != nil {
		return nil, err
	}
	d.logTranscript(ctx, c.rec, c.req)
	c.rec.Phase = transcript.PhaseResponse

	c.key = norm.Key()
	c.ttl = st.settings.CacheTTL
	if c.ttl > 0 && d.cache != nil {
		s, err := c.coalesce(ctx, st.settings.StreamTimeout)
		if s != nil || err != nil {
			return s, err
		}
	}

	adapter, err := d.router.Resolve(norm.Model, adapters.CapChatStream)
	if err != nil {
		return nil, err
	}
	name := adapter.Name()
	c.trace.Provider = name

	var sctx context.Context
	var cancel context.CancelFunc
	if st.settings.StreamTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, st.settings.StreamTimeout)
	} else {
		sctx, cancel = context.WithCancel(ctx)
	}
	callCtx, span, done := d.startCall(sctx, name, 0)
	c.created = d.now()
	resp, err := d.send(adapter, st.settings.MaxRetries, func() (*http.Request, error) {
		return adapter.NewChatRequest(callCtx, norm, c.req.Identifiers, true)
	})
	endCall(span, err)
	done()
	if err != nil {
		cancel()
		d.observe(name, err)
		return nil, err
	}
	c.trace.ProviderRequestID = adapters.RequestID(resp.Header)
	c.cancel = cancel

	return stream.New(sctx, resp.Body, adapter.StreamDecoder(),
		stream.WithProvider(name),
		stream.WithClock(d.now),
		stream.OnComplete(c.finish),
	), nil
}

// coalesce serves the call from the cache or from an identical stream in
// flight. It returns a nil stream and a nil error when the caller leads a new
// flight and has to go upstream. Waiting is bounded by wait when positive.
func (c *streamCall) coalesce(ctx context.Context, wait time.Duration) (stream.Stream, error) {
	d := c.d
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	for {
		if resp, ok := c.cached(ctx); ok {
			d.recordLookup(telemetry.OpChatStream, true)
			return c.replay(resp), nil
		}
		fl, leader := d.flights.join(c.key)
		if leader {
			// Another flight may have filled the key since the lookup.
			if resp, ok := c.cached(ctx); ok {
				d.flights.settle(c.key, fl, resp, nil)
				d.recordLookup(telemetry.OpChatStream, true)
				return c.replay(resp), nil
			}
			c.flight = fl
			d.recordLookup(telemetry.OpChatStream, false)
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, proxyerr.Classify("", ctx.Err())
		case <-fl.done:
		}
		if fl.err != nil {
			return nil, fl.err
		}
		if fl.resp != nil {
			d.recordLookup(telemetry.OpChatStream, true)
			return c.replay(fl.resp), nil
		}
		// The leader's client went away before the end; start over.
	}
}

// cached returns the live cached response for the call. Undecodable entries
// are treated as misses.
func (c *streamCall) cached(ctx context.Context) (*types.ChatResponse, bool) {
	payload, ok := c.d.cache.Lookup(ctx, c.key)
	if !ok {
		return nil, false
	}
	var resp types.ChatResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.d.logger.Warn("discarding undecodable cache entry", "request_id", c.req.RequestID, "error", err)
		return nil, false
	}
	return &resp, true
}

// replay serves a stored or shared response as a stream.
func (c *streamCall) replay(resp *types.ChatResponse) stream.Stream {
	c.trace.Provider = resp.Provider
	c.trace.ProviderRequestID = resp.ProviderRequestID
	c.trace.Cached = true
	return stream.Replay(resp, c.finish)
}

func (c *streamCall) finish(s stream.Summary) {
	if c.cancel != nil {
		defer c.cancel()
	}
	d := c.d
	ctx := context.WithoutCancel(c.ctx)

	t := c.trace
	t.LatencyMs = d.elapsed(c.start)
	t.Abandoned = s.Abandoned
	t.FinishReason = string(s.Reason)
	t.PromptTokens = s.Usage.PromptTokens
	t.CompletionTokens = s.Usage.CompletionTokens
	t.TotalTokens = s.Usage.TotalTokens
	if s.Err != nil {
		fail(&t, s.Err)
	}

	resp := &types.ChatResponse{
		RequestID:         c.req.RequestID,
		TurnID:            c.req.TurnID,
		Model:             c.model,
		Provider:          t.Provider,
		ProviderRequestID: t.ProviderRequestID,
		Text:              s.Text,
		StopReason:        s.Reason,
		Usage:             s.Usage,
		Cached:            t.Cached,
		CreatedAtMs:       c.created.UnixMilli(),
		LatencyMs:         t.LatencyMs,
	}

	if !t.Cached {
		var err error
		if s.Err != nil {
			err = s.Err // avoid a typed nil
		}
		d.observe(t.Provider, err)
		d.recordBudget(ctx, c.req.ClientKey, s.Usage.TotalTokens)
		if s.Err == nil && !s.Abandoned {
			d.store(ctx, c.key, c.ttl, resp)
		}
	}
	if c.flight != nil {
		var shared *types.ChatResponse
		if s.Err == nil && !s.Abandoned {
			shared = shareable(resp)
		}
		var err error
		if s.Err != nil {
			err = s.Err
		}
		d.flights.settle(c.key, c.flight, shared, err)
	}

	rec := c.rec
	rec.Provider = t.Provider
	rec.Cached = t.Cached
	if s.Err != nil {
		rec.Error = s.Err.Error()
	} else if s.Abandoned {
		rec.Error = "stream closed by client"
	}
	d.logTranscript(ctx, rec, resp)
	d.emit(c.span, t)
}

// store caches a completed stream in the same shape Chat caches responses.
func (d *Dispatcher) store(ctx context.Context, key string, ttl time.Duration, resp *types.ChatResponse) {
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(shareable(resp))
	if err != nil {
		d.logger.Warn("encode streamed response failed", "error", proxyerr.IO("encode", err))
		return
	}
	d.cache.Put(ctx, key, payload, ttl)
}

// shareable strips the per-call fields of resp.
func shareable(resp *types.ChatResponse) *types.ChatResponse {
	shared := *resp
	shared.RequestID = ""
	shared.TurnID = ""
	shared.Cached = false
	shared.LatencyMs = 0
	return &shared
}
