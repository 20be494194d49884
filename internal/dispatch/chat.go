package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/af-corp/aiproxy/internal/normalize"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/router/adapters"
	"github.com/af-corp/aiproxy/internal/telemetry"
	"github.com/af-corp/aiproxy/internal/transcript"
	"github.com/af-corp/aiproxy/internal/types"
)

// Chat serves a non-streaming chat completion. Identical concurrent requests
// share one provider call; the response is cached under the normalized
// request. Exactly one trace is emitted whatever the outcome.
func (d *Dispatcher) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, telemetry.SpanRequest)
	t := telemetry.ProviderTrace{
		Model:     req.Model,
		Operation: telemetry.OpChat,
		RequestID: req.RequestID,
		TurnID:    req.TurnID,
		ClientKey: req.ClientKey,
	}

	resp, err := d.chat(ctx, req, &t)
	t.LatencyMs = d.elapsed(start)
	if err != nil {
		fail(&t, err)
	} else {
		resp.LatencyMs = t.LatencyMs
	}
	d.emit(span, t)
	return resp, err
}

func (d *Dispatcher) chat(ctx context.Context, req *types.ChatRequest, t *telemetry.ProviderTrace) (*types.ChatResponse, error) {
	st := d.state.Load()
	norm, err := st.normalizer.Chat(req)
	if err != nil {
		return nil, err
	}
	t.Model = norm.Model
	if err := d.checkBudget(ctx, req.ClientKey); err != nil {
		return nil, err
	}

	rec := transcript.Record{
		RequestID: req.RequestID,
		TurnID:    req.TurnID,
		Operation: telemetry.OpChat,
		Model:     norm.Model,
	}
	rec.Phase = transcript.PhaseRequest
	d.logTranscript(ctx, rec, req)
	rec.Phase = transcript.PhaseResponse

	payload, cached, err := d.cache.GetOrCompute(ctx, norm.Key(), st.settings.CacheTTL, func(cctx context.Context) ([]byte, error) {
		resp, err := d.callChat(cctx, st.settings, norm, req.Identifiers)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if st.settings.CacheTTL > 0 {
		d.recordLookup(telemetry.OpChat, cached)
	}
	if err != nil {
		rec.Error = err.Error()
		rec.Provider = proxyerr.Classify("", err).Provider
		d.logTranscript(ctx, rec, nil)
		return nil, err
	}

	var resp types.ChatResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, proxyerr.IO("decode chat response", err)
	}
	resp.RequestID = req.RequestID
	resp.TurnID = req.TurnID
	resp.Cached = cached

	t.Provider = resp.Provider
	t.ProviderRequestID = resp.ProviderRequestID
	t.Cached = cached
	t.FinishReason = string(resp.StopReason)
	t.PromptTokens = resp.Usage.PromptTokens
	t.CompletionTokens = resp.Usage.CompletionTokens
	t.TotalTokens = resp.Usage.TotalTokens

	if !cached {
		d.recordBudget(ctx, req.ClientKey, resp.Usage.TotalTokens)
	}
	rec.Provider = resp.Provider
	rec.Cached = cached
	d.logTranscript(ctx, rec, &resp)
	return &resp, nil
}

// callChat performs the provider round trip for a chat completion. The
// result carries no per-request identifiers so it can be shared and cached.
func (d *Dispatcher) callChat(ctx context.Context, s Settings, norm *normalize.NormalizedChat, ids types.Identifiers) (*types.ChatResponse, error) {
	adapter, err := d.router.Resolve(norm.Model, adapters.CapChat)
	if err != nil {
		return nil, err
	}
	name := adapter.Name()
	ctx, span, cancel := d.startCall(ctx, name, s.Timeout)
	defer cancel()

	created := d.now()
	resp, err := roundTrip(d, adapter, s, func() (*http.Request, error) {
		return adapter.NewChatRequest(ctx, norm, ids, false)
	}, adapter.ParseChatResponse)
	endCall(span, err)
	if err != nil {
		return nil, err
	}

	out := resp.value
	out.Provider = name
	if out.Model == "" {
		out.Model = norm.Model
	}
	out.ProviderRequestID = providerRequestID(resp.http, out.ProviderRequestID)
	out.CreatedAtMs = created.UnixMilli()
	return out, nil
}

type result[T any] struct {
	value T
	http  *http.Response
}

// roundTrip sends a request, reads the whole body and parses it, reporting
// the outcome to the provider's circuit breaker. Failures are attributed to
// the provider's configured name.
func roundTrip[T any](d *Dispatcher, adapter adapters.ProviderAdapter, s Settings,
	build func() (*http.Request, error), parse func([]byte) (T, error),
) (result[T], error) {
	name := adapter.Name()
	var res result[T]
	resp, err := d.send(adapter, s.MaxRetries, build)
	if err == nil {
		var body []byte
		if body, err = readBody(name, resp); err == nil {
			res.value, err = parse(body)
		}
		res.http = resp
	}
	d.observe(name, err)
	if err != nil {
		pe := proxyerr.Classify(name, err)
		if pe.Provider != name {
			pe = pe.WithProvider(name)
		}
		return res, pe
	}
	return res, nil
}
