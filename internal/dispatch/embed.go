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

// Embed serves an embedding request with the same caching and telemetry
// guarantees as Chat.
func (d *Dispatcher) Embed(ctx context.Context, req *types.EmbedRequest) (*types.EmbedResponse, error) {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, telemetry.SpanRequest)
	t := telemetry.ProviderTrace{
		Model:     req.Model,
		Operation: telemetry.OpEmbed,
		RequestID: req.RequestID,
		TurnID:    req.TurnID,
		ClientKey: req.ClientKey,
	}

	resp, err := d.embed(ctx, req, &t)
	t.LatencyMs = d.elapsed(start)
	if err != nil {
		fail(&t, err)
	} else {
		resp.LatencyMs = t.LatencyMs
	}
	d.emit(span, t)
	return resp, err
}

func (d *Dispatcher) embed(ctx context.Context, req *types.EmbedRequest, t *telemetry.ProviderTrace) (*types.EmbedResponse, error) {
	st := d.state.Load()
	norm, err := st.normalizer.Embed(req)
	if err != nil {
		return nil, err
	}
	t.Model = norm.Model
	if err := d.checkBudget(ctx, req.ClientKey); err != nil {
		return nil, err
	}

	rec := transcript.Record{
		Phase:     transcript.PhaseRequest,
		RequestID: req.RequestID,
		TurnID:    req.TurnID,
		Operation: telemetry.OpEmbed,
		Model:     norm.Model,
	}
	d.logTranscript(ctx, rec, req)
	rec.Phase = transcript.PhaseResponse

	payload, cached, err := d.cache.GetOrCompute(ctx, norm.Key(), st.settings.CacheTTL, func(cctx context.Context) ([]byte, error) {
		resp, err := d.callEmbed(cctx, st.settings, norm, req.Identifiers)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if st.settings.CacheTTL > 0 {
		d.recordLookup(telemetry.OpEmbed, cached)
	}
	if err != nil {
		rec.Error = err.Error()
		rec.Provider = proxyerr.Classify("", err).Provider
		d.logTranscript(ctx, rec, nil)
		return nil, err
	}

	var resp types.EmbedResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, proxyerr.IO("decode embedding response", err)
	}
	resp.RequestID = req.RequestID
	resp.Cached = cached

	t.Provider = resp.Provider
	t.ProviderRequestID = resp.ProviderRequestID
	t.Cached = cached
	t.PromptTokens = resp.Usage.PromptTokens
	t.TotalTokens = resp.Usage.TotalTokens

	if !cached {
		d.recordBudget(ctx, req.ClientKey, resp.Usage.TotalTokens)
	}
	rec.Provider = resp.Provider
	rec.Cached = cached
	d.logTranscript(ctx, rec, &resp)
	return &resp, nil
}

func (d *Dispatcher) callEmbed(ctx context.Context, s Settings, norm *normalize.NormalizedEmbed, ids types.Identifiers) (*types.EmbedResponse, error) {
	adapter, err := d.router.Resolve(norm.Model, adapters.CapEmbed)
	if err != nil {
		return nil, err
	}
	name := adapter.Name()
	ctx, span, cancel := d.startCall(ctx, name, s.Timeout)
	defer cancel()

	resp, err := roundTrip(d, adapter, s, func() (*http.Request, error) {
		return adapter.NewEmbedRequest(ctx, norm, ids)
	}, adapter.ParseEmbedResponse)
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
	return out, nil
}
