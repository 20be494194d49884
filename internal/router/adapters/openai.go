package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/tidwall/gjson"

	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/normalize"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/stream"
	"github.com/af-corp/aiproxy/internal/types"
)

// OpenAIAdapter handles communication with OpenAI-compatible APIs. OpenRouter
// speaks the same protocol and is served by this adapter under its own name.
type OpenAIAdapter struct {
	name   string
	cfg    config.ProviderConfig
	apiKey string
	client *http.Client
}

func NewOpenAIAdapter(cfg config.ProviderConfig, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{name: config.ProviderOpenAI, cfg: cfg, apiKey: cfg.APIKey(), client: client}
}

func NewOpenRouterAdapter(cfg config.ProviderConfig, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{name: config.ProviderOpenRouter, cfg: cfg, apiKey: cfg.APIKey(), client: client}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) Capabilities() []Capability {
	return []Capability{CapChat, CapChatStream, CapEmbed}
}

func (a *OpenAIAdapter) NewChatRequest(ctx context.Context, req *normalize.NormalizedChat, ids types.Identifiers, stream bool) (*http.Request, error) {
	body := openAIRequestBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxOutputTokens,
		Stop:        req.StopSequences,
	}
	if stream {
		body.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	return a.post(ctx, "/chat/completions", body, ids)
}

func (a *OpenAIAdapter) NewEmbedRequest(ctx context.Context, req *normalize.NormalizedEmbed, ids types.Identifiers) (*http.Request, error) {
	return a.post(ctx, "/embeddings", openAIEmbedRequestBody{Model: req.Model, Input: req.Inputs}, ids)
}

func (a *OpenAIAdapter) post(ctx context.Context, path string, body any, ids types.Identifiers) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	setCommonHeaders(httpReq, ids, a.cfg.Headers)
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return httpReq, nil
}

func (a *OpenAIAdapter) ParseChatResponse(body []byte) (*types.ChatResponse, error) {
	var oaiResp openAIResponseBody
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, proxyerr.Provider(a.name, 0, "decode chat response: "+err.Error())
	}
	if len(oaiResp.Choices) == 0 {
		return nil, proxyerr.Provider(a.name, 0, "chat response has no choices")
	}

	choice := oaiResp.Choices[0]
	return &types.ChatResponse{
		Model:             oaiResp.Model,
		Provider:          a.name,
		ProviderRequestID: oaiResp.ID,
		Text:              choice.Message.Content,
		StopReason:        types.ParseStopReason(choice.FinishReason),
		Usage:             types.Usage{}.Merge(oaiResp.Usage),
	}, nil
}

func (a *OpenAIAdapter) ParseEmbedResponse(body []byte) (*types.EmbedResponse, error) {
	var oaiResp openAIEmbedResponseBody
	if err := json.Unmarshal(body, &oaiResp); err != nil {
		return nil, proxyerr.Provider(a.name, 0, "decode embedding response: "+err.Error())
	}
	slices.SortFunc(oaiResp.Data, func(x, y openAIEmbedding) int { return x.Index - y.Index })

	vectors := make([][]float32, len(oaiResp.Data))
	for i, d := range oaiResp.Data {
		vectors[i] = d.Embedding
	}
	return &types.EmbedResponse{
		Model:    oaiResp.Model,
		Provider: a.name,
		Vectors:  vectors,
		Usage:    types.Usage{}.Merge(oaiResp.Usage),
	}, nil
}

func (a *OpenAIAdapter) StreamDecoder() stream.Decoder {
	return &openAIDecoder{}
}

func (a *OpenAIAdapter) SendRequest(req *http.Request) (*http.Response, error) {
	return a.client.Do(req)
}

// openAIDecoder reads chat.completion.chunk payloads. The finish reason
// arrives before the trailing usage chunk, so it is held until [DONE].
type openAIDecoder struct {
	finish    types.StopReason
	hasFinish bool
}

func (d *openAIDecoder) Decode(payload []byte) ([]stream.Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, stream.ErrMalformed
	}
	root := gjson.ParseBytes(payload)

	if e := root.Get("error"); e.IsObject() {
		return []stream.Event{stream.Failure(proxyerr.Provider("", 0, e.Get("message").String()))}, nil
	}

	var events []stream.Event
	choice := root.Get("choices.0")
	if c := choice.Get("delta.content"); c.Type == gjson.String && c.Str != "" {
		events = append(events, stream.Delta(c.Str))
	}
	if f := choice.Get("finish_reason"); f.Type == gjson.String {
		d.finish, d.hasFinish = types.ParseStopReason(f.Str), true
	}
	if u := root.Get("usage"); u.IsObject() {
		events = append(events, stream.UsageReport(stream.ParseUsage(u)))
	}
	return events, nil
}

func (d *openAIDecoder) PendingStop() (types.StopReason, bool) {
	return d.finish, d.hasFinish
}

type openAIRequestBody struct {
	Model         string               `json:"model"`
	Messages      []types.Message      `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Temperature   float64              `json:"temperature"`
	TopP          float64              `json:"top_p"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIResponseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      types.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage types.Usage `json:"usage"`
}

type openAIEmbedRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedding struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type openAIEmbedResponseBody struct {
	Model string            `json:"model"`
	Data  []openAIEmbedding `json:"data"`
	Usage types.Usage       `json:"usage"`
}
