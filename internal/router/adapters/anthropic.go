package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/normalize"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/stream"
	"github.com/af-corp/aiproxy/internal/types"
)

const (
	anthropicAPIVersion = "2023-06-01"
	// Anthropic requires max_tokens on every request.
	anthropicDefaultMaxTokens = 4096
)

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	cfg    config.ProviderConfig
	apiKey string
	client *http.Client
}

func NewAnthropicAdapter(cfg config.ProviderConfig, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{cfg: cfg, apiKey: cfg.APIKey(), client: client}
}

func (a *AnthropicAdapter) Name() string { return config.ProviderAnthropic }

func (a *AnthropicAdapter) Capabilities() []Capability {
	return []Capability{CapChat, CapChatStream}
}

func (a *AnthropicAdapter) NewChatRequest(ctx context.Context, req *normalize.NormalizedChat, ids types.Identifiers, stream bool) (*http.Request, error) {
	// System prompts move to the top-level field; tool output is relayed as user turns.
	var system []string
	var messages []anthropicMessage
	for _, m := range req.Messages {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m.Content)
		case types.RoleTool:
			messages = append(messages, anthropicMessage{Role: string(types.RoleUser), Content: m.Content})
		default:
			messages = append(messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
		}
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxOutputTokens > 0 {
		maxTokens = req.MaxOutputTokens
	}

	body := anthropicRequestBody{
		Model:       req.Model,
		Messages:    messages,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   maxTokens,
		Stream:      stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}

	setCommonHeaders(httpReq, ids, a.cfg.Headers)
	httpReq.Header.Set("x-api-key", a.apiKey)
	version := a.cfg.APIVersion
	if version == "" {
		version = anthropicAPIVersion
	}
	httpReq.Header.Set("anthropic-version", version)
	return httpReq, nil
}

func (a *AnthropicAdapter) ParseChatResponse(body []byte) (*types.ChatResponse, error) {
	var antResp anthropicResponseBody
	if err := json.Unmarshal(body, &antResp); err != nil {
		return nil, proxyerr.Provider(a.Name(), 0, "decode chat response: "+err.Error())
	}

	var text strings.Builder
	for _, block := range antResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.ChatResponse{
		Model:             antResp.Model,
		Provider:          a.Name(),
		ProviderRequestID: antResp.ID,
		Text:              text.String(),
		StopReason:        types.ParseStopReason(antResp.StopReason),
		Usage: types.Usage{}.Merge(types.Usage{
			PromptTokens:     antResp.Usage.InputTokens,
			CompletionTokens: antResp.Usage.OutputTokens,
		}),
	}, nil
}

func (a *AnthropicAdapter) NewEmbedRequest(context.Context, *normalize.NormalizedEmbed, types.Identifiers) (*http.Request, error) {
	return nil, proxyerr.Validation("provider %s does not support embeddings", a.Name())
}

func (a *AnthropicAdapter) ParseEmbedResponse([]byte) (*types.EmbedResponse, error) {
	return nil, proxyerr.Validation("provider %s does not support embeddings", a.Name())
}

func (a *AnthropicAdapter) StreamDecoder() stream.Decoder {
	return &anthropicDecoder{}
}

func (a *AnthropicAdapter) SendRequest(req *http.Request) (*http.Response, error) {
	return a.client.Do(req)
}

// anthropicDecoder reads Messages API stream events:
// message_start, content_block_start, content_block_delta, content_block_stop,
// message_delta, message_stop, ping and error.
type anthropicDecoder struct {
	stop    types.StopReason
	hasStop bool
}

func (d *anthropicDecoder) Decode(payload []byte) ([]stream.Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, stream.ErrMalformed
	}
	root := gjson.ParseBytes(payload)

	switch root.Get("type").String() {
	case "message_start":
		if u := root.Get("message.usage"); u.IsObject() {
			return []stream.Event{stream.UsageReport(stream.ParseUsage(u))}, nil
		}
	case "content_block_delta":
		if root.Get("delta.type").String() == "text_delta" {
			if text := root.Get("delta.text").String(); text != "" {
				return []stream.Event{stream.Delta(text)}, nil
			}
		}
	case "message_delta":
		if r := root.Get("delta.stop_reason"); r.Type == gjson.String {
			d.stop, d.hasStop = types.ParseStopReason(r.Str), true
		}
		if u := root.Get("usage"); u.IsObject() {
			return []stream.Event{stream.UsageReport(stream.ParseUsage(u))}, nil
		}
	case "message_stop":
		reason, _ := d.PendingStop()
		return []stream.Event{stream.Stop(reason)}, nil
	case "error":
		return []stream.Event{stream.Failure(anthropicStreamError(root.Get("error")))}, nil
	}
	return nil, nil
}

func (d *anthropicDecoder) PendingStop() (types.StopReason, bool) {
	if !d.hasStop {
		return types.StopReasonStop, false
	}
	return d.stop, true
}

func anthropicStreamError(e gjson.Result) *proxyerr.Error {
	msg := e.Get("message").String()
	switch e.Get("type").String() {
	case "overloaded_error":
		return proxyerr.Unavailable("", msg, nil)
	case "rate_limit_error":
		return proxyerr.RateLimited("", 0, msg)
	default:
		return proxyerr.Provider("", 0, msg)
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature float64            `json:"temperature"`
	TopP        float64            `json:"top_p"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
