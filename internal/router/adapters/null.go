package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/normalize"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/stream"
	"github.com/af-corp/aiproxy/internal/types"
)

// NullResponseText is the canned completion returned by the null provider.
const NullResponseText = "[null provider response]"

const nullEmbeddingDims = 3

// NullAdapter answers every request locally with canned content. It is always
// registered so that routing has a working fallback without credentials.
// Requests never leave the process; SendRequest synthesizes the response.
type NullAdapter struct{}

func NewNullAdapter() *NullAdapter { return &NullAdapter{} }

func (a *NullAdapter) Name() string { return config.ProviderNull }

func (a *NullAdapter) Capabilities() []Capability {
	return []Capability{CapChat, CapChatStream, CapEmbed}
}

type nullEnvelope struct {
	Op     Capability                 `json:"op"`
	Chat   *normalize.NormalizedChat  `json:"chat,omitempty"`
	Embed  *normalize.NormalizedEmbed `json:"embed,omitempty"`
	Stream bool                       `json:"stream,omitempty"`
}

func (a *NullAdapter) NewChatRequest(ctx context.Context, req *normalize.NormalizedChat, ids types.Identifiers, stream bool) (*http.Request, error) {
	op := CapChat
	if stream {
		op = CapChatStream
	}
	return a.envelope(ctx, nullEnvelope{Op: op, Chat: req, Stream: stream}, ids)
}

func (a *NullAdapter) NewEmbedRequest(ctx context.Context, req *normalize.NormalizedEmbed, ids types.Identifiers) (*http.Request, error) {
	return a.envelope(ctx, nullEnvelope{Op: CapEmbed, Embed: req}, ids)
}

func (a *NullAdapter) envelope(ctx context.Context, env nullEnvelope, ids types.Identifiers) (*http.Request, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal null request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://null.invalid/"+string(env.Op), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	setCommonHeaders(httpReq, ids, nil)
	return httpReq, nil
}

func (a *NullAdapter) SendRequest(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	var env nullEnvelope
	if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode null request: %w", err)
	}
	req.Body.Close()

	id := "null-" + uuid.NewString()
	var body []byte
	contentType := "application/json"
	switch {
	case env.Op == CapEmbed && env.Embed != nil:
		body = nullEmbedBody(id, env.Embed)
	case env.Chat != nil && env.Stream:
		body = nullStreamBody(env.Chat)
		contentType = "text/event-stream"
	case env.Chat != nil:
		body = nullChatBody(id, env.Chat)
	default:
		return nil, fmt.Errorf("null provider: unsupported operation %q", env.Op)
	}

	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("x-request-id", id)
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// promptSize approximates prompt tokens as the byte length of all messages.
func promptSize(req *normalize.NormalizedChat) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

func nullChatBody(id string, req *normalize.NormalizedChat) []byte {
	data, _ := json.Marshal(&types.ChatResponse{
		Model:             req.Model,
		Provider:          config.ProviderNull,
		ProviderRequestID: id,
		Text:              NullResponseText,
		StopReason:        types.StopReasonStop,
		Usage:             types.Usage{PromptTokens: promptSize(req), TotalTokens: promptSize(req)},
	})
	return data
}

func nullStreamBody(req *normalize.NormalizedChat) []byte {
	var b strings.Builder
	for _, chunk := range strings.SplitAfter(NullResponseText, " ") {
		delta, _ := json.Marshal(map[string]string{"delta": chunk})
		fmt.Fprintf(&b, "data: %s\n\n", delta)
	}
	fmt.Fprintf(&b, "data: {\"usage\":{\"prompt_tokens\":%d,\"completion_tokens\":0}}\n\n", promptSize(req))
	b.WriteString("data: {\"finish_reason\":\"stop\"}\n\n")
	return []byte(b.String())
}

func nullEmbedBody(id string, req *normalize.NormalizedEmbed) []byte {
	vectors := make([][]float32, len(req.Inputs))
	for i := range vectors {
		vectors[i] = make([]float32, nullEmbeddingDims)
	}
	data, _ := json.Marshal(&types.EmbedResponse{
		Model:             req.Model,
		Provider:          config.ProviderNull,
		ProviderRequestID: id,
		Vectors:           vectors,
		Usage:             types.Usage{PromptTokens: len(req.Inputs), TotalTokens: len(req.Inputs)},
	})
	return data
}

func (a *NullAdapter) ParseChatResponse(body []byte) (*types.ChatResponse, error) {
	var resp types.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, proxyerr.Provider(a.Name(), 0, "decode chat response: "+err.Error())
	}
	return &resp, nil
}

func (a *NullAdapter) ParseEmbedResponse(body []byte) (*types.EmbedResponse, error) {
	var resp types.EmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, proxyerr.Provider(a.Name(), 0, "decode embedding response: "+err.Error())
	}
	return &resp, nil
}

func (a *NullAdapter) StreamDecoder() stream.Decoder {
	return stream.Generic()
}
