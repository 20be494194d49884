package adapters

import (
	"context"
	"net/http"
	"slices"

	"github.com/af-corp/aiproxy/internal/normalize"
	"github.com/af-corp/aiproxy/internal/stream"
	"github.com/af-corp/aiproxy/internal/types"
)

// Capability is an operation a provider can serve.
type Capability string

const (
	CapChat       Capability = "chat"
	CapChatStream Capability = "chat_stream"
	CapEmbed      Capability = "embed"
)

// ProviderAdapter translates normalized requests into a provider's HTTP API
// and the provider's responses back into proxy types.
type ProviderAdapter interface {
	Name() string
	Capabilities() []Capability
	NewChatRequest(ctx context.Context, req *normalize.NormalizedChat, ids types.Identifiers, stream bool) (*http.Request, error)
	// ParseChatResponse decodes a successful non-streaming body. Identifier
	// and timing fields are left for the caller.
	ParseChatResponse(body []byte) (*types.ChatResponse, error)
	NewEmbedRequest(ctx context.Context, req *normalize.NormalizedEmbed, ids types.Identifiers) (*http.Request, error)
	ParseEmbedResponse(body []byte) (*types.EmbedResponse, error)
	// StreamDecoder returns a fresh decoder for one streaming response.
	StreamDecoder() stream.Decoder
	// SendRequest sends an HTTP request using the provider's configured client.
	SendRequest(req *http.Request) (*http.Response, error)
}

func Supports(a ProviderAdapter, c Capability) bool {
	return slices.Contains(a.Capabilities(), c)
}

// requestIDHeaders are the response headers providers use to identify a call,
// in order of preference.
var requestIDHeaders = []string{
	"x-request-id",
	"request-id",
	"x-amzn-requestid",
	"x-amz-request-id",
	"x-cdn-request-id",
}

// RequestID returns the provider-assigned request identifier from response
// headers, or "" if none is present.
func RequestID(h http.Header) string {
	for _, name := range requestIDHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// setCommonHeaders applies configured static headers and forwards the
// caller's correlation identifiers.
func setCommonHeaders(r *http.Request, ids types.Identifiers, static map[string]string) {
	r.Header.Set("Content-Type", "application/json")
	for k, v := range static {
		if v != "" {
			r.Header.Set(k, v)
		}
	}
	if ids.RequestID != "" {
		r.Header.Set("X-Request-Id", ids.RequestID)
	}
	if ids.TurnID != "" {
		r.Header.Set("X-Turn-Id", ids.TurnID)
	}
	if ids.IdempotencyKey != "" {
		r.Header.Set("Idempotency-Key", ids.IdempotencyKey)
	}
}

type renamed struct {
	ProviderAdapter
	name string
}

func (r renamed) Name() string { return r.name }

// Rename returns a copy of a reporting name instead of its provider type.
func Rename(a ProviderAdapter, name string) ProviderAdapter {
	if r, ok := a.(renamed); ok {
		a = r.ProviderAdapter
	}
	return renamed{ProviderAdapter: a, name: name}
}
