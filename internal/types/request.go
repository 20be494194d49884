package types

// ChatRequest is the raw chat completion request as received from a client.
// Identifier fields are carried alongside the semantic payload but never
// influence normalization or cache keys.
type ChatRequest struct {
	Model           string            `json:"model"`
	Messages        []Message         `json:"messages"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	MaxOutputTokens *int              `json:"max_output_tokens,omitempty"`
	StopSequences   []string          `json:"stop_sequences,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	// Metadata holds caller tags. They are recorded in transcripts only; they
	// are not sent upstream and do not affect the cache key.
	Metadata        map[string]string `json:"metadata,omitempty"`

	Identifiers
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// EmbedRequest is the raw embedding request as received from a client.
type EmbedRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`

	Identifiers
}

// Identifiers are per-call correlation fields. They are set by the gateway
// from headers and auth context.
type Identifiers struct {
	RequestID      string `json:"request_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ClientKey      string `json:"-"`
}
