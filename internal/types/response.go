package types

type ChatResponse struct {
	RequestID         string     `json:"request_id,omitempty"`
	TurnID            string     `json:"turn_id,omitempty"`
	Model             string     `json:"model"`
	Provider          string     `json:"provider"`
	ProviderRequestID string     `json:"provider_request_id,omitempty"`
	Text              string     `json:"text"`
	StopReason        StopReason `json:"stop_reason"`
	Usage             Usage      `json:"usage"`
	Cached            bool       `json:"cached"`
	CreatedAtMs       int64      `json:"created_at_ms"`
	LatencyMs         int64      `json:"latency_ms"`
}

type EmbedResponse struct {
	RequestID         string      `json:"request_id,omitempty"`
	Model             string      `json:"model"`
	Provider          string      `json:"provider"`
	ProviderRequestID string      `json:"provider_request_id,omitempty"`
	Vectors           [][]float32 `json:"vectors"`
	Usage             Usage       `json:"usage"`
	Cached            bool        `json:"cached"`
	LatencyMs         int64       `json:"latency_ms"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IsZero reports whether no token counts were reported.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Merge combines two partial usage reports. Non-zero fields of o replace the
// receiver's, and the total is recomputed when the provider omitted it.
func (u Usage) Merge(o Usage) Usage {
	if o.PromptTokens != 0 {
		u.PromptTokens = o.PromptTokens
	}
	if o.CompletionTokens != 0 {
		u.CompletionTokens = o.CompletionTokens
	}
	if o.TotalTokens != 0 {
		u.TotalTokens = o.TotalTokens
	}
	if sum := u.PromptTokens + u.CompletionTokens; u.TotalTokens < sum {
		u.TotalTokens = sum
	}
	return u
}
