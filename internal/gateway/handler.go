package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/af-corp/aiproxy/internal/auth"
	"github.com/af-corp/aiproxy/internal/httputil"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/router"
	"github.com/af-corp/aiproxy/internal/router/adapters"
	"github.com/af-corp/aiproxy/internal/stream"
	"github.com/af-corp/aiproxy/internal/types"
)

const (
	headerTurnID         = "X-Turn-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerCache          = "X-Cache"
)

// Dispatcher serves normalized, cached and traced provider calls.
type Dispatcher interface {
	Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)
	ChatStream(ctx context.Context, req *types.ChatRequest) (stream.Stream, error)
	Embed(ctx context.Context, req *types.EmbedRequest) (*types.EmbedResponse, error)
}

// Handler holds dependencies for the proxy HTTP handlers.
type Handler struct {
	dispatcher Dispatcher
	router     *router.Router
	maxBody    func() int64
	logger     *slog.Logger
}

// NewHandler builds the handlers. maxBody is read per request so config
// reloads apply immediately; zero or less means unlimited.
func NewHandler(d Dispatcher, r *router.Router, maxBody func() int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody == nil {
		maxBody = func() int64 { return 0 }
	}
	return &Handler{dispatcher: d, router: r, maxBody: maxBody, logger: logger}
}

// ChatCompletions handles POST /v1/chat/completions
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	var req types.ChatRequest
	if !h.decode(w, r, reqID, &req) {
		return
	}
	req.Identifiers = identifiers(r, reqID)

	if req.Stream {
		// writeSSE closes the stream when the client goes away.
		s, err := h.dispatcher.ChatStream(context.WithoutCancel(r.Context()), &req)
		if err != nil {
			h.logFailure(r.Context(), reqID, req.Model, err)
			httputil.WriteProxyError(w, reqID, err)
			return
		}
		n := writeSSE(w, r, reqID, s)
		h.logger.Info("stream completed",
			"request_id", reqID,
			"model", req.Model,
			"events", n,
			"duration_ms", time.Since(receivedAt).Milliseconds(),
		)
		return
	}

	resp, err := h.dispatcher.Chat(r.Context(), &req)
	if err != nil {
		h.logFailure(r.Context(), reqID, req.Model, err)
		httputil.WriteProxyError(w, reqID, err)
		return
	}

	h.logger.Info("request completed",
		"request_id", reqID,
		"turn_id", resp.TurnID,
		"model", resp.Model,
		"provider", resp.Provider,
		"cached", resp.Cached,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
		"stop_reason", resp.StopReason,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
	)
	writeJSON(w, resp.Cached, resp)
}

// Embeddings handles POST /v1/embeddings
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	var req types.EmbedRequest
	if !h.decode(w, r, reqID, &req) {
		return
	}
	req.Identifiers = identifiers(r, reqID)

	resp, err := h.dispatcher.Embed(r.Context(), &req)
	if err != nil {
		h.logFailure(r.Context(), reqID, req.Model, err)
		httputil.WriteProxyError(w, reqID, err)
		return
	}

	h.logger.Info("embedding completed",
		"request_id", reqID,
		"model", resp.Model,
		"provider", resp.Provider,
		"cached", resp.Cached,
		"inputs", len(resp.Vectors),
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
	)
	writeJSON(w, resp.Cached, resp)
}

// Routes handles GET /v1/routes
func (h *Handler) Routes(w http.ResponseWriter, r *http.Request) {
	table := h.router.Table()
	out := routesResponse{Default: table.Default()}
	for _, rt := range table.Routes() {
		out.Rules = append(out.Rules, routeObject{Pattern: rt.Pattern.String(), Provider: rt.Provider})
	}

	states := h.router.Health().States()
	registry := h.router.Registry()
	for _, name := range registry.Names() {
		adapter, ok := registry.Get(name)
		if !ok {
			continue
		}
		circuit := router.StateClosed.String()
		if s, ok := states[name]; ok {
			circuit = s.String()
		}
		out.Providers = append(out.Providers, providerObject{
			Name:         name,
			Capabilities: adapter.Capabilities(),
			Circuit:      circuit,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// decode reads a JSON body into dest, writing a validation error on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, reqID string, dest any) bool {
	body := r.Body
	if limit := h.maxBody(); limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteProxyError(w, reqID, proxyerr.Validation("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) logFailure(ctx context.Context, reqID, model string, err error) {
	pe := proxyerr.Classify("", err)
	level := slog.LevelWarn
	if status, _ := httputil.Status(pe.Kind); status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "request failed",
		"request_id", reqID,
		"model", model,
		"provider", pe.Provider,
		"error_kind", pe.Kind.String(),
		"error", pe.Message,
	)
}

// identifiers collects correlation fields from headers and the auth context.
func identifiers(r *http.Request, reqID string) types.Identifiers {
	ids := types.Identifiers{
		RequestID:      reqID,
		TurnID:         r.Header.Get(headerTurnID),
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		ClientKey:      auth.AnonymousClientKey,
	}
	if client, ok := auth.ClientFromContext(r.Context()); ok {
		ids.ClientKey = client.ClientKey
	}
	return ids
}

func writeJSON(w http.ResponseWriter, cached bool, v any) {
	w.Header().Set("Content-Type", "application/json")
	if cached {
		w.Header().Set(headerCache, "hit")
	} else {
		w.Header().Set(headerCache, "miss")
	}
	json.NewEncoder(w).Encode(v)
}

type routeObject struct {
	Pattern  string `json:"pattern"`
	Provider string `json:"provider"`
}

type providerObject struct {
	Name         string                `json:"name"`
	Capabilities []adapters.Capability `json:"capabilities"`
	Circuit      string                `json:"circuit"`
}

type routesResponse struct {
	Default   string           `json:"default"`
	Rules     []routeObject    `json:"rules"`
	Providers []providerObject `json:"providers"`
}
