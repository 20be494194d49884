package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/af-corp/aiproxy/internal/auth"
	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/httputil"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/router"
	"github.com/af-corp/aiproxy/internal/stream"
	"github.com/af-corp/aiproxy/internal/types"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	chatReq   *types.ChatRequest
	embedReq  *types.EmbedRequest
	chat      func(*types.ChatRequest) (*types.ChatResponse, error)
	chatCalls int
	stream    func(*types.ChatRequest) (stream.Stream, error)
	embed     func(*types.EmbedRequest) (*types.EmbedResponse, error)
}

func (f *fakeDispatcher) Chat(_ context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	f.mu.Lock()
	f.chatReq = req
	f.chatCalls++
	f.mu.Unlock()
	return f.chat(req)
}

func (f *fakeDispatcher) ChatStream(_ context.Context, req *types.ChatRequest) (stream.Stream, error) {
	f.mu.Lock()
	f.chatReq = req
	f.mu.Unlock()
	return f.stream(req)
}

func (f *fakeDispatcher) Embed(_ context.Context, req *types.EmbedRequest) (*types.EmbedResponse, error) {
	f.mu.Lock()
	f.embedReq = req
	f.mu.Unlock()
	return f.embed(req)
}

func testRouter(t *testing.T) *router.Router {
	t.Helper()
	registry := router.BuildFromConfig(&config.ProvidersConfig{Providers: map[string]config.ProviderConfig{
		"oai": {Type: config.ProviderOpenAI, BaseURL: "http://127.0.0.1:1"},
	}})
	table, err := router.NewRoutingTable([]config.RouteRule{{Pattern: "^gpt-", Provider: "oai"}}, config.ProviderNull)
	if err != nil {
		t.Fatal(err)
	}
	return router.New(table, registry, router.NewHealthTracker(1, time.Hour))
}

func serve(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	RequestID(h).ServeHTTP(w, req)
	return w
}

func post(path, body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) httputil.APIErrorBody {
	t.Helper()
	var env httputil.APIError
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid error envelope %q: %v", w.Body.String(), err)
	}
	return env.Error
}

func TestChatCompletions_JSONResponse(t *testing.T) {
	fd := &fakeDispatcher{chat: func(req *types.ChatRequest) (*types.ChatResponse, error) {
		return &types.ChatResponse{
			RequestID:  req.RequestID,
			TurnID:     req.TurnID,
			Model:      req.Model,
			Provider:   "null",
			Text:       "hi there",
			StopReason: types.StopReasonStop,
			Cached:     true,
		}, nil
	}}
	h := NewHandler(fd, testRouter(t), nil, nil)

	req := post("/v1/chat/completions", `{"model":"echo","messages":[{"role":"user","content":"hi"}]}`)
	req.Header.Set("X-Request-ID", "req-abc")
	req.Header.Set("X-Turn-ID", "turn-7")
	req.Header.Set("Idempotency-Key", "idem-1")
	w := serve(h.ChatCompletions, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "hit" {
		t.Errorf("X-Cache = %q, want hit", got)
	}
	var resp types.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hi there" || resp.RequestID != "req-abc" || resp.TurnID != "turn-7" {
		t.Errorf("response = %+v", resp)
	}

	got := fd.chatReq.Identifiers
	want := types.Identifiers{RequestID: "req-abc", TurnID: "turn-7", IdempotencyKey: "idem-1", ClientKey: auth.AnonymousClientKey}
	if got != want {
		t.Errorf("identifiers = %+v, want %+v", got, want)
	}
}

func TestChatCompletions_ClientKeyFromAuth(t *testing.T) {
	fd := &fakeDispatcher{chat: func(req *types.ChatRequest) (*types.ChatResponse, error) {
		return &types.ChatResponse{Model: req.Model}, nil
	}}
	h := NewHandler(fd, testRouter(t), nil, nil)

	req := post("/v1/chat/completions", `{"model":"echo","messages":[{"role":"user","content":"hi"}]}`)
	req = req.WithContext(auth.ContextWithClient(req.Context(), &auth.ClientInfo{ClientKey: "abc123"}))
	w := serve(h.ChatCompletions, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if fd.chatReq.ClientKey != "abc123" {
		t.Errorf("client key = %q", fd.chatReq.ClientKey)
	}
	if w.Header().Get("X-Cache") != "miss" {
		t.Errorf("X-Cache = %q, want miss", w.Header().Get("X-Cache"))
	}
}

func TestChatCompletions_ErrorEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		retryAfter string
	}{
		{"validation", proxyerr.Validation("messages must not be empty"), http.StatusBadRequest, "invalid_request_error", ""},
		{"rate limited", proxyerr.RateLimited("openai", 7*time.Second, "slow down"), http.StatusTooManyRequests, "rate_limit_error", "7"},
		{"budget", proxyerr.BudgetExceeded("daily token budget exhausted"), http.StatusPaymentRequired, "budget_exceeded_error", ""},
		{"unavailable", proxyerr.Unavailable("openai", "circuit open", nil), http.StatusServiceUnavailable, "provider_unavailable_error", ""},
		{"provider error", proxyerr.Provider("anthropic", 418, "teapot"), http.StatusBadGateway, "provider_error", ""},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := &fakeDispatcher{chat: func(*types.ChatRequest) (*types.ChatResponse, error) { return nil, tt.err }}
			h := NewHandler(fd, testRouter(t), nil, nil)

			req := post("/v1/chat/completions", `{"model":"echo","messages":[{"role":"user","content":"hi"}]}`)
			req.Header.Set("X-Request-ID", "req-err")
			w := serve(h.ChatCompletions, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeError(t, w)
			if body.Type != tt.wantType || body.RequestID != "req-err" {
				t.Errorf("envelope = %+v", body)
			}
			if got := w.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
		})
	}
}

func TestChatCompletions_BadBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"model":`},
		{"too large", `{"model":"echo","messages":[{"role":"user","content":"` + strings.Repeat("x", 256) + `"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := &fakeDispatcher{}
			h := NewHandler(fd, testRouter(t), func() int64 { return 128 }, nil)
			w := serve(h.ChatCompletions, post("/v1/chat/completions", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := decodeError(t, w); body.Type != "invalid_request_error" {
				t.Errorf("type = %q", body.Type)
			}
			if fd.chatCalls != 0 {
				t.Error("dispatcher should not be called")
			}
		})
	}
}

func TestChatCompletions_StreamWritesOneFramePerEvent(t *testing.T) {
	var summary stream.Summary
	fd := &fakeDispatcher{stream: func(*types.ChatRequest) (stream.Stream, error) {
		return stream.FromEvents([]stream.Event{
			stream.Delta("Hel"),
			stream.Delta("lo"),
			stream.UsageReport(types.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}),
			stream.Stop(types.StopReasonStop),
		}, func(s stream.Summary) { summary = s }), nil
	}}
	h := NewHandler(fd, testRouter(t), nil, nil)

	w := serve(h.ChatCompletions, post("/v1/chat/completions",
		`{"model":"echo","stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	frames := strings.Split(strings.TrimSuffix(w.Body.String(), "\n\n"), "\n\n")
	wantTypes := []string{"DeltaText", "DeltaText", "Usage", "Stop"}
	if len(frames) != len(wantTypes) {
		t.Fatalf("got %d frames: %q", len(frames), w.Body.String())
	}
	for i, frame := range frames {
		payload, ok := strings.CutPrefix(frame, "data: ")
		if !ok {
			t.Fatalf("frame %d missing data prefix: %q", i, frame)
		}
		var ev stream.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Kind.String() != wantTypes[i] {
			t.Errorf("frame %d kind = %s, want %s", i, ev.Kind, wantTypes[i])
		}
	}
	if summary.Abandoned || summary.Text != "Hello" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestChatCompletions_StreamSetupErrorIsJSON(t *testing.T) {
	fd := &fakeDispatcher{stream: func(*types.ChatRequest) (stream.Stream, error) {
		return nil, proxyerr.Unavailable("openai", "provider returned 503", nil)
	}}
	h := NewHandler(fd, testRouter(t), nil, nil)

	w := serve(h.ChatCompletions, post("/v1/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
	if body := decodeError(t, w); body.Details["provider"] != "openai" {
		t.Errorf("details = %+v", body.Details)
	}
}

// blockingStream yields one delta and then blocks until closed.
type blockingStream struct {
	sent   bool
	closed chan struct{}
	once   sync.Once
}

func (b *blockingStream) Recv() (stream.Event, error) {
	if !b.sent {
		b.sent = true
		return stream.Delta("partial"), nil
	}
	<-b.closed
	return stream.Event{}, stream.ErrClosed
}

func (b *blockingStream) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestChatCompletions_StreamClosedOnClientDisconnect(t *testing.T) {
	bs := &blockingStream{closed: make(chan struct{})}
	fd := &fakeDispatcher{stream: func(*types.ChatRequest) (stream.Stream, error) { return bs, nil }}
	h := NewHandler(fd, testRouter(t), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := post("/v1/chat/completions", `{"model":"echo","stream":true,"messages":[{"role":"user","content":"hi"}]}`).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(h.ChatCompletions, req)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}
	select {
	case <-bs.closed:
	default:
		t.Error("stream was not closed")
	}
}

func TestEmbeddings(t *testing.T) {
	fd := &fakeDispatcher{embed: func(req *types.EmbedRequest) (*types.EmbedResponse, error) {
		return &types.EmbedResponse{
			RequestID: req.RequestID,
			Model:     req.Model,
			Provider:  "null",
			Vectors:   [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		}, nil
	}}
	h := NewHandler(fd, testRouter(t), nil, nil)

	w := serve(h.Embeddings, post("/v1/embeddings", `{"model":"text-embedding-3-small","inputs":["a","b"]}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp types.EmbedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Vectors) != 2 || resp.RequestID == "" {
		t.Errorf("response = %+v", resp)
	}
	if fd.embedReq.RequestID != resp.RequestID || len(fd.embedReq.Inputs) != 2 {
		t.Errorf("dispatched = %+v", fd.embedReq)
	}
	if w.Header().Get("X-Cache") != "miss" {
		t.Errorf("X-Cache = %q", w.Header().Get("X-Cache"))
	}
}

func TestRoutes(t *testing.T) {
	rt := testRouter(t)
	rt.Health().RecordFailure("oai")
	h := NewHandler(&fakeDispatcher{}, rt, nil, nil)

	w := serve(h.Routes, httptest.NewRequest(http.MethodGet, "/v1/routes", nil))

	var got routesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Default != config.ProviderNull {
		t.Errorf("default = %q", got.Default)
	}
	if len(got.Rules) != 1 || got.Rules[0].Pattern != "^gpt-" || got.Rules[0].Provider != "oai" {
		t.Errorf("rules = %+v", got.Rules)
	}
	circuits := map[string]string{}
	for _, p := range got.Providers {
		circuits[p.Name] = p.Circuit
		if len(p.Capabilities) == 0 {
			t.Errorf("provider %s has no capabilities", p.Name)
		}
	}
	if circuits["oai"] != "open" || circuits[config.ProviderNull] != "closed" {
		t.Errorf("circuits = %v", circuits)
	}
}

func TestHealth(t *testing.T) {
	rt := testRouter(t)
	h := NewHandler(&fakeDispatcher{}, rt, nil, nil)

	status := func() string {
		w := serve(h.Health("test"), httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var body struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		}
		json.Unmarshal(w.Body.Bytes(), &body)
		return body.Status
	}

	if got := status(); got != "healthy" {
		t.Errorf("status = %q, want healthy", got)
	}
	rt.Health().RecordFailure("oai")
	if got := status(); got != "degraded" {
		t.Errorf("status = %q, want degraded", got)
	}
}

func TestRequestID(t *testing.T) {
	echo := func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(w.Header().Get("X-Request-ID")))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	if w := serve(echo, req); w.Body.String() != "caller-id" {
		t.Errorf("propagated id = %q", w.Body.String())
	}

	a := serve(echo, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String()
	b := serve(echo, httptest.NewRequest(http.MethodGet, "/", nil)).Body.String()
	if !strings.HasPrefix(a, "req_") || a == b {
		t.Errorf("generated ids %q %q", a, b)
	}
}
