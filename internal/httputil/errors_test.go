package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/af-corp/aiproxy/internal/proxyerr"
)

func TestStatus_CoversEveryKind(t *testing.T) {
	want := map[proxyerr.Kind]int{
		proxyerr.KindValidation:          http.StatusBadRequest,
		proxyerr.KindRateLimited:         http.StatusTooManyRequests,
		proxyerr.KindBudgetExceeded:      http.StatusPaymentRequired,
		proxyerr.KindProviderUnavailable: http.StatusServiceUnavailable,
		proxyerr.KindProviderError:       http.StatusBadGateway,
		proxyerr.KindIo:                  http.StatusInternalServerError,
		proxyerr.KindOther:               http.StatusInternalServerError,
	}

	for _, k := range proxyerr.Kinds {
		status, tag := Status(k)
		if status != want[k] {
			t.Errorf("Status(%s) = %d, want %d", k, status, want[k])
		}
		if tag == "" {
			t.Errorf("Status(%s) has empty type tag", k)
		}
	}
}

func TestWriteProxyError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteProxyError(w, "req_123", proxyerr.Validation("model is required").WithDetail("field", "model"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
	if rid := w.Header().Get("X-Request-ID"); rid != "req_123" {
		t.Errorf("expected X-Request-ID req_123, got %s", rid)
	}

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error.Type != "invalid_request_error" {
		t.Errorf("expected type invalid_request_error, got %q", resp.Error.Type)
	}
	if resp.Error.Message != "model is required" {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
	if resp.Error.Details["field"] != "model" {
		t.Errorf("expected details.field=model, got %v", resp.Error.Details)
	}
}

func TestWriteProxyError_RateLimitedSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("chat: %w", proxyerr.RateLimited("openai", 2500*time.Millisecond, "slow down"))
	WriteProxyError(w, "req_429", err)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3" {
		t.Errorf("expected Retry-After 3, got %q", got)
	}

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Type != "rate_limit_error" {
		t.Errorf("expected rate_limit_error, got %q", resp.Error.Type)
	}
	if resp.Error.Details["provider"] != "openai" {
		t.Errorf("expected provider detail, got %v", resp.Error.Details)
	}
}

func TestWriteProxyError_UnclassifiedIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteProxyError(w, "req_500", errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Type != "internal_error" {
		t.Errorf("expected internal_error, got %q", resp.Error.Type)
	}
}

func TestWriteAuthError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAuthError(w, "req_456", "Invalid key")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	var resp APIError
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Type != "authentication_error" {
		t.Errorf("expected type authentication_error, got %q", resp.Error.Type)
	}
}
