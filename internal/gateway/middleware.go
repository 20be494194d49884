package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/af-corp/aiproxy/internal/router"
)

const maxRequestIDLen = 128

// RequestID propagates the caller's X-Request-ID or assigns a new one. The
// id is exposed on the response headers, where downstream handlers read it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// Health handles GET /health. It reports the circuit state of every provider
// seen so far; an open circuit degrades the status but not the HTTP code.
func (h *Handler) Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		circuits := make(map[string]string)
		for name, state := range h.router.Health().States() {
			circuits[name] = state.String()
			if state == router.StateOpen {
				status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"version":   version,
			"providers": circuits,
		})
	}
}
