package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/af-corp/aiproxy/internal/httputil"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/stream"
)

// writeSSE forwards every event of s to the client as one "data:" frame and
// returns the number of frames written. A client that disconnects before the
// terminal event abandons the stream.
func writeSSE(w http.ResponseWriter, r *http.Request, reqID string, s stream.Stream) int {
	defer s.Close()
	stop := context.AfterFunc(r.Context(), func() { s.Close() })
	defer stop()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteProxyError(w, reqID, proxyerr.Other("streaming not supported", nil))
		return 0
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", reqID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	written := 0
	for {
		ev, err := s.Recv()
		if err != nil {
			return written
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("failed to encode stream event", "request_id", reqID, "kind", ev.Kind.String(), "error", err)
			return written
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return written
		}
		flusher.Flush()
		written++
		if ev.Terminal() {
			return written
		}
	}
}
