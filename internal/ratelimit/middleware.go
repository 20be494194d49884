package ratelimit

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/af-corp/aiproxy/internal/auth"
	"github.com/af-corp/aiproxy/internal/httputil"
	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/telemetry"
)

const (
	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
)

// Middleware returns chi middleware that enforces a per-client requests per
// minute limit. rpm is read per request; zero or less disables the limit.
// Anonymous clients are bucketed by remote address.
func Middleware(limiter Checker, rpm func() int, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit := rpm()
			client, ok := auth.ClientFromContext(r.Context())
			if !ok || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			reqID := w.Header().Get("X-Request-ID")

			bucket := "rpm:" + client.ClientKey
			if client.Anonymous() {
				bucket = "rpm:anon:" + remoteHost(r)
			}
			result, _ := limiter.Check(r.Context(), bucket, int64(limit), time.Minute)

			w.Header().Set(headerRateLimitRequests, strconv.Itoa(limit))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"key_prefix", client.KeyPrefix,
					"limit", limit,
				)
				if metrics != nil {
					metrics.RecordRateLimitHit("rpm")
				}
				httputil.WriteProxyError(w, reqID, proxyerr.RateLimited("", result.RetryAfter,
					fmt.Sprintf("rate limit exceeded: %d requests per minute", limit)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
