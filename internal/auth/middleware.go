package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/httputil"
)

// Verifier decides which presented keys are accepted.
type Verifier struct {
	required bool
	hashes   map[string]struct{}
}

// NewVerifier builds a verifier from config. An empty hash list accepts any
// non-empty key; the key then only identifies the client.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	v := &Verifier{required: cfg.Required}
	if len(cfg.KeyHashes) > 0 {
		v.hashes = make(map[string]struct{}, len(cfg.KeyHashes))
		for _, h := range cfg.KeyHashes {
			v.hashes[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
		}
	}
	return v
}

func (v *Verifier) accepts(keyHash string) bool {
	if v.hashes == nil {
		return true
	}
	_, ok := v.hashes[keyHash]
	return ok
}

// Middleware returns a chi middleware that identifies the caller via Bearer
// token. current is consulted per request so config reloads apply
// immediately.
func Middleware(current func() *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")
			v := current()

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if v.required {
					httputil.WriteAuthError(w, reqID, "Missing Authorization header. Use: Authorization: Bearer <api-key>")
					return
				}
				ctx := ContextWithClient(r.Context(), &ClientInfo{ClientKey: AnonymousClientKey})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				httputil.WriteAuthError(w, reqID, "Invalid Authorization format. Use: Authorization: Bearer <api-key>")
				return
			}
			if token == "" {
				httputil.WriteAuthError(w, reqID, "Empty API key")
				return
			}

			keyHash := HashKey(token)
			if !v.accepts(keyHash) {
				slog.Warn("auth failed: key not accepted", "request_id", reqID, "key_prefix", KeyPrefix(token))
				httputil.WriteAuthError(w, reqID, "Invalid API key")
				return
			}

			ctx := ContextWithClient(r.Context(), &ClientInfo{ClientKey: keyHash, KeyPrefix: KeyPrefix(token)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
