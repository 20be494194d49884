package auth

import "context"

type contextKey string

const clientContextKey contextKey = "aiproxy_client"

// AnonymousClientKey identifies callers that presented no key when auth is optional.
const AnonymousClientKey = "anonymous"

// ClientInfo identifies the caller behind a request.
type ClientInfo struct {
	// ClientKey is the SHA-256 hex digest of the presented key, or
	// AnonymousClientKey.
	ClientKey string
	// KeyPrefix is a display-safe prefix of the presented key.
	KeyPrefix string
}

func (c *ClientInfo) Anonymous() bool {
	return c.ClientKey == AnonymousClientKey
}

func ContextWithClient(ctx context.Context, info *ClientInfo) context.Context {
	return context.WithValue(ctx, clientContextKey, info)
}

func ClientFromContext(ctx context.Context) (*ClientInfo, bool) {
	info, ok := ctx.Value(clientContextKey).(*ClientInfo)
	return info, ok
}
