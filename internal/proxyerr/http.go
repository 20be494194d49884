package proxyerr

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of an upstream error body ends up in messages.
const maxErrorBody = 300

// FromStatus classifies a non-2xx upstream response.
func FromStatus(provider string, status int, header http.Header, body []byte) *Error {
	msg := upstreamMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		e := RateLimited(provider, ParseRetryAfter(header.Get("Retry-After")), msg)
		e.Code = status
		return e
	case status == http.StatusPaymentRequired:
		e := BudgetExceeded("upstream quota exhausted: %s", msg)
		e.Provider = provider
		e.Code = status
		return e
	case status >= 500:
		e := Unavailable(provider, fmt.Sprintf("upstream returned %d: %s", status, msg), nil)
		e.Code = status
		return e
	default:
		return Provider(provider, status, msg)
	}
}

// upstreamMessage prefers the provider's error.message field and falls back
// to the raw body, truncated.
func upstreamMessage(body []byte) string {
	if m := gjson.GetBytes(body, "error.message"); m.Exists() && m.String() != "" {
		return truncate(m.String(), maxErrorBody)
	}
	if m := gjson.GetBytes(body, "message"); m.Exists() && m.String() != "" {
		return truncate(m.String(), maxErrorBody)
	}
	return truncate(strings.TrimSpace(string(body)), maxErrorBody)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) && len(s) > 0 {
		s = s[:len(s)-1]
	}
	return s
}

// ParseRetryAfter accepts either delta-seconds or an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// IsDialFailure reports whether err happened while establishing the
// connection, before any request bytes reached the upstream.
func IsDialFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsNetworkFailure reports whether err came from the network layer.
func IsNetworkFailure(err error) bool {
	if IsDialFailure(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
