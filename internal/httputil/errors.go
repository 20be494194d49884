package httputil

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/af-corp/aiproxy/internal/proxyerr"
)

// APIError is the error envelope returned to clients.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Status returns the HTTP status and envelope type tag for a failure kind.
func Status(k proxyerr.Kind) (int, string) {
	switch k {
	case proxyerr.KindValidation:
		return http.StatusBadRequest, "invalid_request_error"
	case proxyerr.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limit_error"
	case proxyerr.KindBudgetExceeded:
		return http.StatusPaymentRequired, "budget_exceeded_error"
	case proxyerr.KindProviderUnavailable:
		return http.StatusServiceUnavailable, "provider_unavailable_error"
	case proxyerr.KindProviderError:
		return http.StatusBadGateway, "provider_error"
	case proxyerr.KindIo:
		return http.StatusInternalServerError, "io_error"
	case proxyerr.KindOther:
		return http.StatusInternalServerError, "internal_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// Body builds the envelope body for err without writing it.
func Body(requestID string, err error) APIErrorBody {
	pe := proxyerr.Classify("", err)
	_, errType := Status(pe.Kind)
	details := pe.Details
	if pe.Provider != "" || pe.Code != 0 {
		details = make(map[string]any, len(pe.Details)+2)
		for k, v := range pe.Details {
			details[k] = v
		}
		if pe.Provider != "" {
			details["provider"] = pe.Provider
		}
		if pe.Code != 0 {
			details["upstream_status"] = pe.Code
		}
	}
	return APIErrorBody{
		Type:      errType,
		Message:   pe.Message,
		Details:   details,
		RequestID: requestID,
	}
}

// WriteProxyError writes err as a classified error envelope.
func WriteProxyError(w http.ResponseWriter, requestID string, err error) {
	pe := proxyerr.Classify("", err)
	status, _ := Status(pe.Kind)
	if pe.Kind == proxyerr.KindRateLimited {
		secs := int(math.Ceil(pe.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, requestID, status, APIError{Error: Body(requestID, pe)})
}

// WriteError writes an envelope for failures that originate in the HTTP layer
// itself rather than in a proxied call.
func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, message string) {
	writeJSON(w, requestID, statusCode, APIError{
		Error: APIErrorBody{
			Type:      errType,
			Message:   message,
			RequestID: requestID,
		},
	})
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteProxyError(w, requestID, proxyerr.Validation("%s", message))
}

func writeJSON(w http.ResponseWriter, requestID string, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
