// Package transcript persists raw request/response pairs of proxied calls.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Durability tells a Logger how hard to try to get a record onto disk.
type Durability string

const (
	// DurabilityNone never forces writes to stable storage.
	DurabilityNone Durability = "none"
	// DurabilityCommit syncs when a call's response record is written.
	DurabilityCommit Durability = "commit"
	// DurabilityAlways syncs after every record.
	DurabilityAlways Durability = "always"
)

func ParseDurability(s string) (Durability, error) {
	switch d := Durability(s); d {
	case DurabilityNone, DurabilityCommit, DurabilityAlways:
		return d, nil
	case "":
		return DurabilityCommit, nil
	default:
		return "", fmt.Errorf("unknown transcript durability %q", s)
	}
}

type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Record is one line of a transcript.
type Record struct {
	Time       time.Time       `json:"time"`
	Phase      Phase           `json:"phase"`
	RequestID  string          `json:"request_id,omitempty"`
	TurnID     string          `json:"turn_id,omitempty"`
	Operation  string          `json:"operation"`
	Provider   string          `json:"provider,omitempty"`
	Model      string          `json:"model,omitempty"`
	Cached     bool            `json:"cached,omitempty"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Error      string          `json:"error,omitempty"`
	Durability Durability      `json:"-"`
}

// Logger accepts transcript records. Implementations must be safe for
// concurrent use.
type Logger interface {
	Log(ctx context.Context, rec Record) error
	Close() error
}

type NopLogger struct{}

func (NopLogger) Log(context.Context, Record) error { return nil }
func (NopLogger) Close() error                      { return nil }
