// Package stream turns provider server-sent event bodies into a validated
// sequence of events: any number of text deltas, at most one usage report,
// and exactly one terminal event.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/types"
)

// Stream yields events until io.EOF, which follows the terminal event.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// ErrClosed is returned by Recv after Close released the stream early.
var ErrClosed = errors.New("stream: closed")

type Kind int

const (
	KindDeltaText Kind = iota
	KindUsage
	KindStop
	KindFinal
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindDeltaText:
		return "DeltaText"
	case KindUsage:
		return "Usage"
	case KindStop:
		return "Stop"
	case KindFinal:
		return "Final"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Event struct {
	Kind Kind

	Text   string
	Usage  types.Usage
	Reason types.StopReason
	// Data is the trailing summary a provider attached to its finish signal.
	Data json.RawMessage
	Err  *proxyerr.Error
}

func Delta(text string) Event { return Event{Kind: KindDeltaText, Text: text} }

func UsageReport(u types.Usage) Event { return Event{Kind: KindUsage, Usage: u} }

func Stop(reason types.StopReason) Event { return Event{Kind: KindStop, Reason: reason} }

func Final(reason types.StopReason, data json.RawMessage) Event {
	return Event{Kind: KindFinal, Reason: reason, Data: data}
}

func Failure(err *proxyerr.Error) Event { return Event{Kind: KindError, Err: err} }

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case KindStop, KindFinal, KindError:
		return true
	}
	return false
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wireEvent struct {
	Type             string           `json:"type"`
	Text             string           `json:"text,omitempty"`
	PromptTokens     *int             `json:"prompt_tokens,omitempty"`
	CompletionTokens *int             `json:"completion_tokens,omitempty"`
	TotalTokens      *int             `json:"total_tokens,omitempty"`
	Reason           types.StopReason `json:"reason,omitempty"`
	Data             json.RawMessage  `json:"data,omitempty"`
	Error            *wireError       `json:"error,omitempty"`
}

// MarshalJSON renders the event as {"type": "<Kind>", ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Kind.String()}
	switch e.Kind {
	case KindDeltaText:
		w.Text = e.Text
	case KindUsage:
		w.PromptTokens = &e.Usage.PromptTokens
		w.CompletionTokens = &e.Usage.CompletionTokens
		w.TotalTokens = &e.Usage.TotalTokens
	case KindStop:
		w.Reason = e.Reason
	case KindFinal:
		w.Reason = e.Reason
		w.Data = e.Data
	case KindError:
		w.Error = &wireError{Type: proxyerr.KindOther.String(), Message: "stream failed"}
		if e.Err != nil {
			w.Error = &wireError{Type: e.Err.Kind.String(), Message: e.Err.Message}
		}
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case "DeltaText":
		*e = Delta(w.Text)
	case "Usage":
		var u types.Usage
		if w.PromptTokens != nil {
			u.PromptTokens = *w.PromptTokens
		}
		if w.CompletionTokens != nil {
			u.CompletionTokens = *w.CompletionTokens
		}
		if w.TotalTokens != nil {
			u.TotalTokens = *w.TotalTokens
		}
		*e = UsageReport(u)
	case "Stop":
		*e = Stop(w.Reason)
	case "Final":
		*e = Final(w.Reason, w.Data)
	case "Error":
		pe := proxyerr.Other("stream failed", nil)
		if w.Error != nil {
			pe = &proxyerr.Error{Kind: parseKind(w.Error.Type), Message: w.Error.Message}
		}
		*e = Failure(pe)
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}

func parseKind(s string) proxyerr.Kind {
	for _, k := range proxyerr.Kinds {
		if k.String() == s {
			return k
		}
	}
	return proxyerr.KindOther
}
