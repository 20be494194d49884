package stream

import (
	"errors"

	"github.com/tidwall/gjson"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/types"
)

// ErrMalformed is returned by decoders for payloads that are not valid JSON.
var ErrMalformed = errors.New("malformed stream payload")

// Decoder translates one "data:" payload into zero or more events.
// A decoder instance serves a single stream and may keep state across calls.
type Decoder interface {
	Decode(payload []byte) ([]Event, error)
}

type DecoderFunc func(payload []byte) ([]Event, error)

func (f DecoderFunc) Decode(payload []byte) ([]Event, error) { return f(payload) }

// PendingStopper is implemented by decoders that learn the finish reason
// before the upstream's end-of-stream marker arrives.
type PendingStopper interface {
	PendingStop() (types.StopReason, bool)
}

// Generic decodes the provider-neutral payload shape:
//
//	{"delta": "text"}
//	{"usage": {"prompt_tokens": 1, "completion_tokens": 2}}
//	{"finish_reason": "stop"}
//	{"finish_reason": "stop", "data": {...}}
//	{"error": {"message": "..."}}
//
// Fields may be combined in a single payload.
func Generic() Decoder {
	return DecoderFunc(decodeGeneric)
}

func decodeGeneric(payload []byte) ([]Event, error) {
	if !gjson.ValidBytes(payload) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(payload)

	var events []Event
	if d := root.Get("delta"); d.Type == gjson.String && d.Str != "" {
		events = append(events, Delta(d.Str))
	}
	if u := root.Get("usage"); u.IsObject() {
		events = append(events, UsageReport(ParseUsage(u)))
	}
	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return append(events, Failure(proxyerr.Provider("", 0, msg))), nil
	}
	if f := root.Get("finish_reason"); f.Type == gjson.String {
		reason := types.ParseStopReason(f.Str)
		if data := root.Get("data"); data.Exists() && data.Type != gjson.Null {
			return append(events, Final(reason, []byte(data.Raw))), nil
		}
		return append(events, Stop(reason)), nil
	}
	return events, nil
}

// ParseUsage reads OpenAI-style or Anthropic-style token counts.
func ParseUsage(u gjson.Result) types.Usage {
	usage := types.Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
	if in := u.Get("input_tokens"); in.Exists() {
		usage.PromptTokens = int(in.Int())
	}
	if out := u.Get("output_tokens"); out.Exists() {
		usage.CompletionTokens = int(out.Int())
	}
	return types.Usage{}.Merge(usage)
}
