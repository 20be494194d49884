// Package normalize turns raw client requests into a canonical form so that
// requests differing only in formatting share a cache key.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/af-corp/aiproxy/internal/proxyerr"
	"github.com/af-corp/aiproxy/internal/types"
)

const bom = '\uFEFF'

// Options holds the configured caps and defaults.
type Options struct {
	MaxOutputTokens        int
	DefaultMaxOutputTokens int
	DefaultTemperature     float64
	DefaultTopP            float64
}

func DefaultOptions() Options {
	return Options{
		MaxOutputTokens:    100_000,
		DefaultTemperature: 1.0,
		DefaultTopP:        1.0,
	}
}

// Normalizer is stateless and safe for concurrent use.
type Normalizer struct {
	opts Options
}

func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// NormalizedChat is the canonical chat request. It carries no identifier
// fields.
type NormalizedChat struct {
	Model           string          `json:"model"`
	Messages        []types.Message `json:"messages"`
	Temperature     float64         `json:"temperature"`
	TopP            float64         `json:"top_p"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	StopSequences   []string        `json:"stop_sequences,omitempty"`
}

// NormalizedEmbed is the canonical embedding request.
type NormalizedEmbed struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

// Key is the hex SHA-256 digest of the request's semantic fields.
func (c *NormalizedChat) Key() string {
	return digest("chat", c)
}

func (e *NormalizedEmbed) Key() string {
	return digest("embed", e)
}

func digest(op string, v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Only strings, slices and finite floats reach here.
		panic(fmt.Sprintf("normalize: marshal %s request: %v", op, err))
	}
	h := sha256.New()
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write(data)
	return op + ":" + hex.EncodeToString(h.Sum(nil))
}

// CleanText strips leading byte-order marks, converts CRLF to LF, applies
// NFC composition and trims surrounding whitespace. The result is a fixed
// point: CleanText(CleanText(s)) == CleanText(s).
func CleanText(s string) (string, error) {
	s, err := canonical(s)
	if err != nil {
		return "", err
	}
	s = strings.TrimLeftFunc(s, func(r rune) bool { return r == bom || unicode.IsSpace(r) })
	return strings.TrimRightFunc(s, unicode.IsSpace), nil
}

// canonical is CleanText without trimming, for values whose surrounding
// whitespace is significant.
func canonical(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", proxyerr.Validation("text is not valid UTF-8")
	}
	s = strings.TrimLeft(s, string(bom))
	for strings.Contains(s, "\r\n") {
		s = strings.ReplaceAll(s, "\r\n", "\n")
	}
	return norm.NFC.String(s), nil
}

func (n *Normalizer) Chat(req *types.ChatRequest) (*NormalizedChat, error) {
	model, err := n.model(req.Model)
	if err != nil {
		return nil, err
	}
	if len(req.Messages) == 0 {
		return nil, proxyerr.Validation("messages must not be empty").WithDetail("field", "messages")
	}

	out := &NormalizedChat{
		Model:    model,
		Messages: make([]types.Message, 0, len(req.Messages)),
	}
	for i, m := range req.Messages {
		role, ok := types.ParseRole(strings.TrimSpace(string(m.Role)))
		if !ok {
			return nil, proxyerr.Validation("unknown role %q", m.Role).WithDetail("field", fmt.Sprintf("messages[%d].role", i))
		}
		content, err := CleanText(m.Content)
		if err != nil {
			return nil, withField(err, fmt.Sprintf("messages[%d].content", i))
		}
		out.Messages = append(out.Messages, types.Message{Role: role, Content: content})
	}

	if out.Temperature, err = n.sampling("temperature", req.Temperature, n.opts.DefaultTemperature, 0, 2, 3); err != nil {
		return nil, err
	}
	if out.TopP, err = n.sampling("top_p", req.TopP, n.opts.DefaultTopP, 0, 1, 4); err != nil {
		return nil, err
	}

	out.MaxOutputTokens = n.opts.DefaultMaxOutputTokens
	if req.MaxOutputTokens != nil {
		if *req.MaxOutputTokens <= 0 {
			return nil, proxyerr.Validation("max_output_tokens must be positive").WithDetail("field", "max_output_tokens")
		}
		out.MaxOutputTokens = *req.MaxOutputTokens
	}
	if n.opts.MaxOutputTokens > 0 && out.MaxOutputTokens > n.opts.MaxOutputTokens {
		out.MaxOutputTokens = n.opts.MaxOutputTokens
	}

	if out.StopSequences, err = stopSequences(req.StopSequences); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Normalizer) Embed(req *types.EmbedRequest) (*NormalizedEmbed, error) {
	model, err := n.model(req.Model)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(req.Inputs))
	inputs := make([]string, 0, len(req.Inputs))
	for i, in := range req.Inputs {
		text, err := CleanText(in)
		if err != nil {
			return nil, withField(err, fmt.Sprintf("inputs[%d]", i))
		}
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		inputs = append(inputs, text)
	}
	if len(inputs) == 0 {
		return nil, proxyerr.Validation("inputs must contain at least one non-empty string").WithDetail("field", "inputs")
	}
	return &NormalizedEmbed{Model: model, Inputs: inputs}, nil
}

func (n *Normalizer) model(raw string) (string, error) {
	model, err := CleanText(raw)
	if err != nil {
		return "", withField(err, "model")
	}
	if model == "" {
		return "", proxyerr.Validation("model is required").WithDetail("field", "model")
	}
	return model, nil
}

func (n *Normalizer) sampling(field string, v *float64, def, lo, hi float64, places int) (float64, error) {
	x := def
	if v != nil {
		x = *v
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, proxyerr.Validation("%s must be a finite number", field).WithDetail("field", field)
	}
	x = math.Min(math.Max(x, lo), hi)
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p, nil
}

// stopSequences keeps surrounding whitespace, since "\n" is a common stop
// sequence, and deduplicates preserving first-seen order.
func stopSequences(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for i, s := range raw {
		c, err := canonical(s)
		if err != nil {
			return nil, withField(err, fmt.Sprintf("stop_sequences[%d]", i))
		}
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func withField(err error, field string) error {
	if pe, ok := proxyerr.As(err); ok {
		return pe.WithDetail("field", field)
	}
	return err
}
