package transcript

import (
	"encoding/json"
	"regexp"
)

// Pattern names a secret shape to scrub from transcripts.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

// DefaultPatterns returns the built-in secret patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:  "aws_access_key",
			Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		},
		{
			Name:  "github_token",
			Regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`),
		},
		{
			Name:  "stripe_secret_key",
			Regex: regexp.MustCompile(`sk_live_[A-Za-z0-9]{24,}`),
		},
		{
			Name:  "api_key",
			Regex: regexp.MustCompile(`sk-(?:proj-|or-|ant-)?[A-Za-z0-9_\-]{20,}`),
		},
		{
			Name:  "bearer_token",
			Regex: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{16,}`),
		},
		{
			Name:  "private_key",
			Regex: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA )?PRIVATE KEY-----[\s\S]*?(?:-----END (?:RSA |EC |DSA )?PRIVATE KEY-----|$)`),
		},
		{
			Name:  "connection_string",
			Regex: regexp.MustCompile(`(?:postgres|postgresql|mysql|mongodb|redis)://\S+`),
		},
		{
			Name:  "jwt",
			Regex: regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
		},
	}
}

// Redactor replaces secrets with "[REDACTED:<name>]".
type Redactor struct {
	patterns []Pattern
}

func NewRedactor(patterns ...Pattern) *Redactor {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Redactor{patterns: patterns}
}

func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllLiteralString(s, "[REDACTED:"+p.Name+"]")
	}
	return s
}

// RedactJSON scrubs every string value and object key in raw. Documents that
// do not parse are redacted as plain text and re-encoded as a JSON string.
func (r *Redactor) RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		out, _ := json.Marshal(r.Redact(string(raw)))
		return out
	}
	out, err := json.Marshal(r.walk(v))
	if err != nil {
		return raw
	}
	return out
}

func (r *Redactor) walk(v any) any {
	switch x := v.(type) {
	case string:
		return r.Redact(x)
	case []any:
		for i := range x {
			x[i] = r.walk(x[i])
		}
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[r.Redact(k)] = r.walk(val)
		}
		return out
	default:
		return v
	}
}
