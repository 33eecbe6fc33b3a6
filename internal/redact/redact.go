// Package redact scrubs sensitive substrings from strings and decoded JSON
// values before they are persisted or echoed back to a caller.
package redact

import (
	"bytes"
	"encoding/json"
	"regexp"
)

// EmailMarker replaces every email-shaped substring.
const EmailMarker = "[redacted-email]"

// Pattern replaces every match of a regular expression with a fixed marker.
type Pattern struct {
	Name    string
	re      *regexp.Regexp
	replace string
}

// NewPattern compiles expr into a Pattern. It panics on an invalid expression,
// so it is meant for package-level tables.
func NewPattern(name, expr, replace string) Pattern {
	return Pattern{Name: name, re: regexp.MustCompile(expr), replace: replace}
}

// Apply returns s with every match replaced.
func (p Pattern) Apply(s string) string {
	return p.re.ReplaceAllLiteralString(s, p.replace)
}

// Letters and digits from any script count as address characters.
var email = NewPattern("email", `[\p{L}\p{N}_.\-]+@[\p{L}\p{N}_.\-]+`, EmailMarker)

// secrets are scrubbed from diagnostic text on top of emails.
var secrets = []Pattern{
	NewPattern("bearer", `(?i)bearer\s+[a-zA-Z0-9\-_.~+/=]+`, "Bearer [redacted-token]"),
	NewPattern("github", `gh[pousr]_[a-zA-Z0-9]{36,}`, "[redacted-token]"),
	NewPattern("aws", `AKIA[0-9A-Z]{16}`, "[redacted-token]"),
	NewPattern("jwt", `eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`, "[redacted-token]"),
	NewPattern("password", `(?i)(password|passwd|pwd)\s*[=:]\s*\S+`, "[redacted-password]"),
}

// String replaces email-shaped substrings in s.
func String(s string) string {
	return email.Apply(s)
}

// Diagnostic scrubs emails and credential-shaped tokens from s. It is used for
// error text that crosses the trust boundary.
func Diagnostic(s string) string {
	s = email.Apply(s)
	for _, p := range secrets {
		s = p.Apply(s)
	}
	return s
}

// Value walks a decoded JSON value and returns a copy in which every string,
// including object keys, has been passed through String. Values of any other
// type are returned unchanged. The input is not modified.
func Value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[String(k)] = Value(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	case json.RawMessage:
		var decoded any
		dec := json.NewDecoder(bytes.NewReader(t))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return json.RawMessage(String(string(t)))
		}
		return Value(decoded)
	default:
		// nil, bool, float64, json.Number and anything else without strings.
		return v
	}
}
