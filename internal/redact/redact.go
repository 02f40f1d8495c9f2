// Package redact scrubs credentials and user paths from log output.
// Every string that reaches a log file or a debug bundle passes through here.
package redact

import (
	"reflect"
	"regexp"
	"strings"
)

const (
	// Redacted is the replacement for values under sensitive keys
	Redacted = "***REDACTED***"

	maxDepth = 10

	maxDepthMarker = "[MAX_DEPTH_EXCEEDED]"
	circularMarker = "[CIRCULAR_REFERENCE]"
)

type pattern struct {
	re          *regexp.Regexp
	replacement string
}

// Compiled once; order matters only in that token-prefix patterns run before
// the generic query-string patterns.
var patterns = []pattern{
	{regexp.MustCompile(`hf_[A-Za-z0-9]+`), "hf_***REDACTED***"},
	{regexp.MustCompile(`sk-[A-Za-z0-9-]+`), "sk-***REDACTED***"},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]+`), "ghp_***REDACTED***"},
	{regexp.MustCompile(`rpa_[A-Za-z0-9]+`), "rpa_***REDACTED***"},
	{regexp.MustCompile(`(?i)Bearer [A-Za-z0-9._-]+`), "Bearer ***REDACTED***"},
	{regexp.MustCompile(`(?i)token=[^&\s]+`), "token=***"},
	{regexp.MustCompile(`(?i)password=[^\s&]+`), "password=***"},
	{regexp.MustCompile(`/Users/[^/]+/`), "/[HOME]/"},
	{regexp.MustCompile(`/home/[^/]+/`), "/[HOME]/"},
}

var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
	"api_key":       {},
	"apikey":        {},
	"token":         {},
	"password":      {},
	"secret":        {},
	"credential":    {},
}

// String applies the pattern table to a single string. Matching substrings are
// replaced in place; surrounding context is preserved.
func String(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

// IsSensitiveKey reports whether a map key's value must be replaced wholesale
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// Map returns a redacted copy of a fields map. The input is never mutated.
func Map(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out, _ := Value(m).(map[string]interface{})
	return out
}

// Value redacts an arbitrary decoded-JSON value: strings go through the
// pattern table, sensitive map keys have their values replaced, and nested
// maps/slices are walked recursively up to depth 10 with cycle detection.
func Value(v interface{}) interface{} {
	return walk(v, 0, map[uintptr]bool{})
}

func walk(v interface{}, depth int, seen map[uintptr]bool) interface{} {
	if depth > maxDepth {
		return maxDepthMarker
	}

	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return circularMarker
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if IsSensitiveKey(k) {
				out[k] = Redacted
				continue
			}
			out[k] = walk(val, depth+1, seen)
		}
		return out
	case []interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return circularMarker
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = walk(val, depth+1, seen)
		}
		return out
	default:
		return v
	}
}
