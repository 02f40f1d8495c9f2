// Package correlation carries the request correlation ID through every call
// path on a job's lifecycle, from the HTTP edge to plugin subprocess output.
package correlation

import (
	"context"
	"regexp"

	"github.com/isengard-ai/isengard/internal/common"
)

// HeaderName is the HTTP header used to propagate correlation IDs
const HeaderName = "X-Correlation-ID"

// Prefixes identify where a correlation ID originated.
const (
	PrefixFrontend = "fe"
	PrefixAPI      = "api"
	PrefixClient   = "cor"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type ctxKey struct{}

// With returns a context carrying the correlation ID
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Get returns the correlation ID from the context, or "" if none is set
func Get(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Generate creates a fresh correlation ID with the given origin prefix
func Generate(prefix string) string {
	return common.NewCorrelationID(prefix)
}

// Valid reports whether a client-supplied correlation ID is acceptable
func Valid(id string) bool {
	return validID.MatchString(id)
}

// FromHeader accepts a client-supplied header value if it is valid, otherwise
// generates a fresh API-originated ID. The returned bool reports whether the
// client value was accepted.
func FromHeader(value string) (string, bool) {
	if Valid(value) {
		return value, true
	}
	return Generate(PrefixAPI), false
}
