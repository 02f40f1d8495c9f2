package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with a type prefix.
// Format: {prefix}-{12 lowercase hex chars}, e.g. "train-9f86d081884c"
func NewJobID(prefix string) string {
	return prefix + "-" + shortHex()
}

// NewCorrelationID generates a correlation ID with an origin prefix.
// Prefixes: "fe" (frontend), "api" (server-generated), "cor" (client library).
func NewCorrelationID(prefix string) string {
	return prefix + "-" + shortHex()
}

func shortHex() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
