package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := With(context.Background(), "fe-abc123def456")
	assert.Equal(t, "fe-abc123def456", Get(ctx))
}

func TestGet_Empty(t *testing.T) {
	assert.Equal(t, "", Get(context.Background()))
}

func TestGenerate(t *testing.T) {
	id := Generate(PrefixAPI)
	assert.True(t, strings.HasPrefix(id, "api-"))
	assert.Len(t, id, len("api-")+12)
	assert.True(t, Valid(id))

	// IDs must be unique across calls
	assert.NotEqual(t, id, Generate(PrefixAPI))
}

func TestValid(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"frontend id", "fe-abc123def456", true},
		{"plain token", "my_trace_01", true},
		{"max length", strings.Repeat("a", 64), true},
		{"too long", strings.Repeat("a", 65), false},
		{"empty", "", false},
		{"whitespace", "abc def", false},
		{"path traversal", "../etc/passwd", false},
		{"newline injection", "abc\ndef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, Valid(tt.id))
		})
	}
}

func TestFromHeader(t *testing.T) {
	id, accepted := FromHeader("fe-abc123def456")
	assert.True(t, accepted)
	assert.Equal(t, "fe-abc123def456", id)

	id, accepted = FromHeader("not valid!")
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(id, "api-"))
	assert.True(t, Valid(id))

	id, accepted = FromHeader("")
	assert.False(t, accepted)
	assert.True(t, strings.HasPrefix(id, "api-"))
}
