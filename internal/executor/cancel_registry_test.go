package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelRegistry_RegisterAndCancel(t *testing.T) {
	registry := NewCancelRegistry()

	token := registry.Register("train-abc123def456")
	assert.False(t, token.IsSet())

	registry.Cancel("train-abc123def456")
	assert.True(t, token.IsSet())

	select {
	case <-token.Done():
	default:
		t.Fatal("Done channel not closed after cancel")
	}
}

func TestCancelRegistry_RegisterIsIdempotent(t *testing.T) {
	registry := NewCancelRegistry()

	first := registry.Register("train-abc123def456")
	second := registry.Register("train-abc123def456")
	assert.Same(t, first, second)
}

func TestCancelRegistry_CancelUnknownJobIsNoOp(t *testing.T) {
	registry := NewCancelRegistry()
	registry.Cancel("train-nothere000000")
}

func TestCancelRegistry_ReleaseDropsToken(t *testing.T) {
	registry := NewCancelRegistry()

	old := registry.Register("train-abc123def456")
	registry.Release("train-abc123def456")

	fresh := registry.Register("train-abc123def456")
	assert.NotSame(t, old, fresh)

	// Cancelling after release only reaches the fresh token
	registry.Cancel("train-abc123def456")
	assert.False(t, old.IsSet())
	assert.True(t, fresh.IsSet())
}

func TestCancelToken_SetIsIdempotent(t *testing.T) {
	registry := NewCancelRegistry()
	token := registry.Register("train-abc123def456")

	registry.Cancel("train-abc123def456")
	registry.Cancel("train-abc123def456")
	assert.True(t, token.IsSet())
}
