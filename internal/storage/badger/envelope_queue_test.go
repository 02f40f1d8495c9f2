package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

func newTestQueue(t *testing.T, visibility time.Duration, maxReceive int) *EnvelopeQueue {
	t.Helper()
	queue, err := NewEnvelopeQueue(newTestDB(t), arbor.NewLogger(), "jobs", visibility, maxReceive)
	require.NoError(t, err)
	return queue
}

func envelope(jobID string) models.Envelope {
	return models.Envelope{
		JobID:         jobID,
		CorrelationID: "fe-abc123def456",
		EnqueuedAt:    time.Now(),
	}
}

func TestEnvelopeQueue_EnqueueReceiveAck(t *testing.T) {
	queue := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, envelope("train-abc123def456")))

	delivery, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "train-abc123def456", delivery.Envelope.JobID)
	assert.Equal(t, "fe-abc123def456", delivery.Envelope.CorrelationID)
	assert.Equal(t, 1, delivery.ReceiveCount)

	require.NoError(t, delivery.Ack())

	_, err = queue.Receive(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)
}

func TestEnvelopeQueue_EmptyReturnsNoMessage(t *testing.T) {
	queue := newTestQueue(t, time.Minute, 3)
	_, err := queue.Receive(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)
}

func TestEnvelopeQueue_FIFO(t *testing.T) {
	queue := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, envelope("train-aaa111aaa111")))
	time.Sleep(2 * time.Millisecond) // distinct visibility timestamps
	require.NoError(t, queue.Enqueue(ctx, envelope("train-bbb222bbb222")))

	first, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "train-aaa111aaa111", first.Envelope.JobID)

	second, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "train-bbb222bbb222", second.Envelope.JobID)
}

func TestEnvelopeQueue_VisibilityTimeoutRedelivery(t *testing.T) {
	queue := newTestQueue(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, envelope("train-abc123def456")))

	first, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ReceiveCount)

	// Claimed but unacked: invisible until the timeout lapses
	_, err = queue.Receive(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)

	time.Sleep(80 * time.Millisecond)

	second, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "train-abc123def456", second.Envelope.JobID)
	assert.Equal(t, 2, second.ReceiveCount)
}

func TestEnvelopeQueue_MaxReceiveDropsPoison(t *testing.T) {
	queue := newTestQueue(t, 10*time.Millisecond, 2)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, envelope("train-abc123def456")))

	for i := 0; i < 2; i++ {
		_, err := queue.Receive(ctx)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}

	// Third delivery would exceed max_receive; the envelope is dropped
	_, err := queue.Receive(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)
}

func TestEnvelopeQueue_EnqueueDelayed(t *testing.T) {
	queue := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, queue.EnqueueDelayed(ctx, envelope("train-abc123def456"), 60*time.Millisecond))

	_, err := queue.Receive(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)

	time.Sleep(90 * time.Millisecond)

	delivery, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "train-abc123def456", delivery.Envelope.JobID)
}

func TestEnvelopeQueue_Extend(t *testing.T) {
	queue := newTestQueue(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, envelope("train-abc123def456")))

	delivery, err := queue.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, queue.Extend(ctx, delivery.MessageID, time.Minute))

	// Without the extension this would be redelivered by now
	time.Sleep(80 * time.Millisecond)
	_, err = queue.Receive(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)

	require.NoError(t, delivery.Ack())
}

func TestEnvelopeQueue_AckIdempotent(t *testing.T) {
	queue := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, envelope("train-abc123def456")))
	delivery, err := queue.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, delivery.Ack())
	require.NoError(t, delivery.Ack())
}
