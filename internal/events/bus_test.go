package events

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	return NewBus(t.TempDir(), arbor.NewLogger())
}

func entryFor(jobID, event, msg string) *models.JobLogEntry {
	return &models.JobLogEntry{
		Timestamp: models.Now(),
		Level:     models.LevelInfo,
		Service:   "worker",
		JobID:     jobID,
		Event:     event,
		Message:   msg,
	}
}

func TestBus_PublishAppendsToFile(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, entryFor("train-abc123def456", models.EventJobQueued, "Job accepted")))
	require.NoError(t, bus.Publish(ctx, entryFor("train-abc123def456", models.EventTrainingStep, "Training step 1/10")))

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EventJobQueued, entries[0].Event)
	assert.Equal(t, models.EventTrainingStep, entries[1].Event)
}

func TestBus_PublishRejectsMissingJobID(t *testing.T) {
	bus := newTestBus(t)
	err := bus.Publish(context.Background(), entryFor("", "x", "y"))
	assert.Error(t, err)
}

func TestBus_PublishRedacts(t *testing.T) {
	bus := newTestBus(t)

	entry := entryFor("train-abc123def456", models.EventTrainingFailed, "download failed with hf_abc123")
	entry.Error = "401 for token hf_abc123"
	require.NoError(t, bus.Publish(context.Background(), entry))

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "download failed with hf_***REDACTED***", entries[0].Message)
	assert.Equal(t, "401 for token hf_***REDACTED***", entries[0].Error)

	// Caller's entry is left untouched
	assert.Contains(t, entry.Message, "hf_abc123")
}

func TestBus_SubscribeReceivesLiveEvents(t *testing.T) {
	bus := newTestBus(t)

	ch, unsubscribe := bus.Subscribe("train-abc123def456")
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), entryFor("train-abc123def456", models.EventTrainingStep, "Training step 1/10")))

	select {
	case entry := <-ch:
		assert.Equal(t, models.EventTrainingStep, entry.Event)
	case <-time.After(time.Second):
		t.Fatal("expected a live event")
	}
}

func TestBus_SubscriberIsolationByJob(t *testing.T) {
	bus := newTestBus(t)

	ch, unsubscribe := bus.Subscribe("train-aaa111aaa111")
	defer unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), entryFor("train-bbb222bbb222", models.EventTrainingStep, "step")))

	select {
	case entry := <-ch:
		t.Fatalf("unexpected event for other job: %s", entry.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	ch, unsubscribe := bus.Subscribe("train-abc123def456")
	defer unsubscribe()

	// Publish past the buffer size without draining; Publish must not block
	total := interfaces.SubscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			bus.Publish(ctx, entryFor("train-abc123def456", models.EventTrainingStep, fmt.Sprintf("step %d", i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Drain: the newest event survived, the oldest were dropped
	var got []*models.JobLogEntry
	for {
		select {
		case entry := <-ch:
			got = append(got, entry)
			continue
		default:
		}
		break
	}

	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), interfaces.SubscriberBuffer)
	assert.Equal(t, fmt.Sprintf("step %d", total-1), got[len(got)-1].Message)

	// The file has every event regardless of subscriber backpressure
	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	assert.Len(t, entries, total)
}

func TestBus_HistoryLimit(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, entryFor("train-abc123def456", models.EventTrainingStep, fmt.Sprintf("step %d", i))))
	}

	entries, err := bus.History("train-abc123def456", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "step 7", entries[0].Message)
	assert.Equal(t, "step 9", entries[2].Message)
}

func TestBus_HistoryMissingFile(t *testing.T) {
	bus := newTestBus(t)
	entries, err := bus.History("train-nothere000000", 0)
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestBus_HistorySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	bus := NewBus(dir, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, entryFor("train-abc123def456", models.EventJobQueued, "ok")))

	// Simulate a torn write from a crashed process
	path := filepath.Join(dir, "train-abc123def456", "events.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"ts\":\"2026-01-01T00:\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, bus.Publish(ctx, entryFor("train-abc123def456", models.EventTrainingStep, "after")))

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ok", entries[0].Message)
	assert.Equal(t, "after", entries[1].Message)
}
