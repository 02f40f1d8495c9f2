// Package events implements the job event bus: every published entry is
// appended to the job's events.jsonl and fanned out to live stream
// subscribers. The file is the source of truth; subscribers see a prefix of it.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/redact"
)

// Write failures are retried with backoff before surfacing to the caller
var writeBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

type subscriber struct {
	ch         chan *models.JobLogEntry
	dropLogged bool
}

type jobTopic struct {
	mu     sync.Mutex // serializes publish order per job
	subs   map[int]*subscriber
	nextID int
}

// Bus is the in-process event bus backed by per-job JSONL files
type Bus struct {
	jobsDir string
	logger  arbor.ILogger

	mu     sync.Mutex
	topics map[string]*jobTopic
}

// NewBus creates an event bus writing under jobsDir ({volume}/logs/jobs)
func NewBus(jobsDir string, logger arbor.ILogger) *Bus {
	return &Bus{
		jobsDir: jobsDir,
		logger:  logger,
		topics:  make(map[string]*jobTopic),
	}
}

// Publish redacts the entry, appends it to the job's events.jsonl under an
// advisory file lock, and enqueues it to every live subscriber. Subscriber
// delivery is best-effort and never blocks; the file write is retried with
// backoff and its failure is returned to the caller after fan-out so the UI
// still sees the event even when persistence failed.
func (b *Bus) Publish(ctx context.Context, entry *models.JobLogEntry) error {
	if entry.JobID == "" {
		return fmt.Errorf("cannot publish entry without job_id")
	}

	scrubbed := redactEntry(entry)

	topic := b.topic(entry.JobID)
	topic.mu.Lock()
	defer topic.mu.Unlock()

	writeErr := b.append(entry.JobID, scrubbed)

	for _, sub := range topic.subs {
		select {
		case sub.ch <- scrubbed:
		default:
			// Slow subscriber: drop its oldest pending event to make room
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- scrubbed
			if !sub.dropLogged {
				sub.dropLogged = true
				b.logger.Warn().
					Str("job_id", entry.JobID).
					Str("event", "subscriber.dropped").
					Msg("Slow subscriber, dropping oldest pending events")
			}
		}
	}

	if writeErr != nil {
		b.logger.Error().
			Err(writeErr).
			Str("job_id", entry.JobID).
			Str("event", entry.Event).
			Msg("Failed to persist job event")
		return writeErr
	}

	return nil
}

// Subscribe registers a bounded channel for a job's events. The returned
// teardown function must be called when the subscriber goes away.
func (b *Bus) Subscribe(jobID string) (<-chan *models.JobLogEntry, func()) {
	topic := b.topic(jobID)

	topic.mu.Lock()
	id := topic.nextID
	topic.nextID++
	sub := &subscriber{ch: make(chan *models.JobLogEntry, interfaces.SubscriberBuffer)}
	topic.subs[id] = sub
	topic.mu.Unlock()

	unsubscribe := func() {
		topic.mu.Lock()
		delete(topic.subs, id)
		topic.mu.Unlock()
	}

	return sub.ch, unsubscribe
}

// History returns the last limit entries from the job's events.jsonl so late
// subscribers see recent context. limit <= 0 returns every entry. Malformed
// lines are skipped; partial log corruption never blocks a read.
func (b *Bus) History(jobID string, limit int) ([]*models.JobLogEntry, error) {
	path := b.eventsPath(jobID)

	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock event log for %s: %w", jobID, err)
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log for %s: %w", jobID, err)
	}
	defer f.Close()

	var entries []*models.JobLogEntry
	skipped := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.JobLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log for %s: %w", jobID, err)
	}

	if skipped > 0 {
		b.logger.Debug().Str("job_id", jobID).Int("skipped", skipped).Msg("Skipped malformed event log lines")
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	return entries, nil
}

// EventsPath exposes the per-job log location for the raw download endpoint
func (b *Bus) EventsPath(jobID string) string {
	return b.eventsPath(jobID)
}

func (b *Bus) topic(jobID string) *jobTopic {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.topics[jobID]
	if !ok {
		topic = &jobTopic{subs: make(map[int]*subscriber)}
		b.topics[jobID] = topic
	}
	return topic
}

func (b *Bus) eventsPath(jobID string) string {
	return filepath.Join(b.jobsDir, jobID, "events.jsonl")
}

func (b *Bus) append(jobID string, entry *models.JobLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		// Never crash the caller on a serialization failure; drop the record
		b.logger.Warn().
			Err(err).
			Str("job_id", jobID).
			Str("event", "log.serialize_failed").
			Msg("Dropping unserializable job event")
		return nil
	}
	data = append(data, '\n')

	path := b.eventsPath(jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create job log directory: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(writeBackoff); attempt++ {
		if attempt > 0 {
			time.Sleep(writeBackoff[attempt-1])
		}
		if lastErr = b.appendOnce(path, data); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to append job event after retries: %w", lastErr)
}

// appendOnce writes a single line under the advisory lock shared with the
// API-side readers.
func (b *Bus) appendOnce(path string, line []byte) error {
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

// redactEntry returns a scrubbed copy; the caller's entry is never mutated
func redactEntry(entry *models.JobLogEntry) *models.JobLogEntry {
	out := *entry
	out.Message = redact.String(entry.Message)
	out.SamplePath = redact.String(entry.SamplePath)
	out.Error = redact.String(entry.Error)
	out.ErrorStack = redact.String(entry.ErrorStack)
	out.Fields = redact.Map(entry.Fields)
	if out.Timestamp.IsZero() {
		out.Timestamp = models.Now()
	}
	return &out
}
