package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// queuedEnvelope is the internal structure stored in Badger
type queuedEnvelope struct {
	ID           string          `json:"id"`
	Body         models.Envelope `json:"body"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAt    time.Time       `json:"visible_at"`
	ReceiveCount int             `json:"receive_count"`
}

// EnvelopeQueue implements an at-least-once FIFO over BadgerDB. Envelope data
// lives at queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{unixnano %020d}:{id} keeps envelopes ordered and lets
// Receive scan only ready messages. Claiming an envelope moves its index key
// into the future by the visibility timeout, so a crashed worker's envelope
// reappears once the timeout lapses.
type EnvelopeQueue struct {
	db                *badgerdb.DB
	logger            arbor.ILogger
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewEnvelopeQueue creates a Badger-backed envelope queue
func NewEnvelopeQueue(db *BadgerDB, logger arbor.ILogger, queueName string, visibilityTimeout time.Duration, maxReceive int) (*EnvelopeQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 60 * time.Second
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &EnvelopeQueue{
		db:                db.DB(),
		logger:            logger,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Enqueue adds an envelope to the queue, immediately visible
func (q *EnvelopeQueue) Enqueue(ctx context.Context, env models.Envelope) error {
	return q.EnqueueDelayed(ctx, env, 0)
}

// EnqueueDelayed adds an envelope that becomes visible after the delay
func (q *EnvelopeQueue) EnqueueDelayed(ctx context.Context, env models.Envelope, delay time.Duration) error {
	id := uuid.New().String()

	qEnv := queuedEnvelope{
		ID:         id,
		Body:       env,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now().Add(delay),
	}

	data, err := json.Marshal(qEnv)
	if err != nil {
		return fmt.Errorf("failed to marshal queue envelope: %w", err)
	}

	err = q.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(q.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(qEnv.VisibleAt, id), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue envelope for job %s: %w", env.JobID, err)
	}

	q.logger.Debug().
		Str("job_id", env.JobID).
		Str("message_id", id).
		Dur("delay", delay).
		Msg("Envelope enqueued")

	return nil
}

// Receive claims the next visible envelope. The claim re-indexes the envelope
// at now+visibilityTimeout; Ack deletes it. Returns ErrNoMessage when nothing
// is ready.
func (q *EnvelopeQueue) Receive(ctx context.Context) (*interfaces.Delivery, error) {
	var qEnv queuedEnvelope
	var msgID string
	var oldIndexKey []byte

	err := q.db.Update(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}

			if ts.After(now) {
				// Index keys sort by timestamp; nothing later is ready either
				break
			}

			itemMsg, err := txn.Get(q.msgKey(id))
			if err != nil {
				if errors.Is(err, badgerdb.ErrKeyNotFound) {
					// Dangling index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := itemMsg.Value(func(val []byte) error {
				return json.Unmarshal(val, &qEnv)
			}); err != nil {
				return err
			}

			if qEnv.ReceiveCount >= q.maxReceive {
				// Poison envelope; drop it rather than loop forever
				q.logger.Warn().
					Str("job_id", qEnv.Body.JobID).
					Int("receive_count", qEnv.ReceiveCount).
					Msg("Envelope exceeded max receive count, dropping")
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(q.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			found = true
			msgID = id
			oldIndexKey = key
			break
		}

		if !found {
			return interfaces.ErrNoMessage
		}

		qEnv.ReceiveCount++
		qEnv.VisibleAt = time.Now().Add(q.visibilityTimeout)

		newData, err := json.Marshal(qEnv)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(msgID), newData); err != nil {
			return err
		}

		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(q.indexKey(qEnv.VisibleAt, msgID), []byte{})
	})

	if err != nil {
		return nil, err
	}

	delivery := &interfaces.Delivery{
		Envelope:     qEnv.Body,
		MessageID:    msgID,
		ReceiveCount: qEnv.ReceiveCount,
		Ack: func() error {
			return q.delete(msgID)
		},
	}

	return delivery, nil
}

// Extend pushes out the visibility timeout for a claimed envelope
func (q *EnvelopeQueue) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return q.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(q.msgKey(messageID))
		if err != nil {
			return err
		}

		var qEnv queuedEnvelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qEnv)
		}); err != nil {
			return err
		}

		oldVisibleAt := qEnv.VisibleAt
		qEnv.VisibleAt = time.Now().Add(duration)

		newData, err := json.Marshal(qEnv)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(messageID), newData); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(oldVisibleAt, messageID)); err != nil {
			if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
		}
		return txn.Set(q.indexKey(qEnv.VisibleAt, messageID), []byte{})
	})
}

// Close closes the queue (no-op; the DB is managed by the connection)
func (q *EnvelopeQueue) Close() error {
	return nil
}

func (q *EnvelopeQueue) delete(messageID string) error {
	return q.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(q.msgKey(messageID))
		if err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil // Already deleted
			}
			return err
		}

		var qEnv queuedEnvelope
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qEnv)
		}); err != nil {
			return err
		}

		if err := txn.Delete(q.indexKey(qEnv.VisibleAt, messageID)); err != nil {
			if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
		}
		return txn.Delete(q.msgKey(messageID))
	})
}

func (q *EnvelopeQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.queueName, id))
}

func (q *EnvelopeQueue) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexicographic order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.queueName, visibleAt.UnixNano(), id))
}

func (q *EnvelopeQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", q.queueName)
	if len(key) <= len(prefix)+21 {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	ts, err := strconv.ParseInt(suffix[:20], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
