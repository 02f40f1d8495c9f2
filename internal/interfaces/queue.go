package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/isengard-ai/isengard/internal/models"
)

// ErrNoMessage is returned when the queue has no visible envelope
var ErrNoMessage = errors.New("no messages in queue")

// Delivery is a claimed envelope. Ack removes it from the queue; an
// unacknowledged delivery becomes visible again after the visibility timeout.
type Delivery struct {
	Envelope     models.Envelope
	MessageID    string
	ReceiveCount int
	Ack          func() error
}

// EnvelopeQueue is the FIFO handoff between API and worker with at-least-once
// delivery: a crashed worker leaves its claimed envelope to be redelivered.
type EnvelopeQueue interface {
	Enqueue(ctx context.Context, env models.Envelope) error
	// EnqueueDelayed makes the envelope visible only after the delay elapses
	EnqueueDelayed(ctx context.Context, env models.Envelope, delay time.Duration) error
	Receive(ctx context.Context) (*Delivery, error)
	Extend(ctx context.Context, messageID string, duration time.Duration) error
	Close() error
}
