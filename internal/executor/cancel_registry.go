package executor

import (
	"sync"

	"github.com/isengard-ai/isengard/internal/interfaces"
)

// CancelToken is a one-shot cooperative cancellation signal
type CancelToken struct {
	done chan struct{}
	once sync.Once
}

func newCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// IsSet reports whether cancellation has been requested
func (t *CancelToken) IsSet() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

func (t *CancelToken) set() {
	t.once.Do(func() { close(t.done) })
}

// CancelRegistry maps in-flight job IDs to their cancel tokens so the API can
// signal a running job. Jobs not yet registered need no signal: the executor
// observes their cancelled status in the store before invoking the plugin.
type CancelRegistry struct {
	mu     sync.Mutex
	tokens map[string]*CancelToken
}

// NewCancelRegistry creates an empty registry
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{tokens: make(map[string]*CancelToken)}
}

// Register creates (or returns) the cancel token for a job
func (r *CancelRegistry) Register(jobID string) interfaces.CancelToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.tokens[jobID]
	if !ok {
		token = newCancelToken()
		r.tokens[jobID] = token
	}
	return token
}

// Cancel sets the token for a job if one is registered
func (r *CancelRegistry) Cancel(jobID string) {
	r.mu.Lock()
	token := r.tokens[jobID]
	r.mu.Unlock()

	if token != nil {
		token.set()
	}
}

// Release removes a job's token once execution finishes
func (r *CancelRegistry) Release(jobID string) {
	r.mu.Lock()
	delete(r.tokens, jobID)
	r.mu.Unlock()
}
