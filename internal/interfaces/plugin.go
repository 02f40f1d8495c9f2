package interfaces

import (
	"context"
	"errors"
	"fmt"

	"github.com/isengard-ai/isengard/internal/models"
)

// ErrCancelled is returned by a plugin run that stopped because the cancel
// token was set. The executor maps it to the cancelled terminal state.
var ErrCancelled = errors.New("job cancelled")

// CancelToken is the cooperative cancellation signal polled by plugins
type CancelToken interface {
	IsSet() bool
	Done() <-chan struct{}
}

// CancelRegistry tracks cancel tokens for in-flight jobs so the API can
// signal a running executor in another goroutine.
type CancelRegistry interface {
	Register(jobID string) CancelToken
	Cancel(jobID string)
	Release(jobID string)
}

// RunResult is what a plugin reports back on return
type RunResult struct {
	Success      bool
	ArtifactPath string
	Samples      []string
}

// PluginError carries a stable error_type through the executor's failure
// translation; the type string drives the configurable retry set.
type PluginError struct {
	Type string
	Err  error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// NewPluginError wraps an error with a stable type identifier
func NewPluginError(errorType string, err error) *PluginError {
	return &PluginError{Type: errorType, Err: err}
}

// ValidationError rejects an unsupported or out-of-range config parameter.
// The HTTP layer surfaces it as a 400 naming the backend and the reason.
type ValidationError struct {
	Backend   string
	Parameter string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("backend %s rejected parameter %q: %s", e.Backend, e.Parameter, e.Reason)
}

// Plugin is a swappable training or generation backend
type Plugin interface {
	Name() string
	Capabilities() models.Capabilities
	ValidateConfig(config map[string]interface{}) error
	Run(ctx context.Context, job *models.Job, logger JobLogger, cancel CancelToken) (*RunResult, error)
}

// PluginRegistry resolves plugins by job type
type PluginRegistry interface {
	Get(jobType models.JobType) (Plugin, error)
	Capabilities() map[string]models.Capabilities
}
