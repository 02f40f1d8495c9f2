// Package executor runs the worker loop: dequeue an envelope, restore
// correlation context, invoke the plugin, translate its callbacks into
// events, and finalize the job's terminal state.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/correlation"
	"github.com/isengard-ai/isengard/internal/events"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/redact"
)

// serviceName tags every entry the executor writes to a job log
const serviceName = "worker"

// Executor consumes the envelope queue and drives plugins to completion
type Executor struct {
	cfg     *common.Config
	store   interfaces.JobStore
	queue   interfaces.EnvelopeQueue
	bus     interfaces.EventBus
	plugins interfaces.PluginRegistry
	cancels *CancelRegistry
	logger  arbor.ILogger

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an executor
func New(cfg *common.Config, store interfaces.JobStore, queue interfaces.EnvelopeQueue, bus interfaces.EventBus, registry interfaces.PluginRegistry, cancels *CancelRegistry, logger arbor.ILogger) *Executor {
	return &Executor{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		bus:     bus,
		plugins: registry,
		cancels: cancels,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the polling loop
func (e *Executor) Start() {
	e.started = true
	go e.loop()
	e.logger.Info().
		Dur("poll_interval", e.cfg.Queue.PollIntervalDuration()).
		Msg("Executor started")
}

// Stop terminates the polling loop and waits for the in-flight job to settle.
// A no-op when the executor was never started.
func (e *Executor) Stop() {
	if !e.started {
		return
	}
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
	e.logger.Info().Msg("Executor stopped")
}

func (e *Executor) loop() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Queue.PollIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.drain()
		}
	}
}

// drain processes every visible envelope before going back to sleep
func (e *Executor) drain() {
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		delivery, err := e.queue.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, interfaces.ErrNoMessage) {
				e.logger.Error().Err(err).Msg("Queue receive failed")
			}
			return
		}

		e.process(delivery)
	}
}

func (e *Executor) process(delivery *interfaces.Delivery) {
	env := delivery.Envelope

	ack := func() {
		if err := delivery.Ack(); err != nil {
			e.logger.Error().Err(err).Str("job_id", env.JobID).Msg("Failed to ack envelope")
		}
	}

	job, err := e.store.Get(context.Background(), env.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			e.logger.Warn().Str("job_id", env.JobID).Msg("Envelope references unknown job, dropping")
			ack()
			return
		}
		e.logger.Error().Err(err).Str("job_id", env.JobID).Msg("Failed to load job, leaving envelope for redelivery")
		return
	}

	corrID := env.CorrelationID
	if corrID == "" {
		corrID = job.CorrelationID
	}
	ctx := correlation.With(context.Background(), corrID)
	log := e.logger.WithCorrelationId(corrID)
	jl := events.NewJobLogger(e.bus, log, serviceName, job.ID, corrID)

	// A job cancelled while still queued is finalized here without ever
	// touching the plugin.
	if job.IsTerminal() {
		if job.Status == models.JobStatusCancelled {
			jl.Cancelled()
		}
		ack()
		return
	}

	// A running job on the queue means a worker died mid-flight. With a stale
	// heartbeat it is finalized as crashed; a fresh heartbeat means the
	// redelivery raced a live execution and the envelope is dropped.
	if job.Status == models.JobStatusRunning {
		if job.HeartbeatAge(time.Now()) > e.cfg.Executor.StaleAfterDuration() {
			e.failCrashed(ctx, job, jl)
		}
		ack()
		return
	}

	token := e.cancels.Register(job.ID)
	defer e.cancels.Release(job.ID)

	job, err = e.store.Update(ctx, job.ID, func(j *models.Job) error {
		return j.MarkStarted()
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrJobTerminal) {
			// Cancelled between load and start
			jl.Cancelled()
			ack()
			return
		}
		log.Error().Err(err).Str("job_id", env.JobID).Msg("Failed to mark job running")
		return
	}

	jl.SetStatus(models.JobStatusRunning)
	jl.Info("Job started", models.EventJobStart, map[string]interface{}{
		"type":        string(job.Type),
		"retry_count": job.RetryCount,
	})

	stopHeartbeat := e.startHeartbeat(job.ID, delivery.MessageID)

	if timeout := e.cfg.Executor.JobTimeoutDuration(); timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			log.Warn().Str("job_id", job.ID).Dur("timeout", timeout).Msg("Job exceeded configured ceiling, cancelling")
			e.cancels.Cancel(job.ID)
		})
		defer timer.Stop()
	}

	plugin, err := e.plugins.Get(job.Type)
	if err != nil {
		stopHeartbeat()
		e.finalizeFailure(ctx, job, jl, interfaces.NewPluginError("plugin.missing", err), "")
		ack()
		return
	}

	jl.Info("Training started", models.EventTrainingStart, map[string]interface{}{
		"backend": plugin.Name(),
	})

	outcome := e.runPlugin(ctx, plugin, job, jl, token)
	stopHeartbeat()

	e.finalize(ctx, job, jl, outcome)
	ack()
}

type runOutcome struct {
	result *interfaces.RunResult
	err    error
	// stack is captured at the panic site when the plugin panicked
	stack string
}

// runPlugin invokes the plugin and enforces the cancellation deadline: a
// plugin that does not return within the grace period of the token being set
// is abandoned and the job forcibly finalized as cancelled.
func (e *Executor) runPlugin(ctx context.Context, plugin interfaces.Plugin, job *models.Job, jl *events.JobLogger, token interfaces.CancelToken) runOutcome {
	outcomes := make(chan runOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomes <- runOutcome{
					err:   interfaces.NewPluginError("plugin.panic", fmt.Errorf("%v", r)),
					stack: redact.String(string(debug.Stack())),
				}
			}
		}()
		result, err := plugin.Run(ctx, job, jl, token)
		outcomes <- runOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-outcomes:
		return outcome
	case <-token.Done():
		select {
		case outcome := <-outcomes:
			return outcome
		case <-time.After(e.cfg.Executor.CancelDeadlineDuration()):
			e.logger.Warn().Str("job_id", job.ID).Msg("Plugin exceeded cancellation deadline, forcing cancelled state")
			return runOutcome{err: interfaces.ErrCancelled}
		}
	}
}

// startHeartbeat keeps the store heartbeat fresh and the queue visibility
// extended while a job runs. The returned function stops it.
func (e *Executor) startHeartbeat(jobID, messageID string) func() {
	stop := make(chan struct{})
	interval := e.cfg.Executor.HeartbeatIntervalDuration()
	visibility := e.cfg.Queue.VisibilityTimeoutDuration()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := e.store.UpdateHeartbeat(context.Background(), jobID); err != nil && !errors.Is(err, interfaces.ErrJobTerminal) {
					e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Heartbeat update failed")
				}
				if err := e.queue.Extend(context.Background(), messageID, visibility); err != nil {
					e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Visibility extension failed")
				}
			}
		}
	}()

	var once func()
	closed := false
	once = func() {
		if !closed {
			closed = true
			close(stop)
		}
	}
	return once
}

// finalize writes the terminal state and publishes the terminal event.
// Terminal writes are idempotent: ErrJobTerminal means another path (a cancel
// request, the janitor) got there first, and the stored status wins.
func (e *Executor) finalize(ctx context.Context, job *models.Job, jl *events.JobLogger, outcome runOutcome) {
	result, runErr := outcome.result, outcome.err

	switch {
	case runErr == nil && result != nil && result.Success:
		updated, err := e.store.Update(ctx, job.ID, func(j *models.Job) error {
			return j.MarkCompleted(result.ArtifactPath)
		})
		if err != nil {
			if errors.Is(err, interfaces.ErrJobTerminal) {
				jl.Cancelled()
				return
			}
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job completed")
			return
		}
		jl.Complete(updated.ArtifactPath)

	case errors.Is(runErr, interfaces.ErrCancelled):
		if _, err := e.store.Update(ctx, job.ID, func(j *models.Job) error {
			return j.MarkCancelled()
		}); err != nil && !errors.Is(err, interfaces.ErrJobTerminal) {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job cancelled")
		}
		jl.Cancelled()

	default:
		if runErr == nil {
			runErr = interfaces.NewPluginError("plugin.error", errors.New("plugin reported failure without error"))
		}
		e.finalizeFailure(ctx, job, jl, runErr, outcome.stack)
	}
}

// finalizeFailure handles the failed path, including the optional single
// retry for configured transient error types. stack, when set, is the stack
// captured at the failure site.
func (e *Executor) finalizeFailure(ctx context.Context, job *models.Job, jl *events.JobLogger, runErr error, stack string) {
	errorType := "plugin.error"
	var pluginErr *interfaces.PluginError
	if errors.As(runErr, &pluginErr) {
		errorType = pluginErr.Type
	}
	message := redact.String(runErr.Error())

	if e.isRetryable(errorType) && job.RetryCount == 0 {
		delay := e.cfg.Executor.RetryDelayDuration()

		updated, err := e.store.Update(ctx, job.ID, func(j *models.Job) error {
			return j.MarkRetrying()
		})
		if err == nil {
			jl.Warning(fmt.Sprintf("Transient failure (%s), retrying in %s", errorType, delay), "job.retry", map[string]interface{}{
				"error_type":  errorType,
				"retry_count": updated.RetryCount,
			})
			if err := e.queue.EnqueueDelayed(ctx, models.Envelope{
				JobID:         job.ID,
				CorrelationID: job.CorrelationID,
				EnqueuedAt:    time.Now(),
			}, delay); err == nil {
				return
			}
			e.logger.Error().Str("job_id", job.ID).Msg("Failed to enqueue retry, failing job")
		} else if errors.Is(err, interfaces.ErrJobTerminal) {
			jl.Cancelled()
			return
		}
	}

	if _, err := e.store.Update(ctx, job.ID, func(j *models.Job) error {
		return j.MarkFailed(message, errorType)
	}); err != nil {
		if errors.Is(err, interfaces.ErrJobTerminal) {
			jl.Cancelled()
			return
		}
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
	}

	if stack == "" {
		stack = shortStack()
	}
	jl.Failed(message, errorType, stack)
}

// failCrashed finalizes a job whose worker died mid-flight
func (e *Executor) failCrashed(ctx context.Context, job *models.Job, jl *events.JobLogger) {
	if _, err := e.store.Update(ctx, job.ID, func(j *models.Job) error {
		return j.MarkFailed("worker heartbeat lost", "worker.crash")
	}); err != nil {
		if !errors.Is(err, interfaces.ErrJobTerminal) {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark crashed job failed")
		}
		return
	}
	jl.SetStatus(models.JobStatusRunning)
	jl.Failed("worker heartbeat lost", "worker.crash", "")
}

func (e *Executor) isRetryable(errorType string) bool {
	for _, t := range e.cfg.Executor.RetryableErrors {
		if t == errorType {
			return true
		}
	}
	return false
}

// shortStack returns the first five redacted lines of the current stack
func shortStack() string {
	lines := strings.Split(string(debug.Stack()), "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	return redact.String(strings.Join(lines, "\n"))
}
