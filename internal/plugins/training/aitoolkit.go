package training

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/plugins"
)

// AIToolkitTrainer shells out to an ai-toolkit wrapper script configured via
// [plugins.training] command. The wrapper speaks the line protocol consumed
// by plugins.RunSubprocess (step/sample/artifact lines on stdout).
type AIToolkitTrainer struct {
	cfg    *common.Config
	logger arbor.ILogger
}

// NewAIToolkitTrainer creates the production training backend
func NewAIToolkitTrainer(cfg *common.Config, logger arbor.ILogger) *AIToolkitTrainer {
	return &AIToolkitTrainer{cfg: cfg, logger: logger}
}

func (p *AIToolkitTrainer) Name() string {
	return p.cfg.Plugins.Training.Backend
}

func (p *AIToolkitTrainer) Capabilities() models.Capabilities {
	caps := trainingCapabilities(p.cfg.Plugins.Training.Backend, "available", "")
	if p.cfg.Plugins.Training.Command == "" {
		caps.Supported = false
		caps.Status = "unwired"
		caps.Notes = "training command not configured; set [plugins.training] command"
	}
	return caps
}

func (p *AIToolkitTrainer) ValidateConfig(config map[string]interface{}) error {
	caps := p.Capabilities()
	if !caps.Supported {
		return &interfaces.ValidationError{
			Backend:   caps.Backend,
			Parameter: "",
			Reason:    caps.Notes,
		}
	}
	return plugins.ValidateAgainst(caps, config, true)
}

func (p *AIToolkitTrainer) Run(ctx context.Context, job *models.Job, logger interfaces.JobLogger, cancel interfaces.CancelToken) (*interfaces.RunResult, error) {
	caps := p.Capabilities()
	if !caps.Supported {
		return nil, interfaces.NewPluginError("backend.unwired", fmt.Errorf("%s: %s", caps.Backend, caps.Notes))
	}

	logger.Stage(models.StageInitializing, "Starting ai-toolkit training run")

	extraArgs := []string{
		"--job-id", job.ID,
		"--character-id", job.CharacterID,
		"--samples-dir", p.cfg.SamplesDir(job.ID),
		"--output-dir", p.cfg.LorasDir(job.CharacterID),
		"--steps", fmt.Sprintf("%d", plugins.IntParam(job.Config, "steps", 1000)),
	}
	if trigger := plugins.StringParam(job.Config, "trigger_word", ""); trigger != "" {
		extraArgs = append(extraArgs, "--trigger-word", trigger)
	}

	result, err := plugins.RunSubprocess(ctx, p.logger, logger, p.cfg.Plugins.Training.Command, extraArgs, cancel, p.cfg.Executor.CancelDeadlineDuration())
	if err != nil {
		return nil, err
	}

	if result.ArtifactPath == "" {
		return nil, interfaces.NewPluginError("backend.no_artifact", fmt.Errorf("training subprocess exited without reporting an artifact"))
	}

	return &interfaces.RunResult{
		Success:      true,
		ArtifactPath: result.ArtifactPath,
		Samples:      result.Samples,
	}, nil
}
