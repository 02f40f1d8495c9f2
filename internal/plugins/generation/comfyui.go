package generation

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/plugins"
)

// ComfyUIGenerator shells out to a ComfyUI wrapper script configured via
// [plugins.generation] command, using the same stdout line protocol as the
// training wrapper.
type ComfyUIGenerator struct {
	cfg    *common.Config
	logger arbor.ILogger
}

// NewComfyUIGenerator creates the production generation backend
func NewComfyUIGenerator(cfg *common.Config, logger arbor.ILogger) *ComfyUIGenerator {
	return &ComfyUIGenerator{cfg: cfg, logger: logger}
}

func (p *ComfyUIGenerator) Name() string {
	return p.cfg.Plugins.Generation.Backend
}

func (p *ComfyUIGenerator) Capabilities() models.Capabilities {
	caps := generationCapabilities(p.cfg.Plugins.Generation.Backend, "available", "")
	if p.cfg.Plugins.Generation.Command == "" {
		caps.Supported = false
		caps.Status = "unwired"
		caps.Notes = "generation command not configured; set [plugins.generation] command"
	}
	return caps
}

func (p *ComfyUIGenerator) ValidateConfig(config map[string]interface{}) error {
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

func (p *ComfyUIGenerator) Run(ctx context.Context, job *models.Job, logger interfaces.JobLogger, cancel interfaces.CancelToken) (*interfaces.RunResult, error) {
	caps := p.Capabilities()
	if !caps.Supported {
		return nil, interfaces.NewPluginError("backend.unwired", fmt.Errorf("%s: %s", caps.Backend, caps.Notes))
	}

	logger.Stage(models.StageInitializing, "Starting ComfyUI generation run")

	extraArgs := []string{
		"--job-id", job.ID,
		"--output-dir", p.cfg.OutputsDir(job.ID),
		"--num-images", fmt.Sprintf("%d", plugins.IntParam(job.Config, "num_images", 1)),
	}
	if prompt := plugins.StringParam(job.Config, "prompt", ""); prompt != "" {
		extraArgs = append(extraArgs, "--prompt", prompt)
	}
	if loraPath := plugins.StringParam(job.Config, "lora_path", ""); loraPath != "" {
		extraArgs = append(extraArgs, "--lora", loraPath)
	}

	result, err := plugins.RunSubprocess(ctx, p.logger, logger, p.cfg.Plugins.Generation.Command, extraArgs, cancel, p.cfg.Executor.CancelDeadlineDuration())
	if err != nil {
		return nil, err
	}

	artifactPath := result.ArtifactPath
	if artifactPath == "" {
		artifactPath = p.cfg.OutputsDir(job.ID)
	}

	return &interfaces.RunResult{
		Success:      true,
		ArtifactPath: artifactPath,
		Samples:      result.Samples,
	}, nil
}
