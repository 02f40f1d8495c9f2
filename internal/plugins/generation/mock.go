// Package generation contains the image-generation backends: a deterministic
// mock for fast-test mode and the ComfyUI subprocess wrapper for production.
package generation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/plugins"
)

var pngStub = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
	0x89, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9C, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE,
	0x42, 0x60, 0x82,
}

// MockGenerator produces placeholder images under outputs/{job_id}
type MockGenerator struct {
	cfg       *common.Config
	logger    arbor.ILogger
	stepDelay time.Duration
}

// NewMockGenerator creates the fast-test generation backend
func NewMockGenerator(cfg *common.Config, logger arbor.ILogger) *MockGenerator {
	return &MockGenerator{
		cfg:       cfg,
		logger:    logger,
		stepDelay: 10 * time.Millisecond,
	}
}

func (p *MockGenerator) Name() string {
	return "mock-generator"
}

func (p *MockGenerator) Capabilities() models.Capabilities {
	return generationCapabilities("mock-generator", "mock", "deterministic fast-test backend")
}

func (p *MockGenerator) ValidateConfig(config map[string]interface{}) error {
	return plugins.ValidateAgainst(p.Capabilities(), config, false)
}

func (p *MockGenerator) Run(ctx context.Context, job *models.Job, logger interfaces.JobLogger, cancel interfaces.CancelToken) (*interfaces.RunResult, error) {
	count := plugins.IntParam(job.Config, "num_images", 1)

	logger.Stage(models.StageInitializing, "Loading LoRA and pipeline")
	if err := p.pause(ctx, cancel); err != nil {
		return nil, err
	}

	outputsDir := p.cfg.OutputsDir(job.ID)
	if err := os.MkdirAll(outputsDir, 0755); err != nil {
		return nil, interfaces.NewPluginError("io.error", fmt.Errorf("failed to create outputs directory: %w", err))
	}

	logger.Stage(models.StageSampling, "Generating images")
	for i := 1; i <= count; i++ {
		if err := p.pause(ctx, cancel); err != nil {
			return nil, err
		}
		logger.Step(interfaces.StepInfo{Step: i, StepsTotal: count})

		path := filepath.Join(outputsDir, fmt.Sprintf("image_%03d.png", i))
		if err := os.WriteFile(path, pngStub, 0644); err != nil {
			return nil, interfaces.NewPluginError("io.error", fmt.Errorf("failed to write image: %w", err))
		}
	}

	logger.Stage(models.StageExporting, "Finalizing output directory")

	return &interfaces.RunResult{
		Success:      true,
		ArtifactPath: outputsDir,
	}, nil
}

func (p *MockGenerator) pause(ctx context.Context, cancel interfaces.CancelToken) error {
	select {
	case <-cancel.Done():
		return interfaces.ErrCancelled
	case <-ctx.Done():
		return interfaces.ErrCancelled
	case <-time.After(p.stepDelay):
		return nil
	}
}

func generationCapabilities(backend, status, notes string) models.Capabilities {
	min := func(v float64) *float64 { return &v }
	max := func(v float64) *float64 { return &v }

	return models.Capabilities{
		Backend:   backend,
		Supported: true,
		Status:    status,
		Notes:     notes,
		Parameters: map[string]models.ParameterSpec{
			"prompt": {
				Type:        "string",
				Description: "Generation prompt",
			},
			"negative_prompt": {
				Type:        "string",
				Description: "Negative generation prompt",
			},
			"num_images": {
				Type: "integer", Min: min(1), Max: max(16), Default: 1,
				Description: "Number of images to generate",
			},
			"seed": {
				Type:        "integer",
				Description: "Deterministic seed; omit for random",
			},
			"lora_path": {
				Type:        "string",
				Description: "Path to the trained identity LoRA",
			},
			"guidance_scale": {
				Type: "number", Min: min(0), Max: max(30), Default: 7.5,
				Description: "Classifier-free guidance scale",
			},
		},
	}
}
