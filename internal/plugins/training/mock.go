// Package training contains the LoRA training backends: a deterministic mock
// used in fast-test mode and the ai-toolkit subprocess wrapper used in
// production.
package training

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

// Minimal valid PNG, used as mock sample output
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

// MockTrainer walks the full training stage sequence deterministically and
// writes real sample and artifact files, so every downstream component
// (stream, artifacts, bundle) can be exercised without a GPU.
type MockTrainer struct {
	cfg       *common.Config
	logger    arbor.ILogger
	stepDelay time.Duration
}

// NewMockTrainer creates the fast-test training backend
func NewMockTrainer(cfg *common.Config, logger arbor.ILogger) *MockTrainer {
	return &MockTrainer{
		cfg:       cfg,
		logger:    logger,
		stepDelay: 10 * time.Millisecond,
	}
}

func (p *MockTrainer) Name() string {
	return "mock-trainer"
}

func (p *MockTrainer) Capabilities() models.Capabilities {
	return trainingCapabilities("mock-trainer", "mock", "deterministic fast-test backend")
}

func (p *MockTrainer) ValidateConfig(config map[string]interface{}) error {
	return plugins.ValidateAgainst(p.Capabilities(), config, false)
}

func (p *MockTrainer) Run(ctx context.Context, job *models.Job, logger interfaces.JobLogger, cancel interfaces.CancelToken) (*interfaces.RunResult, error) {
	steps := plugins.IntParam(job.Config, "steps", 5)
	characterID := job.CharacterID
	if characterID == "" {
		characterID = "character"
	}

	for _, stage := range []struct {
		stage models.Stage
		msg   string
	}{
		{models.StageInitializing, "Initializing training environment"},
		{models.StagePreparingDataset, "Preparing dataset"},
		{models.StageCaptioning, "Captioning reference images"},
	} {
		if err := p.pause(ctx, cancel); err != nil {
			return nil, err
		}
		logger.Stage(stage.stage, stage.msg)
	}

	samplesDir := p.cfg.SamplesDir(job.ID)
	if err := os.MkdirAll(samplesDir, 0755); err != nil {
		return nil, interfaces.NewPluginError("io.error", fmt.Errorf("failed to create samples directory: %w", err))
	}

	sampleEvery := plugins.IntParam(job.Config, "sample_every", steps/2)
	if sampleEvery < 1 {
		sampleEvery = 1
	}

	var samples []string
	for step := 1; step <= steps; step++ {
		if err := p.pause(ctx, cancel); err != nil {
			return nil, err
		}

		loss := 1.0 / float64(step)
		lr := 0.0001
		logger.Step(interfaces.StepInfo{
			Step:       step,
			StepsTotal: steps,
			Loss:       &loss,
			LR:         &lr,
		})

		if step%sampleEvery == 0 {
			samplePath := filepath.Join(samplesDir, fmt.Sprintf("step_%05d.png", step))
			if err := os.WriteFile(samplePath, pngStub, 0644); err != nil {
				return nil, interfaces.NewPluginError("io.error", fmt.Errorf("failed to write sample: %w", err))
			}
			samples = append(samples, samplePath)
			logger.Sample(step, samplePath)
		}
	}

	logger.Stage(models.StageSampling, "Generating validation samples")
	if err := p.pause(ctx, cancel); err != nil {
		return nil, err
	}

	logger.Stage(models.StageExporting, "Exporting trained LoRA")
	artifactPath, err := p.exportArtifact(characterID)
	if err != nil {
		return nil, err
	}

	return &interfaces.RunResult{
		Success:      true,
		ArtifactPath: artifactPath,
		Samples:      samples,
	}, nil
}

// pause waits one mock step, honoring cancellation and context teardown
func (p *MockTrainer) pause(ctx context.Context, cancel interfaces.CancelToken) error {
	select {
	case <-cancel.Done():
		return interfaces.ErrCancelled
	case <-ctx.Done():
		return interfaces.ErrCancelled
	case <-time.After(p.stepDelay):
		return nil
	}
}

// exportArtifact writes loras/{character_id}/v{n}.safetensors, picking the
// next free version number.
func (p *MockTrainer) exportArtifact(characterID string) (string, error) {
	lorasDir := p.cfg.LorasDir(characterID)
	if err := os.MkdirAll(lorasDir, 0755); err != nil {
		return "", interfaces.NewPluginError("io.error", fmt.Errorf("failed to create loras directory: %w", err))
	}

	version := 1
	for {
		path := filepath.Join(lorasDir, fmt.Sprintf("v%d.safetensors", version))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte("mock-lora"), 0644); err != nil {
				return "", interfaces.NewPluginError("io.error", fmt.Errorf("failed to write artifact: %w", err))
			}
			return path, nil
		}
		version++
	}
}

// trainingCapabilities is the parameter schema shared by both training
// backends; ranges mirror what ai-toolkit accepts.
func trainingCapabilities(backend, status, notes string) models.Capabilities {
	min := func(v float64) *float64 { return &v }
	max := func(v float64) *float64 { return &v }

	return models.Capabilities{
		Backend:   backend,
		Supported: true,
		Status:    status,
		Notes:     notes,
		Parameters: map[string]models.ParameterSpec{
			"steps": {
				Type: "integer", Min: min(100), Max: max(10000), Default: 1000,
				Description: "Total training steps",
			},
			"learning_rate": {
				Type: "number", Min: min(0.000001), Max: max(0.01), Default: 0.0001,
				Description: "Optimizer learning rate",
			},
			"batch_size": {
				Type: "integer", Min: min(1), Max: max(8), Default: 1,
				Description: "Training batch size",
			},
			"lora_rank": {
				Type: "integer", Min: min(4), Max: max(128), Default: 16,
				Description: "LoRA adapter rank",
			},
			"trigger_word": {
				Type:        "string",
				Description: "Token that activates the identity",
			},
			"notes": {
				Type:        "string",
				Description: "Free-form operator notes",
			},
			"sample_every": {
				Type: "integer", Min: min(1), Max: max(10000),
				Description: "Steps between validation samples",
			},
		},
	}
}
