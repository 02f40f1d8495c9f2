// Package plugins wires the swappable GPU backends behind the executor's
// plugin contract. MODE=fast-test selects deterministic mocks; production
// selects the subprocess-backed backends.
package plugins

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// Registry resolves plugins by job type
type Registry struct {
	plugins map[models.JobType]interfaces.Plugin
}

// NewRegistry builds the plugin set for the configured mode. Construction of
// the concrete plugins is injected to keep this package free of import cycles
// with the backend packages.
func NewRegistry(cfg *common.Config, logger arbor.ILogger, training, generation interfaces.Plugin) *Registry {
	logger.Info().
		Str("mode", cfg.Mode).
		Str("training_backend", training.Name()).
		Str("generation_backend", generation.Name()).
		Msg("Plugin registry initialized")

	return &Registry{
		plugins: map[models.JobType]interfaces.Plugin{
			models.JobTypeTraining:   training,
			models.JobTypeGeneration: generation,
		},
	}
}

// Get returns the plugin for a job type
func (r *Registry) Get(jobType models.JobType) (interfaces.Plugin, error) {
	plugin, ok := r.plugins[jobType]
	if !ok {
		return nil, fmt.Errorf("no plugin registered for job type %q", jobType)
	}
	return plugin, nil
}

// Capabilities returns the capability matrix keyed by job type
func (r *Registry) Capabilities() map[string]models.Capabilities {
	out := make(map[string]models.Capabilities, len(r.plugins))
	for jobType, plugin := range r.plugins {
		out[string(jobType)] = plugin.Capabilities()
	}
	return out
}
