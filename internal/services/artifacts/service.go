// Package artifacts enumerates the files a job produced: validation samples,
// exported checkpoints, and generation outputs.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/models"
)

// Sample files follow step_{NNNNN}.{ext}; anything else is listed with a
// null step.
var sampleStepPattern = regexp.MustCompile(`^step_(\d+)\.`)

// Service lists job artifacts off the filesystem on demand
type Service struct {
	cfg    *common.Config
	logger arbor.ILogger
}

// NewService creates the artifact service
func NewService(cfg *common.Config, logger arbor.ILogger) *Service {
	return &Service{cfg: cfg, logger: logger}
}

// List enumerates a job's samples, outputs, and exported checkpoint
func (s *Service) List(job *models.Job) ([]models.Artifact, error) {
	var artifacts []models.Artifact

	samples, err := s.listDir(job.ID, s.cfg.SamplesDir(job.ID), models.ArtifactTypeSample)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, samples...)

	outputs, err := s.listDir(job.ID, s.cfg.OutputsDir(job.ID), models.ArtifactTypeOutput)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, outputs...)

	if job.ArtifactPath != "" {
		if info, err := os.Stat(job.ArtifactPath); err == nil && !info.IsDir() {
			artifacts = append(artifacts, models.Artifact{
				Name:      filepath.Base(job.ArtifactPath),
				Type:      models.ArtifactTypeCheckpoint,
				Path:      job.ArtifactPath,
				URL:       artifactURL(job.ID, filepath.Base(job.ArtifactPath)),
				SizeBytes: info.Size(),
				CreatedAt: models.Timestamp(info.ModTime()),
				Step:      nil,
			})
		}
	}

	return artifacts, nil
}

// Resolve maps an artifact name back to its path for the serving endpoint.
// Names are validated upstream against path traversal; this re-checks that
// the resolved file stays inside the job's directories.
func (s *Service) Resolve(job *models.Job, name string) (string, error) {
	candidates := []string{
		filepath.Join(s.cfg.SamplesDir(job.ID), name),
		filepath.Join(s.cfg.OutputsDir(job.ID), name),
	}
	if job.ArtifactPath != "" && filepath.Base(job.ArtifactPath) == name {
		candidates = append(candidates, job.ArtifactPath)
	}

	for _, path := range candidates {
		if filepath.Base(path) != name {
			continue
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	return "", fmt.Errorf("artifact %q not found for job %s", name, job.ID)
}

func (s *Service) listDir(jobID, dir string, artifactType models.ArtifactType) ([]models.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read artifact directory %s: %w", dir, err)
	}

	var artifacts []models.Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		artifacts = append(artifacts, models.Artifact{
			Name:      entry.Name(),
			Type:      artifactType,
			Path:      filepath.Join(dir, entry.Name()),
			URL:       artifactURL(jobID, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: models.Timestamp(info.ModTime()),
			Step:      stepFromName(entry.Name()),
		})
	}

	return artifacts, nil
}

func stepFromName(name string) *int {
	m := sampleStepPattern.FindStringSubmatch(name)
	if m == nil {
		return nil
	}
	step, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &step
}

func artifactURL(jobID, name string) string {
	return fmt.Sprintf("/api/jobs/%s/artifacts/%s", jobID, name)
}
