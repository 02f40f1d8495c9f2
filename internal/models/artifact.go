package models

// ArtifactType classifies files produced by a job
type ArtifactType string

const (
	ArtifactTypeSample     ArtifactType = "sample"
	ArtifactTypeCheckpoint ArtifactType = "checkpoint"
	ArtifactTypeOutput     ArtifactType = "output"
)

// Artifact represents a file produced by a job. Step is derived from the
// sample naming convention step_{NNNNN}.{ext} and is null for files that do
// not follow it.
type Artifact struct {
	Name      string       `json:"name"`
	Type      ArtifactType `json:"type"`
	Path      string       `json:"path"`
	URL       string       `json:"url"`
	SizeBytes int64        `json:"size_bytes"`
	CreatedAt Timestamp    `json:"created_at"`
	Step      *int         `json:"step"`
}
