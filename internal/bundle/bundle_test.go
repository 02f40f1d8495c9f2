package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/events"
	"github.com/isengard-ai/isengard/internal/models"
)

func newTestWriter(t *testing.T) (*Writer, *common.Config) {
	t.Helper()
	cfg := common.DefaultConfig()
	cfg.VolumeRoot = t.TempDir()
	cfg.Logging.Dir = filepath.Join(cfg.VolumeRoot, "logs")

	caps := func() map[string]models.Capabilities {
		return map[string]models.Capabilities{
			"training": {Backend: "mock", Supported: true},
		}
	}
	return NewWriter(cfg, caps, arbor.NewLogger(), "1.2.3"), cfg
}

func testJob() *models.Job {
	job := models.NewJob("train-abc123def456", models.JobTypeTraining, "fe-abc123def456", "char-1", map[string]interface{}{
		"steps":    float64(1000),
		"hf_token": "hf_secretsecret",
	})
	return job
}

func readBundle(t *testing.T, w *Writer, job *models.Job) map[string][]byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, w.Write(job, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	files := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = data
	}
	return files
}

func TestWriter_CoreEntriesAlwaysPresent(t *testing.T) {
	w, _ := newTestWriter(t)
	job := testJob()

	files := readBundle(t, w, job)

	prefix := job.ID + "/"
	for _, name := range []string{"README.txt", "metadata.json", "events.jsonl", "environment.json"} {
		_, ok := files[prefix+name]
		assert.True(t, ok, "missing bundle entry %s", name)
	}

	readme := string(files[prefix+"README.txt"])
	assert.Contains(t, readme, job.ID)
	assert.Contains(t, readme, "fe-abc123def456")
}

func TestWriter_MetadataIsRedacted(t *testing.T) {
	w, _ := newTestWriter(t)
	job := testJob()
	job.ErrorMessage = "download failed for token hf_abc123xyz"

	files := readBundle(t, w, job)

	var meta models.Job
	require.NoError(t, json.Unmarshal(files[job.ID+"/metadata.json"], &meta))

	assert.Equal(t, job.ID, meta.ID)
	assert.Equal(t, "***REDACTED***", meta.Config["hf_token"])
	assert.Equal(t, float64(1000), meta.Config["steps"])
	assert.NotContains(t, meta.ErrorMessage, "hf_abc123xyz")

	// The in-memory job record is left untouched
	assert.Equal(t, "hf_secretsecret", job.Config["hf_token"])
}

func TestWriter_EventsCopiedAndRedacted(t *testing.T) {
	w, cfg := newTestWriter(t)
	job := testJob()

	bus := events.NewBus(filepath.Join(cfg.LogDir(), "jobs"), arbor.NewLogger())
	require.NoError(t, bus.Publish(context.Background(), &models.JobLogEntry{
		Timestamp: models.Now(),
		Level:     models.LevelInfo,
		Service:   "worker",
		JobID:     job.ID,
		Event:     models.EventJobStart,
		Message:   "Job started",
	}))

	// A line written by an older build that skipped publish-time redaction
	f, err := os.OpenFile(cfg.EventsPath(job.ID), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-01-01T00:00:00.000Z","level":"ERROR","service":"worker","job_id":"` + job.ID + `","event":"training.failed","msg":"auth failed for hf_abc123xyz"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	files := readBundle(t, w, job)
	bundled := string(files[job.ID+"/events.jsonl"])

	assert.Contains(t, bundled, "Job started")
	assert.Contains(t, bundled, "hf_***REDACTED***")
	assert.NotContains(t, bundled, "hf_abc123xyz")
}

func TestWriter_MissingEventLogYieldsEmptyEntry(t *testing.T) {
	w, _ := newTestWriter(t)
	job := testJob()

	files := readBundle(t, w, job)
	assert.Empty(t, files[job.ID+"/events.jsonl"])
}

func TestWriter_SamplesIncluded(t *testing.T) {
	w, cfg := newTestWriter(t)
	job := testJob()

	samplesDir := cfg.SamplesDir(job.ID)
	require.NoError(t, os.MkdirAll(samplesDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(samplesDir, "step_00100.png"), []byte("png"), 0644))

	files := readBundle(t, w, job)
	assert.Equal(t, []byte("png"), files[job.ID+"/samples/step_00100.png"])
}

func TestWriter_ServiceLogsFilteredToJob(t *testing.T) {
	w, cfg := newTestWriter(t)
	job := testJob()

	logDir := filepath.Join(cfg.ServiceLogDir("api"), "latest")
	require.NoError(t, os.MkdirAll(logDir, 0755))
	content := strings.Join([]string{
		"line about " + job.ID,
		"line about some other job",
		"line about " + job.CorrelationID,
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "api.log"), []byte(content), 0644))

	files := readBundle(t, w, job)
	bundled := string(files[job.ID+"/service_logs/api.log"])

	assert.Contains(t, bundled, job.ID)
	assert.Contains(t, bundled, job.CorrelationID)
	assert.NotContains(t, bundled, "some other job")
}

func TestWriter_EnvironmentSnapshot(t *testing.T) {
	w, _ := newTestWriter(t)
	files := readBundle(t, w, testJob())

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(files["train-abc123def456/environment.json"], &env))

	assert.Equal(t, "1.2.3", env["version"])
	assert.NotEmpty(t, env["go_version"])
	caps, ok := env["capabilities"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, caps, "training")
}

func TestFirstError(t *testing.T) {
	entries := []*models.JobLogEntry{
		{Level: models.LevelInfo, Event: models.EventJobStart},
		{Level: models.LevelError, Event: models.EventTrainingFailed, Message: "oom"},
		{Level: models.LevelError, Event: "job.failed"},
	}

	first := FirstError(entries)
	require.NotNil(t, first)
	assert.Equal(t, "oom", first.Message)

	assert.Nil(t, FirstError(entries[:1]))
	assert.Nil(t, FirstError(nil))
}
