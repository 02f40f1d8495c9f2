package generation

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

type recordingLogger struct {
	mu     sync.Mutex
	stages []models.Stage
	steps  []interfaces.StepInfo
}

func (r *recordingLogger) Info(msg, event string, fields map[string]interface{})             {}
func (r *recordingLogger) Warning(msg, event string, fields map[string]interface{})          {}
func (r *recordingLogger) Error(msg, event string, err error, fields map[string]interface{}) {}
func (r *recordingLogger) Sample(step int, path string)                                      {}

func (r *recordingLogger) Stage(stage models.Stage, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recordingLogger) Step(info interfaces.StepInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, info)
}

type testCancelToken struct {
	done chan struct{}
	once sync.Once
}

func newTestCancelToken() *testCancelToken {
	return &testCancelToken{done: make(chan struct{})}
}

func (t *testCancelToken) IsSet() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *testCancelToken) Done() <-chan struct{} { return t.done }
func (t *testCancelToken) set()                  { t.once.Do(func() { close(t.done) }) }

func fastMockGenerator(t *testing.T) (*MockGenerator, *common.Config) {
	t.Helper()
	cfg := common.DefaultConfig()
	cfg.VolumeRoot = t.TempDir()
	cfg.Logging.Dir = filepath.Join(cfg.VolumeRoot, "logs")

	gen := NewMockGenerator(cfg, arbor.NewLogger())
	gen.stepDelay = time.Millisecond
	return gen, cfg
}

func TestMockGenerator_WritesRequestedImages(t *testing.T) {
	gen, cfg := fastMockGenerator(t)

	job := models.NewJob("gen-abc123def456", models.JobTypeGeneration, "fe-abc123def456", "char-1", map[string]interface{}{
		"num_images": float64(3),
		"prompt":     "portrait of ohwx",
	})
	logger := &recordingLogger{}

	result, err := gen.Run(context.Background(), job, logger, newTestCancelToken())
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, cfg.OutputsDir(job.ID), result.ArtifactPath)

	entries, err := os.ReadDir(cfg.OutputsDir(job.ID))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "image_001.png", entries[0].Name())

	// Each image is a decodable PNG stub
	data, err := os.ReadFile(filepath.Join(cfg.OutputsDir(job.ID), "image_001.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data[:4])

	require.Len(t, logger.steps, 3)
	assert.Equal(t, 3, logger.steps[2].Step)
	assert.Equal(t, 3, logger.steps[2].StepsTotal)
}

func TestMockGenerator_DefaultsToOneImage(t *testing.T) {
	gen, cfg := fastMockGenerator(t)

	job := models.NewJob("gen-abc123def456", models.JobTypeGeneration, "fe-abc123def456", "char-1", nil)
	result, err := gen.Run(context.Background(), job, &recordingLogger{}, newTestCancelToken())
	require.NoError(t, err)
	assert.Equal(t, cfg.OutputsDir(job.ID), result.ArtifactPath)

	entries, err := os.ReadDir(cfg.OutputsDir(job.ID))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMockGenerator_Cancel(t *testing.T) {
	gen, _ := fastMockGenerator(t)
	gen.stepDelay = 20 * time.Millisecond

	job := models.NewJob("gen-abc123def456", models.JobTypeGeneration, "fe-abc123def456", "char-1", map[string]interface{}{
		"num_images": float64(16),
	})
	token := newTestCancelToken()
	go func() {
		time.Sleep(30 * time.Millisecond)
		token.set()
	}()

	result, err := gen.Run(context.Background(), job, &recordingLogger{}, token)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, interfaces.ErrCancelled)
}

func TestMockGenerator_ValidateConfig(t *testing.T) {
	gen, _ := fastMockGenerator(t)

	assert.NoError(t, gen.ValidateConfig(map[string]interface{}{
		"prompt":     "portrait",
		"num_images": float64(4),
	}))

	err := gen.ValidateConfig(map[string]interface{}{"num_imgaes": float64(4)})
	var verr *interfaces.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "num_imgaes", verr.Parameter)
}
