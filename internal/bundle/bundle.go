// Package bundle assembles the debug bundle: a single ZIP with everything
// needed to diagnose a job without shell access to the volume.
package bundle

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/models"
	"github.com/isengard-ai/isengard/internal/redact"
)

// Service log files included when present under logs/{service}/latest
var bundledServices = []string{"api", "worker"}

// Writer builds debug bundles for jobs
type Writer struct {
	cfg          *common.Config
	capabilities func() map[string]models.Capabilities
	logger       arbor.ILogger
	version      string
}

// NewWriter creates a bundle writer. capabilities supplies the live backend
// matrix for environment.json.
func NewWriter(cfg *common.Config, capabilities func() map[string]models.Capabilities, logger arbor.ILogger, version string) *Writer {
	return &Writer{
		cfg:          cfg,
		capabilities: capabilities,
		logger:       logger,
		version:      version,
	}
}

// Write streams the bundle ZIP for the given job. Missing pieces (no samples
// yet, no worker log) are skipped rather than failing the bundle; a partial
// bundle still beats no bundle during an incident.
func (w *Writer) Write(job *models.Job, out io.Writer) error {
	zw := zip.NewWriter(out)
	prefix := job.ID + "/"

	if err := w.writeReadme(zw, prefix, job); err != nil {
		return err
	}
	if err := w.writeMetadata(zw, prefix, job); err != nil {
		return err
	}
	if err := w.writeEvents(zw, prefix, job); err != nil {
		return err
	}
	if err := w.writeEnvironment(zw, prefix); err != nil {
		return err
	}
	w.writeServiceLogs(zw, prefix, job)
	w.writeSamples(zw, prefix, job)

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize bundle for %s: %w", job.ID, err)
	}

	w.logger.Info().Str("job_id", job.ID).Msg("Debug bundle written")
	return nil
}

func (w *Writer) writeReadme(zw *zip.Writer, prefix string, job *models.Job) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Debug bundle for job %s\n", job.ID)
	fmt.Fprintf(&b, "generated_at: %s\n\n", models.Now().String())
	fmt.Fprintf(&b, "type: %s\n", job.Type)
	fmt.Fprintf(&b, "status: %s\n", job.Status)
	if job.CorrelationID != "" {
		fmt.Fprintf(&b, "correlation_id: %s\n", job.CorrelationID)
	}
	b.WriteString("\nContents:\n")
	b.WriteString("  metadata.json     job record with redacted configuration\n")
	b.WriteString("  events.jsonl      full per-job event log\n")
	b.WriteString("  environment.json  host, runtime, and backend capability snapshot\n")
	b.WriteString("  service_logs/     tail of api and worker service logs\n")
	b.WriteString("  samples/          validation samples produced so far\n")

	return w.writeEntry(zw, prefix+"README.txt", []byte(b.String()))
}

func (w *Writer) writeMetadata(zw *zip.Writer, prefix string, job *models.Job) error {
	scrubbed := *job
	scrubbed.Config = redact.Map(job.Config)
	scrubbed.ErrorMessage = redact.String(job.ErrorMessage)

	data, err := json.MarshalIndent(&scrubbed, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize job metadata: %w", err)
	}
	return w.writeEntry(zw, prefix+"metadata.json", data)
}

// writeEvents copies the event log line by line, re-redacting each line.
// Entries are redacted at publish time already; this guards against log files
// written by older builds.
func (w *Writer) writeEvents(zw *zip.Writer, prefix string, job *models.Job) error {
	f, err := os.Open(w.cfg.EventsPath(job.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return w.writeEntry(zw, prefix+"events.jsonl", nil)
		}
		return fmt.Errorf("failed to open event log for %s: %w", job.ID, err)
	}
	defer f.Close()

	entry, err := zw.Create(prefix + "events.jsonl")
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := redact.String(scanner.Text())
		if _, err := fmt.Fprintln(entry, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (w *Writer) writeEnvironment(zw *zip.Writer, prefix string) error {
	env := map[string]interface{}{
		"generated_at": models.Now(),
		"version":      w.version,
		"mode":         w.cfg.Mode,
		"volume_root":  w.cfg.VolumeRoot,
		"go_version":   runtime.Version(),
		"goos":         runtime.GOOS,
		"goarch":       runtime.GOARCH,
		"backends": map[string]string{
			"training":   w.cfg.Plugins.Training.Backend,
			"generation": w.cfg.Plugins.Generation.Backend,
		},
		"capabilities": w.capabilities(),
	}

	if info, err := host.Info(); err == nil {
		env["host"] = map[string]interface{}{
			"hostname":       info.Hostname,
			"os":             info.OS,
			"platform":       info.Platform,
			"kernel_version": info.KernelVersion,
			"uptime_seconds": info.Uptime,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		env["memory"] = map[string]interface{}{
			"total_bytes":     vm.Total,
			"available_bytes": vm.Available,
			"used_percent":    vm.UsedPercent,
		}
	}
	if count, err := cpu.Counts(true); err == nil {
		env["cpu_count"] = count
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize environment snapshot: %w", err)
	}
	return w.writeEntry(zw, prefix+"environment.json", data)
}

// writeServiceLogs bundles the tail of each service's current log, keeping
// only lines mentioning the job or its correlation id when any match.
func (w *Writer) writeServiceLogs(zw *zip.Writer, prefix string, job *models.Job) {
	for _, service := range bundledServices {
		path := filepath.Join(w.cfg.ServiceLogDir(service), "latest", service+".log")
		lines, err := tailLines(path, w.cfg.Bundle.ServiceLogLines)
		if err != nil {
			continue
		}

		filtered := filterLines(lines, job.ID, job.CorrelationID)
		if len(filtered) > 0 {
			lines = filtered
		}

		content := strings.Join(lines, "\n")
		if content != "" {
			content += "\n"
		}
		if err := w.writeEntry(zw, prefix+"service_logs/"+service+".log", []byte(content)); err != nil {
			w.logger.Warn().Err(err).Str("service", service).Msg("Failed to bundle service log")
		}
	}
}

func (w *Writer) writeSamples(zw *zip.Writer, prefix string, job *models.Job) {
	dir := w.cfg.SamplesDir(job.ID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if err := w.writeEntry(zw, prefix+"samples/"+entry.Name(), data); err != nil {
			w.logger.Warn().Err(err).Str("sample", entry.Name()).Msg("Failed to bundle sample")
		}
	}
}

func (w *Writer) writeEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create bundle entry %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write bundle entry %s: %w", name, err)
	}
	return nil
}

// FirstError returns the first error-level entry in a job's event log, for
// surfacing the probable root cause alongside a bundle.
func FirstError(entries []*models.JobLogEntry) *models.JobLogEntry {
	for _, entry := range entries {
		if entry.Level == models.LevelError {
			return entry
		}
	}
	return nil
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if limit > 0 && len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func filterLines(lines []string, jobID, correlationID string) []string {
	var out []string
	for _, line := range lines {
		if strings.Contains(line, jobID) || (correlationID != "" && strings.Contains(line, correlationID)) {
			out = append(out, line)
		}
	}
	return out
}
