package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Modes supported by the MODE environment variable / [mode] config key.
const (
	ModeFastTest   = "fast-test"
	ModeProduction = "production"
)

// Config represents the application configuration
type Config struct {
	Mode       string         `toml:"mode" validate:"oneof=fast-test production"`
	VolumeRoot string         `toml:"volume_root" validate:"required"`
	Server     ServerConfig   `toml:"server"`
	Logging    LoggingConfig  `toml:"logging"`
	Storage    StorageConfig  `toml:"storage"`
	Queue      QueueConfig    `toml:"queue"`
	Executor   ExecutorConfig `toml:"executor"`
	Plugins    PluginsConfig  `toml:"plugins"`
	Bundle     BundleConfig   `toml:"bundle"`
}

type ServerConfig struct {
	Port              int     `toml:"port" validate:"min=1,max=65535"`
	Host              string  `toml:"host"`
	RequestsPerSecond float64 `toml:"requests_per_second"` // Rate limit; 0 disables
	RateBurst         int     `toml:"rate_burst"`
}

type LoggingConfig struct {
	Level   string   `toml:"level"`   // "debug", "info", "warn", "error"
	Output  []string `toml:"output"`  // "stdout", "file"
	Dir     string   `toml:"dir"`     // Root for per-service logs (default: {volume_root}/logs)
	Service string   `toml:"service"` // Service name for the process log ("api" or "worker")
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path      string `toml:"path"`      // Database directory path
	Ephemeral bool   `toml:"ephemeral"` // In-memory database; state is lost on restart
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // How often the executor polls for envelopes
	VisibilityTimeout string `toml:"visibility_timeout"` // Redelivery window for crashed workers
	MaxReceive        int    `toml:"max_receive"`        // Max deliveries before an envelope is dropped
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
}

type ExecutorConfig struct {
	HeartbeatInterval  string   `toml:"heartbeat_interval"`   // Store heartbeat + queue visibility extension cadence
	CancelPollInterval string   `toml:"cancel_poll_interval"` // How often plugins must observe the cancel token
	CancelDeadline     string   `toml:"cancel_deadline"`      // Grace period before a cancelled job is forcibly finalized
	JobTimeout         string   `toml:"job_timeout"`          // Per-job ceiling; "0" means unbounded
	StaleAfter         string   `toml:"stale_after"`          // Running job with no heartbeat for this long is considered crashed
	SweepSchedule      string   `toml:"sweep_schedule"`       // Cron schedule for the stale-job sweep
	RetryableErrors    []string `toml:"retryable_errors"`     // error_type values retried once; empty disables retries
	RetryDelay         string   `toml:"retry_delay"`          // Delay before the single retry
}

type PluginsConfig struct {
	Training   BackendConfig `toml:"training"`
	Generation BackendConfig `toml:"generation"`
}

// BackendConfig configures a production plugin backend. Command is the
// subprocess invocation template; an empty command leaves the backend unwired.
type BackendConfig struct {
	Backend string `toml:"backend"` // e.g. "ai-toolkit", "comfyui"
	Command string `toml:"command"`
}

type BundleConfig struct {
	ServiceLogLines int `toml:"service_log_lines"` // Tail length for bundled service logs
}

// DefaultConfig returns a configuration populated with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:       ModeFastTest,
		VolumeRoot: "./data",
		Server: ServerConfig{
			Port:              8080,
			Host:              "localhost",
			RequestsPerSecond: 50,
			RateBurst:         100,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Output:  []string{"stdout", "file"},
			Service: "api",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "500ms",
			VisibilityTimeout: "60s",
			MaxReceive:        3,
			QueueName:         "jobs",
		},
		Executor: ExecutorConfig{
			HeartbeatInterval:  "15s",
			CancelPollInterval: "100ms",
			CancelDeadline:     "10s",
			JobTimeout:         "0",
			StaleAfter:         "90s",
			SweepSchedule:      "@every 30s",
			RetryableErrors:    nil,
			RetryDelay:         "30s",
		},
		Plugins: PluginsConfig{
			Training:   BackendConfig{Backend: "ai-toolkit"},
			Generation: BackendConfig{Backend: "comfyui"},
		},
		Bundle: BundleConfig{
			ServiceLogLines: 1000,
		},
	}
}

// LoadFromFile loads configuration from a TOML file, applies environment
// overrides, and validates the result. A missing path loads defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if mode := os.Getenv("MODE"); mode != "" {
		config.Mode = mode
	}
	if root := os.Getenv("VOLUME_ROOT"); root != "" {
		config.VolumeRoot = root
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		config.Logging.Dir = dir
	}
	if port := os.Getenv("ISENGARD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ISENGARD_HOST"); host != "" {
		config.Server.Host = host
	}
	if path := os.Getenv("ISENGARD_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural constraints on the configuration
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name, value := range map[string]string{
		"queue.poll_interval":          c.Queue.PollInterval,
		"queue.visibility_timeout":     c.Queue.VisibilityTimeout,
		"executor.heartbeat_interval":  c.Executor.HeartbeatInterval,
		"executor.cancel_poll_interval": c.Executor.CancelPollInterval,
		"executor.cancel_deadline":     c.Executor.CancelDeadline,
		"executor.job_timeout":         c.Executor.JobTimeout,
		"executor.stale_after":         c.Executor.StaleAfter,
		"executor.retry_delay":         c.Executor.RetryDelay,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s=%q: %w", name, value, err)
		}
	}
	return nil
}

// IsFastTest reports whether mock plugins should be used
func (c *Config) IsFastTest() bool {
	return c.Mode == ModeFastTest
}

// LogDir returns the root directory for per-service logs
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(c.VolumeRoot, "logs")
}

// ServiceLogDir returns logs/{service} for the given service
func (c *Config) ServiceLogDir(service string) string {
	return filepath.Join(c.LogDir(), service)
}

// JobDir returns logs/jobs/{job_id}
func (c *Config) JobDir(jobID string) string {
	return filepath.Join(c.LogDir(), "jobs", jobID)
}

// EventsPath returns logs/jobs/{job_id}/events.jsonl
func (c *Config) EventsPath(jobID string) string {
	return filepath.Join(c.JobDir(jobID), "events.jsonl")
}

// SamplesDir returns logs/jobs/{job_id}/samples
func (c *Config) SamplesDir(jobID string) string {
	return filepath.Join(c.JobDir(jobID), "samples")
}

// OutputsDir returns outputs/{job_id}
func (c *Config) OutputsDir(jobID string) string {
	return filepath.Join(c.VolumeRoot, "outputs", jobID)
}

// LorasDir returns loras/{character_id}
func (c *Config) LorasDir(characterID string) string {
	return filepath.Join(c.VolumeRoot, "loras", characterID)
}

// Duration accessors; values are validated at load time.

func (c *QueueConfig) PollIntervalDuration() time.Duration {
	return mustDuration(c.PollInterval, 500*time.Millisecond)
}

func (c *QueueConfig) VisibilityTimeoutDuration() time.Duration {
	return mustDuration(c.VisibilityTimeout, 60*time.Second)
}

func (c *ExecutorConfig) HeartbeatIntervalDuration() time.Duration {
	return mustDuration(c.HeartbeatInterval, 15*time.Second)
}

func (c *ExecutorConfig) CancelPollIntervalDuration() time.Duration {
	return mustDuration(c.CancelPollInterval, 100*time.Millisecond)
}

func (c *ExecutorConfig) CancelDeadlineDuration() time.Duration {
	return mustDuration(c.CancelDeadline, 10*time.Second)
}

func (c *ExecutorConfig) JobTimeoutDuration() time.Duration {
	return mustDuration(c.JobTimeout, 0)
}

func (c *ExecutorConfig) StaleAfterDuration() time.Duration {
	return mustDuration(c.StaleAfter, 90*time.Second)
}

func (c *ExecutorConfig) RetryDelayDuration() time.Duration {
	return mustDuration(c.RetryDelay, 30*time.Second)
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := parseDuration(value)
	if err != nil {
		return fallback
	}
	if d == 0 && value == "" {
		return fallback
	}
	return d
}
