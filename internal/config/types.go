package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root of the triggerd config file.
//
// The file may be YAML or JSON; YAML is coerced to JSON and decoded
// strictly, so unknown keys are rejected on load and on hot reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	Artifacts ArtifactsConfig `json:"artifacts"`

	// Storage enables the SQLite run-history store. Omitted = disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// API enables the admin HTTP surface (manual dispatch, status).
	API *APIConfig `json:"api,omitempty"`

	// Notify enables Telegram notifications for failed runs.
	Notify *NotifyConfig `json:"notify,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service.
//
// All durations are Go duration strings (e.g. "10s", "30m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is an IANA TZ name for cron evaluation. Default "UTC".
	Timezone string `json:"timezone,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout applies to jobs that don't set their own.
	// "0s" (or omitted) disables the global default.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// RunnerConfig controls run execution.
type RunnerConfig struct {
	// DataDir holds per-run log files (<data_dir>/logs/...).
	DataDir string `json:"data_dir"`

	// Shell runs provision steps and job commands ("sh" by default).
	Shell string `json:"shell,omitempty"`
}

// ArtifactsConfig controls the artifact store shared by all jobs.
type ArtifactsConfig struct {
	// Dir is where published run artifacts are kept.
	// Defaults to <runner.data_dir>/artifacts.
	Dir string `json:"dir,omitempty"`

	// Retention is how long artifacts and run logs are kept ("168h" default).
	Retention string `json:"retention,omitempty"`
}

type StorageConfig struct {
	// Driver: "sqlite" or "none"/empty (disabled).
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// APIConfig controls the admin HTTP server.
//
// Security posture mirrors the usual debug-endpoint rules: bind loopback by
// default; a non-loopback bind requires a token or an explicit allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8787"
	Token         string `json:"token,omitempty"` // optional bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// DispatchRatePerSec limits manual dispatches accepted per second.
	DispatchRatePerSec int `json:"dispatch_rate_per_sec,omitempty"`
}

type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // Telegram bot token (never logged)
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// JobConfig is the explicit per-job run configuration: schedule, secret refs,
// provisioning steps and the script invocation, passed by value into the
// runner for each run.
type JobConfig struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`

	// Command is the external script invocation, run through the shell
	// (e.g. "python3 inseadknowledge.py"). Its exit status becomes the
	// run's success/failure verbatim.
	Command string `json:"command"`

	Workdir string `json:"workdir,omitempty"`

	// Provision steps run sequentially before the command; any failure
	// aborts the run and the command is never invoked.
	Provision []string `json:"provision,omitempty"`

	// Secrets are resolved before provisioning; a missing secret fails the
	// run before any provisioning side effect.
	Secrets []SecretRef `json:"secrets,omitempty"`

	// Env sets additional plain (non-secret) environment variables.
	Env map[string]string `json:"env,omitempty"`

	// Timeout bounds one attempt. Falls back to scheduler.default_timeout.
	Timeout string `json:"timeout,omitempty"`

	// Overlap: "skip" (default) drops a trigger while a run is in flight,
	// "allow" lets runs overlap.
	Overlap string `json:"overlap,omitempty"`

	// RetryMax re-runs a failed attempt up to N times. Default 0: a failed
	// run simply ends and the next tick starts fresh.
	RetryMax int `json:"retry_max,omitempty"`

	// PublishArtifacts copies the run log and matched artifact files into
	// the artifact store on run end, regardless of success or failure.
	PublishArtifacts bool `json:"publish_artifacts,omitempty"`

	// Artifacts are glob patterns, relative to the job workdir.
	Artifacts []string `json:"artifacts,omitempty"`
}

// SecretRef names one environment variable to inject and the provider
// reference its value comes from ("env:KEY" or "file:/path").
type SecretRef struct {
	Env  string `json:"env"`
	From string `json:"from"`
}

// ParseDurationField parses an optional duration value from the config.
// Empty (or whitespace) input means unset and yields zero; negative durations
// are rejected. path names the field in the returned error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for fields
// left unset.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate performs structural validation that needs no runtime services.
// Schedule strings are validated by the app-level validator against the
// scheduler's parser.
func (c *Config) Validate() error {
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if c.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	if c.Scheduler.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("artifacts.retention", c.Artifacts.Retention); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
		case "", "none", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	if c.Notify != nil && c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" {
			return fmt.Errorf("notify.token is required when notify.enabled")
		}
		if c.Notify.ChatID == 0 {
			return fmt.Errorf("notify.chat_id is required when notify.enabled")
		}
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i := range c.Jobs {
		j := &c.Jobs[i]
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%s.name: duplicate job %q", path, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("%s.schedule is required", path)
		}
		if strings.TrimSpace(j.Command) == "" {
			return fmt.Errorf("%s.command is required", path)
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(j.Overlap)) {
		case "", "skip", "allow":
		default:
			return fmt.Errorf("%s.overlap: must be \"skip\" or \"allow\", got %q", path, j.Overlap)
		}
		if j.RetryMax < 0 {
			return fmt.Errorf("%s.retry_max must be >= 0", path)
		}
		for k, ref := range j.Secrets {
			if strings.TrimSpace(ref.Env) == "" {
				return fmt.Errorf("%s.secrets[%d].env is required", path, k)
			}
			if strings.TrimSpace(ref.From) == "" {
				return fmt.Errorf("%s.secrets[%d].from is required", path, k)
			}
		}
	}
	return nil
}
