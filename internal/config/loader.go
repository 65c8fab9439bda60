package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon. Zero values mean
// "unspecified" and are replaced by Default before use.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	DataRoot string `json:"data_root" yaml:"data_root" toml:"data_root"`

	// Session store.
	SessionTTL           Duration `json:"session_ttl" yaml:"session_ttl" toml:"session_ttl"`
	SessionSweepInterval Duration `json:"session_sweep_interval" yaml:"session_sweep_interval" toml:"session_sweep_interval"`

	// Model cache.
	ModelIdleTimeout   Duration `json:"model_idle_timeout" yaml:"model_idle_timeout" toml:"model_idle_timeout"`
	ModelSweepInterval Duration `json:"model_sweep_interval" yaml:"model_sweep_interval" toml:"model_sweep_interval"`

	// Inference executor.
	InferenceWorkers int      `json:"inference_workers" yaml:"inference_workers" toml:"inference_workers"`
	InferenceTimeout Duration `json:"inference_timeout" yaml:"inference_timeout" toml:"inference_timeout"`

	// Job registry and worker.
	ProgressWriteInterval Duration `json:"progress_write_interval" yaml:"progress_write_interval" toml:"progress_write_interval"`
	WorkerPollInterval    Duration `json:"worker_poll_interval" yaml:"worker_poll_interval" toml:"worker_poll_interval"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Duration unmarshals "15m"/"30s" strings in all three config codecs.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalText(b []byte) error { return d.parse(string(b)) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:                  ":8080",
		DataRoot:              "data",
		SessionTTL:            Duration(10 * time.Minute),
		SessionSweepInterval:  Duration(time.Minute),
		ModelIdleTimeout:      Duration(15 * time.Minute),
		ModelSweepInterval:    Duration(time.Minute),
		InferenceWorkers:      4,
		InferenceTimeout:      Duration(5 * time.Minute),
		ProgressWriteInterval: Duration(5 * time.Second),
		WorkerPollInterval:    Duration(2 * time.Second),
		LogLevel:              "info",
	}
}

// Load reads a configuration file based on its extension and fills unset
// fields from Default. Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if cfg.DataRoot, err = expandHome(cfg.DataRoot); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// expandHome expands a leading '~' to the user's home directory so data_root
// can be written portably in config files.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must be set")
	}
	if c.InferenceWorkers <= 0 {
		return fmt.Errorf("inference_workers must be positive, got %d", c.InferenceWorkers)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.ModelIdleTimeout <= 0 {
		return fmt.Errorf("model_idle_timeout must be positive")
	}
	return nil
}

// UploadsDir is where session file uploads live.
func (c Config) UploadsDir() string { return filepath.Join(c.DataRoot, "uploads") }

// ModelsDir is the root of per-user model directories.
func (c Config) ModelsDir() string { return filepath.Join(c.DataRoot, "models") }

// JobsDir is the root of per-job working directories.
func (c Config) JobsDir() string { return filepath.Join(c.DataRoot, "jobs") }

// StorePath is the SQLite database location.
func (c Config) StorePath() string { return filepath.Join(c.DataRoot, "visiond.db") }
