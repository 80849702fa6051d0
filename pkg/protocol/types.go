package protocol

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the root configuration of a Proctor test server.
type Config struct {
	Version       string              `yaml:"version"`
	BasePath      string              `yaml:"base_path"`
	Files         []Pattern           `yaml:"files"`
	Exclude       []string            `yaml:"exclude"`
	Preprocessors map[string][]string `yaml:"preprocessors"`
	Browsers      []BrowserConfig     `yaml:"browsers"`
	Server        ServerConfig        `yaml:"server"`
	Launch        LaunchConfig        `yaml:"launch"`
	Watch         WatchConfig         `yaml:"watch"`
	SingleRun     bool                `yaml:"single_run"`
	Control       ControlConfig       `yaml:"control"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Pattern selects files for the file list. In YAML it is either a bare
// string or a mapping with flags.
type Pattern struct {
	Pattern  string `yaml:"pattern"`
	Included bool   `yaml:"included"`
	Served   bool   `yaml:"served"`
	Watched  bool   `yaml:"watched"`
	NoCache  bool   `yaml:"nocache"`
}

// BrowserConfig names a built-in browser, or describes a custom one when
// Command is set.
type BrowserConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"` // Overrides env/default lookup
	Args    []string `yaml:"args"`
}

type ServerConfig struct {
	Hostname     string `yaml:"hostname"`
	Port         int    `yaml:"port"`
	PortAttempts int    `yaml:"port_attempts"`
	URLRoot      string `yaml:"url_root"`
}

type LaunchConfig struct {
	CaptureTimeout Duration `yaml:"capture_timeout"`
	RetryLimit     *int     `yaml:"retry_limit"`
	KillTimeout    Duration `yaml:"kill_timeout"`
}

type WatchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	BatchDelay Duration `yaml:"batch_delay"`
}

type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type ObservabilityConfig struct {
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Result is what a captured browser reports when it finishes a run.
type Result struct {
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
}

// Duration is a time.Duration written as "250ms", "1m" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Personal.AI order the ending
