package protocol

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/Proctor/pkg/consts"
	perrors "github.com/turtacn/Proctor/pkg/errors"
)

// NewPattern returns a pattern with every flag on. URL patterns are never
// served or watched by Proctor itself.
func NewPattern(p string) Pattern {
	pat := Pattern{Pattern: p, Included: true, Served: true, Watched: true}
	if IsURL(p) {
		pat.Served = false
		pat.Watched = false
	}
	return pat
}

// IsURL reports whether p points at a remote resource instead of a glob.
func IsURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") || strings.HasPrefix(p, "//")
}

// IsURL reports whether the pattern is a literal URL.
func (p Pattern) IsURL() bool { return IsURL(p.Pattern) }

func (p *Pattern) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*p = NewPattern(s)
		return nil
	}

	var aux struct {
		Pattern  string `yaml:"pattern"`
		Included *bool  `yaml:"included"`
		Served   *bool  `yaml:"served"`
		Watched  *bool  `yaml:"watched"`
		NoCache  *bool  `yaml:"nocache"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*p = NewPattern(aux.Pattern)
	if aux.Included != nil {
		p.Included = *aux.Included
	}
	if aux.Served != nil && !p.IsURL() {
		p.Served = *aux.Served
	}
	if aux.Watched != nil && !p.IsURL() {
		p.Watched = *aux.Watched
	}
	if aux.NoCache != nil {
		p.NoCache = *aux.NoCache
	}
	return nil
}

func (b *BrowserConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&b.Name)
	}
	type plain BrowserConfig
	return value.Decode((*plain)(b))
}

// Load reads, normalizes and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "LoadConfig", "cannot read config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "LoadConfig", "cannot parse config file", err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "LoadConfig", "cannot resolve config directory", err)
	}
	cfg.Normalize(dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize applies defaults and makes every path absolute. configDir is
// the directory relative base_path values are resolved against.
func (c *Config) Normalize(configDir string) {
	if c.BasePath == "" {
		c.BasePath = configDir
	} else if !filepath.IsAbs(c.BasePath) {
		c.BasePath = filepath.Join(configDir, c.BasePath)
	}
	c.BasePath = filepath.Clean(c.BasePath)

	for i := range c.Files {
		c.Files[i].Pattern = c.absolute(c.Files[i].Pattern)
	}
	for i := range c.Exclude {
		c.Exclude[i] = c.absolute(c.Exclude[i])
	}
	if len(c.Preprocessors) > 0 {
		resolved := make(map[string][]string, len(c.Preprocessors))
		for pattern, names := range c.Preprocessors {
			resolved[c.absolute(pattern)] = names
		}
		c.Preprocessors = resolved
	}

	if c.Server.Hostname == "" {
		c.Server.Hostname = consts.DefaultHostname
	}
	if c.Server.Port == 0 {
		c.Server.Port = consts.DefaultPort
	}
	if c.Server.PortAttempts <= 0 {
		c.Server.PortAttempts = consts.DefaultPortAttempts
	}
	if c.Server.URLRoot == "" {
		c.Server.URLRoot = "/"
	}
	if c.Launch.CaptureTimeout == 0 {
		c.Launch.CaptureTimeout = Duration(consts.DefaultCaptureTimeout)
	}
	if c.Launch.RetryLimit == nil {
		limit := consts.DefaultRetryLimit
		c.Launch.RetryLimit = &limit
	}
	if c.Launch.KillTimeout == 0 {
		c.Launch.KillTimeout = Duration(consts.DefaultKillTimeout)
	}
	if c.Watch.BatchDelay == 0 {
		c.Watch.BatchDelay = Duration(consts.DefaultWatchDelay)
	}
	if c.Control.SocketPath == "" {
		if env := os.Getenv(consts.EnvControlSock); env != "" {
			c.Control.SocketPath = env
		} else {
			c.Control.SocketPath = filepath.Join(os.TempDir(), fmt.Sprintf("proctor-%d.sock", c.Server.Port))
		}
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
}

func (c *Config) absolute(p string) string {
	if p == "" || IsURL(p) || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BasePath, p)
}

// Validate rejects configurations Proctor cannot run.
func (c *Config) Validate() error {
	if len(c.Files) == 0 {
		return perrors.New(perrors.ErrCodeConfigInvalid, "Validate", "no files configured", nil)
	}
	for i, p := range c.Files {
		if strings.TrimSpace(p.Pattern) == "" {
			return perrors.New(perrors.ErrCodeConfigInvalid, "Validate", fmt.Sprintf("files[%d] has an empty pattern", i), nil)
		}
	}
	for i, b := range c.Browsers {
		if b.Name == "" && b.Command == "" {
			return perrors.New(perrors.ErrCodeConfigInvalid, "Validate", fmt.Sprintf("browsers[%d] needs a name or a command", i), nil)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return perrors.New(perrors.ErrCodeConfigInvalid, "Validate", fmt.Sprintf("invalid port %d", c.Server.Port), nil)
	}
	if c.Launch.RetryLimit != nil && *c.Launch.RetryLimit < 0 {
		return perrors.New(perrors.ErrCodeConfigInvalid, "Validate", "retry_limit must not be negative", nil)
	}
	return nil
}

// Mode returns the running mode derived from the config.
func (c *Config) Mode() consts.AppMode {
	if c.SingleRun {
		return consts.ModeSingleRun
	}
	return consts.ModeWatch
}

// Personal.AI order the ending
