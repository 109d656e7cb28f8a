package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/tandem/pkg/approval"
	tderrors "github.com/odvcencio/tandem/pkg/errors"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/sandbox"
)

// Environment variables that override file configuration.
const (
	EnvApprovalPolicy = "TANDEM_APPROVAL_POLICY"
	EnvModel          = "TANDEM_MODEL"
	EnvBaseURL        = "TANDEM_BASE_URL"
	EnvAPIKey         = "TANDEM_API_KEY"
	EnvWritableRoots  = "TANDEM_WRITABLE_ROOTS"
	EnvLogDir         = "TANDEM_LOG_DIR"
	EnvNATSURL        = "TANDEM_NATS_URL"
	EnvTracing        = "TANDEM_TRACING"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".tandem"

// Config represents the complete tandem configuration
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Interaction InteractionConfig `yaml:"interaction"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
}

// ModelConfig selects the chat completions endpoint.
type ModelConfig struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RateLimit     float64       `yaml:"rate_limit"` // requests per second
	MaxRetries    int           `yaml:"max_retries"`
	MaxIterations int           `yaml:"max_iterations"`
}

// ApprovalConfig controls how side-effecting tool calls are reviewed.
type ApprovalConfig struct {
	Policy        string   `yaml:"policy"`
	WritableRoots []string `yaml:"writable_roots"`
	DeniedPaths   []string `yaml:"denied_paths"`
}

// SandboxConfig bounds command execution.
type SandboxConfig struct {
	WorkingDir     string        `yaml:"working_dir"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	DeniedCommands []string      `yaml:"denied_commands"`
}

// InteractionConfig configures user prompts.
type InteractionConfig struct {
	SelectTimeout time.Duration `yaml:"select_timeout"`
}

// LoggingConfig configures the event log.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	Tracing     bool   `yaml:"tracing"`
}

// BusConfig configures the optional NATS event bridge.
type BusConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	sb := sandbox.DefaultConfig()
	return &Config{
		Model: ModelConfig{
			Name:          "gpt-4o-mini",
			BaseURL:       "https://api.openai.com/v1",
			Timeout:       2 * time.Minute,
			RateLimit:     2,
			MaxRetries:    3,
			MaxIterations: 25,
		},
		Approval: ApprovalConfig{
			Policy: string(approval.PolicySuggest),
		},
		Sandbox: SandboxConfig{
			Timeout:        sb.Timeout,
			MaxOutputBytes: sb.MaxOutputBytes,
		},
		Interaction: InteractionConfig{
			SelectTimeout: 45 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join("~", DirName, "logs"),
			Level: string(logging.LevelInfo),
		},
		Bus: BusConfig{
			SubjectPrefix: "tandem",
		},
	}
}

// Load loads configuration with precedence:
// defaults < ~/.tandem/config.yaml < ./.tandem/config.yaml < environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, DirName, "config.yaml")
		if err := overlayFile(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, tderrors.Wrap(err, tderrors.ErrCodeConfigLoad, "loading user config").
				WithContext("path", userConfigPath)
		}
	}

	if err := overlayFile(cfg, ProjectPath("")); err != nil && !os.IsNotExist(err) {
		return nil, tderrors.Wrap(err, tderrors.ErrCodeConfigLoad, "loading project config").
			WithContext("path", ProjectPath(""))
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads defaults, the given file and then environment overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := overlayFile(cfg, path); err != nil {
		return nil, tderrors.Wrap(err, tderrors.ErrCodeConfigLoad, fmt.Sprintf("loading config from %s", path)).
			WithContext("path", path)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectPath returns the project config file under dir, or under the
// current directory when dir is empty.
func ProjectPath(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, DirName, "config.yaml")
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvApprovalPolicy)); v != "" {
		cfg.Approval.Policy = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvModel)); v != "" {
		cfg.Model.Name = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		cfg.Model.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWritableRoots)); v != "" {
		cfg.Approval.WritableRoots = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogDir)); v != "" {
		cfg.Logging.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvNATSURL)); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v, ok := envBool(EnvTracing); ok {
		cfg.Telemetry.Tracing = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, string(os.PathListSeparator)) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	if _, err := approval.ParsePolicy(c.Approval.Policy); err != nil {
		return invalid("approval.policy", err.Error())
	}
	if c.Sandbox.Timeout < 0 {
		return invalid("sandbox.timeout", "must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return invalid("sandbox.max_output_bytes", "must not be negative")
	}
	if c.Interaction.SelectTimeout < 0 {
		return invalid("interaction.select_timeout", "must not be negative")
	}
	if c.Model.MaxIterations < 0 {
		return invalid("model.max_iterations", "must not be negative")
	}
	if c.Model.RateLimit < 0 {
		return invalid("model.rate_limit", "must not be negative")
	}
	switch logging.Level(strings.ToLower(c.Logging.Level)) {
	case "", logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return invalid("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	if c.Bus.NATSURL != "" && strings.TrimSpace(c.Bus.SubjectPrefix) == "" {
		return invalid("bus.subject_prefix", "required when bus.nats_url is set")
	}
	return nil
}

func invalid(field, msg string) error {
	return tderrors.New(tderrors.ErrCodeConfigInvalid, fmt.Sprintf("config validation: %s %s", field, msg)).
		WithContext("field", field)
}

// ApprovalPolicy returns the configured policy, falling back to suggest.
func (c *Config) ApprovalPolicy() approval.Policy {
	p, err := approval.ParsePolicy(c.Approval.Policy)
	if err != nil {
		return approval.PolicySuggest
	}
	return p
}

// SandboxSettings builds the sandbox configuration for commands run in
// workdir. Configured denials extend the defaults.
func (c *Config) SandboxSettings(workdir string) sandbox.Config {
	sb := sandbox.DefaultConfig()
	if dir := expandHomeDir(c.Sandbox.WorkingDir); dir != "" {
		sb.WorkingDir = dir
	} else if workdir != "" {
		sb.WorkingDir = workdir
	}
	if c.Sandbox.Timeout > 0 {
		sb.Timeout = c.Sandbox.Timeout
	}
	sb.MaxOutputBytes = c.Sandbox.MaxOutputBytes
	for _, p := range c.Approval.DeniedPaths {
		if p = expandHomeDir(p); p != "" {
			sb.DeniedPaths = append(sb.DeniedPaths, p)
		}
	}
	sb.DeniedCommands = append(sb.DeniedCommands, c.Sandbox.DeniedCommands...)
	return sb
}

// WritableRootPaths returns the absolute writable roots. Relative roots
// resolve against workdir. With none configured, workdir itself is the
// only root.
func (c *Config) WritableRootPaths(workdir string) []string {
	roots := c.Approval.WritableRoots
	if len(roots) == 0 && workdir != "" {
		return []string{workdir}
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		r = expandHomeDir(r)
		if r == "" {
			continue
		}
		if !filepath.IsAbs(r) && workdir != "" {
			r = filepath.Join(workdir, r)
		}
		out = append(out, filepath.Clean(r))
	}
	return out
}

// ModelOptions returns client options for the configured endpoint.
func (c *Config) ModelOptions() model.ClientOptions {
	return model.ClientOptions{
		BaseURL:    c.Model.BaseURL,
		APIKey:     c.Model.APIKey,
		Model:      c.Model.Name,
		Timeout:    c.Model.Timeout,
		RateLimit:  rate.Limit(c.Model.RateLimit),
		MaxRetries: c.Model.MaxRetries,
	}
}

// LogDir returns the expanded log directory.
func (c *Config) LogDir() string {
	return expandHomeDir(c.Logging.Dir)
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
