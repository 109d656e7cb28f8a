package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/config"
	tderrors "github.com/odvcencio/tandem/pkg/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	cfgDir := filepath.Join(dir, config.DirName)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(cfgDir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvApprovalPolicy, config.EnvModel, config.EnvBaseURL, config.EnvAPIKey,
		config.EnvWritableRoots, config.EnvLogDir, config.EnvNATSURL, config.EnvTracing,
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.ApprovalPolicy() != approval.PolicySuggest {
		t.Fatalf("default policy = %s, want suggest", cfg.ApprovalPolicy())
	}
	if cfg.Interaction.SelectTimeout != 45*time.Second {
		t.Fatalf("unexpected select timeout: %v", cfg.Interaction.SelectTimeout)
	}
	if cfg.Model.MaxIterations <= 0 {
		t.Fatalf("max iterations should be positive: %d", cfg.Model.MaxIterations)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadHierarchy(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	writeConfig(t, home, `
model:
  name: user/model
  base_url: http://user.local/v1
approval:
  policy: auto-edit
telemetry:
  tracing: true
`)
	writeConfig(t, project, `
model:
  name: project/model
sandbox:
  timeout: 30s
`)

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Name != "project/model" {
		t.Fatalf("project config should win: %s", cfg.Model.Name)
	}
	if cfg.Model.BaseURL != "http://user.local/v1" {
		t.Fatalf("user base url should survive: %s", cfg.Model.BaseURL)
	}
	if cfg.ApprovalPolicy() != approval.PolicyAutoEdit {
		t.Fatalf("policy = %s", cfg.ApprovalPolicy())
	}
	if cfg.Sandbox.Timeout != 30*time.Second {
		t.Fatalf("sandbox timeout = %v", cfg.Sandbox.Timeout)
	}
	if !cfg.Telemetry.Tracing {
		t.Fatalf("tracing should be enabled by user config")
	}
}

func TestEnvOverridesFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, `
approval:
  policy: suggest
model:
  name: file/model
`)

	t.Setenv(config.EnvApprovalPolicy, "full-auto")
	t.Setenv(config.EnvModel, "env/model")
	t.Setenv(config.EnvWritableRoots, "/a"+string(os.PathListSeparator)+" /b ")
	t.Setenv(config.EnvNATSURL, "nats://127.0.0.1:4222")
	t.Setenv(config.EnvTracing, "off")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ApprovalPolicy() != approval.PolicyFullAuto {
		t.Fatalf("env policy should win, got %s", cfg.ApprovalPolicy())
	}
	if cfg.Model.Name != "env/model" {
		t.Fatalf("env model should win, got %s", cfg.Model.Name)
	}
	if len(cfg.Approval.WritableRoots) != 2 || cfg.Approval.WritableRoots[1] != "/b" {
		t.Fatalf("unexpected writable roots: %v", cfg.Approval.WritableRoots)
	}
	if cfg.Bus.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("nats url = %s", cfg.Bus.NATSURL)
	}
	if cfg.Telemetry.Tracing {
		t.Fatalf("tracing should be disabled by env")
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := config.LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if !tderrors.IsCode(err, tderrors.ErrCodeConfigLoad) {
		t.Fatalf("expected CONFIG_LOAD, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown policy", func(c *config.Config) { c.Approval.Policy = "yolo" }},
		{"negative timeout", func(c *config.Config) { c.Sandbox.Timeout = -time.Second }},
		{"negative output cap", func(c *config.Config) { c.Sandbox.MaxOutputBytes = -1 }},
		{"negative select timeout", func(c *config.Config) { c.Interaction.SelectTimeout = -1 }},
		{"unknown log level", func(c *config.Config) { c.Logging.Level = "loud" }},
		{"nats without prefix", func(c *config.Config) {
			c.Bus.NATSURL = "nats://localhost:4222"
			c.Bus.SubjectPrefix = " "
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !tderrors.IsCode(err, tderrors.ErrCodeConfigInvalid) {
				t.Fatalf("expected CONFIG_INVALID, got %v", err)
			}
		})
	}
}

func TestSandboxSettings(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sandbox.Timeout = 10 * time.Second
	cfg.Sandbox.MaxOutputBytes = 2048
	cfg.Sandbox.DeniedCommands = []string{"shutdown"}
	cfg.Approval.DeniedPaths = []string{"/secrets"}

	sb := cfg.SandboxSettings("/work")
	if sb.WorkingDir != "/work" {
		t.Fatalf("working dir = %s", sb.WorkingDir)
	}
	if sb.Timeout != 10*time.Second || sb.MaxOutputBytes != 2048 {
		t.Fatalf("limits not applied: %+v", sb)
	}
	if last := sb.DeniedCommands[len(sb.DeniedCommands)-1]; last != "shutdown" {
		t.Fatalf("configured denials should extend defaults: %v", sb.DeniedCommands)
	}
	if last := sb.DeniedPaths[len(sb.DeniedPaths)-1]; last != "/secrets" {
		t.Fatalf("configured denied paths missing: %v", sb.DeniedPaths)
	}
}

func TestWritableRootPaths(t *testing.T) {
	cfg := config.DefaultConfig()
	if roots := cfg.WritableRootPaths("/work"); len(roots) != 1 || roots[0] != "/work" {
		t.Fatalf("workdir should be the default root: %v", roots)
	}

	cfg.Approval.WritableRoots = []string{"build", "/tmp/out/"}
	roots := cfg.WritableRootPaths("/work")
	want := []string{"/work/build", "/tmp/out"}
	if len(roots) != len(want) {
		t.Fatalf("roots = %v", roots)
	}
	for i := range want {
		if roots[i] != want[i] {
			t.Fatalf("roots[%d] = %s, want %s", i, roots[i], want[i])
		}
	}
}
