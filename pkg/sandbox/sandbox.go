// Package sandbox runs shell commands and file patches on behalf of a
// workflow, gated by the approval policy.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode"
)

// TimeoutExitCode is reported for commands killed by their deadline.
const TimeoutExitCode = 124

// Config configures command execution.
type Config struct {
	// WorkingDir is the default directory for commands and the root patch
	// paths resolve against.
	WorkingDir     string
	DeniedPaths    []string
	DeniedCommands []string
	Timeout        time.Duration
	MaxOutputBytes int64 // 0 = unlimited
}

// DefaultConfig returns a safe default configuration
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	return Config{
		WorkingDir: cwd,
		DeniedPaths: []string{
			filepath.Join(home, ".ssh"),
			filepath.Join(home, ".gnupg"),
			filepath.Join(home, ".aws"),
		},
		DeniedCommands: []string{
			"rm -rf /",
			"rm -rf ~",
			"sudo rm",
			"chmod 777",
			"curl | sh",
			"curl | bash",
			"wget | sh",
			"wget | bash",
		},
		Timeout:        5 * time.Minute,
		MaxOutputBytes: 10 * 1024 * 1024, // 10MB
	}
}

// Sandbox executes validated commands.
type Sandbox struct {
	config Config
}

// New creates a new sandbox with the given configuration
func New(config Config) *Sandbox {
	return &Sandbox{config: config}
}

// NewWithDefaults creates a sandbox with default configuration
func NewWithDefaults() *Sandbox {
	return New(DefaultConfig())
}

// Result contains the result of a sandboxed command execution
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Killed   bool
	// Aborted is set when the caller's context was cancelled mid-run.
	Aborted bool
	Error   error
}

// Output joins stdout and stderr the way models read them back.
func (r *Result) Output() string {
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += r.Stderr
	}
	if r.Error != nil && out == "" {
		out = r.Error.Error()
	}
	return out
}

// Validate screens a shell script before it runs. Denied patterns are
// matched against the script with whitespace collapsed.
func (s *Sandbox) Validate(command string) error {
	flat := strings.Join(strings.Fields(command), " ")
	for _, denied := range s.config.DeniedCommands {
		if denied = strings.Join(strings.Fields(denied), " "); denied != "" && strings.Contains(flat, denied) {
			return fmt.Errorf("command contains denied pattern: %s", denied)
		}
	}
	for _, r := range hazards {
		if r.re.MatchString(flat) {
			return fmt.Errorf("dangerous command pattern detected: %s", r.reason)
		}
	}
	return nil
}

// CheckBounds rejects scripts that name a path inside a denied path or
// outside every writable root. Full-auto runs must pass it.
func (s *Sandbox) CheckBounds(command, workdir string, writableRoots []string) error {
	for _, arg := range pathArgs(command) {
		abs := resolvePath(arg, workdir)
		if slices.ContainsFunc(s.config.DeniedPaths, func(dp string) bool { return within(abs, dp) }) {
			return fmt.Errorf("access to denied path: %s", arg)
		}
		if !slices.ContainsFunc(writableRoots, func(root string) bool { return within(abs, root) }) {
			return fmt.Errorf("path outside writable roots: %s", arg)
		}
	}
	return nil
}

// Execute runs argv in workdir. Restricted runs get a minimal environment.
func (s *Sandbox) Execute(ctx context.Context, argv []string, workdir string, restricted bool) *Result {
	start := time.Now()
	result := &Result{}

	if len(argv) == 0 {
		result.Error = errors.New("empty command")
		result.ExitCode = 1
		return result
	}

	runCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	cmd := commandContext(runCtx, argv)
	if restricted {
		cmd.Env = restrictedEnv()
	}
	if workdir == "" {
		workdir = s.config.WorkingDir
	}
	cmd.Dir = workdir

	stdout := &cappedBuffer{max: s.config.MaxOutputBytes}
	stderr := &cappedBuffer{max: s.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch {
	case ctx.Err() != nil:
		result.Aborted = true
		result.Killed = true
		result.Error = ctx.Err()
		result.ExitCode = 1
		return result
	case runCtx.Err() == context.DeadlineExceeded:
		result.Killed = true
		result.Error = fmt.Errorf("command timed out after %v", s.config.Timeout)
		result.ExitCode = TimeoutExitCode
		return result
	}

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			result.ExitCode = exitError.ExitCode()
		} else {
			result.Error = err
			result.ExitCode = 1
		}
	}
	return result
}

// cappedBuffer keeps at most max bytes and reports truncation.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	room := b.max - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n... (output truncated)"
	}
	return b.buf.String()
}

type hazard struct {
	re     *regexp.Regexp
	reason string
}

var hazards = []hazard{
	{regexp.MustCompile(`\brm -[a-zA-Z]*[rf][a-zA-Z]* +[/~]`), "recursive delete from root or home"},
	{regexp.MustCompile(`> */dev/sd`), "writing to block devices"},
	{regexp.MustCompile(`\bdd .*of=/dev/`), "dd to devices"},
	{regexp.MustCompile(`\bmkfs`), "formatting filesystems"},
	{regexp.MustCompile(`:\(\) *\{`), "fork bomb pattern"},
	{regexp.MustCompile(`\bchmod (-R )?777 +/`), "world-writable root"},
	{regexp.MustCompile(`\bchown .*-R.*root`), "recursive ownership change to root"},
}

// passthroughEnv lists the variables a restricted command inherits.
var passthroughEnv = []string{"PATH", "HOME", "USER", "SHELL", "TERM", "LANG", "LC_ALL", "TZ", "TMPDIR"}

func restrictedEnv() []string {
	env := make([]string, 0, len(passthroughEnv))
	for _, key := range passthroughEnv {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// pathArgs returns the words of a script that look like file paths.
// Shell operators split words, so redirection targets are included.
func pathArgs(command string) []string {
	words := strings.FieldsFunc(command, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(";|&<>()", r)
	})
	var out []string
	for _, w := range words {
		w = strings.Trim(w, `"'`)
		switch {
		case w == "", strings.HasPrefix(w, "-"), strings.Contains(w, "://"):
		case strings.HasPrefix(w, "~/"), strings.ContainsRune(w, '/'):
			out = append(out, w)
		}
	}
	return out
}

func resolvePath(arg, workdir string) string {
	if rest, ok := strings.CutPrefix(arg, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			arg = filepath.Join(home, rest)
		}
	}
	if !filepath.IsAbs(arg) {
		arg = filepath.Join(workdir, arg)
	}
	return filepath.Clean(arg)
}

func within(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
