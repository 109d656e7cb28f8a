// Package session derives identifiers for workflow instances.
package session

//go:generate mockgen -package=session -destination=mock_git_runner_test.go github.com/odvcencio/tandem/pkg/session gitCommandRunner

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
)

const fallbackBase = "instance"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(cryptorand.Reader, 0)
)

// GenerateInstanceID returns base, sanitized, followed by a lowercase
// monotonic ULID, e.g. "code-review-01hx...". Ids from one process sort
// in creation order.
func GenerateInstanceID(base string) string {
	if base = Sanitize(base); base == "" {
		base = fallbackBase
	}
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Now(), entropy)
	entropyMu.Unlock()
	return base + "-" + strings.ToLower(id.String())
}

// Sanitize lowercases name and keeps letters and digits, joining runs of
// anything else with a single dash.
func Sanitize(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

// DefaultBase names instances whose factory has neither id nor title:
// "<repo>-<branch>" inside git, else "<dir>-<hash of path>".
func DefaultBase(cwd string) string {
	if repo, ok := detector.lookup(cwd); ok {
		branch := repo.branch
		if branch == "" {
			branch = "unknown"
		}
		return Sanitize(filepath.Base(repo.root) + "-" + branch)
	}
	if cwd == "" {
		return fallbackBase
	}
	sum := sha256.Sum256([]byte(cwd))
	return Sanitize(filepath.Base(cwd) + "-" + hex.EncodeToString(sum[:4]))
}

// ProjectRoot returns the top of the git work tree holding cwd, or cwd.
func ProjectRoot(cwd string) string {
	if repo, ok := detector.lookup(cwd); ok {
		return repo.root
	}
	return cwd
}

type repoInfo struct {
	root   string
	branch string
}

type gitCommandRunner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

type execGitRunner struct{}

func (execGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

// gitDetector caches one lookup per directory. Concurrent lookups of the
// same directory share a single git invocation.
type gitDetector struct {
	runner  gitCommandRunner
	timeout time.Duration

	group singleflight.Group
	mu    sync.Mutex
	known map[string]*repoInfo // nil entry: not a repository
}

var detector = newGitDetector(execGitRunner{})

func newGitDetector(runner gitCommandRunner) *gitDetector {
	return &gitDetector{runner: runner, timeout: 3 * time.Second, known: map[string]*repoInfo{}}
}

func (d *gitDetector) lookup(cwd string) (repoInfo, bool) {
	if cwd == "" {
		return repoInfo{}, false
	}
	d.mu.Lock()
	info, seen := d.known[cwd]
	d.mu.Unlock()
	if !seen {
		v, _, _ := d.group.Do(cwd, func() (any, error) {
			found := d.probe(cwd)
			d.mu.Lock()
			d.known[cwd] = found
			d.mu.Unlock()
			return found, nil
		})
		info = v.(*repoInfo)
	}
	if info == nil {
		return repoInfo{}, false
	}
	return *info, true
}

// probe asks git for the work tree root and current branch in one call.
func (d *gitDetector) probe(cwd string) *repoInfo {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	out, err := d.runner.Run(ctx, cwd, "rev-parse", "--show-toplevel", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	root := strings.TrimSpace(lines[0])
	if root == "" {
		return nil
	}
	info := &repoInfo{root: root}
	if len(lines) > 1 {
		info.branch = strings.TrimSpace(lines[1])
	}
	return info
}
