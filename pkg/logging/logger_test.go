package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger, err := NewLogger(dir, "run-123")
	require.NoError(t, err)
	defer logger.Close()

	assert.FileExists(t, filepath.Join(dir, "runs", "run-123.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "errors.jsonl"))
	assert.Equal(t, filepath.Join(dir, "runs", "run-123.jsonl"), logger.RunLog())
}

func TestErrorsGoToBothFiles(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "run")
	require.NoError(t, err)

	require.NoError(t, logger.Info(CategoryHost, "turn_started", "turn started", nil))
	require.NoError(t, logger.Error(CategoryTool, "shell_failed", "shell failed", map[string]any{"exit_code": 2}))
	require.NoError(t, logger.Close())

	run, err := Tail(filepath.Join(dir, "runs", "run.jsonl"), 10)
	require.NoError(t, err)
	assert.Len(t, run, 2)

	errs, err := Tail(filepath.Join(dir, "errors.jsonl"), 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "shell_failed", errs[0].EventType)
	assert.Equal(t, "run", errs[0].RunID)
}

func TestWithStampsInstance(t *testing.T) {
	var buf bytes.Buffer
	root := NewWriterLogger(&buf)

	require.NoError(t, root.With("bot-01").Info(CategoryManager, "instance_created", "", nil))
	require.NoError(t, root.Info(CategoryManager, "shutdown", "", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var child, parent Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &child))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &parent))
	assert.Equal(t, "bot-01", child.InstanceID)
	assert.Empty(t, parent.InstanceID)
	assert.False(t, child.Timestamp.IsZero())
}

func TestMinLevel(t *testing.T) {
	for min, want := range map[Level]int{LevelDebug: 4, LevelInfo: 3, LevelWarn: 2, LevelError: 1} {
		t.Run(string(min), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWriterLogger(&buf)
			logger.SetMinLevel(min)

			_ = logger.Debug(CategoryPrompt, "d", "", nil)
			_ = logger.Info(CategoryPrompt, "i", "", nil)
			_ = logger.Warn(CategoryPrompt, "w", "", nil)
			_ = logger.Error(CategoryPrompt, "e", "", nil)

			assert.Equal(t, want, strings.Count(buf.String(), "\n"))
		})
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	logger := NewNop()
	assert.NoError(t, logger.Info(CategoryHost, "x", "y", nil))
	assert.Nil(t, logger.With("id"))
	assert.Empty(t, logger.RunLog())
	logger.SetMinLevel(LevelDebug)
	assert.NoError(t, logger.Close())
}

func TestClosedLoggerDropsEvents(t *testing.T) {
	logger, err := NewLogger(t.TempDir(), "run")
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	assert.NoError(t, logger.Info(CategoryHost, "late", "", nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	logger := NewWriterLogger(f)
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Info(CategoryHost, "tick", "", map[string]any{"n": i}))
	}
	_, _ = f.WriteString("not json\n")
	require.NoError(t, f.Close())

	events, err := Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 3, events[0].Details["n"])
	assert.EqualValues(t, 4, events[1].Details["n"])

	all, err := Tail(path, 10)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	_, err = Tail(filepath.Join(t.TempDir(), "missing.jsonl"), 1)
	assert.Error(t, err)
}
