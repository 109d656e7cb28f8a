package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/telemetry"
)

func shellCall(t *testing.T, id string, command any) model.ToolCall {
	t.Helper()
	input, err := json.Marshal(map[string]any{"command": command})
	require.NoError(t, err)
	return model.ToolCall{ID: id, Name: ToolShell, Input: input}
}

func patchCall(t *testing.T, id, text string) model.ToolCall {
	t.Helper()
	input, err := json.Marshal(PatchInput{Patch: text})
	require.NoError(t, err)
	return model.ToolCall{ID: id, Name: ToolApplyPatch, Input: input}
}

func decode(t *testing.T, results []model.ToolResult) execOutput {
	t.Helper()
	require.Len(t, results, 1)
	require.Equal(t, model.OutputJSON, results[0].Output.Type)
	var out execOutput
	require.NoError(t, json.Unmarshal(results[0].Output.Value, &out))
	return out
}

// reviewer records prompts and answers with a fixed decision.
type reviewer struct {
	decision ReviewDecision
	err      error
	calls    atomic.Int32
	last     ApprovalRequest
}

func (r *reviewer) confirm(_ context.Context, req ApprovalRequest) (ReviewDecision, error) {
	r.calls.Add(1)
	r.last = req
	return r.decision, r.err
}

func testConfig(dir string) Config {
	return Config{WorkingDir: dir, Timeout: 10 * time.Second, MaxOutputBytes: 1 << 20}
}

func TestExecute_ReadOnlyRunsWithoutPrompt(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewDeny}
	exec := NewExecutor(ExecutorOptions{})

	results, err := exec.Execute(context.Background(), shellCall(t, "c1", []string{"echo", "hi"}), testConfig(dir), approval.PolicySuggest, []string{dir}, rev.confirm)
	require.NoError(t, err)
	out := decode(t, results)
	assert.Equal(t, "hi\n", out.Output)
	assert.Equal(t, 0, out.Metadata.ExitCode)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, int32(0), rev.calls.Load())
}

func TestExecute_DenyIsInBand(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewDeny}
	exec := NewExecutor(ExecutorOptions{})

	results, err := exec.Execute(context.Background(), shellCall(t, "c1", "touch made.txt"), testConfig(dir), approval.PolicySuggest, []string{dir}, rev.confirm)
	require.NoError(t, err)
	out := decode(t, results)
	assert.Equal(t, AbortedOutput, out.Output)
	assert.Equal(t, 1, out.Metadata.ExitCode)
	assert.Equal(t, int32(1), rev.calls.Load())
	assert.Equal(t, []string{"sh", "-c", "touch made.txt"}, rev.last.Command)

	_, statErr := os.Stat(filepath.Join(dir, "made.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecute_MultiLineScriptNeedsApproval(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewDeny}
	exec := NewExecutor(ExecutorOptions{})
	target := filepath.Join(dir, "second-line.txt")

	for _, sep := range []string{"\n", "\r\n"} {
		results, err := exec.Execute(context.Background(), shellCall(t, "c1", "ls"+sep+"touch "+target), testConfig(dir), approval.PolicySuggest, []string{dir}, rev.confirm)
		require.NoError(t, err)
		assert.Equal(t, AbortedOutput, decode(t, results).Output)
	}
	assert.Equal(t, int32(2), rev.calls.Load())
	assert.NoFileExists(t, target)
}

func TestExecute_ApproveForSessionIsRemembered(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewApproveSession}
	exec := NewExecutor(ExecutorOptions{})
	call := shellCall(t, "c1", "touch made.txt")

	for i := 0; i < 2; i++ {
		results, err := exec.Execute(context.Background(), call, testConfig(dir), approval.PolicySuggest, []string{dir}, rev.confirm)
		require.NoError(t, err)
		assert.Equal(t, 0, decode(t, results).Metadata.ExitCode)
	}
	assert.Equal(t, int32(1), rev.calls.Load(), "second run reuses the session approval")
	assert.FileExists(t, filepath.Join(dir, "made.txt"))
}

func TestExecute_FullAutoConfinedToRoots(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewDeny}
	exec := NewExecutor(ExecutorOptions{})

	results, err := exec.Execute(context.Background(), shellCall(t, "c1", "touch made.txt"), testConfig(dir), approval.PolicyFullAuto, []string{dir}, rev.confirm)
	require.NoError(t, err)
	assert.Equal(t, 0, decode(t, results).Metadata.ExitCode)
	assert.Equal(t, int32(0), rev.calls.Load())

	results, err = exec.Execute(context.Background(), shellCall(t, "c2", "touch /tmp/outside-"+filepath.Base(dir)), testConfig(dir), approval.PolicyFullAuto, []string{dir}, rev.confirm)
	require.NoError(t, err)
	assert.Equal(t, AbortedOutput, decode(t, results).Output, "paths outside the roots escalate to a prompt")
	assert.Equal(t, int32(1), rev.calls.Load())
}

func TestExecute_DangerousCommandRejected(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewApprove}
	exec := NewExecutor(ExecutorOptions{})

	results, err := exec.Execute(context.Background(), shellCall(t, "c1", "rm -rf /"), testConfig(dir), approval.PolicyFullAuto, []string{dir}, rev.confirm)
	require.NoError(t, err)
	out := decode(t, results)
	assert.Equal(t, 1, out.Metadata.ExitCode)
	assert.Contains(t, out.Output, "command rejected by sandbox")
	assert.Equal(t, int32(0), rev.calls.Load())
}

func TestExecute_Timeout(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Timeout = 100 * time.Millisecond
	exec := NewExecutor(ExecutorOptions{})

	results, err := exec.Execute(context.Background(), shellCall(t, "c1", "sleep 5"), cfg, approval.PolicyFullAuto, []string{dir}, nil)
	require.NoError(t, err)
	out := decode(t, results)
	assert.Equal(t, TimeoutExitCode, out.Metadata.ExitCode)
	assert.Contains(t, out.Output, "timed out")
}

func TestExecute_CancellationReturnsError(t *testing.T) {
	dir := t.TempDir()
	exec := NewExecutor(ExecutorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	results, err := exec.Execute(ctx, shellCall(t, "c1", "sleep 5"), testConfig(dir), approval.PolicyFullAuto, []string{dir}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestExecute_ReviewErrors(t *testing.T) {
	dir := t.TempDir()
	exec := NewExecutor(ExecutorOptions{})

	rev := &reviewer{err: errors.New("interaction cancelled")}
	results, err := exec.Execute(context.Background(), shellCall(t, "c1", "touch x"), testConfig(dir), approval.PolicySuggest, []string{dir}, rev.confirm)
	require.NoError(t, err)
	assert.Equal(t, AbortedOutput, decode(t, results).Output, "a failed review counts as a denial")

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := func(context.Context, ApprovalRequest) (ReviewDecision, error) {
		cancel()
		return "", context.Canceled
	}
	_, err = exec.Execute(ctx, shellCall(t, "c2", "touch y"), testConfig(dir), approval.PolicySuggest, []string{dir}, cancelling)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_InvalidInput(t *testing.T) {
	dir := t.TempDir()
	exec := NewExecutor(ExecutorOptions{})

	for _, call := range []model.ToolCall{
		{ID: "a", Name: ToolShell, Input: json.RawMessage(`{"command": 3}`)},
		{ID: "b", Name: ToolShell, Input: json.RawMessage(`{"command": []}`)},
		{ID: "c", Name: ToolShell, Input: json.RawMessage(`not json`)},
		{ID: "d", Name: ToolApplyPatch, Input: json.RawMessage(`{"patch": "nope"}`)},
	} {
		results, err := exec.Execute(context.Background(), call, testConfig(dir), approval.PolicyFullAuto, []string{dir}, nil)
		require.NoError(t, err, call.ID)
		assert.Equal(t, 1, decode(t, results).Metadata.ExitCode, call.ID)
	}
}

const addPatch = "*** Begin Patch\n*** Add File: notes.txt\n+hello\n*** End Patch"

func TestExecute_PatchAutoEdit(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewDeny}
	exec := NewExecutor(ExecutorOptions{})

	results, err := exec.Execute(context.Background(), patchCall(t, "p1", addPatch), testConfig(dir), approval.PolicyAutoEdit, []string{dir}, rev.confirm)
	require.NoError(t, err)
	out := decode(t, results)
	assert.Equal(t, 0, out.Metadata.ExitCode)
	assert.Contains(t, out.Output, "A notes.txt")
	assert.Equal(t, int32(0), rev.calls.Load())

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestExecute_PatchSuggestShowsPreview(t *testing.T) {
	dir := t.TempDir()
	rev := &reviewer{decision: ReviewDeny}
	reg := prometheus.NewRegistry()
	exec := NewExecutor(ExecutorOptions{Metrics: telemetry.NewMetrics(reg)})

	results, err := exec.Execute(context.Background(), patchCall(t, "p1", addPatch), testConfig(dir), approval.PolicySuggest, []string{dir}, rev.confirm)
	require.NoError(t, err)
	assert.Equal(t, AbortedOutput, decode(t, results).Output)

	require.Equal(t, int32(1), rev.calls.Load())
	assert.Equal(t, approval.KindPatch, rev.last.Kind)
	assert.Equal(t, []string{"notes.txt"}, rev.last.Paths)
	assert.Contains(t, rev.last.Preview, "+hello")
	assert.Equal(t, "Apply patch to notes.txt?", rev.last.Summary())
	assert.NoFileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestDisplayCommand(t *testing.T) {
	assert.Equal(t, "ls -la", displayCommand([]string{"bash", "-lc", "ls -la"}))
	assert.Equal(t, "git status", displayCommand([]string{"git", "status"}))
}
