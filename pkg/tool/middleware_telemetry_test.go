package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/telemetry"
)

func TestTelemetryMiddlewarePublishesToolEvents(t *testing.T) {
	hub := telemetry.NewHub()
	eventCh, unsubscribe := hub.Subscribe()
	t.Cleanup(unsubscribe)

	exec := Telemetry(hub, nil)(func(ctx *ExecutionContext) ([]model.ToolResult, error) {
		return okResult(ctx), nil
	})
	if _, err := exec(&ExecutionContext{Context: context.Background(), ToolName: ToolShell, CallID: "c1", InstanceID: "bot-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []telemetry.EventType{telemetry.EventToolStarted, telemetry.EventToolCompleted}
	var got []telemetry.EventType
	deadline := time.After(1 * time.Second)
	for len(got) < len(want) {
		select {
		case event := <-eventCh:
			if event.InstanceID != "bot-1" {
				t.Errorf("InstanceID = %q", event.InstanceID)
			}
			got = append(got, event.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for telemetry events: got %#v", got)
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTelemetryMiddlewareRecordsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	fail := Telemetry(nil, metrics)(func(ctx *ExecutionContext) ([]model.ToolResult, error) {
		return nil, errors.New("boom")
	})
	ok := Telemetry(nil, metrics)(func(ctx *ExecutionContext) ([]model.ToolResult, error) {
		return okResult(ctx), nil
	})

	if _, err := fail(&ExecutionContext{ToolName: ToolShell}); err == nil {
		t.Fatal("expected error to pass through")
	}
	for i := 0; i < 2; i++ {
		if _, err := ok(&ExecutionContext{ToolName: ToolShell}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	n, err := testutil.GatherAndCount(reg, "tandem_tool_calls_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Errorf("tool call series = %d, want 2 (success and error)", n)
	}
}
