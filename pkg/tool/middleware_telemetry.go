package tool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/telemetry"
)

// Telemetry publishes tool lifecycle events, records call metrics and
// wraps each call in a trace span. Hub and metrics may be nil.
func Telemetry(hub *telemetry.Hub, metrics *telemetry.Metrics) Middleware {
	return func(next Executor) Executor {
		return func(ctx *ExecutionContext) ([]model.ToolResult, error) {
			if ctx == nil {
				return next(ctx)
			}
			if ctx.Context == nil {
				ctx.Context = context.Background()
			}
			if ctx.StartTime.IsZero() {
				ctx.StartTime = time.Now()
			}

			spanCtx, span := telemetry.StartSpan(ctx.Context, "tool."+ctx.ToolName,
				attribute.String("tool.name", ctx.ToolName),
				attribute.String("tool.call_id", ctx.CallID),
				attribute.String("instance.id", ctx.InstanceID),
			)
			ctx.Context = spanCtx

			hub.Publish(telemetry.Event{
				Type:       telemetry.EventToolStarted,
				InstanceID: ctx.InstanceID,
				Data:       map[string]any{"tool": ctx.ToolName, "call_id": ctx.CallID},
			})

			results, err := next(ctx)
			elapsed := time.Since(ctx.StartTime)
			telemetry.EndSpan(span, err)

			outcome, eventType := outcomeFor(results, err)
			metrics.ObserveToolCall(ctx.ToolName, outcome, elapsed)

			data := map[string]any{
				"tool":        ctx.ToolName,
				"call_id":     ctx.CallID,
				"outcome":     outcome,
				"duration_ms": elapsed.Milliseconds(),
			}
			if err != nil {
				data["error"] = err.Error()
			}
			hub.Publish(telemetry.Event{Type: eventType, InstanceID: ctx.InstanceID, Data: data})
			return results, err
		}
	}
}

func outcomeFor(results []model.ToolResult, err error) (string, telemetry.EventType) {
	switch {
	case err != nil:
		return "error", telemetry.EventToolFailed
	case len(results) == 0:
		return "aborted", telemetry.EventToolFailed
	default:
		return "success", telemetry.EventToolCompleted
	}
}
