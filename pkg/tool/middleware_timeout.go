package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odvcencio/tandem/pkg/model"
)

// Timeout bounds each call with a deadline: perTool by tool name, else
// def. user_select is never bounded. A call that hits its own deadline
// without producing a result gets an in-band timeout result.
func Timeout(def time.Duration, perTool map[string]time.Duration) Middleware {
	limitFor := func(name string) time.Duration {
		if d, ok := perTool[name]; ok {
			return d
		}
		return def
	}
	return func(next Executor) Executor {
		return func(ec *ExecutionContext) ([]model.ToolResult, error) {
			if ec == nil || ec.ToolName == ToolUserSelect {
				return next(ec)
			}
			limit := limitFor(ec.ToolName)
			if limit <= 0 {
				return next(ec)
			}

			parent := ec.Context
			if parent == nil {
				parent = context.Background()
			}
			ctx, cancel := context.WithTimeout(parent, limit)
			defer cancel()
			ec.Context = ctx

			results, err := next(ec)
			expired := errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil
			if len(results) == 0 && expired {
				return []model.ToolResult{{
					ToolCallID: ec.CallID,
					ToolName:   ec.ToolName,
					Output:     model.TextOutput(fmt.Sprintf("%s timed out after %s", ec.ToolName, limit)),
				}}, nil
			}
			return results, err
		}
	}
}
