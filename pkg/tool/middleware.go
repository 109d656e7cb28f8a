package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/model"
)

// ExecutionContext is the per-call state threaded through the middleware
// chain. Middlewares may replace Context (deadlines, spans) before calling
// the next executor.
type ExecutionContext struct {
	Context    context.Context
	Call       model.ToolCall
	ToolName   string
	CallID     string
	InstanceID string
	StartTime  time.Time
}

// Executor runs one call. It returns an error only when the call was
// aborted; no results and no error means the call produced nothing.
type Executor func(ec *ExecutionContext) ([]model.ToolResult, error)

// Middleware decorates an Executor.
type Middleware func(next Executor) Executor

// Chain composes middlewares so the first one runs outermost. Nil entries
// are ignored.
func Chain(middlewares ...Middleware) Middleware {
	return func(inner Executor) Executor {
		wrapped := inner
		for i := len(middlewares) - 1; i >= 0; i-- {
			if mw := middlewares[i]; mw != nil {
				wrapped = mw(wrapped)
			}
		}
		return wrapped
	}
}

// Recover turns a panic below it into an in-band tool result so one bad
// call cannot take down the instance.
func Recover(logger *logging.Logger) Middleware {
	return func(next Executor) Executor {
		return func(ec *ExecutionContext) (results []model.ToolResult, err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				_ = logger.Error(logging.CategoryTool, "panic", fmt.Sprint(r), map[string]any{
					"tool":    ec.ToolName,
					"call_id": ec.CallID,
					"stack":   string(debug.Stack()),
				})
				results = textResult(ec.Call, fmt.Sprintf("%s failed: internal error: %v", ec.ToolName, r))
				err = nil
			}()
			return next(ec)
		}
	}
}
