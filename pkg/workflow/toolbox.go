package workflow

import (
	"context"

	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/tool"
)

type pipelineToolBox struct {
	pipeline *tool.Pipeline
}

// NewToolBox exposes a tool pipeline as a ToolBox.
func NewToolBox(p *tool.Pipeline) ToolBox {
	return pipelineToolBox{pipeline: p}
}

func (b pipelineToolBox) Definitions() []model.ToolDefinition {
	return b.pipeline.Definitions()
}

func (b pipelineToolBox) Execute(ctx context.Context, msgs ...model.Message) []model.Message {
	return b.pipeline.HandleToolCalls(ctx, msgs...)
}

func (b pipelineToolBox) ExecuteOne(ctx context.Context, call model.ToolCall) *model.Message {
	return b.pipeline.HandleToolCall(ctx, call)
}
