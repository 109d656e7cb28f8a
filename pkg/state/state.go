// Package state holds the mutable record shared between one workflow and
// its host.
//
// The Store keeps a single authoritative value that is replaced
// synchronously by SetState, so a read immediately after a write always
// observes it. Subscribers are only told that something changed; they
// re-read State and render from it.
package state

import (
	"maps"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/model"
)

// SlotRegion names a fixed place in the UI where opaque content can go.
type SlotRegion string

const (
	SlotAboveHeader SlotRegion = "above-header"
	SlotBelowHeader SlotRegion = "below-header"
	SlotAboveInput  SlotRegion = "above-input"
	SlotBelowInput  SlotRegion = "below-input"
)

// Renderable is content the core stores and hands to the UI without
// interpreting it.
type Renderable = any

// TaskItem is one entry in a workflow's todo list.
type TaskItem struct {
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
}

// WorkflowState is the per-instance mutable record.
type WorkflowState struct {
	Loading        bool
	Messages       []model.Message
	InputDisabled  bool
	Queue          []string
	TaskList       []TaskItem
	StatusLine     Renderable
	Slots          map[SlotRegion]Renderable
	ApprovalPolicy approval.Policy
	// Custom holds workflow-defined records. Values that are
	// map[string]any on both sides of an update merge shallowly.
	Custom map[string]any
}

// Clone copies the top-level slices and maps so callers can't alias the
// store's value.
func (s WorkflowState) Clone() WorkflowState {
	out := s
	out.Messages = cloneSlice(s.Messages)
	out.Queue = cloneSlice(s.Queue)
	out.TaskList = cloneSlice(s.TaskList)
	if s.Slots != nil {
		out.Slots = maps.Clone(s.Slots)
	}
	if s.Custom != nil {
		out.Custom = make(map[string]any, len(s.Custom))
		for k, v := range s.Custom {
			if rec, ok := v.(map[string]any); ok {
				v = maps.Clone(rec)
			}
			out.Custom[k] = v
		}
	}
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

// Patch is a partial update. Nil fields are left unchanged. Sequences
// replace wholesale; Slots and Custom merge key by key, and a nil value
// removes the key.
type Patch struct {
	Loading        *bool
	Messages       *[]model.Message
	InputDisabled  *bool
	Queue          *[]string
	TaskList       *[]TaskItem
	StatusLine     *Renderable
	Slots          map[SlotRegion]Renderable
	ApprovalPolicy *approval.Policy
	Custom         map[string]any
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T {
	return &v
}

// UpdateFunc computes a patch from the previous state.
type UpdateFunc func(prev WorkflowState) Patch

// Update is either a Patch or an UpdateFunc.
type Update interface {
	apply(prev WorkflowState) WorkflowState
}

func (p Patch) apply(prev WorkflowState) WorkflowState {
	return Merge(prev, p)
}

func (f UpdateFunc) apply(prev WorkflowState) WorkflowState {
	if f == nil {
		return prev
	}
	return Merge(prev, f(prev))
}

// Merge applies p on top of prev and returns the result. prev is not
// modified.
func Merge(prev WorkflowState, p Patch) WorkflowState {
	next := prev.Clone()

	if p.Loading != nil {
		next.Loading = *p.Loading
	}
	if p.Messages != nil {
		next.Messages = cloneSlice(*p.Messages)
	}
	if p.InputDisabled != nil {
		next.InputDisabled = *p.InputDisabled
	}
	if p.Queue != nil {
		next.Queue = cloneSlice(*p.Queue)
	}
	if p.TaskList != nil {
		next.TaskList = cloneSlice(*p.TaskList)
	}
	if p.StatusLine != nil {
		next.StatusLine = *p.StatusLine
	}
	if p.ApprovalPolicy != nil {
		next.ApprovalPolicy = *p.ApprovalPolicy
	}

	if len(p.Slots) > 0 {
		if next.Slots == nil {
			next.Slots = make(map[SlotRegion]Renderable, len(p.Slots))
		}
		for region, r := range p.Slots {
			if r == nil {
				delete(next.Slots, region)
				continue
			}
			next.Slots[region] = r
		}
	}

	if len(p.Custom) > 0 {
		if next.Custom == nil {
			next.Custom = make(map[string]any, len(p.Custom))
		}
		for k, v := range p.Custom {
			if v == nil {
				delete(next.Custom, k)
				continue
			}
			prevRec, prevOK := next.Custom[k].(map[string]any)
			nextRec, nextOK := v.(map[string]any)
			if prevOK && nextOK {
				merged := maps.Clone(prevRec)
				maps.Copy(merged, nextRec)
				next.Custom[k] = merged
				continue
			}
			if nextOK {
				v = maps.Clone(nextRec)
			}
			next.Custom[k] = v
		}
	}

	return next
}
