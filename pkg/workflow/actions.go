package workflow

import (
	"github.com/google/uuid"

	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/state"
)

// Actions are the named state mutations available to a workflow. Every
// action goes through Store.SetState, so a read right after an action sees
// its effect.
type Actions struct {
	store *state.Store
}

// NewActions binds actions to store.
func NewActions(store *state.Store) *Actions {
	return &Actions{store: store}
}

// AppendMessages adds msgs to the end of the transcript. Messages without
// an ID get one, so equal text appended twice stays two entries for Dedupe.
func (a *Actions) AppendMessages(msgs ...model.Message) {
	if len(msgs) == 0 {
		return
	}
	msgs = append([]model.Message(nil), msgs...)
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
	}
	a.store.SetState(state.UpdateFunc(func(prev state.WorkflowState) state.Patch {
		return state.Patch{Messages: state.Ptr(state.AppendItems(prev.Messages, msgs...))}
	}))
}

// SetLoading marks whether a turn is running.
func (a *Actions) SetLoading(loading bool) {
	a.store.SetState(state.Patch{Loading: state.Ptr(loading)})
}

// SetInputDisabled blocks or unblocks user input.
func (a *Actions) SetInputDisabled(disabled bool) {
	a.store.SetState(state.Patch{InputDisabled: state.Ptr(disabled)})
}

// Enqueue appends inputs to the pending input queue.
func (a *Actions) Enqueue(inputs ...string) {
	if len(inputs) == 0 {
		return
	}
	a.store.SetState(state.UpdateFunc(func(prev state.WorkflowState) state.Patch {
		return state.Patch{Queue: state.Ptr(state.AppendItems(prev.Queue, inputs...))}
	}))
}

// ShiftQueue removes and returns the oldest queued input.
func (a *Actions) ShiftQueue() (string, bool) {
	var (
		head string
		ok   bool
	)
	a.store.SetState(state.UpdateFunc(func(prev state.WorkflowState) state.Patch {
		var rest []string
		head, ok, rest = state.Shift(prev.Queue)
		if !ok {
			return state.Patch{}
		}
		return state.Patch{Queue: &rest}
	}))
	return head, ok
}

// SetTaskList replaces the task list. Strings, task items and slices of
// either are accepted.
func (a *Actions) SetTaskList(tasks any) {
	a.store.SetState(state.Patch{TaskList: state.Ptr(state.CoerceTaskItems(tasks))})
}

// ToggleTask flips the task at index i.
func (a *Actions) ToggleTask(i int) {
	a.store.SetState(state.UpdateFunc(func(prev state.WorkflowState) state.Patch {
		return state.Patch{TaskList: state.Ptr(state.ToggleTaskAtIndex(prev.TaskList, i))}
	}))
}

// ToggleNextTask completes the first incomplete task.
func (a *Actions) ToggleNextTask() {
	a.store.SetState(state.UpdateFunc(func(prev state.WorkflowState) state.Patch {
		return state.Patch{TaskList: state.Ptr(state.ToggleNextIncomplete(prev.TaskList))}
	}))
}

// SetStatusLine sets the status line content.
func (a *Actions) SetStatusLine(r state.Renderable) {
	a.store.SetState(state.Patch{StatusLine: &r})
}

// SetSlot places r in region. A nil r clears the region.
func (a *Actions) SetSlot(region state.SlotRegion, r state.Renderable) {
	a.store.SetState(state.Patch{Slots: map[state.SlotRegion]state.Renderable{region: r}})
}

// TruncateFromRole drops the last message with role and everything after
// it.
func (a *Actions) TruncateFromRole(role model.Role) {
	a.store.SetState(state.UpdateFunc(func(prev state.WorkflowState) state.Patch {
		return state.Patch{Messages: state.Ptr(model.TruncateFromRole(prev.Messages, role))}
	}))
}

// Reset clears the conversation and everything the workflow has put on
// screen. The approval policy is kept.
func (a *Actions) Reset() {
	a.store.SetState(state.UpdateFunc(func(prev state.WorkflowState) state.Patch {
		slots := make(map[state.SlotRegion]state.Renderable, len(prev.Slots))
		for region := range prev.Slots {
			slots[region] = nil
		}
		custom := make(map[string]any, len(prev.Custom))
		for k := range prev.Custom {
			custom[k] = nil
		}
		var status state.Renderable
		return state.Patch{
			Loading:       state.Ptr(false),
			Messages:      &[]model.Message{},
			InputDisabled: state.Ptr(false),
			Queue:         &[]string{},
			TaskList:      &[]state.TaskItem{},
			StatusLine:    &status,
			Slots:         slots,
			Custom:        custom,
		}
	}))
}
