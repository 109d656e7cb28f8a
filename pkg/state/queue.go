package state

// AppendItems returns queue followed by items. The input is not modified.
func AppendItems[T any](queue []T, items ...T) []T {
	out := make([]T, 0, len(queue)+len(items))
	out = append(out, queue...)
	return append(out, items...)
}

// Shift pops the head of a FIFO queue. ok is false when queue is empty.
func Shift[T any](queue []T) (first T, ok bool, rest []T) {
	if len(queue) == 0 {
		return first, false, []T{}
	}
	return queue[0], true, cloneSlice(queue[1:])
}

// CoerceTaskItems normalizes a string, a TaskItem, or a slice of either
// into task items. Bare strings start incomplete; anything else yields an
// empty list.
func CoerceTaskItems(input any) []TaskItem {
	switch v := input.(type) {
	case nil:
		return []TaskItem{}
	case string:
		return []TaskItem{{Label: v}}
	case TaskItem:
		return []TaskItem{v}
	case *TaskItem:
		if v == nil {
			return []TaskItem{}
		}
		return []TaskItem{*v}
	case []string:
		out := make([]TaskItem, 0, len(v))
		for _, s := range v {
			out = append(out, TaskItem{Label: s})
		}
		return out
	case []TaskItem:
		return cloneSlice(v)
	case []any:
		out := make([]TaskItem, 0, len(v))
		for _, item := range v {
			out = append(out, CoerceTaskItems(item)...)
		}
		return out
	case map[string]any:
		label, ok := v["label"].(string)
		if !ok {
			return []TaskItem{}
		}
		completed, _ := v["completed"].(bool)
		return []TaskItem{{Label: label, Completed: completed}}
	default:
		return []TaskItem{}
	}
}

// ToggleTaskAtIndex flips completion at i. Out-of-range indexes return the
// list unchanged.
func ToggleTaskAtIndex(list []TaskItem, i int) []TaskItem {
	if i < 0 || i >= len(list) {
		return list
	}
	out := cloneSlice(list)
	out[i].Completed = !out[i].Completed
	return out
}

// ToggleNextIncomplete completes the first incomplete task, if any.
func ToggleNextIncomplete(list []TaskItem) []TaskItem {
	for i, item := range list {
		if !item.Completed {
			return ToggleTaskAtIndex(list, i)
		}
	}
	return list
}
