package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShift(t *testing.T) {
	first, ok, rest := Shift([]string{"a", "b", "c"})
	assert.True(t, ok)
	assert.Equal(t, "a", first)
	assert.Equal(t, []string{"b", "c"}, rest)

	first, ok, rest = Shift([]string(nil))
	assert.False(t, ok)
	assert.Equal(t, "", first)
	assert.Empty(t, rest)
}

func TestAppendItemsDoesNotAlias(t *testing.T) {
	base := make([]string, 1, 4)
	base[0] = "a"
	x := AppendItems(base, "b")
	y := AppendItems(base, "c")
	assert.Equal(t, []string{"a", "b"}, x)
	assert.Equal(t, []string{"a", "c"}, y)
}

func TestCoerceTaskItems(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  []TaskItem
	}{
		{"string", "write tests", []TaskItem{{Label: "write tests"}}},
		{"task", TaskItem{Label: "ship", Completed: true}, []TaskItem{{Label: "ship", Completed: true}}},
		{"strings", []string{"a", "b"}, []TaskItem{{Label: "a"}, {Label: "b"}}},
		{"tasks", []TaskItem{{Label: "a", Completed: true}}, []TaskItem{{Label: "a", Completed: true}}},
		{"mixed", []any{"a", TaskItem{Label: "b", Completed: true}}, []TaskItem{{Label: "a"}, {Label: "b", Completed: true}}},
		{"decoded json", []any{map[string]any{"label": "a", "completed": true}}, []TaskItem{{Label: "a", Completed: true}}},
		{"nil", nil, []TaskItem{}},
		{"unsupported", 42, []TaskItem{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoerceTaskItems(tt.input))
		})
	}
}

func TestToggleTaskAtIndex(t *testing.T) {
	list := []TaskItem{{Label: "a"}, {Label: "b"}}

	got := ToggleTaskAtIndex(list, 1)
	assert.True(t, got[1].Completed)
	assert.False(t, list[1].Completed, "input is not mutated")

	assert.Equal(t, list, ToggleTaskAtIndex(list, 5))
	assert.Equal(t, list, ToggleTaskAtIndex(list, -1))
}

func TestToggleNextIncomplete(t *testing.T) {
	list := []TaskItem{{Label: "a", Completed: true}, {Label: "b"}, {Label: "c"}}

	got := ToggleNextIncomplete(list)
	assert.Equal(t, []TaskItem{{Label: "a", Completed: true}, {Label: "b", Completed: true}, {Label: "c"}}, got)

	done := []TaskItem{{Label: "a", Completed: true}}
	assert.Equal(t, done, ToggleNextIncomplete(done))
	assert.Empty(t, ToggleNextIncomplete(nil))
}
