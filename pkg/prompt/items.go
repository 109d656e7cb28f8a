package prompt

// CustomInputValue is the synthetic escape item appended to tool-originated
// selections. Workflows decide what choosing it means.
const CustomInputValue = "__custom_input__"

// CustomInputLabel is the label shown for CustomInputValue.
const CustomInputLabel = "None of the above (enter custom input)"

// IsSynthetic reports whether an item is the injected escape item.
func IsSynthetic(item SelectItem) bool {
	return item.Value == CustomInputValue
}

// UserSelectItems builds the item set for a model-originated selection:
// one item per option followed by the escape item. It also returns the
// effective default.
func UserSelectItems(options []string, defaultValue string) ([]SelectItem, string) {
	items := make([]SelectItem, 0, len(options)+1)
	for _, opt := range options {
		if opt == CustomInputValue {
			continue
		}
		items = append(items, SelectItem{Label: opt, Value: opt})
	}
	items = append(items, SelectItem{Label: CustomInputLabel, Value: CustomInputValue})
	return items, EffectiveDefault(items, defaultValue)
}

// EffectiveDefault returns defaultValue when it names a non-synthetic item,
// otherwise the first non-synthetic item's value. The escape item is never
// chosen; with no real items the result is empty.
func EffectiveDefault(items []SelectItem, defaultValue string) string {
	first, found := "", false
	for _, item := range items {
		if IsSynthetic(item) {
			continue
		}
		if item.Value == defaultValue {
			return defaultValue
		}
		if !found {
			first, found = item.Value, true
		}
	}
	return first
}
