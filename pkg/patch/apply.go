package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	tderrors "github.com/odvcencio/tandem/pkg/errors"
)

// Change is the computed effect of one FileOp.
type Change struct {
	Op     FileOp
	Before string
	After  string
}

// Summary lists the files an applied patch touched.
type Summary struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// String renders the summary the way models expect to read it back.
func (s *Summary) String() string {
	var sb strings.Builder
	sb.WriteString("Success. Updated the following files:\n")
	for _, p := range s.Added {
		sb.WriteString("A " + p + "\n")
	}
	for _, p := range s.Modified {
		sb.WriteString("M " + p + "\n")
	}
	for _, p := range s.Deleted {
		sb.WriteString("D " + p + "\n")
	}
	return sb.String()
}

func resolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

// Plan computes every change without touching the filesystem. It fails if
// any hunk does not apply.
func Plan(root string, p *Patch) ([]Change, error) {
	changes := make([]Change, 0, len(p.Ops))
	for _, op := range p.Ops {
		abs := resolvePath(root, op.Path)
		switch op.Kind {
		case OpAdd:
			if _, err := os.Stat(abs); err == nil {
				return nil, tderrors.New(tderrors.ErrCodePatchConflict, "file already exists").WithContext("path", op.Path)
			}
			changes = append(changes, Change{Op: op, After: op.Contents})

		case OpDelete:
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, tderrors.Wrap(err, tderrors.ErrCodePatchConflict, "cannot delete file").WithContext("path", op.Path)
			}
			changes = append(changes, Change{Op: op, Before: string(data)})

		case OpUpdate:
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, tderrors.Wrap(err, tderrors.ErrCodePatchConflict, "cannot read file").WithContext("path", op.Path)
			}
			after, err := applyHunks(string(data), op.Hunks)
			if err != nil {
				if e, ok := err.(*tderrors.Error); ok {
					e.WithContext("path", op.Path)
				}
				return nil, err
			}
			changes = append(changes, Change{Op: op, Before: string(data), After: after})
		}
	}
	return changes, nil
}

// Apply plans the patch and then writes every change. Nothing is written
// when planning fails.
func Apply(root string, p *Patch) (*Summary, error) {
	changes, err := Plan(root, p)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, c := range changes {
		abs := resolvePath(root, c.Op.Path)
		switch c.Op.Kind {
		case OpAdd:
			if err := writeFile(abs, c.After); err != nil {
				return summary, err
			}
			summary.Added = append(summary.Added, c.Op.Path)
		case OpDelete:
			if err := os.Remove(abs); err != nil {
				return summary, fmt.Errorf("delete %s: %w", c.Op.Path, err)
			}
			summary.Deleted = append(summary.Deleted, c.Op.Path)
		case OpUpdate:
			target := abs
			shown := c.Op.Path
			if c.Op.MoveTo != "" {
				target = resolvePath(root, c.Op.MoveTo)
				shown = c.Op.MoveTo
			}
			if err := writeFile(target, c.After); err != nil {
				return summary, err
			}
			if target != abs {
				if err := os.Remove(abs); err != nil {
					return summary, fmt.Errorf("remove moved file %s: %w", c.Op.Path, err)
				}
			}
			summary.Modified = append(summary.Modified, shown)
		}
	}
	return summary, nil
}

func writeFile(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, []byte(contents), mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Preview renders a unified diff of every change, for approval prompts.
func Preview(root string, p *Patch) (string, error) {
	changes, err := Plan(root, p)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range changes {
		from, to := "a/"+c.Op.Path, "b/"+c.Op.Path
		switch c.Op.Kind {
		case OpAdd:
			from = "/dev/null"
		case OpDelete:
			to = "/dev/null"
		case OpUpdate:
			if c.Op.MoveTo != "" {
				to = "b/" + c.Op.MoveTo
			}
		}
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        splitLines(c.Before),
			B:        splitLines(c.After),
			FromFile: from,
			ToFile:   to,
			Context:  3,
		})
		if err != nil {
			return "", fmt.Errorf("diff %s: %w", c.Op.Path, err)
		}
		if diff == "" && c.Op.MoveTo != "" {
			diff = fmt.Sprintf("rename %s -> %s\n", c.Op.Path, c.Op.MoveTo)
		}
		sb.WriteString(diff)
	}
	return sb.String(), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return difflib.SplitLines(strings.TrimSuffix(s, "\n"))
}

// applyHunks applies hunks to text in order. Each hunk is searched for at
// or after the end of the previous one, first exactly, then ignoring
// trailing whitespace, then ignoring surrounding whitespace.
func applyHunks(text string, hunks []Hunk) (string, error) {
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}

	cursor := 0
	for n, h := range hunks {
		if h.Anchor != "" {
			idx := seekLine(lines, cursor, h.Anchor)
			if idx < 0 {
				return "", tderrors.New(tderrors.ErrCodePatchConflict, "hunk anchor not found").
					WithContext("hunk", n+1).WithContext("anchor", h.Anchor)
			}
			cursor = idx + 1
		}

		before, after := h.before(), h.after()
		var at int
		if len(before) == 0 {
			at = len(lines)
			if !h.AtEOF && h.Anchor != "" {
				at = cursor
			}
		} else {
			at = seekBlock(lines, cursor, before, h.AtEOF)
			if at < 0 {
				return "", tderrors.New(tderrors.ErrCodePatchConflict, "hunk context not found").
					WithContext("hunk", n+1)
			}
		}

		next := make([]string, 0, len(lines)-len(before)+len(after))
		next = append(next, lines[:at]...)
		next = append(next, after...)
		next = append(next, lines[at+len(before):]...)
		lines = next
		cursor = at + len(after)
	}

	out := strings.Join(lines, "\n")
	if trailingNewline || text == "" {
		out += "\n"
	}
	return out, nil
}

func seekLine(lines []string, from int, want string) int {
	want = strings.TrimSpace(want)
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == want {
			return i
		}
	}
	return -1
}

func seekBlock(lines []string, from int, block []string, atEOF bool) int {
	normalizers := []func(string) string{
		func(s string) string { return s },
		func(s string) string { return strings.TrimRight(s, " \t") },
		strings.TrimSpace,
	}
	for _, norm := range normalizers {
		if atEOF {
			start := len(lines) - len(block)
			if start >= from && blockMatches(lines, start, block, norm) {
				return start
			}
		}
		for i := from; i+len(block) <= len(lines); i++ {
			if blockMatches(lines, i, block, norm) {
				return i
			}
		}
	}
	return -1
}

func blockMatches(lines []string, at int, block []string, norm func(string) string) bool {
	for j, want := range block {
		if norm(lines[at+j]) != norm(want) {
			return false
		}
	}
	return true
}
