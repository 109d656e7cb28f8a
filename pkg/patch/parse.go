// Package patch parses and applies the envelope format models use to edit
// files:
//
//	*** Begin Patch
//	*** Add File: path/new.go
//	+package main
//	*** Update File: path/old.go
//	*** Move to: path/renamed.go
//	@@ func main() {
//	-	println("old")
//	+	println("new")
//	*** Delete File: path/gone.go
//	*** End Patch
package patch

import (
	"sort"
	"strings"

	tderrors "github.com/odvcencio/tandem/pkg/errors"
)

const (
	beginMarker  = "*** Begin Patch"
	endMarker    = "*** End Patch"
	addPrefix    = "*** Add File: "
	deletePrefix = "*** Delete File: "
	updatePrefix = "*** Update File: "
	movePrefix   = "*** Move to: "
	eofMarker    = "*** End of File"
	hunkPrefix   = "@@"
)

// OpKind is the kind of file operation.
type OpKind int

const (
	OpAdd OpKind = iota
	OpDelete
	OpUpdate
)

// String returns the one-letter status used in summaries.
func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "A"
	case OpDelete:
		return "D"
	case OpUpdate:
		return "M"
	default:
		return "?"
	}
}

// Line is one line of a hunk: ' ' context, '-' removal, '+' addition.
type Line struct {
	Op   byte
	Text string
}

// Hunk is a contiguous change inside an updated file.
type Hunk struct {
	// Anchor is the text after "@@", used to locate the hunk.
	Anchor string
	Lines  []Line
	// AtEOF pins the hunk to the end of the file.
	AtEOF bool
}

func (h Hunk) before() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Op != '+' {
			out = append(out, l.Text)
		}
	}
	return out
}

func (h Hunk) after() []string {
	var out []string
	for _, l := range h.Lines {
		if l.Op != '-' {
			out = append(out, l.Text)
		}
	}
	return out
}

// FileOp is one file-level operation.
type FileOp struct {
	Kind     OpKind
	Path     string
	MoveTo   string
	Contents string // OpAdd only
	Hunks    []Hunk // OpUpdate only
}

// Patch is a parsed patch envelope.
type Patch struct {
	Ops []FileOp
}

// Paths returns every path the patch writes, including move targets,
// sorted and de-duplicated.
func (p *Patch) Paths() []string {
	seen := make(map[string]struct{})
	for _, op := range p.Ops {
		seen[op.Path] = struct{}{}
		if op.MoveTo != "" {
			seen[op.MoveTo] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for path := range seen {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func invalid(lineNo int, msg string) error {
	return tderrors.New(tderrors.ErrCodePatchInvalid, msg).WithContext("line", lineNo)
}

// Parse parses a patch envelope.
func Parse(text string) (*Patch, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	// Trim surrounding blank lines.
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != beginMarker {
		return nil, invalid(1, "patch must start with "+beginMarker)
	}
	if strings.TrimSpace(lines[len(lines)-1]) != endMarker {
		return nil, invalid(len(lines), "patch must end with "+endMarker)
	}

	body := lines[1 : len(lines)-1]
	p := &Patch{}
	i := 0
	for i < len(body) {
		line := body[i]
		lineNo := i + 2
		switch {
		case strings.HasPrefix(line, addPrefix):
			path := strings.TrimSpace(strings.TrimPrefix(line, addPrefix))
			if path == "" {
				return nil, invalid(lineNo, "add file requires a path")
			}
			i++
			var content []string
			for i < len(body) && !isFileHeader(body[i]) {
				if !strings.HasPrefix(body[i], "+") {
					return nil, invalid(i+2, "added file lines must start with '+'")
				}
				content = append(content, body[i][1:])
				i++
			}
			contents := strings.Join(content, "\n")
			if len(content) > 0 {
				contents += "\n"
			}
			p.Ops = append(p.Ops, FileOp{Kind: OpAdd, Path: path, Contents: contents})

		case strings.HasPrefix(line, deletePrefix):
			path := strings.TrimSpace(strings.TrimPrefix(line, deletePrefix))
			if path == "" {
				return nil, invalid(lineNo, "delete file requires a path")
			}
			p.Ops = append(p.Ops, FileOp{Kind: OpDelete, Path: path})
			i++

		case strings.HasPrefix(line, updatePrefix):
			path := strings.TrimSpace(strings.TrimPrefix(line, updatePrefix))
			if path == "" {
				return nil, invalid(lineNo, "update file requires a path")
			}
			op := FileOp{Kind: OpUpdate, Path: path}
			i++
			if i < len(body) && strings.HasPrefix(body[i], movePrefix) {
				op.MoveTo = strings.TrimSpace(strings.TrimPrefix(body[i], movePrefix))
				i++
			}
			var err error
			op.Hunks, i, err = parseHunks(body, i)
			if err != nil {
				return nil, err
			}
			if len(op.Hunks) == 0 && op.MoveTo == "" {
				return nil, invalid(lineNo, "update file has no hunks")
			}
			p.Ops = append(p.Ops, op)

		case strings.TrimSpace(line) == "":
			i++

		default:
			return nil, invalid(lineNo, "unexpected line: "+line)
		}
	}

	if len(p.Ops) == 0 {
		return nil, invalid(1, "patch contains no file operations")
	}
	return p, nil
}

func isFileHeader(line string) bool {
	return strings.HasPrefix(line, addPrefix) ||
		strings.HasPrefix(line, deletePrefix) ||
		strings.HasPrefix(line, updatePrefix)
}

func parseHunks(body []string, i int) ([]Hunk, int, error) {
	var hunks []Hunk
	var cur *Hunk
	flush := func() {
		if cur != nil && len(cur.Lines) > 0 {
			hunks = append(hunks, *cur)
		}
		cur = nil
	}

	for i < len(body) && !isFileHeader(body[i]) {
		line := body[i]
		switch {
		case strings.HasPrefix(line, hunkPrefix):
			flush()
			cur = &Hunk{Anchor: strings.TrimSpace(strings.TrimPrefix(line, hunkPrefix))}
		case line == eofMarker:
			if cur == nil {
				return nil, i, invalid(i+2, "end of file marker outside a hunk")
			}
			cur.AtEOF = true
		case line == "":
			// Blank lines inside hunks are context lines whose leading
			// space was stripped by an editor.
			if cur == nil {
				cur = &Hunk{}
			}
			cur.Lines = append(cur.Lines, Line{Op: ' '})
		case line[0] == ' ' || line[0] == '-' || line[0] == '+':
			if cur == nil {
				cur = &Hunk{}
			}
			cur.Lines = append(cur.Lines, Line{Op: line[0], Text: line[1:]})
		default:
			return nil, i, invalid(i+2, "hunk lines must start with ' ', '-' or '+'")
		}
		i++
	}
	flush()
	return hunks, i, nil
}
