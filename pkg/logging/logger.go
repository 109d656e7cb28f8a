// Package logging writes the runtime's structured JSONL event log: one
// file per run plus a shared file collecting every error-level event.
package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var severity = map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// ParseLevel maps a config string to a Level. Unknown strings are info.
func ParseLevel(s string) Level {
	if _, ok := severity[Level(s)]; ok {
		return Level(s)
	}
	return LevelInfo
}

// Category names the subsystem an event came from.
type Category string

const (
	CategoryHost     Category = "host"
	CategoryManager  Category = "manager"
	CategoryTool     Category = "tool"
	CategoryApproval Category = "approval"
	CategoryPrompt   Category = "prompt"
	CategoryModel    Category = "model"
	CategoryWorkflow Category = "workflow"
	CategoryConfig   Category = "config"
	CategoryBus      Category = "bus"
)

// Event is one line of the log.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      Level          `json:"level"`
	Category   Category       `json:"category"`
	EventType  string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// output is shared by a logger and all of its children.
type output struct {
	mu      sync.Mutex
	runID   string
	runPath string
	all     io.Writer
	errs    io.Writer
	files   []*os.File
	min     Level
}

// Logger writes Events. The nil *Logger is valid and drops everything.
type Logger struct {
	out        *output
	instanceID string
}

// NewLogger opens <dir>/runs/<runID>.jsonl and <dir>/errors.jsonl for
// appending, creating dir as needed.
func NewLogger(dir, runID string) (*Logger, error) {
	runPath := filepath.Join(dir, "runs", runID+".jsonl")
	if err := os.MkdirAll(filepath.Dir(runPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	run, err := openAppend(runPath)
	if err != nil {
		return nil, err
	}
	errs, err := openAppend(filepath.Join(dir, "errors.jsonl"))
	if err != nil {
		_ = run.Close()
		return nil, err
	}
	return &Logger{out: &output{
		runID:   runID,
		runPath: runPath,
		all:     run,
		errs:    errs,
		files:   []*os.File{run, errs},
		min:     LevelInfo,
	}}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// NewWriterLogger logs every event to w and keeps no error file.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: &output{all: w, min: LevelInfo}}
}

// NewNop returns the nil logger.
func NewNop() *Logger { return nil }

// With returns a child sharing l's files whose events carry instanceID.
func (l *Logger) With(instanceID string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, instanceID: instanceID}
}

func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.out.mu.Lock()
	l.out.min = level
	l.out.mu.Unlock()
}

// RunLog is the path of this run's log file, or "" when not file backed.
func (l *Logger) RunLog() string {
	if l == nil {
		return ""
	}
	return l.out.runPath
}

// Log fills in the timestamp, run and instance ids and writes ev if it
// meets the minimum level. Error events also go to the error file.
func (l *Logger) Log(ev Event) error {
	if l == nil || l.out == nil {
		return nil
	}
	o := l.out
	o.mu.Lock()
	defer o.mu.Unlock()
	if severity[ev.Level] < severity[o.min] || o.all == nil {
		return nil
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.RunID == "" {
		ev.RunID = o.runID
	}
	if ev.InstanceID == "" {
		ev.InstanceID = l.instanceID
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode log event: %w", err)
	}
	line = append(line, '\n')

	if _, err := o.all.Write(line); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	if ev.Level == LevelError && o.errs != nil {
		if _, err := o.errs.Write(line); err != nil {
			return fmt.Errorf("write error log: %w", err)
		}
	}
	return nil
}

func (l *Logger) emit(level Level, category Category, eventType, message string, details map[string]any) error {
	return l.Log(Event{Level: level, Category: category, EventType: eventType, Message: message, Details: details})
}

func (l *Logger) Debug(category Category, eventType, message string, details map[string]any) error {
	return l.emit(LevelDebug, category, eventType, message, details)
}

func (l *Logger) Info(category Category, eventType, message string, details map[string]any) error {
	return l.emit(LevelInfo, category, eventType, message, details)
}

func (l *Logger) Warn(category Category, eventType, message string, details map[string]any) error {
	return l.emit(LevelWarn, category, eventType, message, details)
}

func (l *Logger) Error(category Category, eventType, message string, details map[string]any) error {
	return l.emit(LevelError, category, eventType, message, details)
}

// Close closes the log files. Later events are dropped.
func (l *Logger) Close() error {
	if l == nil || l.out == nil {
		return nil
	}
	o := l.out
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for _, f := range o.files {
		errs = append(errs, f.Close())
	}
	o.files, o.all, o.errs = nil, nil, nil
	return errors.Join(errs...)
}

// Tail returns the last n events of a log file, oldest first. Lines that
// do not decode are skipped.
func Tail(path string, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Event, 0, n)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev Event
		if json.Unmarshal(sc.Bytes(), &ev) != nil {
			continue
		}
		if len(ring) < n {
			ring = append(ring, ev)
			continue
		}
		ring[next] = ev
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[next:], ring[:next]...), nil
}
