package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/tandem/pkg/approval"
	"github.com/odvcencio/tandem/pkg/host"
	"github.com/odvcencio/tandem/pkg/logging"
	"github.com/odvcencio/tandem/pkg/manager"
	"github.com/odvcencio/tandem/pkg/model"
	"github.com/odvcencio/tandem/pkg/prompt"
	"github.com/odvcencio/tandem/pkg/telemetry"
	"github.com/odvcencio/tandem/pkg/workflow"
)

const maxResultPreview = 400

var errQuit = errors.New("quit")

const helpText = `commands:
  :new [title]       start another instance and switch to it
  :next, :prev       cycle instances
  :next-idle         switch to the next instance that is not busy
  :prev-idle         switch to the previous instance that is not busy
  :close[!]          close the active instance (! skips waiting for the turn)
  :policy [p]        set or cycle the approval policy
  :list              list instances
  :stop, :abort      stop the workflow, or cancel its running turn
  :cancel            reject the pending question
  :log [n]           show the last n run log events (default 10)
  :quit              exit
anything else is sent to the active instance; /name runs a workflow command
`

// repl is the line-oriented front end. All rendering happens on the run
// goroutine; turns run in their own goroutines.
type repl struct {
	mgr *manager.Manager
	// factory builds the workflow for :new; title may be empty.
	factory     func(title string) workflow.Factory
	hub         *telemetry.Hub
	interactive bool
	logPath     string

	outMu sync.Mutex
	out   io.Writer

	// seen holds the message keys already printed, per instance.
	seen     map[string]map[string]struct{}
	shown    string
	answered map[string]bool
	eof      bool
	turns    sync.WaitGroup
}

func newREPL(mgr *manager.Manager, factory func(title string) workflow.Factory, hub *telemetry.Hub, out io.Writer, interactive bool) *repl {
	return &repl{
		mgr:         mgr,
		factory:     factory,
		hub:         hub,
		interactive: interactive,
		out:         out,
		seen:        make(map[string]map[string]struct{}),
		answered:    make(map[string]bool),
	}
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads lines until EOF, :quit or ctx ends. After EOF it waits for
// running turns, answering any further questions with their defaults.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	events, unsubscribe := r.hub.Subscribe()
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.showActive()
	r.promptLine()

	var idle chan struct{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				r.eof = true
				r.defaultAllPending()
				idle = make(chan struct{})
				go func(done chan struct{}) {
					r.turns.Wait()
					close(done)
				}(idle)
				continue
			}
			if err := r.handleLine(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.printf("! %v\n", err)
			}
			r.promptLine()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handleEvent(ev)
		case <-idle:
			r.flushActive()
			return nil
		}
	}
}

func (r *repl) promptLine() {
	if !r.interactive || r.eof {
		return
	}
	if h, _, ok := r.mgr.Active(); ok {
		if p, pending := h.Broker().Pending(); pending {
			r.printf("%s> ", p.Kind)
			return
		}
	}
	r.printf("> ")
}

func (r *repl) handleLine(ctx context.Context, line string) error {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, ":") {
		return r.command(ctx, trimmed)
	}

	h, _, ok := r.mgr.Active()
	if !ok {
		return errors.New("no active instance; use :new")
	}
	if p, pending := h.Broker().Pending(); pending {
		return r.answer(h, p, trimmed)
	}
	if trimmed == "" {
		return nil
	}

	r.turns.Add(1)
	go func() {
		defer r.turns.Done()
		if err := h.Submit(ctx, trimmed); err != nil && !errors.Is(err, context.Canceled) {
			r.printf("! %s: %v\n", h.ID(), err)
		}
	}()
	return nil
}

func (r *repl) command(ctx context.Context, line string) error {
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) == 0 {
		return nil
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "help", "h", "?":
		r.printf("%s", helpText)
	case "quit", "q", "exit":
		return errQuit
	case "new":
		factory := r.factory(strings.Join(args, " "))
		_, err := r.mgr.CreateInstance(ctx, factory, manager.CreateOptions{Activate: true})
		r.showActive()
		return err
	case "next":
		r.switched(r.mgr.SwitchToNext())
	case "prev":
		r.switched(r.mgr.SwitchToPrevious())
	case "next-idle":
		r.switched(r.mgr.SwitchToNextNonLoading())
	case "prev-idle":
		r.switched(r.mgr.SwitchToPreviousNonLoading())
	case "close", "close!":
		id := r.mgr.ActiveID()
		if id == "" {
			return errors.New("no active instance")
		}
		done := r.mgr.RemoveInstance(ctx, id, manager.RemoveOptions{Force: name == "close!"})
		select {
		case <-done:
			delete(r.seen, id)
			r.showActive()
		default:
			r.printf("closing %s after its turn\n", id)
		}
	case "policy":
		return r.policy(args)
	case "list", "ls":
		r.list()
	case "stop":
		if h, _, ok := r.mgr.Active(); ok {
			h.Stop()
		}
	case "abort":
		if h, _, ok := r.mgr.Active(); ok {
			h.Abort()
		}
	case "cancel":
		if h, _, ok := r.mgr.Active(); ok && !h.Broker().CancelPending() {
			return errors.New("nothing to cancel")
		}
	case "log":
		return r.showLog(args)
	default:
		return fmt.Errorf("unknown command :%s (try :help)", name)
	}
	return nil
}

func (r *repl) policy(args []string) error {
	h, _, ok := r.mgr.Active()
	if !ok {
		return errors.New("no active instance")
	}
	next := h.State().ApprovalPolicy.Next()
	if len(args) > 0 {
		p, err := approval.ParsePolicy(args[0])
		if err != nil {
			return err
		}
		next = p
	}
	if err := h.SetApprovalPolicy(next); err != nil {
		return err
	}
	r.printf("approval policy: %s\n", next)
	return nil
}

func (r *repl) showLog(args []string) error {
	if r.logPath == "" {
		return errors.New("logging is disabled")
	}
	n := 10
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("bad count %q", args[0])
		}
		n = v
	}
	events, err := logging.Tail(r.logPath, n)
	if err != nil {
		return err
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s %-5s %s/%s", ev.Timestamp.Format(time.TimeOnly), ev.Level, ev.Category, ev.EventType)
		if ev.InstanceID != "" {
			line += " [" + ev.InstanceID + "]"
		}
		if ev.Message != "" {
			line += " " + ev.Message
		}
		r.printf("%s\n", line)
	}
	return nil
}

func (r *repl) list() {
	for _, info := range r.mgr.List() {
		marker := " "
		if info.Active {
			marker = "*"
		}
		var flags []string
		if info.Loading {
			flags = append(flags, "busy")
		}
		if info.Closing {
			flags = append(flags, "closing")
		}
		if info.Status != host.StatusActive {
			flags = append(flags, string(info.Status))
		}
		suffix := ""
		if len(flags) > 0 {
			suffix = " (" + strings.Join(flags, ", ") + ")"
		}
		r.printf("%s %s  %s%s\n", marker, info.DisplayTitle, info.ID, suffix)
	}
}

func (r *repl) switched(ok bool) {
	if !ok {
		r.printf("no other instance to switch to\n")
		return
	}
	r.showActive()
}

// showActive prints the active instance's header and any output it
// produced while in the background.
func (r *repl) showActive() {
	h, id, ok := r.mgr.Active()
	if !ok {
		r.shown = ""
		r.printf("no instances; use :new\n")
		return
	}
	if id != r.shown {
		r.shown = id
		r.printf("── %s (%s) ──\n", h.Title(), id)
	}
	r.flush(h)
	if p, pending := h.Broker().Pending(); pending {
		r.renderPending(p)
	}
}

func (r *repl) handleEvent(ev telemetry.Event) {
	if ev.Type == telemetry.EventInteractionOpened {
		r.interactionOpened(ev.InstanceID)
	}
	if ev.InstanceID == "" || ev.InstanceID != r.mgr.ActiveID() {
		return
	}
	switch ev.Type {
	case telemetry.EventTurnCompleted, telemetry.EventTurnFailed,
		telemetry.EventToolCompleted, telemetry.EventToolFailed, telemetry.EventToolSkipped,
		telemetry.EventHostStatus, telemetry.EventHostReconfigured:
		r.flushActive()
		r.promptLine()
	}
}

func (r *repl) interactionOpened(id string) {
	h, ok := r.mgr.Get(id)
	if !ok {
		return
	}
	p, pending := h.Broker().Pending()
	if !pending {
		return
	}
	if r.eof {
		_ = h.Broker().ResolveDefault(p.ID)
		return
	}
	if deadline := p.Deadline(); !deadline.IsZero() {
		broker := h.Broker()
		time.AfterFunc(time.Until(deadline), func() {
			// Fails harmlessly if the user answered first.
			_ = broker.ResolveDefault(p.ID)
		})
	}
	if id == r.mgr.ActiveID() {
		r.flush(h)
		r.renderPending(p)
		r.promptLine()
	}
}

func (r *repl) defaultAllPending() {
	for _, info := range r.mgr.List() {
		h, ok := r.mgr.Get(info.ID)
		if !ok {
			continue
		}
		if p, pending := h.Broker().Pending(); pending {
			_ = h.Broker().ResolveDefault(p.ID)
		}
	}
}

func (r *repl) renderPending(p prompt.Pending) {
	if r.answered[p.ID] {
		return
	}
	switch p.Kind {
	case prompt.KindSelect:
		question := p.Message
		if question == "" {
			question = p.Label
		}
		if question != "" {
			r.printf("? %s\n", question)
		}
		for i, item := range p.Items {
			def := ""
			if item.Value == p.Default {
				def = " (default)"
			}
			r.printf("  %d) %s%s\n", i+1, item.Label, def)
		}
	case prompt.KindConfirm:
		def := "n"
		if p.Default == "true" {
			def = "y"
		}
		r.printf("? %s [y/n, default %s]\n", p.Message, def)
	case prompt.KindInput:
		r.printf("? %s\n", p.Message)
	}
}

// answer resolves p from a typed line. Select accepts a 1-based index or
// a value; an empty line takes the default.
func (r *repl) answer(h *host.Host, p prompt.Pending, line string) error {
	broker := h.Broker()
	var err error
	switch {
	case line == "":
		err = broker.ResolveDefault(p.ID)
	case p.Kind == prompt.KindSelect:
		value := line
		if n, convErr := strconv.Atoi(line); convErr == nil && n >= 1 && n <= len(p.Items) {
			value = p.Items[n-1].Value
		}
		err = broker.Resolve(p.ID, value)
	default:
		err = broker.Resolve(p.ID, line)
	}
	if err != nil {
		r.renderPending(p)
		return err
	}
	r.answered[p.ID] = true
	return nil
}

func (r *repl) flushActive() {
	if h, _, ok := r.mgr.Active(); ok {
		r.flush(h)
	}
}

// flush prints transcript entries of h not yet shown. User entries are
// skipped since the user typed them. Entries are tracked by key, so output
// appended after /retry or /clear shrinks the transcript still shows.
func (r *repl) flush(h *host.Host) {
	seen, ok := r.seen[h.ID()]
	if !ok {
		seen = make(map[string]struct{})
		r.seen[h.ID()] = seen
	}
	for _, m := range model.Dedupe(seen, h.State().Messages) {
		if text := renderMessage(m); text != "" {
			r.printf("%s\n", text)
		}
	}
}

func renderMessage(m model.Message) string {
	switch m.Role {
	case model.RoleUser:
		return ""
	case model.RoleUI:
		return "· " + m.Text()
	case model.RoleTool:
		var parts []string
		for _, res := range m.ToolResults() {
			parts = append(parts, fmt.Sprintf("← %s: %s", res.ToolName, preview(res.Output.String())))
		}
		return strings.Join(parts, "\n")
	}

	var parts []string
	if text := m.Text(); text != "" {
		parts = append(parts, text)
	}
	for _, call := range m.ToolCalls() {
		parts = append(parts, fmt.Sprintf("→ %s %s", call.Name, preview(string(call.Input))))
	}
	return strings.Join(parts, "\n")
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxResultPreview {
		return s
	}
	return s[:maxResultPreview] + "…"
}
