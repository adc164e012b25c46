// Package dispatcher runs the LLM-runtime operation for one message
// (spec §4.6): resume-or-create, model-switch-by-resume, an event
// observer that drives the status beacon, completion/truncation, the
// heartbeat fast path, and failure classification.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/router"
	"github.com/nextlevelbuilder/borg/internal/runtime"
	"github.com/nextlevelbuilder/borg/internal/tracing"
)

// MaxResultChars is the hard cap on delivered text (spec §4.6
// "Completion"; spec §8 boundary: 4000 chars delivered verbatim, 4001
// truncated).
const MaxResultChars = 4000

// TruncateContentChars is where content is cut before the notice is
// appended (spec §7: "truncate at 3900 chars and append a truncation
// notice").
const TruncateContentChars = 3900

const truncationNotice = "\n\n[truncated: response exceeded the delivery limit]"

const noResponsePlaceholder = "(No response generated)"

// HeartbeatOK is the literal token the core treats as a signal to
// suppress chat delivery (spec §4.5).
const HeartbeatOK = "HEARTBEAT_OK"

// ErrTransient wraps a runtime error that should clear the stored
// session and be retried by the caller (spec §4.6 "failure
// semantics").
type ErrTransient struct{ Cause error }

func (e *ErrTransient) Error() string { return fmt.Sprintf("dispatcher: transient: %v", e.Cause) }
func (e *ErrTransient) Unwrap() error { return e.Cause }

// Result is the outcome of one dispatch.
type Result struct {
	TextOut      string
	SessionIDOut string
}

// StatusWriter is the narrow status-beacon surface the dispatcher
// needs (spec §4.11): a per-message key and best-effort writes.
type StatusWriter interface {
	PublishStatus(messageID string, st envelope.Status) error
	ClearStatus(messageID string) error
}

var _ StatusWriter = (*queue.Dirs)(nil)

// Dispatcher runs one query against a runtime.Client per message.
type Dispatcher struct {
	Runtime runtime.Client
	Status  StatusWriter
	Log     *slog.Logger
}

// New constructs a Dispatcher.
func New(client runtime.Client, status StatusWriter, log *slog.Logger) *Dispatcher {
	return &Dispatcher{Runtime: client, Status: status, Log: log}
}

// Dispatch runs dispatch(threadId, thread, tier, promptText) (spec
// §4.6). It always writes the status beacon on entry and clears it on
// every exit path.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID string, thread envelope.Thread, dec envelope.Decision, promptText, systemSupplement string, tools runtime.ToolServer) (Result, error) {
	ctx, span := tracing.StartDispatch(ctx, thread.ID, string(dec.Tier))
	defer span.End()

	d.writeStatus(messageID, "Thinking…")
	defer d.clearStatus(messageID)

	req := runtime.Request{
		Prompt:             promptText,
		Model:              router.ModelForTier(dec.Tier),
		WorkingDir:         thread.WorkingDir,
		SystemSupplement:   systemSupplement,
		ToolServer:         tools,
		ResumeSessionID:    thread.SessionID,
		PermissionCallback: runtime.DenyFixed,
	}

	events, err := d.Runtime.Query(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Result{}, &ErrTransient{Cause: err}
	}

	text, sessionID, err := d.consume(ctx, messageID, events)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	if text == "" {
		text = noResponsePlaceholder
	}
	return Result{TextOut: capLength(text), SessionIDOut: sessionID}, nil
}

// DispatchHeartbeat runs the one-shot heartbeat fast path (spec §4.6):
// no resume logic, no session persistence, lowest tier, and an
// HEARTBEAT_OK substitution for empty output.
func (d *Dispatcher) DispatchHeartbeat(ctx context.Context, messageID string, thread envelope.Thread, promptText, systemSupplement string, tools runtime.ToolServer) (Result, error) {
	d.writeStatus(messageID, "Thinking…")
	defer d.clearStatus(messageID)

	req := runtime.Request{
		Prompt:             promptText,
		Model:              router.ModelForTier(envelope.TierSimple),
		WorkingDir:         thread.WorkingDir,
		SystemSupplement:   systemSupplement,
		ToolServer:         tools,
		PermissionCallback: runtime.DenyFixed,
	}

	events, err := d.Runtime.Query(ctx, req)
	if err != nil {
		return Result{}, &ErrTransient{Cause: err}
	}

	text, _, err := d.consume(ctx, messageID, events)
	if err != nil {
		return Result{}, err
	}
	if text == "" {
		text = HeartbeatOK
	}
	return Result{TextOut: capLength(text), SessionIDOut: ""}, nil // heartbeats never persist a session
}

// consume folds an event stream into the raw assistant text and the
// latest session id, with no placeholder substitution or length cap
// applied — callers decide how to treat an empty result (spec §4.6
// "Completion" for Dispatch, the heartbeat fast path for
// DispatchHeartbeat).
func (d *Dispatcher) consume(ctx context.Context, messageID string, events <-chan runtime.Event) (text string, sessionID string, err error) {
	var (
		textBlocks []string
		resultText string
		runtimeErr error
	)

	for ev := range events {
		switch ev.Kind {
		case runtime.EventSessionID:
			sessionID = ev.SessionID // always the latest (spec §4.6 resume semantics)
		case runtime.EventStatus:
			d.writeStatus(messageID, ev.Status)
		case runtime.EventText:
			textBlocks = append(textBlocks, ev.Text)
		case runtime.EventResult:
			resultText = ev.Text
		case runtime.EventError:
			runtimeErr = ev.Err
		}
	}

	if runtimeErr != nil {
		return "", "", &ErrTransient{Cause: runtimeErr}
	}

	text = joinBlocks(textBlocks)
	if text == "" {
		text = resultText
	}
	return text, sessionID, nil
}

func joinBlocks(blocks []string) string {
	out := ""
	for _, b := range blocks {
		out += b
	}
	return out
}

func capLength(text string) string {
	if len(text) <= MaxResultChars {
		return text
	}
	return text[:TruncateContentChars] + truncationNotice
}

func (d *Dispatcher) writeStatus(messageID, text string) {
	if d.Status == nil {
		return
	}
	if err := d.Status.PublishStatus(messageID, envelope.Status{Text: text, TS: time.Now()}); err != nil && d.Log != nil {
		d.Log.Warn("dispatcher: status write failed (best-effort)", "error", err)
	}
}

func (d *Dispatcher) clearStatus(messageID string) {
	if d.Status == nil {
		return
	}
	if err := d.Status.ClearStatus(messageID); err != nil && d.Log != nil {
		d.Log.Warn("dispatcher: status clear failed (best-effort)", "error", err)
	}
}
