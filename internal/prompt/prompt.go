// Package prompt assembles the single opaque string sent to the LLM
// runtime for one message (spec §4.5): a timestamp line, an optional
// history block for new sessions, a source-tagged prefix, and the raw
// message text. It also builds the system-prompt and heartbeat
// supplements and maintains a bounded, rotating prompt log.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/history"
)

// HistoryDepthThread and HistoryDepthMaster are the K values from
// spec §4.2 ("last K entries for a thread (K≈20), or last K across all
// threads for the master (K≈30)").
const (
	HistoryDepthThread = 20
	HistoryDepthMaster = 30
)

// Input bundles everything the assembler needs for one message.
type Input struct {
	Now           time.Time
	Timezone      string // IANA zone name; falls back to UTC on load failure
	Thread        envelope.Thread
	Envelope      envelope.Incoming
	Decision      envelope.Decision
	IsNewSession  bool
	HistoryWindow []envelope.HistoryEntry // pre-fetched by the caller: history.TailForThread, or history.Tail for the master
}

// Assemble produces the final prompt string (spec §4.5).
func Assemble(in Input) string {
	var b strings.Builder

	b.WriteString(timestampLine(in.Now, in.Timezone))
	b.WriteString("\n")

	if in.IsNewSession && len(in.HistoryWindow) > 0 {
		b.WriteString(history.ContextBlock(in.HistoryWindow))
		b.WriteString("\n")
	}

	b.WriteString(sourcePrefix(in.Envelope))
	b.WriteString(" ")
	b.WriteString(in.Envelope.Message)

	return b.String()
}

func timestampLine(now time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	local := now.In(loc)
	return "[" + local.Format("Monday, Jan 2 2006, 15:04:05 MST") + "]"
}

// sourcePrefix selects the tag table from spec §4.5. Source is a
// closed set; an unrecognized value is a defect upstream (Validate
// would have already routed it to dead-letter), so this exhaustively
// matches the five known variants and otherwise falls back to the
// system tag rather than panicking.
func sourcePrefix(env envelope.Incoming) string {
	switch env.Source {
	case envelope.SourceUser:
		return fmt.Sprintf("[%s via %s]:", env.Sender, env.Channel)
	case envelope.SourceCrossThread:
		return fmt.Sprintf("[Cross-thread from %s (thread %d)]:", env.Sender, env.SourceThreadID)
	case envelope.SourceHeartbeat:
		return "[Heartbeat check-in]:"
	case envelope.SourceCLI:
		return "[CLI message]:"
	case envelope.SourceSystem:
		return "[System event]:"
	default:
		return "[System event]:"
	}
}

// SystemPromptSupplement describes the thread's identity, how to reach
// other threads and read shared state, and (for the master) expanded
// coordination duties plus knowledge-base file names (spec §4.5).
func SystemPromptSupplement(t envelope.Thread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the agent for thread %q (id %d), working directory %s.\n", t.Name, t.ID, t.WorkingDir)
	b.WriteString("Use the send_message tool to reach other threads; use list_threads to discover them.\n")
	b.WriteString("The shared history log and thread registry reflect the current state of every thread; consult them before assuming context is missing.\n")

	if t.IsMaster {
		b.WriteString("\nAs the master thread, you receive cross-thread summaries and own the knowledge base.\n")
		b.WriteString("Knowledge base files available via query_knowledge_base: context.md, decisions.md, active-projects.md.\n")
		b.WriteString("You alone may update_container_memory, get_host_memory, and manage dev container lifecycle.\n")
	}
	return b.String()
}

// HeartbeatTemplate seeds a fresh HEARTBEAT.md when one does not
// already exist in the thread's working directory.
const HeartbeatTemplate = `# Heartbeat

Quick checks (every run):
-

Hourly checks:
-

Daily checks:
-

Last run timestamps:
quick:
hourly:
daily:
`

// HeartbeatSupplement instructs the agent on heartbeat processing
// (spec §4.5): read or seed HEARTBEAT.md, run tiered checks against the
// recorded timestamps, update them, and reply HEARTBEAT_OK if nothing
// of note occurred.
const HeartbeatSupplement = `This is a heartbeat check-in. Read HEARTBEAT.md in your working directory; ` +
	`if it does not exist, create it using the standard template. Run any quick checks every time, ` +
	`hourly checks if an hour has passed since the recorded hourly timestamp, and daily checks if a ` +
	`day has passed since the recorded daily timestamp. Update the timestamps you ran. If nothing of ` +
	`note occurred, reply with exactly the token HEARTBEAT_OK and nothing else.`
