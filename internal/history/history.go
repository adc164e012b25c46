// Package history implements the append-only message history log
// (spec §4.2): bounded rotation at 10 MiB, a bounded-tail read that
// tolerates rotation and partial lines, and the two derived prompt
// products (context block, router enrichment).
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

// RotateThreshold is the size at which the log is rotated to a single
// backup generation (spec §4.2, §9: "single-generation only").
const RotateThreshold = 10 * 1024 * 1024

// TailWindow bounds how many trailing bytes a bounded-tail read examines.
const TailWindow = 64 * 1024

// Log is an append-only JSONL history file.
type Log struct {
	path string
}

// New opens (without creating) the history log at path.
func New(path string) *Log {
	return &Log{path: path}
}

// Append writes one history entry as a single JSON line. Appends below
// the comfortable per-line size (~4 KiB) are atomic on a local
// filesystem via the OS append guarantee (spec §4.2/§5); the core never
// performs partial writes.
func (l *Log) Append(entry envelope.HistoryEntry) error {
	if err := l.maybeRotate(); err != nil {
		return fmt.Errorf("history: rotate: %w", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("history: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

func (l *Log) maybeRotate() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < RotateThreshold {
		return nil
	}
	backup := l.path + ".1"
	return os.Rename(l.path, backup)
}

// Tail reads the last n parseable entries. It maps (reads) at most the
// final TailWindow bytes, drops a possibly-partial first line when the
// read began mid-file, and skips malformed lines rather than failing
// (spec §4.2, §8 boundary behaviors).
func (l *Log) Tail(n int) ([]envelope.HistoryEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	start := int64(0)
	readMidFile := false
	if size > TailWindow {
		start = size - TailWindow
		readMidFile = true
	}
	if _, err := f.Seek(start, 0); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first && readMidFile {
			// The first line read after a mid-file seek may be a partial
			// line belonging to the previous (already-consumed) record.
			first = false
			continue
		}
		first = false
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}

	var entries []envelope.HistoryEntry
	for _, line := range lines {
		var e envelope.HistoryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue // malformed line, skip (best-effort parse)
		}
		entries = append(entries, e)
	}

	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// TailForThread returns the last n entries for a specific thread,
// filtering after parse (spec §4.2).
func (l *Log) TailForThread(threadID int, n int) ([]envelope.HistoryEntry, error) {
	// Over-read to improve the chance of finding n matches within the
	// bounded tail window; filtering happens after parse per spec.
	all, err := l.Tail(n * 8)
	if err != nil {
		return nil, err
	}
	var out []envelope.HistoryEntry
	for _, e := range all {
		if e.ThreadID == threadID {
			out = append(out, e)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// ContextBlock formats the last K entries for a thread (or all threads
// for the master) as a "Recent messages:" block for prompt injection
// (spec §4.5). Each line is truncated to 200 characters.
func ContextBlock(entries []envelope.HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent messages:\n")
	for _, e := range entries {
		msg := truncate(e.Message, 200)
		fmt.Fprintf(&b, "[%s via %s] %s: %s\n", e.Sender, e.Channel, string(e.Direction), msg)
	}
	return b.String()
}

// RouterEnrichment formats the last 5 same-thread entries plus an
// optional reply-to-text as bracketed role tags, used only as the
// router's input string (spec §4.2).
func RouterEnrichment(entries []envelope.HistoryEntry, replyToText string) string {
	const k = 5
	if len(entries) > k {
		entries = entries[len(entries)-k:]
	}
	var b strings.Builder
	for _, e := range entries {
		role := "user"
		if e.Direction == envelope.DirectionOut {
			role = "assistant"
		}
		fmt.Fprintf(&b, "[%s] %s\n", role, e.Message)
	}
	if replyToText != "" {
		fmt.Fprintf(&b, "[reply-to] %s\n", replyToText)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
