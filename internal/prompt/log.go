package prompt

import (
	"encoding/json"
	"os"
	"time"
)

// LogTruncateLimit is the per-entry content cap for the prompt log
// (spec §4.5 "truncated to 500 characters").
const LogTruncateLimit = 500

// RotateThreshold mirrors history.RotateThreshold: the prompt log is a
// second, independently-rotated JSONL file with the same single-
// generation scheme (spec §9 open question: no multi-generation
// retention).
const RotateThreshold = 10 * 1024 * 1024

// LogEntry is one recorded prompt, suitable for offline analysis.
type LogEntry struct {
	TS        time.Time    `json:"ts"`
	ThreadID  int          `json:"threadId"`
	Channel   string       `json:"channel"`
	Source    string       `json:"source"`
	MessageID string       `json:"messageId"`
	Tier      string       `json:"tier"`
	Model     string       `json:"model"`
	Prompt    string       `json:"prompt"`
	Decision  decisionView `json:"decision"`
}

type decisionView struct {
	Confidence      float64  `json:"confidence"`
	Signals         []string `json:"signals"`
	EstimatedTokens int      `json:"estimatedTokens"`
}

// Log is the prompt log file, append-only with single-generation
// rotation identical in shape to internal/history.Log.
type Log struct {
	path string
}

// NewLog returns a prompt log rooted at path.
func NewLog(path string) *Log { return &Log{path: path} }

// Append records one assembled prompt, truncating its text to
// LogTruncateLimit characters.
func (l *Log) Append(in Input, assembled string) error {
	if err := l.maybeRotate(); err != nil {
		return err
	}

	entry := LogEntry{
		TS:        in.Now,
		ThreadID:  in.Envelope.ThreadID,
		Channel:   in.Envelope.Channel,
		Source:    string(in.Envelope.Source),
		MessageID: in.Envelope.MessageID,
		Tier:      string(in.Decision.Tier),
		Model:     in.Decision.Model,
		Prompt:    truncate(assembled, LogTruncateLimit),
		Decision: decisionView{
			Confidence:      in.Decision.Confidence,
			Signals:         in.Decision.Signals,
			EstimatedTokens: in.Decision.EstimatedTokens,
		},
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
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
	return os.Rename(l.path, l.path+".1")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
