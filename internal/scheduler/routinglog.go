package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

// RoutingLogEntry is one line of logs/routing.jsonl (spec §6).
type RoutingLogEntry struct {
	TS         time.Time `json:"ts"`
	PromptHash string    `json:"promptHash"`
	Tier       string    `json:"tier"`
	Model      string    `json:"model"`
	Tokens     int       `json:"tokens"`
	Confidence float64   `json:"confidence"`
	Signals    []string  `json:"signals"`
}

// RoutingLog appends one line per routing decision, rotation-free
// (spec §6 lists no rotation threshold for routing.jsonl, unlike
// message-history.jsonl and prompts.jsonl).
type RoutingLog struct {
	path string
}

// NewRoutingLog returns a routing log at path.
func NewRoutingLog(path string) *RoutingLog { return &RoutingLog{path: path} }

// Append records one decision. enrichedPrompt is hashed (spec §6:
// "promptHash (SHA-256 hex of enriched prompt)") rather than stored
// verbatim.
func (r *RoutingLog) Append(now time.Time, enrichedPrompt string, dec envelope.Decision) error {
	sum := sha256.Sum256([]byte(enrichedPrompt))
	entry := RoutingLogEntry{
		TS:         now,
		PromptHash: hex.EncodeToString(sum[:]),
		Tier:       string(dec.Tier),
		Model:      dec.Model,
		Tokens:     dec.EstimatedTokens,
		Confidence: round2(dec.Confidence),
		Signals:    dec.Signals,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("scheduler: marshal routing entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("scheduler: open routing log: %w", err)
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
