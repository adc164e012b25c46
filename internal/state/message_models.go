package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// messageModelsCap bounds message-models.json to the most recent N
// entries (spec §3: "Bounded to the most recent N (N≈1000) entries").
const messageModelsCap = 1000

// messageModelEntry.Model is the model name (e.g. "opus"), matching the
// documented wire value in spec §8 S2 ("message-models.json maps the
// replied-to message id to opus"), not the router's internal tier label.
type messageModelEntry struct {
	MessageID string `json:"messageId"`
	Model     string `json:"model"`
	Seq       int64  `json:"seq"`
}

func (s *Store) messageModelsPath() string {
	return filepath.Join(s.root, "message-models.json")
}

// RecordAssistantModel records the model name that produced an
// assistant output, keyed by its messageId. Per spec §9 "open question":
// the map is populated only for assistant outputs, which suffices for
// the reply-clamp — a fresh user message is never looked up here.
func (s *Store) RecordAssistantModel(messageID string, model string) error {
	entries := s.loadMessageModels()
	var maxSeq int64
	for _, e := range entries {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	entries = append(entries, messageModelEntry{MessageID: messageID, Model: model, Seq: maxSeq + 1})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	if len(entries) > messageModelsCap {
		entries = entries[len(entries)-messageModelsCap:]
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	return writeAtomic(s.messageModelsPath(), data)
}

// ModelFor looks up the model name recorded for a prior assistant
// messageId. The scheduler's reply-clamp does not call it: it reads the
// model from the incoming envelope's replyToModel.
func (s *Store) ModelFor(messageID string) (string, bool) {
	for _, e := range s.loadMessageModels() {
		if e.MessageID == messageID {
			return e.Model, true
		}
	}
	return "", false
}

func (s *Store) loadMessageModels() []messageModelEntry {
	data, err := os.ReadFile(s.messageModelsPath())
	if err != nil {
		return nil
	}
	var entries []messageModelEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}
