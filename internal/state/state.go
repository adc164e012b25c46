// Package state implements the thread registry and settings store
// (spec §4.1): atomic on-disk writes, mtime-cached settings, and
// read-modify-write last-writer-wins updates for concurrent readers
// across the scheduler and chat-adapter processes.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

// Store is the on-disk thread registry and settings. It never caches
// threads in memory — every access re-reads threads.json, because the
// chat adapter and scheduler are separate processes sharing the file
// (spec §4.1).
type Store struct {
	root       string // .borg directory
	log        *slog.Logger
	defaultCWD string

	settingsMu    sync.Mutex
	settingsCache envelope.Settings
	settingsMtime time.Time
}

// New creates a Store rooted at dir (the ".borg" directory). defaultCWD
// is used as the working directory for threads auto-created with no
// prior configuration (spec §9: "the contract when [DEFAULT_CWD] is
// unset is to use a documented placeholder rather than refuse").
func New(dir string, defaultCWD string, log *slog.Logger) *Store {
	if defaultCWD == "" {
		defaultCWD = filepath.Join(dir, "workspace-default")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{root: dir, defaultCWD: defaultCWD, log: log}
}

func (s *Store) threadsPath() string  { return filepath.Join(s.root, "threads.json") }
func (s *Store) settingsPath() string { return filepath.Join(s.root, "settings.json") }

// writeAtomic writes data to path via a temp file in the same directory
// followed by rename, so readers never observe a partial file
// (spec §4.1, §8 invariant 9).
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	success = true
	return nil
}

// defaultThreads returns a registry containing only the master entry
// (spec §4.1 failure mode: "corrupt JSON -> fall back to defaults").
func (s *Store) defaultThreads() map[int]*envelope.Thread {
	return map[int]*envelope.Thread{
		envelope.MasterThreadID: {
			ID:         envelope.MasterThreadID,
			Name:       "Master",
			WorkingDir: s.defaultCWD,
			Model:      envelope.TierMedium,
			IsMaster:   true,
			LastActive: time.Now(),
		},
	}
}

// LoadThreads reads the thread registry from disk. Absent or corrupt
// files fall back to a registry containing just the master entry.
func (s *Store) LoadThreads() map[int]*envelope.Thread {
	data, err := os.ReadFile(s.threadsPath())
	if err != nil {
		return s.defaultThreads()
	}
	var raw map[string]*envelope.Thread
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Error("state: corrupt threads.json, falling back to defaults", "error", err)
		return s.defaultThreads()
	}
	out := make(map[int]*envelope.Thread, len(raw))
	for _, t := range raw {
		out[t.ID] = t
	}
	if _, ok := out[envelope.MasterThreadID]; !ok {
		out[envelope.MasterThreadID] = s.defaultThreads()[envelope.MasterThreadID]
	}
	return out
}

// SaveThreads persists the registry atomically.
func (s *Store) SaveThreads(threads map[int]*envelope.Thread) error {
	raw := make(map[string]*envelope.Thread, len(threads))
	for id, t := range threads {
		raw[itoa(id)] = t
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal threads: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("state: mkdir: %w", err)
	}
	return writeAtomic(s.threadsPath(), data)
}

// GetOrCreateThread loads the registry, returning the thread for id if
// present, or creating one with documented defaults otherwise
// (spec §4.8.1 step 4).
func (s *Store) GetOrCreateThread(id int, topicName string) (*envelope.Thread, bool, error) {
	threads := s.LoadThreads()
	if t, ok := threads[id]; ok {
		if topicName != "" && t.Name == envelope.DefaultThreadName(id) {
			t.Name = topicName
			if err := s.SaveThreads(threads); err != nil {
				return t, false, err
			}
		}
		return t, false, nil
	}
	t := &envelope.Thread{
		ID:         id,
		Name:       envelope.DefaultThreadName(id),
		WorkingDir: s.defaultCWD,
		Model:      envelope.TierMedium,
		LastActive: time.Now(),
	}
	if topicName != "" {
		t.Name = topicName
	}
	threads[id] = t
	if err := s.SaveThreads(threads); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// UpdateThread performs a read-modify-write on a single thread. Losing a
// concurrent writer's update is acceptable per spec §4.1: the file is
// small, writes are rare, and a lost lastActive bump has no correctness
// impact (last-writer-wins).
func (s *Store) UpdateThread(id int, mutate func(t *envelope.Thread)) error {
	threads := s.LoadThreads()
	t, ok := threads[id]
	if !ok {
		t = &envelope.Thread{ID: id, Name: envelope.DefaultThreadName(id), WorkingDir: s.defaultCWD, Model: envelope.TierMedium}
		threads[id] = t
	}
	mutate(t)
	return s.SaveThreads(threads)
}

// ResetThread drops the thread's sessionId (command subqueue "reset",
// spec §3/§4.10).
func (s *Store) ResetThread(id int) error {
	return s.UpdateThread(id, func(t *envelope.Thread) { t.SessionID = "" })
}

// ConfigureThread applies the "setdir" command: updates the working
// directory.
func (s *Store) ConfigureThread(id int, workingDir string) error {
	return s.UpdateThread(id, func(t *envelope.Thread) { t.WorkingDir = workingDir })
}

// LoadSettings reads settings.json, caching by file mtime (spec §4.1:
// "Settings are cached by file mtime; the cache is invalidated whenever
// mtime differs").
func (s *Store) LoadSettings() envelope.Settings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	info, err := os.Stat(s.settingsPath())
	if err != nil {
		return envelope.DefaultSettings()
	}
	if info.ModTime().Equal(s.settingsMtime) && !s.settingsMtime.IsZero() {
		return s.settingsCache
	}
	data, err := os.ReadFile(s.settingsPath())
	if err != nil {
		return envelope.DefaultSettings()
	}
	settings := envelope.DefaultSettings()
	if err := json5.Unmarshal(data, &settings); err != nil {
		s.log.Error("state: corrupt settings.json, using defaults", "error", err)
		settings = envelope.DefaultSettings()
	}
	settings.Normalize()
	s.settingsCache = settings
	s.settingsMtime = info.ModTime()
	return settings
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
