package state

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

func TestLoadThreadsDefaultsToMasterWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, filepath.Join(dir, "cwd"), nil)

	threads := s.LoadThreads()
	if len(threads) != 1 {
		t.Fatalf("expected only master entry, got %d", len(threads))
	}
	master, ok := threads[envelope.MasterThreadID]
	if !ok || !master.IsMaster {
		t.Fatalf("expected master thread present and marked IsMaster")
	}
}

func TestLoadThreadsFallsBackOnCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "threads.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir, "", nil)
	threads := s.LoadThreads()
	if len(threads) != 1 {
		t.Fatalf("expected fallback to master-only registry, got %d threads", len(threads))
	}
}

func TestSaveThreadsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)

	threads := s.LoadThreads()
	threads[7] = &envelope.Thread{ID: 7, Name: "Thread 7", WorkingDir: "/tmp/x", Model: envelope.TierSimple}
	if err := s.SaveThreads(threads); err != nil {
		t.Fatal(err)
	}

	reloaded := s.LoadThreads()
	if _, ok := reloaded[7]; !ok {
		t.Fatalf("expected thread 7 to persist")
	}
	if _, ok := reloaded[envelope.MasterThreadID]; !ok {
		t.Fatalf("expected master thread to persist")
	}
}

func TestGetOrCreateThreadBackfillsGenericName(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "/default/cwd", nil)

	th, created, err := s.GetOrCreateThread(5, "")
	if err != nil || !created {
		t.Fatalf("expected new thread created, err=%v created=%v", err, created)
	}
	if th.Name != envelope.DefaultThreadName(5) {
		t.Fatalf("expected generic name, got %q", th.Name)
	}

	th2, created2, err := s.GetOrCreateThread(5, "general")
	if err != nil || created2 {
		t.Fatalf("expected existing thread reused, err=%v created=%v", err, created2)
	}
	if th2.Name != "general" {
		t.Fatalf("expected backfilled topic name, got %q", th2.Name)
	}
}

func TestLoadSettingsDefaultsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)
	settings := s.LoadSettings()
	if settings.MaxConcurrentSessions < 1 {
		t.Fatalf("expected default maxConcurrentSessions >= 1, got %d", settings.MaxConcurrentSessions)
	}
}

func TestLoadSettingsCachedByMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"maxConcurrentSessions": 4}`), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(dir, "", nil)
	first := s.LoadSettings()
	if first.MaxConcurrentSessions != 4 {
		t.Fatalf("expected 4, got %d", first.MaxConcurrentSessions)
	}

	// Rewrite without changing mtime semantics shouldn't matter here; we
	// instead verify that changing content + mtime picks up the change.
	if err := os.WriteFile(path, []byte(`{"maxConcurrentSessions": 9}`), 0o644); err != nil {
		t.Fatal(err)
	}
	second := s.LoadSettings()
	if second.MaxConcurrentSessions != 9 {
		t.Fatalf("expected updated value 9 after mtime change, got %d", second.MaxConcurrentSessions)
	}
}

func TestMessageModelsBoundedAndQueryable(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)

	if err := s.RecordAssistantModel("m1", "opus"); err != nil {
		t.Fatal(err)
	}
	model, ok := s.ModelFor("m1")
	if !ok || model != "opus" {
		t.Fatalf("expected opus for m1, got %v ok=%v", model, ok)
	}

	for i := 0; i < messageModelsCap+10; i++ {
		if err := s.RecordAssistantModel("bulk"+strconv.Itoa(i), "haiku"); err != nil {
			t.Fatal(err)
		}
	}
	entries := s.loadMessageModels()
	if len(entries) > messageModelsCap {
		t.Fatalf("expected bounded to %d entries, got %d", messageModelsCap, len(entries))
	}
	if _, ok := s.ModelFor("m1"); ok {
		t.Fatalf("expected m1 pruned after exceeding cap")
	}
}
