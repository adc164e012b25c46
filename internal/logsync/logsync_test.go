package logsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

type fakeRegistry struct {
	threads map[int]*envelope.Thread
}

func (f fakeRegistry) LoadThreads() map[int]*envelope.Thread { return f.threads }

func TestSyncOnceMirrorsOnlyKnownSessions(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "sess-1.jsonl"), []byte(`{"event":"a"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sess-unknown.jsonl"), []byte(`{"event":"b"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := fakeRegistry{threads: map[int]*envelope.Thread{
		1: {ID: 1, SessionID: "sess-1"},
	}}
	s := New(src, dst, reg)

	if errs := s.SyncOnce(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	if _, err := os.Stat(filepath.Join(dst, "sess-1.jsonl")); err != nil {
		t.Fatalf("expected known session mirrored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "sess-unknown.jsonl")); !os.IsNotExist(err) {
		t.Fatal("expected unregistered session to be left unmirrored")
	}
}

func TestSyncOnceAppendsOnlyNewBytes(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	srcPath := filepath.Join(src, "sess-1.jsonl")

	if err := os.WriteFile(srcPath, []byte("line one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1, SessionID: "sess-1"}}}
	s := New(src, dst, reg)

	if errs := s.SyncOnce(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	f, err := os.OpenFile(srcPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("line two\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if errs := s.SyncOnce(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	data, err := os.ReadFile(filepath.Join(dst, "sess-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	want := "line one\nline two\n"
	if string(data) != want {
		t.Fatalf("expected %q, got %q", want, string(data))
	}
}

func TestSyncOnceDetectsRotationAndResetsOffset(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	srcPath := filepath.Join(src, "sess-1.jsonl")

	if err := os.WriteFile(srcPath, []byte("aaaaaaaaaaaaaaaaaaaa\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1, SessionID: "sess-1"}}}
	s := New(src, dst, reg)
	if errs := s.SyncOnce(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	// Simulate rotation: the runtime truncated and restarted its log.
	if err := os.WriteFile(srcPath, []byte("short\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if errs := s.SyncOnce(); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	data, err := os.ReadFile(filepath.Join(dst, "sess-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "short\n" {
		t.Fatalf("expected mirror to reset on rotation, got %q", string(data))
	}
}

func TestSafeJoinRejectsPathEscape(t *testing.T) {
	if _, err := safeJoin(t.TempDir(), "../../etc/passwd"); err == nil {
		t.Fatal("expected a path-escape rejection")
	}
}
