package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/runtime"
)

func newTestQueue(t *testing.T) *queue.Dirs {
	t.Helper()
	d := queue.New(filepath.Join(t.TempDir(), "queue"))
	if err := d.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDispatchCapturesLatestSessionID(t *testing.T) {
	q := newTestQueue(t)
	f := &runtime.Fake{Script: []runtime.FakeResponse{{Text: "hi there"}}}
	disp := New(f, q, nil)

	thread := envelope.Thread{ID: 2, WorkingDir: "/work"}
	res, err := disp.Dispatch(context.Background(), "m1", thread, envelope.Decision{Tier: envelope.TierMedium}, "prompt", "sys", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.TextOut != "hi there" {
		t.Fatalf("expected text passthrough, got %q", res.TextOut)
	}
	if res.SessionIDOut == "" {
		t.Fatal("expected a captured session id")
	}

	// Status beacon must be cleared on exit.
	files, _ := q.List(queue.DirStatus)
	if len(files) != 0 {
		t.Fatalf("expected status beacon cleared, found %d files", len(files))
	}
}

func TestDispatchEmptyResultUsesPlaceholder(t *testing.T) {
	q := newTestQueue(t)
	f := &runtime.Fake{Script: []runtime.FakeResponse{{Text: ""}}}
	disp := New(f, q, nil)

	res, err := disp.Dispatch(context.Background(), "m2", envelope.Thread{}, envelope.Decision{}, "p", "s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.TextOut != noResponsePlaceholder {
		t.Fatalf("expected placeholder, got %q", res.TextOut)
	}
}

func TestDispatchTruncatesOversizeResult(t *testing.T) {
	q := newTestQueue(t)
	long := strings.Repeat("a", 5000)
	f := &runtime.Fake{Script: []runtime.FakeResponse{{Text: long}}}
	disp := New(f, q, nil)

	res, err := disp.Dispatch(context.Background(), "m3", envelope.Thread{}, envelope.Decision{}, "p", "s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.TextOut, strings.Repeat("a", TruncateContentChars)) {
		t.Fatalf("expected content truncated to %d chars before the notice", TruncateContentChars)
	}
	if !strings.Contains(res.TextOut, "truncated") {
		t.Fatal("expected truncation notice")
	}
}

func TestDispatchRuntimeErrorIsTransientAndClearsBeacon(t *testing.T) {
	q := newTestQueue(t)
	wantErr := errors.New("boom")
	f := &runtime.Fake{Script: []runtime.FakeResponse{{Err: wantErr}}}
	disp := New(f, q, nil)

	_, err := disp.Dispatch(context.Background(), "m4", envelope.Thread{}, envelope.Decision{}, "p", "s", nil)
	var te *ErrTransient
	if !errors.As(err, &te) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}

	files, _ := q.List(queue.DirStatus)
	if len(files) != 0 {
		t.Fatalf("expected status beacon cleared even on error, found %d files", len(files))
	}
}

func TestDispatchHeartbeatDoesNotPersistSessionAndSubstitutesOK(t *testing.T) {
	q := newTestQueue(t)
	f := &runtime.Fake{Script: []runtime.FakeResponse{{Text: ""}}}
	disp := New(f, q, nil)

	res, err := disp.DispatchHeartbeat(context.Background(), "m5", envelope.Thread{ID: 1}, "p", "s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.TextOut != HeartbeatOK {
		t.Fatalf("expected HEARTBEAT_OK substitution, got %q", res.TextOut)
	}
	if res.SessionIDOut != "" {
		t.Fatal("expected heartbeat to never persist a session id")
	}
}
