package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

func newTestDirs(t *testing.T) *Dirs {
	t.Helper()
	root := t.TempDir()
	d := New(filepath.Join(root, "queue"))
	if err := d.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestPublishIncomingAndClaim(t *testing.T) {
	d := newTestDirs(t)
	env := envelope.Incoming{Channel: "tg", Source: envelope.SourceUser, ThreadID: 7, Message: "hi", MessageID: "m1"}
	name := envelope.IncomingFilename(env.Channel, env.Source, env.MessageID)
	if err := d.PublishIncoming(name, env); err != nil {
		t.Fatal(err)
	}

	files, err := d.List(DirIncoming)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected 1 incoming file, got %d, err=%v", len(files), err)
	}

	path, err := d.Claim(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected processing file at %s: %v", path, err)
	}

	// Re-claiming (race simulation) must fail cleanly.
	if _, err := d.Claim(name); err != ErrClaimLost {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
}

func TestListOrderedPrioritizesNonHeartbeat(t *testing.T) {
	d := newTestDirs(t)
	now := time.Now()

	write := func(name string, age time.Duration) {
		env := envelope.Incoming{Channel: "tg", Source: envelope.SourceUser, ThreadID: 1, Message: "x", MessageID: name}
		if err := d.PublishIncoming(name+".json", env); err != nil {
			t.Fatal(err)
		}
		mtime := now.Add(-age)
		os.Chtimes(filepath.Join(d.Path(DirIncoming), name+".json"), mtime, mtime)
	}

	write("heartbeat_a", 30*time.Second)
	write("heartbeat_b", 20*time.Second)
	write("heartbeat_c", 10*time.Second)
	write("tg_u1", 1*time.Second) // newest mtime, but non-heartbeat

	files, err := d.ListOrdered()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 4 {
		t.Fatalf("expected 4 files, got %d", len(files))
	}
	if files[0].Name != "tg_u1.json" {
		t.Fatalf("expected non-heartbeat file first regardless of mtime, got %s", files[0].Name)
	}
	// remaining heartbeats in FIFO order
	want := []string{"heartbeat_a.json", "heartbeat_b.json", "heartbeat_c.json"}
	for i, w := range want {
		if files[i+1].Name != w {
			t.Fatalf("expected heartbeat FIFO order, position %d: got %s want %s", i+1, files[i+1].Name, w)
		}
	}
}

func TestRetryToIncomingStripsPreviousSuffix(t *testing.T) {
	d := newTestDirs(t)
	env := envelope.Incoming{Channel: "tg", Source: envelope.SourceUser, ThreadID: 1, Message: "x", MessageID: "m1"}
	name := "tg_m1_retry1.json"
	if err := d.PublishIncoming(name, env); err != nil {
		t.Fatal(err)
	}
	processingPath, err := d.Claim(name)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RetryToIncoming(processingPath, name, 2); err != nil {
		t.Fatal(err)
	}
	files, err := d.List(DirIncoming)
	if err != nil || len(files) != 1 {
		t.Fatalf("expected 1 incoming file, got %d err=%v", len(files), err)
	}
	if files[0].Name != "tg_m1_retry2.json" {
		t.Fatalf("expected single retry suffix, got %s", files[0].Name)
	}
}

func TestRecoverProcessingIsIdempotent(t *testing.T) {
	d := newTestDirs(t)
	env := envelope.Incoming{Channel: "tg", Source: envelope.SourceUser, ThreadID: 1, Message: "x", MessageID: "m9"}
	name := "tg_m9.json"
	if err := d.PublishIncoming(name, env); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Claim(name); err != nil {
		t.Fatal(err)
	}

	moved, err := d.RecoverProcessing()
	if err != nil || moved != 1 {
		t.Fatalf("expected 1 file recovered, got %d err=%v", moved, err)
	}
	files, _ := d.List(DirIncoming)
	if len(files) != 1 {
		t.Fatalf("expected file back in incoming/, got %d", len(files))
	}

	moved2, err := d.RecoverProcessing()
	if err != nil || moved2 != 0 {
		t.Fatalf("expected second recovery to be a no-op, got %d err=%v", moved2, err)
	}
}

func TestDrainCommandsDeletesRegardlessOfOutcome(t *testing.T) {
	d := newTestDirs(t)
	good := envelope.Command{Command: envelope.CommandReset, ThreadID: 5}
	if err := writeAtomic(d.Path(DirCommands), "c1.json", mustJSON(good)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(d.Path(DirCommands), "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	var seen []envelope.Command
	if err := d.DrainCommands(func(c envelope.Command) { seen = append(seen, c) }); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0].ThreadID != 5 {
		t.Fatalf("expected exactly the well-formed command handled, got %+v", seen)
	}
	remaining, _ := d.List(DirCommands)
	if len(remaining) != 0 {
		t.Fatalf("expected all command files deleted, got %d remaining", len(remaining))
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
