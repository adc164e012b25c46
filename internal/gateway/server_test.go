package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/history"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/state"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	q := queue.New(filepath.Join(dir, "queue"))
	if err := q.EnsureAll(); err != nil {
		t.Fatalf("ensure queue dirs: %v", err)
	}
	st := state.New(dir, filepath.Join(dir, "workspace"), nil)
	hist := history.New(filepath.Join(dir, "message-history.jsonl"))
	return NewServer(q, st, hist, nil)
}

func TestSnapshotReadsQueueDepthsAndThreads(t *testing.T) {
	s := newTestServer(t)

	in := envelope.Incoming{
		Channel: "tg", Source: envelope.SourceUser, ThreadID: 7,
		Sender: "alice", Message: "hi", Timestamp: time.Now(), MessageID: "m1",
	}
	if err := s.Queue.PublishIncoming(envelope.IncomingFilename(in.Channel, in.Source, in.MessageID), in); err != nil {
		t.Fatalf("publish incoming: %v", err)
	}
	if err := s.Queue.PublishStatus("m1", envelope.Status{Text: "Thinking…", TS: time.Now()}); err != nil {
		t.Fatalf("publish status: %v", err)
	}

	snap := s.snapshot()
	if snap.QueueDepths[queue.DirIncoming] != 1 {
		t.Errorf("incoming depth = %d, want 1", snap.QueueDepths[queue.DirIncoming])
	}
	if _, ok := snap.Statuses["m1"]; !ok {
		t.Errorf("expected status beacon for m1 in snapshot")
	}
	foundMaster := false
	for _, th := range snap.Threads {
		if th.ID == envelope.MasterThreadID {
			foundMaster = true
		}
	}
	if !foundMaster {
		t.Errorf("expected master thread in snapshot")
	}
}

func TestWebSocketBroadcastsSnapshotOnConnect(t *testing.T) {
	s := newTestServer(t)

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.QueueDepths == nil {
		t.Errorf("expected non-nil queue depths in first frame")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

// ensure Start binds a real listener and shuts down cleanly on ctx cancel.
func TestStartServesAndShutsDown(t *testing.T) {
	s := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx, addr) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not shut down in time")
	}
}
