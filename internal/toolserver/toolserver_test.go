package toolserver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/queue"
)

type fakeRegistry struct {
	threads map[int]*envelope.Thread
}

func (f *fakeRegistry) LoadThreads() map[int]*envelope.Thread { return f.threads }

func newTestQueue(t *testing.T) *queue.Dirs {
	t.Helper()
	d := queue.New(filepath.Join(t.TempDir(), "queue"))
	if err := d.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	return d
}

func callTool(t *testing.T, name string, srv *Server, sourceThreadID int, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	mcpServer := srv.New(sourceThreadID)
	tool := mcpServer.GetTool(name)
	if tool == nil {
		t.Fatalf("expected tool %q to be registered", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := tool.Handler(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("expected exactly one content block, got %d", len(result.Content))
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return tc.Text
}

func TestSendMessageRefusesSelfSend(t *testing.T) {
	q := newTestQueue(t)
	srv := &Server{Queue: q, Threads: &fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1}}}}
	result := callTool(t, "send_message", srv, 1, map[string]any{"targetThreadId": float64(1), "message": "hi"})
	if !result.IsError {
		t.Fatal("expected self-send to be refused")
	}
}

func TestSendMessageRejectsUnknownTarget(t *testing.T) {
	q := newTestQueue(t)
	srv := &Server{Queue: q, Threads: &fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1}}}}
	result := callTool(t, "send_message", srv, 1, map[string]any{"targetThreadId": float64(99), "message": "hi"})
	if !result.IsError {
		t.Fatal("expected unknown target thread to be rejected")
	}
}

func TestSendMessageWritesIncomingAndOutgoing(t *testing.T) {
	q := newTestQueue(t)
	srv := &Server{Queue: q, Threads: &fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1}, 2: {ID: 2}}}}
	result := callTool(t, "send_message", srv, 1, map[string]any{"targetThreadId": float64(2), "message": "hello thread 2"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", textOf(t, result))
	}

	in, err := q.List(queue.DirIncoming)
	if err != nil || len(in) != 1 {
		t.Fatalf("expected 1 incoming envelope, got %d err=%v", len(in), err)
	}
	out, err := q.List(queue.DirOutgoing)
	if err != nil || len(out) != 1 {
		t.Fatalf("expected 1 outgoing envelope, got %d err=%v", len(out), err)
	}

	env, err := queue.ReadEnvelope(in[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	if env.Source != envelope.SourceCrossThread || env.SourceThreadID != 1 || env.ThreadID != 2 {
		t.Fatalf("unexpected incoming envelope: %+v", env)
	}
}

func TestListThreadsMarksCaller(t *testing.T) {
	q := newTestQueue(t)
	srv := &Server{Queue: q, Threads: &fakeRegistry{threads: map[int]*envelope.Thread{
		1: {ID: 1, Name: "Master", IsMaster: true, WorkingDir: "/m"},
		2: {ID: 2, Name: "Thread 2", WorkingDir: "/t2"},
	}}}
	result := callTool(t, "list_threads", srv, 2, nil)
	if result.IsError {
		t.Fatalf("unexpected error: %s", textOf(t, result))
	}
	text := textOf(t, result)
	if !containsAll(text, `"threadId":2`, `"isCaller":true`) {
		t.Fatalf("expected caller marked in output, got %q", text)
	}
}

func TestQueryKnowledgeBaseRejectsUnknownFile(t *testing.T) {
	q := newTestQueue(t)
	srv := &Server{Queue: q, Threads: &fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1, IsMaster: true, WorkingDir: t.TempDir()}}}}
	result := callTool(t, "query_knowledge_base", srv, 2, map[string]any{"filename": "../etc/passwd"})
	if !result.IsError {
		t.Fatal("expected unrecognized filename to be rejected")
	}
}

func TestQueryKnowledgeBaseReadsMasterFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "decisions.md"), []byte("we decided X"), 0o644); err != nil {
		t.Fatal(err)
	}
	q := newTestQueue(t)
	srv := &Server{Queue: q, Threads: &fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1, IsMaster: true, WorkingDir: dir}}}}
	result := callTool(t, "query_knowledge_base", srv, 2, map[string]any{"filename": "decisions.md"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", textOf(t, result))
	}
	if textOf(t, result) != "we decided X" {
		t.Fatalf("unexpected content: %q", textOf(t, result))
	}
}

func TestMasterOnlyToolsNotRegisteredForNonMaster(t *testing.T) {
	q := newTestQueue(t)
	srv := &Server{Queue: q, Threads: &fakeRegistry{threads: map[int]*envelope.Thread{1: {ID: 1}, 2: {ID: 2}}}}
	mcpServer := srv.New(2)
	if mcpServer.GetTool("update_container_memory") != nil {
		t.Fatal("expected master-only tool to be absent for a non-master caller")
	}

	masterServer := srv.New(envelope.MasterThreadID)
	if masterServer.GetTool("update_container_memory") == nil {
		t.Fatal("expected master-only tool to be registered for the master thread")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
