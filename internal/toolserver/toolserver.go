// Package toolserver implements the cross-thread tool server (spec
// §4.7): an in-process MCP server, instantiated fresh per query with
// the calling thread's identity baked in, fronting send_message,
// list_threads, query_knowledge_base, system introspection, and (for
// the master thread only) container-lifecycle operations.
package toolserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/queue"
)

// ContainerAPI fronts the external dev-container/infra collaborator
// (spec.md §1: Docker/infra is out of scope; Borg only depends on this
// documented contract).
type ContainerAPI interface {
	Stats(ctx context.Context) (map[string]any, error)
	SystemStatus(ctx context.Context) (map[string]any, error)
	UpdateMemory(ctx context.Context, limitMB int) error
	HostMemory(ctx context.Context) (map[string]any, error)
	Create(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// ThreadRegistry is the narrow surface the tool server needs from
// internal/state.Store.
type ThreadRegistry interface {
	LoadThreads() map[int]*envelope.Thread
}

var allowedKnowledgeBaseFiles = map[string]bool{
	"context.md":         true,
	"decisions.md":       true,
	"active-projects.md": true,
}

// Server bundles everything needed to build a fresh per-query MCP
// server.
type Server struct {
	Queue      *queue.Dirs
	Threads    ThreadRegistry
	Containers ContainerAPI
}

// New builds a cross-thread tool server scoped to sourceThreadID — the
// calling thread's identity, baked in at construction time rather than
// passed per call (spec §4.7: "created fresh per query to carry
// sourceThreadId").
func (s *Server) New(sourceThreadID int) *server.MCPServer {
	mcpServer := server.NewMCPServer("borg-cross-thread", "1.0.0", server.WithToolCapabilities(true))

	mcpServer.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to another thread"),
			mcp.WithNumber("targetThreadId", mcp.Required(), mcp.Description("destination thread id")),
			mcp.WithString("message", mcp.Required(), mcp.Description("message body")),
		),
		s.sendMessageHandler(sourceThreadID),
	)

	mcpServer.AddTool(
		mcp.NewTool("list_threads", mcp.WithDescription("List every known thread")),
		s.listThreadsHandler(sourceThreadID),
	)

	mcpServer.AddTool(
		mcp.NewTool("query_knowledge_base",
			mcp.WithDescription("Read a knowledge-base file from the master thread's working directory"),
			mcp.WithString("filename", mcp.Required(), mcp.Description("one of context.md, decisions.md, active-projects.md")),
		),
		s.queryKnowledgeBaseHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("get_container_stats", mcp.WithDescription("Read-only container resource stats")),
		s.containerStatsHandler(),
	)

	mcpServer.AddTool(
		mcp.NewTool("get_system_status", mcp.WithDescription("Read-only system status")),
		s.systemStatusHandler(),
	)

	if sourceThreadID == envelope.MasterThreadID {
		mcpServer.AddTool(
			mcp.NewTool("update_container_memory",
				mcp.WithDescription("Master-only: update the dev container memory limit"),
				mcp.WithNumber("limitMb", mcp.Required(), mcp.Description("new memory limit in MB")),
			),
			s.updateContainerMemoryHandler(),
		)
		mcpServer.AddTool(
			mcp.NewTool("get_host_memory", mcp.WithDescription("Master-only: host memory introspection")),
			s.hostMemoryHandler(),
		)
		mcpServer.AddTool(
			mcp.NewTool("manage_dev_container",
				mcp.WithDescription("Master-only: create/start/stop/delete a dev container"),
				mcp.WithString("action", mcp.Required(), mcp.Description("one of create, start, stop, delete")),
				mcp.WithString("name", mcp.Required(), mcp.Description("container name")),
			),
			s.manageDevContainerHandler(),
		)
	}

	return mcpServer
}

func (s *Server) sendMessageHandler(sourceThreadID int) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		targetF, ok := args["targetThreadId"].(float64)
		if !ok {
			return mcp.NewToolResultError("targetThreadId argument is required"), nil
		}
		target := int(targetF)

		message, ok := args["message"].(string)
		if !ok || message == "" {
			return mcp.NewToolResultError("message argument is required"), nil
		}

		if target == sourceThreadID {
			return mcp.NewToolResultError("refusing to send a message to the sending thread itself"), nil
		}

		if s.Threads != nil {
			threads := s.Threads.LoadThreads()
			if _, ok := threads[target]; !ok {
				return mcp.NewToolResultError(fmt.Sprintf("unknown target thread %d", target)), nil
			}
		}

		now := time.Now()
		messageID := fmt.Sprintf("crossthread-%d-%d-%d", sourceThreadID, target, now.UnixNano())

		in := envelope.Incoming{
			Channel:        "cross-thread",
			Source:         envelope.SourceCrossThread,
			ThreadID:       target,
			SourceThreadID: sourceThreadID,
			Sender:         fmt.Sprintf("thread-%d", sourceThreadID),
			Message:        message,
			Timestamp:      now,
			MessageID:      messageID,
		}
		if err := s.Queue.PublishIncoming(envelope.IncomingFilename(in.Channel, in.Source, in.MessageID), in); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to publish incoming: %v", err)), nil
		}

		out := envelope.Outgoing{
			Channel:        "cross-thread",
			ThreadID:       sourceThreadID,
			Sender:         fmt.Sprintf("thread-%d", sourceThreadID),
			Message:        message,
			Timestamp:      now,
			MessageID:      messageID,
			TargetThreadID: target,
		}
		if err := s.Queue.PublishOutgoing(envelope.OutgoingFilename(out.Channel, out.MessageID, now.UnixNano()), out); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to publish outgoing: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("message sent to thread %d", target)), nil
	}
}

func (s *Server) listThreadsHandler(sourceThreadID int) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.Threads == nil {
			return mcp.NewToolResultError("thread registry unavailable"), nil
		}
		threads := s.Threads.LoadThreads()

		var b []byte
		b = append(b, '['...)
		first := true
		for _, t := range threads {
			if !first {
				b = append(b, ',')
			}
			first = false
			caller := ""
			if t.ID == sourceThreadID {
				caller = `,"isCaller":true`
			}
			b = fmt.Appendf(b, `{"threadId":%d,"name":%q,"isMaster":%t,"cwd":%q%s}`, t.ID, t.Name, t.IsMaster, t.WorkingDir, caller)
		}
		b = append(b, ']')
		return mcp.NewToolResultText(string(b)), nil
	}
}

func (s *Server) queryKnowledgeBaseHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		filename, ok := args["filename"].(string)
		if !ok || !allowedKnowledgeBaseFiles[filename] {
			return mcp.NewToolResultError("filename must be one of context.md, decisions.md, active-projects.md"), nil
		}

		if s.Threads == nil {
			return mcp.NewToolResultError("master thread is unconfigured"), nil
		}
		threads := s.Threads.LoadThreads()
		master, ok := threads[envelope.MasterThreadID]
		if !ok || master.WorkingDir == "" {
			return mcp.NewToolResultError("master thread is unconfigured"), nil
		}

		data, err := os.ReadFile(filepath.Join(master.WorkingDir, filename))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("missing or unreadable %s: %v", filename, err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func (s *Server) containerStatsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.Containers == nil {
			return mcp.NewToolResultError("container API unavailable"), nil
		}
		stats, err := s.Containers.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%v", stats)), nil
	}
}

func (s *Server) systemStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.Containers == nil {
			return mcp.NewToolResultError("container API unavailable"), nil
		}
		status, err := s.Containers.SystemStatus(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%v", status)), nil
	}
}

func (s *Server) updateContainerMemoryHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		limitF, ok := args["limitMb"].(float64)
		if !ok {
			return mcp.NewToolResultError("limitMb argument is required"), nil
		}
		if s.Containers == nil {
			return mcp.NewToolResultError("container API unavailable"), nil
		}
		if err := s.Containers.UpdateMemory(ctx, int(limitF)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("memory limit updated"), nil
	}
}

func (s *Server) hostMemoryHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.Containers == nil {
			return mcp.NewToolResultError("container API unavailable"), nil
		}
		mem, err := s.Containers.HostMemory(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%v", mem)), nil
	}
}

func (s *Server) manageDevContainerHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		action, _ := args["action"].(string)
		name, _ := args["name"].(string)
		if name == "" {
			return mcp.NewToolResultError("name argument is required"), nil
		}
		if s.Containers == nil {
			return mcp.NewToolResultError("container API unavailable"), nil
		}

		var err error
		switch action {
		case "create":
			err = s.Containers.Create(ctx, name)
		case "start":
			err = s.Containers.Start(ctx, name)
		case "stop":
			err = s.Containers.Stop(ctx, name)
		case "delete":
			err = s.Containers.Delete(ctx, name)
		default:
			return mcp.NewToolResultError("action must be one of create, start, stop, delete"), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s: %s ok", action, name)), nil
	}
}

// Handle is the per-query handle passed to the runtime as
// runtime.ToolServer: enough for the runtime binding to identify and
// attach the underlying MCP server without this module depending on
// that binding (spec §4.7: "a fresh server is constructed per query").
type Handle struct {
	MCPServer *server.MCPServer
}

// Name satisfies runtime.ToolServer.
func (h *Handle) Name() string { return "borg-cross-thread" }

// NewHandle builds a fresh per-query tool server scoped to
// sourceThreadID and wraps it for the runtime contract.
func (s *Server) NewHandle(sourceThreadID int) *Handle {
	return &Handle{MCPServer: s.New(sourceThreadID)}
}
