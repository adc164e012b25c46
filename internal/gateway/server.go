// Package gateway is the read-only WebSocket push channel for
// monitoring readers (spec.md §1, §2 row "Monitoring readers": "never
// mutate core state"). It broadcasts snapshots of queue depths, status
// beacons, and the thread registry to connected dashboards; it does not
// include history entries. It never writes to queue/,
// threads.json, or settings.json.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/history"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/state"
)

// PollInterval governs how often the server snapshots in-flight status
// and broadcasts it to connected clients.
const PollInterval = 2 * time.Second

// Snapshot is one broadcast frame: everything a dashboard needs to
// render current queue depth and in-flight progress, without reading
// any file itself.
type Snapshot struct {
	TS          time.Time                `json:"ts"`
	QueueDepths map[string]int           `json:"queueDepths"`
	Statuses    map[string]envelope.Status `json:"statuses"`
	Threads     []envelope.Thread        `json:"threads"`
}

// Server is the monitoring push server.
type Server struct {
	Queue   *queue.Dirs
	State   *state.Store
	History *history.Log
	Log     *slog.Logger

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*Client]struct{}

	httpServer *http.Server
}

// NewServer builds a gateway server. log defaults to slog.Default().
func NewServer(q *queue.Dirs, st *state.Store, hist *history.Log, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Queue:   q,
		State:   st,
		History: hist,
		Log:     log,
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start listens on addr, serving /ws and /health, and begins the
// broadcast loop. It blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go s.broadcastLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.Log.Info("gateway: listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.register(c)
	defer func() {
		s.unregister(c)
		c.Close()
	}()

	c.SendSnapshot(s.snapshot())
	c.Run(r.Context())
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(s.snapshot())
		}
	}
}

func (s *Server) broadcast(snap Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.SendSnapshot(snap)
	}
}

// snapshot reads queue depths, status beacons, and the thread registry
// — all read-only, matching the gateway's contract.
func (s *Server) snapshot() Snapshot {
	snap := Snapshot{TS: time.Now(), QueueDepths: make(map[string]int)}

	for _, dir := range []string{queue.DirIncoming, queue.DirProcessing, queue.DirOutgoing, queue.DirDeadLetter} {
		files, err := s.Queue.List(dir)
		if err != nil {
			continue
		}
		snap.QueueDepths[dir] = len(files)
	}

	statusFiles, err := s.Queue.List(queue.DirStatus)
	if err == nil {
		statuses := make(map[string]envelope.Status, len(statusFiles))
		for _, f := range statusFiles {
			data, err := readFile(f.Path)
			if err != nil {
				continue
			}
			var st envelope.Status
			if json.Unmarshal(data, &st) == nil {
				statuses[trimJSONExt(f.Name)] = st
			}
		}
		snap.Statuses = statuses
	}

	if s.State != nil {
		threads := s.State.LoadThreads()
		list := make([]envelope.Thread, 0, len(threads))
		for _, t := range threads {
			list = append(list, *t)
		}
		snap.Threads = list
	}

	return snap
}
