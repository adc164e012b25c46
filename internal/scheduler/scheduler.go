// Package scheduler implements the core scan/claim/dispatch loop
// (spec §4.8): commands-first draining, priority-then-FIFO ordering,
// per-thread exclusion, bounded global concurrency, a heartbeat cap,
// startup recovery, and graceful shutdown.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/borg/internal/dispatcher"
	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/history"
	"github.com/nextlevelbuilder/borg/internal/prompt"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/router"
	"github.com/nextlevelbuilder/borg/internal/runtime"
	"github.com/nextlevelbuilder/borg/internal/state"
	"github.com/nextlevelbuilder/borg/internal/toolserver"
	"github.com/nextlevelbuilder/borg/internal/tracing"
)

// ScanInterval is the guaranteed periodic scan cadence (spec §4.8:
// "a periodic interval (≈5 s, guaranteed)").
const ScanInterval = 5 * time.Second

// MaxAttempts is the bounded-retry cap; the third failure dead-letters
// (spec §7: "up to 3 total attempts").
const MaxAttempts = 3

// ShutdownDrain bounds how long in-flight tasks are allowed to finish
// before the process exits (spec §4.12 "a short bounded interval").
const ShutdownDrain = 10 * time.Second

// Scheduler is the single owner of activeCount, activeThreads,
// activeHeartbeatCount, and scanning (spec §4.8 "concurrency
// contract"). All four are serialized behind mu.
type Scheduler struct {
	Queue      *queue.Dirs
	State      *state.Store
	History    *history.Log
	PromptLog  *prompt.Log
	RoutingLog *RoutingLog
	Dispatcher *dispatcher.Dispatcher
	Tools      *toolserver.Server
	Log        *slog.Logger

	mu                   sync.Mutex
	activeCount          int
	activeThreads        map[int]bool
	activeHeartbeatCount int
	scanning             bool
	shuttingDown         bool
	wg                   sync.WaitGroup

	rescan chan struct{}
}

// New constructs a Scheduler. log defaults to slog.Default() if nil.
func New(q *queue.Dirs, st *state.Store, hist *history.Log, promptLog *prompt.Log, routingLog *RoutingLog, disp *dispatcher.Dispatcher, tools *toolserver.Server, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Queue: q, State: st, History: hist, PromptLog: promptLog, RoutingLog: routingLog,
		Dispatcher: disp, Tools: tools, Log: log,
		activeThreads: make(map[int]bool),
		rescan:        make(chan struct{}, 1),
	}
}

// Run starts startup recovery (spec §4.8.2), the initial scan, the
// periodic timer, and blocks until ctx is canceled, draining in-flight
// work on the way out (spec §4.12).
func (s *Scheduler) Run(ctx context.Context) error {
	moved, err := s.Queue.RecoverProcessing()
	if err != nil {
		return fmt.Errorf("scheduler: startup recovery: %w", err)
	}
	if moved > 0 {
		s.Log.Info("scheduler: recovered stranded processing files", "count", moved)
	}

	stopWatch, err := s.Queue.Watch(s.Log, s.triggerRescan)
	if err != nil {
		s.Log.Warn("scheduler: filesystem watch unavailable, relying on the periodic timer", "error", err)
		stopWatch = func() {}
	}
	defer stopWatch()

	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	s.scan()

	for {
		select {
		case <-ctx.Done():
			s.beginShutdown()
			return nil
		case <-ticker.C:
			s.scan()
		case <-s.rescan:
			s.scan()
		}
	}
}

func (s *Scheduler) triggerRescan() {
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

func (s *Scheduler) beginShutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	if err := s.flushThreadRegistry(); err != nil {
		s.Log.Error("scheduler: failed to persist thread registry on shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownDrain):
		s.Log.Warn("scheduler: shutdown drain window elapsed with tasks still in flight")
	}
}

// flushThreadRegistry performs one explicit load+save of threads.json on
// shutdown. Store has no in-memory cache (every access re-reads
// threads.json, spec §4.1), so this rewrites the registry with its
// current on-disk contents (plus the master entry if it was missing).
func (s *Scheduler) flushThreadRegistry() error {
	threads := s.State.LoadThreads()
	return s.State.SaveThreads(threads)
}

// scan is the re-entrant-safe scan step (spec §4.8).
func (s *Scheduler) scan() {
	s.mu.Lock()
	if s.scanning || s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	_, span := tracing.StartScan(context.Background())
	defer span.End()

	s.drainCommands()

	files, err := s.Queue.ListOrdered()
	if err != nil {
		s.Log.Error("scheduler: list incoming failed", "error", err)
		return
	}

	settings := s.State.LoadSettings()

	for _, f := range files {
		s.mu.Lock()
		if s.activeCount >= settings.MaxConcurrentSessions {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		threadID, source, err := queue.PeekThreadAndSource(f.Path)
		if err != nil {
			continue // malformed; dealt with properly on claim (step 2 of 4.8.1)
		}

		s.mu.Lock()
		if s.activeThreads[threadID] {
			s.mu.Unlock()
			continue
		}
		isHeartbeat := source == envelope.SourceHeartbeat
		if isHeartbeat && s.activeHeartbeatCount >= 1 {
			s.mu.Unlock()
			continue
		}

		s.activeCount++
		s.activeThreads[threadID] = true
		if isHeartbeat {
			s.activeHeartbeatCount++
		}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runMessage(f, threadID, isHeartbeat)
	}
}

func (s *Scheduler) runMessage(f queue.File, threadID int, isHeartbeat bool) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.activeCount--
		delete(s.activeThreads, threadID)
		if isHeartbeat {
			s.activeHeartbeatCount--
		}
		s.mu.Unlock()
		s.triggerRescan()
	}()

	ctx := context.Background()
	if err := s.processMessage(ctx, f); err != nil {
		s.Log.Error("scheduler: message processing failed", "file", f.Name, "error", err)
	}
}

// drainCommands applies the command subqueue (spec §4.10).
func (s *Scheduler) drainCommands() {
	err := s.Queue.DrainCommands(func(cmd envelope.Command) {
		switch cmd.Command {
		case envelope.CommandReset:
			if err := s.State.ResetThread(cmd.ThreadID); err != nil {
				s.Log.Error("scheduler: reset command failed", "threadId", cmd.ThreadID, "error", err)
			}
		case envelope.CommandSetDir:
			if err := s.State.ConfigureThread(cmd.ThreadID, cmd.Args); err != nil {
				s.Log.Error("scheduler: setdir command failed", "threadId", cmd.ThreadID, "error", err)
			}
		}
	})
	if err != nil {
		s.Log.Error("scheduler: drain commands failed", "error", err)
	}
}

// runtimeToolServer adapts *toolserver.Server to runtime.ToolServer for
// one query scoped to sourceThreadID.
func (s *Scheduler) runtimeToolServer(sourceThreadID int) runtime.ToolServer {
	if s.Tools == nil {
		return nil
	}
	return s.Tools.NewHandle(sourceThreadID)
}
