package borg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	borgtelegram "github.com/nextlevelbuilder/borg/internal/chatadapter/telegram"
	"github.com/nextlevelbuilder/borg/internal/dispatcher"
	"github.com/nextlevelbuilder/borg/internal/gateway"
	"github.com/nextlevelbuilder/borg/internal/history"
	"github.com/nextlevelbuilder/borg/internal/logsync"
	"github.com/nextlevelbuilder/borg/internal/prompt"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/runtime"
	"github.com/nextlevelbuilder/borg/internal/scheduler"
	"github.com/nextlevelbuilder/borg/internal/state"
	"github.com/nextlevelbuilder/borg/internal/toolserver"
	"github.com/nextlevelbuilder/borg/internal/tracing"
)

const logSyncInterval = 5 * time.Second

func startCmd() *cobra.Command {
	var gatewayAddr string
	var otelEndpoint string
	var sessionLogRoot string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler, log sync, and monitoring gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), resolveBorgDir(), gatewayAddr, otelEndpoint, sessionLogRoot)
		},
	}

	cmd.Flags().StringVar(&gatewayAddr, "gateway-addr", "127.0.0.1:8711", "monitoring gateway listen address")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", os.Getenv("BORG_OTEL_ENDPOINT"), "OTLP/HTTP endpoint for tracing (empty disables export)")
	cmd.Flags().StringVar(&sessionLogRoot, "session-log-root", os.Getenv("BORG_SESSION_LOG_ROOT"), "external root the LLM runtime writes per-session logs under")

	return cmd
}

// taskGroup runs a set of goroutines and reports the first non-nil error
// any of them returns, the way the teacher's cmd/gateway.go fans out its
// server and watcher loops.
type taskGroup struct {
	wg       sync.WaitGroup
	errOnce  sync.Once
	firstErr error
}

func (g *taskGroup) Go(fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.errOnce.Do(func() { g.firstErr = err })
		}
	}()
}

func (g *taskGroup) Wait() error {
	g.wg.Wait()
	return g.firstErr
}

func runStart(parent context.Context, dir, gatewayAddr, otelEndpoint, sessionLogRoot string) error {
	log := slog.Default()

	shutdownTracing, err := tracing.Init(parent, otelEndpoint)
	if err != nil {
		return fmt.Errorf("borg start: init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	defaultCWD := os.Getenv("DEFAULT_CWD")

	st := state.New(dir, defaultCWD, log)
	settings := st.LoadSettings()

	q := queue.New(filepath.Join(dir, "queue"))
	if err := q.EnsureAll(); err != nil {
		return fmt.Errorf("borg start: ensure queue dirs: %w", err)
	}

	hist := history.New(filepath.Join(dir, "message-history.jsonl"))
	promptLog := prompt.NewLog(filepath.Join(dir, "logs", "prompts.jsonl"))
	routingLog := scheduler.NewRoutingLog(filepath.Join(dir, "logs", "routing.jsonl"))

	tools := &toolserver.Server{Queue: q, Threads: st}

	// The real LLM runtime is an external collaborator (spec.md §1); no
	// binding to one ships in this module. runtime.Fake stands in so
	// `borg start` is runnable end to end out of the box — swap it for a
	// production runtime.Client by constructing *scheduler.Scheduler
	// directly instead of calling this command.
	disp := dispatcher.New(&runtime.Fake{}, q, log)

	sched := scheduler.New(q, st, hist, promptLog, routingLog, disp, tools, log)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var group taskGroup
	group.Go(func() error { return sched.Run(ctx) })

	if sessionLogRoot != "" {
		syncer := logsync.New(sessionLogRoot, filepath.Join(dir, "sessions"), st)
		group.Go(func() error { return runLogSync(ctx, syncer, log) })
	}

	gw := gateway.NewServer(q, st, hist, log)
	group.Go(func() error { return gw.Start(ctx, gatewayAddr) })

	if settings.ChatBotToken != "" {
		adapter, err := borgtelegram.New(settings.ChatBotToken, q, log)
		if err != nil {
			log.Error("borg start: telegram adapter unavailable", "error", err)
		} else {
			group.Go(func() error { return adapter.Run(ctx) })
		}
	} else {
		log.Warn("borg start: no chatBotToken configured, the reference Telegram adapter is disabled")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("borg start: shutdown signal received", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return group.Wait()
}

// runLogSync polls SyncOnce on an interval until ctx is canceled, logging
// (but not failing on) individual session sync errors.
func runLogSync(ctx context.Context, syncer *logsync.Syncer, log *slog.Logger) error {
	ticker := time.NewTicker(logSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, err := range syncer.SyncOnce() {
				log.Warn("borg start: log sync error", "error", err)
			}
		}
	}
}
