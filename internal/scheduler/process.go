package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/borg/internal/dispatcher"
	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/history"
	"github.com/nextlevelbuilder/borg/internal/prompt"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/router"
	"github.com/nextlevelbuilder/borg/internal/tracing"
)

// processMessage implements spec §4.8.1, with the failure path from
// the same section applied to any error after the claim succeeds.
func (s *Scheduler) processMessage(ctx context.Context, f queue.File) error {
	processingPath, err := s.Queue.Claim(f.Name)
	if err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			return nil // another worker (or crash) already took it
		}
		return err
	}

	env, err := queue.ReadEnvelope(processingPath)
	if err != nil || env.Validate() != nil {
		s.Queue.MoveToDeadLetter(processingPath, f.Name, time.Now())
		return nil
	}

	ctx, span := tracing.StartProcessMessage(ctx, env.ThreadID, env.MessageID, string(env.Source))
	procErr := s.runPipeline(ctx, processingPath, f.Name, env)
	tracing.EndWithError(span, procErr)
	if procErr != nil {
		s.handleFailure(processingPath, f.Name, procErr)
		return procErr
	}
	return nil
}

// handleFailure applies the bounded-retry-then-dead-letter rule (spec
// §4.8.1 "Failure path" / §7 "Runtime-transient").
func (s *Scheduler) handleFailure(processingPath, name string, procErr error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	r := envelope.RetryCount(stem)
	if r >= 2 {
		if err := s.Queue.MoveToDeadLetter(processingPath, name, time.Now()); err != nil {
			s.Log.Error("scheduler: dead-letter move failed", "name", name, "error", err)
		}
		return
	}
	if err := s.Queue.RetryToIncoming(processingPath, name, r+1); err != nil {
		s.Log.Error("scheduler: retry reschedule failed", "name", name, "error", err)
	}
}

// runPipeline is steps 3-8 of §4.8.1: the part that can be retried on
// failure (claim and dead-letter-on-malformed already happened).
func (s *Scheduler) runPipeline(ctx context.Context, processingPath, name string, env envelope.Incoming) error {
	now := time.Now()

	if err := s.History.Append(envelope.HistoryEntry{
		TS: now, ThreadID: env.ThreadID, Channel: env.Channel, Sender: env.Sender,
		Direction: envelope.DirectionIn, Message: env.Message,
		Source: env.Source, SourceThreadID: env.SourceThreadID,
	}); err != nil {
		s.Log.Warn("scheduler: inbound history append failed", "error", err)
	}

	var result dispatcher.Result
	var tier envelope.Tier

	if env.Source == envelope.SourceHeartbeat {
		thread := s.heartbeatThread(env.ThreadID)
		tools := s.runtimeToolServer(env.ThreadID)
		promptText := prompt.Assemble(prompt.Input{Now: now, Timezone: s.timezone(), Thread: thread, Envelope: env})
		res, err := s.Dispatcher.DispatchHeartbeat(ctx, env.MessageID, thread, promptText, prompt.HeartbeatSupplement, tools)
		if err != nil {
			return err
		}
		result = res
		tier = envelope.TierSimple
	} else {
		thread, isNew, err := s.State.GetOrCreateThread(env.ThreadID, env.TopicName)
		if err != nil {
			return fmt.Errorf("scheduler: get-or-create thread: %w", err)
		}

		depth := prompt.HistoryDepthThread
		if thread.IsMaster {
			depth = prompt.HistoryDepthMaster
		}
		historyWindow, err := s.History.TailForThread(env.ThreadID, depth)
		if err != nil {
			s.Log.Warn("scheduler: history tail failed", "error", err)
		}

		enrichment := routerEnrichmentText(env, historyWindow)
		dec, ok := router.Classify(enrichment, prompt.SystemPromptSupplement(*thread))
		if !ok {
			s.Log.Warn("scheduler: router fell back to default", "threadId", env.ThreadID)
		}
		effectiveTier := router.ReplyClamp(dec.Tier, env.IsReply, router.TierForModel(env.ReplyToModel))
		if effectiveTier != dec.Tier {
			dec.Tier = effectiveTier
			dec.Model = router.ModelForTier(effectiveTier)
		}
		tier = dec.Tier

		isNewSession := isNew || thread.SessionID == ""

		// The master's context block spans every thread, not just its own;
		// router enrichment above stays same-thread.
		contextWindow := historyWindow
		if thread.IsMaster {
			if all, err := s.History.Tail(prompt.HistoryDepthMaster); err != nil {
				s.Log.Warn("scheduler: history tail failed", "error", err)
			} else {
				contextWindow = all
			}
		}

		in := prompt.Input{
			Now: now, Timezone: s.timezone(), Thread: *thread, Envelope: env, Decision: dec,
			IsNewSession: isNewSession, HistoryWindow: contextWindow,
		}
		promptText := prompt.Assemble(in)
		if s.PromptLog != nil {
			if err := s.PromptLog.Append(in, promptText); err != nil {
				s.Log.Warn("scheduler: prompt log append failed", "error", err)
			}
		}
		if s.RoutingLog != nil {
			if err := s.RoutingLog.Append(now, promptText, dec); err != nil {
				s.Log.Warn("scheduler: routing log append failed", "error", err)
			}
		}

		tools := s.runtimeToolServer(env.ThreadID)
		res, err := s.Dispatcher.Dispatch(ctx, env.MessageID, *thread, dec, promptText, prompt.SystemPromptSupplement(*thread), tools)
		if err != nil {
			var te *dispatcher.ErrTransient
			if errors.As(err, &te) {
				// Resume may have been invalidated; clear it before the
				// next attempt (spec §4.6 "failure semantics").
				if clearErr := s.State.ResetThread(env.ThreadID); clearErr != nil {
					s.Log.Error("scheduler: failed to clear sessionId after transient error", "error", clearErr)
				}
			}
			return err
		}
		result = res

		if err := s.State.UpdateThread(env.ThreadID, func(t *envelope.Thread) {
			t.SessionID = result.SessionIDOut
			t.LastActive = now
			t.Model = tier
		}); err != nil {
			s.Log.Error("scheduler: failed to persist thread state", "error", err)
		}
		if err := s.State.RecordAssistantModel(env.MessageID, router.ModelForTier(tier)); err != nil {
			s.Log.Warn("scheduler: message-model record failed", "error", err)
		}
	}

	if err := s.History.Append(envelope.HistoryEntry{
		TS: time.Now(), ThreadID: env.ThreadID, Channel: env.Channel, Sender: "assistant",
		Direction: envelope.DirectionOut, Message: result.TextOut, Model: tier,
		SessionID: result.SessionIDOut,
	}); err != nil {
		s.Log.Warn("scheduler: outbound history append failed", "error", err)
	}

	out := envelope.Outgoing{
		Channel: env.Channel, ThreadID: env.ThreadID, Sender: "assistant",
		Message: result.TextOut, OriginalMessage: env.Message,
		Timestamp: time.Now(), MessageID: env.MessageID, Model: router.ModelForTier(tier),
	}
	outName := envelope.OutgoingFilename(out.Channel, out.MessageID, out.Timestamp.UnixNano())
	if env.Source == envelope.SourceHeartbeat {
		outName = envelope.OutgoingFilename(string(envelope.SourceHeartbeat), out.MessageID, out.Timestamp.UnixNano())
	}
	if err := s.Queue.PublishOutgoing(outName, out); err != nil {
		return fmt.Errorf("scheduler: publish outgoing: %w", err)
	}

	return s.Queue.DeleteProcessing(processingPath)
}

func (s *Scheduler) timezone() string {
	return s.State.LoadSettings().Timezone
}

// heartbeatThread loads the thread config for a heartbeat without the
// side effects of GetOrCreateThread (heartbeats bypass persistent
// session bookkeeping entirely, spec §4.6).
func (s *Scheduler) heartbeatThread(threadID int) envelope.Thread {
	threads := s.State.LoadThreads()
	if t, ok := threads[threadID]; ok {
		return *t
	}
	return envelope.Thread{ID: threadID, Name: envelope.DefaultThreadName(threadID)}
}

// routerEnrichmentText builds the router's input string: the message
// itself enriched with recent same-thread context (spec §4.2/§4.4).
func routerEnrichmentText(env envelope.Incoming, historyWindow []envelope.HistoryEntry) string {
	var b strings.Builder
	b.WriteString(env.Message)
	if enrichment := history.RouterEnrichment(historyWindow, env.ReplyToText); enrichment != "" {
		b.WriteString("\n")
		b.WriteString(enrichment)
	}
	return b.String()
}
