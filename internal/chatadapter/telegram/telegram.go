// Package telegram is the one thin reference chat adapter named in
// spec.md §1: a bidirectional transport external to the core, whose
// only contract with it is the incoming/outgoing queue directories.
// Reply correlation uses the model recorded on each outgoing envelope
// it delivered, kept in memory; it does not read message-models.json.
// It keys threads by Telegram forum-topic
// message_thread_id, matching "forum topics, each topic a thread"
// (spec.md §1).
//
// This package never reads or writes threads.json, settings.json, or
// any file outside queue/incoming and queue/outgoing — ownership of
// all other on-disk state stays with the core (spec §3 "Ownership").
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/queue"
)

// Channel is the tag this adapter uses in envelope.Channel and in
// outgoing/{channel}_{messageId}_{ts}.json filenames (spec §6).
const Channel = "tg"

// generalTopicID is Telegram's default "General" forum topic, used
// when a forum group delivers a message with no explicit thread id.
const generalTopicID = 1

// OutgoingPollInterval governs how often the adapter checks
// queue/outgoing for new deliveries. The adapter is a polling
// consumer, not a subscriber — correctness here mirrors the core's own
// "never required" stance on filesystem notifications (spec §4.3).
const OutgoingPollInterval = 1 * time.Second

// sentRecord remembers one message this adapter delivered to Telegram,
// so a user reply to it can be correlated back via IsReply/ReplyToText/
// ReplyToModel (spec §3 "Incoming envelope").
type sentRecord struct {
	messageID string
	text      string
	model     string // model name, e.g. "opus" (spec §3 "Incoming envelope")
}

// Adapter is the Telegram-facing half of the chat adapter collaborator.
// It produces incoming envelopes from Telegram updates and consumes
// outgoing envelopes destined for Channel, both exclusively through
// queue.Dirs's published contract.
type Adapter struct {
	bot   *telego.Bot
	queue *queue.Dirs
	log   *slog.Logger

	mu   sync.Mutex
	sent map[int]sentRecord // Telegram message id -> what we sent there
}

// New creates an adapter around a Telegram bot token.
func New(token string, q *queue.Dirs, log *slog.Logger) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("chatadapter/telegram: create bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{bot: bot, queue: q, log: log, sent: make(map[int]sentRecord)}, nil
}

// Run polls Telegram for updates and queue/outgoing for deliveries
// until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("chatadapter/telegram: start polling: %w", err)
	}

	go a.pumpOutgoing(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, upd)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, upd telego.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}

	threadID := generalTopicID
	if msg.Chat.IsForum && msg.MessageThreadID != 0 {
		threadID = msg.MessageThreadID
	}

	in := envelope.Incoming{
		Channel:   Channel,
		Source:    envelope.SourceUser,
		ThreadID:  threadID,
		Sender:    senderName(msg.From),
		Message:   msg.Text,
		Timestamp: time.Now(),
		MessageID: uuid.NewString(),
	}

	if msg.ReplyToMessage != nil {
		a.mu.Lock()
		prior, ok := a.sent[msg.ReplyToMessage.MessageID]
		a.mu.Unlock()
		if ok {
			in.IsReply = true
			in.ReplyToText = prior.text
			in.ReplyToModel = prior.model
		}
	}

	name := envelope.IncomingFilename(in.Channel, in.Source, in.MessageID)
	if err := a.queue.PublishIncoming(name, in); err != nil {
		a.log.Error("chatadapter/telegram: publish incoming failed", "error", err)
		return
	}
}

// pumpOutgoing delivers every queue/outgoing file tagged for Channel
// and then removes it: once delivered to Telegram, the file has no
// further reader (the core already recorded it in message-history.jsonl
// before publishing it).
func (a *Adapter) pumpOutgoing(ctx context.Context) {
	ticker := time.NewTicker(OutgoingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainOutgoingOnce(ctx)
		}
	}
}

func (a *Adapter) drainOutgoingOnce(ctx context.Context) {
	files, err := a.queue.List(queue.DirOutgoing)
	if err != nil {
		a.log.Error("chatadapter/telegram: list outgoing failed", "error", err)
		return
	}
	for _, f := range files {
		out, err := readOutgoing(f.Path)
		if err != nil {
			a.log.Warn("chatadapter/telegram: skipping malformed outgoing file", "file", f.Name, "error", err)
			continue
		}
		if out.Channel != Channel || out.TargetThreadID != 0 {
			continue // not ours, or a cross-thread visibility copy (no Telegram delivery)
		}
		a.deliver(ctx, out)
		removeFile(f.Path)
	}
}

func (a *Adapter) deliver(ctx context.Context, out envelope.Outgoing) {
	text := out.Message
	if text == "" {
		return
	}
	msg := tu.Message(tu.ID(int64(out.ThreadID)), text)
	sent, err := a.bot.SendMessage(ctx, msg)
	if err != nil {
		a.log.Error("chatadapter/telegram: send failed", "threadId", out.ThreadID, "error", err)
		return
	}

	a.mu.Lock()
	a.sent[sent.MessageID] = sentRecord{messageID: out.MessageID, text: text, model: out.Model}
	a.mu.Unlock()
}

func senderName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

func readOutgoing(path string) (envelope.Outgoing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return envelope.Outgoing{}, err
	}
	var out envelope.Outgoing
	if err := json.Unmarshal(data, &out); err != nil {
		return envelope.Outgoing{}, err
	}
	return out, nil
}

func removeFile(path string) {
	_ = os.Remove(path)
}
