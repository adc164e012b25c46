package runtime

import (
	"context"

	"github.com/google/uuid"
)

// Fake is an in-memory Client for tests and local development. Script
// queues canned responses consumed in FIFO order by successive Query
// calls; an empty queue yields a default one-line text reply.
type Fake struct {
	Script []FakeResponse
	calls  int
}

// FakeResponse is one scripted reply for Fake.Query.
type FakeResponse struct {
	Statuses    []string // emitted as EventStatus before the text, in order
	Text        string
	NewSession  bool  // whether to emit a (possibly different) session id
	Err         error // if set, Query emits a single EventError and closes
}

var _ Client = (*Fake)(nil)

// Query implements Client.
func (f *Fake) Query(ctx context.Context, req Request) (<-chan Event, error) {
	var resp FakeResponse
	if f.calls < len(f.Script) {
		resp = f.Script[f.calls]
	} else {
		resp = FakeResponse{Text: "ok"}
	}
	f.calls++

	ch := make(chan Event, len(resp.Statuses)+2)
	go func() {
		defer close(ch)

		if resp.Err != nil {
			select {
			case ch <- Event{Kind: EventError, Err: resp.Err}:
			case <-ctx.Done():
			}
			return
		}

		sessionID := req.ResumeSessionID
		if sessionID == "" || resp.NewSession {
			sessionID = uuid.NewString()
		}
		select {
		case ch <- Event{Kind: EventSessionID, SessionID: sessionID}:
		case <-ctx.Done():
			return
		}

		for _, s := range resp.Statuses {
			select {
			case ch <- Event{Kind: EventStatus, Status: s}:
			case <-ctx.Done():
				return
			}
		}

		select {
		case ch <- Event{Kind: EventText, Text: resp.Text}:
		case <-ctx.Done():
			return
		}

		select {
		case ch <- Event{Kind: EventResult, Text: resp.Text}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
