package gateway

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single WebSocket write may block.
const writeWait = 5 * time.Second

// Client wraps one connected dashboard's WebSocket connection. It only
// ever receives Snapshot frames — there is no read-side protocol,
// because monitoring readers never mutate core state.
type Client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn}
}

// Run blocks reading (and discarding) frames from the client solely to
// detect disconnection, until ctx is canceled or the connection drops.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

// SendSnapshot writes one frame, best-effort: a slow or dead client
// never blocks the broadcast loop for others.
func (c *Client) SendSnapshot(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func trimJSONExt(name string) string {
	return strings.TrimSuffix(name, ".json")
}
