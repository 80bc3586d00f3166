// Package chat is the WebSocket transport into a public chat room: join,
// keepalive pings, room events in, messages out. It knows nothing about
// memory; it hands decoded events to a handler.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kotori-bot/kotori/internal/logging"
)

// Event is one decoded room event.
type Event struct {
	Type     string    `json:"type"` // join, message, leave, ping
	RoomID   string    `json:"room"`
	TripCode string    `json:"trip_code,omitempty"`
	Name     string    `json:"name,omitempty"`
	Text     string    `json:"text,omitempty"`
	Time     time.Time `json:"time,omitempty"`
}

// Handler receives every event after the client's own bookkeeping.
type Handler func(ev Event)

const (
	pingInterval     = 30 * time.Second
	writeTimeout     = 10 * time.Second
	reconnectMin     = 2 * time.Second
	reconnectMax     = 2 * time.Minute
	maxMessageLength = 2000
)

// Client joins one room and stays in it until the context is canceled,
// reconnecting with backoff on any transport failure.
type Client struct {
	url      string
	roomID   string
	name     string
	tripCode string
	handler  Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a room client. handler may be nil.
func NewClient(url, roomID, name, tripCode string, handler Handler) *Client {
	return &Client{url: url, roomID: roomID, name: name, tripCode: tripCode, handler: handler}
}

// SetHandler replaces the event handler. Call before Run.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// Run connects and processes events until ctx is canceled. Transport
// errors trigger reconnects with exponential backoff; Run only returns on
// cancellation.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Warn("chat", "connection lost: %v, reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// session runs one connection lifetime: dial, join, ping loop, read loop.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(Event{Type: "join", RoomID: c.roomID, Name: c.name, TripCode: c.tripCode}); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	logging.Info("chat", "joined room %s as %s", c.roomID, c.name)

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logging.Debug("chat", "undecodable event: %s", logging.Truncate(string(raw), 120))
			continue
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		if ev.Type == "ping" {
			continue
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.write(Event{Type: "ping", RoomID: c.roomID}); err != nil {
				logging.Debug("chat", "ping failed: %v", err)
				return
			}
		}
	}
}

// Send posts a chat message to the room.
func (c *Client) Send(text string) error {
	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}
	return c.write(Event{Type: "message", RoomID: c.roomID, Name: c.name, Text: text})
}

func (c *Client) write(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ev)
}
