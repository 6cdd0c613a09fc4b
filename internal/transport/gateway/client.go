// Package gateway implements transport.Client against the local bridge
// process. The bridge owns the wire protocol of the messaging network; the
// daemon and the bridge speak small JSON frames over a websocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/brunovdl/whatsapp-devocional-rapberrypi/internal/transport"
	logx "github.com/brunovdl/whatsapp-devocional-rapberrypi/pkg/logx"
)

// frame is the wire envelope in both directions. Fields are sparse; Type
// decides which ones are meaningful.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// outbound
	To    string `json:"to,omitempty"`
	Text  string `json:"text,omitempty"`
	State string `json:"state,omitempty"`

	// inbound
	QR       string `json:"qr,omitempty"`
	Cause    string `json:"cause,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
	From     string `json:"from,omitempty"`
	PushName string `json:"pushName,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Group    bool   `json:"group,omitempty"`
	TS       string `json:"ts,omitempty"`

	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// Config configures the bridge connection.
type Config struct {
	// URL of the bridge websocket endpoint, e.g. "ws://127.0.0.1:3001/ws".
	URL string

	// DialTimeout bounds the initial dial. Default 10s.
	DialTimeout time.Duration

	// AckTimeout bounds how long a send waits for the bridge to confirm.
	// Default 30s.
	AckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	return c
}

// Client is a single websocket connection to the bridge.
type Client struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan error
	events  chan transport.Event
	closed  bool
}

var _ transport.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("component", "gateway")),
		pending: make(map[string]chan error),
	}
}

// Connect dials the bridge and starts the read loop. The returned channel is
// closed when the connection dies; the last event before close carries the
// close cause.
func (c *Client) Connect(ctx context.Context) (<-chan transport.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil, errors.New("gateway: already connected")
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", c.cfg.URL, err)
	}
	// Devotionals run long; the default limit is too small for them.
	conn.SetReadLimit(1 << 20)

	c.conn = conn
	c.closed = false
	c.events = make(chan transport.Event, 16)

	go c.readLoop(ctx, conn, c.events)
	return c.events, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- transport.Event) {
	defer close(events)
	defer c.teardown(conn)

	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("bridge connection lost", logx.Err(err))
			}
			events <- transport.Event{
				Kind:     transport.EventClose,
				Cause:    transport.CauseNetwork,
				Terminal: false,
			}
			return
		}

		switch f.Type {
		case "qr":
			events <- transport.Event{Kind: transport.EventAuthArtifact, QR: f.QR}
		case "open":
			events <- transport.Event{Kind: transport.EventOpen}
		case "close":
			ev := transport.Event{
				Kind:     transport.EventClose,
				Cause:    closeCause(f.Cause),
				Terminal: f.Terminal || f.Cause == string(transport.CauseLoggedOut),
			}
			events <- ev
			if ev.Terminal {
				return
			}
		case "message":
			msg := &transport.InboundMessage{
				From:     f.From,
				PushName: f.PushName,
				Kind:     f.Kind,
				Text:     f.Text,
				Group:    f.Group,
			}
			if t, err := time.Parse(time.RFC3339, f.TS); err == nil {
				msg.Timestamp = t
			}
			events <- transport.Event{Kind: transport.EventMessage, Message: msg}
		case "ack":
			c.resolve(f)
		default:
			c.log.Debug("unknown bridge frame", logx.String("type", f.Type))
		}
	}
}

func closeCause(s string) transport.CloseCause {
	switch transport.CloseCause(s) {
	case transport.CauseRestartRequired:
		return transport.CauseRestartRequired
	case transport.CauseLoggedOut:
		return transport.CauseLoggedOut
	default:
		return transport.CauseNetwork
	}
}

func (c *Client) resolve(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if f.OK {
		ch <- nil
	} else {
		ch <- fmt.Errorf("bridge rejected frame: %s", f.Error)
	}
}

// request writes a frame and waits for its ack.
func (c *Client) request(ctx context.Context, f frame) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	f.ID = uuid.NewString()
	ch := make(chan error, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return fmt.Errorf("gateway write: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return fmt.Errorf("gateway ack: %w", ctx.Err())
	}
}

func (c *Client) SendText(ctx context.Context, recipient, text string) error {
	return c.request(ctx, frame{Type: "send", To: recipient, Text: text})
}

func (c *Client) SetPresence(ctx context.Context, recipient string, state transport.PresenceState) error {
	return c.request(ctx, frame{Type: "presence", To: recipient, State: string(state)})
}

// Logout asks the bridge to invalidate the remote session. The bridge answers
// with an ack and then a terminal close.
func (c *Client) Logout(ctx context.Context) error {
	return c.request(ctx, frame{Type: "logout"})
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "shutting down")
}

// teardown marks the client disconnected and fails every in-flight request.
func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- transport.ErrNotConnected
		delete(c.pending, id)
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
