// Package transport abstracts the messaging channel. The daemon talks to a
// local bridge process over a websocket; everything above this package only
// sees Connect/SendText and a stream of connection events.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// EventKind discriminates the values read from the event stream.
type EventKind int

const (
	// EventAuthArtifact carries a pairing payload (QR string) the operator
	// must scan to authenticate the session.
	EventAuthArtifact EventKind = iota
	// EventOpen signals the channel is authenticated and ready to send.
	EventOpen
	// EventClose signals the channel dropped. Cause and Terminal classify it.
	EventClose
	// EventMessage carries an inbound message from a contact.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventAuthArtifact:
		return "auth_artifact"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// CloseCause classifies why a connection ended.
type CloseCause string

const (
	// CauseNetwork covers transient drops: timeouts, resets, bridge restarts
	// the daemon should reconnect through.
	CauseNetwork CloseCause = "network"
	// CauseRestartRequired means the remote end asked for a full channel
	// restart. Reconnection should wait out a settling pause first.
	CauseRestartRequired CloseCause = "restart_required"
	// CauseLoggedOut means the stored credentials were invalidated remotely.
	// Reconnecting is pointless until the operator re-pairs.
	CauseLoggedOut CloseCause = "logged_out"
)

// Event is one item on the connection event stream.
type Event struct {
	Kind EventKind

	// QR is set for EventAuthArtifact.
	QR string

	// Cause and Terminal are set for EventClose. Terminal means the client
	// will emit no further events and the stream is about to close.
	Cause    CloseCause
	Terminal bool

	// Message is set for EventMessage.
	Message *InboundMessage
}

// InboundMessage is a message received from a contact.
type InboundMessage struct {
	// From is the sender in digits-only form, e.g. "5511999998888".
	From      string
	PushName  string
	Kind      string // "text", "audio", "image", ...
	Text      string
	Group     bool
	Timestamp time.Time
}

// PresenceState mirrors the states the channel understands.
type PresenceState string

const (
	PresenceAvailable   PresenceState = "available"
	PresenceUnavailable PresenceState = "unavailable"
	PresenceComposing   PresenceState = "composing"
	PresencePaused      PresenceState = "paused"
)

// Client is a single connection attempt to the messaging channel. Connect
// returns a stream that ends when the connection dies; reconnection policy
// lives with the caller, not here.
type Client interface {
	// Connect dials the channel and starts the event stream. The stream is
	// closed after a terminal EventClose or when ctx is canceled.
	Connect(ctx context.Context) (<-chan Event, error)

	// SendText delivers one text message to a recipient (digits-only ID).
	SendText(ctx context.Context, recipient, text string) error

	// SetPresence publishes a presence state, optionally scoped to a
	// recipient (empty recipient means global).
	SetPresence(ctx context.Context, recipient string, state PresenceState) error

	// Logout invalidates the remote session and closes the connection.
	Logout(ctx context.Context) error

	// Close tears down the connection without touching the remote session.
	Close() error
}
