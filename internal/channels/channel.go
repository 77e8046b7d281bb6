package channels

import (
	"context"
	"time"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context
	// is canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Send delivers text to an external destination, optionally under an
	// alternate sender label. Deliveries to one destination are serialized
	// in submission order; a transport failure is logged and the message
	// dropped, never retried out of order.
	Send(ctx context.Context, destinationID, text, senderLabel string) error

	// OwnsDestination reports whether this channel routes the destination.
	OwnsDestination(destinationID string) bool

	// IsConnected reports whether the transport link is currently up.
	IsConnected() bool

	// SetTyping toggles the destination's typing indicator, where the
	// platform supports one. Best effort.
	SetTyping(destinationID string, on bool)
}

// IncomingMessage is one message observed on a channel's external platform.
type IncomingMessage struct {
	DestinationID string
	Sender        string
	Text          string
	Mentioned     bool // the bot was addressed explicitly
	SentAt        time.Time
}

// Intake receives messages arriving from a channel's external platform. The
// orchestrator implements this; the channel never decides dispatch policy.
type Intake interface {
	HandleIncomingMessage(ctx context.Context, msg IncomingMessage)
}
