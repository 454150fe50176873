package channel

import (
	"context"
	"errors"
	"time"
)

// ErrTransportSend wraps transient send failures so callers can rely on the
// broker's retry policy.
var ErrTransportSend = errors.New("transport send failed")

// TransportEventKind enumerates the events a transport session emits.
type TransportEventKind string

const (
	TransportQR            TransportEventKind = "qr"
	TransportPairingCode   TransportEventKind = "pairing_code"
	TransportAuthenticated TransportEventKind = "authenticated"
	TransportReady         TransportEventKind = "ready"
	TransportDisconnected  TransportEventKind = "disconnected"
	TransportError         TransportEventKind = "error"
)

// TransportEvent is one lifecycle event from the underlying session.
type TransportEvent struct {
	Kind    TransportEventKind
	Payload string // qr payload, pairing code or disconnect reason
	Err     error
}

// SendOptions carries optional per-message attributes.
type SendOptions struct {
	MediaURL string
}

// SendReceipt is the transport's acknowledgement of a sent message.
type SendReceipt struct {
	ID        string
	Timestamp time.Time
}

// Transport is one authenticated chat session. The lifecycle manager is the
// only consumer; the handle is owned exclusively by its Channel and is
// destroyed and recreated on every reinit cycle.
type Transport interface {
	// Initialize loads persisted credentials if present and connects.
	// Lifecycle progress is reported through Events, not the return value.
	Initialize(ctx context.Context) error
	// Destroy tears the session down. The current outbound operation
	// completes or fails; it is never hard-aborted.
	Destroy(ctx context.Context) error
	// LoggedIn reports whether durable credentials exist.
	LoggedIn() bool
	SendMessage(ctx context.Context, chatID, body string, opts SendOptions) (SendReceipt, error)
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)
	// Events yields lifecycle events until the transport is destroyed.
	Events() <-chan TransportEvent
}

// TransportFactory creates a fresh transport handle for a channel identity.
// Called on first initialization and on every reinit.
type TransportFactory interface {
	NewTransport(ctx context.Context, companyID string, phoneIndex int) (Transport, error)
}
