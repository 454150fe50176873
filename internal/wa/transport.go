// Package wa adapts whatsmeow sessions to the channel.Transport interface.
// One transport wraps one whatsmeow client for one (company, phone-slot)
// pair; credentials live in a per-slot session.db.
package wa

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"campd/internal/channel"
	"campd/internal/session"
)

// Factory creates whatsmeow transports. It is the channel.TransportFactory
// used in production.
type Factory struct {
	dataDir string
	logger  *zap.Logger
}

// NewFactory creates a transport factory rooted at the daemon data dir.
func NewFactory(dataDir string, logger *zap.Logger) *Factory {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("campd", [3]uint32{0, 1, 0})
	return &Factory{dataDir: dataDir, logger: logger}
}

// NewTransport opens (or creates) the slot's credential store and wraps a
// fresh whatsmeow client around it.
func (f *Factory) NewTransport(ctx context.Context, companyID string, phoneIndex int) (channel.Transport, error) {
	if err := session.EnsureChannelDir(f.dataDir, companyID, phoneIndex); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	dbPath := session.SessionDBPath(f.dataDir, companyID, phoneIndex)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	t := &Transport{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger: f.logger.With(
			zap.String("company", companyID),
			zap.Int("phone", phoneIndex),
		),
		events: make(chan channel.TransportEvent, 16),
	}
	t.client.AddEventHandler(t.handleEvent)
	return t, nil
}

// Transport is one whatsmeow session.
type Transport struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger

	events    chan channel.TransportEvent
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// LoggedIn returns whether durable credentials exist.
func (t *Transport) LoggedIn() bool {
	return t.client.Store.ID != nil
}

// Initialize connects the session. Without credentials it starts the QR
// auth flow; lifecycle progress flows through Events.
func (t *Transport) Initialize(ctx context.Context) error {
	if t.LoggedIn() {
		t.logger.Info("connecting with stored credentials")
		if err := t.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	// GetQRChannel must be called before Connect.
	qrChan, err := t.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				t.emit(channel.TransportEvent{Kind: channel.TransportQR, Payload: item.Code})
			case "success":
				t.emit(channel.TransportEvent{Kind: channel.TransportAuthenticated})
				return
			case "timeout":
				t.emit(channel.TransportEvent{
					Kind: channel.TransportError,
					Err:  fmt.Errorf("QR code timeout"),
				})
				return
			default:
				if item.Error != nil {
					t.emit(channel.TransportEvent{Kind: channel.TransportError, Err: item.Error})
					return
				}
			}
		}
	}()
	return nil
}

// Destroy disconnects and releases the credential store. The in-flight
// outbound operation, if any, completes or fails on its own.
func (t *Transport) Destroy(_ context.Context) error {
	t.closeOnce.Do(func() {
		t.client.Disconnect()
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.events)
		if err := t.container.Close(); err != nil {
			t.logger.Warn("close session store", zap.Error(err))
		}
	})
	return nil
}

// SendMessage sends a text (optionally with a media link) to the given chat.
func (t *Transport) SendMessage(ctx context.Context, chatID, body string, opts channel.SendOptions) (channel.SendReceipt, error) {
	to, err := types.ParseJID(chatID)
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("parse JID: %w", err)
	}

	var msg *waE2E.Message
	if opts.MediaURL != "" {
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(body + "\n" + opts.MediaURL),
				MatchedText: proto.String(opts.MediaURL),
			},
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(body)}
	}

	resp, err := t.client.SendMessage(ctx, to, msg)
	if err != nil {
		return channel.SendReceipt{}, fmt.Errorf("%w: %v", channel.ErrTransportSend, err)
	}
	return channel.SendReceipt{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// RequestPairingCode starts phone-number pairing as an alternative to QR.
func (t *Transport) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	if !t.client.IsConnected() {
		if err := t.client.Connect(); err != nil {
			return "", fmt.Errorf("connect for pairing: %w", err)
		}
	}
	code, err := t.client.PairPhone(ctx, phoneNumber, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

// Events yields lifecycle events until Destroy.
func (t *Transport) Events() <-chan channel.TransportEvent {
	return t.events
}

func (t *Transport) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		t.logger.Info("session connected")
		t.emit(channel.TransportEvent{Kind: channel.TransportReady})
	case *events.Disconnected:
		t.logger.Warn("session disconnected")
		t.emit(channel.TransportEvent{Kind: channel.TransportDisconnected, Payload: "connection closed"})
	case *events.StreamReplaced:
		t.emit(channel.TransportEvent{Kind: channel.TransportDisconnected, Payload: "stream replaced"})
	case *events.LoggedOut:
		t.logger.Warn("session logged out", zap.String("reason", evt.Reason.String()))
		t.emit(channel.TransportEvent{
			Kind: channel.TransportError,
			Err:  fmt.Errorf("logged out: %s", evt.Reason.String()),
		})
	}
}

// emit publishes without blocking; a slow consumer drops lifecycle noise
// rather than stalling whatsmeow's event goroutine.
func (t *Transport) emit(evt channel.TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- evt:
	default:
		t.logger.Warn("dropping transport event", zap.String("kind", string(evt.Kind)))
	}
}
