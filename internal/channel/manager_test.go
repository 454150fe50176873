package channel

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"campd/internal/bus"
	"campd/internal/store"
)

// fakeTransport is a controllable Transport for manager tests.
type fakeTransport struct {
	mu        sync.Mutex
	events    chan TransportEvent
	destroyed bool
	loggedIn  bool
	initErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 16)}
}

func (f *fakeTransport) Initialize(_ context.Context) error { return f.initErr }

func (f *fakeTransport) Destroy(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeTransport) LoggedIn() bool { return f.loggedIn }

func (f *fakeTransport) SendMessage(_ context.Context, _, _ string, _ SendOptions) (SendReceipt, error) {
	return SendReceipt{ID: "srv-1", Timestamp: time.Now()}, nil
}

func (f *fakeTransport) RequestPairingCode(_ context.Context, _ string) (string, error) {
	return "ABCD-1234", nil
}

func (f *fakeTransport) Events() <-chan TransportEvent { return f.events }

func (f *fakeTransport) emit(evt TransportEvent) { f.events <- evt }

func (f *fakeTransport) wasDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// fakeFactory hands out fresh fake transports and counts creations.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeTransport
}

func (f *fakeFactory) NewTransport(_ context.Context, _ string, _ int) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newFakeTransport()
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func testManager(t *testing.T, cfg ManagerConfig) (*Manager, *Registry, *fakeFactory, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	registry := NewRegistry()
	factory := &fakeFactory{}
	b := bus.New()
	logger := zap.NewNop()
	m := NewManager(registry, factory, db, b, cfg, logger)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
	return m, registry, factory, b
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestChannelBecomesReady(t *testing.T) {
	m, registry, factory, _ := testManager(t, ManagerConfig{})

	ch, err := m.EnsureChannel("acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ch.State() != Initializing {
		t.Errorf("state after ensure = %s, want initializing", ch.State())
	}

	ft := factory.last()
	ft.emit(TransportEvent{Kind: TransportQR, Payload: "qr-data"})
	waitFor(t, func() bool { return ch.State() == QR }, "channel never reached qr")
	if ch.Status().QRPayload != "qr-data" {
		t.Errorf("qr payload = %q", ch.Status().QRPayload)
	}

	ft.emit(TransportEvent{Kind: TransportAuthenticated})
	ft.emit(TransportEvent{Kind: TransportReady})
	waitFor(t, func() bool { return ch.State() == Ready }, "channel never reached ready")

	// Credential payloads are transitional only.
	if ch.Status().QRPayload != "" {
		t.Errorf("qr payload survived into ready: %q", ch.Status().QRPayload)
	}

	if _, err := registry.Ready("acme", 0); err != nil {
		t.Errorf("registry.Ready: %v", err)
	}
}

func TestDisconnectTriggersReinit(t *testing.T) {
	m, registry, factory, _ := testManager(t, ManagerConfig{
		ReinitBackoffMax: 50 * time.Millisecond,
	})

	ch, err := m.EnsureChannel("acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	first := factory.last()
	first.emit(TransportEvent{Kind: TransportReady})
	waitFor(t, func() bool { return ch.State() == Ready }, "never ready")

	first.emit(TransportEvent{Kind: TransportDisconnected, Payload: "stream closed"})
	waitFor(t, func() bool { return factory.count() == 2 }, "no new transport created")
	waitFor(t, func() bool { return first.wasDestroyed() }, "old transport not destroyed")

	// Registry entry persists across reinit: same identity, new handle.
	got, ok := registry.Lookup("acme", 0)
	if !ok || got != ch {
		t.Error("registry entry replaced or lost on reinit")
	}
	if _, err := registry.Ready("acme", 0); err == nil {
		t.Error("channel still reported ready while reinitializing")
	}
}

func TestWatchdogForcesReinitOnce(t *testing.T) {
	m, _, factory, _ := testManager(t, ManagerConfig{
		WatchdogTimeout:  50 * time.Millisecond,
		WatchdogInterval: 20 * time.Millisecond,
		ReinitBackoffMax: 20 * time.Millisecond,
	})

	ch, err := m.EnsureChannel("acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	// Stuck in initializing: no events arrive.
	waitFor(t, func() bool { return factory.count() >= 2 }, "watchdog never reinitialized")

	// Each timeout period produces one reinit, not a storm. A cycle here is
	// 50ms stuck + 20ms backoff, so 300ms fits at most ~5 cycles.
	start := factory.count()
	time.Sleep(300 * time.Millisecond)
	if n := factory.count() - start; n > 6 {
		t.Errorf("watchdog created %d transports in 300ms, expected at most one per timeout period", n)
	}
	_ = ch
}

func TestStatusChangesBroadcast(t *testing.T) {
	m, _, factory, b := testManager(t, ManagerConfig{})
	events, unsub := b.Subscribe(bus.CompanyNamespace("acme"), 32)
	defer unsub()

	ch, err := m.EnsureChannel("acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	factory.last().emit(TransportEvent{Kind: TransportReady})
	waitFor(t, func() bool { return ch.State() == Ready }, "never ready")

	var sawStatus atomic.Bool
	go func() {
		for evt := range events {
			if evt.Kind == bus.Topic("acme", bus.KindChannelStatus) {
				if change, ok := evt.Payload.(bus.ChannelStatusChange); ok && change.To == string(Ready) {
					sawStatus.Store(true)
					return
				}
			}
		}
	}()
	waitFor(t, sawStatus.Load, "no ready status change broadcast")
}

func TestTransitionsPersisted(t *testing.T) {
	cfg := ManagerConfig{}
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	registry := NewRegistry()
	factory := &fakeFactory{}
	m := NewManager(registry, factory, db, bus.New(), cfg, zap.NewNop())
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)

	ch, err := m.EnsureChannel("acme", 1)
	if err != nil {
		t.Fatal(err)
	}
	factory.last().emit(TransportEvent{Kind: TransportReady})
	waitFor(t, func() bool { return ch.State() == Ready }, "never ready")

	waitFor(t, func() bool {
		status, err := db.GetPhoneStatus("acme", 1)
		return err == nil && status.State == string(Ready)
	}, "ready state not persisted")
}

func TestDeleteSessionDestroysHandle(t *testing.T) {
	m, registry, factory, _ := testManager(t, ManagerConfig{})

	ch, err := m.EnsureChannel("acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	ft := factory.last()
	ft.emit(TransportEvent{Kind: TransportReady})
	waitFor(t, func() bool { return ch.State() == Ready }, "never ready")

	if err := m.DeleteSession(context.Background(), "acme", 0); err != nil {
		t.Fatal(err)
	}
	if !ft.wasDestroyed() {
		t.Error("transport not destroyed on session delete")
	}
	if _, ok := registry.Lookup("acme", 0); ok {
		t.Error("registry entry survived session delete")
	}
}

func TestRequestPairingCode(t *testing.T) {
	m, _, factory, _ := testManager(t, ManagerConfig{})

	ch, err := m.EnsureChannel("acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	_ = factory.last()

	code, err := m.RequestPairingCode(context.Background(), "acme", 0, "+5511999999999")
	if err != nil {
		t.Fatal(err)
	}
	if code != "ABCD-1234" {
		t.Errorf("code = %q", code)
	}
	waitFor(t, func() bool { return ch.State() == PairingCode }, "never entered pairing_code")
	if ch.Status().PairingCode != "ABCD-1234" {
		t.Errorf("pairing code snapshot = %q", ch.Status().PairingCode)
	}
}
