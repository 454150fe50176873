package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"campd/internal/bus"
	"campd/internal/store"
)

// ManagerConfig bounds the manager's timers.
type ManagerConfig struct {
	// WatchdogTimeout is how long a channel may sit in a transitional
	// state before it is force-reinitialized.
	WatchdogTimeout time.Duration
	// WatchdogInterval is the sweep cadence.
	WatchdogInterval time.Duration
	// ReinitBackoffMax caps the exponential backoff between reinit
	// attempts. Retries continue indefinitely; sessions are expected
	// to recover.
	ReinitBackoffMax time.Duration
}

// Manager drives each channel through its state machine, persists
// transitions, broadcasts status changes, and force-reinitializes stuck
// channels.
type Manager struct {
	registry *Registry
	factory  TransportFactory
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      ManagerConfig

	mu        sync.Mutex
	attempts  map[Key]int
	reiniting map[Key]bool

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(registry *Registry, factory TransportFactory, db *store.DB, b *bus.Bus, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 5 * time.Minute
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Minute
	}
	if cfg.ReinitBackoffMax <= 0 {
		cfg.ReinitBackoffMax = 5 * time.Minute
	}
	return &Manager{
		registry:  registry,
		factory:   factory,
		db:        db,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
		attempts:  make(map[Key]int),
		reiniting: make(map[Key]bool),
		now:       time.Now,
	}
}

// Start launches the watchdog sweep and the daily midnight re-check. The
// cron guards against watchdog timers lost to process restarts.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.watchdogLoop()

	m.cron = cron.New()
	if _, err := m.cron.AddFunc("0 0 * * *", m.sweepStuck); err != nil {
		return fmt.Errorf("schedule daily re-check: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop cancels all background work and waits for it to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	m.wg.Wait()
}

// EnsureChannel creates and initializes the channel for an identity if it
// does not exist yet. Safe to call repeatedly.
func (m *Manager) EnsureChannel(companyID string, phoneIndex int) (*Channel, error) {
	key := Key{CompanyID: companyID, PhoneIndex: phoneIndex}
	if ch, ok := m.registry.Lookup(companyID, phoneIndex); ok {
		return ch, nil
	}
	ch := newChannel(key)
	m.registry.put(ch)
	if err := m.initialize(ch, "startup"); err != nil {
		return ch, err
	}
	return ch, nil
}

// DeleteSession is the operator-requested terminal transition: the transport
// handle is destroyed and the registry entry removed.
func (m *Manager) DeleteSession(ctx context.Context, companyID string, phoneIndex int) error {
	ch, ok := m.registry.Lookup(companyID, phoneIndex)
	if !ok {
		return ErrChannelUnavailable
	}
	if t := ch.Transport(); t != nil {
		if err := t.Destroy(ctx); err != nil {
			m.logger.Warn("destroy on session delete",
				zap.String("company", companyID), zap.Int("phone", phoneIndex), zap.Error(err))
		}
	}
	m.applyEvent(ch, EventDestroyed, "session deleted")
	m.registry.remove(ch.key)
	return nil
}

// StatusOf snapshots a channel for the API layer. Unknown identities report
// Uninitialized.
func (m *Manager) StatusOf(companyID string, phoneIndex int) Status {
	if ch, ok := m.registry.Lookup(companyID, phoneIndex); ok {
		return ch.Status()
	}
	return Status{CompanyID: companyID, PhoneIndex: phoneIndex, State: Uninitialized}
}

// RequestPairingCode asks the transport for a phone-pairing code and moves
// the channel into the pairing_code state.
func (m *Manager) RequestPairingCode(ctx context.Context, companyID string, phoneIndex int, phoneNumber string) (string, error) {
	ch, ok := m.registry.Lookup(companyID, phoneIndex)
	if !ok {
		return "", ErrChannelUnavailable
	}
	t := ch.Transport()
	if t == nil {
		return "", ErrChannelUnavailable
	}
	code, err := t.RequestPairingCode(ctx, phoneNumber)
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	m.applyEvent(ch, EventPairingIssued, code)
	return code, nil
}

// initialize moves the channel into Initializing with a fresh transport
// handle and starts pumping its events.
func (m *Manager) initialize(ch *Channel, reason string) error {
	m.applyEvent(ch, EventInitialize, reason)

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := m.factory.NewTransport(ctx, ch.key.CompanyID, ch.key.PhoneIndex)
	if err != nil {
		m.applyEvent(ch, EventFailed, err.Error())
		return fmt.Errorf("create transport: %w", err)
	}

	ch.mu.Lock()
	ch.transport = t
	ch.mu.Unlock()

	m.wg.Add(1)
	go m.pump(ch, t)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := t.Initialize(ctx); err != nil {
			m.logger.Warn("transport initialize failed",
				zap.String("company", ch.key.CompanyID),
				zap.Int("phone", ch.key.PhoneIndex),
				zap.Error(err))
			m.applyEvent(ch, EventFailed, err.Error())
		}
	}()
	return nil
}

// pump translates transport events into state machine events. A pump bound
// to a replaced handle goes quiet instead of driving the machine.
func (m *Manager) pump(ch *Channel, t Transport) {
	defer m.wg.Done()
	for {
		select {
		case evt, ok := <-t.Events():
			if !ok {
				return
			}
			if ch.Transport() != t {
				return
			}
			m.handleTransportEvent(ch, evt)
		case <-m.done():
			return
		}
	}
}

func (m *Manager) done() <-chan struct{} {
	if m.ctx != nil {
		return m.ctx.Done()
	}
	return nil
}

func (m *Manager) handleTransportEvent(ch *Channel, evt TransportEvent) {
	switch evt.Kind {
	case TransportQR:
		m.applyEvent(ch, EventQRIssued, evt.Payload)
	case TransportPairingCode:
		m.applyEvent(ch, EventPairingIssued, evt.Payload)
	case TransportAuthenticated:
		m.applyEvent(ch, EventAuthenticated, "")
	case TransportReady:
		m.applyEvent(ch, EventReady, "")
	case TransportDisconnected:
		m.applyEvent(ch, EventDisconnected, evt.Payload)
	case TransportError:
		detail := ""
		if evt.Err != nil {
			detail = evt.Err.Error()
		}
		m.applyEvent(ch, EventFailed, detail)
	}
}

// applyEvent runs one state machine step: compute the transition, update the
// channel, persist the new state, broadcast it, and execute effects.
func (m *Manager) applyEvent(ch *Channel, ev Event, detail string) {
	ch.mu.Lock()
	from := ch.state
	to, effects, ok := Next(from, ev)
	if !ok {
		ch.mu.Unlock()
		m.logger.Debug("ignored lifecycle event",
			zap.String("company", ch.key.CompanyID),
			zap.Int("phone", ch.key.PhoneIndex),
			zap.String("state", string(from)),
			zap.String("event", string(ev)))
		return
	}
	ch.state = to
	switch ev {
	case EventInitialize:
		ch.initStartedAt = m.now()
		ch.qrPayload, ch.pairingCode = "", ""
	case EventQRIssued:
		ch.qrPayload = detail
	case EventPairingIssued:
		ch.pairingCode = detail
	case EventAuthenticated, EventReady, EventDisconnected, EventFailed, EventDestroyed:
		ch.qrPayload, ch.pairingCode = "", ""
	}
	key := ch.key
	ch.mu.Unlock()

	m.logger.Info("channel transition",
		zap.String("company", key.CompanyID),
		zap.Int("phone", key.PhoneIndex),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("detail", detail))

	if m.db != nil {
		if err := m.db.UpsertPhoneStatus(&store.PhoneStatus{
			CompanyID:  key.CompanyID,
			PhoneIndex: key.PhoneIndex,
			State:      string(to),
			Detail:     detail,
		}); err != nil {
			m.logger.Error("persist phone status", zap.Error(err))
		}
	}

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.Topic(key.CompanyID, bus.KindChannelStatus),
			Timestamp: m.now(),
			Payload: bus.ChannelStatusChange{
				CompanyID:  key.CompanyID,
				PhoneIndex: key.PhoneIndex,
				From:       string(from),
				To:         string(to),
				Detail:     detail,
			},
		})
		switch ev {
		case EventQRIssued:
			m.bus.Publish(bus.Event{
				Kind:      bus.Topic(key.CompanyID, bus.KindChannelQR),
				Timestamp: m.now(),
				Payload: bus.ChannelQR{
					CompanyID:  key.CompanyID,
					PhoneIndex: key.PhoneIndex,
					Payload:    detail,
				},
			})
		case EventPairingIssued:
			m.bus.Publish(bus.Event{
				Kind:      bus.Topic(key.CompanyID, bus.KindChannelPairing),
				Timestamp: m.now(),
				Payload: bus.ChannelPairingCode{
					CompanyID:  key.CompanyID,
					PhoneIndex: key.PhoneIndex,
					Code:       detail,
				},
			})
		}
	}

	for _, effect := range effects {
		switch effect {
		case EffectRegister:
			m.mu.Lock()
			m.attempts[key] = 0
			m.mu.Unlock()
		case EffectReinit:
			m.scheduleReinit(ch, detail)
		}
	}
}

// scheduleReinit starts one backoff-then-reinitialize cycle unless one is
// already in flight for the channel.
func (m *Manager) scheduleReinit(ch *Channel, reason string) {
	key := ch.key

	m.mu.Lock()
	if m.reiniting[key] {
		m.mu.Unlock()
		return
	}
	m.reiniting[key] = true
	m.attempts[key]++
	attempt := m.attempts[key]
	m.mu.Unlock()

	backoff := time.Second << uint(attempt-1)
	if backoff > m.cfg.ReinitBackoffMax || backoff <= 0 {
		backoff = m.cfg.ReinitBackoffMax
	}

	m.logger.Info("channel reinit scheduled",
		zap.String("company", key.CompanyID),
		zap.Int("phone", key.PhoneIndex),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.String("reason", reason))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.reiniting[key] = false
			m.mu.Unlock()
		}()

		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.done():
			return
		}

		if t := ch.Transport(); t != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := t.Destroy(ctx); err != nil {
				m.logger.Warn("destroy before reinit", zap.Error(err))
			}
			cancel()
		}
		if err := m.initialize(ch, fmt.Sprintf("reinit after %s", reason)); err != nil {
			m.logger.Error("reinit failed",
				zap.String("company", key.CompanyID),
				zap.Int("phone", key.PhoneIndex),
				zap.Error(err))
		}
	}()
}

func (m *Manager) watchdogLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepStuck()
		case <-m.done():
			return
		}
	}
}

// sweepStuck force-fails channels stuck in a transitional state past the
// watchdog timeout. Failing the channel resets initStartedAt on the next
// initialize, so each timeout period triggers at most one reinit.
func (m *Manager) sweepStuck() {
	now := m.now()
	for _, ch := range m.registry.All() {
		age, transitional := ch.initAge(now)
		if !transitional || age < m.cfg.WatchdogTimeout {
			continue
		}
		m.logger.Warn("watchdog: channel stuck, forcing reinit",
			zap.String("company", ch.key.CompanyID),
			zap.Int("phone", ch.key.PhoneIndex),
			zap.String("state", string(ch.State())),
			zap.Duration("age", age))
		m.applyEvent(ch, EventFailed, "watchdog timeout")
	}
}
