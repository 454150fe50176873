package channel

import (
	"sync"
	"time"
)

// Key identifies a channel: one (company, phone-slot) pair.
type Key struct {
	CompanyID  string
	PhoneIndex int
}

// Status is a point-in-time snapshot of a channel, safe to hand out.
type Status struct {
	CompanyID   string
	PhoneIndex  int
	State       State
	QRPayload   string
	PairingCode string
}

// Channel is one chat-transport session and its lifecycle state. The registry
// entry persists across reinit attempts: same identity, new transport handle.
type Channel struct {
	key Key

	mu            sync.Mutex
	state         State
	transport     Transport
	qrPayload     string
	pairingCode   string
	initStartedAt time.Time
}

func newChannel(key Key) *Channel {
	return &Channel{key: key, state: Uninitialized}
}

// Key returns the channel identity.
func (c *Channel) Key() Key { return c.key }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transport returns the current handle. Nil while uninitialized.
func (c *Channel) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Status snapshots the channel for the API layer.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		CompanyID:   c.key.CompanyID,
		PhoneIndex:  c.key.PhoneIndex,
		State:       c.state,
		QRPayload:   c.qrPayload,
		PairingCode: c.pairingCode,
	}
}

// initAge reports how long the channel has been in a transitional state.
func (c *Channel) initAge(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Initializing, QR, PairingCode:
		return now.Sub(c.initStartedAt), true
	}
	return 0, false
}
