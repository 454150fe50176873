package channel

import (
	"errors"
	"sync"
)

// ErrChannelUnavailable is returned when no ready channel exists for an
// identity. Jobs hitting this fail and lean on the broker's retry policy.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Registry is the single source of truth for "is a channel usable right
// now". Only the lifecycle manager mutates it; the batch processor reads it
// to obtain a transport handle.
type Registry struct {
	mu       sync.RWMutex
	channels map[Key]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[Key]*Channel)}
}

// Ready returns the channel for the identity if it is in the Ready state.
func (r *Registry) Ready(companyID string, phoneIndex int) (*Channel, error) {
	ch, ok := r.Lookup(companyID, phoneIndex)
	if !ok || ch.State() != Ready {
		return nil, ErrChannelUnavailable
	}
	return ch, nil
}

// Lookup returns the channel for the identity regardless of state.
func (r *Registry) Lookup(companyID string, phoneIndex int) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[Key{CompanyID: companyID, PhoneIndex: phoneIndex}]
	return ch, ok
}

// All snapshots every registered channel.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

func (r *Registry) put(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.key] = ch
}

func (r *Registry) remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, key)
}
