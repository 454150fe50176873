package channel

// State is a channel lifecycle state. Only Ready channels may send.
type State string

const (
	Uninitialized State = "uninitialized"
	Initializing  State = "initializing"
	QR            State = "qr"
	PairingCode   State = "pairing_code"
	Authenticated State = "authenticated"
	Ready         State = "ready"
	Disconnected  State = "disconnected"
	Error         State = "error"
)

// Event drives the lifecycle state machine.
type Event string

const (
	EventInitialize    Event = "initialize"
	EventQRIssued      Event = "qr_issued"
	EventPairingIssued Event = "pairing_issued"
	EventAuthenticated Event = "authenticated"
	EventReady         Event = "ready"
	EventDisconnected  Event = "disconnected"
	EventFailed        Event = "failed"
	EventDestroyed     Event = "destroyed"
)

// Effect is a side effect a transition asks its driver to perform.
// The manager executes effects; the transition function stays pure.
type Effect int

const (
	// EffectRegister marks the channel usable for sending.
	EffectRegister Effect = iota
	// EffectDeregister marks the channel unusable and clears transient
	// credential payloads.
	EffectDeregister
	// EffectReinit asks for a destroy-then-reinitialize cycle.
	EffectReinit
)

var transitions = map[State]map[Event]State{
	Uninitialized: {
		EventInitialize: Initializing,
	},
	Initializing: {
		EventQRIssued:      QR,
		EventPairingIssued: PairingCode,
		EventAuthenticated: Authenticated,
		EventReady:         Ready,
	},
	QR: {
		EventPairingIssued: PairingCode,
		EventQRIssued:      QR, // refreshed code
		EventAuthenticated: Authenticated,
		EventReady:         Ready,
	},
	PairingCode: {
		EventQRIssued:      QR,
		EventAuthenticated: Authenticated,
		EventReady:         Ready,
	},
	Authenticated: {
		EventReady: Ready,
	},
	Ready: {},
	Disconnected: {
		EventInitialize: Initializing,
	},
	Error: {
		EventInitialize: Initializing,
	},
}

// Next computes the transition for (state, event). It returns the new state,
// the side effects the driver must perform, and whether the transition is
// allowed. Disconnect, failure and destruction are accepted from every state
// except Uninitialized.
func Next(s State, ev Event) (State, []Effect, bool) {
	if s != Uninitialized {
		switch ev {
		case EventDisconnected:
			return Disconnected, []Effect{EffectDeregister, EffectReinit}, true
		case EventFailed:
			return Error, []Effect{EffectDeregister, EffectReinit}, true
		case EventDestroyed:
			return Uninitialized, []Effect{EffectDeregister}, true
		}
	}

	to, ok := transitions[s][ev]
	if !ok {
		return s, nil, false
	}
	if to == Ready {
		return to, []Effect{EffectRegister}, true
	}
	return to, nil, true
}
