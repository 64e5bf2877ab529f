package host

// StateFunc observes a single service state transition.
type StateFunc func(svc *Service, old, new State)

type stateCallback struct {
	fn StateFunc
	id uint
}

// Broadcaster is the state-change observer list shared by every Service.
// Callbacks run synchronously from the transition site, in registration
// order; they must not trigger further transitions on the same Service.
type Broadcaster struct {
	callbacks []stateCallback
	nextID    uint
}

// NewBroadcaster creates an empty observer list.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// AddStateCallback registers fn and returns its non-zero removal id.
func (b *Broadcaster) AddStateCallback(fn StateFunc) uint {
	b.nextID++
	b.callbacks = append(b.callbacks, stateCallback{fn: fn, id: b.nextID})
	return b.nextID
}

// RemoveStateCallback removes the callback registered under id and reports
// whether an entry was found.
func (b *Broadcaster) RemoveStateCallback(id uint) bool {
	for i, cb := range b.callbacks {
		if cb.id == id {
			b.callbacks = append(b.callbacks[:i], b.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Broadcaster) notify(svc *Service, old, new State) {
	// The slice is copied so a callback removing itself (or a later entry)
	// does not skew this fan-out.
	for _, cb := range append([]stateCallback(nil), b.callbacks...) {
		cb.fn(svc, old, new)
	}
}
