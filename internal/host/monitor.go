package host

import (
	"time"

	"github.com/srg/bthost/internal/ring"
)

// StateEvent is one observed service transition, flattened for consumption
// off the daemon loop.
type StateEvent struct {
	Time    time.Time
	Device  string
	Profile string
	Old     State
	New     State
	Err     error
}

// Monitor streams service transitions into an overwrite-oldest buffer. It
// registers itself as a state callback; the buffer decouples control
// surface readers from the daemon loop, dropping the oldest events if a
// reader lags.
type Monitor struct {
	bcast  *Broadcaster
	events *ring.Channel[StateEvent]
	id     uint
}

// NewMonitor attaches a monitor to the broadcaster.
func NewMonitor(bcast *Broadcaster, capacity int) *Monitor {
	m := &Monitor{
		bcast:  bcast,
		events: ring.New[StateEvent](capacity),
	}
	m.id = bcast.AddStateCallback(m.observe)
	return m
}

func (m *Monitor) observe(svc *Service, old, new State) {
	var dev, prof string
	if d := svc.Device(); d != nil {
		dev = d.Address()
	}
	if p := svc.Profile(); p != nil {
		prof = p.Name
	}
	m.events.Send(StateEvent{
		Time:    time.Now(),
		Device:  dev,
		Profile: prof,
		Old:     old,
		New:     new,
		Err:     svc.Err(),
	})
}

// Events returns the stream of transitions.
func (m *Monitor) Events() <-chan StateEvent {
	return m.events.C()
}

// Close detaches the monitor and closes the stream.
func (m *Monitor) Close() {
	if m.bcast.RemoveStateCallback(m.id) {
		m.events.Close()
	}
}
