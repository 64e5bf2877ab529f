package host

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Service.
type State int

const (
	// StateUnavailable means the service has not been probed, or has been
	// shut down. Once shut down, its device and profile references are nil.
	StateUnavailable State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "unavailable"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// Service is the live association of one Device with one Profile: a small
// state machine driven by connect/disconnect requests, profile completion
// notifications, and the inbound connection path.
//
// Device and profile are non-owning references valid while the state is not
// StateUnavailable. Shutdown clears them; observers holding a reference may
// keep the Service alive past that point but must not dereference either.
type Service struct {
	ref      int
	device   Device
	profile  *Profile
	state    State
	err      error
	userData any
	conns    []*Connection

	bcast  *Broadcaster
	logger *logrus.Logger
}

// NewService creates a Service in StateUnavailable with one reference held
// by the caller. A nil broadcaster disables observer fan-out; a nil logger
// discards.
func NewService(device Device, profile *Profile, bcast *Broadcaster, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	if bcast == nil {
		bcast = NewBroadcaster()
	}
	return &Service{
		ref:     1,
		device:  device,
		profile: profile,
		state:   StateUnavailable,
		bcast:   bcast,
		logger:  logger,
	}
}

func (s *Service) changeState(state State, err error) {
	old := s.state
	if state == old {
		return
	}

	s.state = state
	s.err = err

	s.logger.WithFields(logrus.Fields{
		"device":  s.device.Address(),
		"profile": s.profile.Name,
		"old":     old.String(),
		"new":     state.String(),
		"err":     err,
	}).Debug("service state changed")

	s.bcast.notify(s, old, state)
}

// Ref takes an additional reference and returns the service.
func (s *Service) Ref() *Service {
	s.ref++
	s.logger.WithField("ref", s.ref).Trace("service ref")
	return s
}

// Unref drops a reference. The service must not be used after its last
// reference is dropped.
func (s *Service) Unref() {
	s.ref--
	s.logger.WithField("ref", s.ref).Trace("service unref")
}

// Probe runs the profile's device probe. Success moves the service from
// StateUnavailable to StateDisconnected; failure is returned and the
// service stays unavailable.
func (s *Service) Probe() error {
	if s.state != StateUnavailable {
		return ErrInvalidState
	}

	if s.profile.DeviceProbe != nil {
		if err := s.profile.DeviceProbe(s); err != nil {
			s.logger.WithFields(logrus.Fields{
				"device":  s.device.Address(),
				"profile": s.profile.Name,
			}).WithError(err).Error("profile probe failed")
			return err
		}
	}

	s.changeState(StateDisconnected, nil)
	return nil
}

// Shutdown moves the service to StateUnavailable from any state, releases
// every connection, runs the profile's device remove, and clears the device
// and profile references. The creator's reference is not dropped.
func (s *Service) Shutdown() {
	if s.profile == nil {
		return
	}

	s.changeState(StateUnavailable, nil)

	conns := s.conns
	s.conns = nil
	for _, conn := range conns {
		conn.free()
	}

	if s.profile.DeviceRemove != nil {
		s.profile.DeviceRemove(s)
	}

	s.device = nil
	s.profile = nil
}

// Connect starts an outbound connection through the profile. The service
// enters StateConnecting; an immediate profile failure rolls it back to
// StateDisconnected via ConnectingComplete and is returned.
func (s *Service) Connect() error {
	if s.profile.Connect == nil {
		return ErrUnsupported
	}

	switch s.state {
	case StateUnavailable:
		return ErrInvalidState
	case StateDisconnected:
	case StateConnecting, StateConnected:
		return ErrInProgress
	case StateDisconnecting:
		return ErrBusy
	}

	s.changeState(StateConnecting, nil)

	err := s.profile.Connect(s)
	if err == nil {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"device":  s.device.Address(),
		"profile": s.profile.Name,
	}).WithError(err).Error("profile connect failed")

	s.ConnectingComplete(err)
	return err
}

// Disconnect starts a disconnect through the profile. A profile reporting
// ErrNotConnected is coerced into a successful completion.
func (s *Service) Disconnect() error {
	if s.profile.Disconnect == nil {
		return ErrUnsupported
	}

	switch s.state {
	case StateUnavailable:
		return ErrInvalidState
	case StateDisconnected, StateDisconnecting:
		return ErrInProgress
	case StateConnecting, StateConnected:
	}

	s.changeState(StateDisconnecting, nil)

	err := s.profile.Disconnect(s)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrNotConnected) {
		s.DisconnectingComplete(nil)
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"device":  s.device.Address(),
		"profile": s.profile.Name,
	}).WithError(err).Error("profile disconnect failed")

	s.DisconnectingComplete(err)
	return err
}

// ConnectingComplete reports the outcome of an outbound connect. It is
// silently ignored unless the service is connecting, so a failure reported
// again after an immediate failure rolled the service back to disconnected
// is a no-op.
func (s *Service) ConnectingComplete(err error) {
	if s.state != StateConnecting {
		return
	}

	if err == nil {
		s.changeState(StateConnected, nil)
	} else {
		s.changeState(StateDisconnected, err)
	}
}

// DisconnectingComplete reports the outcome of a disconnect. A failure
// returns the service to StateConnected with its connections intact;
// success drains the connection set and lands in StateDisconnected.
// Completions in other states are silently ignored.
func (s *Service) DisconnectingComplete(err error) {
	if s.state != StateConnected && s.state != StateDisconnecting {
		return
	}

	// If disconnect fails, we assume it remains connected
	if err != nil {
		s.changeState(StateConnected, err)
		return
	}

	conns := s.conns
	s.conns = nil
	for _, conn := range conns {
		conn.free()
	}

	s.changeState(StateDisconnected, nil)
}

// Connections returns the service's active connections.
func (s *Service) Connections() []*Connection {
	return append([]*Connection(nil), s.conns...)
}

// Device returns the service's device, nil once shut down.
func (s *Service) Device() Device { return s.device }

// Profile returns the service's profile, nil once shut down.
func (s *Service) Profile() *Profile { return s.profile }

// State returns the current state.
func (s *Service) State() State { return s.state }

// Err returns the error recorded by the most recent transition.
func (s *Service) Err() error { return s.err }

// SetUserData attaches profile-owned data. Only legal before the service
// has been probed.
func (s *Service) SetUserData(v any) {
	if s.state != StateUnavailable {
		panic("host: SetUserData on a probed service")
	}
	s.userData = v
}

// UserData returns the data attached with SetUserData.
func (s *Service) UserData() any { return s.userData }
