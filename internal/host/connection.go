package host

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/transport"
)

// ConnectFunc reports the readiness of an inbound connection. It fires at
// most once: with a nil error when the channel is accepted and usable, or
// with ErrIO if the connection is released before ever connecting.
type ConnectFunc func(conn *Connection, err error)

// DisconnFunc is invoked at most once, when a connection that did reach the
// connected state is released.
type DisconnFunc func(conn *Connection)

// Connection is a single accepted transport channel attached to a Service.
// An inbound connection clears two gates before it becomes usable: the
// device's service discovery must complete, and (optionally) authorization
// must be granted. Whichever gate clears last triggers the transport
// accept; either gate failing releases the connection and cancels the other.
type Connection struct {
	server    *Server
	service   *Service
	ch        transport.Channel
	connected bool
	psm       uint16
	chanNum   uint8

	ioWatch uint
	svcID   uint
	authID  uint

	connectCb ConnectFunc
	disconnCb DisconnFunc
	userData  any

	logger *logrus.Logger
}

func (s *Service) connectionAdd(server *Server, connectCb ConnectFunc, disconnCb DisconnFunc) *Connection {
	conn := &Connection{
		server:    server,
		service:   s,
		connectCb: connectCb,
		disconnCb: disconnCb,
		logger:    s.logger,
	}
	s.conns = append(s.conns, conn)
	return conn
}

// free releases every resource of the connection, in cancellation-safe
// order: pending authorization first, then the discovery wait, then the I/O
// watch, then the channel itself. The terminal callback fires afterwards:
// connect with ErrIO if the connection never connected, disconnect if it did.
func (conn *Connection) free() {
	service := conn.service

	if conn.authID != 0 {
		conn.server.authorizer.CancelAuthorization(conn.authID)
		conn.authID = 0
	}

	if conn.svcID != 0 {
		service.device.CancelServicesComplete(conn.svcID)
		conn.svcID = 0
	}

	if conn.ioWatch != 0 {
		conn.ch.RemoveWatch(conn.ioWatch)
		conn.ioWatch = 0
	}

	if conn.ch != nil {
		_ = conn.ch.Shutdown(false)
	}

	if !conn.connected && conn.connectCb != nil {
		conn.connectCb(conn, ErrIO)
	}

	if conn.connected && conn.disconnCb != nil {
		conn.disconnCb(conn)
	}

	conn.ch = nil
}

// remove detaches the connection from its service's set and frees it.
// Removal and release are inseparable.
func (conn *Connection) remove() {
	conns := conn.service.conns
	for i, c := range conns {
		if c == conn {
			conn.service.conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	conn.free()
}

func (conn *Connection) setChannel(ch transport.Channel) {
	conn.ch = ch
	conn.psm = ch.PSM()
	conn.chanNum = ch.Channel()
	conn.ioWatch = ch.Watch(transport.CondHup|transport.CondErr|transport.CondNval,
		conn.channelBroken)
}

// channelBroken is the I/O condition watcher. CondNval means the channel is
// already dead and must not be touched; any other condition removes the
// connection.
func (conn *Connection) channelBroken(cond transport.IOCond) bool {
	if cond&transport.CondNval != 0 {
		conn.ioWatch = 0
		return false
	}

	conn.logger.WithFields(logrus.Fields{
		"profile": conn.service.profile.Name,
		"device":  conn.service.device.Address(),
		"cond":    cond.String(),
	}).Debug("connection closed by remote")

	conn.ioWatch = 0
	conn.remove()
	return false
}

// accept runs the transport-level accept once both gates have cleared.
func (conn *Connection) accept() {
	if err := conn.ch.Accept(conn.accepted); err != nil {
		conn.logger.WithError(err).Error("transport accept failed")
		conn.remove()
		return
	}

	conn.logger.WithFields(logrus.Fields{
		"profile": conn.service.profile.Name,
		"device":  conn.service.device.Address(),
	}).Debug("accepted connection")
}

func (conn *Connection) accepted(_ transport.Channel, err error) {
	if err != nil {
		conn.logger.WithError(err).Error("connect failed")
		conn.remove()
		return
	}

	if conn.connectCb == nil {
		return
	}

	conn.connected = true
	conn.connectCb(conn, nil)
}

// svcComplete is the discovery gate.
func (conn *Connection) svcComplete(dev Device, err error) {
	conn.svcID = 0

	if err != nil {
		conn.logger.WithField("device", dev.Address()).
			WithError(err).Error("service resolving failed")
		conn.remove()
		return
	}

	if conn.authID == 0 {
		conn.accept()
	} else {
		conn.logger.WithField("device", dev.Address()).
			Debug("services resolved, waiting for authorization")
	}
}

// authComplete is the authorization gate.
func (conn *Connection) authComplete(err error) {
	conn.authID = 0

	if err != nil {
		conn.logger.WithFields(logrus.Fields{
			"profile": conn.service.profile.Name,
			"device":  conn.service.device.Address(),
		}).WithError(err).Error("connection rejected")
		conn.remove()
		return
	}

	if conn.svcID == 0 {
		conn.accept()
	} else {
		conn.logger.WithFields(logrus.Fields{
			"profile": conn.service.profile.Name,
			"device":  conn.service.device.Address(),
		}).Debug("connection authorized, waiting for discovery")
	}
}

// IncomingConn attaches an inbound channel to the service and starts its
// gates: a service-discovery wait, plus an authorization request when
// authorize is set. A failed authorization filing releases everything and
// returns ErrIO.
func (s *Service) IncomingConn(server *Server, ch transport.Channel, authorize bool,
	connectCb ConnectFunc, disconnCb DisconnFunc) (*Connection, error) {

	device := s.device
	uuid := s.profile.RemoteUUID
	src := device.Adapter().Address()
	dst := device.Address()

	conn := s.connectionAdd(server, connectCb, disconnCb)
	conn.setChannel(ch)
	conn.svcID = device.WaitForServicesComplete(conn.svcComplete)

	if !authorize {
		return conn, nil
	}

	s.logger.WithFields(logrus.Fields{
		"profile": s.profile.Name,
		"device":  dst,
	}).Debug("authorizing connection")

	conn.authID = server.authorizer.RequestAuthorization(src, dst, uuid, conn.authComplete)
	if conn.authID != 0 {
		return conn, nil
	}

	s.logger.WithField("profile", s.profile.Name).Error("authorization failure")
	conn.remove()
	return nil, ErrIO
}

// Server returns the server the connection arrived through.
func (conn *Connection) Server() *Server { return conn.server }

// Service returns the owning service.
func (conn *Connection) Service() *Service { return conn.service }

// IO returns the underlying transport channel.
func (conn *Connection) IO() transport.Channel { return conn.ch }

// Src returns the local adapter address.
func (conn *Connection) Src() string {
	return conn.service.device.Adapter().Address()
}

// Dst returns the remote device address.
func (conn *Connection) Dst() string {
	return conn.service.device.Address()
}

// PSM returns the channel's PSM, 0 if unused.
func (conn *Connection) PSM() uint16 { return conn.psm }

// Channel returns the channel's RFCOMM channel number, 0 if unused.
func (conn *Connection) Channel() uint8 { return conn.chanNum }

// SetUserData attaches caller data to the connection.
func (conn *Connection) SetUserData(v any) { conn.userData = v }

// UserData returns the data attached with SetUserData.
func (conn *Connection) UserData() any { return conn.userData }

// suppressDisconnect drops the disconnect callback. The inbound server path
// uses it when the profile's accept callback refuses a channel the profile
// never owned.
func (conn *Connection) suppressDisconnect() { conn.disconnCb = nil }
