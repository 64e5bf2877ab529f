package host

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/transport"
)

// AcceptCb lets a profile claim an inbound connection once it is ready.
// Returning an error refuses the channel: the connection's disconnect
// callback is suppressed and the channel is shut down.
type AcceptCb func(conn *Connection) error

// DisconnCb notifies a profile that a connection it accepted went away.
type DisconnCb func(conn *Connection)

// Server is the live association of one Adapter with one Profile. It owns
// the profile's listening endpoints on that adapter and turns accepted raw
// channels into incoming-connection flows on the matching Service.
type Server struct {
	adapter    Adapter
	profile    *Profile
	userData   any
	endpoints  []*Endpoint
	tr         transport.Transport
	authorizer Authorizer
	logger     *logrus.Logger
}

// Endpoint is a single listening endpoint owned by a Server.
type Endpoint struct {
	server    *Server
	listener  transport.Listener
	authorize bool
	acceptCb  AcceptCb
	disconnCb DisconnCb
}

// NewServer creates a Server and runs the profile's adapter probe. The
// probe body typically establishes the listeners via Listen. A probe error
// destroys everything the probe half-built and fails creation with the same
// error.
func NewServer(adapter Adapter, profile *Profile, tr transport.Transport,
	authorizer Authorizer, logger *logrus.Logger) (*Server, error) {

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	srv := &Server{
		adapter:    adapter,
		profile:    profile,
		tr:         tr,
		authorizer: authorizer,
		logger:     logger,
	}

	if profile.AdapterProbe == nil {
		return srv, nil
	}

	if err := profile.AdapterProbe(srv); err != nil {
		logger.WithFields(logrus.Fields{
			"profile": profile.Name,
			"adapter": adapter.Address(),
		}).WithError(err).Error("profile adapter probe failed")

		srv.closeEndpoints()
		return nil, err
	}

	return srv, nil
}

// Listen creates a listening endpoint bound to the adapter's address with
// the supplied transport options. A failed listen leaves nothing behind.
func (srv *Server) Listen(authorize bool, acceptCb AcceptCb, disconnCb DisconnCb,
	opts ...transport.Option) (*Endpoint, error) {

	ep := &Endpoint{
		server:    srv,
		authorize: authorize,
		acceptCb:  acceptCb,
		disconnCb: disconnCb,
	}

	all := append([]transport.Option{transport.WithSource(srv.adapter.Address())}, opts...)
	listener, err := srv.tr.Listen(func(ch transport.Channel) {
		srv.handleIncoming(ep, ch)
	}, all...)
	if err != nil {
		srv.logger.WithFields(logrus.Fields{
			"profile": srv.profile.Name,
			"adapter": srv.adapter.Address(),
		}).WithError(err).Error("listen failed")
		return nil, err
	}

	ep.listener = listener
	srv.endpoints = append(srv.endpoints, ep)
	return ep, nil
}

// handleIncoming is the accept path for one endpoint. Channels from unknown
// devices, or for which no service resolves, are quietly shut down.
func (srv *Server) handleIncoming(ep *Endpoint, ch transport.Channel) {
	device := srv.adapter.FindDevice(ch.Dst())
	if device == nil {
		_ = ch.Shutdown(false)
		return
	}

	device.AddUUID(srv.profile.RemoteUUID)

	svc := device.GetService(srv.profile.RemoteUUID)
	if svc == nil {
		srv.logger.WithFields(logrus.Fields{
			"profile": srv.profile.Name,
			"device":  device.Address(),
		}).Debug("no service for incoming connection")
		_ = ch.Shutdown(false)
		return
	}

	conn, err := svc.IncomingConn(srv, ch, ep.authorize, srv.connectionReady, func(conn *Connection) {
		if ep.disconnCb != nil {
			ep.disconnCb(conn)
		}
	})
	if err != nil {
		return
	}

	// The endpoint rides in the connection opaque until authorization and
	// discovery complete; connectionReady picks it back up.
	conn.SetUserData(ep)
}

// connectionReady runs once an inbound connection clears its gates. It
// hands the connection to the endpoint's accept callback; a refusal
// suppresses the disconnect callback and shuts the channel down.
func (srv *Server) connectionReady(conn *Connection, err error) {
	if err != nil {
		return
	}

	ep, _ := conn.UserData().(*Endpoint)
	conn.SetUserData(nil)
	if ep == nil || ep.acceptCb == nil {
		return
	}

	if aerr := ep.acceptCb(conn); aerr != nil {
		srv.logger.WithFields(logrus.Fields{
			"profile": srv.profile.Name,
			"device":  conn.Dst(),
		}).WithError(aerr).Error("profile refused connection")

		conn.suppressDisconnect()
		conn.remove()
	}
}

// Close shuts the endpoint's socket down and detaches it from its server.
func (ep *Endpoint) Close() {
	if ep.listener != nil {
		_ = ep.listener.Close()
		ep.listener = nil
	}

	eps := ep.server.endpoints
	for i, e := range eps {
		if e == ep {
			ep.server.endpoints = append(eps[:i], eps[i+1:]...)
			return
		}
	}
}

// Authorize reports whether the endpoint requires authorization.
func (ep *Endpoint) Authorize() bool { return ep.authorize }

// Opts returns the endpoint's resolved listen options.
func (ep *Endpoint) Opts() transport.ListenOpts {
	if ep.listener == nil {
		return transport.ListenOpts{}
	}
	return ep.listener.Opts()
}

func (srv *Server) closeEndpoints() {
	for len(srv.endpoints) > 0 {
		srv.endpoints[len(srv.endpoints)-1].Close()
	}
}

// Destroy runs the profile's adapter remove, then releases every listening
// endpoint and the server itself.
func (srv *Server) Destroy() {
	if srv.profile.AdapterRemove != nil {
		srv.profile.AdapterRemove(srv)
	}
	srv.closeEndpoints()
}

// Adapter returns the adapter the server listens on.
func (srv *Server) Adapter() Adapter { return srv.adapter }

// Profile returns the server's profile.
func (srv *Server) Profile() *Profile { return srv.profile }

// SetUserData attaches profile-owned data to the server.
func (srv *Server) SetUserData(v any) { srv.userData = v }

// UserData returns the data attached with SetUserData.
func (srv *Server) UserData() any { return srv.userData }
