package host_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/testutils"
	"github.com/srg/bthost/internal/transport"
)

type ConnectionTestSuite struct {
	suite.Suite

	adapter *testutils.FakeAdapter
	device  *testutils.FakeDevice
	auth    *testutils.FakeAuthorizer
	tr      *testutils.FakeTransport
	bcast   *host.Broadcaster

	service *host.Service
	server  *host.Server

	connectCalls    []error
	disconnectCalls int
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}

func (suite *ConnectionTestSuite) SetupTest() {
	suite.adapter = testutils.NewFakeAdapter("00:11:22:33:44:55")
	suite.device = suite.adapter.AddDevice(testutils.NewFakeDevice("AA:BB:CC:DD:EE:FF"))
	suite.auth = testutils.NewFakeAuthorizer()
	suite.tr = testutils.NewFakeTransport()
	suite.bcast = host.NewBroadcaster()
	suite.connectCalls = nil
	suite.disconnectCalls = 0

	profile := &host.Profile{Name: "serial-port", RemoteUUID: "1101"}

	var err error
	suite.server, err = host.NewServer(suite.adapter, profile, suite.tr, suite.auth, nil)
	suite.Require().NoError(err)

	suite.service = host.NewService(suite.device, profile, suite.bcast, nil)
	suite.Require().NoError(suite.service.Probe())
	suite.device.SetService("1101", suite.service)
}

func (suite *ConnectionTestSuite) newChannel() *testutils.FakeChannel {
	return testutils.NewFakeChannel("00:11:22:33:44:55", "AA:BB:CC:DD:EE:FF", 0, 22)
}

// incoming attaches ch to the suite's service, recording the terminal
// callbacks.
func (suite *ConnectionTestSuite) incoming(ch *testutils.FakeChannel, authorize bool) (*host.Connection, error) {
	return suite.service.IncomingConn(suite.server, ch, authorize,
		func(_ *host.Connection, err error) { suite.connectCalls = append(suite.connectCalls, err) },
		func(*host.Connection) { suite.disconnectCalls++ })
}

func (suite *ConnectionTestSuite) TestCleanInboundAccept() {
	// GOAL: Verify the unauthorized inbound path accepts once discovery
	// completes, without touching the service state
	//
	// TEST SCENARIO: Incoming channel → discovery completes → transport
	// accept runs, connect callback fires with success, watcher installed,
	// connection joins the service set

	recorder := testutils.NewStateRecorder(suite.bcast)
	defer recorder.Detach()

	ch := suite.newChannel()
	conn, err := suite.incoming(ch, false)
	suite.Require().NoError(err)
	suite.Require().NotNil(conn)

	suite.Assert().False(ch.Accepted, "accept MUST wait for discovery")
	suite.Assert().Equal(1, suite.device.PendingWaits())

	suite.device.CompleteDiscovery(nil)

	suite.Assert().True(ch.Accepted)
	suite.Assert().Equal([]error{nil}, suite.connectCalls, "connect callback MUST fire once with success")
	suite.Assert().Equal(1, ch.Watches(), "I/O watcher MUST be installed")
	suite.Assert().Len(suite.service.Connections(), 1)
	suite.Assert().Equal(host.StateDisconnected, suite.service.State(), "inbound accept MUST NOT change service state")
	suite.Assert().Zero(recorder.Len())

	suite.Assert().Equal(uint16(0), conn.PSM())
	suite.Assert().Equal(uint8(22), conn.Channel())
	suite.Assert().Equal("00:11:22:33:44:55", conn.Src())
	suite.Assert().Equal("AA:BB:CC:DD:EE:FF", conn.Dst())
	suite.Assert().Same(suite.server, conn.Server())
	suite.Assert().Same(suite.service, conn.Service())
}

func (suite *ConnectionTestSuite) TestAuthorizationGate() {
	// GOAL: Verify the authorization gate and its interplay with discovery
	//
	// TEST SCENARIO: Authorized inbound connection → gates complete in
	// either order → accept fires exactly once, from the later gate

	suite.Run("discovery then authorization", func() {
		ch := suite.newChannel()
		_, err := suite.incoming(ch, true)
		suite.Require().NoError(err)

		suite.device.CompleteDiscovery(nil)
		suite.Assert().False(ch.Accepted, "accept MUST wait for authorization")

		suite.auth.Resolve(nil)
		suite.Assert().True(ch.Accepted)
		suite.Assert().Equal([]error{nil}, suite.connectCalls)
	})

	suite.Run("authorization then discovery", func() {
		suite.SetupTest()

		ch := suite.newChannel()
		_, err := suite.incoming(ch, true)
		suite.Require().NoError(err)

		suite.auth.Resolve(nil)
		suite.Assert().False(ch.Accepted, "accept MUST wait for discovery")

		suite.device.CompleteDiscovery(nil)
		suite.Assert().True(ch.Accepted)
		suite.Assert().Equal([]error{nil}, suite.connectCalls)
	})
}

func (suite *ConnectionTestSuite) TestAuthorizationRejection() {
	// GOAL: Verify a rejected authorization releases the connection and
	// cancels the pending discovery wait
	//
	// TEST SCENARIO: Authorized inbound connection → authorization denied →
	// connection removed, discovery wait cancelled, channel shut down, no
	// observer transition

	recorder := testutils.NewStateRecorder(suite.bcast)
	defer recorder.Detach()

	ch := suite.newChannel()
	_, err := suite.incoming(ch, true)
	suite.Require().NoError(err)

	suite.auth.Resolve(errors.New("rejected by agent"))

	suite.Assert().Empty(suite.service.Connections(), "connection MUST be removed")
	suite.Assert().Zero(suite.device.PendingWaits(), "discovery wait MUST be cancelled")
	suite.Assert().False(ch.Accepted)
	suite.Assert().Equal(1, ch.Shutdowns, "channel MUST be shut down")
	suite.Assert().Equal([]error{host.ErrIO}, suite.connectCalls, "connect callback MUST report an I/O error")
	suite.Assert().Zero(suite.disconnectCalls, "disconnect callback MUST NOT fire for an unconnected channel")
	suite.Assert().Zero(recorder.Len(), "no observer transition expected")
}

func (suite *ConnectionTestSuite) TestAuthorizationFilingFailure() {
	// GOAL: Verify a request that cannot even be filed releases everything

	suite.auth.Refuse = true

	ch := suite.newChannel()
	conn, err := suite.incoming(ch, true)

	suite.Assert().Nil(conn)
	suite.Assert().ErrorIs(err, host.ErrIO)
	suite.Assert().Empty(suite.service.Connections())
	suite.Assert().Zero(suite.device.PendingWaits())
	suite.Assert().Equal(1, ch.Shutdowns)
}

func (suite *ConnectionTestSuite) TestDiscoveryFailure() {
	// GOAL: Verify a failed discovery releases the connection and cancels
	// the outstanding authorization request

	ch := suite.newChannel()
	_, err := suite.incoming(ch, true)
	suite.Require().NoError(err)

	suite.device.CompleteDiscovery(errors.New("sdp timeout"))

	suite.Assert().Empty(suite.service.Connections())
	suite.Assert().Len(suite.auth.Cancelled, 1, "authorization MUST be cancelled by id")
	suite.Assert().Zero(suite.auth.Pending())
	suite.Assert().Equal([]error{host.ErrIO}, suite.connectCalls)
}

func (suite *ConnectionTestSuite) TestHangupDuringGates() {
	// GOAL: Verify an early hangup cancels both gates before the channel
	// is shut down and never reaches the accept path
	//
	// TEST SCENARIO: Authorized inbound connection → HUP before any gate
	// clears → authorization cancelled, discovery wait cancelled, no
	// transport accept, connection freed

	ch := suite.newChannel()
	_, err := suite.incoming(ch, true)
	suite.Require().NoError(err)

	ch.Fire(transport.CondHup)

	suite.Assert().Empty(suite.service.Connections())
	suite.Assert().Len(suite.auth.Cancelled, 1)
	suite.Assert().Zero(suite.device.PendingWaits())
	suite.Assert().False(ch.Accepted, "accept MUST never run")
	suite.Assert().Equal(1, ch.Shutdowns)
	suite.Assert().Equal([]error{host.ErrIO}, suite.connectCalls)
	suite.Assert().Zero(suite.disconnectCalls)
}

func (suite *ConnectionTestSuite) TestTransportAcceptFailure() {
	// GOAL: Verify accept errors release the connection

	suite.Run("synchronous failure", func() {
		ch := suite.newChannel()
		ch.AcceptErr = errors.New("accept refused")
		_, err := suite.incoming(ch, false)
		suite.Require().NoError(err)

		suite.device.CompleteDiscovery(nil)

		suite.Assert().Empty(suite.service.Connections())
		suite.Assert().Equal([]error{host.ErrIO}, suite.connectCalls)
	})

	suite.Run("completion failure", func() {
		suite.SetupTest()

		ch := suite.newChannel()
		ch.AcceptDoneErr = errors.New("handshake failed")
		_, err := suite.incoming(ch, false)
		suite.Require().NoError(err)

		suite.device.CompleteDiscovery(nil)

		suite.Assert().Empty(suite.service.Connections())
		suite.Assert().Equal([]error{host.ErrIO}, suite.connectCalls)
		suite.Assert().Zero(suite.disconnectCalls)
	})
}

func (suite *ConnectionTestSuite) TestHangupAfterConnected() {
	// GOAL: Verify a hangup on an established connection removes it and
	// fires the disconnect callback exactly once, leaving the service
	// state to the profile
	//
	// TEST SCENARIO: Connected inbound connection → HUP → connection
	// removed, disconnect callback once, no service transition

	ch := suite.newChannel()
	_, err := suite.incoming(ch, false)
	suite.Require().NoError(err)
	suite.device.CompleteDiscovery(nil)
	suite.Require().Equal([]error{nil}, suite.connectCalls)

	recorder := testutils.NewStateRecorder(suite.bcast)
	defer recorder.Detach()

	ch.Fire(transport.CondHup)

	suite.Assert().Empty(suite.service.Connections())
	suite.Assert().Equal(1, suite.disconnectCalls, "disconnect callback MUST fire exactly once")
	suite.Assert().Equal(1, ch.Shutdowns)
	suite.Assert().Zero(recorder.Len(), "hangup alone MUST NOT transition the service")
}

func (suite *ConnectionTestSuite) TestNvalIsNotRedispatched() {
	// GOAL: Verify an invalidated watch source is dropped without touching
	// the already-dead channel

	ch := suite.newChannel()
	_, err := suite.incoming(ch, false)
	suite.Require().NoError(err)
	suite.device.CompleteDiscovery(nil)

	ch.Fire(transport.CondNval)

	suite.Assert().Zero(ch.Watches(), "watch MUST be dropped")
	suite.Assert().Len(suite.service.Connections(), 1, "connection MUST NOT be removed by nval")
	suite.Assert().Zero(suite.disconnectCalls)
}

func (suite *ConnectionTestSuite) TestDisconnectDrainsConnections() {
	// GOAL: Verify a successful disconnect drains every connection with
	// exactly one disconnect callback each
	//
	// TEST SCENARIO: Connected service with two connections → disconnect
	// completes with success → set empty, two disconnect callbacks

	profile := &host.Profile{
		Name:       "serial-port",
		RemoteUUID: "1101",
		Connect:    func(*host.Service) error { return nil },
		Disconnect: func(*host.Service) error { return nil },
	}
	svc := host.NewService(suite.device, profile, suite.bcast, nil)
	suite.Require().NoError(svc.Probe())

	for i := 0; i < 2; i++ {
		ch := suite.newChannel()
		_, err := svc.IncomingConn(suite.server, ch, false,
			func(_ *host.Connection, err error) { suite.connectCalls = append(suite.connectCalls, err) },
			func(*host.Connection) { suite.disconnectCalls++ })
		suite.Require().NoError(err)
	}
	suite.device.CompleteDiscovery(nil)
	suite.Require().Equal([]error{nil, nil}, suite.connectCalls)

	suite.Require().NoError(svc.Connect())
	svc.ConnectingComplete(nil)
	suite.Require().Equal(host.StateConnected, svc.State())

	suite.Require().NoError(svc.Disconnect())
	svc.DisconnectingComplete(nil)

	suite.Assert().Equal(host.StateDisconnected, svc.State())
	suite.Assert().Empty(svc.Connections(), "connection set MUST be drained")
	suite.Assert().Equal(2, suite.disconnectCalls, "each connection's disconnect callback MUST fire once")
}

func (suite *ConnectionTestSuite) TestRefusedDisconnectKeepsConnections() {
	// GOAL: Verify a refused disconnect preserves established connections

	profile := &host.Profile{
		Name:       "serial-port",
		RemoteUUID: "1101",
		Connect:    func(*host.Service) error { return nil },
		Disconnect: func(*host.Service) error { return nil },
	}
	svc := host.NewService(suite.device, profile, suite.bcast, nil)
	suite.Require().NoError(svc.Probe())

	ch := suite.newChannel()
	_, err := svc.IncomingConn(suite.server, ch, false,
		func(*host.Connection, error) {}, func(*host.Connection) { suite.disconnectCalls++ })
	suite.Require().NoError(err)
	suite.device.CompleteDiscovery(nil)

	suite.Require().NoError(svc.Connect())
	svc.ConnectingComplete(nil)
	suite.Require().NoError(svc.Disconnect())

	svc.DisconnectingComplete(errors.New("remote busy"))

	suite.Assert().Equal(host.StateConnected, svc.State())
	suite.Assert().Len(svc.Connections(), 1, "connections MUST NOT be drained on refusal")
	suite.Assert().Zero(suite.disconnectCalls)
}

func (suite *ConnectionTestSuite) TestUserData() {
	// GOAL: Verify the connection opaque round-trips

	ch := suite.newChannel()
	conn, err := suite.incoming(ch, false)
	suite.Require().NoError(err)

	conn.SetUserData("endpoint")
	suite.Assert().Equal("endpoint", conn.UserData())
	conn.SetUserData(nil)
	suite.Assert().Nil(conn.UserData())
}
