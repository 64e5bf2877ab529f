package main

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/testutils"
	"github.com/srg/bthost/internal/transport"
)

type SerialProfileTestSuite struct {
	suite.Suite

	lb      *transport.Loopback
	adapter *testutils.FakeAdapter
	device  *testutils.FakeDevice

	profile *serialProfile
	desc    *host.Profile
}

func TestSerialProfileTestSuite(t *testing.T) {
	suite.Run(t, new(SerialProfileTestSuite))
}

func (suite *SerialProfileTestSuite) SetupTest() {
	suite.lb = transport.NewLoopback(nil, quietLogger())
	suite.adapter = testutils.NewFakeAdapter("00:11:22:33:44:55")
	suite.device = suite.adapter.AddDevice(testutils.NewFakeDevice("AA:BB:CC:DD:EE:FF"))

	suite.profile = newSerialProfile(suite.lb, quietLogger(), false)
	suite.desc = suite.profile.descriptor()
}

// probedService returns a disconnected service bound to the suite's device.
func (suite *SerialProfileTestSuite) probedService() *host.Service {
	svc := host.NewService(suite.device, suite.desc, host.NewBroadcaster(), nil)
	suite.Require().NoError(svc.Probe())
	return svc
}

// listenRemote simulates the remote peer's serial endpoint.
func (suite *SerialProfileTestSuite) listenRemote() transport.Listener {
	ln, err := suite.lb.Listen(func(transport.Channel) {},
		transport.WithSource("AA:BB:CC:DD:EE:FF"),
		transport.WithChannel(serialChannel))
	suite.Require().NoError(err)
	return ln
}

func (suite *SerialProfileTestSuite) TestDescriptor() {
	// GOAL: Verify the registered descriptor's identity

	suite.Assert().Equal("serial-port", suite.desc.Name)
	suite.Assert().Equal(SerialUUID, suite.desc.LocalUUID)
	suite.Assert().Equal(SerialUUID, suite.desc.RemoteUUID)
	suite.Assert().False(suite.desc.AutoConnect)
	suite.Assert().NotNil(suite.desc.Connect)
	suite.Assert().NotNil(suite.desc.Disconnect)
}

func (suite *SerialProfileTestSuite) TestAdapterProbeListensOnSerialChannel() {
	// GOAL: Verify the adapter probe establishes one authorized RFCOMM
	// endpoint on the serial channel
	//
	// TEST SCENARIO: Probed server over a fake transport → one listener on
	// channel 22 → an inbound delivery files an authorization request

	tr := testutils.NewFakeTransport()
	auth := testutils.NewFakeAuthorizer()

	_, err := host.NewServer(suite.adapter, suite.desc, tr, auth, nil)
	suite.Require().NoError(err)

	suite.Require().Len(tr.Listeners, 1)
	suite.Assert().Equal(uint8(serialChannel), tr.Listeners[0].ListenOps.Channel)
	suite.Assert().Equal(transport.SecMedium, tr.Listeners[0].ListenOps.Security)

	svc := suite.probedService()
	suite.device.SetService(SerialUUID, svc)

	tr.Listeners[0].Deliver(testutils.NewFakeChannel("00:11:22:33:44:55", "AA:BB:CC:DD:EE:FF", 0, serialChannel))
	suite.Assert().Equal(1, auth.Pending(), "serial endpoint MUST require authorization")
}

func (suite *SerialProfileTestSuite) TestOutboundConnectLifecycle() {
	// GOAL: Verify the outbound leg: connect dials the remote's endpoint
	// and completes, disconnect shuts the channel down and completes
	//
	// TEST SCENARIO: Remote listening → connect lands in connected →
	// disconnect drains back to disconnected and forgets the channel

	ln := suite.listenRemote()
	defer func() { _ = ln.Close() }()

	svc := suite.probedService()

	suite.Require().NoError(svc.Connect())
	suite.Assert().Equal(host.StateConnected, svc.State())
	suite.Assert().Contains(suite.profile.outbound, svc, "outbound channel MUST be tracked")

	suite.Require().NoError(svc.Disconnect())
	suite.Assert().Equal(host.StateDisconnected, svc.State())
	suite.Assert().NotContains(suite.profile.outbound, svc, "outbound channel MUST be forgotten")
}

func (suite *SerialProfileTestSuite) TestConnectRefusedWithoutRemoteListener() {
	// GOAL: Verify a refused dial rolls the service back with the error
	// recorded

	svc := suite.probedService()

	err := svc.Connect()
	suite.Assert().Error(err)
	suite.Assert().Equal(host.StateDisconnected, svc.State())
	suite.Assert().ErrorIs(svc.Err(), err, "dial failure MUST be recorded")
	suite.Assert().Empty(suite.profile.outbound)
}

func (suite *SerialProfileTestSuite) TestDisconnectWithoutChannelIsCoerced() {
	// GOAL: Verify disconnecting a service whose channel is already gone
	// reports not-connected and is coerced to a clean disconnect

	ln := suite.listenRemote()
	defer func() { _ = ln.Close() }()

	svc := suite.probedService()
	suite.Require().NoError(svc.Connect())

	// The channel vanishes out from under the profile.
	delete(suite.profile.outbound, svc)

	suite.Assert().NoError(svc.Disconnect())
	suite.Assert().Equal(host.StateDisconnected, svc.State())
}

func (suite *SerialProfileTestSuite) TestInboundAcceptWithoutPTY() {
	// GOAL: Verify the accept callback claims an inbound connection and
	// the disconnect callback releases it without touching PTY state

	tr := testutils.NewFakeTransport()
	auth := testutils.NewFakeAuthorizer()
	_, err := host.NewServer(suite.adapter, suite.desc, tr, auth, nil)
	suite.Require().NoError(err)

	svc := suite.probedService()
	suite.device.SetService(SerialUUID, svc)

	ch := testutils.NewFakeChannel("00:11:22:33:44:55", "AA:BB:CC:DD:EE:FF", 0, serialChannel)
	tr.Listeners[0].Deliver(ch)
	suite.device.CompleteDiscovery(nil)
	auth.Resolve(nil)

	suite.Assert().True(ch.Accepted)
	suite.Require().Len(svc.Connections(), 1)
	suite.Assert().Empty(suite.profile.bridges, "no PTY bridge expected")

	ch.Fire(transport.CondHup)
	suite.Assert().Empty(svc.Connections())
}

func (suite *SerialProfileTestSuite) TestPTYBridgePumpsChannelToTerminal() {
	// GOAL: Verify the PTY bridge moves channel bytes to the terminal side
	//
	// TEST SCENARIO: Bridge over a loopback channel → remote writes a line
	// → the line is readable from the bridge's terminal end

	var serial transport.Channel
	ln, err := suite.lb.Listen(func(ch transport.Channel) { serial = ch },
		transport.WithSource("00:11:22:33:44:55"),
		transport.WithChannel(serialChannel))
	suite.Require().NoError(err)
	defer func() { _ = ln.Close() }()

	remote, err := suite.lb.Dial("AA:BB:CC:DD:EE:FF", "00:11:22:33:44:55",
		transport.WithChannel(serialChannel))
	suite.Require().NoError(err)
	suite.Require().NotNil(serial)

	bridge, err := newPTYBridge(serial, quietLogger())
	suite.Require().NoError(err)
	defer bridge.Close()

	_, err = remote.Write([]byte("ping\n"))
	suite.Require().NoError(err)

	var got atomic.Bool
	go func() {
		buf := make([]byte, 64)
		n, err := bridge.slave.Read(buf)
		if err == nil && n > 0 {
			got.Store(string(buf[:n]) == "ping\n")
		}
	}()

	suite.Assert().Eventually(got.Load, time.Second, 10*time.Millisecond,
		"terminal side MUST receive the channel bytes")
}
