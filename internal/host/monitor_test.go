package host_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/testutils"
)

type MonitorTestSuite struct {
	suite.Suite

	bcast  *host.Broadcaster
	device *testutils.FakeDevice
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func (suite *MonitorTestSuite) SetupTest() {
	suite.bcast = host.NewBroadcaster()
	adapter := testutils.NewFakeAdapter("00:11:22:33:44:55")
	suite.device = adapter.AddDevice(testutils.NewFakeDevice("AA:BB:CC:DD:EE:FF"))
}

func (suite *MonitorTestSuite) TestStreamsTransitions() {
	// GOAL: Verify the monitor flattens transitions into consumable events
	//
	// TEST SCENARIO: Probe a service → event carries device, profile and
	// the transition endpoints

	monitor := host.NewMonitor(suite.bcast, 8)
	defer monitor.Close()

	svc := host.NewService(suite.device, &host.Profile{Name: "serial-port"}, suite.bcast, nil)
	suite.Require().NoError(svc.Probe())

	select {
	case ev := <-monitor.Events():
		suite.Assert().Equal("AA:BB:CC:DD:EE:FF", ev.Device)
		suite.Assert().Equal("serial-port", ev.Profile)
		suite.Assert().Equal(host.StateUnavailable, ev.Old)
		suite.Assert().Equal(host.StateDisconnected, ev.New)
		suite.Assert().NoError(ev.Err)
	default:
		suite.FailNow("expected a buffered state event")
	}
}

func (suite *MonitorTestSuite) TestOverwritesOldest() {
	// GOAL: Verify a lagging reader loses the oldest events, not the
	// newest, and never blocks the transition site

	monitor := host.NewMonitor(suite.bcast, 1)
	defer monitor.Close()

	svc := host.NewService(suite.device, &host.Profile{
		Name:    "serial-port",
		Connect: func(*host.Service) error { return nil },
	}, suite.bcast, nil)
	suite.Require().NoError(svc.Probe())
	suite.Require().NoError(svc.Connect())

	ev := <-monitor.Events()
	suite.Assert().Equal(host.StateConnecting, ev.New, "oldest event MUST have been dropped")
}

func (suite *MonitorTestSuite) TestCloseDetaches() {
	// GOAL: Verify a closed monitor no longer observes transitions

	monitor := host.NewMonitor(suite.bcast, 8)
	monitor.Close()

	svc := host.NewService(suite.device, &host.Profile{Name: "serial-port"}, suite.bcast, nil)
	suite.Require().NoError(svc.Probe()) // would panic on a closed stream if still attached
}
