package main

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/transport"
)

// HIDUUID is the Human Interface Device profile UUID.
const HIDUUID = "00001124-0000-1000-8000-00805f9b34fb"

const (
	psmHIDControl   = 17
	psmHIDInterrupt = 19

	// hidVirtualCableUnplug is sent on the control channel when a
	// connection from an unknown input device is refused.
	hidVirtualCableUnplug = 0x15
)

// hidProfile is the demo input profile: control and interrupt endpoints per
// adapter, accepting channels only from devices it has probed.
type hidProfile struct {
	logger  *logrus.Logger
	devices map[string]bool // probed input devices by address
}

func newHIDProfile(logger *logrus.Logger) *hidProfile {
	return &hidProfile{
		logger:  logger,
		devices: make(map[string]bool),
	}
}

func (p *hidProfile) descriptor() *host.Profile {
	return &host.Profile{
		Name:       "input-hid",
		LocalUUID:  HIDUUID,
		RemoteUUID: HIDUUID,

		DeviceProbe:  p.deviceProbe,
		DeviceRemove: p.deviceRemove,

		AdapterProbe: p.adapterProbe,
	}
}

func (p *hidProfile) deviceProbe(svc *host.Service) error {
	p.devices[svc.Device().Address()] = true
	return nil
}

func (p *hidProfile) deviceRemove(svc *host.Service) {
	delete(p.devices, svc.Device().Address())
}

func (p *hidProfile) adapterProbe(srv *host.Server) error {
	if _, err := srv.Listen(false, p.accept, p.disconn,
		transport.WithPSM(psmHIDControl),
		transport.WithSecurity(transport.SecLow)); err != nil {
		p.logger.WithError(err).Error("failed to listen on control channel")
		return err
	}

	if _, err := srv.Listen(true, p.accept, p.disconn,
		transport.WithPSM(psmHIDInterrupt),
		transport.WithSecurity(transport.SecLow)); err != nil {
		p.logger.WithError(err).Error("failed to listen on interrupt channel")
		return err
	}

	return nil
}

func (p *hidProfile) accept(conn *host.Connection) error {
	if !p.devices[conn.Dst()] {
		p.logger.WithField("device", conn.Dst()).Error("refusing input device connect")

		// Send unplug virtual cable to unknown devices
		if conn.PSM() == psmHIDControl {
			if _, err := conn.IO().Write([]byte{hidVirtualCableUnplug}); err != nil {
				p.logger.WithError(err).Error("unable to send virtual cable unplug")
			}
		}
		return errors.New("unknown input device")
	}

	p.logger.WithFields(logrus.Fields{
		"device": conn.Dst(),
		"psm":    conn.PSM(),
	}).Info("input channel up")
	return nil
}

func (p *hidProfile) disconn(conn *host.Connection) {
	p.logger.WithFields(logrus.Fields{
		"device": conn.Dst(),
		"psm":    conn.PSM(),
	}).Info("input channel down")
}
