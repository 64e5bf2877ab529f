package main

import (
	"context"
	"io"
	"os"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/loop"
	"github.com/srg/bthost/internal/transport"
)

// SerialUUID is the Serial Port Profile UUID.
const SerialUUID = "00001101-0000-1000-8000-00805f9b34fb"

// serialChannel is the fixed RFCOMM channel the serial server listens on.
const serialChannel = 22

// serialProfile is the demo Serial Port profile: one authorized RFCOMM
// endpoint per adapter, outbound connects dialed over the same transport,
// and an optional PTY face for accepted channels.
type serialProfile struct {
	tr     *transport.Loopback
	logger *logrus.Logger
	usePTY bool

	outbound map[*host.Service]transport.Channel
	bridges  map[*host.Connection]*ptyBridge
}

func newSerialProfile(tr *transport.Loopback, logger *logrus.Logger, usePTY bool) *serialProfile {
	return &serialProfile{
		tr:       tr,
		logger:   logger,
		usePTY:   usePTY,
		outbound: make(map[*host.Service]transport.Channel),
		bridges:  make(map[*host.Connection]*ptyBridge),
	}
}

// descriptor builds the profile descriptor registered with the daemon.
func (p *serialProfile) descriptor() *host.Profile {
	return &host.Profile{
		Name:       "serial-port",
		LocalUUID:  SerialUUID,
		RemoteUUID: SerialUUID,

		AdapterProbe:  p.adapterProbe,
		AdapterRemove: p.adapterRemove,
		Connect:       p.connect,
		Disconnect:    p.disconnect,
	}
}

func (p *serialProfile) adapterProbe(srv *host.Server) error {
	_, err := srv.Listen(true, p.accept, p.disconn,
		transport.WithChannel(serialChannel),
		transport.WithSecurity(transport.SecMedium))
	if err != nil {
		p.logger.WithError(err).Error("failed to listen on serial channel")
		return err
	}
	return nil
}

func (p *serialProfile) adapterRemove(srv *host.Server) {
	p.logger.WithField("adapter", srv.Adapter().Address()).Debug("serial server removed")
}

func (p *serialProfile) accept(conn *host.Connection) error {
	p.logger.WithFields(logrus.Fields{
		"device":  conn.Dst(),
		"channel": conn.Channel(),
	}).Info("serial connection up")

	if !p.usePTY {
		return nil
	}

	bridge, err := newPTYBridge(conn.IO(), p.logger)
	if err != nil {
		p.logger.WithError(err).Error("pty bridge failed")
		return err
	}
	p.bridges[conn] = bridge
	return nil
}

func (p *serialProfile) disconn(conn *host.Connection) {
	p.logger.WithField("device", conn.Dst()).Info("serial connection down")

	if bridge := p.bridges[conn]; bridge != nil {
		bridge.Close()
		delete(p.bridges, conn)
	}
}

// connect dials the remote's serial endpoint and completes immediately:
// the loopback transport connects synchronously.
func (p *serialProfile) connect(svc *host.Service) error {
	ch, err := p.tr.Dial(svc.Device().Adapter().Address(), svc.Device().Address(),
		transport.WithChannel(serialChannel))
	if err != nil {
		return err
	}

	p.outbound[svc] = ch
	svc.ConnectingComplete(nil)
	return nil
}

func (p *serialProfile) disconnect(svc *host.Service) error {
	ch, ok := p.outbound[svc]
	if !ok {
		return host.ErrNotConnected
	}
	delete(p.outbound, svc)
	_ = ch.Shutdown(true)
	svc.DisconnectingComplete(nil)
	return nil
}

// ptyBridge pumps bytes between an accepted channel and a PTY pair so any
// terminal tool can talk to the remote end.
type ptyBridge struct {
	master *os.File
	slave  *os.File
	logger *logrus.Logger
}

func newPTYBridge(ch transport.Channel, logger *logrus.Logger) (*ptyBridge, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}

	b := &ptyBridge{master: master, slave: slave, logger: logger}
	logger.WithField("tty", slave.Name()).Info("serial channel exposed as PTY")

	loop.Go(nil, "pty-read", func(context.Context) { b.pump(master, ch) })
	loop.Go(nil, "pty-write", func(context.Context) { b.pump(ch, master) })
	return b, nil
}

func (b *ptyBridge) pump(dst io.Writer, src io.Reader) {
	if _, err := io.Copy(dst, src); err != nil {
		b.logger.WithError(err).Debug("pty pump stopped")
	}
}

func (b *ptyBridge) Close() {
	_ = b.master.Close()
	_ = b.slave.Close()
}
