// Package bthost is the daemon facade over the host core: it owns the
// adapter and device tables, fans profile registration out to servers and
// services, and applies the auto-connect policy.
//
// Unless noted otherwise, methods are confined to the daemon loop; external
// goroutines go through Sync or Post.
package bthost

import (
	"context"
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bthost/internal/host"
	"github.com/srg/bthost/internal/loop"
	"github.com/srg/bthost/internal/transport"
	"github.com/srg/bthost/pkg/config"
)

// Daemon wires the profile registry, adapters, devices and the transport
// together on a single run loop.
type Daemon struct {
	cfg    *config.Config
	logger *logrus.Logger
	loop   *loop.Loop

	registry *host.Registry
	bcast    *host.Broadcaster
	monitor  *host.Monitor

	tr   transport.Transport
	auth host.Authorizer

	adapters *hashmap.Map[string, *LocalAdapter]
}

// New creates a daemon. A nil authorizer gets a grant-all agent bound to
// the daemon loop.
func New(cfg *config.Config, logger *logrus.Logger, tr transport.Transport, auth host.Authorizer) *Daemon {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		loop:     loop.New(cfg.LoopDepth, logger),
		registry: host.NewRegistry(logger),
		bcast:    host.NewBroadcaster(),
		tr:       tr,
		adapters: hashmap.New[string, *LocalAdapter](),
	}
	d.monitor = host.NewMonitor(d.bcast, cfg.EventBuffer)
	d.registry.SetUnregisterHook(d.detachProfile)

	if auth == nil {
		auth = NewAgentAuthorizer(d.loop, nil, cfg.AuthTimeout.Std())
	}
	d.auth = auth

	return d
}

// SetAuthDecider replaces the daemon's authorizer with an agent consulting
// decide. Must be called before any adapter or profile is added; servers
// capture the authorizer at creation.
func (d *Daemon) SetAuthDecider(decide DecideFunc) {
	d.auth = NewAgentAuthorizer(d.loop, decide, d.cfg.AuthTimeout.Std())
}

// Run executes the daemon loop until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.loop.Run(ctx)
}

// Post enqueues fn on the daemon loop.
func (d *Daemon) Post(fn func()) { d.loop.Post(fn) }

// Sync runs fn on the daemon loop and waits. Must not be called from the
// loop itself.
func (d *Daemon) Sync(fn func()) { d.loop.Sync(fn) }

// Loop exposes the daemon loop for transports that dispatch through it.
func (d *Daemon) Loop() *loop.Loop { return d.loop }

// Registry returns the profile registry.
func (d *Daemon) Registry() *host.Registry { return d.registry }

// Broadcaster returns the state observer list.
func (d *Daemon) Broadcaster() *host.Broadcaster { return d.bcast }

// Events returns the state-event monitor stream. Safe off-loop.
func (d *Daemon) Events() <-chan host.StateEvent { return d.monitor.Events() }

// RegisterProfile adds a profile and extends it over every live adapter
// and every device already advertising its remote UUID.
func (d *Daemon) RegisterProfile(p *host.Profile) error {
	if err := d.registry.Register(p); err != nil {
		return err
	}

	d.adapters.Range(func(_ string, a *LocalAdapter) bool {
		d.serveProfile(a, p)
		return true
	})

	d.adapters.Range(func(_ string, a *LocalAdapter) bool {
		a.devices.Range(func(_ string, dev *RemoteDevice) bool {
			if dev.HasUUID(p.RemoteUUID) {
				d.probeDevice(dev, p.RemoteUUID)
			}
			return true
		})
		return true
	})

	return nil
}

// UnregisterProfile removes a profile; the registry hook tears down its
// servers and services first.
func (d *Daemon) UnregisterProfile(name string) error {
	return d.registry.Unregister(name)
}

func (d *Daemon) detachProfile(p *host.Profile) {
	d.adapters.Range(func(_ string, a *LocalAdapter) bool {
		a.devices.Range(func(_ string, dev *RemoteDevice) bool {
			dev.dropServicesFor(p)
			return true
		})
		a.dropServersFor(p)
		return true
	})
}

func (d *Daemon) serveProfile(a *LocalAdapter, p *host.Profile) {
	srv, err := host.NewServer(a, p, d.tr, d.auth, d.logger)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"profile": p.Name,
			"adapter": a.addr,
		}).WithError(err).Warn("server not started")
		return
	}
	a.servers = append(a.servers, srv)
}

// AddAdapter registers a controller and starts a server on it for every
// registered profile.
func (d *Daemon) AddAdapter(addr string) (*LocalAdapter, error) {
	if _, dup := d.adapters.Get(addr); dup {
		return nil, fmt.Errorf("bthost: adapter %s already present", addr)
	}

	a := newLocalAdapter(d, addr)
	d.adapters.Set(addr, a)
	d.logger.WithField("adapter", addr).Info("adapter added")

	d.registry.ForEach(func(p *host.Profile) bool {
		d.serveProfile(a, p)
		return true
	})
	return a, nil
}

// RemoveAdapter tears down every device and server of a controller.
func (d *Daemon) RemoveAdapter(addr string) error {
	a, ok := d.adapters.Get(addr)
	if !ok {
		return fmt.Errorf("bthost: adapter %s not present", addr)
	}

	a.devices.Range(func(devAddr string, _ *RemoteDevice) bool {
		_ = d.RemoveDevice(addr, devAddr)
		return true
	})

	for _, srv := range a.servers {
		srv.Destroy()
	}
	a.servers = nil

	d.adapters.Del(addr)
	d.logger.WithField("adapter", addr).Info("adapter removed")
	return nil
}

// Adapter resolves a registered adapter, nil if unknown. Safe off-loop.
func (d *Daemon) Adapter(addr string) *LocalAdapter {
	a, _ := d.adapters.Get(addr)
	return a
}

// AddDevice registers a remote peer on an adapter.
func (d *Daemon) AddDevice(adapterAddr, deviceAddr string) (*RemoteDevice, error) {
	a, ok := d.adapters.Get(adapterAddr)
	if !ok {
		return nil, fmt.Errorf("bthost: adapter %s not present", adapterAddr)
	}
	if _, dup := a.devices.Get(deviceAddr); dup {
		return nil, fmt.Errorf("bthost: device %s already present", deviceAddr)
	}

	dev := newRemoteDevice(d, a, deviceAddr)
	a.devices.Set(deviceAddr, dev)
	d.logger.WithFields(logrus.Fields{
		"adapter": adapterAddr,
		"device":  deviceAddr,
	}).Info("device added")
	return dev, nil
}

// RemoveDevice shuts down the peer's services and forgets it.
func (d *Daemon) RemoveDevice(adapterAddr, deviceAddr string) error {
	a, ok := d.adapters.Get(adapterAddr)
	if !ok {
		return fmt.Errorf("bthost: adapter %s not present", adapterAddr)
	}
	dev, ok := a.devices.Get(deviceAddr)
	if !ok {
		return fmt.Errorf("bthost: device %s not present", deviceAddr)
	}

	for _, svc := range dev.services {
		svc.Shutdown()
		svc.Unref()
	}
	dev.services = nil

	a.devices.Del(deviceAddr)
	d.logger.WithFields(logrus.Fields{
		"adapter": adapterAddr,
		"device":  deviceAddr,
	}).Info("device removed")
	return nil
}

// probeDevice creates and probes a service for every registered profile
// matching uuid that does not serve the device yet, in registration order.
// AutoConnect profiles get a connect kicked right after the probe.
func (d *Daemon) probeDevice(dev *RemoteDevice, uuid string) {
	for _, p := range d.registry.Match(uuid) {
		if dev.serviceFor(p) != nil {
			continue
		}

		svc := host.NewService(dev, p, d.bcast, d.logger)
		if err := svc.Probe(); err != nil {
			svc.Unref()
			continue
		}
		dev.services = append(dev.services, svc)

		if p.AutoConnect {
			if err := svc.Connect(); err != nil {
				d.logger.WithFields(logrus.Fields{
					"profile": p.Name,
					"device":  dev.addr,
				}).WithError(err).Warn("auto-connect failed")
			}
		}
	}
}

// ServiceStatus is a control-surface snapshot of one service.
type ServiceStatus struct {
	Adapter string
	Device  string
	Profile string
	State   host.State
	Err     error
}

// Snapshot collects the status of every service. Safe off-loop: it runs on
// the daemon loop and waits.
func (d *Daemon) Snapshot() []ServiceStatus {
	var out []ServiceStatus
	d.loop.Sync(func() {
		d.adapters.Range(func(_ string, a *LocalAdapter) bool {
			a.devices.Range(func(_ string, dev *RemoteDevice) bool {
				for _, svc := range dev.services {
					st := ServiceStatus{
						Adapter: a.addr,
						Device:  dev.addr,
						State:   svc.State(),
						Err:     svc.Err(),
					}
					if p := svc.Profile(); p != nil {
						st.Profile = p.Name
					}
					out = append(out, st)
				}
				return true
			})
			return true
		})
	})
	return out
}
