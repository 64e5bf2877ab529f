package bthost

import (
	"github.com/cornelk/hashmap"

	"github.com/srg/bthost/internal/host"
)

// LocalAdapter is the daemon's bookkeeping for one controller: its known
// remote devices and the servers listening on its behalf.
type LocalAdapter struct {
	daemon  *Daemon
	addr    string
	devices *hashmap.Map[string, *RemoteDevice]
	servers []*host.Server
}

func newLocalAdapter(d *Daemon, addr string) *LocalAdapter {
	return &LocalAdapter{
		daemon:  d,
		addr:    addr,
		devices: hashmap.New[string, *RemoteDevice](),
	}
}

// Address implements host.Adapter.
func (a *LocalAdapter) Address() string { return a.addr }

// FindDevice implements host.Adapter.
func (a *LocalAdapter) FindDevice(address string) host.Device {
	dev, ok := a.devices.Get(address)
	if !ok {
		return nil
	}
	return dev
}

// Servers returns the adapter's live servers.
func (a *LocalAdapter) Servers() []*host.Server {
	return append([]*host.Server(nil), a.servers...)
}

func (a *LocalAdapter) dropServersFor(p *host.Profile) {
	kept := a.servers[:0]
	for _, srv := range a.servers {
		if srv.Profile() == p {
			srv.Destroy()
			continue
		}
		kept = append(kept, srv)
	}
	a.servers = kept
}

// RemoteDevice is the daemon's bookkeeping for one remote peer: its
// advertised UUIDs, its probed services, and the discovery wait list.
type RemoteDevice struct {
	daemon  *Daemon
	adapter *LocalAdapter
	addr    string

	uuids    []string
	services []*host.Service

	svcWaits   map[uint]host.SvcCompleteFunc
	nextWait   uint
	resolved   bool
	resolveErr error
}

func newRemoteDevice(d *Daemon, a *LocalAdapter, addr string) *RemoteDevice {
	return &RemoteDevice{
		daemon:   d,
		adapter:  a,
		addr:     addr,
		svcWaits: make(map[uint]host.SvcCompleteFunc),
	}
}

// Address implements host.Device.
func (dev *RemoteDevice) Address() string { return dev.addr }

// Adapter implements host.Device.
func (dev *RemoteDevice) Adapter() host.Adapter { return dev.adapter }

// AddUUID implements host.Device. New UUIDs make every matching registered
// profile eligible to probe; the daemon probes immediately.
func (dev *RemoteDevice) AddUUID(uuid string) {
	norm := host.NormalizeUUID(uuid)
	for _, u := range dev.uuids {
		if u == norm {
			dev.daemon.probeDevice(dev, uuid)
			return
		}
	}
	dev.uuids = append(dev.uuids, norm)
	dev.daemon.probeDevice(dev, uuid)
}

// UUIDs returns the device's known remote UUIDs (normalized).
func (dev *RemoteDevice) UUIDs() []string {
	return append([]string(nil), dev.uuids...)
}

// HasUUID reports whether the device advertised uuid.
func (dev *RemoteDevice) HasUUID(uuid string) bool {
	norm := host.NormalizeUUID(uuid)
	for _, u := range dev.uuids {
		if u == norm {
			return true
		}
	}
	return false
}

// GetService implements host.Device: the first probed service whose profile
// seeks uuid.
func (dev *RemoteDevice) GetService(uuid string) *host.Service {
	want := host.NormalizeUUID(uuid)
	for _, svc := range dev.services {
		if p := svc.Profile(); p != nil && host.NormalizeUUID(p.RemoteUUID) == want {
			return svc
		}
	}
	return nil
}

// Services returns the device's probed services.
func (dev *RemoteDevice) Services() []*host.Service {
	return append([]*host.Service(nil), dev.services...)
}

func (dev *RemoteDevice) serviceFor(p *host.Profile) *host.Service {
	for _, svc := range dev.services {
		if svc.Profile() == p {
			return svc
		}
	}
	return nil
}

func (dev *RemoteDevice) dropServicesFor(p *host.Profile) {
	kept := dev.services[:0]
	for _, svc := range dev.services {
		if svc.Profile() == p {
			svc.Shutdown()
			svc.Unref()
			continue
		}
		kept = append(kept, svc)
	}
	dev.services = kept
}

// WaitForServicesComplete implements host.Device. If discovery already
// finished the callback still fires asynchronously, from the daemon loop.
func (dev *RemoteDevice) WaitForServicesComplete(fn host.SvcCompleteFunc) uint {
	dev.nextWait++
	id := dev.nextWait
	dev.svcWaits[id] = fn

	if dev.resolved {
		dev.daemon.loop.Post(func() { dev.fireWaits() })
	}
	return id
}

// CancelServicesComplete implements host.Device.
func (dev *RemoteDevice) CancelServicesComplete(id uint) {
	delete(dev.svcWaits, id)
}

// SetResolved marks service discovery finished and fires pending waits.
func (dev *RemoteDevice) SetResolved(err error) {
	dev.resolved = true
	dev.resolveErr = err
	dev.fireWaits()
}

func (dev *RemoteDevice) fireWaits() {
	waits := dev.svcWaits
	dev.svcWaits = make(map[uint]host.SvcCompleteFunc)
	for _, fn := range waits {
		fn(dev, dev.resolveErr)
	}
}
