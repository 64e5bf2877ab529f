// Package testutils provides fake adapter/device/authorization
// collaborators and assertion helpers for exercising the host core without
// a controller.
package testutils

import (
	"github.com/srg/bthost/internal/host"
)

// FakeAdapter implements host.Adapter over an in-memory device table.
type FakeAdapter struct {
	Addr    string
	Devices map[string]*FakeDevice
}

func NewFakeAdapter(addr string) *FakeAdapter {
	return &FakeAdapter{
		Addr:    addr,
		Devices: make(map[string]*FakeDevice),
	}
}

func (a *FakeAdapter) Address() string { return a.Addr }

func (a *FakeAdapter) FindDevice(address string) host.Device {
	d, ok := a.Devices[address]
	if !ok {
		return nil
	}
	return d
}

// AddDevice registers a device with the adapter and binds its back
// reference.
func (a *FakeAdapter) AddDevice(d *FakeDevice) *FakeDevice {
	d.adapter = a
	a.Devices[d.Addr] = d
	return d
}

// FakeDevice implements host.Device. Service discovery is completed
// manually through CompleteDiscovery.
type FakeDevice struct {
	Addr    string
	adapter *FakeAdapter
	UUIDs   []string

	services map[string]*host.Service

	svcWaits map[uint]host.SvcCompleteFunc
	nextWait uint

	// OnAddUUID mimics the daemon's probe machinery reacting to a UUID
	// annotation.
	OnAddUUID func(uuid string)
}

func NewFakeDevice(addr string) *FakeDevice {
	return &FakeDevice{
		Addr:     addr,
		services: make(map[string]*host.Service),
		svcWaits: make(map[uint]host.SvcCompleteFunc),
	}
}

func (d *FakeDevice) Address() string       { return d.Addr }
func (d *FakeDevice) Adapter() host.Adapter { return d.adapter }

func (d *FakeDevice) AddUUID(uuid string) {
	norm := host.NormalizeUUID(uuid)
	for _, u := range d.UUIDs {
		if u == norm {
			return
		}
	}
	d.UUIDs = append(d.UUIDs, norm)
	if d.OnAddUUID != nil {
		d.OnAddUUID(uuid)
	}
}

func (d *FakeDevice) GetService(uuid string) *host.Service {
	return d.services[host.NormalizeUUID(uuid)]
}

// SetService binds a service to a remote UUID on the device.
func (d *FakeDevice) SetService(uuid string, svc *host.Service) {
	d.services[host.NormalizeUUID(uuid)] = svc
}

// RemoveService drops the binding for a remote UUID.
func (d *FakeDevice) RemoveService(uuid string) {
	delete(d.services, host.NormalizeUUID(uuid))
}

func (d *FakeDevice) WaitForServicesComplete(fn host.SvcCompleteFunc) uint {
	d.nextWait++
	d.svcWaits[d.nextWait] = fn
	return d.nextWait
}

func (d *FakeDevice) CancelServicesComplete(id uint) {
	delete(d.svcWaits, id)
}

// PendingWaits reports how many discovery waits are still registered.
func (d *FakeDevice) PendingWaits() int { return len(d.svcWaits) }

// CompleteDiscovery fires every pending discovery wait once and clears the
// wait table.
func (d *FakeDevice) CompleteDiscovery(err error) {
	waits := d.svcWaits
	d.svcWaits = make(map[uint]host.SvcCompleteFunc)
	for _, fn := range waits {
		fn(d, err)
	}
}

type authRequest struct {
	src, dst, uuid string
	fn             host.AuthFunc
}

// FakeAuthorizer implements host.Authorizer with manual grant/deny.
type FakeAuthorizer struct {
	requests map[uint]authRequest
	nextID   uint

	// Refuse makes RequestAuthorization return 0 (filing failure).
	Refuse bool

	// Cancelled records every id passed to CancelAuthorization.
	Cancelled []uint
}

func NewFakeAuthorizer() *FakeAuthorizer {
	return &FakeAuthorizer{requests: make(map[uint]authRequest)}
}

func (a *FakeAuthorizer) RequestAuthorization(src, dst, uuid string, fn host.AuthFunc) uint {
	if a.Refuse {
		return 0
	}
	a.nextID++
	a.requests[a.nextID] = authRequest{src: src, dst: dst, uuid: uuid, fn: fn}
	return a.nextID
}

func (a *FakeAuthorizer) CancelAuthorization(id uint) {
	a.Cancelled = append(a.Cancelled, id)
	delete(a.requests, id)
}

// Pending reports the number of outstanding requests.
func (a *FakeAuthorizer) Pending() int { return len(a.requests) }

// Resolve completes every outstanding request with err (nil grants).
func (a *FakeAuthorizer) Resolve(err error) {
	requests := a.requests
	a.requests = make(map[uint]authRequest)
	for _, req := range requests {
		req.fn(err)
	}
}
