package host

// The core consumes the adapter/device and authorization layers through the
// interfaces below. The surrounding daemon guarantees the usual lifetime
// contract: a Device outlives every Service on it, an Adapter outlives
// every Server on it, and removal happens on the daemon loop only after the
// dependent Services and Servers have been shut down.

// Adapter is a local controller instance.
type Adapter interface {
	// Address returns the adapter's own address.
	Address() string
	// FindDevice resolves a known remote device by address, nil if unknown.
	FindDevice(address string) Device
}

// SvcCompleteFunc is invoked when remote service discovery finishes for a
// device. A non-nil err means discovery failed.
type SvcCompleteFunc func(dev Device, err error)

// Device is a remote peer known to an Adapter.
type Device interface {
	Address() string
	Adapter() Adapter

	// AddUUID annotates the device with a remote UUID, making matching
	// profiles eligible to probe it.
	AddUUID(uuid string)

	// GetService resolves the device's Service for a remote UUID, nil if
	// no matching profile has been probed.
	GetService(uuid string) *Service

	// WaitForServicesComplete registers a one-shot callback fired when
	// service discovery for the device completes. The returned id is
	// non-zero and usable with CancelServicesComplete; a callback that has
	// already fired needs no cancellation.
	WaitForServicesComplete(fn SvcCompleteFunc) uint
	CancelServicesComplete(id uint)
}

// AuthFunc reports the outcome of an authorization request. A non-nil err
// means the request was rejected.
type AuthFunc func(err error)

// Authorizer is the out-of-band decision gate for inbound connections.
type Authorizer interface {
	// RequestAuthorization asks whether a connection from dst to src for
	// uuid may proceed. Returns a non-zero request id, or zero if the
	// request could not be filed.
	RequestAuthorization(src, dst, uuid string, fn AuthFunc) uint
	CancelAuthorization(id uint)
}
