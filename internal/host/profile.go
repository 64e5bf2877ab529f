package host

import "strings"

// Profile describes one Bluetooth service type and the callbacks that
// implement its per-device and per-adapter behavior. A Profile is immutable
// once registered; the registry holds a reference, not a copy, so the value
// must stay alive for the whole registration window.
//
// All callbacks are optional. A nil DeviceProbe lets probing succeed
// without profile involvement; a nil Connect/Disconnect makes the matching
// service operation report unsupported.
type Profile struct {
	Name string

	// LocalUUID identifies the service this profile provides locally;
	// RemoteUUID is the service it seeks on remote devices.
	LocalUUID  string
	RemoteUUID string

	// AutoConnect asks the daemon to initiate a connection right after a
	// successful probe.
	AutoConnect bool

	DeviceProbe  func(svc *Service) error
	DeviceRemove func(svc *Service)

	AdapterProbe  func(srv *Server) error
	AdapterRemove func(srv *Server)

	Connect    func(svc *Service) error
	Disconnect func(svc *Service) error
}

// NormalizeUUID converts a UUID to the registry's canonical form
// (lowercase, no dashes) so lookups accept either notation.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
