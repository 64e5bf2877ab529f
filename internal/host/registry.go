package host

import (
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is the process-wide table of profile descriptors, keyed by their
// unique names. Iteration follows registration order, which is the
// deterministic tie-break when several profiles match one UUID.
//
// Like the rest of the core, a Registry is confined to the daemon loop.
type Registry struct {
	logger   *logrus.Logger
	profiles *orderedmap.OrderedMap[string, *Profile]

	// onUnregister is the daemon's detach hook: it must remove the profile
	// from every live adapter and device before the descriptor is released.
	onUnregister func(p *Profile)
}

// NewRegistry creates an empty registry. A nil logger discards.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Registry{
		logger:   logger,
		profiles: orderedmap.New[string, *Profile](),
	}
}

// SetUnregisterHook installs the detach fan-out run by Unregister before a
// profile is removed.
func (r *Registry) SetUnregisterHook(fn func(p *Profile)) {
	r.onUnregister = fn
}

// Register inserts a profile. Names must be unique and non-empty.
func (r *Registry) Register(p *Profile) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("registry: profile needs a name")
	}
	if _, dup := r.profiles.Get(p.Name); dup {
		return fmt.Errorf("registry: profile %q already registered", p.Name)
	}

	r.profiles.Set(p.Name, p)
	r.logger.WithFields(logrus.Fields{
		"profile": p.Name,
		"remote":  p.RemoteUUID,
	}).Debug("profile registered")
	return nil
}

// Unregister removes a profile by name, first running the detach hook so
// every adapter and device carrying the profile drops it.
func (r *Registry) Unregister(name string) error {
	p, ok := r.profiles.Get(name)
	if !ok {
		return fmt.Errorf("registry: profile %q not registered", name)
	}

	if r.onUnregister != nil {
		r.onUnregister(p)
	}

	r.profiles.Delete(name)
	r.logger.WithField("profile", name).Debug("profile unregistered")
	return nil
}

// Lookup resolves a profile by name, nil if absent.
func (r *Registry) Lookup(name string) *Profile {
	p, _ := r.profiles.Get(name)
	return p
}

// Match returns every profile whose RemoteUUID equals uuid, in registration
// order. UUID notation is normalized on both sides.
func (r *Registry) Match(uuid string) []*Profile {
	want := NormalizeUUID(uuid)
	var out []*Profile
	for pair := r.profiles.Oldest(); pair != nil; pair = pair.Next() {
		if NormalizeUUID(pair.Value.RemoteUUID) == want {
			out = append(out, pair.Value)
		}
	}
	return out
}

// ForEach iterates profiles in registration order until fn returns false.
func (r *Registry) ForEach(fn func(p *Profile) bool) {
	for pair := r.profiles.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Value) {
			return
		}
	}
}

// Len reports the number of registered profiles.
func (r *Registry) Len() int {
	return r.profiles.Len()
}
