// Package topo maintains a process-wide registry of system devices,
// keyed by their PCI bus-device-function name. Device layers resolve a
// BDF to a small opaque id once and advertise that id alongside their
// ports, so higher layers can reason about locality without re-parsing
// sysfs paths.
package topo

import (
	"sync"
)

// SysDevice is an opaque system-device id.
type SysDevice int

// Unknown is the sentinel for a device whose topology could not be
// resolved.
const Unknown SysDevice = -1

// Registry assigns dense SysDevice ids to BDF names.
type Registry struct {
	mu    sync.Mutex
	byBDF map[string]SysDevice
	names []string
	bdfs  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byBDF: make(map[string]SysDevice)}
}

// FindByBDF resolves a bus-device-function name (e.g. "0000:3b:00.0")
// to its system-device id, registering it on first use.
func (r *Registry) FindByBDF(bdf string) SysDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.byBDF[bdf]; ok {
		return dev
	}
	dev := SysDevice(len(r.bdfs))
	r.byBDF[bdf] = dev
	r.bdfs = append(r.bdfs, bdf)
	r.names = append(r.names, "")
	return dev
}

// SetName attaches a human-readable name to a registered device.
// Unknown and out-of-range ids are ignored.
func (r *Registry) SetName(dev SysDevice, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev <= Unknown || int(dev) >= len(r.names) {
		return
	}
	r.names[int(dev)] = name
}

// Name returns the name attached to dev, falling back to its BDF, then
// to "<unknown>".
func (r *Registry) Name(dev SysDevice) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev <= Unknown || int(dev) >= len(r.names) {
		return "<unknown>"
	}
	if r.names[int(dev)] != "" {
		return r.names[int(dev)]
	}
	return r.bdfs[int(dev)]
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
