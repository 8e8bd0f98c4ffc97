package ibdev

import "github.com/rdmakit/ibcore/internal/sysinfo"

// Capability is one device capability tag.
type Capability uint

const (
	// CapMellanox marks a Mellanox device.
	CapMellanox Capability = iota
	// CapMLX4PRM and CapMLX5PRM are the provider protocol versions the
	// device speaks.
	CapMLX4PRM
	CapMLX5PRM
	// CapDCv1 and CapDCv2 advertise dynamically-connected transport.
	CapDCv1
	CapDCv2
	// CapLinkIB is a caller-side requirement: the port must be an
	// InfiniBand link layer.
	CapLinkIB
	// CapDC is a caller-side requirement: the device must support
	// dynamically-connected transport of either version.
	CapDC
)

// CapSet is a set of capability tags.
type CapSet uint64

// Caps builds a set from its members.
func Caps(caps ...Capability) CapSet {
	var s CapSet
	for _, c := range caps {
		s |= 1 << c
	}
	return s
}

// Has reports whether c is in the set.
func (s CapSet) Has(c Capability) bool {
	return s&(1<<c) != 0
}

// HasAll reports whether every member of other is in the set.
func (s CapSet) HasAll(other CapSet) bool {
	return s&other == other
}

// Intersect returns the members present in both sets.
func (s CapSet) Intersect(other CapSet) CapSet {
	return s & other
}

// DeviceSpec is a static descriptor of a known adapter model. Priority
// ranks models when several devices are available; higher wins.
type DeviceSpec struct {
	Name     string
	PCIID    sysinfo.PCIID
	Caps     CapSet
	Priority int
}

// builtinSpecs lists known adapters. Matched by exact (vendor, device)
// pair; the final zero entry is the fallback for unknown hardware.
var builtinSpecs = []DeviceSpec{
	{"ConnectX-3", sysinfo.PCIID{Vendor: 0x15b3, Device: 4099}, Caps(CapMellanox, CapMLX4PRM), 10},
	{"ConnectX-3 Pro", sysinfo.PCIID{Vendor: 0x15b3, Device: 4103}, Caps(CapMellanox, CapMLX4PRM), 11},
	{"Connect-IB", sysinfo.PCIID{Vendor: 0x15b3, Device: 4113}, Caps(CapMellanox, CapMLX5PRM, CapDCv1), 20},
	{"ConnectX-4", sysinfo.PCIID{Vendor: 0x15b3, Device: 4115}, Caps(CapMellanox, CapMLX5PRM, CapDCv1), 30},
	{"ConnectX-4", sysinfo.PCIID{Vendor: 0x15b3, Device: 4116}, Caps(CapMellanox, CapMLX5PRM, CapDCv1), 29},
	{"ConnectX-4 LX", sysinfo.PCIID{Vendor: 0x15b3, Device: 4117}, Caps(CapMellanox, CapMLX5PRM, CapDCv1), 28},
	{"ConnectX-4 LX VF", sysinfo.PCIID{Vendor: 0x15b3, Device: 4118}, Caps(CapMellanox, CapMLX5PRM, CapDCv1), 28},
	{"ConnectX-5", sysinfo.PCIID{Vendor: 0x15b3, Device: 4119}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 38},
	{"ConnectX-5", sysinfo.PCIID{Vendor: 0x15b3, Device: 4121}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 40},
	{"ConnectX-5", sysinfo.PCIID{Vendor: 0x15b3, Device: 4120}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 39},
	{"ConnectX-5", sysinfo.PCIID{Vendor: 0x15b3, Device: 41682}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 37},
	{"ConnectX-5", sysinfo.PCIID{Vendor: 0x15b3, Device: 4122}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 36},
	{"ConnectX-6", sysinfo.PCIID{Vendor: 0x15b3, Device: 4123}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 50},
	{"ConnectX-6 VF", sysinfo.PCIID{Vendor: 0x15b3, Device: 4124}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 50},
	{"ConnectX-6 DX", sysinfo.PCIID{Vendor: 0x15b3, Device: 4125}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 60},
	{"ConnectX-6 DX VF", sysinfo.PCIID{Vendor: 0x15b3, Device: 4126}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 60},
	{"ConnectX-6 LX", sysinfo.PCIID{Vendor: 0x15b3, Device: 4127}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 45},
	{"ConnectX-7", sysinfo.PCIID{Vendor: 0x15b3, Device: 4129}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 70},
	{"BlueField", sysinfo.PCIID{Vendor: 0x15b3, Device: 0xa2d2}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 41},
	{"BlueField VF", sysinfo.PCIID{Vendor: 0x15b3, Device: 0xa2d3}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 41},
	{"BlueField 2", sysinfo.PCIID{Vendor: 0x15b3, Device: 0xa2d6}, Caps(CapMellanox, CapMLX5PRM, CapDCv2), 61},
	{"Generic HCA", sysinfo.PCIID{}, 0, 0},
}

// LookupSpec resolves the static descriptor of a PCI id:
// caller-supplied custom specs first, then the built-in table, falling
// back to the generic zero-capability entry when nothing matches.
func LookupSpec(id sysinfo.PCIID, custom []DeviceSpec) DeviceSpec {
	for _, spec := range custom {
		if spec.PCIID == id {
			return spec
		}
	}
	for _, spec := range builtinSpecs[:len(builtinSpecs)-1] {
		if spec.PCIID == id {
			return spec
		}
	}
	return builtinSpecs[len(builtinSpecs)-1]
}

// Spec resolves the device's static descriptor.
func (d *Device) Spec() DeviceSpec {
	return LookupSpec(d.PCIID, d.customSpecs)
}

// hasDC reports whether the spec advertises dynamically-connected
// transport of either version.
func (s DeviceSpec) hasDC() bool {
	return s.Caps.Has(CapDCv1) || s.Caps.Has(CapDCv2)
}
