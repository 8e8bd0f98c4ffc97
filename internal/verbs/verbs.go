// Package verbs defines the contract between the device layer and the
// underlying RDMA verbs provider. The provider itself (libibverbs, a
// vendor driver, or a test fake) lives behind the Provider interface;
// this package only carries the types that cross that boundary.
package verbs

import (
	"fmt"
	"net"
)

// GID is a 128-bit global identifier used for RDMA routing.
type GID [16]byte

// IsZero reports whether the GID is entirely unset. The subnet manager
// leaves unprogrammed GID table entries all-zero.
func (g GID) IsZero() bool {
	return g == GID{}
}

// SubnetPrefix returns the upper 64 bits of the GID in network order.
func (g GID) SubnetPrefix() uint64 {
	var p uint64
	for i := 0; i < 8; i++ {
		p = p<<8 | uint64(g[i])
	}
	return p
}

// InterfaceID returns the lower 64 bits of the GID in network order.
func (g GID) InterfaceID() uint64 {
	var p uint64
	for i := 8; i < 16; i++ {
		p = p<<8 | uint64(g[i])
	}
	return p
}

// IsIPv4Mapped reports whether the GID encodes an IPv4 address
// (::ffff:A.B.C.D) or an IPv4-encoded multicast address.
func (g GID) IsIPv4Mapped() bool {
	ip := net.IP(g[:])
	if ip.To4() != nil {
		return true
	}
	// IPv4 multicast encoded as ff0e::/96 with the low 32 bits set
	return g[0] == 0xff && g[1] == 0x0e &&
		g[2]|g[3]|g[4]|g[5]|g[6]|g[7]|g[8]|g[9]|g[10]|g[11] == 0
}

// String renders the GID in IPv6 presentation form, preserving the
// ::ffff: prefix for IPv4-mapped entries.
func (g GID) String() string {
	if ip := net.IP(g[:]); ip.To4() != nil && g[10] == 0xff && g[11] == 0xff {
		return fmt.Sprintf("::ffff:%d.%d.%d.%d", g[12], g[13], g[14], g[15])
	}
	return net.IP(g[:]).String()
}

// NodeType classifies the adapter as reported by the provider.
type NodeType int

const (
	NodeTypeCA NodeType = iota
	NodeTypeSwitch
	NodeTypeRouter
	NodeTypeRNIC
	NodeTypeUnspecified
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeCA:
		return "channel adapter"
	case NodeTypeSwitch:
		return "switch"
	case NodeTypeRouter:
		return "router"
	case NodeTypeRNIC:
		return "rnic"
	default:
		return "unspecified"
	}
}

// TransportType is the provider-level transport of the whole adapter.
type TransportType int

const (
	TransportIB TransportType = iota
	TransportIWARP
	TransportUSNIC
	TransportUnknown
)

// PortState is the administrative state of a port.
type PortState int

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "nop"
	case PortDown:
		return "down"
	case PortInit:
		return "init"
	case PortArmed:
		return "armed"
	case PortActive:
		return "active"
	case PortActiveDefer:
		return "active-defer"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LinkLayer is the link layer of a single port.
type LinkLayer int

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
)

// MTU is the IB MTU enumeration, not a byte count. Value() converts.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Value returns the MTU in bytes, or 0 for an invalid enumeration.
func (m MTU) Value() int {
	switch m {
	case MTU256:
		return 256
	case MTU512:
		return 512
	case MTU1024:
		return 1024
	case MTU2048:
		return 2048
	case MTU4096:
		return 4096
	}
	return 0
}

// DeviceAttr is the device attribute snapshot from QueryDevice.
type DeviceAttr struct {
	FWVersion   string
	NodeGUID    uint64
	MaxQP       int
	MaxCQ       int
	MaxQPWR     int
	MaxSGE      int
	MaxSRQ      int
	PhysPortCnt uint8
}

// PortAttr is the per-port attribute snapshot from QueryPort.
type PortAttr struct {
	State      PortState
	MaxMTU     MTU
	ActiveMTU  MTU
	GIDTblLen  int
	PKeyTblLen int
	LID        uint16
	SMLID      uint16
	LinkLayer  LinkLayer
	ActiveWidth uint8
	ActiveSpeed uint8
}

// GRH holds the global routing fields of an address handle.
type GRH struct {
	DGID         GID
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// AHAttr describes a route to a destination. It is a plain comparable
// value struct: two attrs are the same cache key only if every field
// matches exactly.
type AHAttr struct {
	GRH         GRH
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    bool
	PortNum     uint8
}

// AH is an opaque handle to a provider-created address handle. The
// provider owns the underlying hardware object; DestroyAH releases it.
type AH interface{}

// PD is an opaque handle to a provider protection domain. Address
// handles are created within a domain.
type PD interface{}

// QP is the minimal queue-pair surface this layer touches.
type QP interface {
	Num() uint32
}

// QPState is the queue-pair state enumeration for ModifyQPState.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

// EventKind enumerates asynchronous hardware events.
type EventKind int

const (
	EventCQErr EventKind = iota
	EventQPFatal
	EventQPReqErr
	EventQPAccessErr
	EventCommEst
	EventSQDrained
	EventPathMig
	EventPathMigErr
	EventQPLastWQEReached
	EventSRQErr
	EventSRQLimitReached
	EventDeviceFatal
	EventPortActive
	EventPortErr
	EventLIDChange
	EventPKeyChange
	EventGIDChange
	EventSMChange
	EventClientReregister
)

func (k EventKind) String() string {
	switch k {
	case EventCQErr:
		return "CQ error"
	case EventQPFatal:
		return "QP fatal"
	case EventQPReqErr:
		return "QP request error"
	case EventQPAccessErr:
		return "QP access error"
	case EventCommEst:
		return "communication established"
	case EventSQDrained:
		return "SQ drained"
	case EventPathMig:
		return "path migrated"
	case EventPathMigErr:
		return "path migration error"
	case EventQPLastWQEReached:
		return "last WQE reached"
	case EventSRQErr:
		return "SRQ error"
	case EventSRQLimitReached:
		return "SRQ limit reached"
	case EventDeviceFatal:
		return "device fatal"
	case EventPortActive:
		return "port active"
	case EventPortErr:
		return "port error"
	case EventLIDChange:
		return "LID change"
	case EventPKeyChange:
		return "PKey change"
	case EventGIDChange:
		return "GID change"
	case EventSMChange:
		return "SM change"
	case EventClientReregister:
		return "client reregister"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// AsyncEvent is one pending asynchronous event read from the provider.
// ResourceID disambiguates events of the same kind across QPs/CQs/SRQs:
// it is the QP number for QP events, a provider-chosen cookie for CQ and
// SRQ events, and the port number for port-scoped events.
type AsyncEvent struct {
	Kind       EventKind
	ResourceID uint32
	Port       uint8
}

// Provider is the narrow interface the device layer calls into. All
// calls are synchronous kernel/hardware operations expected to complete
// in microseconds; none block on network I/O.
type Provider interface {
	// Name returns the adapter name, e.g. "mlx5_0".
	Name() string
	NodeType() NodeType
	TransportType() TransportType
	// DevicePath is the adapter's device node path under sysfs
	// (ibdev_path), used to resolve its PCI function directory.
	DevicePath() string
	// AsyncFD is the file descriptor delivering async events.
	AsyncFD() int

	QueryDevice() (DeviceAttr, error)
	QueryPort(port uint8) (PortAttr, error)
	QueryGID(port uint8, index int) (GID, error)

	CreateAH(pd PD, attr AHAttr) (AH, error)
	DestroyAH(ah AH) error

	ModifyQPState(qp QP, state QPState) error
	QueryECE(qp QP) (uint32, error)
	SetECE(qp QP, options uint32) error

	// GetAsyncEvent reads one pending async event without blocking.
	// ok is false when no event is pending. The caller must
	// AckAsyncEvent every event it received.
	GetAsyncEvent() (ev AsyncEvent, ok bool, err error)
	AckAsyncEvent(ev AsyncEvent)
}
