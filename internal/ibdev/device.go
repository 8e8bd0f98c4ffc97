// Package ibdev implements the InfiniBand/RoCE device abstraction used
// by the transport layers: device discovery and query, asynchronous
// hardware event tracking, address-handle caching, and derived link
// metrics (PCIe bandwidth, fabric timeout encodings, CQE sizing).
package ibdev

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/rdmakit/ibcore/internal/eventloop"
	"github.com/rdmakit/ibcore/internal/sysinfo"
	"github.com/rdmakit/ibcore/internal/telemetry"
	"github.com/rdmakit/ibcore/internal/topo"
	"github.com/rdmakit/ibcore/internal/verbs"
)

const (
	// MaxPorts bounds the per-port attribute array. Adapters with more
	// ports are truncated with a diagnostic.
	MaxPorts = 2
	// firstCAPort is the first port index of a channel adapter.
	// Switches expose a single management port numbered 0 instead.
	firstCAPort = 1
	// DefaultGIDIndex is used when the configuration leaves the GID
	// index on automatic.
	DefaultGIDIndex = 0
	// DefaultECE leaves the connection-establishment extension value
	// untouched.
	DefaultECE = 0

	// roceUDPSrcPortBase fills the DLID field of RoCE probe address
	// handles (RoCE v2 UDP source port base, IBTA annex 17).
	roceUDPSrcPortBase = 0xC000
)

// ResourceTypeNet tags enumerated ports as network devices.
const ResourceTypeNet = "net"

// Options carries the caller-tunable settings of a device.
type Options struct {
	// GIDIndex selects the GID table entry used by port checks.
	// Negative means automatic (DefaultGIDIndex).
	GIDIndex int
	// CheckSubnetFilter restricts InfiniBand ports to SubnetFilter.
	CheckSubnetFilter bool
	SubnetFilter      uint64
	// CustomSpecs is consulted before the built-in device spec table.
	CustomSpecs []DeviceSpec
	// ECEEnabled permits SetECE with a non-default value.
	ECEEnabled bool
	// AsyncEvents registers the provider's async fd with the notifier
	// during Init.
	AsyncEvents bool
}

// PortResource describes one usable port for advertisement to transport
// layers.
type PortResource struct {
	Name      string // "<device>:<port>"
	Type      string
	SysDevice topo.SysDevice
}

// Device is one physical or virtual adapter bound to an open provider
// context. Create with NewDevice, then Query and Init; Cleanup exactly
// once after a successful Init.
type Device struct {
	provider verbs.Provider
	sys      sysinfo.Source
	topo     *topo.Registry
	metrics  *telemetry.Metrics
	notifier *eventloop.Notifier
	opts     Options

	Attr      verbs.DeviceAttr
	PortAttrs [MaxPorts]verbs.PortAttr
	FirstPort uint8
	NumPorts  uint8

	PCIID        sysinfo.PCIID
	PCIBandwidth float64 // bytes/sec; PCIBandwidthUnknown when undetectable
	SysDevice    topo.SysDevice
	LocalCPUs    unix.CPUSet
	NUMANode     int

	// failed latches once the adapter reports a device-wide fatal
	// event. Advisory: operations are not gated on it.
	failed atomic.Bool

	events      *EventRegistry
	ahCache     *AHCache
	customSpecs []DeviceSpec

	asyncRegistered bool
}

// NewDevice binds a device object to an opened provider context. The
// notifier may be nil when Options.AsyncEvents is false; metrics may be
// nil to disable telemetry.
func NewDevice(provider verbs.Provider, sys sysinfo.Source, reg *topo.Registry,
	notifier *eventloop.Notifier, metrics *telemetry.Metrics, opts Options) *Device {
	d := &Device{
		provider:     provider,
		sys:          sys,
		topo:         reg,
		metrics:      metrics,
		notifier:     notifier,
		opts:         opts,
		customSpecs:  opts.CustomSpecs,
		SysDevice:    topo.Unknown,
		PCIBandwidth: PCIBandwidthUnknown,
		NUMANode:     -1,
	}
	d.events = NewEventRegistry(func() { d.failed.Store(true) })
	d.ahCache = NewAHCache(provider, metrics)
	return d
}

// Name returns the adapter name, e.g. "mlx5_0".
func (d *Device) Name() string {
	return d.provider.Name()
}

// Failed reports whether the adapter has seen a device-wide fatal
// event. Never clears.
func (d *Device) Failed() bool {
	return d.failed.Load()
}

// Events exposes the async event registry.
func (d *Device) Events() *EventRegistry {
	return d.events
}

// PortAttr returns the cached attributes of an absolute port number.
// The port must be in [FirstPort, FirstPort+NumPorts).
func (d *Device) PortAttr(portNum uint8) *verbs.PortAttr {
	return &d.PortAttrs[portNum-d.FirstPort]
}

// validPort reports whether portNum addresses a queried port.
func (d *Device) validPort(portNum uint8) bool {
	return portNum >= d.FirstPort && portNum < d.FirstPort+d.NumPorts
}

// Query snapshots the device and port attributes and resolves the
// adapter's PCI function: topology id, PCI ids, and effective PCIe
// bandwidth. Only a hard provider error fails the query; every sysfs
// lookup degrades to a sentinel instead.
func (d *Device) Query() error {
	attr, err := d.provider.QueryDevice()
	if err != nil {
		log.Error().Str("device", d.Name()).Err(err).Msg("query device failed")
		return fmt.Errorf("query device %s: %w", d.Name(), ErrIO)
	}
	d.Attr = attr

	switch d.provider.NodeType() {
	case verbs.NodeTypeSwitch:
		// A switch exposes exactly one addressable port, numbered 0.
		d.FirstPort = 0
		d.NumPorts = 1
	default:
		d.FirstPort = firstCAPort
		d.NumPorts = attr.PhysPortCnt
	}

	if d.NumPorts > MaxPorts {
		log.Debug().
			Str("device", d.Name()).
			Uint8("ports", d.NumPorts).
			Int("max", MaxPorts).
			Msg("truncating port count to supported maximum")
		d.NumPorts = MaxPorts
	}

	for i := uint8(0); i < d.NumPorts; i++ {
		portAttr, err := d.provider.QueryPort(d.FirstPort + i)
		if err != nil {
			log.Error().Str("device", d.Name()).Uint8("port", d.FirstPort+i).Err(err).
				Msg("query port failed")
			return fmt.Errorf("query port %s:%d: %w", d.Name(), d.FirstPort+i, ErrIO)
		}
		d.PortAttrs[i] = portAttr
	}

	pciDir, err := sysinfo.PCIDir(d.sys, d.provider.DevicePath())
	if err != nil {
		// Advisory fields keep their sentinels.
		log.Debug().Str("device", d.Name()).Msg("PCI function undetected")
		return nil
	}
	d.setSysDevice(pciDir)
	d.PCIID = sysinfo.ReadPCIID(d.sys, pciDir)
	d.setPCIBandwidth(pciDir)
	return nil
}

func (d *Device) setSysDevice(pciDir string) {
	bdf := sysinfo.BDFName(pciDir)
	if bdf == "" || bdf == "." {
		d.SysDevice = topo.Unknown
		log.Debug().Str("device", d.Name()).Msg("system device unknown")
		return
	}
	d.SysDevice = d.topo.FindByBDF(bdf)
	d.topo.SetName(d.SysDevice, d.Name())
	log.Debug().
		Str("device", d.Name()).
		Str("bdf", bdf).
		Int("sys_dev", int(d.SysDevice)).
		Msg("resolved system device")
}

func (d *Device) setPCIBandwidth(pciDir string) {
	width, err := sysinfo.CurrentLinkWidth(d.sys, pciDir)
	if err != nil {
		log.Debug().Str("device", d.Name()).Err(err).Msg("pci bandwidth undetected, using maximal value")
		d.PCIBandwidth = PCIBandwidthUnknown
		return
	}
	speed, err := sysinfo.CurrentLinkSpeed(d.sys, pciDir)
	if err != nil {
		log.Debug().Str("device", d.Name()).Err(err).Msg("pci bandwidth undetected, using maximal value")
		d.PCIBandwidth = PCIBandwidthUnknown
		return
	}
	d.PCIBandwidth = PCIBandwidth(width, speed)
	if d.PCIBandwidth == PCIBandwidthUnknown {
		log.Debug().Str("device", d.Name()).Float64("speed_gts", speed).
			Msg("no matching PCIe generation, using maximal value")
	}
}

// Init computes CPU/NUMA locality, puts the provider's async fd into
// non-blocking mode, optionally registers the async event handler, and
// prepares the event registry and AH cache. A failure leaves no partial
// state behind.
func (d *Device) Init() error {
	d.LocalCPUs = sysinfo.LocalCPUs(d.sys, d.Name())
	d.NUMANode = sysinfo.NUMANode(d.sys, d.Name())

	if err := unix.SetNonblock(d.provider.AsyncFD(), true); err != nil {
		return fmt.Errorf("set async fd non-blocking on %s: %w", d.Name(), err)
	}

	if d.opts.AsyncEvents {
		if err := d.notifier.Add(d.provider.AsyncFD(), d.onAsyncFDReadable); err != nil {
			return fmt.Errorf("register async event handler on %s: %w", d.Name(), err)
		}
		d.asyncRegistered = true
	}

	log.Debug().
		Str("device", d.Name()).
		Str("node_type", d.provider.NodeType().String()).
		Uint8("ports", d.NumPorts).
		Msg("initialized device")
	return nil
}

// Cleanup tears the device down. Call exactly once per successful Init.
// A non-empty async event registry here is a caller bug: warned about,
// not fatal.
func (d *Device) Cleanup() {
	log.Debug().Str("device", d.Name()).Msg("destroying device")

	if n := d.events.Len(); n != 0 {
		log.Warn().Str("device", d.Name()).Int("entries", n).
			Msg("async event registry not empty at cleanup")
	}
	d.ahCache.Cleanup()

	if d.asyncRegistered {
		if err := d.notifier.Remove(d.provider.AsyncFD()); err != nil {
			log.Warn().Str("device", d.Name()).Err(err).Msg("deregister async event handler failed")
		}
		d.asyncRegistered = false
	}
}

// CreateAHCached returns a cached address handle for attr, creating it
// within pd on first use.
func (d *Device) CreateAHCached(attr verbs.AHAttr, pd verbs.PD, usage string) (verbs.AH, error) {
	return d.ahCache.GetOrCreate(attr, pd, usage)
}

// onAsyncFDReadable runs on the notifier goroutine whenever the
// provider's async fd becomes readable. One event is consumed per
// invocation; level-triggered readiness redelivers the rest.
func (d *Device) onAsyncFDReadable() {
	ev, ok, err := d.provider.GetAsyncEvent()
	if err != nil {
		log.Warn().Str("device", d.Name()).Err(err).Msg("get async event failed")
		return
	}
	if !ok {
		return
	}
	d.HandleAsyncEvent(ev)
	d.provider.AckAsyncEvent(ev)
}

// HandleAsyncEvent is the raw dispatch entry point for provider async
// events. Severity tracks how actionable each kind is: QP/CQ errors are
// hard errors, port and subnet-management changes are routine.
func (d *Device) HandleAsyncEvent(ev verbs.AsyncEvent) {
	var level zerolog.Level
	desc := ev.Kind.String()

	switch ev.Kind {
	case verbs.EventCQErr, verbs.EventSRQErr,
		verbs.EventQPFatal, verbs.EventQPReqErr,
		verbs.EventSQDrained, verbs.EventPathMig, verbs.EventPathMigErr:
		level = zerolog.ErrorLevel
	case verbs.EventCommEst, verbs.EventQPAccessErr:
		level = zerolog.InfoLevel
	case verbs.EventQPLastWQEReached:
		desc = fmt.Sprintf("SRQ-attached QP 0x%x was flushed", ev.ResourceID)
		d.events.Dispatch(ev)
		level = zerolog.DebugLevel
	case verbs.EventSRQLimitReached:
		level = zerolog.DebugLevel
	case verbs.EventDeviceFatal:
		d.events.DispatchFatal()
		level = zerolog.InfoLevel
	case verbs.EventPortActive, verbs.EventPortErr,
		verbs.EventSMChange, verbs.EventClientReregister:
		level = zerolog.InfoLevel
	case verbs.EventGIDChange, verbs.EventLIDChange, verbs.EventPKeyChange:
		level = zerolog.WarnLevel
	default:
		level = zerolog.InfoLevel
	}

	d.metrics.RecordAsyncEvent(d.Name())
	log.WithLevel(level).
		Str("device", d.Name()).
		Uint32("resource_id", ev.ResourceID).
		Uint8("port", ev.Port).
		Msgf("IB async event: %s", desc)
}

// isIWARP reports whether the adapter speaks the unsupported iWARP
// transport variant.
func (d *Device) isIWARP() bool {
	return d.provider.TransportType() == verbs.TransportIWARP
}

// gidIndex returns the configured GID table index, resolving automatic
// to the default.
func (d *Device) gidIndex() int {
	if d.opts.GIDIndex < 0 {
		return DefaultGIDIndex
	}
	return d.opts.GIDIndex
}

// PortCheck verifies that a port satisfies the caller's capability
// requirements. Checks run cheapest first, short-circuiting on the
// first failure; the provider GID query comes last because it costs a
// context switch.
func (d *Device) PortCheck(portNum uint8, flags CapSet) error {
	err := d.portCheck(portNum, flags)
	if d.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = err.Error()
		}
		d.metrics.RecordPortCheck(d.Name(), outcome)
	}
	return err
}

func (d *Device) portCheck(portNum uint8, flags CapSet) error {
	if !d.validPort(portNum) {
		return ErrNoDevice
	}

	if d.PortAttr(portNum).GIDTblLen == 0 {
		log.Debug().Str("device", d.Name()).Uint8("port", portNum).Msg("port has no gid table")
		return ErrUnsupported
	}

	if state := d.PortAttr(portNum).State; state != verbs.PortActive {
		log.Trace().Str("device", d.Name()).Uint8("port", portNum).
			Stringer("state", state).Msg("port is not active")
		return ErrUnreachable
	}

	if d.isIWARP() {
		log.Debug().Str("device", d.Name()).Msg("iWARP device is not supported")
		return ErrUnsupported
	}

	if flags.Has(CapLinkIB) && !d.IsPortIB(portNum) {
		log.Debug().Str("device", d.Name()).Uint8("port", portNum).
			Msg("port is not IB link layer")
		return ErrUnsupported
	}

	spec := d.Spec()
	if flags.Has(CapDC) && !spec.hasDC() {
		log.Trace().Str("device", d.Name()).Uint8("port", portNum).Msg("device does not support DC")
		return ErrUnsupported
	}

	requiredDevCaps := flags.Intersect(Caps(CapMLX4PRM, CapMLX5PRM))
	if !spec.Caps.HasAll(requiredDevCaps) {
		log.Trace().Str("device", d.Name()).Uint8("port", portNum).
			Str("spec", spec.Name).Msg("device spec does not advertise required capabilities")
		return ErrUnsupported
	}

	gid, err := d.QueryGID(portNum, d.gidIndex(), zerolog.InfoLevel)
	if err != nil {
		return err
	}

	if d.opts.CheckSubnetFilter && d.IsPortIB(portNum) &&
		d.opts.SubnetFilter != gid.SubnetPrefix() {
		log.Trace().Str("device", d.Name()).Uint8("port", portNum).
			Msg("subnet prefix does not match filter")
		return ErrUnsupported
	}

	return nil
}

// IsPortIB reports whether the port's link layer is InfiniBand.
func (d *Device) IsPortIB(portNum uint8) bool {
	return d.PortAttr(portNum).LinkLayer == verbs.LinkLayerInfiniBand
}

// IsPortRoCE reports whether the port's link layer is Ethernet.
func (d *Device) IsPortRoCE(portNum uint8) bool {
	return d.PortAttr(portNum).LinkLayer == verbs.LinkLayerEthernet
}

// EnumeratePorts lists every port passing the capability check as a
// named resource for advertisement. Returns ErrNoDevice when no port
// qualifies.
func (d *Device) EnumeratePorts(flags CapSet) ([]PortResource, error) {
	resources := make([]PortResource, 0, d.NumPorts)
	for portNum := d.FirstPort; portNum < d.FirstPort+d.NumPorts; portNum++ {
		if err := d.PortCheck(portNum, flags); err != nil {
			log.Trace().Str("device", d.Name()).Uint8("port", portNum).Err(err).
				Msg("skipping port")
			continue
		}
		resources = append(resources, PortResource{
			Name:      fmt.Sprintf("%s:%d", d.Name(), portNum),
			Type:      ResourceTypeNet,
			SysDevice: d.SysDevice,
		})
	}
	if len(resources) == 0 {
		log.Debug().Str("device", d.Name()).Msg("no compatible ports found")
		return nil, ErrNoDevice
	}
	return resources, nil
}

// FindPort parses a "<device>:<port>" resource name and returns the
// port number if it names a valid port of this device.
func (d *Device) FindPort(resourceName string) (uint8, error) {
	idx := strings.LastIndex(resourceName, ":")
	if idx < 0 {
		return 0, fmt.Errorf("%q: missing port separator: %w", resourceName, ErrNoDevice)
	}
	if resourceName[:idx] != d.Name() {
		return 0, fmt.Errorf("%q: device name mismatch: %w", resourceName, ErrNoDevice)
	}
	portNum, err := strconv.ParseUint(resourceName[idx+1:], 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%q: bad port number: %w", resourceName, ErrNoDevice)
	}
	if !d.validPort(uint8(portNum)) {
		return 0, fmt.Errorf("%q: port out of range: %w", resourceName, ErrNoDevice)
	}
	return uint8(portNum), nil
}

// MTUByName returns the active MTU, in bytes, of the port named by a
// "<device>:<port>" resource string.
func (d *Device) MTUByName(resourceName string) (int, error) {
	portNum, err := d.FindPort(resourceName)
	if err != nil {
		return 0, err
	}
	mtu := d.PortAttr(portNum).ActiveMTU.Value()
	if mtu == 0 {
		return 0, fmt.Errorf("%s: bad active MTU enumeration: %w", resourceName, ErrInvalidParam)
	}
	return mtu, nil
}

// ModifyQP moves a queue pair to the given state.
func (d *Device) ModifyQP(qp verbs.QP, state verbs.QPState) error {
	if err := d.provider.ModifyQPState(qp, state); err != nil {
		log.Warn().Str("device", d.Name()).Uint32("qpn", qp.Num()).
			Int("state", int(state)).Err(err).Msg("modify qp failed")
		return fmt.Errorf("modify qp 0x%x: %w", qp.Num(), ErrIO)
	}
	return nil
}

// SetECE negotiates the enhanced connection establishment value on a
// queue pair. DefaultECE is a no-op. Calling with a non-default value
// on a device where ECE was not enabled is a caller bug.
func (d *Device) SetECE(qp verbs.QP, eceVal uint32) error {
	if eceVal == DefaultECE {
		return nil
	}
	if !d.opts.ECEEnabled {
		panic(fmt.Sprintf("ibdev: SetECE(device=%s, ece=0x%x) without ECE enabled", d.Name(), eceVal))
	}

	if _, err := d.provider.QueryECE(qp); err != nil {
		log.Error().Str("device", d.Name()).Uint32("qpn", qp.Num()).Err(err).
			Msg("query ece failed")
		return fmt.Errorf("query ece on qp 0x%x: %w", qp.Num(), ErrIO)
	}
	if err := d.provider.SetECE(qp, eceVal); err != nil {
		log.Error().Str("device", d.Name()).Uint32("qpn", qp.Num()).Err(err).
			Msg("set ece failed")
		return fmt.Errorf("set ece on qp 0x%x: %w", qp.Num(), ErrInvalidParam)
	}
	return nil
}
