package ibdev

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rdmakit/ibcore/internal/sysinfo"
	"github.com/rdmakit/ibcore/internal/verbs"
)

// RoCEVersion is the RoCE protocol generation of a GID table entry.
type RoCEVersion int

const (
	RoCEV1 RoCEVersion = iota
	RoCEV15
	RoCEV2
)

func (v RoCEVersion) String() string {
	switch v {
	case RoCEV1:
		return "RoCE v1"
	case RoCEV15:
		return "RoCE v1.5"
	case RoCEV2:
		return "RoCE v2"
	}
	return fmt.Sprintf("RoCE(%d)", int(v))
}

// AddrFamily is the address family a RoCE GID maps to.
type AddrFamily int

const (
	AFInet AddrFamily = iota
	AFInet6
)

func (a AddrFamily) String() string {
	if a == AFInet {
		return "IPv4"
	}
	return "IPv6"
}

// RoCEInfo pairs a RoCE version with the GID's address family.
type RoCEInfo struct {
	Ver        RoCEVersion
	AddrFamily AddrFamily
}

func (r RoCEInfo) String() string {
	return fmt.Sprintf("%s/%s", r.Ver, r.AddrFamily)
}

// GIDInfo is one resolved GID table entry.
type GIDInfo struct {
	GID   verbs.GID
	Index int
	RoCE  RoCEInfo
}

// gidAddrFamily classifies a RoCE GID. IPv4-mapped unicast and the
// corresponding multicast form map to IPv4; everything else is IPv6.
func gidAddrFamily(gid verbs.GID) AddrFamily {
	if gid.IsIPv4Mapped() {
		return AFInet
	}
	return AFInet6
}

// parseRoCEVersion decodes the sysfs gid_attrs type string.
func parseRoCEVersion(s string) (RoCEVersion, error) {
	switch {
	case strings.HasPrefix(s, "IB/RoCE v1"):
		return RoCEV1, nil
	case strings.HasPrefix(s, "RoCE v2"):
		return RoCEV2, nil
	}
	return 0, fmt.Errorf("unexpected gid type %q: %w", s, ErrInvalidParam)
}

// QueryGIDInfo reads one GID table entry together with its RoCE
// version and address family. On kernels without per-entry type
// attributes the version defaults to v1.
func (d *Device) QueryGIDInfo(portNum uint8, gidIndex int) (GIDInfo, error) {
	gid, err := d.provider.QueryGID(portNum, gidIndex)
	if err != nil {
		log.Error().Str("device", d.Name()).Uint8("port", portNum).
			Int("gid_index", gidIndex).Err(err).Msg("query gid failed")
		return GIDInfo{}, fmt.Errorf("query gid %s:%d index %d: %w",
			d.Name(), portNum, gidIndex, ErrInvalidParam)
	}

	info := GIDInfo{GID: gid, Index: gidIndex}
	typeStr, err := sysinfo.GIDType(d.sys, d.Name(), portNum, gidIndex)
	switch {
	case err != nil:
		info.RoCE.Ver = RoCEV1
	default:
		ver, err := parseRoCEVersion(typeStr)
		if err != nil {
			log.Error().Str("device", d.Name()).Uint8("port", portNum).
				Int("gid_index", gidIndex).Str("type", typeStr).
				Msg("failed to parse gid type")
			return GIDInfo{}, err
		}
		info.RoCE.Ver = ver
	}
	info.RoCE.AddrFamily = gidAddrFamily(gid)
	return info, nil
}

// QueryGID reads one GID table entry and rejects the all-zero GID,
// which the hardware reports for unpopulated entries. quiet controls
// the log level of the zero-GID diagnostic so polling callers can keep
// it off the error log.
func (d *Device) QueryGID(portNum uint8, gidIndex int, quiet zerolog.Level) (verbs.GID, error) {
	info, err := d.QueryGIDInfo(portNum, gidIndex)
	if err != nil {
		return verbs.GID{}, err
	}
	if info.GID.IsZero() {
		log.WithLevel(quiet).Str("device", d.Name()).Uint8("port", portNum).
			Int("gid_index", gidIndex).Msg("invalid gid")
		return verbs.GID{}, fmt.Errorf("zero gid at %s:%d index %d: %w",
			d.Name(), portNum, gidIndex, ErrInvalidAddr)
	}
	return info.GID, nil
}

// TestRoCEGIDIndex probes whether a GID table entry is usable by
// creating and immediately destroying an address handle on it. Some
// entries are present in the table but rejected by the driver, e.g.
// when the backing netdev is down.
func (d *Device) TestRoCEGIDIndex(portNum uint8, gid verbs.GID, gidIndex uint8, pd verbs.PD) bool {
	if !d.IsPortRoCE(portNum) {
		panic(fmt.Sprintf("ibdev: TestRoCEGIDIndex on non-RoCE port %s:%d", d.Name(), portNum))
	}

	attr := verbs.AHAttr{
		PortNum:  portNum,
		IsGlobal: true,
		DLID:     roceUDPSrcPortBase,
		GRH: verbs.GRH{
			DGID:      gid,
			SGIDIndex: gidIndex,
			HopLimit:  255,
			FlowLabel: 1,
		},
	}
	ah, err := d.provider.CreateAH(pd, attr)
	if err != nil {
		log.Trace().Str("device", d.Name()).Uint8("port", portNum).
			Uint8("gid_index", gidIndex).Err(err).Msg("gid index unusable")
		return false
	}
	d.provider.DestroyAH(ah)
	return true
}

// gidPriorities orders automatic GID selection: prefer RoCE v2 over v1
// and IPv4 over IPv6 within each version.
var gidPriorities = [...]RoCEInfo{
	{RoCEV2, AFInet},
	{RoCEV2, AFInet6},
	{RoCEV1, AFInet},
	{RoCEV1, AFInet6},
}

// SelectGID picks the best usable GID table entry of a RoCE port,
// scanning the table once per priority class and probing each
// candidate. When nothing matches it falls back to index 0 assumed
// v1/IPv4, mirroring the kernel default for that slot.
func (d *Device) SelectGID(portNum uint8, pd verbs.PD) (GIDInfo, error) {
	if !d.IsPortRoCE(portNum) {
		panic(fmt.Sprintf("ibdev: SelectGID on non-RoCE port %s:%d", d.Name(), portNum))
	}

	tblLen := int(d.PortAttr(portNum).GIDTblLen)
	for _, prio := range gidPriorities {
		for i := 0; i < tblLen; i++ {
			info, err := d.QueryGIDInfo(portNum, i)
			if err != nil {
				return GIDInfo{}, err
			}
			if info.GID.IsZero() || info.RoCE != prio {
				continue
			}
			if !d.TestRoCEGIDIndex(portNum, info.GID, uint8(i), pd) {
				continue
			}
			log.Debug().Str("device", d.Name()).Uint8("port", portNum).
				Int("gid_index", i).Stringer("roce", info.RoCE).
				Msg("selected gid")
			return info, nil
		}
	}

	fallback := GIDInfo{
		Index: DefaultGIDIndex,
		RoCE:  RoCEInfo{Ver: RoCEV1, AddrFamily: AFInet},
	}
	// The fallback favors availability: the default entry is reported
	// even when its gid cannot be read back, in which case it stays
	// zero.
	if gid, err := d.provider.QueryGID(portNum, fallback.Index); err == nil {
		fallback.GID = gid
	} else {
		log.Debug().Str("device", d.Name()).Uint8("port", portNum).
			Err(err).Msg("default gid entry unreadable")
	}
	log.Debug().Str("device", d.Name()).Uint8("port", portNum).
		Stringer("roce", fallback.RoCE).Msg("no usable gid found, using default entry")
	return fallback, nil
}

// RoCENetdevName resolves the Ethernet interface backing a RoCE GID
// table entry.
func (d *Device) RoCENetdevName(portNum uint8, gidIndex int) (string, error) {
	if !d.IsPortRoCE(portNum) {
		panic(fmt.Sprintf("ibdev: RoCENetdevName on non-RoCE port %s:%d", d.Name(), portNum))
	}
	ndev, err := sysinfo.RoCENetdev(d.sys, d.Name(), portNum, gidIndex)
	if err != nil {
		log.Debug().Str("device", d.Name()).Uint8("port", portNum).
			Int("gid_index", gidIndex).Err(err).Msg("no netdev for gid entry")
		return "", fmt.Errorf("netdev for %s:%d index %d: %w",
			d.Name(), portNum, gidIndex, ErrNoDevice)
	}
	// A gid entry can name an interface that moved to another network
	// namespace; sysfs is authoritative, so only warn.
	if !sysinfo.NetdevExists(ndev) {
		log.Warn().Str("device", d.Name()).Uint8("port", portNum).
			Str("netdev", ndev).Msg("gid entry names an absent netdev")
	}
	return ndev, nil
}

// RoCELAGLevel reports the link aggregation fan-out of the port's
// backing netdev: the number of active bond slaves, or 1 when the
// netdev is absent or not bonded.
func (d *Device) RoCELAGLevel(portNum uint8, gidIndex int) uint {
	ndev, err := d.RoCENetdevName(portNum, gidIndex)
	if err != nil {
		return 1
	}
	return sysinfo.BondLAGLevel(d.sys, ndev)
}

// AHAttrString formats address handle parameters for diagnostics.
func AHAttrString(attr *verbs.AHAttr) string {
	var b strings.Builder
	fmt.Fprintf(&b, "dlid=%d sl=%d port=%d src_path_bits=%d",
		attr.DLID, attr.SL, attr.PortNum, attr.SrcPathBits)
	if attr.IsGlobal {
		fmt.Fprintf(&b, " dgid=%s sgid_index=%d traffic_class=%d",
			attr.GRH.DGID, attr.GRH.SGIDIndex, attr.GRH.TrafficClass)
	}
	return b.String()
}
