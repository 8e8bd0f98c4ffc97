package sysinfo

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// PCIID is a (vendor, device) PCI id pair. The zero value means the ids
// could not be read.
type PCIID struct {
	Vendor uint16
	Device uint16
}

func (id PCIID) String() string {
	return fmt.Sprintf("%#04x:%d", id.Vendor, id.Device)
}

// PCIDir locates the PCI function directory of an adapter from its
// device node path. A physical function resolves two components up from
// the node path, a sub-function three:
//
//	PF: devices/.../0000:03:00.0/infiniband/mlx5_0
//	SF: devices/.../0000:03:00.0/<uuid>/infiniband/mlx5_0
//
// The directory is recognized by its "device" id file. Returns
// ErrNotFound when neither level matches.
func PCIDir(src Source, devicePath string) (string, error) {
	resolved, err := src.Resolve(devicePath)
	if err != nil {
		log.Debug().Str("path", devicePath).Msg("sysfs path undetected")
		return "", ErrNotFound
	}

	// PF: strip the "infiniband/<dev>" tail
	dir := path.Dir(path.Dir(resolved))
	if src.Exists(dir, "device") {
		log.Debug().Str("path", devicePath).Str("pci_dir", dir).Msg("PF sysfs path detected")
		return dir, nil
	}

	// SF: one more level up
	dir = path.Dir(dir)
	if src.Exists(dir, "device") {
		log.Debug().Str("path", devicePath).Str("pci_dir", dir).Msg("SF sysfs path detected")
		return dir, nil
	}

	log.Debug().Str("path", devicePath).Msg("sysfs path undetected")
	return "", ErrNotFound
}

// BDFName returns the bus-device-function component of a PCI function
// directory, e.g. "0000:03:00.0".
func BDFName(pciDir string) string {
	return path.Base(pciDir)
}

// ReadPCIID reads the vendor and device ids from a PCI function
// directory. Missing or malformed files yield zero components.
func ReadPCIID(src Source, pciDir string) PCIID {
	var id PCIID
	if v, err := src.ReadInt(pciDir, "vendor"); err == nil {
		id.Vendor = uint16(v)
	} else {
		log.Warn().Str("pci_dir", pciDir).Err(err).Msg("could not read PCI vendor id")
	}
	if d, err := src.ReadInt(pciDir, "device"); err == nil {
		id.Device = uint16(d)
	} else {
		log.Warn().Str("pci_dir", pciDir).Err(err).Msg("could not read PCI device id")
	}
	return id
}

// CurrentLinkWidth reads the negotiated PCIe lane count.
func CurrentLinkWidth(src Source, pciDir string) (uint, error) {
	s, err := src.ReadString(pciDir, "current_link_width")
	if err != nil {
		return 0, err
	}
	width, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: bad link width %q: %w", s, err)
	}
	return uint(width), nil
}

// CurrentLinkSpeed reads the negotiated per-lane transfer rate in GT/s.
// The file format is "<decimal> GT/s"; anything else is an error.
func CurrentLinkSpeed(src Source, pciDir string) (float64, error) {
	s, err := src.ReadString(pciDir, "current_link_speed")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(s)
	if len(fields) != 2 || !strings.EqualFold(fields[1], "GT/s") {
		return 0, fmt.Errorf("sysinfo: bad link speed %q: expected \"<value> GT/s\"", s)
	}
	speed, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: bad link speed %q: %w", s, err)
	}
	return speed, nil
}
