// Package sysinfo reads device-adjacent values from the system's
// hierarchical key-value store (sysfs on Linux). Everything here is
// advisory: lookups degrade to documented defaults and never block
// device usability.
package sysinfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ErrNotFound is returned when a value is absent from the store.
var ErrNotFound = errors.New("sysinfo: value not found")

// Source reads named values at hierarchical paths.
type Source interface {
	// ReadString returns the trimmed contents of the value at the path.
	ReadString(elem ...string) (string, error)
	// ReadInt parses the value at the path as an integer. Base is
	// auto-detected, so "0x15b3" and "4119" both parse.
	ReadInt(elem ...string) (int64, error)
	// Exists reports whether the path names an existing entry.
	Exists(elem ...string) bool
	// Resolve follows symlinks and returns the canonical path. Both
	// the argument and the result are relative to the store's root.
	Resolve(path string) (string, error)
}

// FS is the real sysfs-backed Source, rooted at Root ("/sys" normally).
type FS struct {
	Root string
}

// NewFS returns a Source backed by the standard sysfs mount.
func NewFS() *FS {
	return &FS{Root: "/sys"}
}

func (f *FS) path(elem ...string) string {
	return filepath.Join(append([]string{f.Root}, elem...)...)
}

func (f *FS) ReadString(elem ...string) (string, error) {
	b, err := os.ReadFile(f.path(elem...))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (f *FS) ReadInt(elem ...string) (int64, error) {
	s, err := f.ReadString(elem...)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: %s: %w", filepath.Join(elem...), err)
	}
	return n, nil
}

func (f *FS) Exists(elem ...string) bool {
	_, err := os.Stat(f.path(elem...))
	return err == nil
}

func (f *FS) Resolve(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(f.path(path))
	if err != nil {
		return "", ErrNotFound
	}
	rel, err := filepath.Rel(f.Root, resolved)
	if err != nil {
		return "", ErrNotFound
	}
	return rel, nil
}

// ibDir returns the path elements of an IB device's class directory.
func ibDir(device string, elem ...string) []string {
	return append([]string{"class", "infiniband", device}, elem...)
}

// ParseCPUMask parses a sysfs cpumask string: comma-separated 32-bit hex
// words, most significant word first.
func ParseCPUMask(s string) (unix.CPUSet, error) {
	var set unix.CPUSet
	words := strings.Split(strings.TrimSpace(s), ",")
	base := 0
	for i := len(words) - 1; i >= 0; i-- {
		word, err := strconv.ParseUint(strings.TrimSpace(words[i]), 16, 32)
		if err != nil {
			return set, fmt.Errorf("sysinfo: bad cpumask word %q: %w", words[i], err)
		}
		for k := 0; word != 0; k, word = k+1, word>>1 {
			if word&1 != 0 {
				set.Set(base + k)
			}
		}
		base += 32
	}
	return set, nil
}

// allCPUs returns a mask with every CPU set, the fallback when the
// affinity file is absent.
func allCPUs() unix.CPUSet {
	var set unix.CPUSet
	for i := 0; i < len(set)*64; i++ {
		set.Set(i)
	}
	return set
}

// LocalCPUs returns the CPU affinity mask of the device. If the mask is
// missing or malformed, every CPU is treated as local.
func LocalCPUs(src Source, device string) unix.CPUSet {
	s, err := src.ReadString(ibDir(device, "device", "local_cpus")...)
	if err != nil {
		log.Debug().Str("device", device).Err(err).Msg("no local_cpus affinity, treating all CPUs as local")
		return allCPUs()
	}
	set, err := ParseCPUMask(s)
	if err != nil {
		log.Warn().Str("device", device).Err(err).Msg("failed to parse local_cpus, treating all CPUs as local")
		return allCPUs()
	}
	return set
}

// NUMANode returns the device's NUMA node, or -1 if unknown.
func NUMANode(src Source, device string) int {
	n, err := src.ReadInt(ibDir(device, "device", "numa_node")...)
	if err != nil {
		log.Debug().Str("device", device).Err(err).Msg("numa node unknown")
		return -1
	}
	return int(n)
}

// GIDType returns the raw GID type string for a (port, index) entry,
// e.g. "IB/RoCE v1" or "RoCE v2".
func GIDType(src Source, device string, port uint8, index int) (string, error) {
	return src.ReadString(ibDir(device, "ports", strconv.Itoa(int(port)),
		"gid_attrs", "types", strconv.Itoa(index))...)
}

// RoCENetdev returns the network device name behind a RoCE (port, index)
// GID entry.
func RoCENetdev(src Source, device string, port uint8, index int) (string, error) {
	s, err := src.ReadString(ibDir(device, "ports", strconv.Itoa(int(port)),
		"gid_attrs", "ndevs", strconv.Itoa(index))...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// BoardVendor returns the DMI board vendor string, or "" if undetectable.
func BoardVendor(src Source) string {
	s, err := src.ReadString("devices", "virtual", "dmi", "id", "board_vendor")
	if err != nil {
		return ""
	}
	return s
}

// MIDR returns the aarch64 main-id register of cpu0, or (0, false) when
// unavailable (non-arm systems, restricted sysfs).
func MIDR(src Source) (uint64, bool) {
	n, err := src.ReadInt("devices", "system", "cpu", "cpu0", "regs",
		"identification", "midr_el1")
	if err != nil {
		return 0, false
	}
	return uint64(n), true
}
