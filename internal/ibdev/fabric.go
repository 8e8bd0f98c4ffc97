package ibdev

import (
	"math"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rdmakit/ibcore/internal/sysinfo"
)

// pciGen holds the link parameters of one PCIe generation.
//
// TLP overhead (no ECRC):
//
//	gen1/2: start(1) + seqnum(2) + 64-bit hdr(16) + LCRC(4) + end(1) = 24
//	gen3/4: start(4) + seqnum(2) + 64-bit hdr(16) + LCRC(4)          = 26
//
// DLLP overhead: 8b ACK + 8b flow control, one per 4 TLPs.
type pciGen struct {
	name         string
	bwGbps       float64 // per-lane transfer rate, GT/s
	payload      uint16  // max payload per TLP
	tlpOverhead  uint16
	ctrlRatio    uint16 // TLPs per ACK/FC pair
	ctrlOverhead uint16
	encoding     uint16 // encoded symbol bits
	decoding     uint16 // decoded symbol bits
}

var pciGens = []pciGen{
	{"gen1", 2.5, 256, 24, 4, 16, 8, 10},
	{"gen2", 5, 256, 24, 4, 16, 8, 10},
	{"gen3", 8, 256, 26, 4, 16, 128, 130},
	{"gen4", 16, 256, 26, 4, 16, 128, 130},
}

// PCIBandwidthUnknown is the "non-limiting" bandwidth sentinel used when
// the link parameters cannot be determined.
var PCIBandwidthUnknown = math.Inf(1)

// PCIBandwidth estimates the effective PCIe bandwidth in bytes/sec from
// the negotiated lane count and per-lane speed. The observed speed is
// matched against generations with 1% tolerance because sysfs rounds the
// value. Returns PCIBandwidthUnknown when no generation matches.
func PCIBandwidth(width uint, speedGTs float64) float64 {
	for _, g := range pciGens {
		if speedGTs/g.bwGbps > 1.01 {
			continue
		}
		linkUtilization := float64(g.payload*g.ctrlRatio) /
			(float64((g.payload+g.tlpOverhead)*g.ctrlRatio) + float64(g.ctrlOverhead))
		effectiveBW := (g.bwGbps * 1e9 / 8.0) * float64(width) *
			(float64(g.encoding) / float64(g.decoding)) * linkUtilization
		log.Trace().
			Str("generation", g.name).
			Uint("width", width).
			Float64("bandwidth_mbs", effectiveBW/1e6).
			Msg("matched PCIe generation")
		return effectiveBW
	}
	return PCIBandwidthUnknown
}

// fabricTimeMax is the first unrepresentable exponent of the 5-bit IB
// timeout fields.
const fabricTimeMax = 32

// qpFabricTimeBase is the IB local-ack-timeout unit (4.096 us).
const qpFabricTimeBase = 4.096e-6

// ToQPFabricTime encodes a timeout as the IB local-ack-timeout exponent:
// round(log2(t / 4.096us)). Clamped to 1 for very small timeouts; 0
// ("no timeout") once the exponent saturates the field.
func ToQPFabricTime(t time.Duration) uint8 {
	to := math.Log2(t.Seconds() / qpFabricTimeBase)
	switch {
	case to < 1:
		return 1 // very small timeout
	case int64(to+0.5) >= fabricTimeMax:
		return 0 // no timeout
	default:
		return uint8(to + 0.5)
	}
}

// rnrTimeMS is the RNR NAK timer encoding from the IBTA specification.
// The table is indexed by the 5-bit wire value and is not sorted: index
// 0 holds the largest value and doubles as the wraparound sentinel.
var rnrTimeMS = [fabricTimeMax]float64{
	655.36, 0.01, 0.02, 0.03, 0.04, 0.06, 0.08, 0.12,
	0.16, 0.24, 0.32, 0.48, 0.64, 0.96, 1.28, 1.92,
	2.56, 3.84, 5.12, 7.68, 10.24, 15.36, 20.48, 30.72,
	40.96, 61.44, 81.92, 122.88, 163.84, 245.76, 327.68, 491.52,
}

// ToRNRFabricTime encodes a retry delay as the nearest RNR timer index.
// A target between two entries goes to whichever is closer, ties toward
// the larger index. Returns 0 (the "maximum timeout" sentinel) when the
// table is exhausted without bracketing the target.
func ToRNRFabricTime(t time.Duration) uint8 {
	timeMS := float64(t) / float64(time.Millisecond)
	for idx := uint8(1); idx < fabricTimeMax; idx++ {
		nextIdx := (idx + 1) % fabricTimeMax
		if timeMS <= rnrTimeMS[nextIdx] {
			avgMS := (rnrTimeMS[idx] + rnrTimeMS[nextIdx]) * 0.5
			if timeMS < avgMS {
				return idx
			}
			return nextIdx
		}
	}
	return 0 // special value meaning the maximum timeout
}

const cacheLineSize = 64

var (
	cqeSizeOnce sync.Once
	cqeSizeMax  int
)

// CQESize clamps a minimum requested CQE size to the platform range
// [max(64, cache line), platform max]. The platform max is 128 except on
// one Huawei aarch64 board whose Cortex-A72 r0p2 has a CQE write erratum
// that caps it to 64; the detection runs once per process.
func CQESize(minSize int) int {
	cqeSizeOnce.Do(func() {
		cqeSizeMax = detectMaxCQESize(sysinfo.NewFS())
		log.Debug().Int("max_cqe_size", cqeSizeMax).Msg("detected max CQE size")
	})
	size := minSize
	if size < cacheLineSize {
		size = cacheLineSize
	}
	if size < 64 {
		size = 64
	}
	if size > cqeSizeMax {
		size = cqeSizeMax
	}
	return size
}

func detectMaxCQESize(src sysinfo.Source) int {
	if runtime.GOARCH != "arm64" {
		return 128
	}
	midr, ok := sysinfo.MIDR(src)
	if !ok {
		return 128
	}
	return maxCQESizeFor(sysinfo.BoardVendor(src), midr)
}

// maxCQESizeFor applies the board/CPU erratum table to a decoded MIDR.
func maxCQESizeFor(boardVendor string, midr uint64) int {
	implementer := (midr >> 24) & 0xff
	variant := (midr >> 20) & 0xf
	arch := (midr >> 16) & 0xf
	part := (midr >> 4) & 0xfff
	revision := midr & 0xf
	// MIDR architecture 0xf means "see CPUID scheme", reported as 8.
	if arch == 0xf {
		arch = 8
	}
	if strings.Contains(strings.ToLower(boardVendor), "huawei") &&
		implementer == 0x41 && arch == 8 && variant == 0 &&
		part == 0xd08 && revision == 2 {
		return 64
	}
	return 128
}
