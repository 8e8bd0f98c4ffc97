package ibdev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPCIBandwidthGen3x16(t *testing.T) {
	// gen3 x16: 8 GT/s per lane, 128b/130b encoding, 256-byte payload
	// with 26 bytes TLP overhead and an ACK/FC pair every 4 TLPs.
	linkUtil := float64(256*4) / float64((256+26)*4+16)
	want := 8e9 / 8.0 * 16 * (128.0 / 130.0) * linkUtil

	got := PCIBandwidth(16, 8)
	assert.InDelta(t, want, got, want*1e-9)

	// Roughly 15.2 GB/s, the ballpark expected of a gen3 x16 slot.
	assert.InDelta(t, 15.2e9, got, 0.2e9)
}

func TestPCIBandwidthSpeedTolerance(t *testing.T) {
	// sysfs rounds the per-lane rate; up to 1% above still matches.
	assert.Equal(t, PCIBandwidth(8, 8), PCIBandwidth(8, 8.05))

	// 2.5 GT/s matches gen1, not gen2.
	gen1 := PCIBandwidth(4, 2.5)
	gen2 := PCIBandwidth(4, 5)
	assert.Less(t, gen1, gen2)
}

func TestPCIBandwidthUnknownGeneration(t *testing.T) {
	// Faster than every known generation: treated as non-limiting.
	assert.Equal(t, PCIBandwidthUnknown, PCIBandwidth(16, 32))
}

func TestPCIBandwidthScalesWithWidth(t *testing.T) {
	assert.InDelta(t, 2*PCIBandwidth(8, 8), PCIBandwidth(16, 8), 1)
}

func TestToQPFabricTime(t *testing.T) {
	// One base unit encodes to exponent 1 (log2(1) = 0, clamped).
	base := time.Duration(4.096e-6 * float64(time.Second))
	assert.Equal(t, uint8(1), ToQPFabricTime(base))

	// Sub-unit timeouts clamp up to the smallest real timeout.
	assert.Equal(t, uint8(1), ToQPFabricTime(time.Nanosecond))

	// Doubling the timeout increments the exponent.
	assert.Equal(t, uint8(2), ToQPFabricTime(4*base))
	assert.Equal(t, uint8(3), ToQPFabricTime(8*base))

	// Beyond the 5-bit field: 0 means "no timeout".
	assert.Equal(t, uint8(0), ToQPFabricTime(10*time.Hour))
}

func TestToRNRFabricTime(t *testing.T) {
	// Exact table values encode to their own index.
	assert.Equal(t, uint8(1), ToRNRFabricTime(10*time.Microsecond))
	assert.Equal(t, uint8(20), ToRNRFabricTime(time.Duration(10.24*float64(time.Millisecond))))

	// Zero is below the smallest entry.
	assert.Equal(t, uint8(1), ToRNRFabricTime(0))

	// A midpoint tie goes to the larger index: halfway between 0.01
	// and 0.02 is 0.015.
	assert.Equal(t, uint8(2), ToRNRFabricTime(15*time.Microsecond))
	// Just under the midpoint stays at the smaller index.
	assert.Equal(t, uint8(1), ToRNRFabricTime(14*time.Microsecond))

	// Past the largest entry: 0 is the "maximum timeout" sentinel.
	assert.Equal(t, uint8(0), ToRNRFabricTime(time.Second))
}

func TestMaxCQESizeFor(t *testing.T) {
	// MIDR of Cortex-A72 r0p2: implementer 0x41, arch via CPUID (0xf),
	// variant 0, part 0xd08, revision 2.
	const a72r0p2 = 0x41<<24 | 0x0<<20 | 0xf<<16 | 0xd08<<4 | 0x2

	assert.Equal(t, 64, maxCQESizeFor("Huawei Technologies Co., Ltd.", a72r0p2))
	assert.Equal(t, 128, maxCQESizeFor("Some Other Vendor", a72r0p2))

	// Same board, different revision: unaffected.
	const a72r0p3 = 0x41<<24 | 0x0<<20 | 0xf<<16 | 0xd08<<4 | 0x3
	assert.Equal(t, 128, maxCQESizeFor("Huawei Technologies Co., Ltd.", a72r0p3))

	// Different part number entirely.
	const a57 = 0x41<<24 | 0x0<<20 | 0xf<<16 | 0xd07<<4 | 0x2
	assert.Equal(t, 128, maxCQESizeFor("Huawei Technologies Co., Ltd.", a57))
}

func TestCQESizeClamping(t *testing.T) {
	// Requests below the cache line round up to it; requests above the
	// platform maximum clamp down.
	assert.GreaterOrEqual(t, CQESize(1), 64)
	assert.LessOrEqual(t, CQESize(4096), 128)
	got := CQESize(64)
	assert.True(t, got == 64 || got == 128)
}
