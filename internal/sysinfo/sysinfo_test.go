package sysinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFile creates a value file under root, making parent directories.
func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestParseCPUMask(t *testing.T) {
	set, err := ParseCPUMask("f")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.True(t, set.IsSet(i))
	}
	assert.False(t, set.IsSet(4))

	// Multi-word masks put the most significant word first.
	set, err = ParseCPUMask("00000001,00000000")
	require.NoError(t, err)
	assert.True(t, set.IsSet(32))
	assert.False(t, set.IsSet(0))

	_, err = ParseCPUMask("zz")
	assert.Error(t, err)
}

func TestLocalCPUs(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	writeFile(t, root, "class/infiniband/mlx5_0/device/local_cpus", "0000000f\n")

	set := LocalCPUs(src, "mlx5_0")
	assert.True(t, set.IsSet(0))
	assert.True(t, set.IsSet(3))
	assert.False(t, set.IsSet(4))

	// Missing affinity file: every CPU counts as local.
	set = LocalCPUs(src, "mlx5_1")
	assert.True(t, set.IsSet(0))
	assert.True(t, set.IsSet(100))
}

func TestNUMANode(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	writeFile(t, root, "class/infiniband/mlx5_0/device/numa_node", "1\n")

	assert.Equal(t, 1, NUMANode(src, "mlx5_0"))
	assert.Equal(t, -1, NUMANode(src, "mlx5_1"))
}

func TestGIDType(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	writeFile(t, root, "class/infiniband/mlx5_0/ports/1/gid_attrs/types/0", "RoCE v2\n")

	s, err := GIDType(src, "mlx5_0", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "RoCE v2", s)

	_, err = GIDType(src, "mlx5_0", 1, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPCIDirPF(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	pci := "devices/pci0000:00/0000:03:00.0"
	writeFile(t, root, pci+"/device", "0x1017\n")
	writeFile(t, root, pci+"/infiniband/mlx5_0/node_type", "1\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class/infiniband"), 0o755))
	require.NoError(t, os.Symlink(
		filepath.Join(root, pci, "infiniband/mlx5_0"),
		filepath.Join(root, "class/infiniband/mlx5_0")))

	dir, err := PCIDir(src, "class/infiniband/mlx5_0")
	require.NoError(t, err)
	assert.Equal(t, pci, dir)
	assert.Equal(t, "0000:03:00.0", BDFName(dir))
}

func TestPCIDirSF(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	pci := "devices/pci0000:00/0000:03:00.0"
	writeFile(t, root, pci+"/device", "0x1017\n")
	// Sub-function: one extra path level between the PCI function and
	// the infiniband class directory.
	writeFile(t, root, pci+"/mlx5_core.sf.1/infiniband/mlx5_2/node_type", "1\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "class/infiniband"), 0o755))
	require.NoError(t, os.Symlink(
		filepath.Join(root, pci, "mlx5_core.sf.1/infiniband/mlx5_2"),
		filepath.Join(root, "class/infiniband/mlx5_2")))

	dir, err := PCIDir(src, "class/infiniband/mlx5_2")
	require.NoError(t, err)
	assert.Equal(t, pci, dir)
}

func TestPCIDirNotFound(t *testing.T) {
	src := &FS{Root: t.TempDir()}
	_, err := PCIDir(src, "class/infiniband/mlx5_0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadPCIID(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	writeFile(t, root, "pci/vendor", "0x15b3\n")
	writeFile(t, root, "pci/device", "0x1017\n")

	id := ReadPCIID(src, "pci")
	assert.Equal(t, uint16(0x15b3), id.Vendor)
	assert.Equal(t, uint16(0x1017), id.Device)

	// Missing files degrade to zero components.
	id = ReadPCIID(src, "absent")
	assert.Equal(t, PCIID{}, id)
}

func TestCurrentLinkSpeed(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	writeFile(t, root, "pci/current_link_speed", "8.0 GT/s\n")
	writeFile(t, root, "pci/current_link_width", "16\n")

	speed, err := CurrentLinkSpeed(src, "pci")
	require.NoError(t, err)
	assert.Equal(t, 8.0, speed)

	width, err := CurrentLinkWidth(src, "pci")
	require.NoError(t, err)
	assert.Equal(t, uint(16), width)
}

func TestCurrentLinkSpeedBadFormat(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}

	for i, content := range []string{"Unknown speed", "8.0", "8.0 GHz", "x GT/s"} {
		writeFile(t, root, "pci/current_link_speed", content)
		_, err := CurrentLinkSpeed(src, "pci")
		assert.Error(t, err, "case %d: %q", i, content)
	}
}

func TestFSResolveStaysRootRelative(t *testing.T) {
	root := t.TempDir()
	src := &FS{Root: root}
	writeFile(t, root, "a/b/value", "1\n")
	require.NoError(t, os.Symlink(filepath.Join(root, "a/b"), filepath.Join(root, "link")))

	resolved, err := src.Resolve("link")
	require.NoError(t, err)
	assert.Equal(t, "a/b", resolved)
	// The result feeds straight back into the other accessors.
	assert.True(t, src.Exists(resolved, "value"))
}

func TestBondLAGLevelPlainInterface(t *testing.T) {
	src := &FS{Root: t.TempDir()}
	// Loopback exists everywhere and is not a bond.
	if !NetdevExists("lo") {
		t.Skip("no loopback interface visible")
	}
	assert.Equal(t, uint(1), BondLAGLevel(src, "lo"))
	assert.Equal(t, uint(1), BondLAGLevel(src, "definitely-missing0"))
}
