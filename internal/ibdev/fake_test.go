package ibdev

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/rdmakit/ibcore/internal/verbs"
)

// fakeProvider is an in-memory verbs.Provider for tests. Zero value is
// a two-port ConnectX-5-like adapter named mlx5_0 after calling
// newFakeProvider.
type fakeProvider struct {
	mu sync.Mutex

	name      string
	nodeType  verbs.NodeType
	transport verbs.TransportType
	devPath   string
	asyncFD   int

	attr     verbs.DeviceAttr
	ports    map[uint8]verbs.PortAttr
	gids     map[gidKey]verbs.GID
	queryErr error

	createAHCalls int
	createAHErr   error
	destroyed     []verbs.AH
	rejectGIDs    map[gidKey]bool
	gidErrs       map[gidKey]error

	modifyQPErr error
	eceVal      uint32
	queryECEErr error
	setECEErr   error

	pendingEvents []verbs.AsyncEvent
	acked         []verbs.AsyncEvent
}

type gidKey struct {
	port  uint8
	index int
}

func newFakeProvider() *fakeProvider {
	p := &fakeProvider{
		name:      "mlx5_0",
		nodeType:  verbs.NodeTypeCA,
		transport: verbs.TransportIB,
		devPath:   "class/infiniband/mlx5_0",
		asyncFD:   -1,
		attr:      verbs.DeviceAttr{PhysPortCnt: 2},
		ports:     make(map[uint8]verbs.PortAttr),
		gids:      make(map[gidKey]verbs.GID),
	}
	for port := uint8(1); port <= 2; port++ {
		p.ports[port] = verbs.PortAttr{
			State:     verbs.PortActive,
			MaxMTU:    verbs.MTU4096,
			ActiveMTU: verbs.MTU4096,
			GIDTblLen: 4,
			LinkLayer: verbs.LinkLayerInfiniBand,
		}
		p.gids[gidKey{port, 0}] = testGID(0xfe80, uint64(port))
	}
	return p
}

// testGID builds a GID with the given subnet prefix and interface id.
func testGID(prefix, iface uint64) verbs.GID {
	var g verbs.GID
	for i := 0; i < 8; i++ {
		g[7-i] = byte(prefix >> (8 * i))
		g[15-i] = byte(iface >> (8 * i))
	}
	return g
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) NodeType() verbs.NodeType { return p.nodeType }

func (p *fakeProvider) TransportType() verbs.TransportType { return p.transport }

func (p *fakeProvider) DevicePath() string { return p.devPath }

func (p *fakeProvider) AsyncFD() int { return p.asyncFD }

func (p *fakeProvider) QueryDevice() (verbs.DeviceAttr, error) {
	if p.queryErr != nil {
		return verbs.DeviceAttr{}, p.queryErr
	}
	return p.attr, nil
}

func (p *fakeProvider) QueryPort(port uint8) (verbs.PortAttr, error) {
	attr, ok := p.ports[port]
	if !ok {
		return verbs.PortAttr{}, fmt.Errorf("no such port %d", port)
	}
	return attr, nil
}

func (p *fakeProvider) QueryGID(port uint8, index int) (verbs.GID, error) {
	if err := p.gidErrs[gidKey{port, index}]; err != nil {
		return verbs.GID{}, err
	}
	// Entries inside the table that were never set read back as zero,
	// like unpopulated hardware slots.
	return p.gids[gidKey{port, index}], nil
}

type fakeAH struct {
	attr verbs.AHAttr
}

func (p *fakeProvider) CreateAH(pd verbs.PD, attr verbs.AHAttr) (verbs.AH, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createAHCalls++
	if p.createAHErr != nil {
		return nil, p.createAHErr
	}
	if attr.IsGlobal && p.rejectGIDs[gidKey{attr.PortNum, int(attr.GRH.SGIDIndex)}] {
		return nil, fmt.Errorf("gid entry rejected")
	}
	return &fakeAH{attr: attr}, nil
}

func (p *fakeProvider) DestroyAH(ah verbs.AH) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, ah)
	return nil
}

func (p *fakeProvider) ModifyQPState(qp verbs.QP, state verbs.QPState) error {
	return p.modifyQPErr
}

func (p *fakeProvider) QueryECE(qp verbs.QP) (uint32, error) {
	if p.queryECEErr != nil {
		return 0, p.queryECEErr
	}
	return p.eceVal, nil
}

func (p *fakeProvider) SetECE(qp verbs.QP, options uint32) error {
	if p.setECEErr != nil {
		return p.setECEErr
	}
	p.eceVal = options
	return nil
}

func (p *fakeProvider) GetAsyncEvent() (verbs.AsyncEvent, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingEvents) == 0 {
		return verbs.AsyncEvent{}, false, nil
	}
	ev := p.pendingEvents[0]
	p.pendingEvents = p.pendingEvents[1:]
	return ev, true, nil
}

func (p *fakeProvider) AckAsyncEvent(ev verbs.AsyncEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked = append(p.acked, ev)
}

// fakeQP satisfies verbs.QP.
type fakeQP uint32

func (q fakeQP) Num() uint32 { return uint32(q) }

// fakeSource is a map-backed sysinfo.Source. Keys are slash-joined
// paths relative to the store root; symlinks maps resolve targets.
type fakeSource struct {
	files    map[string]string
	symlinks map[string]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		files:    make(map[string]string),
		symlinks: make(map[string]string),
	}
}

func (s *fakeSource) set(p, v string) { s.files[p] = v }

func (s *fakeSource) ReadString(elem ...string) (string, error) {
	v, ok := s.files[path.Join(elem...)]
	if !ok {
		return "", fmt.Errorf("%s: %w", path.Join(elem...), errNotFoundFake)
	}
	return strings.TrimSpace(v), nil
}

func (s *fakeSource) ReadInt(elem ...string) (int64, error) {
	v, err := s.ReadString(elem...)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad int %q", v)
	}
	return n, nil
}

func (s *fakeSource) Exists(elem ...string) bool {
	p := path.Join(elem...)
	if _, ok := s.files[p]; ok {
		return true
	}
	for k := range s.files {
		if strings.HasPrefix(k, p+"/") {
			return true
		}
	}
	return false
}

func (s *fakeSource) Resolve(p string) (string, error) {
	if target, ok := s.symlinks[p]; ok {
		return target, nil
	}
	if s.Exists(p) {
		return p, nil
	}
	return "", fmt.Errorf("%s: %w", p, errNotFoundFake)
}

var errNotFoundFake = fmt.Errorf("fake source: not found")
