package sched

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/gomlx/gowhisper/backend"
	"github.com/gomlx/gowhisper/cpu"
	"github.com/gomlx/gowhisper/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// fakeDevice is an accelerator with memory not visible to the host, that supports the nodes selected
// by a predicate. It computes with the CPU kernels.
type fakeDevice struct {
	name     string
	bt       *backend.HostBufferType
	supports func(node *backend.Tensor) bool
	offload  func(node *backend.Tensor) bool

	// hostBuffers makes the device also use tensors in host memory directly.
	hostBuffers bool
}

func newFakeDevice(name string, supports func(node *backend.Tensor) bool) *fakeDevice {
	d := &fakeDevice{name: name, supports: supports}
	d.bt = backend.NewDeviceBufferType(name, d, backend.BufferAlignment, 0)
	return d
}

func supportsOps(ops ...backend.OpType) func(node *backend.Tensor) bool {
	return func(node *backend.Tensor) bool { return slices.Contains(ops, node.Op()) }
}

func supportsNames(names ...string) func(node *backend.Tensor) bool {
	return func(node *backend.Tensor) bool { return slices.Contains(names, node.Name()) }
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Description() string { return "fake device " + d.name }
func (d *fakeDevice) Memory() (free, total uint64) { return 0, 0 }
func (d *fakeDevice) Type() backend.DeviceType { return backend.DeviceGPU }
func (d *fakeDevice) Caps() backend.DeviceCaps { return backend.DeviceCaps{} }
func (d *fakeDevice) BufferType() backend.BufferType { return d.bt }
func (d *fakeDevice) HostBufferType() backend.BufferType { return nil }
func (d *fakeDevice) SupportsBufferType(bt backend.BufferType) bool {
	return bt == d.bt || (d.hostBuffers && bt.IsHost())
}
func (d *fakeDevice) Implementation() backend.Implementation { return nil }

func (d *fakeDevice) NewEvent() (backend.Event, error) {
	return nil, backend.ErrUnsupported
}

func (d *fakeDevice) SupportsOp(node *backend.Tensor) bool {
	return node.IsLeaf() || d.supports(node)
}

func (d *fakeDevice) OffloadOp(node *backend.Tensor) bool {
	return d.offload != nil && d.offload(node)
}

func (d *fakeDevice) Init(params string) (backend.Backend, error) {
	return &fakeBackend{device: d}, nil
}

type fakeBackend struct {
	device *fakeDevice

	mu       sync.Mutex
	computed []string
}

func (b *fakeBackend) Name() string { return b.device.name }
func (b *fakeBackend) Device() backend.Device { return b.device }
func (b *fakeBackend) Synchronize() error { return nil }
func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) GraphCompute(ctx context.Context, g *backend.Graph) error {
	b.mu.Lock()
	for _, node := range g.Nodes() {
		b.computed = append(b.computed, node.Name())
	}
	b.mu.Unlock()
	plan := cpu.GraphPlan(g, 1, nil)
	return cpu.ComputeWithPlan(ctx, g, plan, make([]byte, plan.WorkSize))
}

func newFake(t *testing.T, name string, supports func(node *backend.Tensor) bool) *fakeBackend {
	return must.M1(newFakeDevice(name, supports).Init("")).(*fakeBackend)
}

func newCPU(t *testing.T) *cpu.Backend {
	b := must.M1(cpu.New("n_threads=2"))
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func newScheduler(t *testing.T, backends ...backend.Backend) *Scheduler {
	s := must.M1(New(backends, nil, 0, false))
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func iota32(n int, scale, offset float32) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(ii)*scale + offset
	}
	return values
}

// buildChain builds A = input, B = GELU(A), C = Scale(B).
func buildChain() (g *backend.Graph, a, b, c *backend.Tensor) {
	g = backend.NewGraph("chain")
	a = g.Input("A", backend.MakeShape(dtypes.Float32, 2, 8))
	b = must.M1(g.GELU(a)).SetName("B")
	c = must.M1(g.Scale(b, 2)).SetName("C")
	return
}

// computeChain allocates and computes the chain, and returns the value of C.
func computeChain(t *testing.T, s *Scheduler, g *backend.Graph, a, c *backend.Tensor) []float32 {
	require.NoError(t, s.AllocGraph(g))
	require.NoError(t, backend.SetFloat32s(a, iota32(16, 0.5, -4)))
	require.NoError(t, s.GraphCompute(context.Background(), g))
	return must.M1(backend.Float32s(c))
}

func TestNew(t *testing.T) {
	cpuBackend := newCPU(t)
	fake := newFake(t, "fake", supportsOps())

	_, err := New(nil, nil, 0, false)
	require.Error(t, err)
	_, err = New([]backend.Backend{cpuBackend, fake}, nil, 0, false)
	require.Error(t, err, "last backend must be the CPU")
	_, err = New([]backend.Backend{fake, cpuBackend}, []backend.BufferType{nil}, 0, false)
	require.Error(t, err)
	_, err = New([]backend.Backend{fake, cpuBackend}, []backend.BufferType{cpu.GetDevice().BufferType(), nil}, 0, false)
	require.Error(t, err, "fake device doesn't support host buffers")
	_, err = New([]backend.Backend{cpuBackend, cpuBackend}, nil, 0, false)
	require.Error(t, err)

	s := newScheduler(t, fake, cpuBackend)
	assert.Equal(t, 2, s.NumBackends())
	assert.Equal(t, fake, s.Backend(0))
	assert.Equal(t, backend.BufferType(fake.device.bt), s.BufferType(0))
	assert.Equal(t, StateUninitialized, s.State())
	assert.Equal(t, 0, s.NumSplits())
	assert.Nil(t, s.Splits())
}

// A single backend supports the operations: one split, no copies.
func TestSingleBackendScenario(t *testing.T) {
	fake := newFake(t, "fake", supportsOps())
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	g, a, b, c := buildChain()
	got := computeChain(t, s, g, a, c)

	assert.Equal(t, 1, s.NumSplits())
	assert.Equal(t, 0, s.NumCopies())
	split := s.Splits()[0]
	assert.Equal(t, backend.Backend(cpuBackend), split.Backend)
	assert.Equal(t, []*backend.Tensor{a, b, c}, split.Nodes)
	assert.Empty(t, fake.computed)
	assert.Equal(t, StateIdle, s.State())

	// Reference values computed directly.
	g2, a2, _, c2 := buildChain()
	must.M1(backend.AllocTensors(cpu.GetDevice().BufferType(), backend.UsageCompute, g2.Nodes()...))
	require.NoError(t, backend.SetFloat32s(a2, iota32(16, 0.5, -4)))
	require.NoError(t, cpuBackend.GraphCompute(context.Background(), g2))
	assert.Equal(t, must.M1(backend.Float32s(c2)), got)
}

// The accelerator, first in priority, supports only C: two splits, and B is copied to it.
func TestTwoBackendScenario(t *testing.T) {
	fake := newFake(t, "fake", supportsNames("C"))
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	g, a, b, c := buildChain()
	got := computeChain(t, s, g, a, c)

	require.Equal(t, 2, s.NumSplits())
	require.Equal(t, 1, s.NumCopies())
	splits := s.Splits()
	assert.Equal(t, backend.Backend(cpuBackend), splits[0].Backend)
	assert.Equal(t, []*backend.Tensor{a, b}, splits[0].Nodes)
	assert.Equal(t, backend.Backend(fake), splits[1].Backend)
	assert.Equal(t, []*backend.Tensor{c}, splits[1].Nodes)
	cp := splits[1].Copies[0]
	assert.Equal(t, b, cp.Src)
	assert.Equal(t, "B#fake#1", cp.Dst.Name())
	assert.Equal(t, fake.device.bt, cp.Dst.Buffer().Type())
	assert.Equal(t, []int{0}, splits[1].Deps)
	assert.Equal(t, []string{"C"}, fake.computed)
	assert.Equal(t, backend.Backend(fake), s.TensorBackend(c))
	assert.Equal(t, backend.Backend(cpuBackend), s.TensorBackend(a))

	s2 := newScheduler(t, newCPU(t))
	g2, a2, _, c2 := buildChain()
	assert.Equal(t, computeChain(t, s2, g2, a2, c2), got)
}

// buildAlternating builds a graph whose nodes alternate between the accelerator (Scale and Add) and the CPU.
func buildAlternating() (g *backend.Graph, x, w, bias, f *backend.Tensor) {
	g = backend.NewGraph("alternating")
	x = g.Input("x", backend.MakeShape(dtypes.Float32, 3, 4))
	w = g.Leaf("w", backend.MakeShape(dtypes.Float32, 4, 4))
	bias = g.Leaf("bias", backend.MakeShape(dtypes.Float32, 4))
	a := must.M1(g.MatMul(x, w)).SetName("a")
	b := must.M1(g.Scale(a, 0.5)).SetName("b")
	c := must.M1(g.GELU(b)).SetName("c")
	d := must.M1(g.Add(c, bias)).SetName("d")
	e := must.M1(g.Add(b, d)).SetName("e")
	f = must.M1(g.SoftMax(e)).SetName("f")
	return
}

func setAlternatingInputs(t *testing.T, x, w, bias *backend.Tensor) {
	require.NoError(t, backend.SetFloat32s(x, iota32(12, 0.25, -1)))
	require.NoError(t, backend.SetFloat32s(w, iota32(16, -0.1, 0.8)))
	require.NoError(t, backend.SetFloat32s(bias, iota32(4, 0.3, -0.2)))
}

func TestDeterminismAndCoverage(t *testing.T) {
	fake := newFake(t, "fake", supportsOps(backend.OpScale, backend.OpAdd))
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	g, x, w, bias, f := buildAlternating()

	var wantPlan string
	var wantValues []float32
	for cycle := range 5 {
		require.NoError(t, s.Reset())
		require.NoError(t, s.AllocGraph(g))
		setAlternatingInputs(t, x, w, bias)
		require.NoError(t, s.GraphCompute(context.Background(), g))
		plan := must.M1(s.PlanJSON())
		values := must.M1(backend.Float32s(f))
		if cycle == 0 {
			wantPlan, wantValues = plan, values
		} else {
			require.Equal(t, wantPlan, plan, "cycle %d", cycle)
			require.Equal(t, wantValues, values, "cycle %d", cycle)
		}
	}

	require.Equal(t, 5, s.NumSplits())
	require.Equal(t, 4, s.NumCopies())
	splits := s.Splits()
	for ii, sp := range splits {
		wantBackend := backend.Backend(cpuBackend)
		if ii%2 == 1 {
			wantBackend = fake
		}
		assert.Equal(t, wantBackend, sp.Backend, "split %d", ii)
	}

	// Coverage: every node has a backend, that supports it.
	for _, node := range g.Nodes() {
		b := s.TensorBackend(node)
		require.NotNil(t, b, "node %s", node)
		assert.True(t, b.Device().SupportsOp(node), "node %s", node)
	}

	// Boundary copies: every input produced on another backend, which the consumer can't use, is copied
	// at the start of the consuming split, after the split that produced it.
	splitOf := make(map[*backend.Tensor]int)
	for ii, sp := range splits {
		for _, node := range sp.Nodes {
			splitOf[node] = ii
		}
	}
	for ii, sp := range splits {
		for _, c := range sp.Copies {
			assert.Less(t, splitOf[c.Src], ii)
			assert.NotEqual(t, sp.Backend, s.TensorBackend(c.Src))
			assert.Equal(t, sp.Backend, s.TensorBackend(c.Dst))
			assert.Contains(t, sp.Deps, splitOf[c.Src])
		}
	}

	// Same values as the CPU alone.
	s2 := newScheduler(t, newCPU(t))
	g2, x2, w2, bias2, f2 := buildAlternating()
	require.NoError(t, s2.AllocGraph(g2))
	setAlternatingInputs(t, x2, w2, bias2)
	require.NoError(t, s2.GraphCompute(context.Background(), g2))
	assert.Equal(t, 1, s2.NumSplits())
	assert.Equal(t, must.M1(backend.Float32s(f2)), wantValues)
}

func TestWeightAffinity(t *testing.T) {
	newGraph := func() (g *backend.Graph, x, w, y, z *backend.Tensor, weights *backend.Buffer) {
		g = backend.NewGraph("weights")
		x = g.Input("x", backend.MakeShape(dtypes.Float32, 2, 4))
		w = g.Leaf("w", backend.MakeShape(dtypes.Float32, 4, 4))
		y = must.M1(g.MatMul(x, w)).SetName("y")
		z = must.M1(g.GELU(x)).SetName("z")
		weights = must.M1(backend.AllocTensors(cpu.GetDevice().BufferType(), backend.UsageWeights, w))
		require.NoError(t, backend.SetFloat32s(w, iota32(16, 0.1, 0)))
		return
	}

	fake := newFake(t, "fake", supportsOps(backend.OpMatMul, backend.OpGELU))
	fake.device.hostBuffers = true
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	g, _, w, y, z, weights := newGraph()
	defer func() { require.NoError(t, weights.Free()) }()
	require.NoError(t, s.AllocGraph(g))
	assert.Equal(t, backend.Backend(cpuBackend), s.TensorBackend(w), "caller allocated leaves pinned to their buffer")
	assert.Equal(t, backend.Backend(cpuBackend), s.TensorBackend(y), "node with weights goes to the weights backend")
	assert.Equal(t, backend.Backend(fake), s.TensorBackend(z), "node without weights goes to the first backend")

	// Without the weights usage, the first backend takes it.
	weights.SetUsage(backend.UsageAny)
	require.NoError(t, s.Reset())
	require.NoError(t, s.AllocGraph(g))
	assert.Equal(t, backend.Backend(fake), s.TensorBackend(y))
	require.Equal(t, 1, s.NumCopies(), "the weights are copied to the buffer of the accelerator")
	assert.Equal(t, w, s.Splits()[0].Copies[0].Src)
	weights.SetUsage(backend.UsageWeights)

	// A higher priority backend that prefers the operation takes it.
	fake.device.offload = func(node *backend.Tensor) bool { return node.Op() == backend.OpMatMul }
	require.NoError(t, s.Reset())
	require.NoError(t, s.AllocGraph(g))
	assert.Equal(t, backend.Backend(fake), s.TensorBackend(y))
	fake.device.offload = nil

	// Weights in buffers of two backends: the one with highest priority wins.
	g2 := backend.NewGraph("two_weights")
	u := g2.Leaf("u", backend.MakeShape(dtypes.Float32, 4))
	v := g2.Leaf("v", backend.MakeShape(dtypes.Float32, 4))
	sum := must.M1(g2.Add(u, v))
	sumOps := newFake(t, "fake2", supportsOps(backend.OpAdd))
	s2 := newScheduler(t, sumOps, cpuBackend)
	uBuffer := must.M1(backend.AllocTensors(sumOps.device.bt, backend.UsageWeights, u))
	defer func() { require.NoError(t, uBuffer.Free()) }()
	vBuffer := must.M1(backend.AllocTensors(cpu.GetDevice().BufferType(), backend.UsageWeights, v))
	defer func() { require.NoError(t, vBuffer.Free()) }()
	require.NoError(t, s2.AllocGraph(g2))
	assert.Equal(t, backend.Backend(sumOps), s2.TensorBackend(sum))
	assert.Equal(t, 1, s2.NumCopies(), "v must be copied to the accelerator")
}

func TestReserve(t *testing.T) {
	cpuBackend := newCPU(t)
	s := newScheduler(t, cpuBackend)

	newChain := func(rows, length int) (*backend.Graph, *backend.Tensor, *backend.Tensor) {
		g := backend.NewGraph("chain")
		x := g.Input("x", backend.MakeShape(dtypes.Float32, rows, 16))
		y := x
		for range length {
			y = must.M1(g.GELU(y))
		}
		return g, x, y
	}

	// The input, and two slots alternately reused by the GELUs.
	g, x, y := newChain(4, 5)
	require.NoError(t, s.Reserve(g))
	assert.Equal(t, StateReserved, s.State())
	assert.Equal(t, 0, s.NumSplits(), "the measure graph is not left allocated")
	size := s.BufferSize(cpuBackend)
	assert.Equal(t, 3*256, size)
	require.NoError(t, s.Reserve(g))
	assert.Equal(t, size, s.BufferSize(cpuBackend))

	// Smaller graphs don't shrink it.
	small, _, _ := newChain(1, 2)
	require.NoError(t, s.Reserve(small))
	assert.Equal(t, size, s.BufferSize(cpuBackend))

	// Allocation of the measured graph doesn't grow it.
	require.NoError(t, s.AllocGraph(g))
	assert.Equal(t, StateAllocated, s.State())
	assert.Equal(t, size, s.BufferSize(cpuBackend))
	require.NoError(t, backend.SetFloat32s(x, iota32(64, 0.1, -3)))
	require.NoError(t, s.GraphCompute(context.Background(), g))
	_ = must.M1(backend.Float32s(y))

	// Larger graphs grow it, and the graph allocated before is re-allocated when computed.
	large, _, _ := newChain(8, 5)
	require.NoError(t, s.Reserve(large))
	assert.Equal(t, 2*size, s.BufferSize(cpuBackend))
	require.NoError(t, s.GraphCompute(context.Background(), g))

	require.NoError(t, s.Reset())
	assert.Equal(t, StateReserved, s.State())
	assert.Equal(t, 2*size, s.BufferSize(cpuBackend), "Reset keeps the buffers")
}

func TestAllocFailed(t *testing.T) {
	cpuBackend := newCPU(t)
	small := backend.NewHostBufferType("small", cpu.GetDevice(), backend.BufferAlignment, 1024)
	s := must.M1(New([]backend.Backend{cpuBackend}, []backend.BufferType{small}, 0, false))
	defer func() { require.NoError(t, s.Close()) }()

	g := backend.NewGraph("large")
	x := g.Input("x", backend.MakeShape(dtypes.Float32, 16, 16))
	_ = must.M1(g.GELU(must.M1(g.GELU(x))))
	err := s.AllocGraph(g)
	require.ErrorIs(t, err, backend.ErrAllocFailed)
	assert.Equal(t, backend.StatusAllocFailed, backend.StatusOf(err))
	assert.Equal(t, StateUninitialized, s.State())

	// Still usable for smaller graphs.
	g2, a, _, c := buildChain()
	_ = computeChain(t, s, g2, a, c)
	assert.Equal(t, 1, s.NumSplits())
}

func TestUnsupported(t *testing.T) {
	fake := newFake(t, "fake", supportsOps(backend.OpScale))
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)

	// Forced to a backend that doesn't support it.
	g, _, b, _ := buildChain()
	require.NoError(t, s.SetTensorBackend(b, fake))
	require.ErrorIs(t, s.AllocGraph(g), backend.ErrUnsupported)
	assert.Equal(t, backend.StatusFailed, backend.StatusOf(s.AllocGraph(g)))

	// Tensor in a buffer no backend can use.
	require.NoError(t, s.Reset())
	g2 := backend.NewGraph("orphan")
	x := g2.Leaf("x", backend.MakeShape(dtypes.Float32, 4))
	_ = must.M1(g2.GELU(x))
	orphan := backend.NewDeviceBufferType("orphan", nil, backend.BufferAlignment, 0)
	buffer := must.M1(backend.AllocTensors(orphan, backend.UsageAny, x))
	defer func() { require.NoError(t, buffer.Free()) }()
	require.ErrorIs(t, s.GraphCompute(context.Background(), g2), backend.ErrUnsupported)
}

func TestSetTensorBackend(t *testing.T) {
	fake := newFake(t, "fake", supportsOps(backend.OpGELU, backend.OpScale))
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	g, a, b, c := buildChain()

	require.NoError(t, s.AllocGraph(g))
	assert.Equal(t, backend.Backend(fake), s.TensorBackend(b))
	require.ErrorIs(t, s.SetTensorBackend(b, cpuBackend), backend.ErrMisuse)
	require.ErrorIs(t, s.SetTensorBackend(b, newCPU(t)), backend.ErrMisuse, "not one of the scheduler's backends")

	require.NoError(t, s.Reset())
	require.NoError(t, s.SetTensorBackend(b, cpuBackend))
	assert.Equal(t, backend.Backend(cpuBackend), s.TensorBackend(b))
	got := computeChain(t, s, g, a, c)
	assert.Equal(t, backend.Backend(cpuBackend), s.TensorBackend(b))
	assert.Equal(t, backend.Backend(fake), s.TensorBackend(c))
	assert.Equal(t, 2, s.NumSplits())

	// Reset also discards the overrides.
	require.NoError(t, s.Reset())
	require.NoError(t, s.AllocGraph(g))
	assert.Equal(t, backend.Backend(fake), s.TensorBackend(b))
	assert.Equal(t, 1, s.NumSplits())
	require.NoError(t, backend.SetFloat32s(a, iota32(16, 0.5, -4)))
	require.NoError(t, s.GraphCompute(context.Background(), g))
	assert.Equal(t, got, must.M1(backend.Float32s(c)))
}

func TestEvalCallback(t *testing.T) {
	fake := newFake(t, "fake", supportsOps(backend.OpScale, backend.OpAdd))
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	g, x, w, bias, f := buildAlternating()
	require.NoError(t, s.AllocGraph(g))
	setAlternatingInputs(t, x, w, bias)
	require.NoError(t, s.GraphCompute(context.Background(), g))
	want := must.M1(backend.Float32s(f))

	// Observe everything, and stop at "c".
	var asked, observed []string
	s.SetEvalCallback(func(node *backend.Tensor, ask bool) bool {
		if ask {
			asked = append(asked, node.Name())
			return true
		}
		observed = append(observed, node.Name())
		_ = must.M1(backend.Float32s(node))
		return node.Name() != "c"
	})
	err := s.GraphCompute(context.Background(), g)
	require.ErrorIs(t, err, backend.ErrAborted)
	assert.Equal(t, backend.StatusAborted, backend.StatusOf(err))
	assert.Equal(t, []string{"a", "b", "c"}, observed)
	assert.Equal(t, []string{"a", "b", "c"}, asked)

	// Observing only one node.
	asked, observed = nil, nil
	s.SetEvalCallback(func(node *backend.Tensor, ask bool) bool {
		if ask {
			asked = append(asked, node.Name())
			return node.Name() == "d"
		}
		observed = append(observed, node.Name())
		return true
	})
	require.NoError(t, s.GraphCompute(context.Background(), g))
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, asked)
	assert.Equal(t, []string{"d"}, observed)
	assert.Equal(t, want, must.M1(backend.Float32s(f)))

	// After an abort, the next computations are complete and correct.
	s.SetEvalCallback(nil)
	require.NoError(t, s.GraphCompute(context.Background(), g))
	assert.Equal(t, want, must.M1(backend.Float32s(f)))
}

func TestContextCancel(t *testing.T) {
	fake := newFake(t, "fake", supportsNames("C"))
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	g, a, _, c := buildChain()
	want := computeChain(t, s, g, a, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.GraphCompute(ctx, g), backend.ErrAborted)
	assert.Equal(t, StateIdle, s.State())

	// Cancelled after the first split.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	s.SetEvalCallback(func(node *backend.Tensor, ask bool) bool {
		if node.Name() == "B" && !ask {
			cancel()
		}
		return true
	})
	require.NoError(t, backend.SetFloat32s(c, make([]float32, 16)))
	require.ErrorIs(t, s.GraphCompute(ctx, g), backend.ErrAborted)
	assert.Equal(t, make([]float32, 16), must.M1(backend.Float32s(c)), "C is never computed")

	s.SetEvalCallback(nil)
	require.NoError(t, s.GraphCompute(context.Background(), g))
	assert.Equal(t, want, must.M1(backend.Float32s(c)))
}

func TestGraphChanged(t *testing.T) {
	cpuBackend := newCPU(t)
	s := newScheduler(t, cpuBackend)
	g, a, b, c := buildChain()
	_ = computeChain(t, s, g, a, c)

	// Changing the graph re-allocates it on the next compute.
	d := must.M1(g.Add(b, c)).SetName("D")
	require.NoError(t, s.GraphCompute(context.Background(), g))
	assert.Equal(t, backend.Backend(cpuBackend), s.TensorBackend(d))
	gotB, gotC := must.M1(backend.Float32s(b)), must.M1(backend.Float32s(c))
	gotD := must.M1(backend.Float32s(d))
	for ii := range gotD {
		assert.Equal(t, gotB[ii]+gotC[ii], gotD[ii])
	}
}

// Marking an intermediate value as output after allocation keeps it from being overwritten.
func TestOutputMarkedAfterAlloc(t *testing.T) {
	cpuBackend := newCPU(t)
	s := newScheduler(t, cpuBackend)
	g := backend.NewGraph("marked")
	x := g.Input("x", backend.MakeShape(dtypes.Float32, 16))
	g1 := must.M1(g.Scale(x, 2)).SetName("g1")
	g2 := must.M1(g.Scale(g1, 3)).SetName("g2")
	g3 := must.M1(g.Scale(g2, 5)).SetName("g3")
	require.NoError(t, s.AllocGraph(g))

	g1.SetFlags(backend.FlagOutput)
	require.NoError(t, backend.SetFloat32s(x, iota32(16, 1, 1)))
	require.NoError(t, s.GraphCompute(context.Background(), g))
	assert.NotEqual(t, g1.Offset(), g3.Offset())
	assert.Equal(t, iota32(16, 2, 2), must.M1(backend.Float32s(g1)))
	assert.Equal(t, iota32(16, 30, 30), must.M1(backend.Float32s(g3)))
}

func TestPlanJSON(t *testing.T) {
	fake := newFake(t, "fake", supportsNames("C"))
	cpuBackend := newCPU(t)
	s := newScheduler(t, fake, cpuBackend)
	_, err := s.PlanJSON()
	require.Error(t, err)

	g, _, _, _ := buildChain()
	require.NoError(t, s.AllocGraph(g))
	plan := must.M1(s.PlanJSON())
	assert.Contains(t, plan, `"B#fake#1"`)
	assert.Contains(t, plan, `"chain"`)
	assert.Contains(t, s.String(), "2 splits, 1 copies")
}
