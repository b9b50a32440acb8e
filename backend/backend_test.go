package backend

// Common initialization and testing tools for all test files.

import (
	"context"
	"flag"
	"testing"

	"github.com/gomlx/gowhisper/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var flagPluginPath = flag.String("plugin", "", "path to a backend plugin to load in TestLoadPlugin, if not empty")

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

// testImpl is a minimal Implementation with one host device, used to test the registry and tensor I/O.
type testImpl struct {
	name    string
	devices []Device
}

func newTestImpl(name string, deviceNames ...string) *testImpl {
	impl := &testImpl{name: name}
	for _, deviceName := range deviceNames {
		d := &testDevice{name: deviceName, impl: impl, deviceType: DeviceCPUFull}
		d.bt = NewHostBufferType(deviceName, d, BufferAlignment, 0)
		impl.devices = append(impl.devices, d)
	}
	return impl
}

func (impl *testImpl) Name() string { return impl.name }
func (impl *testImpl) Devices() []Device { return impl.devices }

type testDevice struct {
	NoEvents
	name       string
	impl       *testImpl
	deviceType DeviceType
	bt         *HostBufferType
}

func (d *testDevice) Name() string { return d.name }
func (d *testDevice) Description() string { return "test device " + d.name }
func (d *testDevice) Memory() (free, total uint64) { return 1 << 20, 1 << 30 }
func (d *testDevice) Type() DeviceType { return d.deviceType }
func (d *testDevice) Caps() DeviceCaps { return DeviceCaps{} }
func (d *testDevice) BufferType() BufferType { return d.bt }
func (d *testDevice) HostBufferType() BufferType { return nil }
func (d *testDevice) SupportsOp(node *Tensor) bool { return true }
func (d *testDevice) SupportsBufferType(bt BufferType) bool { return bt.IsHost() }
func (d *testDevice) OffloadOp(node *Tensor) bool { return false }
func (d *testDevice) Implementation() Implementation { return d.impl }

func (d *testDevice) Init(params string) (Backend, error) {
	p, err := ParseParams(params)
	if err != nil {
		return nil, err
	}
	if err := p.CheckKnown(); err != nil {
		return nil, err
	}
	return &testBackend{device: d}, nil
}

type testBackend struct {
	device *testDevice
}

func (b *testBackend) Name() string { return b.device.name }
func (b *testBackend) Device() Device { return b.device }
func (b *testBackend) GraphCompute(ctx context.Context, g *Graph) error { return nil }
func (b *testBackend) Synchronize() error { return nil }
func (b *testBackend) Close() error { return nil }

func TestTensorIO(t *testing.T) {
	bt := NewHostBufferType("io", nil, BufferAlignment, 0)
	g := NewGraph("io")
	x := g.Input("x", MakeShape(dtypes.Float32, 2, 3))
	h := g.Leaf("h", MakeShape(dtypes.Float16, 2, 3))
	i := g.Leaf("i", MakeShape(dtypes.Int32, 3))
	buffer := must.M1(AllocTensors(bt, UsageCompute, x, h, i))
	defer func() { require.NoError(t, buffer.Free()) }()

	values := []float32{1, 2, 3, -0.5, 0.25, 100}
	require.NoError(t, SetFloat32s(x, values))
	require.Equal(t, values, capture(Float32s(x)).Test(t))
	require.NoError(t, SetFloat32s(h, values))
	require.Equal(t, values, capture(Float32s(h)).Test(t)) // All values are exactly representable in float16.
	require.NoError(t, SetFloat32s(i, []float32{1.7, -2, 3}))
	require.Equal(t, []float32{1, -2, 3}, capture(Float32s(i)).Test(t))
	require.Error(t, SetFloat32s(x, values[:3]))

	// Partial reads and writes.
	require.NoError(t, TensorSet(x, Float32Bytes([]float32{7, 8}), 4))
	dst := make([]byte, 8)
	require.NoError(t, TensorGet(x, dst, 8))
	require.Equal(t, []float32{8, -0.5}, BytesAsFloat32(dst))
	require.Equal(t, []float32{1, 7, 8, -0.5, 0.25, 100}, capture(Float32s(x)).Test(t))
	require.Error(t, TensorSet(x, make([]byte, 8), 20))
	require.Error(t, TensorGet(x, make([]byte, 25), 0))

	// Asynchronous versions fall back to synchronous ones for backends that are not asynchronous.
	b := &testBackend{}
	require.NoError(t, TensorSetAsync(b, x, Float32Bytes([]float32{9}), 0))
	require.NoError(t, TensorGetAsync(b, x, dst[:4], 0))
	require.Equal(t, []float32{9}, BytesAsFloat32(dst[:4]))

	// Unallocated tensors.
	y := g.Leaf("y", MakeShape(dtypes.Float32, 1))
	require.Error(t, TensorSet(y, make([]byte, 4), 0))
}

func TestTensorCopy(t *testing.T) {
	host := NewHostBufferType("host", nil, BufferAlignment, 0)
	device := NewDeviceBufferType("device", nil, BufferAlignment, 0)
	g := NewGraph("copy")
	src := g.Input("src", MakeShape(dtypes.Float32, 4))
	dst := g.Leaf("dst", MakeShape(dtypes.Float32, 4))
	other := g.Leaf("other", MakeShape(dtypes.Float32, 5))
	hostBuffer := must.M1(AllocTensors(host, UsageAny, src, other))
	deviceBuffer := must.M1(AllocTensors(device, UsageAny, dst))
	defer func() {
		require.NoError(t, hostBuffer.Free())
		require.NoError(t, deviceBuffer.Free())
	}()

	require.NoError(t, SetFloat32s(src, []float32{1, 2, 3, 4}))
	require.NoError(t, TensorCopy(src, dst))
	require.Equal(t, []float32{1, 2, 3, 4}, capture(Float32s(dst)).Test(t))
	require.Error(t, TensorCopy(src, other))
}

func TestGraphBuilders(t *testing.T) {
	g := NewGraph("builders")
	x := g.Input("x", MakeShape(dtypes.Float32, 4, 8))
	bias := g.Leaf("bias", MakeShape(dtypes.Float32, 8))
	w := g.Leaf("w", MakeShape(dtypes.Float16, 8, 3))
	require.Equal(t, 3, g.Version())

	y := capture(g.Add(x, bias)).Test(t)
	require.Equal(t, "Add#3", y.Name())
	y = capture(g.GELU(y)).Test(t)
	z := capture(g.MatMul(y, w)).Test(t)
	require.True(t, z.Shape().Equal(MakeShape(dtypes.Float32, 4, 3)))
	s := capture(g.SumRows(z)).Test(t)
	require.Equal(t, []int{4, 1}, s.Shape().Dimensions)
	c := capture(g.Copy(z, dtypes.Float16)).Test(t)
	require.Equal(t, dtypes.Float16, c.DType())
	require.Equal(t, 8, g.NumNodes())

	// Outputs are nodes not consumed, or explicitly marked.
	require.Equal(t, []*Tensor{s, c}, g.Outputs())
	g.MarkOutput(y)
	require.Equal(t, []*Tensor{y, s, c}, g.Outputs())

	// Changing flags changes the version, setting the same flags again doesn't.
	version := g.Version()
	z.SetFlags(FlagOutput)
	require.Equal(t, version+1, g.Version())
	z.SetFlags(FlagOutput)
	require.Equal(t, version+1, g.Version())
	require.Equal(t, []*Tensor{y, z, s, c}, g.Outputs())

	// Invalid operations.
	_, err := g.Add(x, w)
	require.Error(t, err)
	_, err = g.MatMul(x, x)
	require.Error(t, err)
	_, err = g.Copy(x, dtypes.Int32)
	require.Error(t, err)
	g2 := NewGraph("other")
	_, err = g2.GELU(x)
	require.Error(t, err)

	// Views substitute inputs without changing the nodes.
	x2 := NewTensor("x2", OpNone, x.Shape())
	view := g.View("view", g.Nodes()[3:5], map[*Tensor]*Tensor{x: x2})
	require.True(t, view.IsView())
	require.Equal(t, x2, view.Src(g.Node(3), 0))
	require.Equal(t, x, g.Node(3).Input(0))
	require.Panics(t, func() { _ = view.Input("bad", x.Shape()) })
}
