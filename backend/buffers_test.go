package backend

import (
	"runtime"
	"testing"
	"time"

	"github.com/gomlx/gowhisper/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferFree(t *testing.T) {
	bt := NewHostBufferType("test", nil, BufferAlignment, 0)
	before := BuffersAlive()
	buffer := capture(bt.Alloc(100)).Test(t)
	require.Equal(t, before+1, BuffersAlive())
	require.True(t, buffer.IsValid())
	require.Equal(t, 100, buffer.Size())
	require.True(t, buffer.IsHost())
	require.Equal(t, UsageAny, buffer.Usage())
	buffer.SetUsage(UsageWeights)
	require.Equal(t, UsageWeights, buffer.Usage())
	require.NoError(t, buffer.Clear(7))

	require.NoError(t, buffer.Free())
	require.False(t, buffer.IsValid())
	require.Equal(t, before, BuffersAlive())

	// Freeing again is a no-op.
	require.NoError(t, buffer.Free())
	require.Equal(t, before, BuffersAlive())
	require.Error(t, buffer.Clear(0))
}

func TestBufferAutomaticFree(t *testing.T) {
	bt := NewHostBufferType("test", nil, BufferAlignment, 0)
	before := BuffersAlive()
	func() {
		_ = capture(bt.Alloc(1024)).Test(t)
	}()
	for range 10 {
		runtime.GC()
		if BuffersAlive() <= before {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.LessOrEqual(t, BuffersAlive(), before, "buffer should have been freed by the garbage collector")
}

func TestBufferMaxSize(t *testing.T) {
	bt := NewHostBufferType("small", nil, BufferAlignment, 256)
	_, err := bt.Alloc(257)
	require.ErrorIs(t, err, ErrAllocFailed)
	require.Equal(t, StatusAllocFailed, StatusOf(err))
	buffer := capture(bt.Alloc(256)).Test(t)
	require.NoError(t, buffer.Free())
}

func TestAllocTensors(t *testing.T) {
	bt := NewHostBufferType("test", nil, 32, 0)
	g := NewGraph("weights")
	w0 := g.Leaf("w0", MakeShape(dtypes.Float32, 3))    // 12 bytes -> 32.
	w1 := g.Leaf("w1", MakeShape(dtypes.Float16, 5, 7)) // 70 bytes -> 96.
	w2 := g.Leaf("w2", MakeShape(dtypes.Int32, 8))      // 32 bytes.
	buffer := capture(AllocTensors(bt, UsageWeights, w0, w1, w2)).Test(t)
	require.Equal(t, 32+96+32, buffer.Size())
	require.Equal(t, UsageWeights, buffer.Usage())
	for _, w := range []*Tensor{w0, w1, w2} {
		require.True(t, w.IsAllocated())
		require.Equal(t, buffer, w.Buffer())
		require.Zero(t, w.Offset()%32)
	}
	require.Equal(t, 0, w0.Offset())
	require.Equal(t, 32, w1.Offset())
	require.Equal(t, 128, w2.Offset())

	require.NoError(t, buffer.Free())
	require.False(t, w0.IsAllocated())
	require.Nil(t, w0.Data())
}

func TestDeviceBufferType(t *testing.T) {
	bt := NewDeviceBufferType("device", nil, BufferAlignment, 0)
	require.False(t, bt.IsHost())
	buffer := capture(bt.Alloc(16)).Test(t)
	require.False(t, buffer.IsHost())
	require.NoError(t, buffer.Free())
}
