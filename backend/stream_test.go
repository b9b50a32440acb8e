package backend

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type streamTestBackend struct {
	testBackend
	stream *Stream
}

func (b *streamTestBackend) Stream() *Stream    { return b.stream }
func (b *streamTestBackend) Synchronize() error { return b.stream.Synchronize() }

func TestStream(t *testing.T) {
	s := NewStream("test")
	var order []int
	for ii := range 100 {
		s.Enqueue(func() error {
			order = append(order, ii)
			return nil
		})
	}
	require.NoError(t, s.Synchronize())
	require.Len(t, order, 100)
	for ii, v := range order {
		require.Equal(t, ii, v)
	}

	// The first error is reported, but all tasks still run.
	var count atomic.Int32
	s.Enqueue(func() error { return errors.New("first") })
	s.Enqueue(func() error { count.Add(1); return errors.New("second") })
	err := s.Synchronize()
	require.ErrorContains(t, err, "first")
	require.NotContains(t, err.Error(), "second")
	require.Equal(t, int32(1), count.Load())
	require.NoError(t, s.Synchronize(), "error is cleared after being reported")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Panics(t, func() { s.Enqueue(func() error { return nil }) })
}

func TestStreamEvent(t *testing.T) {
	producer := &streamTestBackend{stream: NewStream("producer")}
	consumer := &streamTestBackend{stream: NewStream("consumer")}
	defer func() {
		require.NoError(t, producer.stream.Close())
		require.NoError(t, consumer.stream.Close())
	}()

	event := NewStreamEvent(nil)
	require.NoError(t, event.Synchronize(), "event never recorded fires immediately")

	release := make(chan struct{})
	var produced atomic.Bool
	producer.stream.Enqueue(func() error {
		<-release
		produced.Store(true)
		return nil
	})
	require.NoError(t, event.Record(producer))
	require.NoError(t, event.Wait(consumer))
	var observed atomic.Bool
	consumer.stream.Enqueue(func() error {
		observed.Store(produced.Load())
		return nil
	})
	close(release)
	require.NoError(t, consumer.Synchronize())
	require.True(t, observed.Load(), "consumer must observe the work of the producer")
	require.NoError(t, event.Synchronize())

	// Backends without streams synchronize.
	require.NoError(t, event.Record(&testBackend{}))
	require.NoError(t, event.Wait(&testBackend{}))
}
