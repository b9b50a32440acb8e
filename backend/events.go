package backend

import (
	"sync"

	"github.com/pkg/errors"
)

// Event is a cross-backend synchronization point, bound to one Device.
//
// Record marks the completion point of the work queued so far on a backend; Wait makes a backend
// not proceed with work queued afterwards until the last recorded point is reached.
type Event interface {
	// Record snapshots the completion point of the work queued on b.
	Record(b Backend) error

	// Wait inserts a dependency in b: work queued in b after Wait doesn't start until the event fires.
	// If b can't queue the wait, it blocks the caller until the event fires.
	Wait(b Backend) error

	// Synchronize blocks the caller until the event fires. An event never recorded fires immediately.
	Synchronize() error
}

// StreamBackend is implemented by backends that execute their asynchronous work on a Stream.
type StreamBackend interface {
	Backend
	Stream() *Stream
}

// StreamEvent implements Event for backends that queue their work on a Stream.
// It is created by the Device.NewEvent of such implementations.
type StreamEvent struct {
	device Device

	mu    sync.Mutex
	fired chan struct{}
}

var _ Event = (*StreamEvent)(nil)

// NewStreamEvent creates an event bound to the device. It is not recorded, so it fires immediately.
func NewStreamEvent(device Device) *StreamEvent {
	e := &StreamEvent{device: device}
	e.fired = make(chan struct{})
	close(e.fired)
	return e
}

// Device the event is bound to.
func (e *StreamEvent) Device() Device { return e.device }

// Record implements Event. If b doesn't execute on a stream, the work on b is synchronized and the event fires
// immediately.
func (e *StreamEvent) Record(b Backend) error {
	fired := make(chan struct{})
	e.mu.Lock()
	e.fired = fired
	e.mu.Unlock()

	sb, ok := b.(StreamBackend)
	if !ok {
		err := b.Synchronize()
		close(fired)
		return err
	}
	sb.Stream().Enqueue(func() error {
		close(fired)
		return nil
	})
	return nil
}

func (e *StreamEvent) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Wait implements Event.
func (e *StreamEvent) Wait(b Backend) error {
	fired := e.current()
	if sb, ok := b.(StreamBackend); ok {
		sb.Stream().Enqueue(func() error {
			<-fired
			return nil
		})
		return nil
	}
	<-fired
	return nil
}

// Synchronize implements Event.
func (e *StreamEvent) Synchronize() error {
	<-e.current()
	return nil
}

// NoEvents can be embedded in devices without the Events capability to implement Device.NewEvent.
type NoEvents struct{}

// NewEvent implements Device.NewEvent, returning ErrUnsupported.
func (NoEvents) NewEvent() (Event, error) {
	return nil, errors.Wrap(ErrUnsupported, "device has no events capability")
}
