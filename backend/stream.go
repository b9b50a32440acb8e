package backend

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream is an ordered queue of asynchronous work, executed by one goroutine.
//
// All tasks are executed, even after a failure: the first error returned by a task is kept and returned
// by the next Synchronize.
type Stream struct {
	name  string
	tasks chan func() error

	mu      sync.Mutex
	cond    sync.Cond
	err     error
	pending int
	closed  bool
	done    chan struct{}
}

// streamQueueSize is the number of tasks that can be queued before Enqueue blocks.
const streamQueueSize = 256

// NewStream creates a Stream and starts its goroutine. It must be closed with Close.
func NewStream(name string) *Stream {
	s := &Stream{
		name:  name,
		tasks: make(chan func() error, streamQueueSize),
		done:  make(chan struct{}),
	}
	s.cond.L = &s.mu
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for task := range s.tasks {
		err := task()
		if err != nil {
			klog.V(1).Infof("stream %q: task failed: %v", s.name, err)
		}
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.pending--
		if s.pending == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}
}

// Enqueue adds the task to the end of the stream. It blocks if the queue is full.
// It panics if the stream has been closed.
func (s *Stream) Enqueue(task func() error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic(errors.Errorf("stream %q: Enqueue called after Close", s.name))
	}
	s.pending++
	s.mu.Unlock()
	s.tasks <- task
}

// Synchronize blocks until all the tasks queued so far are executed, and returns and clears the first
// error returned by them.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	if err != nil {
		return errors.WithMessagef(err, "stream %q", s.name)
	}
	return nil
}

// Close waits for the queued tasks and stops the stream goroutine. It is safe to call it more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.Synchronize()
	close(s.tasks)
	<-s.done
	return err
}
