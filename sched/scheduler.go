// Package sched implements the scheduler: it maps a graph onto an ordered list of backends, computing
// which backend executes each node, grouping consecutive nodes of the same backend in splits, copying
// tensors between backends where needed, and allocating the intermediate tensors in one compute buffer
// per backend.
//
// Typical use:
//
//	s, err := sched.New([]backend.Backend{gpu, cpuBackend}, nil, 0, true)
//	...
//	if err := s.AllocGraph(g); err != nil { ... }   // Or directly GraphCompute.
//	if err := backend.SetFloat32s(input, values); err != nil { ... }
//	if err := s.GraphCompute(ctx, g); err != nil { ... }
//	results, err := backend.Float32s(output)
package sched

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gowhisper/backend"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DebugEnv is the environment variable that, if set to a true value, makes the scheduler log the splits
// of every graph allocated. The same is logged with klog verbosity 2.
const DebugEnv = "GOWHISPER_SCHED_DEBUG"

// State of the Scheduler.
type State int

const (
	// StateUninitialized is the state of a new Scheduler, or after Reset if no buffer was reserved.
	StateUninitialized State = iota

	// StateReserved means compute buffers are allocated, but no graph is.
	StateReserved

	// StateAllocated means a graph is allocated and ready to be computed.
	StateAllocated

	// StateComputing means a graph is being dispatched.
	StateComputing

	// StateIdle means a graph was computed, and it remains allocated.
	StateIdle
)

var stateNames = [...]string{
	StateUninitialized: "Uninitialized",
	StateReserved:      "Reserved",
	StateAllocated:     "Allocated",
	StateComputing:     "Computing",
	StateIdle:          "Idle",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// EvalCallback observes the nodes during computation. It is first called with ask=true, and it should
// return whether it wants to observe the node. If so, the computation is synchronized up to the node,
// and it is called again with ask=false: returning false then aborts the computation.
type EvalCallback func(t *backend.Tensor, ask bool) bool

// Scheduler executes graphs over an ordered list of backends: earlier backends have higher priority.
//
// A Scheduler is safe for concurrent use, but it computes one graph at a time: calls made while a
// graph is being dispatched return an error wrapping backend.ErrMisuse.
type Scheduler struct {
	backends      []backend.Backend
	bufferTypes   []backend.BufferType
	parallel      bool
	graphSizeHint int
	debug         bool

	mu    sync.Mutex
	state State

	// overrides set with SetTensorBackend.
	overrides map[*backend.Tensor]int

	// buffers holds the compute buffer of each backend, nil until needed.
	buffers []*backend.Buffer

	// current is the plan of the graph allocated. Its graph version is recorded in graphVersion.
	current      *plan
	graphVersion int

	// events[i] is recorded after split i, if a later split depends on it.
	events []backend.Event

	evalCallback EvalCallback
}

// New creates a Scheduler over the backends, in priority order. The last backend must be a full CPU device,
// which can take any node the others don't support.
//
// bufferTypes, if not nil, gives the buffer type of the compute buffer of each backend: a nil entry
// uses the device default. Each backend must support its buffer type.
//
// graphSizeHint is the expected number of nodes of the graphs, used to pre-size internal tables.
// If parallel is true, backends run concurrently, synchronized with events where available.
func New(backends []backend.Backend, bufferTypes []backend.BufferType, graphSizeHint int, parallel bool) (*Scheduler, error) {
	if len(backends) == 0 {
		return nil, errors.New("sched.New: no backends given")
	}
	if bufferTypes != nil && len(bufferTypes) != len(backends) {
		return nil, errors.Errorf("sched.New: %d buffer types given for %d backends", len(bufferTypes), len(backends))
	}
	last := backends[len(backends)-1]
	if last.Device().Type() != backend.DeviceCPUFull {
		return nil, errors.Errorf("sched.New: the last backend must be a full CPU device, got %q of type %s",
			last.Name(), last.Device().Type())
	}
	s := &Scheduler{
		backends:      slices.Clone(backends),
		bufferTypes:   make([]backend.BufferType, len(backends)),
		parallel:      parallel,
		graphSizeHint: graphSizeHint,
		overrides:     make(map[*backend.Tensor]int),
		buffers:       make([]*backend.Buffer, len(backends)),
	}
	for ii, b := range backends {
		if slices.Index(backends, b) != ii {
			return nil, errors.Errorf("sched.New: backend %q given more than once", b.Name())
		}
		var bt backend.BufferType
		if bufferTypes != nil {
			bt = bufferTypes[ii]
		}
		if bt == nil {
			bt = b.Device().BufferType()
		}
		if !b.Device().SupportsBufferType(bt) {
			return nil, errors.Errorf("sched.New: backend %q doesn't support buffer type %q", b.Name(), bt.Name())
		}
		s.bufferTypes[ii] = bt
	}
	if str := os.Getenv(DebugEnv); str != "" {
		s.debug, _ = strconv.ParseBool(str)
	}
	klog.V(1).Infof("sched: created with backends %q (parallel=%v)", s.backendNames(), parallel)
	return s, nil
}

func (s *Scheduler) backendNames() []string {
	names := make([]string, len(s.backends))
	for ii, b := range s.backends {
		names[ii] = b.Name()
	}
	return names
}

// NumBackends returns the number of backends of the scheduler.
func (s *Scheduler) NumBackends() int { return len(s.backends) }

// Backend returns the i-th backend, in priority order.
func (s *Scheduler) Backend(i int) backend.Backend { return s.backends[i] }

// BufferType returns the buffer type of the compute buffer of the i-th backend.
func (s *Scheduler) BufferType(i int) backend.BufferType { return s.bufferTypes[i] }

func (s *Scheduler) backendIndex(b backend.Backend) int {
	return slices.Index(s.backends, b)
}

// State returns the current state of the scheduler.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) checkNotComputingLocked(op string) error {
	if s.state == StateComputing {
		return errors.Wrapf(backend.ErrMisuse, "sched.%s called while a graph is being computed", op)
	}
	return nil
}

// hasBuffers returns whether any compute buffer is allocated.
func (s *Scheduler) hasBuffers() bool {
	for _, buffer := range s.buffers {
		if buffer != nil {
			return true
		}
	}
	return false
}

// growBuffers makes sure the compute buffers hold at least the given sizes. Buffers are never shrunk.
func (s *Scheduler) growBuffers(sizes []int) error {
	for ii, size := range sizes {
		current := s.buffers[ii]
		if size == 0 || (current != nil && current.Size() >= size) {
			continue
		}
		bt := s.bufferTypes[ii]
		if size > bt.MaxSize() {
			return errors.Wrapf(backend.ErrAllocFailed, "sched: compute buffer of %s for backend %q is larger than the maximum %s",
				humanize.IBytes(uint64(size)), s.backends[ii].Name(), humanize.IBytes(uint64(bt.MaxSize())))
		}
		buffer, err := bt.Alloc(size)
		if err != nil {
			return errors.WithMessagef(err, "sched: allocating compute buffer for backend %q", s.backends[ii].Name())
		}
		buffer.SetUsage(backend.UsageCompute)
		if current != nil {
			if err := current.Free(); err != nil {
				klog.Errorf("sched: failed to free compute buffer of backend %q: %v", s.backends[ii].Name(), err)
			}
		}
		klog.V(1).Infof("sched: compute buffer of backend %q set to %s", s.backends[ii].Name(), humanize.IBytes(uint64(size)))
		s.buffers[ii] = buffer
	}
	return nil
}

// BufferSize returns the size of the compute buffer of the backend, or 0 if it has none.
func (s *Scheduler) BufferSize(b backend.Backend) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.backendIndex(b)
	if idx < 0 || s.buffers[idx] == nil {
		return 0
	}
	return s.buffers[idx].Size()
}

// Reserve measures the compute buffers needed by the graph, which should be the largest graph that will be
// computed, and allocates them. Sizes never decrease: calling it again with the same graph changes nothing.
//
// The graph is not left allocated: it is only a measure. On failure (e.g. an error wrapping
// backend.ErrAllocFailed), the buffers reserved so far are kept.
func (s *Scheduler) Reserve(measure *backend.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNotComputingLocked("Reserve"); err != nil {
		return err
	}
	p, err := s.buildPlan(measure)
	if err != nil {
		return err
	}
	s.current = nil
	if err := s.growBuffers(p.peaks); err != nil {
		s.resetStateLocked()
		return err
	}
	s.state = StateReserved
	klog.V(1).Infof("sched: reserved for graph %q: %d splits, %d copies", measure.Name(), len(p.splits), p.numCopies())
	return nil
}

// AllocGraph places, partitions and allocates the graph in the compute buffers, growing them if needed.
// It must be called again whenever the topology or shapes of the graph change, but GraphCompute does that
// automatically.
//
// It returns an error wrapping backend.ErrUnsupported if some node can't be executed by any backend, and
// an error wrapping backend.ErrAllocFailed if the compute buffers can't grow.
func (s *Scheduler) AllocGraph(g *backend.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNotComputingLocked("AllocGraph"); err != nil {
		return err
	}
	return s.allocGraphLocked(g)
}

func (s *Scheduler) allocGraphLocked(g *backend.Graph) error {
	p, err := s.buildPlan(g)
	if err != nil {
		return err
	}
	s.current = nil
	if err := s.growBuffers(p.peaks); err != nil {
		s.resetStateLocked()
		return err
	}
	for _, pl := range p.placements {
		if err := pl.tensor.Bind(s.buffers[pl.backend], pl.offset); err != nil {
			s.resetStateLocked()
			return errors.WithMessagef(err, "sched: allocating graph %q", g.Name())
		}
	}
	s.createEventsLocked(p)
	s.current = p
	s.graphVersion = g.Version()
	s.state = StateAllocated
	if s.debug {
		klog.Infof("sched: %s", s.describeLocked())
	} else if klog.V(2).Enabled() {
		klog.V(2).Infof("sched: %s", s.describeLocked())
	}
	return nil
}

// createEventsLocked creates the events of the splits other splits depend on, in parallel mode.
func (s *Scheduler) createEventsLocked(p *plan) {
	s.events = make([]backend.Event, len(p.splits))
	if !s.parallel {
		return
	}
	for ii, sp := range p.splits {
		if !sp.needsEvent {
			continue
		}
		device := s.backends[sp.backend].Device()
		if !device.Caps().Events {
			continue
		}
		event, err := device.NewEvent()
		if err != nil {
			klog.Warningf("sched: failed to create event for split %d on %q, the backend will be synchronized instead: %v",
				ii, device.Name(), err)
			continue
		}
		s.events[ii] = event
	}
}

// resetStateLocked discards the graph allocated, keeping the compute buffers.
func (s *Scheduler) resetStateLocked() {
	s.current = nil
	s.events = nil
	if s.hasBuffers() {
		s.state = StateReserved
	} else {
		s.state = StateUninitialized
	}
}

// Reset discards the assignment of the graph allocated, including the ones set with SetTensorBackend, but
// keeps the compute buffers. It must be called before SetTensorBackend if a graph is allocated.
func (s *Scheduler) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNotComputingLocked("Reset"); err != nil {
		return err
	}
	clear(s.overrides)
	s.resetStateLocked()
	return nil
}

// SetTensorBackend forces the backend of a node (or leaf) in the graphs allocated from now on.
// It returns an error wrapping backend.ErrMisuse if a graph is allocated: call Reset first.
func (s *Scheduler) SetTensorBackend(t *backend.Tensor, b backend.Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.backendIndex(b)
	if idx < 0 {
		return errors.Wrapf(backend.ErrMisuse, "sched.SetTensorBackend(%s): backend %q is not one of the scheduler's", t, b.Name())
	}
	if s.state != StateUninitialized && s.state != StateReserved {
		return errors.Wrapf(backend.ErrMisuse, "sched.SetTensorBackend(%s) called in state %s: call Reset first", t, s.state)
	}
	s.overrides[t] = idx
	return nil
}

// TensorBackend returns the backend assigned to the tensor in the graph allocated, or the one set with
// SetTensorBackend. It returns nil if the tensor has no backend assigned.
func (s *Scheduler) TensorBackend(t *backend.Tensor) backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		if idx, found := s.current.assignment[t]; found {
			return s.backends[idx]
		}
	}
	if idx, found := s.overrides[t]; found {
		return s.backends[idx]
	}
	return nil
}

// SetEvalCallback sets the function that observes the nodes computed. Use nil to remove it.
func (s *Scheduler) SetEvalCallback(fn EvalCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalCallback = fn
}

// Split describes a split of the graph allocated: a contiguous range of nodes assigned to one backend.
type Split struct {
	// Backend that computes the split, and its index in the scheduler.
	Backend      backend.Backend
	BackendIndex int

	// Nodes of the split, in graph order, leaves included.
	Nodes []*backend.Tensor

	// Copies of inputs from other backends, executed before the nodes.
	Copies []Copy

	// Deps are the indices of the earlier splits, on other backends, that produce inputs of this split.
	Deps []int
}

// Splits returns a description of the splits of the graph allocated.
func (s *Scheduler) Splits() []Split {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	splits := make([]Split, len(s.current.splits))
	for ii, sp := range s.current.splits {
		splits[ii] = Split{
			Backend:      s.backends[sp.backend],
			BackendIndex: sp.backend,
			Nodes:        slices.Clone(sp.nodes),
			Copies:       slices.Clone(sp.copies),
			Deps:         slices.Clone(sp.deps),
		}
	}
	return splits
}

// NumSplits returns the number of splits of the graph allocated.
func (s *Scheduler) NumSplits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return len(s.current.splits)
}

// NumCopies returns the number of copies between backends of the graph allocated.
func (s *Scheduler) NumCopies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.numCopies()
}

// Close frees the compute buffers. The backends are not closed: they are owned by the caller.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNotComputingLocked("Close"); err != nil {
		return err
	}
	var firstErr error
	for ii, buffer := range s.buffers {
		if buffer == nil {
			continue
		}
		if err := buffer.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.buffers[ii] = nil
	}
	clear(s.overrides)
	s.resetStateLocked()
	return firstErr
}
