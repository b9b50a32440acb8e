package cpu

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gowhisper/backend"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend executes graphs on the CPU. It is created with New or with GetDevice().Init.
//
// It owns a work buffer, that grows to the largest size required by the graphs computed, and a
// thread pool, unless one is given with SetThreadPool.
type Backend struct {
	device *Device

	mu            sync.Mutex
	numThreads    int
	poolParams    ThreadPoolParams
	pool          *ThreadPool // Set with SetThreadPool.
	ownedPool     *ThreadPool // Created on demand when pool is nil.
	abortCallback func() bool
	work          []byte
	maxWorkSize   int
	closed        bool

	computing atomic.Bool
}

var _ backend.Backend = (*Backend)(nil)

// Keys accepted in the parameters of New.
const (
	ParamNumThreads  = "n_threads"
	ParamPoll        = "poll"
	ParamPriority    = "priority"
	ParamStrictCPU   = "strict_cpu"
	ParamMaxWorkSize = "max_work_size"
)

// New creates a CPU backend. The params string holds comma-separated "key=value" pairs:
//
//   - n_threads: number of threads. Default is GOWHISPER_NUM_THREADS if set, or the number of CPUs.
//   - poll: polling level of the owned thread pool, from 0 to 100.
//   - priority: priority of the owned thread pool: normal, medium, high or realtime.
//   - strict_cpu: pin each worker to one CPU (only effective if a CPU mask is given through SetThreadPool).
//   - max_work_size: maximum size in bytes of the work buffer, 0 for no limit.
func New(params string) (*Backend, error) {
	p, err := backend.ParseParams(params)
	if err != nil {
		return nil, err
	}
	if err := p.CheckKnown(ParamNumThreads, ParamPoll, ParamPriority, ParamStrictCPU, ParamMaxWorkSize); err != nil {
		return nil, errors.WithMessage(err, "cpu.New")
	}
	b := &Backend{device: GetDevice()}
	if b.numThreads, err = p.Int(ParamNumThreads, defaultNumThreads()); err != nil {
		return nil, err
	}
	if b.numThreads < 1 {
		return nil, errors.Errorf("cpu.New: %s must be >= 1, got %d", ParamNumThreads, b.numThreads)
	}
	b.poolParams = DefaultThreadPoolParams(b.numThreads)
	if b.poolParams.Poll, err = p.Int(ParamPoll, b.poolParams.Poll); err != nil {
		return nil, err
	}
	if name, found := p[ParamPriority]; found {
		if b.poolParams.Priority, err = ParsePriority(name); err != nil {
			return nil, err
		}
	}
	if b.poolParams.StrictCPU, err = p.Bool(ParamStrictCPU, false); err != nil {
		return nil, err
	}
	if b.maxWorkSize, err = p.Int(ParamMaxWorkSize, 0); err != nil {
		return nil, err
	}
	klog.V(1).Infof("cpu: backend created with %d threads", b.numThreads)
	return b, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return DeviceName }

// Device implements backend.Backend.
func (b *Backend) Device() backend.Device { return b.device }

// NumThreads returns the number of threads used to compute graphs.
func (b *Backend) NumThreads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numThreads
}

// SetNumThreads sets the number of threads used to compute graphs.
// If a thread pool was given with SetThreadPool, at most its number of threads is used.
func (b *Backend) SetNumThreads(n int) error {
	if n < 1 {
		return errors.Errorf("cpu: number of threads must be >= 1, got %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.numThreads = n
	b.poolParams.NumThreads = n
	if b.ownedPool != nil && b.ownedPool.NumThreads() != n {
		// Recreated on demand with the new number of threads.
		_ = b.ownedPool.Close()
		b.ownedPool = nil
	}
	return nil
}

// SetThreadPool sets the thread pool used to compute graphs. The pool is not owned by the backend,
// and it must be closed by the caller after the backend is done with it.
// If nil, it reverts to a pool owned by the backend.
//
// The pool previously in use, if different and not paused, is paused.
func (b *Backend) SetThreadPool(pool *ThreadPool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous := b.pool
	if previous == nil {
		previous = b.ownedPool
	}
	if previous != nil && previous != pool && !previous.IsPaused() {
		previous.Pause()
	}
	b.pool = pool
}

// SetAbortCallback sets a function called between nodes during computations: if it returns true the
// computation is interrupted and returns an error wrapping backend.ErrAborted.
func (b *Backend) SetAbortCallback(fn func() bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortCallback = fn
}

// SetMaxWorkSize limits the size of the work buffer: graphs needing more return an error wrapping
// backend.ErrAllocFailed. 0 means no limit.
func (b *Backend) SetMaxWorkSize(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxWorkSize = size
}

// WorkSize returns the current size of the work buffer.
func (b *Backend) WorkSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.work)
}

// activePoolLocked returns the pool to use, creating the owned one if needed.
func (b *Backend) activePoolLocked() (*ThreadPool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	if b.numThreads <= 1 {
		return nil, nil
	}
	if b.ownedPool == nil {
		var err error
		b.ownedPool, err = NewThreadPool(b.poolParams)
		if err != nil {
			return nil, err
		}
	}
	return b.ownedPool, nil
}

// workBufferLocked returns a work buffer with at least size bytes, growing it if needed.
func (b *Backend) workBufferLocked(size int) ([]byte, error) {
	if len(b.work) >= size {
		return b.work, nil
	}
	if b.maxWorkSize > 0 && size > b.maxWorkSize {
		return nil, errors.Wrapf(backend.ErrAllocFailed, "cpu: work buffer of %s required, more than the maximum of %s",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(b.maxWorkSize)))
	}
	klog.V(1).Infof("cpu: growing work buffer from %s to %s", humanize.IBytes(uint64(len(b.work))), humanize.IBytes(uint64(size)))
	b.work = backend.AlignedAlloc(size, backend.BufferAlignment)
	return b.work, nil
}

// GraphPlan returns the plan to compute the graph with the backend's current configuration.
func (b *Backend) GraphPlan(g *backend.Graph) (Plan, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pool, err := b.activePoolLocked()
	if err != nil {
		return Plan{}, err
	}
	plan := GraphPlan(g, b.numThreads, pool)
	plan.AbortCallback = b.abortCallback
	return plan, nil
}

// GraphCompute implements backend.Backend.
func (b *Backend) GraphCompute(ctx context.Context, g *backend.Graph) error {
	if !b.computing.CompareAndSwap(false, true) {
		return errors.Wrapf(backend.ErrMisuse, "cpu: GraphCompute(%q) called while another graph is being computed", g.Name())
	}
	defer b.computing.Store(false)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Wrap(backend.ErrMisuse, "cpu: backend used after Close")
	}
	pool, err := b.activePoolLocked()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	plan := GraphPlan(g, b.numThreads, pool)
	plan.AbortCallback = b.abortCallback
	work, err := b.workBufferLocked(plan.WorkSize)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	klog.V(2).Infof("cpu: computing graph %q: %d nodes, %d threads, work buffer %s",
		g.Name(), g.NumNodes(), plan.NumThreads, humanize.IBytes(uint64(plan.WorkSize)))
	return ComputeWithPlan(ctx, g, plan, work)
}

// Synchronize implements backend.Backend: computations are synchronous, so there is nothing to wait for.
func (b *Backend) Synchronize() error { return nil }

// Close implements backend.Backend. It closes the owned thread pool and releases the work buffer.
func (b *Backend) Close() error {
	if b.computing.Load() {
		return errors.Wrap(backend.ErrMisuse, "cpu: Close called while a graph is being computed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.work = nil
	if b.ownedPool != nil {
		err := b.ownedPool.Close()
		b.ownedPool = nil
		return err
	}
	return nil
}
