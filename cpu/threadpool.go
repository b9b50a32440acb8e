package cpu

import (
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority of the worker threads.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityRealtime
)

var priorityNames = []string{"normal", "medium", "high", "realtime"}

// String implements fmt.Stringer.
func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return "invalid"
	}
	return priorityNames[p]
}

// ParsePriority converts a name ("normal", "medium", "high" or "realtime") to a Priority.
func ParsePriority(name string) (Priority, error) {
	idx := slices.Index(priorityNames, strings.ToLower(name))
	if idx < 0 {
		return PriorityNormal, errors.Errorf("invalid priority %q, valid values are %q", name, priorityNames)
	}
	return Priority(idx), nil
}

// MaxPoll is the maximum polling level.
const MaxPoll = 100

// ThreadPoolParams configures a ThreadPool.
type ThreadPoolParams struct {
	// CPUMask selects the CPUs the workers are allowed to run on: CPUMask[i] enables CPU i.
	// If empty (or all false) the affinity of the workers is not changed.
	CPUMask []bool

	// NumThreads is the number of threads, including the one calling the computation.
	NumThreads int

	// Priority of the worker threads.
	Priority Priority

	// Poll is the polling level, from 0 (no busy-wait: idle workers block immediately)
	// to MaxPoll (spin longer before blocking).
	Poll int

	// StrictCPU pins each worker to one CPU of CPUMask, in round-robin order, instead of
	// allowing all workers on all the CPUs of the mask.
	StrictCPU bool

	// Paused starts the pool with its workers parked. It is resumed automatically on the first computation.
	Paused bool
}

// DefaultThreadPoolParams returns the default parameters for a pool of numThreads threads.
func DefaultThreadPoolParams(numThreads int) ThreadPoolParams {
	return ThreadPoolParams{
		NumThreads: numThreads,
		Priority:   PriorityNormal,
		Poll:       50,
	}
}

// pollRounds is the number of spinning rounds per poll level.
const pollRounds = 64

// job is one graph computation distributed over the threads of the pool.
type job struct {
	nThreads int
	run      func(ith int)
}

// ThreadPool is a fixed set of worker threads used to parallelize the execution of the nodes of a graph.
//
// The goroutine calling the computation acts as thread 0, and NumThreads-1 workers, each locked to its
// own OS thread, take the other parts of each node. Idle workers block on a condition variable, after
// spinning shortly if Poll > 0.
//
// A ThreadPool can be shared by several backends, but it runs one computation at a time.
type ThreadPool struct {
	params ThreadPoolParams

	// runMu serializes computations.
	runMu sync.Mutex

	mu         sync.Mutex
	cond       sync.Cond // Signaled when a job is posted, when resumed and when closed.
	generation atomic.Int64
	current    *job
	paused     bool
	closed     bool
	workers    sync.WaitGroup
}

// NewThreadPool creates and starts a thread pool. It must be closed with Close.
func NewThreadPool(params ThreadPoolParams) (*ThreadPool, error) {
	if params.NumThreads < 1 {
		return nil, errors.Errorf("thread pool needs at least 1 thread, got %d", params.NumThreads)
	}
	if params.Poll < 0 || params.Poll > MaxPoll {
		return nil, errors.Errorf("thread pool poll level must be between 0 and %d, got %d", MaxPoll, params.Poll)
	}
	if params.Priority < PriorityNormal || params.Priority > PriorityRealtime {
		return nil, errors.Errorf("invalid thread pool priority %d", params.Priority)
	}
	p := &ThreadPool{
		params: params,
		paused: params.Paused,
	}
	p.params.CPUMask = slices.Clone(params.CPUMask)
	p.cond.L = &p.mu
	cpus := enabledCPUs(p.params.CPUMask)
	for ith := 1; ith < params.NumThreads; ith++ {
		p.workers.Add(1)
		go p.worker(ith, cpus)
	}
	klog.V(1).Infof("cpu: thread pool with %d threads started (priority=%s, poll=%d, strict_cpu=%v, paused=%v)",
		params.NumThreads, params.Priority, params.Poll, params.StrictCPU, params.Paused)
	return p, nil
}

// enabledCPUs lists the indices of the CPUs enabled in the mask.
func enabledCPUs(mask []bool) []int {
	var cpus []int
	for cpu, enabled := range mask {
		if enabled {
			cpus = append(cpus, cpu)
		}
	}
	return cpus
}

// NumThreads returns the number of threads of the pool, including the calling one.
func (p *ThreadPool) NumThreads() int { return p.params.NumThreads }

// Params returns the parameters the pool was created with.
func (p *ThreadPool) Params() ThreadPoolParams { return p.params }

// Pause parks the workers: they block without polling until Resume, or until the next computation.
func (p *ThreadPool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		klog.V(2).Infof("cpu: thread pool paused")
	}
	p.paused = true
}

// Resume un-parks the workers.
func (p *ThreadPool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeLocked()
}

func (p *ThreadPool) resumeLocked() {
	if p.paused {
		klog.V(2).Infof("cpu: thread pool resumed")
	}
	p.paused = false
	p.cond.Broadcast()
}

// IsPaused returns whether the pool is paused.
func (p *ThreadPool) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Close stops the workers and waits for them to exit. It is safe to call it more than once.
func (p *ThreadPool) Close() error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.workers.Wait()
	return nil
}

// worker is the loop of thread ith: it waits for jobs and runs its part of them.
func (p *ThreadPool) worker(ith int, cpus []int) {
	defer p.workers.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := setCurrentThreadAffinity(cpus, p.params.StrictCPU, ith); err != nil {
		klog.Warningf("cpu: failed to set affinity of worker %d: %v", ith, err)
	}
	if err := setCurrentThreadPriority(p.params.Priority); err != nil {
		klog.Warningf("cpu: failed to set priority %s of worker %d, continuing with the default: %v", p.params.Priority, ith, err)
	}

	var lastGeneration int64
	for {
		j := p.waitForJob(&lastGeneration)
		if j == nil {
			return
		}
		if ith < j.nThreads {
			j.run(ith)
		}
	}
}

// waitForJob returns the next job posted after lastGeneration, or nil if the pool was closed.
func (p *ThreadPool) waitForJob(lastGeneration *int64) *job {
	// Poll before blocking, unless paused.
	p.mu.Lock()
	rounds := p.params.Poll * pollRounds
	if p.paused {
		rounds = 0
	}
	p.mu.Unlock()
	for range rounds {
		if p.generation.Load() != *lastGeneration {
			break
		}
		runtime.Gosched()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// A job posted always runs, even if the pool was paused after it was posted.
	for !p.closed && p.generation.Load() == *lastGeneration {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	*lastGeneration = p.generation.Load()
	return p.current
}

// run executes fn(ith) for ith in [0, nThreads), with the calling goroutine as thread 0, and returns
// when all threads return. If the pool is paused, it is resumed.
//
// fn must synchronize the threads before returning (see barrier), since run only waits for thread 0.
func (p *ThreadPool) run(nThreads int, fn func(ith int)) error {
	nThreads = min(nThreads, p.params.NumThreads)
	if nThreads <= 1 {
		fn(0)
		return nil
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("cpu: thread pool used after Close")
	}
	p.resumeLocked()
	p.current = &job{nThreads: nThreads, run: fn}
	p.generation.Add(1)
	p.cond.Broadcast()
	p.mu.Unlock()
	fn(0)
	return nil
}

// barrier synchronizes a fixed number of threads: each call to wait blocks until all threads called it.
// It can be reused right away for the next synchronization point.
type barrier struct {
	n       int32
	spin    int
	arrived atomic.Int32
	phase   atomic.Int64
	mu      sync.Mutex
	cond    sync.Cond
}

func newBarrier(n int, poll int) *barrier {
	b := &barrier{n: int32(n), spin: poll * pollRounds}
	b.cond.L = &b.mu
	return b
}

func (b *barrier) wait() {
	if b.n <= 1 {
		return
	}
	phase := b.phase.Load()
	if b.arrived.Add(1) == b.n {
		b.arrived.Store(0)
		b.mu.Lock()
		b.phase.Add(1)
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for range b.spin {
		if b.phase.Load() != phase {
			return
		}
		runtime.Gosched()
	}
	b.mu.Lock()
	for b.phase.Load() == phase {
		b.cond.Wait()
	}
	b.mu.Unlock()
}
