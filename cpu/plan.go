package cpu

import (
	"context"
	"sync/atomic"

	"github.com/gomlx/gowhisper/backend"
	"github.com/gomlx/gowhisper/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Plan holds the resources to execute a graph on the CPU: see GraphPlan and ComputeWithPlan.
type Plan struct {
	// WorkSize is the size in bytes of the work buffer required by ComputeWithPlan.
	WorkSize int

	// NumThreads used to execute the nodes.
	NumThreads int

	// Pool of threads used. If nil and NumThreads > 1, a temporary pool is created for the computation.
	Pool *ThreadPool

	// AbortCallback, if set, is called between nodes: if it returns true the computation is aborted.
	AbortCallback func() bool
}

// cacheLineSize separates the per-thread parts of the work buffer.
const cacheLineSize = 64

// GraphPlan computes the work buffer size needed to execute the graph with nThreads
// and binds the thread pool to use. nThreads is limited to the number of threads of the pool, if given.
func GraphPlan(g *backend.Graph, nThreads int, pool *ThreadPool) Plan {
	nThreads = max(nThreads, 1)
	if pool != nil {
		nThreads = min(nThreads, pool.NumThreads())
	}
	plan := Plan{NumThreads: nThreads, Pool: pool}
	for _, node := range g.Nodes() {
		plan.WorkSize = max(plan.WorkSize, nodeWorkSize(g, node, nThreads))
	}
	return plan
}

// nodeWorkSize returns the work buffer needed by the node.
func nodeWorkSize(g *backend.Graph, node *backend.Tensor, nThreads int) int {
	switch node.Op() {
	case backend.OpSoftMax:
		// One row of exponentials per thread.
		return nThreads * softMaxStride(node.Shape().RowLength())
	case backend.OpMatMul:
		// Right operand converted to float32.
		if rhs := g.Src(node, 1); rhs.DType() != dtypes.Float32 {
			return rhs.Shape().Size() * 4
		}
	}
	return 0
}

func softMaxStride(rowLength int) int {
	return backend.AlignUp(rowLength*4, cacheLineSize)
}

// validateGraph checks that all nodes are supported and all tensors are allocated in Go addressable memory.
func validateGraph(g *backend.Graph) error {
	device := GetDevice()
	for _, node := range g.Nodes() {
		if !device.SupportsOp(node) {
			return errors.Wrapf(backend.ErrUnsupported, "cpu: node %s not supported", node)
		}
		if node.Data() == nil {
			return errors.Errorf("cpu: node %s is not allocated in host memory", node)
		}
		for ii := range node.NumInputs() {
			if src := g.Src(node, ii); src.Data() == nil {
				return errors.Errorf("cpu: input #%d (%s) of node %s is not allocated in host memory", ii, src, node)
			}
		}
	}
	return nil
}

// ComputeWithPlan executes the nodes of the graph, in order, with the resources given by the plan.
// The work buffer must have at least plan.WorkSize bytes.
//
// Each node is split among the threads, which synchronize before moving to the next node.
// Between nodes, the context and the plan's AbortCallback are checked: if the context is done or the
// callback returns true, it returns an error wrapping backend.ErrAborted. Nodes already computed keep
// their values.
func ComputeWithPlan(ctx context.Context, g *backend.Graph, plan Plan, work []byte) error {
	if len(work) < plan.WorkSize {
		return errors.Wrapf(backend.ErrMisuse, "cpu: work buffer of %d bytes given, plan requires %d", len(work), plan.WorkSize)
	}
	if err := validateGraph(g); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(backend.ErrAborted, "cpu: graph %q: %v", g.Name(), err)
	}
	nThreads := max(plan.NumThreads, 1)
	pool := plan.Pool
	if pool != nil {
		nThreads = min(nThreads, pool.NumThreads())
	} else if nThreads > 1 {
		var err error
		pool, err = NewThreadPool(DefaultThreadPoolParams(nThreads))
		if err != nil {
			return err
		}
		defer func() { _ = pool.Close() }()
	}

	poll := 0
	if pool != nil {
		poll = pool.Params().Poll
	}
	bar := newBarrier(nThreads, poll)
	var aborted atomic.Bool // Set by thread 0 before a barrier, read by all threads after it.
	nodes := g.Nodes()
	run := func(ith int) {
		params := &computeParams{ith: ith, nth: nThreads, work: work, sync: bar.wait}
		for ii, node := range nodes {
			if node.Op() == backend.OpNone {
				continue
			}
			computeNode(params, g, node)
			if ith == 0 && ii < len(nodes)-1 {
				if ctx.Err() != nil || (plan.AbortCallback != nil && plan.AbortCallback()) {
					aborted.Store(true)
				}
			}
			bar.wait()
			if aborted.Load() {
				return
			}
		}
	}
	if pool == nil {
		run(0)
	} else if err := pool.run(nThreads, run); err != nil {
		return err
	}
	if aborted.Load() {
		klog.V(1).Infof("cpu: graph %q aborted", g.Name())
		return errors.Wrapf(backend.ErrAborted, "cpu: graph %q", g.Name())
	}
	return nil
}
