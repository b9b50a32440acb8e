package sched

import (
	"fmt"

	"github.com/gomlx/gowhisper/backend"
	"github.com/pkg/errors"
)

// Copy is a transfer of a tensor to another backend, executed at the start of the split that consumes it.
type Copy struct {
	// Src is the tensor being copied, as it was created in the graph.
	Src *backend.Tensor

	// Dst is the tensor created by the scheduler in the compute buffer of the consuming backend.
	Dst *backend.Tensor
}

// split is a contiguous range of nodes assigned to the same backend.
type split struct {
	backend int

	// nodes of the split, leaves included, in graph order.
	nodes []*backend.Tensor

	// computed are the nodes that are not leaves: the ones dispatched to the backend.
	computed []*backend.Tensor

	copies []Copy

	// substitutions maps the inputs copied to their copy.
	substitutions map[*backend.Tensor]*backend.Tensor

	// deps are the indices of earlier splits, on other backends, producing inputs of this split.
	deps []int

	// needsEvent is set if a later split depends on this one.
	needsEvent bool

	// view over computed, with the substitutions.
	view *backend.Graph
}

// placement is the position of a tensor allocated by the scheduler.
type placement struct {
	tensor  *backend.Tensor
	backend int
	offset  int
}

// plan is the result of the placement, partition and allocation of a graph.
type plan struct {
	graph      *backend.Graph
	assignment map[*backend.Tensor]int
	splits     []*split
	placements []placement

	// peaks is the compute buffer size needed per backend.
	peaks []int
}

func (p *plan) numCopies() int {
	var n int
	for _, sp := range p.splits {
		n += len(sp.copies)
	}
	return n
}

// isExternal returns whether the tensor was allocated by the caller, as opposed to by the scheduler.
func (s *Scheduler) isExternal(t *backend.Tensor) bool {
	if !t.IsAllocated() {
		return false
	}
	for _, buffer := range s.buffers {
		if buffer != nil && t.Buffer() == buffer {
			return false
		}
	}
	return true
}

// ownerOf returns the backend owning the buffer type: the first one using it as its buffer type, or else
// the first one on the same device, or else the first one that supports it. It returns -1 if none does.
func (s *Scheduler) ownerOf(bt backend.BufferType) int {
	for ii, candidate := range s.bufferTypes {
		if candidate == bt {
			return ii
		}
	}
	for ii, b := range s.backends {
		if bt.Device() != nil && b.Device() == bt.Device() {
			return ii
		}
	}
	for ii, b := range s.backends {
		if b.Device().SupportsBufferType(bt) {
			return ii
		}
	}
	return -1
}

// compatible returns whether backend idx can directly use the caller allocated tensors among the node
// and its inputs.
func (s *Scheduler) compatible(idx int, node *backend.Tensor) bool {
	device := s.backends[idx].Device()
	if s.isExternal(node) && !device.SupportsBufferType(node.Buffer().Type()) {
		return false
	}
	for ii := range node.NumInputs() {
		input := node.Input(ii)
		if s.isExternal(input) && !device.SupportsBufferType(input.Buffer().Type()) {
			return false
		}
	}
	return true
}

// placeNode selects the backend that computes a node that is not a leaf.
func (s *Scheduler) placeNode(node *backend.Tensor) (int, error) {
	// Weight affinity: the highest priority backend owning a weights buffer used by the node.
	owner := -1
	for ii := range node.NumInputs() {
		input := node.Input(ii)
		if !s.isExternal(input) || input.Buffer().Usage() != backend.UsageWeights {
			continue
		}
		idx := s.ownerOf(input.Buffer().Type())
		if idx < 0 || !s.backends[idx].Device().SupportsOp(node) {
			continue
		}
		if owner < 0 || idx < owner {
			owner = idx
		}
	}
	if owner >= 0 {
		// A higher priority backend may prefer to take the node anyway.
		for idx := range owner {
			device := s.backends[idx].Device()
			if device.SupportsOp(node) && device.OffloadOp(node) && s.compatible(idx, node) {
				return idx, nil
			}
		}
		return owner, nil
	}

	for idx, b := range s.backends {
		if b.Device().SupportsOp(node) && s.compatible(idx, node) {
			return idx, nil
		}
	}
	return -1, errors.Wrapf(backend.ErrUnsupported, "no backend supports node %s", node)
}

// assign computes the backend of every node of the graph.
func (s *Scheduler) assign(g *backend.Graph) (map[*backend.Tensor]int, error) {
	nodes := g.Nodes()
	assignment := make(map[*backend.Tensor]int, max(len(nodes), s.graphSizeHint))
	var pendingLeaves []*backend.Tensor
	for _, node := range nodes {
		if idx, found := s.overrides[node]; found {
			if !node.IsLeaf() && !s.backends[idx].Device().SupportsOp(node) {
				return nil, errors.Wrapf(backend.ErrUnsupported, "node %s assigned to backend %q, which doesn't support it",
					node, s.backends[idx].Name())
			}
			assignment[node] = idx
			continue
		}
		if node.IsLeaf() {
			if s.isExternal(node) {
				idx := s.ownerOf(node.Buffer().Type())
				if idx < 0 {
					return nil, errors.Wrapf(backend.ErrUnsupported, "no backend can use the buffer %s of tensor %s",
						node.Buffer(), node)
				}
				assignment[node] = idx
			} else {
				pendingLeaves = append(pendingLeaves, node)
			}
			continue
		}
		idx, err := s.placeNode(node)
		if err != nil {
			return nil, err
		}
		assignment[node] = idx
	}

	// Leaves allocated by the scheduler live in the backend of their first consumer.
	if len(pendingLeaves) > 0 {
		firstConsumer := make(map[*backend.Tensor]int, len(pendingLeaves))
		for _, node := range nodes {
			for ii := range node.NumInputs() {
				input := node.Input(ii)
				if _, found := firstConsumer[input]; !found && input.IsLeaf() {
					firstConsumer[input] = assignment[node]
				}
			}
		}
		for _, leaf := range pendingLeaves {
			idx, found := firstConsumer[leaf]
			if !found {
				idx = len(s.backends) - 1
			}
			assignment[leaf] = idx
		}
	}
	return assignment, nil
}

// partition groups the nodes in splits, and inserts a copy for every input that comes from another backend
// and is not in the buffer type of the consuming backend.
//
// Leaves don't start a new split: they are appended to the current one.
func (s *Scheduler) partition(g *backend.Graph, assignment map[*backend.Tensor]int) []*split {
	var splits []*split
	splitOf := make(map[*backend.Tensor]int, len(g.Nodes()))
	var current *split
	for _, node := range g.Nodes() {
		idx := assignment[node]
		if current == nil || (!node.IsLeaf() && idx != current.backend) {
			if current != nil && len(current.computed) == 0 {
				// A split with only leaves is merged into the next one.
				current.backend = idx
			} else {
				current = &split{backend: idx, substitutions: make(map[*backend.Tensor]*backend.Tensor)}
				splits = append(splits, current)
			}
		}
		current.nodes = append(current.nodes, node)
		splitOf[node] = len(splits) - 1
		if !node.IsLeaf() {
			current.computed = append(current.computed, node)
		}
	}

	for splitIdx, sp := range splits {
		consumer := s.backends[sp.backend]
		addDep := func(dep int) {
			if dep == splitIdx || splits[dep].backend == sp.backend {
				return
			}
			for _, existing := range sp.deps {
				if existing == dep {
					return
				}
			}
			sp.deps = append(sp.deps, dep)
			splits[dep].needsEvent = true
		}
		for _, node := range sp.computed {
			for ii := range node.NumInputs() {
				input := node.Input(ii)
				if _, copied := sp.substitutions[input]; copied {
					continue
				}
				inputBackend := assignment[input]
				if inputBackend == sp.backend {
					continue
				}
				if !input.IsLeaf() {
					addDep(splitOf[input])
				}
				if s.bufferTypeOf(input, inputBackend) == s.bufferTypes[sp.backend] {
					continue
				}
				dst := backend.NewTensor(fmt.Sprintf("%s#%s#%d", input.Name(), consumer.Name(), splitIdx), backend.OpNone, input.Shape())
				sp.copies = append(sp.copies, Copy{Src: input, Dst: dst})
				sp.substitutions[input] = dst
				assignment[dst] = sp.backend
			}
		}
		sp.view = g.View(fmt.Sprintf("%s#split%d", g.Name(), splitIdx), sp.computed, sp.substitutions)
	}
	return splits
}

// bufferTypeOf returns the buffer type where the tensor lives, or will live once allocated by the scheduler.
func (s *Scheduler) bufferTypeOf(t *backend.Tensor, idx int) backend.BufferType {
	if s.isExternal(t) {
		return t.Buffer().Type()
	}
	return s.bufferTypes[idx]
}

// allocate plans the offsets of the tensors allocated by the scheduler, in the order of execution: at the
// start of each split its copies, then its nodes.
//
// Leaves, graph inputs and outputs are never released. In parallel mode tensors read by another backend
// are not released either, since the reader may still be running when the backend moves on.
func (s *Scheduler) allocate(p *plan) {
	allocators := make([]*allocator, len(s.backends))
	for ii, bt := range s.bufferTypes {
		allocators[ii] = newAllocator(bt.Alignment())
	}
	offsets := make(map[*backend.Tensor]int, len(p.assignment))
	keep := make(map[*backend.Tensor]bool)
	for _, output := range p.graph.Outputs() {
		keep[output] = true
	}

	// Count the uses of each tensor.
	uses := make(map[*backend.Tensor]int, len(p.assignment))
	for _, sp := range p.splits {
		for _, c := range sp.copies {
			uses[c.Src]++
			if s.parallel {
				keep[c.Src] = true
			}
		}
		for _, node := range sp.computed {
			for ii := range node.NumInputs() {
				input := sp.view.Src(node, ii)
				uses[input]++
				if s.parallel && p.assignment[input] != sp.backend {
					keep[input] = true
				}
			}
		}
	}

	place := func(t *backend.Tensor) {
		if s.isExternal(t) {
			return
		}
		if _, found := offsets[t]; found {
			return
		}
		idx := p.assignment[t]
		bt := s.bufferTypes[idx]
		offset := allocators[idx].alloc(bt.AllocSize(t))
		offsets[t] = offset
		p.placements = append(p.placements, placement{tensor: t, backend: idx, offset: offset})
	}
	release := func(t *backend.Tensor) {
		uses[t]--
		if uses[t] > 0 || keep[t] || t.Flags()&(backend.FlagInput|backend.FlagOutput) != 0 {
			return
		}
		if t.IsLeaf() && t.ID() >= 0 {
			// Leaves of the graph, as opposed to copies.
			return
		}
		offset, found := offsets[t]
		if !found {
			return
		}
		idx := p.assignment[t]
		allocators[idx].release(offset, s.bufferTypes[idx].AllocSize(t))
	}

	for _, node := range p.graph.Nodes() {
		if node.IsLeaf() {
			place(node)
		}
	}
	for _, sp := range p.splits {
		for _, c := range sp.copies {
			place(c.Dst)
			release(c.Src)
		}
		for _, node := range sp.computed {
			place(node)
			for ii := range node.NumInputs() {
				release(sp.view.Src(node, ii))
			}
		}
	}

	p.peaks = make([]int, len(s.backends))
	for ii, a := range allocators {
		p.peaks[ii] = a.peak()
	}
}

// buildPlan places, partitions and allocates the graph, without binding any tensor.
func (s *Scheduler) buildPlan(g *backend.Graph) (*plan, error) {
	if g == nil {
		return nil, errors.Wrap(backend.ErrMisuse, "nil graph")
	}
	if g.IsView() {
		return nil, errors.Wrapf(backend.ErrMisuse, "graph %q is a view and cannot be scheduled", g.Name())
	}
	assignment, err := s.assign(g)
	if err != nil {
		return nil, errors.WithMessagef(err, "scheduling graph %q", g.Name())
	}
	p := &plan{graph: g, assignment: assignment}
	p.splits = s.partition(g, assignment)
	s.allocate(p)
	return p, nil
}
