package sched

import (
	"context"
	"fmt"

	"github.com/gomlx/gowhisper/backend"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// GraphCompute computes the graph and waits for all backends to finish.
//
// If the graph is not the one allocated, or it changed since it was allocated, it is allocated first.
// The context is checked between splits (and between observed nodes, with an EvalCallback): if it is
// done, it returns an error wrapping backend.ErrAborted and the outputs of the splits already computed
// remain valid.
func (s *Scheduler) GraphCompute(ctx context.Context, g *backend.Graph) error {
	if err := s.GraphComputeAsync(ctx, g); err != nil {
		// Don't leave work from the aborted graph running.
		if syncErr := s.Synchronize(); syncErr != nil {
			klog.Warningf("sched: synchronizing after error on graph %q: %v", g.Name(), syncErr)
		}
		return err
	}
	return s.Synchronize()
}

// GraphComputeAsync dispatches the computation of the graph. Backends that are asynchronous may still
// be running when it returns: call Synchronize before reading the outputs.
func (s *Scheduler) GraphComputeAsync(ctx context.Context, g *backend.Graph) error {
	s.mu.Lock()
	if err := s.checkNotComputingLocked("GraphComputeAsync"); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.current == nil || s.current.graph != g || s.graphVersion != g.Version() || !s.currentStillBound() {
		klog.V(1).Infof("sched: graph %q not allocated, allocating it", g.Name())
		if err := s.allocGraphLocked(g); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.state = StateComputing
	p, events, evalCallback := s.current, s.events, s.evalCallback
	s.mu.Unlock()

	err := s.computeSplits(ctx, p, events, evalCallback)

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	return err
}

// currentStillBound checks that the compute buffers of the allocated graph were not replaced since.
func (s *Scheduler) currentStillBound() bool {
	for _, pl := range s.current.placements {
		if pl.tensor.Buffer() != s.buffers[pl.backend] {
			return false
		}
	}
	return true
}

// Synchronize waits for all the backends to finish their queued work.
func (s *Scheduler) Synchronize() error {
	var eg errgroup.Group
	for _, b := range s.backends {
		eg.Go(func() error {
			return errors.WithMessagef(b.Synchronize(), "sched: synchronizing backend %q", b.Name())
		})
	}
	return eg.Wait()
}

func (s *Scheduler) computeSplits(ctx context.Context, p *plan, events []backend.Event, evalCallback EvalCallback) error {
	for splitIdx, sp := range p.splits {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(backend.ErrAborted, "sched: graph %q before split %d: %v", p.graph.Name(), splitIdx, err)
		}
		b := s.backends[sp.backend]
		for _, dep := range sp.deps {
			if event := events[dep]; event != nil {
				if err := event.Wait(b); err != nil {
					return errors.WithMessagef(err, "sched: split %d waiting for split %d", splitIdx, dep)
				}
				continue
			}
			if err := s.backends[p.splits[dep].backend].Synchronize(); err != nil {
				return errors.WithMessagef(err, "sched: split %d waiting for split %d", splitIdx, dep)
			}
		}
		if err := s.copyInputs(p, sp); err != nil {
			return errors.WithMessagef(err, "sched: split %d of graph %q", splitIdx, p.graph.Name())
		}
		if len(sp.computed) > 0 {
			var err error
			if evalCallback == nil {
				err = s.dispatch(ctx, b, sp.view)
			} else {
				err = s.computeObserved(ctx, p, splitIdx, evalCallback)
			}
			if err != nil {
				return errors.WithMessagef(err, "sched: split %d of graph %q on %q", splitIdx, p.graph.Name(), b.Name())
			}
		}
		if event := events[splitIdx]; event != nil {
			if err := event.Record(b); err != nil {
				return errors.WithMessagef(err, "sched: recording event of split %d", splitIdx)
			}
		}
	}
	return nil
}

// copyInputs copies the inputs of the split from other backends. In parallel mode, the copies are queued
// in the consuming backend if it can, otherwise both backends are synchronized and the copy is done
// right away.
func (s *Scheduler) copyInputs(p *plan, sp *split) error {
	b := s.backends[sp.backend]
	for _, c := range sp.copies {
		if async, ok := b.(backend.AsyncBackend); ok && s.parallel {
			err := async.CopyTensorAsync(c.Src, c.Dst)
			if err == nil {
				continue
			}
			if !errors.Is(err, backend.ErrUnsupported) {
				return err
			}
		}
		if err := b.Synchronize(); err != nil {
			return err
		}
		if err := s.backends[p.assignment[c.Src]].Synchronize(); err != nil {
			return err
		}
		if err := backend.TensorCopy(c.Src, c.Dst); err != nil {
			return errors.WithMessagef(err, "copying %s to %s", c.Src, c.Dst)
		}
	}
	return nil
}

// dispatch computes the graph on the backend: queued if in parallel mode and the backend is asynchronous.
func (s *Scheduler) dispatch(ctx context.Context, b backend.Backend, g *backend.Graph) error {
	if async, ok := b.(backend.AsyncBackend); ok && s.parallel {
		return async.GraphComputeAsync(ctx, g)
	}
	return b.GraphCompute(ctx, g)
}

// computeObserved computes the split in ranges ending at the nodes the callback wants to observe.
func (s *Scheduler) computeObserved(ctx context.Context, p *plan, splitIdx int, evalCallback EvalCallback) error {
	sp := p.splits[splitIdx]
	b := s.backends[sp.backend]
	start := 0
	for ii, node := range sp.computed {
		wanted := evalCallback(node, true)
		if !wanted && ii < len(sp.computed)-1 {
			continue
		}
		view := p.graph.View(fmt.Sprintf("%s#split%d#%d", p.graph.Name(), splitIdx, start), sp.computed[start:ii+1], sp.substitutions)
		if err := s.dispatch(ctx, b, view); err != nil {
			return err
		}
		start = ii + 1
		if !wanted {
			continue
		}
		if err := b.Synchronize(); err != nil {
			return err
		}
		if !evalCallback(node, false) {
			klog.V(1).Infof("sched: graph %q aborted by the eval callback at node %s", p.graph.Name(), node)
			return errors.Wrapf(backend.ErrAborted, "eval callback stopped at node %s", node)
		}
		if ii < len(sp.computed)-1 {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(backend.ErrAborted, "after node %s: %v", node, err)
			}
		}
	}
	return nil
}
