package sched

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// describeLocked returns the split table of the graph allocated, one line per split.
func (s *Scheduler) describeLocked() string {
	if s.current == nil {
		return "no graph allocated"
	}
	p := s.current
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %q: %d nodes, %d splits, %d copies\n", p.graph.Name(), p.graph.NumNodes(), len(p.splits), p.numCopies())
	for ii, sp := range p.splits {
		fmt.Fprintf(&sb, "\tsplit #%d on %q: %d nodes", ii, s.backends[sp.backend].Name(), len(sp.nodes))
		if len(sp.nodes) > 0 {
			fmt.Fprintf(&sb, " [%s ... %s]", sp.nodes[0].Name(), sp.nodes[len(sp.nodes)-1].Name())
		}
		if len(sp.copies) > 0 {
			names := make([]string, len(sp.copies))
			for jj, c := range sp.copies {
				names[jj] = c.Dst.Name()
			}
			fmt.Fprintf(&sb, ", copies %q", names)
		}
		if len(sp.deps) > 0 {
			fmt.Fprintf(&sb, ", depends on %v", sp.deps)
		}
		sb.WriteString("\n")
	}
	for ii, b := range s.backends {
		size := 0
		if s.buffers[ii] != nil {
			size = s.buffers[ii].Size()
		}
		fmt.Fprintf(&sb, "\tcompute buffer %q: needs %s, allocated %s\n", b.Name(),
			humanize.IBytes(uint64(p.peaks[ii])), humanize.IBytes(uint64(size)))
	}
	return sb.String()
}

// String implements fmt.Stringer, describing the splits of the graph allocated.
func (s *Scheduler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.describeLocked()
}

// PlanJSON returns the plan of the graph allocated in JSON: the backends with their compute buffer sizes,
// the backend assigned to each node, and the splits with their copies and dependencies.
func (s *Scheduler) PlanJSON() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", errors.New("sched.PlanJSON: no graph allocated")
	}
	p := s.current

	backends := make([]any, len(s.backends))
	for ii, b := range s.backends {
		size := 0
		if s.buffers[ii] != nil {
			size = s.buffers[ii].Size()
		}
		backends[ii] = map[string]any{
			"name":        b.Name(),
			"device_type": b.Device().Type().String(),
			"buffer_type": s.bufferTypes[ii].Name(),
			"buffer_size": size,
			"needed_size": p.peaks[ii],
		}
	}
	splits := make([]any, len(p.splits))
	for ii, sp := range p.splits {
		nodes := make([]any, len(sp.nodes))
		for jj, node := range sp.nodes {
			nodes[jj] = node.Name()
		}
		copies := make([]any, len(sp.copies))
		for jj, c := range sp.copies {
			copies[jj] = map[string]any{"src": c.Src.Name(), "dst": c.Dst.Name()}
		}
		deps := make([]any, len(sp.deps))
		for jj, dep := range sp.deps {
			deps[jj] = dep
		}
		splits[ii] = map[string]any{
			"backend": s.backends[sp.backend].Name(),
			"nodes":   nodes,
			"copies":  copies,
			"deps":    deps,
		}
	}
	assignment := make(map[string]any, len(p.graph.Nodes()))
	for _, node := range p.graph.Nodes() {
		assignment[node.Name()] = s.backends[p.assignment[node]].Name()
	}

	st, err := structpb.NewStruct(map[string]any{
		"graph":      p.graph.Name(),
		"backends":   backends,
		"splits":     splits,
		"assignment": assignment,
	})
	if err != nil {
		return "", errors.Wrap(err, "sched.PlanJSON")
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
	if err != nil {
		return "", errors.Wrap(err, "sched.PlanJSON")
	}
	return string(data), nil
}
