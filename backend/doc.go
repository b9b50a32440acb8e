// Package backend defines the abstractions of the compute devices used by the inference engine:
// Device, BufferType, Buffer, Backend and Event, the Tensor and Graph submitted for execution,
// and the Registry of the available implementations, including dynamically loaded plugins.
//
// Implementations live in their own packages (see packages cpu and blas), and graphs spanning
// more than one backend are partitioned and executed by package sched.
//
// A typical use, with a single backend:
//
//	registry := engine.NewRegistry()
//	b := must.M1(registry.InitBest())
//	defer b.Close()
//	scheduler := must.M1(sched.New([]backend.Backend{b}, nil, 0, false))
//	g := backend.NewGraph("demo")
//	x := g.Input("x", backend.MakeShape(dtypes.Float32, 4, 8))
//	y := must.M1(g.SoftMax(x))
//	must.M(scheduler.AllocGraph(g))
//	must.M(backend.SetFloat32s(x, values))
//	must.M(scheduler.GraphCompute(ctx, g))
//	result := must.M1(backend.Float32s(y))
package backend
