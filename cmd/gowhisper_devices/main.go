// gowhisper_devices lists the backend devices available, and optionally runs a small demo graph scheduled
// over all of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gowhisper/backend"
	"github.com/gomlx/gowhisper/cpu"
	"github.com/gomlx/gowhisper/dtypes"
	"github.com/gomlx/gowhisper/engine"
	"github.com/gomlx/gowhisper/sched"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagLoadAll  = flag.Bool("load_all", true, "Load all the backend plugins found in the search paths.")
	flagPlugins  = flag.String("plugin", "", "Comma-separated list of backend plugins to load: names (e.g. \"cuda\") or full paths.")
	flagDemo     = flag.Bool("demo", false, "Run a demo graph scheduled over all the devices.")
	flagThreads  = flag.Int("threads", 0, "Number of threads of the CPU backend in the demo. If 0, it uses the default.")
	flagRows     = flag.Int("rows", 256, "Number of rows (batch size) of the demo graph.")
	flagRepeat   = flag.Int("repeat", 10, "Number of times to compute the demo graph.")
	flagParallel = flag.Bool("parallel", true, "Let backends of the demo run concurrently.")
	flagPlan     = flag.Bool("plan", false, "Print the plan of the demo graph in JSON.")
	flagTimeout  = flag.Duration("timeout", time.Minute, "Maximum time for the demo.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `gowhisper_devices lists the backend implementations and devices available.

$ gowhisper_devices [-plugin=<name_or_path>,...] [-demo]

Plugins are searched in the directory of the executable, in the directories listed in $%s and
in the default library search paths.

Usage:
`, backend.PluginPathsEnv)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	r := must.M1(engine.NewRegistry())
	if *flagLoadAll {
		engine.LoadAll(r)
	}
	for _, name := range strings.Split(*flagPlugins, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := r.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load plugin %q: %+v\n", name, err)
			os.Exit(1)
		}
	}
	listDevices(r)

	if *flagDemo {
		ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
		defer cancel()
		if err := runDemo(ctx, r); err != nil {
			fmt.Fprintf(os.Stderr, "Demo failed: %+v\n", err)
			os.Exit(1)
		}
	}
}

func listDevices(r *backend.Registry) {
	fmt.Printf("Compiled in: %s\n", strings.Join(engine.StaticImplementations(), ", "))
	available := backend.AvailablePlugins()
	if len(available) > 0 {
		fmt.Println("Plugins found:")
		for _, name := range slices.Sorted(maps.Keys(available)) {
			fmt.Printf("\t%s: %s\n", name, available[name])
		}
	}
	for _, impl := range r.Implementations() {
		fmt.Printf("Implementation %q:\n", impl.Name())
		for _, d := range impl.Devices() {
			fmt.Printf("\t%s\n", backend.DeviceString(d))
		}
	}
}

// runDemo computes sums = SumRows(SoftMax(MatMul(GELU(MatMul(x, w1)), w2))), with the weights in the
// host memory of the CPU, and prints how it was scheduled.
func runDemo(ctx context.Context, r *backend.Registry) error {
	params := make(map[string]string)
	if *flagThreads > 0 {
		params[cpu.DeviceName] = fmt.Sprintf("%s=%d", cpu.ParamNumThreads, *flagThreads)
	}
	backends, err := engine.NewBackends(r, params)
	if err != nil {
		return err
	}
	defer func() {
		for _, b := range backends {
			if err := b.Close(); err != nil {
				klog.Errorf("closing backend %q: %v", b.Name(), err)
			}
		}
	}()
	s, err := sched.New(backends, nil, 0, *flagParallel)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	const width = 64
	g := backend.NewGraph("demo")
	x := g.Input("x", backend.MakeShape(dtypes.Float32, *flagRows, width))
	w1 := g.Leaf("w1", backend.MakeShape(dtypes.Float32, width, width))
	w2 := g.Leaf("w2", backend.MakeShape(dtypes.Float32, width, width))
	weights, err := backend.AllocTensors(cpu.GetDevice().BufferType(), backend.UsageWeights, w1, w2)
	if err != nil {
		return err
	}
	defer func() { _ = weights.Free() }()
	sums := must.M1(g.SumRows(must.M1(g.SoftMax(must.M1(g.MatMul(must.M1(g.GELU(must.M1(g.MatMul(x, w1)))), w2))))))
	g.MarkOutput(sums)

	if err := s.AllocGraph(g); err != nil {
		return err
	}
	fmt.Println(s)
	if *flagPlan {
		plan, err := s.PlanJSON()
		if err != nil {
			return err
		}
		fmt.Println(plan)
	}

	wValues := make([]float32, width*width)
	for ii := range wValues {
		wValues[ii] = float32(ii%7-3) / width
	}
	if err := backend.SetFloat32s(w1, wValues); err != nil {
		return err
	}
	if err := backend.SetFloat32s(w2, wValues); err != nil {
		return err
	}
	xValues := make([]float32, *flagRows*width)
	for ii := range xValues {
		xValues[ii] = float32(ii%11) / 11
	}

	var elapsed time.Duration
	for range max(*flagRepeat, 1) {
		if err := backend.SetFloat32s(x, xValues); err != nil {
			return err
		}
		start := time.Now()
		if err := s.GraphCompute(ctx, g); err != nil {
			return err
		}
		elapsed += time.Since(start)
	}
	results, err := backend.Float32s(sums)
	if err != nil {
		return err
	}
	numRuns := max(*flagRepeat, 1)
	fmt.Printf("%d runs, %s per run (%s of compute buffers)\n", numRuns, elapsed/time.Duration(numRuns),
		humanize.IBytes(uint64(totalBufferSize(s))))
	fmt.Printf("sums[0]=%g (softmax rows must sum to 1)\n", results[0])
	return nil
}

func totalBufferSize(s *sched.Scheduler) int {
	var total int
	for ii := range s.NumBackends() {
		total += s.BufferSize(s.Backend(ii))
	}
	return total
}
