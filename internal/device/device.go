// Package device selects the execution context a run computes on.
//
// The context is chosen once at startup from the host capabilities and then
// passed explicitly to the model and to the batch pipeline, which use it to
// size their worker pools.
package device

import (
	"context"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Kind is the instruction-set tier of the host CPU.
type Kind int

const (
	Generic Kind = iota
	AVX2
	AVX512
	NEON
)

func (k Kind) String() string {
	switch k {
	case AVX2:
		return "cpu/avx2"
	case AVX512:
		return "cpu/avx512"
	case NEON:
		return "cpu/neon"
	}
	return "cpu"
}

// Options configures Select.
type Options struct {
	// UseGPU asks for GPU acceleration. No GPU runtime is linked into this
	// binary, so the request is logged and the CPU context is used instead.
	UseGPU bool
	// Workers bounds per-batch parallelism. Zero means one per physical
	// core as reported by cpuid, or one per logical CPU when that is unknown.
	Workers int
}

// Context is an immutable execution context.
type Context struct {
	kind    Kind
	workers int
	brand   string
}

// Select probes the host and returns the context to run on.
func Select(opts Options) Context {
	if opts.UseGPU {
		klog.Warningf("GPU acceleration requested but no GPU runtime is available, using CPU")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers(cpuid.CPU.PhysicalCores, runtime.NumCPU())
	}
	ctx := Context{
		kind:    probe(),
		workers: workers,
		brand:   strings.TrimSpace(cpuid.CPU.BrandName),
	}
	klog.V(1).Infof("execution context: %s", ctx)
	return ctx
}

// CPU returns a plain context with the given number of workers, skipping
// host probing. Used by tests and tools that need reproducible settings.
func CPU(workers int) Context {
	if workers <= 0 {
		workers = 1
	}
	return Context{kind: Generic, workers: workers}
}

// defaultWorkers prefers physical cores over logical CPUs.
func defaultWorkers(physical, logical int) int {
	if physical > 0 && physical <= logical {
		return physical
	}
	return max(logical, 1)
}

func probe() Kind {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		return AVX512
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		return AVX2
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return NEON
	}
	return Generic
}

// Kind returns the instruction-set tier. It is reported in logs only; the
// pure Go GEMM path is the same on every tier.
func (c Context) Kind() Kind { return c.kind }

// Workers returns the parallelism bound, always at least 1.
func (c Context) Workers() int {
	if c.workers <= 0 {
		return 1
	}
	return c.workers
}

func (c Context) String() string {
	if c.brand == "" {
		return c.kind.String() + " workers=" + strconv.Itoa(c.Workers())
	}
	return c.kind.String() + " (" + c.brand + ") workers=" + strconv.Itoa(c.Workers())
}

// ForEach calls fn for every i in [0, n) using at most Workers goroutines
// and returns the first error. Callers must make fn write only to
// per-index state; the iteration order is unspecified.
func (c Context) ForEach(ctx context.Context, n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	if c.Workers() == 1 || n == 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Workers())
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}
