package caption

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Batched work inside the frozen backbone (one image at a time through
// im2col + GEMM) is independent per sample, so it can be spread across CPU
// cores. Everything recurrent (the LSTM) stays single-threaded: each step
// depends on the previous one and the matrices are small.
//
// Results never depend on the worker count. Each worker owns a disjoint slice
// of the output, so parallel and single-threaded runs are bit-identical.
//
// ===========================================================================

// ComputeConfig controls parallelization of per-sample work.
type ComputeConfig struct {
	// Parallel enables multi-goroutine execution.
	Parallel bool

	// NumWorkers bounds the number of goroutines. 0 means runtime.NumCPU().
	NumWorkers int
}

// DefaultComputeConfig returns a parallel configuration using all CPUs.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{Parallel: true}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{Parallel: false, NumWorkers: 1}
}

func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the configuration used by the backbone.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// parallelFor runs fn(i) for i in [0, n). fn must only write state owned by i.
func parallelFor(cfg ComputeConfig, n int, fn func(i int) error) error {
	workers := cfg.numWorkers()
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}

// parallelRange runs fn(i) for i in [0, n), splitting the range into one
// contiguous chunk per worker. fn must only write state owned by i.
func parallelRange(cfg ComputeConfig, n int, fn func(i int)) {
	workers := cfg.numWorkers()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	per := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += per {
		end := min(start+per, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}()
	}
	wg.Wait()
}
