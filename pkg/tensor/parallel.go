package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelFor calls fn(i) for i in [0, n) using up to GOMAXPROCS goroutines and
// returns the first error. Callers must make each fn(i) write to disjoint memory.
func ParallelFor(n int, fn func(i int) error) error {
	if n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return fn(i)
		})
	}
	return g.Wait()
}
