package solver

import "sync"

// SweepParallel evaluates the fragments concurrently with at most
// opts.Workers calculations in flight, each given opts.Threads threads.
// Results are folded in fragment order, so a parallel sweep produces the
// same residual, energy, and error reporting as the serial Sweep.
func SweepParallel(fs FragmentSolver, frags []Fragment, pot []float64, cfg *Config, opts SweepOptions) (SweepResult, error) {
	if err := checkLayout(frags, pot, opts.OnlyChemPot); err != nil {
		return SweepResult{}, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}

	results := make([]Result, len(frags))
	errs := make([]error, len(frags))
	sem := make(chan struct{}, opts.Workers)
	var wg sync.WaitGroup

	for i, frag := range frags {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, frag Fragment) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = solveOne(fs, frag, i, pot, cfg, opts)
		}(i, frag)
	}
	wg.Wait()

	// Report the first failure by fragment index, matching serial order.
	for _, err := range errs {
		if err != nil {
			return SweepResult{}, err
		}
	}
	return reduce(frags, results, pot, cfg, opts.OnlyChemPot)
}
