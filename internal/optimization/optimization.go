// Package optimization drives bootstrap-embedding potential optimization:
// it owns the iteration bookkeeping of a run, dispatches fragment sweeps
// serially or across a worker pool, and advances the potential with the
// quasi-Newton stepper until the density mismatch converges.
package optimization

// Step records one objective evaluation of a run.
type Step struct {
	// Iter is the optimization step the evaluation belonged to.
	Iter int `json:"iter"`

	// Potential is the trial potential that was evaluated.
	Potential []float64 `json:"potential"`

	// Error is the root-mean-square density mismatch.
	Error float64 `json:"error"`

	// Energy is the total embedding energy at the trial potential.
	Energy float64 `json:"energy"`
}

// Result contains the outcome of an optimization run.
type Result struct {
	// Potential is the final potential.
	Potential []float64 `json:"potential"`

	// Error is the density mismatch at the final potential.
	Error float64 `json:"error"`

	// Energy is the embedding energy at the final potential.
	Energy float64 `json:"energy"`

	// Steps counts committed quasi-Newton steps.
	Steps int `json:"steps"`

	// Evaluations counts objective evaluations, including the initial one.
	Evaluations int `json:"evaluations"`

	// Converged reports whether the mismatch fell below tolerance before
	// the step budget ran out.
	Converged bool `json:"converged"`

	// History holds every evaluation in order.
	History []Step `json:"history,omitempty"`
}

// DispatchMode selects how fragment sweeps are executed.
type DispatchMode struct {
	workers int
	threads int
}

// Serial runs fragments one at a time, each with the given thread allowance.
func Serial(threads int) DispatchMode {
	return DispatchMode{workers: 1, threads: threads}
}

// Parallel runs up to workers fragments concurrently, each with the given
// thread allowance.
func Parallel(workers, threads int) DispatchMode {
	return DispatchMode{workers: workers, threads: threads}
}

// IsSerial reports whether sweeps run on the in-order serial path.
func (m DispatchMode) IsSerial() bool { return m.workers <= 1 }

// Workers returns the worker bound, at least one.
func (m DispatchMode) Workers() int {
	if m.workers <= 0 {
		return 1
	}
	return m.workers
}

// Threads returns the per-fragment thread allowance, at least one.
func (m DispatchMode) Threads() int {
	if m.threads <= 0 {
		return 1
	}
	return m.threads
}
