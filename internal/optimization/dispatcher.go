package optimization

import (
	"github.com/qsimlab/beopt/internal/solver"
)

// Dispatcher binds a fragment solver, the fragment layout, and the shared
// run configuration, and evaluates trial potentials by sweeping all
// fragments in the selected dispatch mode.
type Dispatcher struct {
	solver   solver.FragmentSolver
	frags    []solver.Fragment
	cfg      *solver.Config
	mode     DispatchMode
	onlyChem bool
}

// NewDispatcher validates the run configuration and prepares a dispatcher.
func NewDispatcher(fs solver.FragmentSolver, frags []solver.Fragment, cfg *solver.Config, mode DispatchMode, onlyChem bool) (*Dispatcher, error) {
	const op = "NewDispatcher"
	if fs == nil {
		return nil, NewError("fragment solver is required").WithOperation(op).WithComponent("dispatcher")
	}
	if len(frags) == 0 {
		return nil, NewError("at least one fragment is required").WithOperation(op).WithComponent("dispatcher")
	}
	if cfg == nil {
		return nil, NewError("solver configuration is required").WithOperation(op).WithComponent("dispatcher")
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapError(err, "invalid solver configuration").WithOperation(op).WithComponent("dispatcher")
	}
	return &Dispatcher{
		solver:   fs,
		frags:    frags,
		cfg:      cfg,
		mode:     mode,
		onlyChem: onlyChem,
	}, nil
}

// Evaluate sweeps every fragment under pot and returns the assembled
// residual, mismatch norm, and energy. The iteration index tags scratch
// directories and diagnostics.
func (d *Dispatcher) Evaluate(pot []float64, iter int) (solver.SweepResult, error) {
	opts := solver.SweepOptions{
		Iter:        iter,
		Workers:     d.mode.Workers(),
		Threads:     d.mode.Threads(),
		OnlyChemPot: d.onlyChem,
	}
	if d.mode.IsSerial() {
		return solver.Sweep(d.solver, d.frags, pot, d.cfg, opts)
	}
	return solver.SweepParallel(d.solver, d.frags, pot, d.cfg, opts)
}

// Fragments returns the fragment layout the dispatcher sweeps.
func (d *Dispatcher) Fragments() []solver.Fragment { return d.frags }

// Config returns the shared solver configuration.
func (d *Dispatcher) Config() *solver.Config { return d.cfg }

// OnlyChemPot reports whether matching is restricted to the global
// electron count.
func (d *Dispatcher) OnlyChemPot() bool { return d.onlyChem }
