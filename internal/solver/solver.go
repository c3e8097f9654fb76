// Package solver runs fragment-level correlated calculations during a
// bootstrap-embedding sweep. A FragmentSolver computes one fragment under a
// trial potential; Sweep and SweepParallel fan a potential out over every
// fragment and assemble the global density-mismatch vector and embedding
// energy from the per-fragment results.
package solver

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/qsimlab/beopt/internal/scratch"
)

// Kind identifies the fragment-level correlation treatment.
type Kind string

const (
	MP2  Kind = "MP2"
	CCSD Kind = "CCSD"
	FCI  Kind = "FCI"
	HCI  Kind = "HCI"
	SHCI Kind = "SHCI"
	SCI  Kind = "SCI"
)

var (
	// ErrUnknownSolver reports a solver name outside the supported set.
	ErrUnknownSolver = errors.New("solver: unknown solver kind")

	// ErrScratchRequired reports a solver that needs a working directory
	// being invoked without one.
	ErrScratchRequired = errors.New("solver: scratch directory required")
)

var kinds = map[Kind]bool{MP2: true, CCSD: true, FCI: true, HCI: true, SHCI: true, SCI: true}

// ParseKind normalizes a solver name from configuration.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !kinds[k] {
		return "", fmt.Errorf("%w: %q", ErrUnknownSolver, s)
	}
	return k, nil
}

// Config carries the run-wide inputs shared by every fragment calculation.
// It is assembled once per run and treated as read-only by sweeps.
type Config struct {
	Kind Kind

	// Nocc is the total electron-pair count the summed fragment
	// occupancies are matched against.
	Nocc int

	// ENuc and ECore are constant energy offsets added to the summed
	// fragment energies; EbeHF is the reference energy reported alongside
	// the total so correlation contributions can be read off.
	ENuc  float64
	ECore float64
	EbeHF float64

	// HFVeff is the effective one-electron potential of the reference
	// calculation. Solvers that shift fragment levels read its diagonal.
	HFVeff *mat.SymDense

	RelaxDensity bool

	// Selected-CI knobs. Zero-valued cutoffs mean the solver default.
	HCICutoff     float64
	CICoeffCutoff float64
	SelectCutoff  float64
	HCIPT         bool

	// ScratchRoot, when set, is the directory under which sweeps create
	// per-fragment working directories.
	ScratchRoot string

	// Extra holds solver-specific settings passed through verbatim.
	Extra map[string]string
}

// Validate checks the shared inputs once before a run starts.
func (c *Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.Nocc <= 0 {
		return fmt.Errorf("solver: occupation target must be positive, got %d", c.Nocc)
	}
	if c.HCICutoff < 0 || c.CICoeffCutoff < 0 || c.SelectCutoff < 0 {
		return errors.New("solver: selection cutoffs must be non-negative")
	}
	return nil
}

// Fragment names one embedded fragment and the positions of its matching
// conditions inside the global potential vector. The trailing entry of the
// potential, the chemical potential, is shared and never listed here.
type Fragment struct {
	Name     string
	ParamIdx []int
}

// Request is the unit of work handed to a FragmentSolver.
type Request struct {
	Fragment Fragment

	// Local holds the fragment's slice of the trial potential, gathered
	// by ParamIdx. Empty when only the chemical potential is optimized.
	Local []float64

	// ChemPot is the global chemical potential applied to fragment sites.
	ChemPot float64

	// Iter is the optimization step the sweep belongs to.
	Iter int

	// Scratch is the fragment's private working directory, empty when the
	// run has no scratch root.
	Scratch string

	// Threads is the per-fragment thread allowance.
	Threads int

	Cfg *Config
}

// Result is one fragment's contribution to the sweep.
type Result struct {
	// Energy is the fragment's energy contribution.
	Energy float64

	// Residual holds the density mismatch for each of the fragment's
	// matching conditions, aligned with Fragment.ParamIdx.
	Residual []float64

	// Occupancy is the electron count the fragment assigns to its sites.
	Occupancy float64
}

// FragmentSolver computes a single fragment under a trial potential.
// Implementations must be safe for concurrent Solve calls.
type FragmentSolver interface {
	Solve(req Request) (Result, error)
}

// SweepOptions controls how a single sweep over all fragments is executed.
type SweepOptions struct {
	// Iter tags scratch directories and log lines with the driving
	// optimization step.
	Iter int

	// Workers bounds concurrent fragment calculations in SweepParallel.
	Workers int

	// Threads is forwarded to each fragment calculation.
	Threads int

	// OnlyChemPot restricts matching to the global electron count; the
	// potential then consists of the chemical potential alone.
	OnlyChemPot bool
}

// SweepResult aggregates one full pass over the fragments.
type SweepResult struct {
	// Residual is the global mismatch vector, one entry per potential
	// component with the electron-count deviation last.
	Residual []float64

	// Norm is the root-mean-square of Residual.
	Norm float64

	// Energy is the total embedding energy including constant offsets.
	Energy float64

	// Occupancy is the summed fragment electron count.
	Occupancy float64
}

// Sweep evaluates every fragment in order under pot and assembles the global
// residual and energy. The final potential component is the chemical
// potential; with OnlyChemPot it is the only component.
func Sweep(fs FragmentSolver, frags []Fragment, pot []float64, cfg *Config, opts SweepOptions) (SweepResult, error) {
	if err := checkLayout(frags, pot, opts.OnlyChemPot); err != nil {
		return SweepResult{}, err
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}

	results := make([]Result, len(frags))
	for i, frag := range frags {
		res, err := solveOne(fs, frag, i, pot, cfg, opts)
		if err != nil {
			return SweepResult{}, err
		}
		results[i] = res
	}
	return reduce(frags, results, pot, cfg, opts.OnlyChemPot)
}

// solveOne prepares one fragment's request, including its scratch directory
// when the run has a scratch root, and invokes the solver. The scratch
// directory is removed after a clean solve and kept for inspection on error.
func solveOne(fs FragmentSolver, frag Fragment, idx int, pot []float64, cfg *Config, opts SweepOptions) (Result, error) {
	req := Request{
		Fragment: frag,
		ChemPot:  pot[len(pot)-1],
		Iter:     opts.Iter,
		Threads:  opts.Threads,
		Cfg:      cfg,
	}
	if !opts.OnlyChemPot {
		req.Local = make([]float64, len(frag.ParamIdx))
		for k, p := range frag.ParamIdx {
			req.Local[k] = pot[p]
		}
	}

	var res Result
	run := func() error {
		var err error
		res, err = fs.Solve(req)
		return err
	}

	var err error
	if cfg.ScratchRoot == "" {
		err = run()
	} else {
		var dir *scratch.Dir
		dir, err = scratch.New(filepath.Join(cfg.ScratchRoot, fmt.Sprintf("iter%d_frag%d", opts.Iter, idx)))
		if err == nil {
			req.Scratch = dir.Path()
			err = dir.Do(func(*scratch.Dir) error { return run() })
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("fragment %s (iter %d): %w", frag.Name, opts.Iter, err)
	}
	if !opts.OnlyChemPot && len(res.Residual) != len(frag.ParamIdx) {
		return Result{}, fmt.Errorf("fragment %s: solver returned %d residuals for %d matching conditions",
			frag.Name, len(res.Residual), len(frag.ParamIdx))
	}
	return res, nil
}

// reduce folds per-fragment results into the global residual, in fragment
// order so repeated sweeps are bit-for-bit reproducible.
func reduce(frags []Fragment, results []Result, pot []float64, cfg *Config, onlyChem bool) (SweepResult, error) {
	out := SweepResult{Residual: make([]float64, len(pot))}
	for i, res := range results {
		out.Energy += res.Energy
		out.Occupancy += res.Occupancy
		if !onlyChem {
			for k, p := range frags[i].ParamIdx {
				out.Residual[p] += res.Residual[k]
			}
		}
	}
	out.Residual[len(pot)-1] = out.Occupancy - float64(cfg.Nocc)
	out.Energy += cfg.ECore + cfg.ENuc
	out.Norm = rms(out.Residual)
	return out, nil
}

// checkLayout verifies that the fragments' matching conditions tile the
// potential vector, whose last entry is reserved for the chemical potential.
func checkLayout(frags []Fragment, pot []float64, onlyChem bool) error {
	if len(pot) == 0 {
		return errors.New("solver: empty potential")
	}
	if onlyChem {
		if len(pot) != 1 {
			return fmt.Errorf("solver: chemical-potential-only sweep expects a single component, got %d", len(pot))
		}
		return nil
	}
	nLocal := len(pot) - 1
	for _, frag := range frags {
		for _, p := range frag.ParamIdx {
			if p < 0 || p >= nLocal {
				return fmt.Errorf("solver: fragment %s references potential component %d outside [0,%d)",
					frag.Name, p, nLocal)
			}
		}
	}
	return nil
}

func rms(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var ss float64
	for _, x := range v {
		ss += x * x
	}
	return math.Sqrt(ss / float64(len(v)))
}
