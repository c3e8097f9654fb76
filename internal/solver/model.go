package solver

import "fmt"

// ModelParams describes one fragment of the built-in response model: a
// linearized fragment whose density deviations respond proportionally to
// the applied potential.
type ModelParams struct {
	// Targets are the reference densities for the fragment's matching
	// conditions, aligned with Fragment.ParamIdx.
	Targets []float64

	// BaseOcc is the fragment's electron count at zero chemical
	// potential; ChemResponse is its linear occupancy response.
	BaseOcc      float64
	ChemResponse float64

	// Gain scales the density deviation. Zero means unit gain.
	Gain float64

	// Ecorr is the fragment's correlation energy at the matched point.
	Ecorr float64
}

// ModelSolver is a deterministic in-process FragmentSolver with linear
// response. It stands in for an external quantum-chemistry backend in
// tests, demo runs, and server smoke checks, and needs no scratch space.
type ModelSolver struct {
	models map[string]ModelParams
}

// NewModelSolver builds a model solver from per-fragment parameters keyed
// by fragment name.
func NewModelSolver(models map[string]ModelParams) *ModelSolver {
	return &ModelSolver{models: models}
}

// Solve evaluates the linear response of one fragment. When the run config
// carries an effective potential, its diagonal shifts the fragment levels.
func (m *ModelSolver) Solve(req Request) (Result, error) {
	p, ok := m.models[req.Fragment.Name]
	if !ok {
		return Result{}, fmt.Errorf("model solver: no parameters for fragment %q", req.Fragment.Name)
	}
	if len(req.Local) > 0 && len(p.Targets) != len(req.Local) {
		return Result{}, fmt.Errorf("model solver: fragment %q has %d targets for %d potential components",
			req.Fragment.Name, len(p.Targets), len(req.Local))
	}

	gain := p.Gain
	if gain == 0 {
		gain = 1
	}

	res := Result{
		Residual:  make([]float64, len(req.Local)),
		Occupancy: p.BaseOcc + p.ChemResponse*req.ChemPot,
		Energy:    p.Ecorr,
	}
	for k := range req.Local {
		shift := 0.0
		if req.Cfg != nil && req.Cfg.HFVeff != nil {
			g := req.Fragment.ParamIdx[k]
			if g < req.Cfg.HFVeff.SymmetricDim() {
				shift = req.Cfg.HFVeff.At(g, g)
			}
		}
		dev := req.Local[k] + shift - p.Targets[k]
		res.Residual[k] = gain * dev
		res.Energy += 0.5 * dev * dev
	}
	return res, nil
}
