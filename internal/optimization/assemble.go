package optimization

import (
	"context"
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/qsimlab/beopt/internal/config"
	"github.com/qsimlab/beopt/internal/logging"
	"github.com/qsimlab/beopt/internal/solver"
)

// RunParams binds a normalized run spec to the process-level pieces a run
// needs: where fragment scratch lives, where the iteration report goes, and
// which logger to use.
type RunParams struct {
	Spec        *config.RunSpec
	ScratchRoot string
	Output      io.Writer
	Logger      *logging.Logger

	// Context, when set, is checked before every fragment calculation so
	// a run can be cancelled between solves.
	Context context.Context
}

// ctxSolver aborts fragment solves once the run's context is done.
type ctxSolver struct {
	ctx   context.Context
	inner solver.FragmentSolver
}

func (c ctxSolver) Solve(req solver.Request) (solver.Result, error) {
	if err := c.ctx.Err(); err != nil {
		return solver.Result{}, err
	}
	return c.inner.Solve(req)
}

// Run is an assembled optimization ready to execute.
type Run struct {
	Driver      *Driver
	Method      string
	J0          *mat.Dense
	TrustRegion bool
}

// Execute runs the assembled optimization.
func (r *Run) Execute() (*Result, error) {
	return r.Driver.Optimize(r.Method, r.J0, r.TrustRegion)
}

// BuildRun translates a run spec into a configured driver: solver backend,
// fragment layout, dispatch mode, and optional seed Jacobian.
func BuildRun(p RunParams) (*Run, error) {
	const op = "BuildRun"
	spec := p.Spec
	if spec == nil {
		return nil, NewError("run spec is required").WithOperation(op).WithComponent("assemble")
	}

	kind, err := solver.ParseKind(spec.Solver)
	if err != nil {
		return nil, WrapError(err, "unusable run spec").WithOperation(op).WithComponent("assemble")
	}

	cfg := &solver.Config{
		Kind:          kind,
		Nocc:          spec.Nocc,
		ENuc:          spec.ENuc,
		ECore:         spec.ECore,
		EbeHF:         spec.EbeHF,
		RelaxDensity:  spec.RelaxDensity,
		HCICutoff:     spec.HCICutoff,
		CICoeffCutoff: spec.CICoeffCutoff,
		SelectCutoff:  spec.SelectCutoff,
		HCIPT:         spec.HCIPT,
		ScratchRoot:   p.ScratchRoot,
		Extra:         spec.Extra,
	}
	if n := len(spec.VeffDiagonal); n > 0 {
		veff := mat.NewSymDense(n, nil)
		for i, v := range spec.VeffDiagonal {
			veff.SetSym(i, i, v)
		}
		cfg.HFVeff = veff
	}

	frags := make([]solver.Fragment, len(spec.Fragments))
	models := make(map[string]solver.ModelParams, len(spec.Fragments))
	for i, f := range spec.Fragments {
		frags[i] = solver.Fragment{
			Name:     f.Name,
			ParamIdx: append([]int(nil), f.Params...),
		}
		targets := append([]float64(nil), f.Targets...)
		if len(targets) == 0 && len(f.Params) > 0 {
			targets = make([]float64, len(f.Params))
		}
		models[f.Name] = solver.ModelParams{
			Targets:      targets,
			BaseOcc:      f.Occupancy,
			ChemResponse: f.ChemResponse,
			Gain:         f.Gain,
			Ecorr:        f.Ecorr,
		}
	}

	var fs solver.FragmentSolver
	if spec.Command != "" {
		fs = &solver.ExecSolver{Command: spec.Command, Args: append([]string(nil), spec.Args...)}
	} else {
		fs = solver.NewModelSolver(models)
	}
	if p.Context != nil {
		fs = ctxSolver{ctx: p.Context, inner: fs}
	}

	mode := Serial(spec.Threads)
	if spec.Workers > 1 {
		mode = Parallel(spec.Workers, spec.Threads)
	}

	disp, err := NewDispatcher(fs, frags, cfg, mode, spec.OnlyChemPot)
	if err != nil {
		return nil, err
	}

	drv, err := New(Options{
		Potential:   spec.Potential,
		Dispatcher:  disp,
		Tolerance:   spec.Tolerance,
		MaxSteps:    spec.MaxSteps,
		TrustRadius: spec.TrustRadius,
		Output:      p.Output,
		Logger:      p.Logger,
	})
	if err != nil {
		return nil, err
	}

	var j0 *mat.Dense
	if n := len(spec.SeedJacobian); n > 0 {
		j0 = mat.NewDense(n, n, nil)
		for i, row := range spec.SeedJacobian {
			j0.SetRow(i, row)
		}
	}

	return &Run{
		Driver:      drv,
		Method:      spec.Method,
		J0:          j0,
		TrustRegion: spec.TrustRegion,
	}, nil
}
