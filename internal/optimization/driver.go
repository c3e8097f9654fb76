package optimization

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/qsimlab/beopt/internal/logging"
	"github.com/qsimlab/beopt/internal/optimization/qn"
)

// Options configures a Driver.
type Options struct {
	// Potential is the starting potential. Its last component is the
	// chemical potential; in chemical-potential-only runs it is the only
	// component.
	Potential []float64

	// Dispatcher evaluates trial potentials over the fragments.
	Dispatcher *Dispatcher

	// Tolerance is the mismatch norm below which the run has converged.
	// Zero selects the default of 1e-6.
	Tolerance float64

	// MaxSteps bounds both the number of optimization steps and the
	// stepper's update history. Zero selects the default of 500.
	MaxSteps int

	// TrustRadius is the initial step bound for trust-region runs. Zero
	// selects the stepper default.
	TrustRadius float64

	// Output receives the iteration report. Defaults to standard output.
	Output io.Writer

	Logger *logging.Logger
}

const (
	defaultTolerance = 1e-6
	defaultMaxSteps  = 500
)

// Driver walks a potential toward density matching. It owns the iteration
// counter, the latest mismatch and energy, and the evaluation history.
type Driver struct {
	opts Options

	pot    []float64
	iter   int
	evals  int
	err    float64
	energy float64

	history []Step

	out io.Writer
	log *logging.Logger
}

// New validates the options and prepares a driver positioned at the
// starting potential.
func New(opts Options) (*Driver, error) {
	const op = "New"
	if len(opts.Potential) == 0 {
		return nil, NewError("starting potential is required").WithOperation(op).WithComponent("driver")
	}
	if opts.Dispatcher == nil {
		return nil, NewError("dispatcher is required").WithOperation(op).WithComponent("driver")
	}
	if opts.Tolerance == 0 {
		opts.Tolerance = defaultTolerance
	}
	if opts.Tolerance < 0 {
		return nil, NewErrorf("tolerance must be positive, got %g", opts.Tolerance).WithOperation(op).WithComponent("driver")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = logging.New(logging.InfoLevel, os.Stderr)
	}
	return &Driver{
		opts: opts,
		pot:  append([]float64(nil), opts.Potential...),
		out:  opts.Output,
		log:  opts.Logger,
	}, nil
}

// Objective evaluates the residual map at pot, records the evaluation, and
// updates the driver's mismatch and energy. The quasi-Newton stepper
// re-enters it on every step.
func (d *Driver) Objective(pot []float64) ([]float64, error) {
	res, err := d.opts.Dispatcher.Evaluate(pot, d.iter)
	if err != nil {
		return nil, WrapError(err, "fragment sweep failed").WithOperation("Objective").WithComponent("driver")
	}
	d.err = res.Norm
	d.energy = res.Energy
	d.evals++
	d.history = append(d.history, Step{
		Iter:      d.iter,
		Potential: append([]float64(nil), pot...),
		Error:     res.Norm,
		Energy:    res.Energy,
	})
	return res.Residual, nil
}

// Optimize runs the named optimization method from the starting potential.
// "QN" is the only supported method; any other name reports the rejection
// on the run output and terminates the process.
//
// j0 optionally seeds the stepper with a finite-difference Jacobian, and
// trustRegion bounds each step by an adaptive radius.
func (d *Driver) Optimize(method string, j0 *mat.Dense, trustRegion bool) (*Result, error) {
	const op = "Optimize"
	rule := strings.Repeat("-", 53)

	fmt.Fprintln(d.out, rule)
	fmt.Fprintln(d.out, "             Starting BE optimization ")
	fmt.Fprintln(d.out, "             Solver : ", d.opts.Dispatcher.Config().Kind)
	if d.opts.Dispatcher.OnlyChemPot() {
		fmt.Fprintln(d.out, "             Chemical Potential Optimization")
	}
	fmt.Fprintln(d.out, rule)
	fmt.Fprintln(d.out)

	if method != "QN" {
		fmt.Fprintln(d.out, "This optimization method for BE is not supported")
		d.log.Fatal("unsupported optimization method", map[string]interface{}{
			"method": method,
		})
		return nil, nil // unreachable, Fatal exits
	}

	fmt.Fprintln(d.out, "-- In iter ", d.iter)
	f0, err := d.Objective(d.pot)
	if err != nil {
		return nil, WrapError(err, "initial evaluation failed").WithOperation(op).WithComponent("driver")
	}
	fmt.Fprintf(d.out, "Error in density matching      :   %2.4e\n", d.err)
	fmt.Fprintln(d.out)

	converged := false
	if d.err < d.opts.Tolerance {
		fmt.Fprintln(d.out)
		fmt.Fprintln(d.out, "CONVERGED w/o Optimization Steps")
		fmt.Fprintln(d.out)
		converged = true
	} else {
		st, err := qn.New(qn.Config{
			Objective:   d.Objective,
			X0:          d.pot,
			F0:          f0,
			J0:          j0,
			MaxSpace:    d.opts.MaxSteps,
			TrustRadius: d.opts.TrustRadius,
			Logger:      logging.NewZapLogger(d.log),
		})
		if err != nil {
			return nil, WrapError(err, "stepper construction failed").WithOperation(op).WithComponent("driver")
		}

		for k := 0; k < d.opts.MaxSteps; k++ {
			fmt.Fprintln(d.out, "-- In iter ", d.iter)
			if err := st.NextStep(trustRegion); err != nil {
				return nil, WrapError(err, "optimization step failed").WithOperation(op).WithComponent("driver")
			}
			d.iter++
			fmt.Fprintf(d.out, "Error in density matching      :   %2.4e\n", d.err)
			fmt.Fprintln(d.out)

			if d.err < d.opts.Tolerance {
				fmt.Fprintln(d.out)
				fmt.Fprintln(d.out, "CONVERGED")
				fmt.Fprintln(d.out)
				converged = true
				break
			}
		}
		d.pot = st.Potential()
	}

	if !converged {
		d.log.Warn("optimization exhausted its step budget", map[string]interface{}{
			"steps":     d.iter,
			"error":     d.err,
			"tolerance": d.opts.Tolerance,
		})
	}

	return &Result{
		Potential:   append([]float64(nil), d.pot...),
		Error:       d.err,
		Energy:      d.energy,
		Steps:       d.iter,
		Evaluations: d.evals,
		Converged:   converged,
		History:     d.history,
	}, nil
}

// Error returns the latest density mismatch norm.
func (d *Driver) Error() float64 { return d.err }

// Energy returns the latest embedding energy.
func (d *Driver) Energy() float64 { return d.energy }

// Iter returns the committed step count.
func (d *Driver) Iter() int { return d.iter }
