package optimization

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/qsimlab/beopt/internal/logging"
	"github.com/qsimlab/beopt/internal/solver"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.FatalLevel, io.Discard)
}

// singleFragmentDispatcher builds a one-fragment linear model: one local
// matching condition with the given gain and target, plus the electron
// count condition with the given occupancy response.
func singleFragmentDispatcher(t *testing.T, gain, target, chemResponse float64, mode DispatchMode) *Dispatcher {
	t.Helper()
	ms := solver.NewModelSolver(map[string]solver.ModelParams{
		"a": {Targets: []float64{target}, Gain: gain, BaseOcc: 1.0, ChemResponse: chemResponse, Ecorr: -0.05},
	})
	frags := []solver.Fragment{{Name: "a", ParamIdx: []int{0}}}
	cfg := &solver.Config{Kind: solver.MP2, Nocc: 1, ENuc: 0.5}
	d, err := NewDispatcher(ms, frags, cfg, mode, false)
	require.NoError(t, err)
	return d
}

func TestOptimizeConvergedWithoutSteps(t *testing.T) {
	// Start exactly at the matched point so the initial evaluation is
	// already below tolerance.
	disp := singleFragmentDispatcher(t, 1.0, 0.3, 1.0, Serial(1))
	var out bytes.Buffer

	drv, err := New(Options{
		Potential:  []float64{0.3, 0.0},
		Dispatcher: disp,
		Output:     &out,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	res, err := drv.Optimize("QN", nil, false)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, 1, res.Evaluations)
	assert.InDelta(t, 0.45, res.Energy, 1e-12, "Ecorr + ENuc at the matched point")

	want := strings.Join([]string{
		"-----------------------------------------------------",
		"             Starting BE optimization ",
		"             Solver :  MP2",
		"-----------------------------------------------------",
		"",
		"-- In iter  0",
		"Error in density matching      :   0.0000e+00",
		"",
		"",
		"CONVERGED w/o Optimization Steps",
		"",
	}, "\n") + "\n"
	assert.Equal(t, want, out.String())
}

func TestOptimizeChemicalPotentialBanner(t *testing.T) {
	ms := solver.NewModelSolver(map[string]solver.ModelParams{
		"a": {BaseOcc: 1.0, ChemResponse: 1.0},
	})
	frags := []solver.Fragment{{Name: "a"}}
	cfg := &solver.Config{Kind: solver.CCSD, Nocc: 1}
	disp, err := NewDispatcher(ms, frags, cfg, Serial(1), true)
	require.NoError(t, err)

	var out bytes.Buffer
	drv, err := New(Options{
		Potential:  []float64{0.0},
		Dispatcher: disp,
		Output:     &out,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	res, err := drv.Optimize("QN", nil, false)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Contains(t, out.String(), "             Solver :  CCSD\n")
	assert.Contains(t, out.String(), "             Chemical Potential Optimization\n")
}

func TestOptimizeConvergesAndCountsSteps(t *testing.T) {
	disp := singleFragmentDispatcher(t, 0.8, 0.3, 0.9, Serial(1))
	var out bytes.Buffer

	drv, err := New(Options{
		Potential:  []float64{0.0, 0.4},
		Dispatcher: disp,
		Tolerance:  1e-8,
		Output:     &out,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	res, err := drv.Optimize("QN", nil, false)
	require.NoError(t, err)

	require.True(t, res.Converged)
	assert.Greater(t, res.Steps, 0)
	assert.Equal(t, res.Steps+1, res.Evaluations, "one evaluation per step plus the initial one")
	assert.InDelta(t, 0.3, res.Potential[0], 1e-6)
	assert.InDelta(t, 0.0, res.Potential[1], 1e-6)
	assert.Contains(t, out.String(), "\nCONVERGED\n")

	// The step counter advances by one per committed step, and each
	// step's evaluation is tagged with the counter before the advance.
	require.Equal(t, res.Evaluations, len(res.History))
	assert.Equal(t, 0, res.History[0].Iter)
	for k := 1; k < len(res.History); k++ {
		assert.Equal(t, k-1, res.History[k].Iter)
	}
}

func TestOptimizeSerialAndParallelAgree(t *testing.T) {
	run := func(mode DispatchMode) *Result {
		disp := singleFragmentDispatcher(t, 0.7, -0.2, 1.1, mode)
		drv, err := New(Options{
			Potential:  []float64{0.5, -0.3},
			Dispatcher: disp,
			Output:     io.Discard,
			Logger:     quietLogger(),
		})
		require.NoError(t, err)
		res, err := drv.Optimize("QN", nil, false)
		require.NoError(t, err)
		return res
	}

	serial := run(Serial(2))
	parallel := run(Parallel(3, 2))
	assert.Equal(t, serial, parallel, "dispatch mode must not change the numbers")
}

func TestOptimizeBudgetExhaustedIsNotAnError(t *testing.T) {
	// Zero response means the residual never moves.
	ms := solver.NewModelSolver(map[string]solver.ModelParams{
		"a": {BaseOcc: 0.5, ChemResponse: 0.0},
	})
	frags := []solver.Fragment{{Name: "a"}}
	cfg := &solver.Config{Kind: solver.MP2, Nocc: 1}
	disp, err := NewDispatcher(ms, frags, cfg, Serial(1), true)
	require.NoError(t, err)

	var out bytes.Buffer
	drv, err := New(Options{
		Potential:  []float64{0.0},
		Dispatcher: disp,
		MaxSteps:   3,
		Output:     &out,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	res, err := drv.Optimize("QN", nil, false)
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 4, res.Evaluations)
	assert.Equal(t, 4, strings.Count(out.String(), "-- In iter "))
	assert.NotContains(t, out.String(), "CONVERGED")
}

func TestOptimizeSingleStepBudget(t *testing.T) {
	t.Run("already converged", func(t *testing.T) {
		disp := singleFragmentDispatcher(t, 1.0, 0.3, 1.0, Serial(1))
		var out bytes.Buffer
		drv, err := New(Options{
			Potential:  []float64{0.3, 0.0},
			Dispatcher: disp,
			MaxSteps:   1,
			Output:     &out,
			Logger:     quietLogger(),
		})
		require.NoError(t, err)

		res, err := drv.Optimize("QN", nil, false)
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.Equal(t, 0, res.Steps)
		assert.Contains(t, out.String(), "CONVERGED w/o Optimization Steps")
	})

	t.Run("one step to convergence", func(t *testing.T) {
		// Unit gain and unit occupancy response make the first step land
		// exactly on the matched point.
		disp := singleFragmentDispatcher(t, 1.0, 0.3, 1.0, Serial(1))
		var out bytes.Buffer
		drv, err := New(Options{
			Potential:  []float64{0.0, 0.5},
			Dispatcher: disp,
			MaxSteps:   1,
			Output:     &out,
			Logger:     quietLogger(),
		})
		require.NoError(t, err)

		res, err := drv.Optimize("QN", nil, false)
		require.NoError(t, err)
		assert.True(t, res.Converged)
		assert.Equal(t, 1, res.Steps)
		assert.Contains(t, out.String(), "\nCONVERGED\n")
		assert.NotContains(t, out.String(), "w/o Optimization Steps")
	})
}

func TestOptimizeSeedJacobian(t *testing.T) {
	// Gain 2 oscillates under an identity seed; the exact Jacobian seed
	// lands in one step.
	disp := singleFragmentDispatcher(t, 2.0, 0.1, 2.0, Serial(1))
	j0 := mat.NewDense(2, 2, []float64{2, 0, 0, 2})

	drv, err := New(Options{
		Potential:  []float64{0.4, 0.4},
		Dispatcher: disp,
		Output:     io.Discard,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	res, err := drv.Optimize("QN", j0, false)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Steps)
}

func TestOptimizeTrustRegion(t *testing.T) {
	disp := singleFragmentDispatcher(t, 0.8, 0.3, 0.9, Serial(1))
	drv, err := New(Options{
		Potential:   []float64{5.0, -4.0},
		Dispatcher:  disp,
		TrustRadius: 0.5,
		Output:      io.Discard,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)

	res, err := drv.Optimize("QN", nil, true)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.InDelta(t, 0.3, res.Potential[0], 1e-4)
	assert.InDelta(t, 0.0, res.Potential[1], 1e-4)
}

func TestOptimizeSweepFailurePropagates(t *testing.T) {
	ms := solver.NewModelSolver(nil) // no fragment parameters registered
	frags := []solver.Fragment{{Name: "ghost", ParamIdx: []int{0}}}
	cfg := &solver.Config{Kind: solver.MP2, Nocc: 1}
	disp, err := NewDispatcher(ms, frags, cfg, Serial(1), false)
	require.NoError(t, err)

	drv, err := New(Options{
		Potential:  []float64{0.0, 0.0},
		Dispatcher: disp,
		Output:     io.Discard,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	_, err = drv.Optimize("QN", nil, false)
	require.Error(t, err)
	oerr, ok := IsOptimizationError(err)
	require.True(t, ok)
	assert.Equal(t, "driver", oerr.Component)
}

// TestHelperUnsupportedMethod is re-executed as a child process to observe
// the process exit an unsupported method triggers.
func TestHelperUnsupportedMethod(t *testing.T) {
	if os.Getenv("BEOPT_UNSUPPORTED_METHOD_HELPER") != "1" {
		t.Skip("helper process only")
	}
	ms := solver.NewModelSolver(map[string]solver.ModelParams{
		"a": {BaseOcc: 1.0, ChemResponse: 1.0},
	})
	disp, err := NewDispatcher(ms, []solver.Fragment{{Name: "a"}}, &solver.Config{Kind: solver.MP2, Nocc: 1}, Serial(1), true)
	if err != nil {
		t.Fatal(err)
	}
	drv, err := New(Options{Potential: []float64{0.0}, Dispatcher: disp})
	if err != nil {
		t.Fatal(err)
	}
	drv.Optimize("SD", nil, false)
	// Optimize must not return; reaching this line fails the parent by
	// exiting zero.
	os.Exit(0)
}

func TestOptimizeUnsupportedMethodExits(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperUnsupportedMethod$")
	cmd.Env = append(os.Environ(), "BEOPT_UNSUPPORTED_METHOD_HELPER=1")

	out, err := cmd.CombinedOutput()
	require.Error(t, err, "child process should exit non-zero")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, string(out), "This optimization method for BE is not supported")
}
