package qn

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// diagResidual builds the residual map f(x) = A (x - root) for diagonal A.
func diagResidual(diag, root []float64) Objective {
	return func(x []float64) ([]float64, error) {
		out := make([]float64, len(x))
		for i := range x {
			out[i] = diag[i] * (x[i] - root[i])
		}
		return out, nil
	}
}

func mustEval(t *testing.T, obj Objective, x []float64) []float64 {
	t.Helper()
	f, err := obj(x)
	require.NoError(t, err)
	return f
}

func norm2(v []float64) float64 {
	var ss float64
	for _, x := range v {
		ss += x * x
	}
	return math.Sqrt(ss)
}

func TestNewValidation(t *testing.T) {
	obj := diagResidual([]float64{1}, []float64{0})
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing objective", cfg: Config{X0: []float64{0}, F0: []float64{1}}},
		{name: "empty potential", cfg: Config{Objective: obj}},
		{name: "dimension mismatch", cfg: Config{Objective: obj, X0: []float64{0, 0}, F0: []float64{1}}},
		{name: "seed shape mismatch", cfg: Config{Objective: obj, X0: []float64{0}, F0: []float64{1}, J0: mat.NewDense(2, 2, nil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestConvergesOnLinearSystem(t *testing.T) {
	diag := []float64{0.8, 1.2, 0.9}
	root := []float64{0.3, -0.1, 0.05}
	obj := diagResidual(diag, root)
	x0 := []float64{0, 0, 0}

	s, err := New(Config{Objective: obj, X0: x0, F0: mustEval(t, obj, x0)})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.NextStep(false))
		if norm2(s.Residual()) < 1e-10 {
			break
		}
	}
	t.Logf("converged in %d steps", s.Steps())

	require.Less(t, norm2(s.Residual()), 1e-10)
	got := s.Potential()
	for i := range root {
		assert.InDelta(t, root[i], got[i], 1e-9)
	}
}

func TestSeedJacobianSolvesLinearSystemInOneStep(t *testing.T) {
	obj := diagResidual([]float64{0.8, 1.2}, []float64{0.25, -0.5})
	x0 := []float64{0, 0}
	j0 := mat.NewDense(2, 2, []float64{0.8, 0, 0, 1.2})

	s, err := New(Config{Objective: obj, X0: x0, F0: mustEval(t, obj, x0), J0: j0})
	require.NoError(t, err)

	require.NoError(t, s.NextStep(false))
	assert.Less(t, norm2(s.Residual()), 1e-10)
}

func TestFailedEvaluationLeavesStateUntouched(t *testing.T) {
	boom := fmt.Errorf("backend unavailable")
	calls := 0
	obj := func(x []float64) ([]float64, error) {
		calls++
		return nil, boom
	}

	s, err := New(Config{
		Objective: obj,
		X0:        []float64{0.5, 0.5},
		F0:        []float64{1, 1},
	})
	require.NoError(t, err)

	err = s.NextStep(false)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Steps())
	assert.Equal(t, []float64{0.5, 0.5}, s.Potential())
	assert.Equal(t, []float64{1, 1}, s.Residual())
}

func TestNonFiniteResidualRejected(t *testing.T) {
	obj := func(x []float64) ([]float64, error) {
		return []float64{math.NaN(), 0}, nil
	}
	s, err := New(Config{Objective: obj, X0: []float64{0, 0}, F0: []float64{1, 1}})
	require.NoError(t, err)

	err = s.NextStep(false)
	require.ErrorIs(t, err, ErrNonFinite)
	assert.Equal(t, 0, s.Steps())
	assert.Equal(t, []float64{0, 0}, s.Potential())
}

func TestTrustRegionClampsStepLength(t *testing.T) {
	// Steep residual far from the root proposes a long step.
	obj := diagResidual([]float64{100, 100}, []float64{3, -3})
	x0 := []float64{0, 0}

	s, err := New(Config{
		Objective:   obj,
		X0:          x0,
		F0:          mustEval(t, obj, x0),
		TrustRadius: 0.5,
	})
	require.NoError(t, err)

	require.NoError(t, s.NextStep(true))

	moved := make([]float64, len(x0))
	for i, v := range s.Potential() {
		moved[i] = v - x0[i]
	}
	assert.InDelta(t, 0.5, norm2(moved), 1e-12, "step should be clamped to the trust radius")
}

func TestTrustRadiusShrinksWhenResidualStalls(t *testing.T) {
	// Constant residual never improves, so every trust-region step halves
	// the radius and the zero-curvature Broyden update is skipped.
	obj := func(x []float64) ([]float64, error) {
		return []float64{1, 1}, nil
	}
	s, err := New(Config{
		Objective:   obj,
		X0:          []float64{0, 0},
		F0:          []float64{1, 1},
		TrustRadius: 1.0,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.NextStep(true))
	}
	assert.InDelta(t, 1.0/8, s.TrustRadius(), 1e-12)
}

func TestCappedHistoryStillConverges(t *testing.T) {
	diag := []float64{0.8, 1.1}
	root := []float64{1, 1}
	obj := diagResidual(diag, root)
	x0 := []float64{0, 0}

	// Each accepted update immediately exhausts the history, so the
	// stepper keeps rebuilding from the identity seed.
	s, err := New(Config{Objective: obj, X0: x0, F0: mustEval(t, obj, x0), MaxSpace: 1})
	require.NoError(t, err)

	for i := 0; i < 40 && norm2(s.Residual()) >= 1e-8; i++ {
		require.NoError(t, s.NextStep(false))
	}
	assert.Less(t, norm2(s.Residual()), 1e-8)
}

func TestSeedJacobianRankHandling(t *testing.T) {
	obj := diagResidual([]float64{1, 1}, []float64{0, 0})

	t.Run("rank deficient seed is tolerated", func(t *testing.T) {
		j0 := mat.NewDense(2, 2, []float64{1, 0, 0, 0})
		s, err := New(Config{Objective: obj, X0: []float64{1, 1}, F0: []float64{1, 1}, J0: j0})
		require.NoError(t, err)
		require.NoError(t, s.NextStep(false))
	})

	t.Run("zero seed is rejected", func(t *testing.T) {
		j0 := mat.NewDense(2, 2, nil)
		_, err := New(Config{Objective: obj, X0: []float64{1, 1}, F0: []float64{1, 1}, J0: j0})
		require.ErrorIs(t, err, ErrSingularSeed)
	})
}

func TestAccessorsReturnCopies(t *testing.T) {
	obj := diagResidual([]float64{1}, []float64{0})
	s, err := New(Config{Objective: obj, X0: []float64{0.5}, F0: []float64{0.5}})
	require.NoError(t, err)

	p := s.Potential()
	p[0] = 99
	assert.Equal(t, []float64{0.5}, s.Potential())

	r := s.Residual()
	r[0] = 99
	assert.Equal(t, []float64{0.5}, s.Residual())
}

func BenchmarkNextStep(b *testing.B) {
	n := 32
	diag := make([]float64, n)
	root := make([]float64, n)
	x0 := make([]float64, n)
	for i := range diag {
		diag[i] = 0.5 + float64(i%7)/10
		root[i] = float64(i) / float64(n)
	}
	obj := diagResidual(diag, root)
	f0, _ := obj(x0)

	s, err := New(Config{Objective: obj, X0: x0, F0: f0, Logger: zap.NewNop()})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.NextStep(false); err != nil {
			b.Fatal(err)
		}
	}
}
