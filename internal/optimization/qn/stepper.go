// Package qn implements the quasi-Newton root finder that drives potential
// optimization. It maintains a dense approximation to the inverse Jacobian
// of the residual map, refined by Broyden updates, and advances the
// potential one step at a time so the caller stays in control of iteration
// accounting and convergence checks.
package qn

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Objective evaluates the residual map at a trial potential.
type Objective func([]float64) ([]float64, error)

// Config assembles a Stepper. X0 and F0 are the starting potential and its
// residual, already evaluated by the caller. J0 optionally seeds the inverse
// Jacobian from a finite-difference Jacobian; without it the identity is
// used.
type Config struct {
	Objective Objective
	X0        []float64
	F0        []float64
	J0        *mat.Dense

	// MaxSpace bounds the number of Broyden updates the inverse Jacobian
	// accumulates before it is rebuilt from the seed.
	MaxSpace int

	// TrustRadius is the initial step-length bound used when stepping in
	// trust-region mode. Zero selects the default.
	TrustRadius float64

	Logger *zap.Logger
}

const (
	defaultMaxSpace    = 500
	defaultTrustRadius = 1.0
	minTrustRadius     = 1e-8

	// updateSkipTol guards the Broyden denominator; updates whose
	// curvature is below this relative floor are skipped rather than
	// amplified into the inverse Jacobian.
	updateSkipTol = 1e-12
)

// ErrNonFinite reports an objective evaluation that produced NaN or Inf.
var ErrNonFinite = errors.New("qn: objective returned non-finite residual")

// Stepper holds the quasi-Newton state between steps.
type Stepper struct {
	obj Objective

	x *mat.VecDense // current potential
	f *mat.VecDense // residual at x

	b    *mat.Dense // inverse Jacobian approximation
	seed *mat.Dense // rebuild target once maxSpace updates accumulate
	age  int

	maxSpace int
	radius   float64
	radius0  float64

	steps int

	ws     *workspace
	logger *zap.Logger
}

// New validates the configuration and prepares the initial inverse Jacobian.
// The residual map must be square: one matching condition per potential
// component.
func New(cfg Config) (*Stepper, error) {
	if cfg.Objective == nil {
		return nil, errors.New("qn: objective is required")
	}
	n := len(cfg.X0)
	if n == 0 {
		return nil, errors.New("qn: empty starting potential")
	}
	if len(cfg.F0) != n {
		return nil, fmt.Errorf("qn: residual dimension %d does not match potential dimension %d", len(cfg.F0), n)
	}
	if cfg.MaxSpace <= 0 {
		cfg.MaxSpace = defaultMaxSpace
	}
	if cfg.TrustRadius <= 0 {
		cfg.TrustRadius = defaultTrustRadius
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Stepper{
		obj:      cfg.Objective,
		x:        mat.NewVecDense(n, append([]float64(nil), cfg.X0...)),
		f:        mat.NewVecDense(n, append([]float64(nil), cfg.F0...)),
		maxSpace: cfg.MaxSpace,
		radius:   cfg.TrustRadius,
		radius0:  cfg.TrustRadius,
		ws:       newWorkspace(n),
		logger:   logger.Named("qn"),
	}

	if cfg.J0 != nil {
		r, c := cfg.J0.Dims()
		if r != n || c != n {
			return nil, fmt.Errorf("qn: seed Jacobian is %dx%d, want %dx%d", r, c, n, n)
		}
		binv, err := pseudoInverse(cfg.J0, s.logger)
		if err != nil {
			return nil, err
		}
		s.b = binv
	} else {
		s.b = identity(n)
	}
	s.seed = mat.DenseCopyOf(s.b)
	return s, nil
}

// NextStep advances the potential by one quasi-Newton step. With trustRegion
// set, the proposed step is clamped to the current trust radius and the
// radius adapts to the outcome. The stepper's state is only committed after
// the new residual passes finiteness checks; a failed evaluation leaves the
// state untouched so the caller may retry or abandon the run.
func (s *Stepper) NextStep(trustRegion bool) error {
	n := s.x.Len()

	d := s.ws.vec(n)
	defer s.ws.put(d)
	d.MulVec(s.b, s.f)
	d.ScaleVec(-1, d)

	clamped := false
	if trustRegion {
		if nrm := mat.Norm(d, 2); nrm > s.radius {
			d.ScaleVec(s.radius/nrm, d)
			clamped = true
		}
	}

	xNew := s.ws.vec(n)
	defer s.ws.put(xNew)
	xNew.AddVec(s.x, d)

	fVals, err := s.obj(append([]float64(nil), vecSlice(xNew)...))
	if err != nil {
		return fmt.Errorf("qn: objective evaluation failed: %w", err)
	}
	if len(fVals) != n {
		return fmt.Errorf("qn: objective returned %d residuals, want %d", len(fVals), n)
	}
	for _, v := range fVals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	fNew := mat.NewVecDense(n, append([]float64(nil), fVals...))

	oldNorm := mat.Norm(s.f, 2)
	newNorm := mat.Norm(fNew, 2)

	s.updateInverseJacobian(d, fNew)

	if trustRegion {
		switch {
		case newNorm >= oldNorm:
			s.radius = math.Max(s.radius/2, minTrustRadius)
		case clamped:
			s.radius = math.Min(s.radius*2, s.radius0)
		}
	}

	s.x.CopyVec(xNew)
	s.f = fNew
	s.steps++

	s.logger.Debug("quasi-Newton step",
		zap.Int("step", s.steps),
		zap.Float64("residual_norm", newNorm),
		zap.Float64("step_norm", mat.Norm(d, 2)),
		zap.Float64("trust_radius", s.radius),
		zap.Bool("clamped", clamped))
	return nil
}

// updateInverseJacobian applies the Broyden rank-one correction
// B += (s - B y)(sᵀB) / (sᵀB y) and rebuilds from the seed once the update
// history reaches maxSpace.
func (s *Stepper) updateInverseJacobian(step *mat.VecDense, fNew *mat.VecDense) {
	n := s.x.Len()

	y := s.ws.vec(n)
	defer s.ws.put(y)
	y.SubVec(fNew, s.f)

	by := s.ws.vec(n)
	defer s.ws.put(by)
	by.MulVec(s.b, y)

	denom := mat.Dot(step, by)
	floor := updateSkipTol * mat.Norm(step, 2) * mat.Norm(by, 2)
	if math.Abs(denom) <= floor || denom == 0 {
		s.logger.Debug("skipping ill-conditioned Broyden update",
			zap.Float64("denominator", denom))
		return
	}

	u := s.ws.vec(n)
	defer s.ws.put(u)
	u.SubVec(step, by)

	stb := s.ws.vec(n)
	defer s.ws.put(stb)
	stb.MulVec(s.b.T(), step)

	s.b.RankOne(s.b, 1/denom, u, stb)

	s.age++
	if s.age >= s.maxSpace {
		s.b.Copy(s.seed)
		s.age = 0
		s.logger.Debug("inverse Jacobian history exhausted, rebuilding from seed",
			zap.Int("max_space", s.maxSpace))
	}
}

// Potential returns a copy of the current potential.
func (s *Stepper) Potential() []float64 {
	return append([]float64(nil), vecSlice(s.x)...)
}

// Residual returns a copy of the residual at the current potential.
func (s *Stepper) Residual() []float64 {
	return append([]float64(nil), vecSlice(s.f)...)
}

// Steps reports how many steps have been committed.
func (s *Stepper) Steps() int { return s.steps }

// TrustRadius reports the current step-length bound.
func (s *Stepper) TrustRadius() float64 { return s.radius }

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func vecSlice(v *mat.VecDense) []float64 { return v.RawVector().Data }
