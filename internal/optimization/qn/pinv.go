package qn

import (
	"errors"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularSeed reports a seed Jacobian with no usable singular values.
var ErrSingularSeed = errors.New("qn: seed Jacobian is numerically singular")

// pseudoInverse inverts a seed Jacobian through its SVD, discarding
// singular values below a scale-relative threshold so nearly singular
// matching conditions do not blow up the initial inverse Jacobian.
func pseudoInverse(j *mat.Dense, logger *zap.Logger) (*mat.Dense, error) {
	n, _ := j.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(j, mat.SVDThin); !ok {
		return nil, errors.New("qn: SVD factorization of seed Jacobian failed")
	}

	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	threshold := float64(max(n, 1)) * s[0] * 1e-15
	rank := 0
	for _, val := range s {
		if val > threshold {
			rank++
		}
	}
	if rank == 0 {
		return nil, ErrSingularSeed
	}
	if rank < n {
		logger.Warn("seed Jacobian is rank deficient, using pseudo-inverse",
			zap.Int("rank", rank),
			zap.Int("size", n))
	}

	// B = V S⁻¹ Uᵀ over the retained singular values.
	vr := v.Slice(0, n, 0, rank)
	ur := u.Slice(0, n, 0, rank)
	sinv := mat.NewDiagDense(rank, nil)
	for i := 0; i < rank; i++ {
		sinv.SetDiag(i, 1/s[i])
	}

	var tmp, inv mat.Dense
	tmp.Mul(vr, sinv)
	inv.Mul(&tmp, ur.T())
	return &inv, nil
}
