package qn

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// workspace recycles the intermediate vectors of a quasi-Newton step so
// long runs do not allocate per iteration.
type workspace struct {
	pool sync.Pool
}

func newWorkspace(n int) *workspace {
	return &workspace{
		pool: sync.Pool{
			New: func() interface{} {
				return mat.NewVecDense(n, nil)
			},
		},
	}
}

func (w *workspace) vec(n int) *mat.VecDense {
	v := w.pool.Get().(*mat.VecDense)
	if v.Len() != n {
		v = mat.NewVecDense(n, nil)
	}
	v.Zero()
	return v
}

func (w *workspace) put(v *mat.VecDense) {
	if v == nil {
		return
	}
	w.pool.Put(v)
}
