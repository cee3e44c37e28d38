package factors

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"gocohort/internal/errors"
)

const (
	varimaxMaxIter = 200
	varimaxTol     = 1e-8
)

// varimax performs orthogonal variance-maximizing rotation of a loading
// matrix with Kaiser row normalization. The iteration is deterministic, so
// re-running on identical loadings reproduces the rotation exactly.
func varimax(loadings *mat.Dense) (*mat.Dense, error) {
	p, k := loadings.Dims()
	if k < 2 {
		// Nothing to rotate
		out := mat.NewDense(p, k, nil)
		out.Copy(loadings)
		return out, nil
	}

	// Kaiser normalization: scale each row by its communality
	comm := make([]float64, p)
	normed := mat.NewDense(p, k, nil)
	for i := 0; i < p; i++ {
		h := 0.0
		for j := 0; j < k; j++ {
			v := loadings.At(i, j)
			h += v * v
		}
		comm[i] = math.Sqrt(h)
		for j := 0; j < k; j++ {
			if comm[i] > 0 {
				normed.Set(i, j, loadings.At(i, j)/comm[i])
			}
		}
	}

	rotation := identity(k)
	rotated := mat.NewDense(p, k, nil)
	scratch := mat.NewDense(p, k, nil)
	crossprod := mat.NewDense(k, k, nil)

	prev := 0.0
	for iter := 0; iter < varimaxMaxIter; iter++ {
		rotated.Mul(normed, rotation)

		// B = L^3 - L diag(colMeans(L^2)); the varimax criterion gradient
		for j := 0; j < k; j++ {
			colSq := 0.0
			for i := 0; i < p; i++ {
				v := rotated.At(i, j)
				colSq += v * v
			}
			meanSq := colSq / float64(p)
			for i := 0; i < p; i++ {
				v := rotated.At(i, j)
				scratch.Set(i, j, v*v*v-v*meanSq)
			}
		}

		crossprod.Mul(normed.T(), scratch)

		var svd mat.SVD
		if ok := svd.Factorize(crossprod, mat.SVDThin); !ok {
			return nil, errors.New(errors.CodeNonConvergence, "varimax rotation SVD failed")
		}
		var u, v mat.Dense
		svd.UTo(&u)
		svd.VTo(&v)
		rotation.Mul(&u, v.T())

		current := 0.0
		for _, s := range svd.Values(nil) {
			current += s
		}
		if prev > 0 && current/prev < 1+varimaxTol {
			break
		}
		prev = current
	}

	// Final rotation, undoing the Kaiser normalization
	rotated.Mul(normed, rotation)
	out := mat.NewDense(p, k, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < k; j++ {
			out.Set(i, j, rotated.At(i, j)*comm[i])
		}
	}

	// Deterministic orientation and ordering: flip each component so its
	// largest-magnitude loading is positive, then order components by
	// explained variance (sum of squared loadings), descending.
	orientColumns(out)
	orderByColumnSS(out)
	return out, nil
}

func identity(k int) *mat.Dense {
	m := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func orientColumns(m *mat.Dense) {
	p, k := m.Dims()
	for j := 0; j < k; j++ {
		maxAbs, sign := 0.0, 1.0
		for i := 0; i < p; i++ {
			v := m.At(i, j)
			if math.Abs(v) > maxAbs {
				maxAbs = math.Abs(v)
				if v < 0 {
					sign = -1
				} else {
					sign = 1
				}
			}
		}
		if sign < 0 {
			for i := 0; i < p; i++ {
				m.Set(i, j, -m.At(i, j))
			}
		}
	}
}

func orderByColumnSS(m *mat.Dense) {
	p, k := m.Dims()
	ss := make([]float64, k)
	for j := 0; j < k; j++ {
		for i := 0; i < p; i++ {
			v := m.At(i, j)
			ss[j] += v * v
		}
	}
	// Insertion sort of columns by descending sum of squares; k is tiny
	for a := 1; a < k; a++ {
		for b := a; b > 0 && ss[b] > ss[b-1]; b-- {
			ss[b], ss[b-1] = ss[b-1], ss[b]
			for i := 0; i < p; i++ {
				va, vb := m.At(i, b), m.At(i, b-1)
				m.Set(i, b, vb)
				m.Set(i, b-1, va)
			}
		}
	}
}
