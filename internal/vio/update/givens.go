package update

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// givens returns the rotation (c, s) with [c s; -s c] * [a; b] = [r; 0].
func givens(a, b float64) (c, s float64) {
	if b == 0 {
		return 1, 0
	}
	r := math.Hypot(a, b)
	return a / r, b / r
}

// applyGivens rotates rows r1, r2 of m in place for columns >= startCol.
func applyGivens(m *mat.Dense, r1, r2, startCol int, c, s float64) {
	_, cols := m.Dims()
	for j := startCol; j < cols; j++ {
		a := m.At(r1, j)
		b := m.At(r2, j)
		m.Set(r1, j, c*a+s*b)
		m.Set(r2, j, -s*a+c*b)
	}
}

// applyGivensVec rotates two entries of a vector in place.
func applyGivensVec(v *mat.VecDense, r1, r2 int, c, s float64) {
	a := v.AtVec(r1)
	b := v.AtVec(r2)
	v.SetVec(r1, c*a+s*b)
	v.SetVec(r2, -s*a+c*b)
}
