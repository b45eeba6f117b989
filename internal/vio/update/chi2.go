package update

import (
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Options holds the measurement noise and gating configuration of one
// updater instance.
type Options struct {
	// SigmaPix is the raw pixel measurement noise (1-sigma).
	SigmaPix float64
	// Chi2Multipler scales the 95% chi-square gate.
	Chi2Multipler float64
}

// DefaultOptions returns one-pixel noise with a five-fold gate.
func DefaultOptions() Options {
	return Options{SigmaPix: 1, Chi2Multipler: 5}
}

// SigmaPixSq returns the pixel noise variance.
func (o Options) SigmaPixSq() float64 { return o.SigmaPix * o.SigmaPix }

// chiSquaredTableSize is how many degrees of freedom are precomputed.
const chiSquaredTableSize = 500

var (
	chi2Once  sync.Once
	chi2Table [chiSquaredTableSize + 1]float64
)

// chiSquaredQuantile95 returns the 0.95 quantile of the chi-squared
// distribution for the given degrees of freedom. Values up to 500 come
// from a lazily built table; larger ones are computed directly.
func chiSquaredQuantile95(dof int) float64 {
	if dof < 1 {
		dof = 1
	}
	if dof > chiSquaredTableSize {
		return distuv.ChiSquared{K: float64(dof)}.Quantile(0.95)
	}
	chi2Once.Do(func() {
		for i := 1; i <= chiSquaredTableSize; i++ {
			chi2Table[i] = distuv.ChiSquared{K: float64(i)}.Quantile(0.95)
		}
	})
	return chi2Table[dof]
}

// mahalanobisSq computes r^T S^{-1} r through a Cholesky factorization,
// returning false when S is not positive definite.
func mahalanobisSq(S *mat.Dense, r *mat.VecDense) (float64, bool) {
	m := r.Len()
	sym := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			sym.SetSym(i, j, 0.5*(S.At(i, j)+S.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return 0, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, r); err != nil {
		return 0, false
	}
	return mat.Dot(r, &x), true
}
