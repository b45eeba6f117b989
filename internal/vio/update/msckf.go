package update

import (
	"log"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/feat"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
	"github.com/banshee-data/trajectory.report/internal/vio/types"
)

// minMSCKFMeasurements is the cleaned-measurement count below which a
// feature cannot constrain the window.
const minMSCKFMeasurements = 3

// UpdaterMSCKF turns features that have left the tracker into a single
// batched Kalman correction on the clone window.
type UpdaterMSCKF struct {
	opts     Options
	featInit *feat.Initializer
}

// NewUpdaterMSCKF creates an MSCKF updater with the given gating options
// and triangulation engine.
func NewUpdaterMSCKF(opts Options, featInit *feat.Initializer) *UpdaterMSCKF {
	return &UpdaterMSCKF{opts: opts, featInit: featInit}
}

// Update triangulates the given lost features, nullspace-projects each
// feature Jacobian, chi-square gates, QR-compresses the surviving rows and
// applies one batched EKF update. Every processed feature is flagged
// ToDelete, whether it contributed or not.
func (u *UpdaterMSCKF) Update(s *state.State, features []*feat.Feature) error {
	if len(features) == 0 {
		return nil
	}

	// 1. Restrict measurements to the current clone times.
	cloneTimes := s.CloneTimes()
	survivors := make([]*feat.Feature, 0, len(features))
	for _, f := range features {
		f.CleanOldMeasurements(cloneTimes)
		if f.NumMeasurements() < minMSCKFMeasurements {
			f.ToDelete = true
			continue
		}
		survivors = append(survivors, f)
	}

	// 2. Camera pose at every clone for every camera.
	clonesCam := ClonesCamPoses(s)

	// 3. Triangulate and refine; drop failures.
	triangulated := survivors[:0]
	for _, f := range survivors {
		if !u.featInit.SingleTriangulation(f, clonesCam) {
			f.ToDelete = true
			continue
		}
		if !u.featInit.SingleGaussNewton(f, clonesCam) {
			f.ToDelete = true
			continue
		}
		triangulated = append(triangulated, f)
	}

	// Upper bounds for the batched system: SLAM landmarks never appear in
	// an MSCKF Jacobian.
	maxMeas := 0
	for _, f := range triangulated {
		maxMeas += 2 * f.NumMeasurements()
	}
	maxHx := s.NVars() - 3*len(s.FeaturesSLAM())

	resBig := mat.NewVecDense(maxInt(maxMeas, 1), nil)
	hxBig := mat.NewDense(maxInt(maxMeas, 1), maxInt(maxHx, 1), nil)
	colOf := make(map[types.Type]int)
	var orderBig []types.Type
	ctJacob := 0
	ctMeas := 0

	// 4. Per-feature linear system, nullspace projection, gating.
	accepted := 0
	for _, f := range triangulated {
		hf := helperFromFeature(f, s.Options().FeatRepresentation)
		Hf, Hx, res, xOrder, err := GetFeatureJacobianFull(s, hf)
		f.ToDelete = true
		if err != nil {
			log.Printf("[MSCKF-UP]: skipping feature %d: %v", f.FeatID, err)
			continue
		}

		Hx, res = NullspaceProjectInplace(Hf, Hx, res)

		// Chi-square gate against the marginal covariance.
		pMarg := state.GetMarginalCovariance(s, xOrder)
		var hp, S mat.Dense
		hp.Mul(Hx, pMarg)
		S.Mul(&hp, Hx.T())
		m := res.Len()
		for i := 0; i < m; i++ {
			S.Set(i, i, S.At(i, i)+u.opts.SigmaPixSq())
		}
		chi2, ok := mahalanobisSq(&S, res)
		if !ok {
			continue
		}
		if chi2 > u.opts.Chi2Multipler*chiSquaredQuantile95(m) {
			continue
		}

		// Stack into the batched system over the union of touched vars.
		ctHx := 0
		for _, v := range xOrder {
			if _, seen := colOf[v]; !seen {
				colOf[v] = ctJacob
				orderBig = append(orderBig, v)
				ctJacob += v.Size()
			}
			for r := 0; r < m; r++ {
				for c := 0; c < v.Size(); c++ {
					hxBig.Set(ctMeas+r, colOf[v]+c, Hx.At(r, ctHx+c))
				}
			}
			ctHx += v.Size()
		}
		for r := 0; r < m; r++ {
			resBig.SetVec(ctMeas+r, res.AtVec(r))
		}
		ctMeas += m
		accepted++
	}

	if ctMeas < 1 {
		return nil
	}

	resFinal := mat.NewVecDense(ctMeas, nil)
	for i := 0; i < ctMeas; i++ {
		resFinal.SetVec(i, resBig.AtVec(i))
	}
	hxFinal := mat.DenseCopyOf(hxBig.Slice(0, ctMeas, 0, ctJacob))

	// 5. QR compression of the tall stacked system.
	hxFinal, resFinal = MeasurementCompressInplace(hxFinal, resFinal)
	rows := resFinal.Len()
	if rows < 1 {
		return nil
	}

	// 6. Isotropic noise after compression, then the batched update.
	R := mat.NewDense(rows, rows, nil)
	for i := 0; i < rows; i++ {
		R.Set(i, i, u.opts.SigmaPixSq())
	}
	if err := state.EKFUpdate(s, orderBig, hxFinal, resFinal, R); err != nil {
		return err
	}
	log.Printf("[MSCKF-UP]: updated with %d features (%d rows)", accepted, rows)
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
