package update

import (
	"fmt"
	"log"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/feat"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
	"github.com/banshee-data/trajectory.report/internal/vio/types"
)

// minSLAMUpdateMeasurements is the in-state update threshold; a single
// fresh observation of an existing landmark is enough.
const minSLAMUpdateMeasurements = 1

// UpdaterSLAM maintains persistent landmarks in the state: delayed
// initialization of new ones, updates of existing ones and anchor
// migration when the window slides.
type UpdaterSLAM struct {
	optsSLAM  Options
	optsAruco Options
	featInit  *feat.Initializer
}

// NewUpdaterSLAM creates a SLAM updater. Aruco-tag features (low feature
// ids) carry their own noise and gating options.
func NewUpdaterSLAM(optsSLAM, optsAruco Options, featInit *feat.Initializer) *UpdaterSLAM {
	return &UpdaterSLAM{optsSLAM: optsSLAM, optsAruco: optsAruco, featInit: featInit}
}

// optionsFor picks the aruco or SLAM options based on the feature id.
func (u *UpdaterSLAM) optionsFor(s *state.State, featID int) Options {
	if featID < s.Options().MaxArucoFeatures {
		return u.optsAruco
	}
	return u.optsSLAM
}

// DelayedInit triangulates candidate features and augments the state with
// a landmark for each one that passes the initialization gate.
func (u *UpdaterSLAM) DelayedInit(s *state.State, features []*feat.Feature) error {
	if len(features) == 0 {
		return nil
	}

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

	clonesCam := ClonesCamPoses(s)
	initialized := 0
	for _, f := range survivors {
		f.ToDelete = true
		if !u.featInit.SingleTriangulation(f, clonesCam) {
			continue
		}
		if !u.featInit.SingleGaussNewton(f, clonesCam) {
			continue
		}

		hf := helperFromFeature(f, s.Options().FeatRepresentation)
		Hf, Hx, res, xOrder, err := GetFeatureJacobianFull(s, hf)
		if err != nil {
			log.Printf("[SLAM-DELAY]: skipping feature %d: %v", f.FeatID, err)
			continue
		}

		landmark := types.NewLandmark(hf.Rep)
		landmark.FeatID = f.FeatID
		if hf.Rep.IsRelative() {
			landmark.AnchorCamID = hf.AnchorCamID
			landmark.AnchorCloneTimestamp = hf.AnchorCloneTimestamp
			landmark.SetFromXYZ(hf.PFinA, false)
			landmark.SetFromXYZ(hf.PFinAFej, true)
		} else {
			landmark.SetFromXYZ(hf.PFinG, false)
			landmark.SetFromXYZ(hf.PFinGFej, true)
		}

		opts := u.optionsFor(s, f.FeatID)
		rows := res.Len()
		R := mat.NewDense(rows, rows, nil)
		for i := 0; i < rows; i++ {
			R.Set(i, i, opts.SigmaPixSq())
		}

		ok, err := state.Initialize(s, landmark, xOrder, Hx, Hf, R, res, opts.Chi2Multipler)
		if err != nil {
			return fmt.Errorf("update: delayed init of feature %d: %w", f.FeatID, err)
		}
		if ok {
			s.InsertSLAMFeature(f.FeatID, landmark)
			initialized++
		}
	}
	if initialized > 0 {
		log.Printf("[SLAM-DELAY]: initialized %d landmarks", initialized)
	}
	return nil
}

// Update applies the fresh observations of landmarks already in the state
// as one batched EKF update; the landmark Jacobian is appended to the
// state Jacobian instead of being projected away.
func (u *UpdaterSLAM) Update(s *state.State, features []*feat.Feature) error {
	if len(features) == 0 {
		return nil
	}

	cloneTimes := s.CloneTimes()
	survivors := make([]*feat.Feature, 0, len(features))
	for _, f := range features {
		f.CleanOldMeasurements(cloneTimes)
		if f.NumMeasurements() < minSLAMUpdateMeasurements {
			f.ToDelete = true
			continue
		}
		survivors = append(survivors, f)
	}

	maxMeas := 0
	for _, f := range survivors {
		maxMeas += 2 * f.NumMeasurements()
	}
	maxHx := s.NVars()

	resBig := mat.NewVecDense(maxInt(maxMeas, 1), nil)
	hxBig := mat.NewDense(maxInt(maxMeas, 1), maxInt(maxHx, 1), nil)
	rBig := make([]float64, 0, maxMeas)
	colOf := make(map[types.Type]int)
	var orderBig []types.Type
	ctJacob := 0
	ctMeas := 0

	accepted := 0
	for _, f := range survivors {
		landmark := s.GetSLAMFeature(f.FeatID)
		if landmark == nil {
			return fmt.Errorf("update: feature %d is not a state landmark", f.FeatID)
		}
		f.ToDelete = true

		hf := &HelperFeature{
			FeatID:     f.FeatID,
			UVs:        f.UVs,
			UVsNorm:    f.UVsNorm,
			Timestamps: f.Timestamps,
			Rep:        landmark.Rep,
		}
		if landmark.Rep.IsRelative() {
			hf.AnchorCamID = landmark.AnchorCamID
			hf.AnchorCloneTimestamp = landmark.AnchorCloneTimestamp
			hf.PFinA = landmark.XYZ(false)
			hf.PFinAFej = landmark.XYZ(true)
		} else {
			hf.PFinG = landmark.XYZ(false)
			hf.PFinGFej = landmark.XYZ(true)
		}

		Hf, Hx, res, xOrder, err := GetFeatureJacobianFull(s, hf)
		if err != nil {
			log.Printf("[SLAM-UP]: skipping feature %d: %v", f.FeatID, err)
			continue
		}

		// The landmark is in the state: append H_f as its own column block.
		rows, xCols := Hx.Dims()
		hxf := mat.NewDense(rows, xCols+3, nil)
		hxf.Slice(0, rows, 0, xCols).(*mat.Dense).Copy(Hx)
		hxf.Slice(0, rows, xCols, xCols+3).(*mat.Dense).Copy(Hf)
		order := append(append([]types.Type(nil), xOrder...), landmark)

		opts := u.optionsFor(s, f.FeatID)

		pMarg := state.GetMarginalCovariance(s, order)
		var hp, S mat.Dense
		hp.Mul(hxf, pMarg)
		S.Mul(&hp, hxf.T())
		for i := 0; i < rows; i++ {
			S.Set(i, i, S.At(i, i)+opts.SigmaPixSq())
		}
		chi2, ok := mahalanobisSq(&S, res)
		if !ok {
			continue
		}
		if chi2 > opts.Chi2Multipler*chiSquaredQuantile95(rows) {
			if f.FeatID < s.Options().MaxArucoFeatures {
				log.Printf("[SLAM-UP]: rejecting aruco tag %d for chi2 thresh (%.3f > %.3f)",
					f.FeatID, chi2, opts.Chi2Multipler*chiSquaredQuantile95(rows))
			}
			continue
		}

		ctHx := 0
		for _, v := range order {
			if _, seen := colOf[v]; !seen {
				colOf[v] = ctJacob
				orderBig = append(orderBig, v)
				ctJacob += v.Size()
			}
			for r := 0; r < rows; r++ {
				for c := 0; c < v.Size(); c++ {
					hxBig.Set(ctMeas+r, colOf[v]+c, hxf.At(r, ctHx+c))
				}
			}
			ctHx += v.Size()
		}
		for r := 0; r < rows; r++ {
			resBig.SetVec(ctMeas+r, res.AtVec(r))
			rBig = append(rBig, opts.SigmaPixSq())
		}
		ctMeas += rows
		accepted++
	}

	if ctMeas < 1 {
		return nil
	}

	resFinal := mat.NewVecDense(ctMeas, nil)
	R := mat.NewDense(ctMeas, ctMeas, nil)
	for i := 0; i < ctMeas; i++ {
		resFinal.SetVec(i, resBig.AtVec(i))
		R.Set(i, i, rBig[i])
	}
	hxFinal := mat.DenseCopyOf(hxBig.Slice(0, ctMeas, 0, ctJacob))

	if err := state.EKFUpdate(s, orderBig, hxFinal, resFinal, R); err != nil {
		return err
	}
	log.Printf("[SLAM-UP]: updated %d landmarks (%d rows)", accepted, ctMeas)
	return nil
}

// ChangeAnchors migrates every landmark anchored at the clone that is
// about to be marginalized onto the newest clone, keeping its camera.
func (u *UpdaterSLAM) ChangeAnchors(s *state.State) error {
	if s.NClones() <= s.Options().MaxCloneSize {
		return nil
	}
	margTime := s.MargTimestep()
	for _, l := range s.FeaturesSLAM() {
		if !l.Rep.IsRelative() {
			continue
		}
		if l.AnchorCloneTimestamp == margTime {
			if err := u.performAnchorChange(s, l, s.Timestamp(), l.AnchorCamID); err != nil {
				return err
			}
		}
	}
	return nil
}

// performAnchorChange re-expresses the landmark in the new anchor frame
// and propagates the covariance through the first-order relation
// pf_new_err = Hf_new^{-1} (Hx_old x_err + Hf_old pf_old_err - Hx_new x_err).
func (u *UpdaterSLAM) performAnchorChange(s *state.State, landmark *types.Landmark, newAnchorTimestamp float64, newCamID int) error {
	if !landmark.Rep.IsRelative() {
		return fmt.Errorf("update: anchor change on a global landmark %d", landmark.FeatID)
	}
	if landmark.AnchorCamID < 0 {
		return fmt.Errorf("update: landmark %d has no anchor camera", landmark.FeatID)
	}

	oldFeat := &HelperFeature{
		FeatID:               landmark.FeatID,
		Rep:                  landmark.Rep,
		AnchorCamID:          landmark.AnchorCamID,
		AnchorCloneTimestamp: landmark.AnchorCloneTimestamp,
		PFinA:                landmark.XYZ(false),
		PFinAFej:             landmark.XYZ(true),
	}
	hfOld, hxOld, orderOld := getFeatureJacobianRepresentation(s, oldFeat)

	// Transform between the two anchor camera frames, current estimates.
	oldClone := s.GetClone(oldFeat.AnchorCloneTimestamp)
	newClone := s.GetClone(newAnchorTimestamp)
	if oldClone == nil || newClone == nil {
		return fmt.Errorf("update: missing clone for anchor change of landmark %d", landmark.FeatID)
	}
	oldCalib := s.GetCalibIMUtoCAM(oldFeat.AnchorCamID)
	newCalib := s.GetCalibIMUtoCAM(newCamID)

	rGtoOLD := oldCalib.Rot().Mul(oldClone.Rot())
	pOLDinG := oldClone.Pos().Sub(rGtoOLD.Transpose().MulVec(oldCalib.Pos()))
	rGtoNEW := newCalib.Rot().Mul(newClone.Rot())
	pNEWinG := newClone.Pos().Sub(rGtoNEW.Transpose().MulVec(newCalib.Pos()))

	rOLDtoNEW := rGtoNEW.Mul(rGtoOLD.Transpose())
	pOLDinNEW := rGtoNEW.MulVec(pOLDinG.Sub(pNEWinG))
	newPFinA := rOLDtoNEW.MulVec(landmark.XYZ(false)).Add(pOLDinNEW)

	// Same transform with the first-estimate clone poses.
	rGtoOLDFej := oldCalib.Rot().Mul(oldClone.RotFej())
	pOLDinGFej := oldClone.PosFej().Sub(rGtoOLDFej.Transpose().MulVec(oldCalib.Pos()))
	rGtoNEWFej := newCalib.Rot().Mul(newClone.RotFej())
	pNEWinGFej := newClone.PosFej().Sub(rGtoNEWFej.Transpose().MulVec(newCalib.Pos()))

	rOLDtoNEWFej := rGtoNEWFej.Mul(rGtoOLDFej.Transpose())
	pOLDinNEWFej := rGtoNEWFej.MulVec(pOLDinGFej.Sub(pNEWinGFej))
	newPFinAFej := rOLDtoNEWFej.MulVec(landmark.XYZ(true)).Add(pOLDinNEWFej)

	newFeat := &HelperFeature{
		FeatID:               landmark.FeatID,
		Rep:                  landmark.Rep,
		AnchorCamID:          newCamID,
		AnchorCloneTimestamp: newAnchorTimestamp,
		PFinA:                newPFinA,
		PFinAFej:             newPFinAFej,
	}
	hfNew, hxNew, orderNew := getFeatureJacobianRepresentation(s, newFeat)

	var hfNewInv mat.Dense
	if err := hfNewInv.Inverse(hfNew); err != nil {
		return fmt.Errorf("update: new anchor Jacobian is singular for landmark %d: %w", landmark.FeatID, err)
	}

	// Phi maps the full error state onto the new landmark error.
	n := s.NVars()
	phi := mat.NewDense(3, n, nil)
	addPhiBlock := func(v types.Type, blk *mat.Dense, sign float64) {
		var chained mat.Dense
		chained.Mul(&hfNewInv, blk)
		for r := 0; r < 3; r++ {
			for c := 0; c < v.Size(); c++ {
				phi.Set(r, v.ID()+c, phi.At(r, v.ID()+c)+sign*chained.At(r, c))
			}
		}
	}
	for i, blk := range hxOld {
		addPhiBlock(orderOld[i], blk, 1)
	}
	addPhiBlock(landmark, hfOld, 1)
	for i, blk := range hxNew {
		addPhiBlock(orderNew[i], blk, -1)
	}

	// Propagate and overwrite the landmark's covariance rows/cols.
	var pxf mat.Dense
	pxf.Mul(s.Cov(), phi.T())
	var pff mat.Dense
	pff.Mul(phi, &pxf)

	lid := landmark.ID()
	for r := 0; r < n; r++ {
		for c := 0; c < 3; c++ {
			s.Cov().Set(r, lid+c, pxf.At(r, c))
			s.Cov().Set(lid+c, r, pxf.At(r, c))
		}
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			s.Cov().Set(lid+r, lid+c, pff.At(r, c))
		}
	}

	landmark.AnchorCamID = newCamID
	landmark.AnchorCloneTimestamp = newAnchorTimestamp
	landmark.SetFromXYZ(newPFinA, false)
	landmark.SetFromXYZ(newPFinAFej, true)
	landmark.HasHadAnchorChange = true
	return nil
}

// anchorFrame is a convenience for tests: the camera pose of a landmark's
// anchor.
func anchorFrame(s *state.State, l *types.Landmark) (quatmath.Mat3, quatmath.Vec3, bool) {
	clone := s.GetClone(l.AnchorCloneTimestamp)
	if clone == nil || l.AnchorCamID < 0 {
		return quatmath.Mat3{}, quatmath.Vec3{}, false
	}
	calib := s.GetCalibIMUtoCAM(l.AnchorCamID)
	rGtoA := calib.Rot().Mul(clone.Rot())
	pAinG := clone.Pos().Sub(rGtoA.Transpose().MulVec(calib.Pos()))
	return rGtoA, pAinG, true
}
