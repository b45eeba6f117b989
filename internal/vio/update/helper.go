// Package update implements the filter measurement updates: per-feature
// Jacobian assembly, nullspace projection, chi-square gating, QR
// compression, the MSCKF update for features leaving the tracker and the
// SLAM update with delayed initialization and anchor migration.
package update

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/feat"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
	"github.com/banshee-data/trajectory.report/internal/vio/types"
)

// HelperFeature is the updater-side view of a feature: its measurements
// plus the linearization points (current and first-estimate) of its
// position under the active representation.
type HelperFeature struct {
	FeatID     int
	UVs        map[int][][2]float64
	UVsNorm    map[int][][2]float64
	Timestamps map[int][]float64

	Rep                  types.Representation
	AnchorCamID          int
	AnchorCloneTimestamp float64

	PFinA    quatmath.Vec3
	PFinAFej quatmath.Vec3
	PFinG    quatmath.Vec3
	PFinGFej quatmath.Vec3
}

// helperFromFeature copies a tracked feature into the updater view, using
// the feature's own triangulation as both linearization points.
func helperFromFeature(f *feat.Feature, rep types.Representation) *HelperFeature {
	h := &HelperFeature{
		FeatID:     f.FeatID,
		UVs:        f.UVs,
		UVsNorm:    f.UVsNorm,
		Timestamps: f.Timestamps,
		Rep:        rep,
	}
	if rep.IsRelative() {
		h.AnchorCamID = f.AnchorCamID
		h.AnchorCloneTimestamp = f.AnchorCloneTimestamp
		h.PFinA = f.PFinA
		h.PFinAFej = f.PFinA
	} else {
		h.PFinG = f.PFinG
		h.PFinGFej = f.PFinG
	}
	return h
}

// ClonesCamPoses computes the camera pose at every clone time for every
// camera: R_GtoC = R_ItoC * R_GtoI and p_CinG = p_IinG - R_GtoC^T p_IinC.
func ClonesCamPoses(s *state.State) feat.ClonePoseMap {
	out := make(feat.ClonePoseMap)
	for camID, calib := range s.CalibIMUtoCAMs() {
		perCam := make(map[float64]feat.ClonePose)
		for _, t := range s.CloneTimes() {
			clone := s.GetClone(t)
			rGtoC := calib.Rot().Mul(clone.Rot())
			pCinG := clone.Pos().Sub(rGtoC.Transpose().MulVec(calib.Pos()))
			perCam[t] = feat.ClonePose{RGtoC: rGtoC, PCinG: pCinG}
		}
		out[camID] = perCam
	}
	return out
}

// getFeatureJacobianRepresentation returns the Jacobian of p_FinG with
// respect to the feature's error parametrization (3x3) and, for anchored
// representations, the blocks with respect to the anchor pose variables.
func getFeatureJacobianRepresentation(s *state.State, f *HelperFeature) (*mat.Dense, []*mat.Dense, []types.Type) {

	switch f.Rep {
	case types.Global3D:
		return denseFromMat3(quatmath.Identity3()), nil, nil

	case types.GlobalFullInverseDepth:
		p := f.PFinG
		if s.Options().DoFEJ {
			p = f.PFinGFej
		}
		return denseFromMat3(inverseDepthJacobian(p)), nil, nil
	}

	// Anchored representations.
	if f.AnchorCamID < 0 {
		panic("update: anchored feature without an anchor camera")
	}
	anchor := s.GetClone(f.AnchorCloneTimestamp)
	calib := s.GetCalibIMUtoCAM(f.AnchorCamID)
	rItoC := calib.Rot()
	pIinC := calib.Pos()

	rGtoI := anchor.Rot()
	if s.Options().DoFEJ {
		rGtoI = anchor.RotFej()
	}
	pFinA := f.PFinA
	if s.Options().DoFEJ {
		pFinA = f.PFinAFej
	}
	rGtoA := rItoC.Mul(rGtoI)

	// d p_FinG / d [theta_anchor; p_anchor].
	hAnchor := mat.NewDense(3, 6, nil)
	lever := rItoC.Transpose().MulVec(pFinA.Sub(pIinC))
	setBlock(hAnchor, 0, 0, rGtoI.Transpose().Mul(quatmath.Skew(lever)).Scale(-1))
	setBlock(hAnchor, 0, 3, quatmath.Identity3())

	hxBlocks := []*mat.Dense{hAnchor}
	xOrder := []types.Type{anchor}

	if s.Options().DoCalibCameraPose {
		hCalib := mat.NewDense(3, 6, nil)
		setBlock(hCalib, 0, 0, rGtoA.Transpose().Mul(quatmath.Skew(pFinA.Sub(pIinC))).Scale(-1))
		setBlock(hCalib, 0, 3, rGtoA.Transpose().Scale(-1))
		hxBlocks = append(hxBlocks, hCalib)
		xOrder = append(xOrder, calib)
	}

	// Chain d p_FinG / d p_FinA = R_GtoA^T through the parametrization.
	var dpfaDlambda quatmath.Mat3
	switch f.Rep {
	case types.Anchored3D:
		dpfaDlambda = quatmath.Identity3()
	case types.AnchoredFullInverseDepth:
		dpfaDlambda = inverseDepthJacobian(pFinA)
	case types.AnchoredMSCKFInverseDepth:
		alpha := pFinA[0] / pFinA[2]
		beta := pFinA[1] / pFinA[2]
		rho := 1 / pFinA[2]
		dpfaDlambda = quatmath.Mat3{
			1 / rho, 0, -alpha / (rho * rho),
			0, 1 / rho, -beta / (rho * rho),
			0, 0, -1 / (rho * rho),
		}
	default:
		panic(fmt.Sprintf("update: unhandled representation %v", f.Rep))
	}
	dpfgDlambda := denseFromMat3(rGtoA.Transpose().Mul(dpfaDlambda))
	return dpfgDlambda, hxBlocks, xOrder
}

// inverseDepthJacobian is the Jacobian of the Cartesian position with
// respect to the (theta, phi, rho) full-inverse-depth parameters.
func inverseDepthJacobian(p quatmath.Vec3) quatmath.Mat3 {
	rho := 1 / p.Norm()
	phi := math.Acos(rho * p[2])
	theta := math.Atan2(p[1], p[0])

	sinT, cosT := math.Sincos(theta)
	sinP, cosP := math.Sincos(phi)
	return quatmath.Mat3{
		-sinT * sinP / rho, cosT * cosP / rho, -cosT * sinP / (rho * rho),
		cosT * sinP / rho, sinT * cosP / rho, -sinT * sinP / (rho * rho),
		0, -sinP / rho, -cosP / (rho * rho),
	}
}

// GetFeatureJacobianFull stacks the residual and the Jacobians of every
// observation of the feature against the state (H_x over xOrder) and the
// feature itself (H_f). Residuals are raw-pixel, predicted through the
// camera intrinsics.
func GetFeatureJacobianFull(s *state.State, f *HelperFeature) (Hf, Hx *mat.Dense, res *mat.VecDense, xOrder []types.Type, err error) {

	totalMeas := 0
	for _, ts := range f.Timestamps {
		totalMeas += len(ts)
	}
	if totalMeas == 0 {
		return nil, nil, nil, nil, fmt.Errorf("update: feature %d has no measurements", f.FeatID)
	}
	totalHx := 0
	colOf := make(map[types.Type]int)

	// Anchored representations touch the anchor pose variables first.
	dpfgDlambda, dpfgDxBlocks, repOrder := getFeatureJacobianRepresentation(s, f)
	for _, v := range repOrder {
		if _, ok := colOf[v]; !ok {
			colOf[v] = totalHx
			xOrder = append(xOrder, v)
			totalHx += v.Size()
		}
	}

	// Resolve the global linearization points.
	pFinG := f.PFinG
	pFinGFej := f.PFinGFej
	if f.Rep.IsRelative() {
		anchor := s.GetClone(f.AnchorCloneTimestamp)
		calib := s.GetCalibIMUtoCAM(f.AnchorCamID)
		rGtoA := calib.Rot().Mul(anchor.Rot())
		pAinG := anchor.Pos().Sub(rGtoA.Transpose().MulVec(calib.Pos()))
		pFinG = rGtoA.Transpose().MulVec(f.PFinA).Add(pAinG)

		rGtoAFej := calib.Rot().Mul(anchor.RotFej())
		pAinGFej := anchor.PosFej().Sub(rGtoAFej.Transpose().MulVec(calib.Pos()))
		pFinGFej = rGtoAFej.Transpose().MulVec(f.PFinAFej).Add(pAinGFej)
	}

	// Pre-register the variables each measurement touches, in time order
	// per camera, so the column layout is stable.
	for camID, ts := range f.Timestamps {
		calib := s.GetCalibIMUtoCAM(camID)
		intr := s.GetIntrinsicsCAM(camID)
		for _, t := range ts {
			clone := s.GetClone(t)
			if clone == nil {
				return nil, nil, nil, nil, fmt.Errorf("update: feature %d observed at %f with no clone", f.FeatID, t)
			}
			if _, ok := colOf[clone]; !ok {
				colOf[clone] = totalHx
				xOrder = append(xOrder, clone)
				totalHx += clone.Size()
			}
			if s.Options().DoCalibCameraPose {
				if _, ok := colOf[calib]; !ok {
					colOf[calib] = totalHx
					xOrder = append(xOrder, calib)
					totalHx += calib.Size()
				}
			}
			if s.Options().DoCalibCameraIntrinsics {
				if _, ok := colOf[intr]; !ok {
					colOf[intr] = totalHx
					xOrder = append(xOrder, intr)
					totalHx += intr.Size()
				}
			}
		}
	}

	rows := 2 * totalMeas
	Hf = mat.NewDense(rows, 3, nil)
	Hx = mat.NewDense(rows, totalHx, nil)
	res = mat.NewVecDense(rows, nil)

	row := 0
	for camID, ts := range f.Timestamps {
		calib := s.GetCalibIMUtoCAM(camID)
		intr := s.GetIntrinsicsCAM(camID)
		rItoC := calib.Rot()
		pIinC := calib.Pos()

		for m, t := range ts {
			clone := s.GetClone(t)

			// Predicted measurement from the current estimates.
			rGtoIi := clone.Rot()
			pIiinG := clone.Pos()
			pFinIi := rGtoIi.MulVec(pFinG.Sub(pIiinG))
			pFinCi := rItoC.MulVec(pFinIi).Add(pIinC)
			if pFinCi[2] <= 0 {
				return nil, nil, nil, nil, fmt.Errorf("update: feature %d behind camera %d at %f", f.FeatID, camID, t)
			}
			xn := pFinCi[0] / pFinCi[2]
			yn := pFinCi[1] / pFinCi[2]
			uDist, vDist := distortRadtan(intr.Value(), xn, yn)

			uv := f.UVs[camID][m]
			res.SetVec(row, uv[0]-uDist)
			res.SetVec(row+1, uv[1]-vDist)

			// Linearization point for the Jacobians.
			if s.Options().DoFEJ {
				rGtoIi = clone.RotFej()
				pIiinG = clone.PosFej()
				pFinIi = rGtoIi.MulVec(pFinGFej.Sub(pIiinG))
				pFinCi = rItoC.MulVec(pFinIi).Add(pIinC)
				xn = pFinCi[0] / pFinCi[2]
				yn = pFinCi[1] / pFinCi[2]
			}

			dzDzn := distortJacobianRadtan(intr.Value(), xn, yn)
			dznDpfc := projectionJacobian(pFinCi)

			// dz_dpfc = dz_dzn * dzn_dpfc (2x3).
			var dzDpfc [2][3]float64
			for i := 0; i < 2; i++ {
				for j := 0; j < 3; j++ {
					dzDpfc[i][j] = dzDzn[i][0]*dznDpfc[0][j] + dzDzn[i][1]*dznDpfc[1][j]
				}
			}

			// Clone pose block.
			dpfcDclone := mat.NewDense(3, 6, nil)
			setBlock(dpfcDclone, 0, 0, rItoC.Mul(quatmath.Skew(pFinIi)))
			setBlock(dpfcDclone, 0, 3, rItoC.Mul(rGtoIi).Scale(-1))
			addChain2xN(Hx, row, colOf[clone], dzDpfc, dpfcDclone)

			// Feature block: dz_dpfc * R_ItoC*R_GtoIi * dpfg_dlambda.
			dpfcDpfg := rItoC.Mul(rGtoIi)
			var chain mat.Dense
			chain.Mul(denseFromMat3(dpfcDpfg), dpfgDlambda)
			addChain2xN(Hf, row, 0, dzDpfc, &chain)

			// Anchor pose blocks for relative representations.
			for i, blk := range dpfgDxBlocks {
				var anchorChain mat.Dense
				anchorChain.Mul(denseFromMat3(dpfcDpfg), blk)
				addChain2xN(Hx, row, colOf[repOrder[i]], dzDpfc, &anchorChain)
			}

			// Extrinsic calibration block.
			if s.Options().DoCalibCameraPose {
				dpfcDcalib := mat.NewDense(3, 6, nil)
				setBlock(dpfcDcalib, 0, 0, quatmath.Skew(pFinCi.Sub(pIinC)))
				setBlock(dpfcDcalib, 0, 3, quatmath.Identity3())
				addChain2xN(Hx, row, colOf[calib], dzDpfc, dpfcDcalib)
			}

			// Intrinsics block.
			if s.Options().DoCalibCameraIntrinsics {
				dzDzeta := intrinsicsJacobianRadtan(intr.Value(), xn, yn)
				for i := 0; i < 2; i++ {
					for j := 0; j < 8; j++ {
						Hx.Set(row+i, colOf[intr]+j, Hx.At(row+i, colOf[intr]+j)+dzDzeta[i][j])
					}
				}
			}

			row += 2
		}
	}

	return Hf, Hx, res, xOrder, nil
}

// NullspaceProjectInplace eliminates the feature Jacobian by rotating the
// stacked system onto the left null space of H_f with Givens rotations.
// The returned H_x and res have 2M-3 rows.
func NullspaceProjectInplace(Hf, Hx *mat.Dense, res *mat.VecDense) (*mat.Dense, *mat.VecDense) {
	rows, fCols := Hf.Dims()
	for n := 0; n < fCols; n++ {
		for m := rows - 1; m > n; m-- {
			c, s := givens(Hf.At(m-1, n), Hf.At(m, n))
			applyGivens(Hf, m-1, m, n, c, s)
			applyGivens(Hx, m-1, m, 0, c, s)
			applyGivensVec(res, m-1, m, c, s)
		}
	}

	_, xCols := Hx.Dims()
	outRows := rows - fCols
	hOut := mat.DenseCopyOf(Hx.Slice(fCols, rows, 0, xCols))
	rOut := mat.NewVecDense(outRows, nil)
	for i := 0; i < outRows; i++ {
		rOut.SetVec(i, res.AtVec(fCols+i))
	}
	return hOut, rOut
}

// MeasurementCompressInplace reduces a tall stacked system to an upper
// triangular one with at most cols rows using Givens rotations.
func MeasurementCompressInplace(Hx *mat.Dense, res *mat.VecDense) (*mat.Dense, *mat.VecDense) {
	rows, cols := Hx.Dims()
	if rows <= cols {
		return Hx, res
	}
	for n := 0; n < cols; n++ {
		for m := rows - 1; m > n; m-- {
			c, s := givens(Hx.At(m-1, n), Hx.At(m, n))
			applyGivens(Hx, m-1, m, n, c, s)
			applyGivensVec(res, m-1, m, c, s)
		}
	}
	hOut := mat.DenseCopyOf(Hx.Slice(0, cols, 0, cols))
	rOut := mat.NewVecDense(cols, nil)
	for i := 0; i < cols; i++ {
		rOut.SetVec(i, res.AtVec(i))
	}
	return hOut, rOut
}

// distortRadtan applies the radial-tangential distortion model and the
// pinhole intrinsics [fx fy cx cy k1 k2 p1 p2] to normalized coordinates.
func distortRadtan(zeta []float64, x, y float64) (u, v float64) {
	fx, fy, cx, cy := zeta[0], zeta[1], zeta[2], zeta[3]
	k1, k2, p1, p2 := zeta[4], zeta[5], zeta[6], zeta[7]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return fx*xd + cx, fy*yd + cy
}

// distortJacobianRadtan is the 2x2 Jacobian of the distorted raw pixel
// with respect to the normalized coordinates.
func distortJacobianRadtan(zeta []float64, x, y float64) [2][2]float64 {
	fx, fy := zeta[0], zeta[1]
	k1, k2, p1, p2 := zeta[4], zeta[5], zeta[6], zeta[7]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2
	var J [2][2]float64
	J[0][0] = fx * (radial + 2*k1*x*x + 4*k2*x*x*r2 + 2*p1*y + 6*p2*x)
	J[0][1] = fx * (2*k1*x*y + 4*k2*x*y*r2 + 2*p1*x + 2*p2*y)
	J[1][0] = fy * (2*k1*x*y + 4*k2*x*y*r2 + 2*p1*x + 2*p2*y)
	J[1][1] = fy * (radial + 2*k1*y*y + 4*k2*y*y*r2 + 6*p1*y + 2*p2*x)
	return J
}

// intrinsicsJacobianRadtan is the 2x8 Jacobian of the distorted raw pixel
// with respect to [fx fy cx cy k1 k2 p1 p2].
func intrinsicsJacobianRadtan(zeta []float64, x, y float64) [2][8]float64 {
	fx, fy := zeta[0], zeta[1]
	k1, k2, p1, p2 := zeta[4], zeta[5], zeta[6], zeta[7]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	var J [2][8]float64
	J[0] = [8]float64{xd, 0, 1, 0, fx * x * r2, fx * x * r2 * r2, fx * 2 * x * y, fx * (r2 + 2*x*x)}
	J[1] = [8]float64{0, yd, 0, 1, fy * y * r2, fy * y * r2 * r2, fy * (r2 + 2*y*y), fy * 2 * x * y}
	return J
}

// projectionJacobian is the 2x3 Jacobian d(x/z, y/z)/d p.
func projectionJacobian(p quatmath.Vec3) [2][3]float64 {
	z := p[2]
	return [2][3]float64{
		{1 / z, 0, -p[0] / (z * z)},
		{0, 1 / z, -p[1] / (z * z)},
	}
}

func denseFromMat3(m quatmath.Mat3) *mat.Dense {
	return m.Dense()
}

func setBlock(dst *mat.Dense, row, col int, b quatmath.Mat3) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(row+i, col+j, b.At(i, j))
		}
	}
}

// addChain2xN accumulates dz (2x3) times a 3xN block into H at (row, col).
func addChain2xN(H *mat.Dense, row, col int, dz [2][3]float64, blk *mat.Dense) {
	_, n := blk.Dims()
	for i := 0; i < 2; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += dz[i][k] * blk.At(k, j)
			}
			H.Set(row+i, col+j, H.At(row+i, col+j)+sum)
		}
	}
}

