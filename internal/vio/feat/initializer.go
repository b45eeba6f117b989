package feat

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

// InitializerOptions holds the triangulation and refinement thresholds.
type InitializerOptions struct {
	// MaxRuns bounds the Gauss-Newton iteration count.
	MaxRuns int
	// InitLamda is the starting Levenberg-Marquardt damping.
	InitLamda float64
	// MaxLamda aborts the refinement once damping exceeds it.
	MaxLamda float64
	// MinDx declares convergence when the step norm falls below it.
	MinDx float64
	// MinDcost declares convergence on relative cost decrease below it.
	MinDcost float64
	// LamMult scales the damping up/down on rejected/accepted steps.
	LamMult float64
	// MinDist rejects triangulations closer than this (metres).
	MinDist float64
	// MaxDist rejects triangulations farther than this (metres).
	MaxDist float64
	// MaxBaseline rejects when distance/baseline exceeds this ratio.
	MaxBaseline float64
	// MaxCondNumber rejects ill-conditioned linear systems.
	MaxCondNumber float64
}

// DefaultInitializerOptions returns the canonical thresholds.
func DefaultInitializerOptions() InitializerOptions {
	return InitializerOptions{
		MaxRuns:       20,
		InitLamda:     1e-3,
		MaxLamda:      1e10,
		MinDx:         1e-6,
		MinDcost:      1e-6,
		LamMult:       10,
		MinDist:       0.25,
		MaxDist:       40,
		MaxBaseline:   40,
		MaxCondNumber: 1000,
	}
}

// ClonePose is a camera pose at a clone time: rotation from global to
// camera and camera position in global.
type ClonePose struct {
	RGtoC quatmath.Mat3
	PCinG quatmath.Vec3
}

// ClonePoseMap maps camera id, then clone timestamp, to a camera pose.
type ClonePoseMap map[int]map[float64]ClonePose

// Initializer triangulates features against a set of posed observations.
type Initializer struct {
	opts InitializerOptions
}

// NewInitializer creates a triangulation engine with the given thresholds.
func NewInitializer(opts InitializerOptions) *Initializer {
	return &Initializer{opts: opts}
}

// SingleTriangulation linearly triangulates the feature in the frame of its
// anchor camera. The anchor is the camera with the most observations; the
// anchor clone time is that camera's latest observation. On success the
// anchor-frame and global positions are written into the feature.
func (in *Initializer) SingleTriangulation(f *Feature, clonesCam ClonePoseMap) bool {

	// Pick the anchor: camera with the most observations, latest stamp.
	totalMeas := 0
	anchorCam := -1
	mostMeas := 0
	for cam, ts := range f.Timestamps {
		totalMeas += len(ts)
		if len(ts) > mostMeas {
			anchorCam = cam
			mostMeas = len(ts)
		}
	}
	if anchorCam < 0 || totalMeas < 2 {
		return false
	}
	f.AnchorCamID = anchorCam
	f.AnchorCloneTimestamp = f.Timestamps[anchorCam][len(f.Timestamps[anchorCam])-1]

	anchor, ok := clonesCam[f.AnchorCamID][f.AnchorCloneTimestamp]
	if !ok {
		return false
	}
	RGtoA := anchor.RGtoC
	pAinG := anchor.PCinG

	// Stack the 2x3 left-null-space constraints of each unit bearing.
	A := mat.NewDense(2*totalMeas, 3, nil)
	b := mat.NewVecDense(2*totalMeas, nil)
	row := 0
	for cam, ts := range f.Timestamps {
		for m, t := range ts {
			cp, ok := clonesCam[cam][t]
			if !ok {
				return false
			}
			RAtoCi := cp.RGtoC.Mul(RGtoA.Transpose())
			pCiinA := RGtoA.MulVec(cp.PCinG.Sub(pAinG))

			uvn := f.UVsNorm[cam][m]
			bi := RAtoCi.Transpose().MulVec(quatmath.Vec3{uvn[0], uvn[1], 1})
			bi = bi.Scale(1 / bi.Norm())

			// Bperp rows: [-bz 0 bx] and [0 bz -by].
			A.Set(row, 0, -bi[2])
			A.Set(row, 2, bi[0])
			A.Set(row+1, 1, bi[2])
			A.Set(row+1, 2, -bi[1])
			b.SetVec(row, -bi[2]*pCiinA[0]+bi[0]*pCiinA[2])
			b.SetVec(row+1, bi[2]*pCiinA[1]-bi[1]*pCiinA[2])
			row += 2
		}
	}

	// Least-squares solve for the anchor-frame position.
	var qr mat.QR
	qr.Factorize(A)
	var x mat.Dense
	if err := qr.SolveTo(&x, false, b); err != nil {
		return false
	}
	pF := quatmath.Vec3{x.At(0, 0), x.At(1, 0), x.At(2, 0)}

	// Conditioning of the stacked system.
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDThin) {
		return false
	}
	vals := svd.Values(nil)
	condA := vals[0] / vals[len(vals)-1]

	if math.Abs(condA) > in.opts.MaxCondNumber ||
		pF[2] < in.opts.MinDist || pF[2] > in.opts.MaxDist ||
		math.IsNaN(pF.Norm()) {
		return false
	}

	f.PFinA = pF
	f.PFinG = RGtoA.Transpose().MulVec(pF).Add(pAinG)
	return true
}

// computeError sums the squared reprojection residuals of the inverse-depth
// parametrization (alpha, beta, rho) over every observation.
func (in *Initializer) computeError(f *Feature, clonesCam ClonePoseMap, alpha, beta, rho float64) float64 {
	anchor := clonesCam[f.AnchorCamID][f.AnchorCloneTimestamp]
	RGtoA := anchor.RGtoC
	pAinG := anchor.PCinG

	err := 0.0
	for cam, ts := range f.Timestamps {
		for m, t := range ts {
			cp := clonesCam[cam][t]
			RAtoCi := cp.RGtoC.Mul(RGtoA.Transpose())
			pCiinA := RGtoA.MulVec(cp.PCinG.Sub(pAinG))
			pAinCi := RAtoCi.MulVec(pCiinA).Scale(-1)

			h1 := RAtoCi.At(0, 0)*alpha + RAtoCi.At(0, 1)*beta + RAtoCi.At(0, 2) + rho*pAinCi[0]
			h2 := RAtoCi.At(1, 0)*alpha + RAtoCi.At(1, 1)*beta + RAtoCi.At(1, 2) + rho*pAinCi[1]
			h3 := RAtoCi.At(2, 0)*alpha + RAtoCi.At(2, 1)*beta + RAtoCi.At(2, 2) + rho*pAinCi[2]

			uvn := f.UVsNorm[cam][m]
			r1 := uvn[0] - h1/h3
			r2 := uvn[1] - h2/h3
			err += r1*r1 + r2*r2
		}
	}
	return err
}

// SingleGaussNewton refines the triangulated position with a damped
// Gauss-Newton over the anchor-frame inverse-depth parameters, then applies
// the depth and baseline acceptance tests. The feature must have passed
// SingleTriangulation first.
func (in *Initializer) SingleGaussNewton(f *Feature, clonesCam ClonePoseMap) bool {

	rho := 1 / f.PFinA[2]
	alpha := f.PFinA[0] / f.PFinA[2]
	beta := f.PFinA[1] / f.PFinA[2]

	lam := in.opts.InitLamda
	eps := 10000.0
	runs := 0
	recompute := true

	Hess := mat.NewDense(3, 3, nil)
	grad := mat.NewVecDense(3, nil)
	costOld := in.computeError(f, clonesCam, alpha, beta, rho)

	anchor := clonesCam[f.AnchorCamID][f.AnchorCloneTimestamp]
	RGtoA := anchor.RGtoC
	pAinG := anchor.PCinG

	for runs < in.opts.MaxRuns && lam < in.opts.MaxLamda && eps > in.opts.MinDx {

		if recompute {
			Hess.Zero()
			grad.Zero()

			for cam, ts := range f.Timestamps {
				for m, t := range ts {
					cp := clonesCam[cam][t]
					RAtoCi := cp.RGtoC.Mul(RGtoA.Transpose())
					pCiinA := RGtoA.MulVec(cp.PCinG.Sub(pAinG))
					pAinCi := RAtoCi.MulVec(pCiinA).Scale(-1)

					h1 := RAtoCi.At(0, 0)*alpha + RAtoCi.At(0, 1)*beta + RAtoCi.At(0, 2) + rho*pAinCi[0]
					h2 := RAtoCi.At(1, 0)*alpha + RAtoCi.At(1, 1)*beta + RAtoCi.At(1, 2) + rho*pAinCi[1]
					h3 := RAtoCi.At(2, 0)*alpha + RAtoCi.At(2, 1)*beta + RAtoCi.At(2, 2) + rho*pAinCi[2]

					// Componentwise 2x3 Jacobian of the perspective model.
					h3sq := h3 * h3
					var H [2][3]float64
					H[0][0] = (RAtoCi.At(0, 0)*h3 - h1*RAtoCi.At(2, 0)) / h3sq
					H[0][1] = (RAtoCi.At(0, 1)*h3 - h1*RAtoCi.At(2, 1)) / h3sq
					H[0][2] = (pAinCi[0]*h3 - h1*pAinCi[2]) / h3sq
					H[1][0] = (RAtoCi.At(1, 0)*h3 - h2*RAtoCi.At(2, 0)) / h3sq
					H[1][1] = (RAtoCi.At(1, 1)*h3 - h2*RAtoCi.At(2, 1)) / h3sq
					H[1][2] = (pAinCi[1]*h3 - h2*pAinCi[2]) / h3sq

					uvn := f.UVsNorm[cam][m]
					res := [2]float64{uvn[0] - h1/h3, uvn[1] - h2/h3}

					for i := 0; i < 3; i++ {
						grad.SetVec(i, grad.AtVec(i)+H[0][i]*res[0]+H[1][i]*res[1])
						for j := 0; j < 3; j++ {
							Hess.Set(i, j, Hess.At(i, j)+H[0][i]*H[0][j]+H[1][i]*H[1][j])
						}
					}
				}
			}
		}

		// Damped solve: (H + lam*diag(H)) dx = g.
		HessL := mat.NewDense(3, 3, nil)
		HessL.Copy(Hess)
		for r := 0; r < 3; r++ {
			HessL.Set(r, r, Hess.At(r, r)*(1+lam))
		}
		var dx mat.VecDense
		if err := dx.SolveVec(HessL, grad); err != nil {
			return false
		}

		cost := in.computeError(f, clonesCam, alpha+dx.AtVec(0), beta+dx.AtVec(1), rho+dx.AtVec(2))

		if cost <= costOld && (costOld-cost)/costOld < in.opts.MinDcost {
			alpha += dx.AtVec(0)
			beta += dx.AtVec(1)
			rho += dx.AtVec(2)
			break
		}

		if cost <= costOld {
			recompute = true
			costOld = cost
			alpha += dx.AtVec(0)
			beta += dx.AtVec(1)
			rho += dx.AtVec(2)
			runs++
			lam /= in.opts.LamMult
			eps = math.Sqrt(dx.AtVec(0)*dx.AtVec(0) + dx.AtVec(1)*dx.AtVec(1) + dx.AtVec(2)*dx.AtVec(2))
		} else {
			recompute = false
			lam *= in.opts.LamMult
		}
	}

	f.PFinA = quatmath.Vec3{alpha / rho, beta / rho, 1 / rho}

	// Tangent-plane basis at the refined point for the baseline test.
	pMat := mat.NewDense(3, 1, []float64{f.PFinA[0], f.PFinA[1], f.PFinA[2]})
	var qr mat.QR
	qr.Factorize(pMat)
	var Q mat.Dense
	qr.QTo(&Q)

	baselineMax := 0.0
	for cam, ts := range f.Timestamps {
		for _, t := range ts {
			cp := clonesCam[cam][t]
			pCiinA := RGtoA.MulVec(cp.PCinG.Sub(pAinG))
			// Projection onto the plane orthogonal to the bearing.
			b1 := Q.At(0, 1)*pCiinA[0] + Q.At(1, 1)*pCiinA[1] + Q.At(2, 1)*pCiinA[2]
			b2 := Q.At(0, 2)*pCiinA[0] + Q.At(1, 2)*pCiinA[1] + Q.At(2, 2)*pCiinA[2]
			if bl := math.Sqrt(b1*b1 + b2*b2); bl > baselineMax {
				baselineMax = bl
			}
		}
	}

	if f.PFinA[2] < in.opts.MinDist ||
		f.PFinA[2] > in.opts.MaxDist ||
		f.PFinA.Norm()/baselineMax > in.opts.MaxBaseline ||
		math.IsNaN(f.PFinA.Norm()) {
		return false
	}

	f.PFinG = RGtoA.Transpose().MulVec(f.PFinA).Add(pAinG)
	return true
}
