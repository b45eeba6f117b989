package state

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/types"
)

// ErrCovarianceNotPSD reports a filter inconsistency: the covariance lost
// positive semi-definiteness after an update. The estimator must halt or
// reset when it sees this.
var ErrCovarianceNotPSD = fmt.Errorf("state: covariance has a negative diagonal entry")

// EKFUpdate applies a batched Kalman correction. order lists the variables
// the stacked Jacobian H touches, in column order; res and R are the
// stacked residual and measurement noise.
func EKFUpdate(s *State, order []types.Type, H *mat.Dense, res *mat.VecDense, R *mat.Dense) error {
	m := res.Len()
	if rH, _ := H.Dims(); rH != m {
		return fmt.Errorf("state: Jacobian rows %d != residual rows %d", rH, m)
	}
	if rR, cR := R.Dims(); rR != m || cR != m {
		return fmt.Errorf("state: noise is %dx%d, want %dx%d", rR, cR, m, m)
	}

	// Column offset of each measured variable inside H.
	hID := make([]int, len(order))
	cur := 0
	for i, v := range order {
		hID[i] = cur
		cur += v.Size()
	}
	if _, cH := H.Dims(); cH != cur {
		return fmt.Errorf("state: Jacobian cols %d != order size %d", cH, cur)
	}

	// M = P * H^T accumulated per live variable.
	n := s.NVars()
	Ma := mat.NewDense(n, m, nil)
	for _, v := range s.variables {
		mi := mat.NewDense(v.Size(), m, nil)
		for i, mv := range order {
			pBlock := s.cov.Slice(v.ID(), v.ID()+v.Size(), mv.ID(), mv.ID()+mv.Size())
			hBlock := H.Slice(0, m, hID[i], hID[i]+mv.Size())
			var tmp mat.Dense
			tmp.Mul(pBlock, hBlock.T())
			mi.Add(mi, &tmp)
		}
		Ma.Slice(v.ID(), v.ID()+v.Size(), 0, m).(*mat.Dense).Copy(mi)
	}

	// S = H * P_marg * H^T + R, solved by Cholesky.
	pSmall := GetMarginalCovariance(s, order)
	var hp, S mat.Dense
	hp.Mul(H, pSmall)
	S.Mul(&hp, H.T())
	S.Add(&S, R)

	sym := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			sym.SetSym(i, j, 0.5*(S.At(i, j)+S.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return fmt.Errorf("state: residual covariance is not positive definite")
	}

	// K = M * S^{-1} via S * K^T = M^T.
	var kT mat.Dense
	if err := chol.SolveTo(&kT, Ma.T()); err != nil {
		return fmt.Errorf("state: solving for the Kalman gain: %w", err)
	}

	// P <- P - K * M^T, then symmetrize.
	var km mat.Dense
	km.Mul(kT.T(), Ma.T())
	s.cov.Sub(s.cov, &km)
	symmetrize(s.cov)

	for i := 0; i < n; i++ {
		if s.cov.At(i, i) < 0 {
			return fmt.Errorf("%w: index %d value %e", ErrCovarianceNotPSD, i, s.cov.At(i, i))
		}
	}

	// dx = K * res applied per variable.
	var dx mat.VecDense
	dx.MulVec(kT.T(), res)
	applyCorrection(s, &dx)
	return nil
}

// applyCorrection routes the full-state correction into every variable.
func applyCorrection(s *State, dx *mat.VecDense) {
	for _, v := range s.variables {
		sub := make([]float64, v.Size())
		for i := range sub {
			sub[i] = dx.AtVec(v.ID() + i)
		}
		v.Update(sub)
	}
}

// GetMarginalCovariance gathers the covariance block rows/cols of the given
// variables into one contiguous matrix.
func GetMarginalCovariance(s *State, order []types.Type) *mat.Dense {
	size := 0
	for _, v := range order {
		size += v.Size()
	}
	out := mat.NewDense(size, size, nil)
	iIdx := 0
	for _, vi := range order {
		kIdx := 0
		for _, vk := range order {
			for r := 0; r < vi.Size(); r++ {
				for c := 0; c < vk.Size(); c++ {
					out.Set(iIdx+r, kIdx+c, s.cov.At(vi.ID()+r, vk.ID()+c))
				}
			}
			kIdx += vk.Size()
		}
		iIdx += vi.Size()
	}
	return out
}

// CloneVariable appends a copy of the given variable to the end of the
// covariance, cross-copying its correlations, and inserts the clone into
// the live-variable list. The variable must report a valid covariance
// offset (sub-variables such as the IMU pose are allowed).
func CloneVariable(s *State, v types.Type) types.Type {
	total := v.Size()
	oldSize := s.NVars()
	newLoc := oldSize
	oldLoc := v.ID()

	grown := mat.NewDense(oldSize+total, oldSize+total, nil)
	grown.Slice(0, oldSize, 0, oldSize).(*mat.Dense).Copy(s.cov)

	for r := 0; r < total; r++ {
		for c := 0; c < total; c++ {
			grown.Set(newLoc+r, newLoc+c, s.cov.At(oldLoc+r, oldLoc+c))
		}
	}
	for r := 0; r < oldSize; r++ {
		for c := 0; c < total; c++ {
			grown.Set(r, newLoc+c, s.cov.At(r, oldLoc+c))
			grown.Set(newLoc+c, r, s.cov.At(oldLoc+c, r))
		}
	}
	s.cov = grown

	clone := v.Clone()
	clone.SetID(newLoc)
	s.insertVariable(clone)
	return clone
}

// Marginalize removes the variable's block rows/cols from the covariance,
// shifts the ids of every later variable down, and drops it from the
// live-variable list. Sub-variables cannot be marginalized.
func Marginalize(s *State, marg types.Type) error {
	found := false
	for _, v := range s.variables {
		if v == marg {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("state: marginalize called on a variable not in the state")
	}

	margID := marg.ID()
	margSize := marg.Size()
	n := s.NVars()
	x2 := n - margID - margSize

	next := mat.NewDense(n-margSize, n-margSize, nil)
	if margID > 0 {
		next.Slice(0, margID, 0, margID).(*mat.Dense).Copy(s.cov.Slice(0, margID, 0, margID))
	}
	if margID > 0 && x2 > 0 {
		next.Slice(0, margID, margID, margID+x2).(*mat.Dense).Copy(
			s.cov.Slice(0, margID, margID+margSize, n))
		next.Slice(margID, margID+x2, 0, margID).(*mat.Dense).Copy(
			s.cov.Slice(margID+margSize, n, 0, margID))
	}
	if x2 > 0 {
		next.Slice(margID, margID+x2, margID, margID+x2).(*mat.Dense).Copy(
			s.cov.Slice(margID+margSize, n, margID+margSize, n))
	}
	s.cov = next

	remaining := s.variables[:0]
	for _, v := range s.variables {
		if v == marg {
			continue
		}
		if v.ID() > margID {
			v.SetID(v.ID() - margSize)
		}
		remaining = append(remaining, v)
	}
	s.variables = remaining
	marg.SetID(-1)
	return nil
}

// AugmentClone performs stochastic cloning of the current IMU pose at the
// state time. When time-offset calibration is active the new clone picks up
// the first-order dependency [last_w; v_IinG] on t_off (Li / Mourikis).
func AugmentClone(s *State, lastW quatmath.Vec3) *types.PoseJPL {
	cloned := CloneVariable(s, s.imu.Pose())
	pose, ok := cloned.(*types.PoseJPL)
	if !ok {
		panic("state: cloning the IMU pose produced an unexpected type")
	}
	s.insertClone(s.timestamp, pose)

	if s.options.DoCalibCameraTimeoffset {
		vel := s.imu.Vel()
		dnc := [6]float64{lastW[0], lastW[1], lastW[2], vel[0], vel[1], vel[2]}
		dtID := s.calibDtCAMtoIMU.ID()
		poseID := pose.ID()
		n := s.NVars()

		// Snapshot the t_off column so the three block additions all use
		// pre-augmentation values.
		pdt := make([]float64, n)
		for r := 0; r < n; r++ {
			pdt[r] = s.cov.At(r, dtID)
		}
		pdd := s.cov.At(dtID, dtID)

		for r := 0; r < n; r++ {
			for j := 0; j < 6; j++ {
				s.cov.Set(r, poseID+j, s.cov.At(r, poseID+j)+pdt[r]*dnc[j])
			}
		}
		for j := 0; j < 6; j++ {
			for c := 0; c < n; c++ {
				s.cov.Set(poseID+j, c, s.cov.At(poseID+j, c)+dnc[j]*pdt[c])
			}
		}
		for j := 0; j < 6; j++ {
			for k := 0; k < 6; k++ {
				s.cov.Set(poseID+j, poseID+k, s.cov.At(poseID+j, poseID+k)+dnc[j]*pdd*dnc[k])
			}
		}
	}
	return pose
}

// Initialize performs delayed initialization of a new variable. Givens
// rotations separate the stacked system [H_x | H_f] into an invertible top
// block that defines the new variable and a bottom block with H_f
// eliminated; the bottom block is chi-square gated and, when accepted,
// applied as a regular EKF update after the covariance augmentation.
// Hx, Hf and res are modified in place. R must be isotropic diagonal.
func Initialize(s *State, newVar types.Type, order []types.Type,
	Hx, Hf *mat.Dense, R *mat.Dense, res *mat.VecDense, chi2Mult float64) (bool, error) {

	if newVar.ID() >= 0 {
		return false, fmt.Errorf("state: initialize called on a variable already in the state")
	}
	if err := checkIsotropic(R); err != nil {
		return false, err
	}

	newVarSize := newVar.Size()
	rows, fCols := Hf.Dims()
	if fCols != newVarSize {
		return false, fmt.Errorf("state: H_f has %d cols, new variable size %d", fCols, newVarSize)
	}
	if rows <= newVarSize {
		return false, fmt.Errorf("state: %d measurement rows cannot initialize a %d-DoF variable", rows, newVarSize)
	}

	// Zero H_f below its leading square block, bottom-up, carrying res and
	// H_x through the same rotations.
	for n := 0; n < fCols; n++ {
		for mRow := rows - 1; mRow > n; mRow-- {
			c, sn := givens(Hf.At(mRow-1, n), Hf.At(mRow, n))
			applyGivens(Hf, mRow-1, mRow, n, c, sn)
			applyGivens(Hx, mRow-1, mRow, 0, c, sn)
			applyGivensVec(res, mRow-1, mRow, c, sn)
		}
	}

	_, xCols := Hx.Dims()

	// Invertible initializing system.
	hxInit := mat.DenseCopyOf(Hx.Slice(0, newVarSize, 0, xCols))
	hfInit := mat.DenseCopyOf(Hf.Slice(0, newVarSize, 0, newVarSize))
	resInit := mat.NewVecDense(newVarSize, nil)
	for i := 0; i < newVarSize; i++ {
		resInit.SetVec(i, res.AtVec(i))
	}
	rInit := mat.DenseCopyOf(R.Slice(0, newVarSize, 0, newVarSize))

	// Nullspace-projected updating system.
	upRows := rows - newVarSize
	hUp := mat.DenseCopyOf(Hx.Slice(newVarSize, rows, 0, xCols))
	resUp := mat.NewVecDense(upRows, nil)
	for i := 0; i < upRows; i++ {
		resUp.SetVec(i, res.AtVec(newVarSize + i))
	}
	rUp := mat.DenseCopyOf(R.Slice(newVarSize, rows, newVarSize, rows))

	// Chi-square gate the updating portion; the degrees of freedom follow
	// the full stacked residual.
	pUp := GetMarginalCovariance(s, order)
	var hpu, S mat.Dense
	hpu.Mul(hUp, pUp)
	S.Mul(&hpu, hUp.T())
	S.Add(&S, rUp)

	chi2, err := mahalanobisSq(&S, resUp)
	if err != nil {
		return false, err
	}
	chi2Check := distuv.ChiSquared{K: float64(rows)}.Quantile(0.95)
	if chi2 > chi2Mult*chi2Check {
		return false, nil
	}

	if err := InitializeInvertible(s, newVar, order, hxInit, hfInit, rInit, resInit); err != nil {
		return false, err
	}
	if upRows > 0 {
		if err := EKFUpdate(s, order, hUp, resUp, rUp); err != nil {
			return false, err
		}
	}
	return true, nil
}

// InitializeInvertible augments the covariance with a new variable from an
// exactly-determined system: H_f square and invertible, R isotropic.
func InitializeInvertible(s *State, newVar types.Type, order []types.Type,
	Hx, Hf *mat.Dense, R *mat.Dense, res *mat.VecDense) error {

	if newVar.ID() >= 0 {
		return fmt.Errorf("state: initialize_invertible called on a variable already in the state")
	}
	if err := checkIsotropic(R); err != nil {
		return err
	}
	m := res.Len()
	if rf, cf := Hf.Dims(); rf != m || rf != cf || rf != newVar.Size() {
		return fmt.Errorf("state: H_f is %dx%d for a %d-DoF variable with %d rows", rf, cf, newVar.Size(), m)
	}

	hID := make([]int, len(order))
	cur := 0
	for i, v := range order {
		hID[i] = cur
		cur += v.Size()
	}

	// M_a = P * H_x^T over the full state.
	n := s.NVars()
	Ma := mat.NewDense(n, m, nil)
	for _, v := range s.variables {
		mi := mat.NewDense(v.Size(), m, nil)
		for i, mv := range order {
			pBlock := s.cov.Slice(v.ID(), v.ID()+v.Size(), mv.ID(), mv.ID()+mv.Size())
			hBlock := Hx.Slice(0, m, hID[i], hID[i]+mv.Size())
			var tmp mat.Dense
			tmp.Mul(pBlock, hBlock.T())
			mi.Add(mi, &tmp)
		}
		Ma.Slice(v.ID(), v.ID()+v.Size(), 0, m).(*mat.Dense).Copy(mi)
	}

	// M = H_x * P_marg * H_x^T + R.
	pSmall := GetMarginalCovariance(s, order)
	var hp, M mat.Dense
	hp.Mul(Hx, pSmall)
	M.Mul(&hp, Hx.T())
	M.Add(&M, R)

	var hfInv mat.Dense
	if err := hfInv.Inverse(Hf); err != nil {
		return fmt.Errorf("state: H_f is not invertible: %w", err)
	}

	// Covariance of the new variable.
	var tmp, pLL mat.Dense
	tmp.Mul(&hfInv, &M)
	pLL.Mul(&tmp, hfInv.T())

	// Augment: cross block -M_a * H_f^{-T}, diagonal block P_LL.
	oldSize := n
	grown := mat.NewDense(oldSize+m, oldSize+m, nil)
	grown.Slice(0, oldSize, 0, oldSize).(*mat.Dense).Copy(s.cov)

	var cross mat.Dense
	cross.Mul(Ma, hfInv.T())
	cross.Scale(-1, &cross)
	grown.Slice(0, oldSize, oldSize, oldSize+m).(*mat.Dense).Copy(&cross)
	grown.Slice(oldSize, oldSize+m, 0, oldSize).(*mat.Dense).Copy(cross.T())
	grown.Slice(oldSize, oldSize+m, oldSize, oldSize+m).(*mat.Dense).Copy(&pLL)
	s.cov = grown

	// The correction should be nearly zero when the initial estimate came
	// from a converged local optimization.
	var dx mat.VecDense
	dx.MulVec(&hfInv, res)
	sub := make([]float64, m)
	for i := range sub {
		sub[i] = dx.AtVec(i)
	}
	newVar.Update(sub)

	newVar.SetID(oldSize)
	s.insertVariable(newVar)
	return nil
}

// IMUPrior holds the per-block diagonal covariance seeded at static
// initialization: a tight prior on the pose and the zero-velocity seed,
// a looser one on the biases, which the alignment only coarsely observes.
type IMUPrior struct {
	OrientationVar float64
	PositionVar    float64
	VelocityVar    float64
	BiasGyroVar    float64
	BiasAccelVar   float64
}

// DefaultIMUPrior returns the canonical static-start prior.
func DefaultIMUPrior() IMUPrior {
	return IMUPrior{
		OrientationVar: 1e-4,
		PositionVar:    1e-6,
		VelocityVar:    1e-4,
		BiasGyroVar:    5e-3,
		BiasAccelVar:   1e-2,
	}
}

// SetIMUPrior overwrites the IMU block of the covariance with the given
// block-diagonal prior, clearing any cross terms. Call once when seeding
// the state, before the first propagation.
func SetIMUPrior(s *State, prior IMUPrior) error {
	imuID := s.imu.ID()
	if imuID != 0 {
		return fmt.Errorf("state: IMU block must sit at covariance offset 0, got %d", imuID)
	}
	n := s.NVars()
	for r := 0; r < types.IMUErrSize; r++ {
		for c := 0; c < n; c++ {
			s.cov.Set(r, c, 0)
			s.cov.Set(c, r, 0)
		}
	}
	blocks := []struct {
		offset int
		v      float64
	}{
		{types.IMUThetaOffset, prior.OrientationVar},
		{types.IMUPosOffset, prior.PositionVar},
		{types.IMUVelOffset, prior.VelocityVar},
		{types.IMUBiasGOffset, prior.BiasGyroVar},
		{types.IMUBiasAOffset, prior.BiasAccelVar},
	}
	for _, b := range blocks {
		if b.v <= 0 {
			return fmt.Errorf("state: IMU prior variance at offset %d must be positive, got %g", b.offset, b.v)
		}
		for i := 0; i < 3; i++ {
			s.cov.Set(b.offset+i, b.offset+i, b.v)
		}
	}
	return nil
}

// MarginalizeOldClone removes the oldest clone once the window exceeds the
// configured size. Anchored landmarks must have migrated off it first.
func MarginalizeOldClone(s *State) error {
	if s.NClones() <= s.options.MaxCloneSize {
		return nil
	}
	margTime := s.MargTimestep()
	clone := s.GetClone(margTime)
	if clone == nil {
		return fmt.Errorf("state: no clone at marginalization time %f", margTime)
	}
	if err := Marginalize(s, clone); err != nil {
		return err
	}
	s.eraseClone(margTime)
	return nil
}

// MarginalizeSLAMFeatures removes every landmark flagged ShouldMarg.
func MarginalizeSLAMFeatures(s *State) error {
	for id, l := range s.featuresSLAM {
		if !l.ShouldMarg {
			continue
		}
		if err := Marginalize(s, l); err != nil {
			return err
		}
		delete(s.featuresSLAM, id)
	}
	return nil
}

// mahalanobisSq computes r^T S^{-1} r with a Cholesky solve.
func mahalanobisSq(S *mat.Dense, r *mat.VecDense) (float64, error) {
	m := r.Len()
	sym := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			sym.SetSym(i, j, 0.5*(S.At(i, j)+S.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return 0, fmt.Errorf("state: residual covariance is not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, r); err != nil {
		return 0, err
	}
	return mat.Dot(r, &x), nil
}

// checkIsotropic verifies the noise is diagonal with one shared value.
func checkIsotropic(R *mat.Dense) error {
	r, c := R.Dims()
	if r != c || r == 0 {
		return fmt.Errorf("state: noise must be square and non-empty, got %dx%d", r, c)
	}
	first := R.At(0, 0)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if i == j && R.At(i, j) != first {
				return fmt.Errorf("state: noise is not isotropic at (%d,%d)", i, j)
			}
			if i != j && R.At(i, j) != 0 {
				return fmt.Errorf("state: noise is not diagonal at (%d,%d)", i, j)
			}
		}
	}
	return nil
}

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

// symmetrize mirrors the upper triangle onto the lower.
func symmetrize(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for j := i + 1; j < r; j++ {
			m.Set(j, i, m.At(i, j))
		}
	}
}
