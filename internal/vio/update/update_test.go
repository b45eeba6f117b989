package update

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/feat"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
	"github.com/banshee-data/trajectory.report/internal/vio/types"
)

// identityIntrinsics makes raw pixels equal normalized coordinates.
var identityIntrinsics = []float64{1, 1, 0, 0, 0, 0, 0, 0}

// buildWindow creates a state whose IMU translates along x by 0.1 m per
// epoch (camera looking along +z, extrinsics identity) and clones it at
// t = 1..n.
func buildWindow(t *testing.T, opts state.Options, n int) *state.State {
	t.Helper()
	s := state.New(opts)
	for cam := 0; cam < opts.NumCameras; cam++ {
		s.GetIntrinsicsCAM(cam).SetValue(identityIntrinsics)
		s.GetIntrinsicsCAM(cam).SetFej(identityIntrinsics)
	}
	for i := 1; i <= n; i++ {
		val := s.IMU().Value()
		val[4] = 0.1 * float64(i-1) // p_x
		s.IMU().SetValue(val)
		s.IMU().SetFej(val)
		s.SetTimestamp(float64(i))
		state.AugmentClone(s, quatmath.Vec3{})
	}
	return s
}

// observe appends the ideal projection of point p from the clone at time t.
func observe(s *state.State, f *feat.Feature, camID int, t float64, p quatmath.Vec3) {
	clone := s.GetClone(t)
	calib := s.GetCalibIMUtoCAM(camID)
	rGtoC := calib.Rot().Mul(clone.Rot())
	pCinG := clone.Pos().Sub(rGtoC.Transpose().MulVec(calib.Pos()))
	pc := rGtoC.MulVec(p.Sub(pCinG))
	uv := [2]float64{pc[0] / pc[2], pc[1] / pc[2]}
	f.Append(camID, t, uv, uv)
}

func checkCovHealthy(t *testing.T, s *state.State) {
	t.Helper()
	n := s.NVars()
	for i := 0; i < n; i++ {
		assert.GreaterOrEqual(t, s.Cov().At(i, i), 0.0)
		for j := i + 1; j < n; j++ {
			assert.InDelta(t, s.Cov().At(i, j), s.Cov().At(j, i), 1e-10)
		}
	}
}

func TestNullspaceProjectionDimension(t *testing.T) {
	s := buildWindow(t, state.DefaultOptions(), 4)
	point := quatmath.Vec3{0.5, 0.2, 3}

	f := feat.NewFeature(1)
	for i := 1; i <= 4; i++ {
		observe(s, f, 0, float64(i), point)
	}
	f.PFinG = point

	hf := helperFromFeature(f, types.Global3D)
	Hf, Hx, res, xOrder, err := GetFeatureJacobianFull(s, hf)
	require.NoError(t, err)
	require.Len(t, xOrder, 4)
	rows, _ := Hf.Dims()
	assert.Equal(t, 8, rows)

	HxP, resP := NullspaceProjectInplace(Hf, Hx, res)
	gotRows, _ := HxP.Dims()
	// 2M - 3 for M observations.
	assert.Equal(t, 5, gotRows)
	assert.Equal(t, 5, resP.Len())

	// The rotations pushed all feature sensitivity into the top 3 rows.
	for r := 3; r < rows; r++ {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, 0, Hf.At(r, c), 1e-10)
		}
	}
}

func TestMeasurementCompression(t *testing.T) {
	rows, cols := 9, 4
	H := mat.NewDense(rows, cols, nil)
	res := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			H.Set(i, j, float64((i*7+j*3)%5)+0.1)
		}
		res.SetVec(i, float64(i%3))
	}
	var normBefore float64
	{
		var htH mat.Dense
		htH.Mul(H.T(), H)
		normBefore = mat.Norm(&htH, 2)
	}

	Hc, resc := MeasurementCompressInplace(mat.DenseCopyOf(H), mat.VecDenseCopyOf(res))
	r, c := Hc.Dims()
	assert.Equal(t, cols, r)
	assert.Equal(t, cols, c)
	assert.Equal(t, cols, resc.Len())

	// Orthogonal rotations preserve the normal equations.
	var htH mat.Dense
	htH.Mul(Hc.T(), Hc)
	assert.InDelta(t, normBefore, mat.Norm(&htH, 2), 1e-9)
}

func TestMeasurementCompressionShortSystemUntouched(t *testing.T) {
	H := mat.NewDense(3, 6, nil)
	res := mat.NewVecDense(3, nil)
	Hc, resc := MeasurementCompressInplace(H, res)
	r, _ := Hc.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, resc.Len())
}

func TestMSCKFUpdateConsistentFeature(t *testing.T) {
	s := buildWindow(t, state.DefaultOptions(), 5)
	point := quatmath.Vec3{0.5, 0.2, 3}

	f := feat.NewFeature(10)
	for i := 1; i <= 5; i++ {
		observe(s, f, 0, float64(i), point)
	}

	imuBefore := s.IMU().Value()
	covTraceBefore := traceOf(s.Cov())

	u := NewUpdaterMSCKF(DefaultOptions(), feat.NewInitializer(feat.DefaultInitializerOptions()))
	require.NoError(t, u.Update(s, []*feat.Feature{f}))

	assert.True(t, f.ToDelete)
	// A perfectly consistent feature leaves the mean in place and sheds
	// covariance.
	for i, v := range s.IMU().Value() {
		assert.InDelta(t, imuBefore[i], v, 1e-8)
	}
	assert.Less(t, traceOf(s.Cov()), covTraceBefore)
	checkCovHealthy(t, s)
}

func TestMSCKFUpdateDropsShortTracks(t *testing.T) {
	s := buildWindow(t, state.DefaultOptions(), 4)
	point := quatmath.Vec3{0.5, 0.2, 3}

	f := feat.NewFeature(11)
	observe(s, f, 0, 1, point)
	observe(s, f, 0, 2, point)

	covBefore := mat.DenseCopyOf(s.Cov())
	u := NewUpdaterMSCKF(DefaultOptions(), feat.NewInitializer(feat.DefaultInitializerOptions()))
	require.NoError(t, u.Update(s, []*feat.Feature{f}))

	assert.True(t, f.ToDelete)
	assert.True(t, mat.Equal(covBefore, s.Cov()))
}

func TestSLAMDelayedInitAndUpdate(t *testing.T) {
	opts := state.DefaultOptions()
	opts.MaxSLAMFeatures = 5
	s := buildWindow(t, opts, 5)
	point := quatmath.Vec3{-0.3, 0.4, 4}

	f := feat.NewFeature(2000)
	for i := 1; i <= 4; i++ {
		observe(s, f, 0, float64(i), point)
	}

	preSize := s.NVars()
	u := NewUpdaterSLAM(DefaultOptions(), DefaultOptions(), feat.NewInitializer(feat.DefaultInitializerOptions()))
	require.NoError(t, u.DelayedInit(s, []*feat.Feature{f}))

	landmark := s.GetSLAMFeature(2000)
	require.NotNil(t, landmark)
	assert.Equal(t, preSize+3, s.NVars())
	got := landmark.XYZ(false)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, point[i], got[i], 1e-6)
	}
	checkCovHealthy(t, s)

	// A consistent in-state update at the newest clone keeps the landmark
	// and the mean where they are.
	f2 := feat.NewFeature(2000)
	observe(s, f2, 0, 5, point)
	require.NoError(t, u.Update(s, []*feat.Feature{f2}))
	got = landmark.XYZ(false)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, point[i], got[i], 1e-6)
	}
	checkCovHealthy(t, s)
}

func TestAnchorChangePreservesGlobalPosition(t *testing.T) {
	opts := state.DefaultOptions()
	opts.FeatRepresentation = types.Anchored3D
	opts.MaxSLAMFeatures = 5
	opts.MaxCloneSize = 1
	s := buildWindow(t, opts, 2)
	point := quatmath.Vec3{0.2, -0.1, 5}

	// Build a landmark anchored at the clone that will be marginalized.
	landmark := types.NewLandmark(types.Anchored3D)
	landmark.FeatID = 3000
	landmark.AnchorCamID = 0
	landmark.AnchorCloneTimestamp = 1.0

	rGtoA, pAinG, ok := anchorFrame(s, landmark)
	require.True(t, ok)
	pFinA := rGtoA.MulVec(point.Sub(pAinG))
	landmark.SetFromXYZ(pFinA, false)
	landmark.SetFromXYZ(pFinA, true)

	Hx := mat.NewDense(3, 6, nil)
	Hf := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		Hf.Set(i, i, 1)
	}
	R := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		R.Set(i, i, 1e-4)
	}
	res := mat.NewVecDense(3, nil)
	require.NoError(t, state.InitializeInvertible(s, landmark, []types.Type{s.GetClone(1.0)}, Hx, Hf, R, res))
	s.InsertSLAMFeature(3000, landmark)

	globalBefore := rGtoA.Transpose().MulVec(landmark.XYZ(false)).Add(pAinG)

	u := NewUpdaterSLAM(DefaultOptions(), DefaultOptions(), feat.NewInitializer(feat.DefaultInitializerOptions()))
	require.NoError(t, u.ChangeAnchors(s))

	assert.Equal(t, 2.0, landmark.AnchorCloneTimestamp)
	assert.True(t, landmark.HasHadAnchorChange)

	rGtoA2, pAinG2, ok := anchorFrame(s, landmark)
	require.True(t, ok)
	globalAfter := rGtoA2.Transpose().MulVec(landmark.XYZ(false)).Add(pAinG2)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, globalBefore[i], globalAfter[i], 1e-9)
	}
	checkCovHealthy(t, s)
}

func TestChi2TableMatchesDirectQuantile(t *testing.T) {
	for _, dof := range []int{1, 2, 5, 100, 500} {
		table := chiSquaredQuantile95(dof)
		assert.Greater(t, table, float64(dof)-1)
	}
	assert.InDelta(t, 3.841, chiSquaredQuantile95(1), 1e-3)
	assert.InDelta(t, 5.991, chiSquaredQuantile95(2), 1e-3)
}

func traceOf(m *mat.Dense) float64 {
	r, _ := m.Dims()
	tr := 0.0
	for i := 0; i < r; i++ {
		tr += m.At(i, i)
	}
	return tr
}
