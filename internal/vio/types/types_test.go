package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

func TestVecAdditiveUpdate(t *testing.T) {
	v := NewVec(3)
	v.SetValue([]float64{1, 2, 3})
	v.Update([]float64{0.5, -0.5, 1})
	assert.Equal(t, []float64{1.5, 1.5, 4}, v.Value())
}

func TestJPLQuatUpdateMatchesRotationComposition(t *testing.T) {
	q := NewJPLQuat()
	start := quatmath.Quat{0.1, 0.2, -0.1, 0.97}.Normalized()
	q.SetValue(start[:])

	dx := []float64{0.01, -0.02, 0.005}
	q.Update(dx)

	dq := quatmath.Quat{0.5 * dx[0], 0.5 * dx[1], 0.5 * dx[2], 1}.Normalized()
	want := quatmath.QuatMultiply(dq, start)
	got := q.Quat()
	for i := 0; i < 4; i++ {
		assert.InDelta(t, want[i], got[i], 1e-12)
	}

	// Cached rotation tracks the value.
	R := quatmath.Quat2Rot(got)
	for i := range R {
		assert.InDelta(t, R[i], q.Rot()[i], 1e-12)
	}
}

func TestJPLQuatFejFrozen(t *testing.T) {
	q := NewJPLQuat()
	start := quatmath.Quat{0, 0, math.Sin(0.25), math.Cos(0.25)}
	q.SetValue(start[:])
	q.SetFej(start[:])
	q.Update([]float64{0.1, 0, 0})
	// FEJ never moves with updates.
	for i := 0; i < 4; i++ {
		assert.InDelta(t, start[i], q.QuatFej()[i], 1e-15)
	}
}

func TestIMUStateOffsets(t *testing.T) {
	s := NewIMUState()
	s.SetID(0)
	assert.Equal(t, 0, s.Q().ID())
	assert.Equal(t, 3, s.P().ID())
	assert.Equal(t, 6, s.V().ID())
	assert.Equal(t, 9, s.Bg().ID())
	assert.Equal(t, 12, s.Ba().ID())
	assert.Equal(t, 0, s.Pose().ID())
	assert.Equal(t, 15, s.Size())
}

func TestIMUStateBlockUpdate(t *testing.T) {
	s := NewIMUState()
	dx := make([]float64, 15)
	dx[IMUPosOffset] = 1
	dx[IMUVelOffset+1] = 2
	dx[IMUBiasGOffset+2] = 3
	dx[IMUBiasAOffset] = -1
	s.Update(dx)
	assert.Equal(t, quatmath.Vec3{1, 0, 0}, s.Pos())
	assert.Equal(t, quatmath.Vec3{0, 2, 0}, s.Vel())
	assert.Equal(t, quatmath.Vec3{0, 0, 3}, s.BiasG())
	assert.Equal(t, quatmath.Vec3{-1, 0, 0}, s.BiasA())
}

func TestPoseSharesIMUStorage(t *testing.T) {
	s := NewIMUState()
	s.Pose().Update([]float64{0, 0, 0, 1, 2, 3})
	assert.Equal(t, quatmath.Vec3{1, 2, 3}, s.Pos())
}

func TestLandmarkRoundTripAllRepresentations(t *testing.T) {
	p := quatmath.Vec3{0.8, -1.3, 2.9}
	for _, rep := range []Representation{
		Global3D, GlobalFullInverseDepth, Anchored3D,
		AnchoredFullInverseDepth, AnchoredMSCKFInverseDepth,
	} {
		l := NewLandmark(rep)
		l.SetFromXYZ(p, false)
		got := l.XYZ(false)
		for i := 0; i < 3; i++ {
			assert.InDeltaf(t, p[i], got[i], 1e-9, "representation %s axis %d", rep, i)
		}
	}
}

func TestLandmarkCloneKeepsAnchor(t *testing.T) {
	l := NewLandmark(Anchored3D)
	l.FeatID = 42
	l.AnchorCamID = 1
	l.AnchorCloneTimestamp = 12.5
	l.SetFromXYZ(quatmath.Vec3{1, 2, 3}, false)
	l.SetFromXYZ(quatmath.Vec3{1, 2, 3}, true)

	c, ok := l.Clone().(*Landmark)
	require.True(t, ok)
	assert.Equal(t, 42, c.FeatID)
	assert.Equal(t, 1, c.AnchorCamID)
	assert.Equal(t, 12.5, c.AnchorCloneTimestamp)
	assert.Equal(t, -1, c.ID())
	assert.Equal(t, l.Value(), c.Value())
}

func TestParseRepresentation(t *testing.T) {
	r, ok := ParseRepresentation("ANCHORED_MSCKF_INVERSE_DEPTH")
	require.True(t, ok)
	assert.Equal(t, AnchoredMSCKFInverseDepth, r)
	_, ok = ParseRepresentation("bogus")
	assert.False(t, ok)
}
