package quatmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpLogRoundTrip(t *testing.T) {
	cases := []Vec3{
		{0.1, 0, 0},
		{0, -0.4, 0.2},
		{1.2, 0.7, -0.3},
		{1e-9, 0, 0},
	}
	for _, w := range cases {
		back := LogSO3(ExpSO3(w))
		for i := 0; i < 3; i++ {
			assert.InDelta(t, w[i], back[i], 1e-9)
		}
	}
}

func TestExpSO3KnownRotation(t *testing.T) {
	// Rotation by pi/2 about z maps x to y.
	R := ExpSO3(Vec3{0, 0, math.Pi / 2})
	v := R.MulVec(Vec3{1, 0, 0})
	assert.InDelta(t, 0, v[0], 1e-12)
	assert.InDelta(t, 1, v[1], 1e-12)
	assert.InDelta(t, 0, v[2], 1e-12)
}

func TestSkewAntisymmetry(t *testing.T) {
	v := Vec3{0.3, -0.2, 0.9}
	S := Skew(v)
	St := S.Transpose()
	for i := range S {
		assert.InDelta(t, -S[i], St[i], 1e-15)
	}
	// [v]_x u == v cross u
	u := Vec3{-1.1, 0.4, 0.2}
	got := S.MulVec(u)
	want := v.Cross(u)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, want[i], got[i], 1e-15)
	}
}

func TestJrSO3SmallAngleIsIdentity(t *testing.T) {
	J := JrSO3(Vec3{0, 0, 0})
	I := Identity3()
	for i := range I {
		assert.InDelta(t, I[i], J[i], 1e-15)
	}
}

func TestJrSO3FiniteDifference(t *testing.T) {
	// Jr satisfies exp(w + dw) ~= exp(w) * exp(Jr(w) dw) for small dw.
	w := Vec3{0.3, -0.5, 0.2}
	dw := Vec3{1e-6, -2e-6, 1.5e-6}
	lhs := ExpSO3(w.Add(dw))
	rhs := ExpSO3(w).Mul(ExpSO3(JrSO3(w).MulVec(dw)))
	for i := range lhs {
		assert.InDelta(t, lhs[i], rhs[i], 1e-10)
	}
}
