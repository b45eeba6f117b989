package quatmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuatRotRoundTrip(t *testing.T) {
	// A handful of arbitrary unit quaternions survive quat -> R -> quat.
	cases := []Quat{
		{0, 0, 0, 1},
		{0.5, 0.5, 0.5, 0.5},
		Quat{0.1, -0.2, 0.3, 0.9}.Normalized(),
		Quat{-0.7, 0.1, 0.05, 0.7}.Normalized(),
	}
	for _, q := range cases {
		R := Quat2Rot(q)
		back := Rot2Quat(R)
		// Representation is sign-fixed with w >= 0.
		want := q
		if want[3] < 0 {
			want = Quat{-want[0], -want[1], -want[2], -want[3]}
		}
		for i := 0; i < 4; i++ {
			assert.InDelta(t, want[i], back[i], 1e-12)
		}
	}
}

func TestQuatMultiplyAgainstRotations(t *testing.T) {
	q1 := Quat{0.2, -0.1, 0.4, 0.88}.Normalized()
	q2 := Quat{-0.3, 0.25, 0.1, 0.91}.Normalized()

	// JPL composition: R(q1 compose q2) = R(q1) * R(q2).
	q12 := QuatMultiply(q1, q2)
	R12 := Quat2Rot(q12)
	want := Quat2Rot(q1).Mul(Quat2Rot(q2))
	for i := range want {
		assert.InDelta(t, want[i], R12[i], 1e-12)
	}
}

func TestQuatMultiplyIdentity(t *testing.T) {
	q := Quat{0.3, 0.1, -0.2, 0.92}.Normalized()
	out := QuatMultiply(Identity(), q)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, q[i], out[i], 1e-12)
	}
}

func TestRotationIsOrthonormal(t *testing.T) {
	q := Quat{0.4, -0.3, 0.2, 0.84}.Normalized()
	R := Quat2Rot(q)
	I := R.Mul(R.Transpose())
	expect := Identity3()
	for i := range expect {
		assert.InDelta(t, expect[i], I[i], 1e-12)
	}
	// Proper rotation, not a reflection.
	det := R.At(0, 0)*(R.At(1, 1)*R.At(2, 2)-R.At(1, 2)*R.At(2, 1)) -
		R.At(0, 1)*(R.At(1, 0)*R.At(2, 2)-R.At(1, 2)*R.At(2, 0)) +
		R.At(0, 2)*(R.At(1, 0)*R.At(2, 1)-R.At(1, 1)*R.At(2, 0))
	assert.InDelta(t, 1.0, det, 1e-12)
}

func TestOmegaKinematics(t *testing.T) {
	// Integrating q_dot = 0.5*Omega(w)*q over a small step about a single
	// axis matches the closed-form axis-angle rotation.
	w := Vec3{0, 0, 1.0}
	dt := 1e-6
	q := Identity()
	qdot := Omega(w).MulQuat(q)
	for i := 0; i < 4; i++ {
		q[i] += 0.5 * qdot[i] * dt
	}
	q = q.Normalized()

	// JPL q_GtoI for rotation about z by w*dt.
	require.InDelta(t, math.Sin(w[2]*dt/2), q[2], 1e-12)
	require.InDelta(t, math.Cos(w[2]*dt/2), q[3], 1e-12)
}
