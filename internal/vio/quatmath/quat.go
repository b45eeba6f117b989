// Package quatmath implements the small fixed-size rotation kernels used by
// the visual-inertial estimator: JPL-convention quaternions (scalar last,
// left-multiplicative error), SO(3) exponential/logarithm maps, the right
// Jacobian, and the 4x4 Omega operator for quaternion kinematics.
//
// Everything here works on value types ([3], [4] and [9]float64) so the hot
// propagation loop does not allocate. Dynamic matrices (covariance,
// Jacobians) live in gonum on the caller side; Mat3.Dense bridges the two.
package quatmath

import "math"

// Vec3 is a 3-vector.
type Vec3 [3]float64

// Quat is a JPL quaternion stored scalar-last: [x, y, z, w].
type Quat [4]float64

// Identity returns the identity quaternion.
func Identity() Quat {
	return Quat{0, 0, 0, 1}
}

// Norm returns the Euclidean norm of the quaternion.
func (q Quat) Norm() float64 {
	return math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
}

// Normalized returns q scaled to unit norm, sign-fixed so the scalar
// component is non-negative to keep the representation unique.
func (q Quat) Normalized() Quat {
	n := q.Norm()
	if q[3] < 0 {
		n = -n
	}
	return Quat{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// QuatMultiply composes two JPL quaternions, q compose p, following
// Trawny Eq. (8). The result is normalized and sign-fixed so the scalar
// component is non-negative, keeping the representation unique.
func QuatMultiply(q, p Quat) Quat {
	var t Quat
	t[0] = q[3]*p[0] + q[2]*p[1] - q[1]*p[2] + q[0]*p[3]
	t[1] = -q[2]*p[0] + q[3]*p[1] + q[0]*p[2] + q[1]*p[3]
	t[2] = q[1]*p[0] - q[0]*p[1] + q[3]*p[2] + q[2]*p[3]
	t[3] = -q[0]*p[0] - q[1]*p[1] - q[2]*p[2] + q[3]*p[3]
	if t[3] < 0 {
		t = Quat{-t[0], -t[1], -t[2], -t[3]}
	}
	return t.Normalized()
}

// Quat2Rot converts a JPL quaternion into its rotation matrix
// R = (2w^2-1)I - 2w[v]_x + 2vv^T.
func Quat2Rot(q Quat) Mat3 {
	v := Vec3{q[0], q[1], q[2]}
	w := q[3]
	sk := Skew(v)
	var R Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			val := -2 * w * sk.At(i, j)
			val += 2 * v[i] * v[j]
			if i == j {
				val += 2*w*w - 1
			}
			R.Set(i, j, val)
		}
	}
	return R
}

// Rot2Quat converts a rotation matrix into a JPL quaternion using the
// numerically stable four-branch scheme from the Trawny tech report,
// choosing the branch with the largest implied component.
func Rot2Quat(R Mat3) Quat {
	var q Quat
	tr := R.At(0, 0) + R.At(1, 1) + R.At(2, 2)
	switch {
	case R.At(0, 0) >= tr && R.At(0, 0) >= R.At(1, 1) && R.At(0, 0) >= R.At(2, 2):
		q[0] = math.Sqrt((1 + 2*R.At(0, 0) - tr) / 4)
		q[1] = (R.At(0, 1) + R.At(1, 0)) / (4 * q[0])
		q[2] = (R.At(0, 2) + R.At(2, 0)) / (4 * q[0])
		q[3] = (R.At(1, 2) - R.At(2, 1)) / (4 * q[0])
	case R.At(1, 1) >= tr && R.At(1, 1) >= R.At(0, 0) && R.At(1, 1) >= R.At(2, 2):
		q[1] = math.Sqrt((1 + 2*R.At(1, 1) - tr) / 4)
		q[0] = (R.At(0, 1) + R.At(1, 0)) / (4 * q[1])
		q[2] = (R.At(1, 2) + R.At(2, 1)) / (4 * q[1])
		q[3] = (R.At(2, 0) - R.At(0, 2)) / (4 * q[1])
	case R.At(2, 2) >= tr && R.At(2, 2) >= R.At(0, 0) && R.At(2, 2) >= R.At(1, 1):
		q[2] = math.Sqrt((1 + 2*R.At(2, 2) - tr) / 4)
		q[0] = (R.At(0, 2) + R.At(2, 0)) / (4 * q[2])
		q[1] = (R.At(1, 2) + R.At(2, 1)) / (4 * q[2])
		q[3] = (R.At(0, 1) - R.At(1, 0)) / (4 * q[2])
	default:
		q[3] = math.Sqrt((1 + tr) / 4)
		q[0] = (R.At(1, 2) - R.At(2, 1)) / (4 * q[3])
		q[1] = (R.At(2, 0) - R.At(0, 2)) / (4 * q[3])
		q[2] = (R.At(0, 1) - R.At(1, 0)) / (4 * q[3])
	}
	if q[3] < 0 {
		q = Quat{-q[0], -q[1], -q[2], -q[3]}
	}
	return q.Normalized()
}

// Mat4 is a 4x4 matrix stored row-major, used for the Omega operator.
type Mat4 [16]float64

// At returns the (i,j) element.
func (m Mat4) At(i, j int) float64 { return m[i*4+j] }

// Set writes the (i,j) element.
func (m *Mat4) Set(i, j int, v float64) { m[i*4+j] = v }

// MulQuat applies the 4x4 matrix to a quaternion treated as a column vector.
func (m Mat4) MulQuat(q Quat) Quat {
	var out Quat
	for i := 0; i < 4; i++ {
		out[i] = m[i*4+0]*q[0] + m[i*4+1]*q[1] + m[i*4+2]*q[2] + m[i*4+3]*q[3]
	}
	return out
}

// Add returns the element-wise sum m + n.
func (m Mat4) Add(n Mat4) Mat4 {
	var out Mat4
	for i := range m {
		out[i] = m[i] + n[i]
	}
	return out
}

// Scale returns s * m.
func (m Mat4) Scale(s float64) Mat4 {
	var out Mat4
	for i := range m {
		out[i] = s * m[i]
	}
	return out
}

// Identity4 returns the 4x4 identity.
func Identity4() Mat4 {
	var m Mat4
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	return m
}

// Omega builds the 4x4 operator used to integrate the JPL quaternion
// kinematics q_dot = 0.5 * Omega(w) * q:
//
//	Omega(w) = [ -[w]_x   w ]
//	           [ -w^T     0 ]
func Omega(w Vec3) Mat4 {
	var m Mat4
	sk := Skew(w)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, -sk.At(i, j))
		}
		m.Set(i, 3, w[i])
		m.Set(3, i, -w[i])
	}
	return m
}
