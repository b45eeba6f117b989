package quatmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Mat3 is a 3x3 matrix stored row-major.
type Mat3 [9]float64

// At returns the (i,j) element.
func (m Mat3) At(i, j int) float64 { return m[i*3+j] }

// Set writes the (i,j) element.
func (m *Mat3) Set(i, j int, v float64) { m[i*3+j] = v }

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 {
	var m Mat3
	m[0], m[4], m[8] = 1, 1, 1
	return m
}

// Transpose returns m^T.
func (m Mat3) Transpose() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m[j*3+i]
		}
	}
	return out
}

// Mul returns the matrix product m * n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m[i*3]*n[j] + m[i*3+1]*n[3+j] + m[i*3+2]*n[6+j]
		}
	}
	return out
}

// MulVec returns the matrix-vector product m * v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[3]*v[0] + m[4]*v[1] + m[5]*v[2],
		m[6]*v[0] + m[7]*v[1] + m[8]*v[2],
	}
}

// Add returns the element-wise sum m + n.
func (m Mat3) Add(n Mat3) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = m[i] + n[i]
	}
	return out
}

// Scale returns s * m.
func (m Mat3) Scale(s float64) Mat3 {
	var out Mat3
	for i := range m {
		out[i] = s * m[i]
	}
	return out
}

// Dense copies the matrix into a 3x3 gonum Dense for use in the dynamic
// covariance and Jacobian algebra.
func (m Mat3) Dense() *mat.Dense {
	d := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(i, j, m.At(i, j))
		}
	}
	return d
}

// Mat3FromDense copies a 3x3 gonum matrix back into a Mat3.
func Mat3FromDense(d mat.Matrix) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, d.At(i, j))
		}
	}
	return m
}

// Add returns the vector sum v + u.
func (v Vec3) Add(u Vec3) Vec3 {
	return Vec3{v[0] + u[0], v[1] + u[1], v[2] + u[2]}
}

// Sub returns the vector difference v - u.
func (v Vec3) Sub(u Vec3) Vec3 {
	return Vec3{v[0] - u[0], v[1] - u[1], v[2] - u[2]}
}

// Scale returns s * v.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{s * v[0], s * v[1], s * v[2]}
}

// Dot returns the inner product of v and u.
func (v Vec3) Dot(u Vec3) float64 {
	return v[0]*u[0] + v[1]*u[1] + v[2]*u[2]
}

// Cross returns the cross product v x u.
func (v Vec3) Cross(u Vec3) Vec3 {
	return Vec3{
		v[1]*u[2] - v[2]*u[1],
		v[2]*u[0] - v[0]*u[2],
		v[0]*u[1] - v[1]*u[0],
	}
}

// Norm returns the Euclidean norm of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Skew builds the skew-symmetric cross-product matrix [v]_x.
func Skew(v Vec3) Mat3 {
	return Mat3{
		0, -v[2], v[1],
		v[2], 0, -v[0],
		-v[1], v[0], 0,
	}
}

// smallAngle is the rotation-angle (norm) threshold below which the SO(3)
// maps fall back to their first-order expansions.
const smallAngle = 1e-12

// ExpSO3 is the SO(3) exponential map (Rodrigues formula).
func ExpSO3(w Vec3) Mat3 {
	theta := w.Norm()
	W := Skew(w)
	if theta < smallAngle {
		return Identity3().Add(W)
	}
	a := math.Sin(theta) / theta
	b := (1 - math.Cos(theta)) / (theta * theta)
	return Identity3().Add(W.Scale(a)).Add(W.Mul(W).Scale(b))
}

// LogSO3 is the SO(3) logarithm map, returning the axis-angle vector of a
// rotation matrix.
func LogSO3(R Mat3) Vec3 {
	c := (R.At(0, 0) + R.At(1, 1) + R.At(2, 2) - 1) / 2
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	theta := math.Acos(c)
	vee := Vec3{
		R.At(2, 1) - R.At(1, 2),
		R.At(0, 2) - R.At(2, 0),
		R.At(1, 0) - R.At(0, 1),
	}
	if theta < smallAngle {
		return vee.Scale(0.5)
	}
	return vee.Scale(theta / (2 * math.Sin(theta)))
}

// JrSO3 is the right Jacobian of SO(3),
// Jr(w) = I - (1-cos t)/t^2 [w]_x + (t - sin t)/t^3 [w]_x^2.
func JrSO3(w Vec3) Mat3 {
	theta := w.Norm()
	if theta < smallAngle {
		return Identity3()
	}
	W := Skew(w)
	b := (1 - math.Cos(theta)) / (theta * theta)
	c := (theta - math.Sin(theta)) / (theta * theta * theta)
	return Identity3().Add(W.Scale(-b)).Add(W.Mul(W).Scale(c))
}
