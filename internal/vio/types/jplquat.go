package types

import (
	"fmt"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

// JPLQuat is a unit quaternion variable in the JPL convention (scalar last)
// with a left-multiplicative 3-DoF error state. The associated rotation
// matrix is cached and recomputed whenever the value changes.
type JPLQuat struct {
	base
	rot    quatmath.Mat3
	rotFej quatmath.Mat3
}

// NewJPLQuat creates an identity-orientation quaternion variable.
func NewJPLQuat() *JPLQuat {
	q := &JPLQuat{base: newBase(3, 4)}
	ident := []float64{0, 0, 0, 1}
	q.SetValue(ident)
	q.SetFej(ident)
	return q
}

// Update left-multiplies the estimate with the perturbation quaternion
// built from the axis-angle correction: q <- norm([dx/2; 1]) compose q.
func (q *JPLQuat) Update(dx []float64) {
	if len(dx) != 3 {
		panic(fmt.Sprintf("types: JPLQuat update of size %d", len(dx)))
	}
	dq := quatmath.Quat{0.5 * dx[0], 0.5 * dx[1], 0.5 * dx[2], 1}.Normalized()
	next := quatmath.QuatMultiply(dq, q.Quat())
	q.SetValue(next[:])
}

// SetValue stores the quaternion and recomputes the cached rotation.
func (q *JPLQuat) SetValue(val []float64) {
	if len(val) != 4 {
		panic(fmt.Sprintf("types: JPLQuat value of length %d", len(val)))
	}
	copy(q.value, val)
	q.rot = quatmath.Quat2Rot(q.Quat())
}

// SetFej stores the first-estimate quaternion and its rotation.
func (q *JPLQuat) SetFej(val []float64) {
	if len(val) != 4 {
		panic(fmt.Sprintf("types: JPLQuat fej of length %d", len(val)))
	}
	copy(q.fej, val)
	q.rotFej = quatmath.Quat2Rot(q.QuatFej())
}

// Quat returns the current estimate as a quaternion value.
func (q *JPLQuat) Quat() quatmath.Quat {
	return quatmath.Quat{q.value[0], q.value[1], q.value[2], q.value[3]}
}

// QuatFej returns the first-estimate quaternion.
func (q *JPLQuat) QuatFej() quatmath.Quat {
	return quatmath.Quat{q.fej[0], q.fej[1], q.fej[2], q.fej[3]}
}

// Rot returns the cached rotation matrix of the estimate.
func (q *JPLQuat) Rot() quatmath.Mat3 { return q.rot }

// RotFej returns the cached rotation matrix of the first estimate.
func (q *JPLQuat) RotFej() quatmath.Mat3 { return q.rotFej }

// Clone returns a copy with an unassigned covariance offset.
func (q *JPLQuat) Clone() Type {
	c := NewJPLQuat()
	c.SetValue(q.value)
	c.SetFej(q.fej)
	return c
}
