package types

import (
	"fmt"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

// PoseJPL is a 6-DoF pose variable {q_GtoI, p_IinG} built from a JPLQuat and
// a 3-vector. The error state is [theta(3); dp(3)]; the quaternion occupies
// the pose's leading three covariance rows, the position the trailing three.
type PoseJPL struct {
	q  *JPLQuat
	p  *Vec
	id int
}

// NewPoseJPL creates an identity pose.
func NewPoseJPL() *PoseJPL {
	return &PoseJPL{q: NewJPLQuat(), p: NewVec(3), id: -1}
}

// newPoseFromParts wraps existing sub-variables; used by the IMU state so
// the pose shares storage with its orientation and position blocks.
func newPoseFromParts(q *JPLQuat, p *Vec) *PoseJPL {
	return &PoseJPL{q: q, p: p, id: -1}
}

// Update applies [theta; dp] to the orientation and position in turn.
func (ps *PoseJPL) Update(dx []float64) {
	if len(dx) != 6 {
		panic(fmt.Sprintf("types: PoseJPL update of size %d", len(dx)))
	}
	ps.q.Update(dx[0:3])
	ps.p.Update(dx[3:6])
}

// SetValue stores [q(4); p(3)].
func (ps *PoseJPL) SetValue(val []float64) {
	if len(val) != 7 {
		panic(fmt.Sprintf("types: PoseJPL value of length %d", len(val)))
	}
	ps.q.SetValue(val[0:4])
	ps.p.SetValue(val[4:7])
}

// SetFej stores the first-estimate [q(4); p(3)].
func (ps *PoseJPL) SetFej(val []float64) {
	if len(val) != 7 {
		panic(fmt.Sprintf("types: PoseJPL fej of length %d", len(val)))
	}
	ps.q.SetFej(val[0:4])
	ps.p.SetFej(val[4:7])
}

// Value returns [q(4); p(3)] as a fresh slice.
func (ps *PoseJPL) Value() []float64 {
	out := make([]float64, 7)
	copy(out[0:4], ps.q.Value())
	copy(out[4:7], ps.p.Value())
	return out
}

// Fej returns the first-estimate [q(4); p(3)] as a fresh slice.
func (ps *PoseJPL) Fej() []float64 {
	out := make([]float64, 7)
	copy(out[0:4], ps.q.Fej())
	copy(out[4:7], ps.p.Fej())
	return out
}

// Size is the 6-DoF error dimension.
func (ps *PoseJPL) Size() int { return 6 }

// ID returns the pose's covariance offset.
func (ps *PoseJPL) ID() int { return ps.id }

// SetID assigns the covariance offset and propagates it to the
// sub-variables: orientation at id, position at id+3.
func (ps *PoseJPL) SetID(id int) {
	ps.id = id
	if id < 0 {
		ps.q.SetID(-1)
		ps.p.SetID(-1)
		return
	}
	ps.q.SetID(id)
	ps.p.SetID(id + 3)
}

// Clone returns a copy with an unassigned covariance offset.
func (ps *PoseJPL) Clone() Type {
	c := NewPoseJPL()
	c.SetValue(ps.Value())
	c.SetFej(ps.Fej())
	return c
}

// Q exposes the orientation sub-variable.
func (ps *PoseJPL) Q() *JPLQuat { return ps.q }

// P exposes the position sub-variable.
func (ps *PoseJPL) P() *Vec { return ps.p }

// Rot returns the rotation matrix of the current orientation estimate.
func (ps *PoseJPL) Rot() quatmath.Mat3 { return ps.q.Rot() }

// RotFej returns the first-estimate rotation matrix.
func (ps *PoseJPL) RotFej() quatmath.Mat3 { return ps.q.RotFej() }

// Pos returns the current position estimate.
func (ps *PoseJPL) Pos() quatmath.Vec3 {
	v := ps.p.Value()
	return quatmath.Vec3{v[0], v[1], v[2]}
}

// PosFej returns the first-estimate position.
func (ps *PoseJPL) PosFej() quatmath.Vec3 {
	v := ps.p.Fej()
	return quatmath.Vec3{v[0], v[1], v[2]}
}
