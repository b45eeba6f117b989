package types

import (
	"fmt"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

// Error-state offsets of the IMU sub-blocks relative to the IMU variable.
const (
	IMUThetaOffset = 0
	IMUPosOffset   = 3
	IMUVelOffset   = 6
	IMUBiasGOffset = 9
	IMUBiasAOffset = 12

	// IMUErrSize is the total IMU error-state dimension.
	IMUErrSize = 15
)

// IMUState is the 16-element inertial state {q_GtoI, p_IinG, v_IinG, b_g,
// b_a} with a 15-DoF error state. The orientation/position pair is exposed
// as a PoseJPL sharing storage so the stochastic-cloning machinery can
// clone just the pose block.
type IMUState struct {
	q    *JPLQuat
	p    *Vec
	v    *Vec
	bg   *Vec
	ba   *Vec
	pose *PoseJPL
	id   int
}

// NewIMUState creates an IMU state at the origin with identity orientation
// and zero velocity and biases.
func NewIMUState() *IMUState {
	s := &IMUState{
		q:  NewJPLQuat(),
		p:  NewVec(3),
		v:  NewVec(3),
		bg: NewVec(3),
		ba: NewVec(3),
		id: -1,
	}
	s.pose = newPoseFromParts(s.q, s.p)
	return s
}

// Update applies the 15-DoF correction to q, p, v, b_g, b_a in order.
func (s *IMUState) Update(dx []float64) {
	if len(dx) != IMUErrSize {
		panic(fmt.Sprintf("types: IMU update of size %d", len(dx)))
	}
	s.q.Update(dx[IMUThetaOffset : IMUThetaOffset+3])
	s.p.Update(dx[IMUPosOffset : IMUPosOffset+3])
	s.v.Update(dx[IMUVelOffset : IMUVelOffset+3])
	s.bg.Update(dx[IMUBiasGOffset : IMUBiasGOffset+3])
	s.ba.Update(dx[IMUBiasAOffset : IMUBiasAOffset+3])
}

// SetValue stores the full 16-vector [q(4) p(3) v(3) bg(3) ba(3)].
func (s *IMUState) SetValue(val []float64) {
	if len(val) != 16 {
		panic(fmt.Sprintf("types: IMU value of length %d", len(val)))
	}
	s.q.SetValue(val[0:4])
	s.p.SetValue(val[4:7])
	s.v.SetValue(val[7:10])
	s.bg.SetValue(val[10:13])
	s.ba.SetValue(val[13:16])
}

// SetFej stores the full 16-vector first estimate.
func (s *IMUState) SetFej(val []float64) {
	if len(val) != 16 {
		panic(fmt.Sprintf("types: IMU fej of length %d", len(val)))
	}
	s.q.SetFej(val[0:4])
	s.p.SetFej(val[4:7])
	s.v.SetFej(val[7:10])
	s.bg.SetFej(val[10:13])
	s.ba.SetFej(val[13:16])
}

// Value returns the full 16-vector as a fresh slice.
func (s *IMUState) Value() []float64 {
	out := make([]float64, 16)
	copy(out[0:4], s.q.Value())
	copy(out[4:7], s.p.Value())
	copy(out[7:10], s.v.Value())
	copy(out[10:13], s.bg.Value())
	copy(out[13:16], s.ba.Value())
	return out
}

// Fej returns the full 16-vector first estimate as a fresh slice.
func (s *IMUState) Fej() []float64 {
	out := make([]float64, 16)
	copy(out[0:4], s.q.Fej())
	copy(out[4:7], s.p.Fej())
	copy(out[7:10], s.v.Fej())
	copy(out[10:13], s.bg.Fej())
	copy(out[13:16], s.ba.Fej())
	return out
}

// Size is the 15-DoF error dimension.
func (s *IMUState) Size() int { return IMUErrSize }

// ID returns the IMU block's covariance offset.
func (s *IMUState) ID() int { return s.id }

// SetID assigns the covariance offset and propagates it through the
// sub-blocks per the error-offset contract.
func (s *IMUState) SetID(id int) {
	s.id = id
	if id < 0 {
		s.pose.SetID(-1)
		s.v.SetID(-1)
		s.bg.SetID(-1)
		s.ba.SetID(-1)
		return
	}
	s.pose.SetID(id + IMUThetaOffset)
	s.v.SetID(id + IMUVelOffset)
	s.bg.SetID(id + IMUBiasGOffset)
	s.ba.SetID(id + IMUBiasAOffset)
}

// Clone returns a copy with an unassigned covariance offset.
func (s *IMUState) Clone() Type {
	c := NewIMUState()
	c.SetValue(s.Value())
	c.SetFej(s.Fej())
	return c
}

// Pose exposes the {q, p} sub-variable; its covariance offset tracks the
// IMU block so it can be cloned directly.
func (s *IMUState) Pose() *PoseJPL { return s.pose }

// Q exposes the orientation sub-variable.
func (s *IMUState) Q() *JPLQuat { return s.q }

// P exposes the position sub-variable.
func (s *IMUState) P() *Vec { return s.p }

// V exposes the velocity sub-variable.
func (s *IMUState) V() *Vec { return s.v }

// Bg exposes the gyroscope-bias sub-variable.
func (s *IMUState) Bg() *Vec { return s.bg }

// Ba exposes the accelerometer-bias sub-variable.
func (s *IMUState) Ba() *Vec { return s.ba }

// Rot returns the rotation matrix R_GtoI of the current estimate.
func (s *IMUState) Rot() quatmath.Mat3 { return s.q.Rot() }

// RotFej returns the first-estimate rotation matrix.
func (s *IMUState) RotFej() quatmath.Mat3 { return s.q.RotFej() }

// Quat returns the current orientation estimate.
func (s *IMUState) Quat() quatmath.Quat { return s.q.Quat() }

// Pos returns the current position estimate p_IinG.
func (s *IMUState) Pos() quatmath.Vec3 {
	v := s.p.Value()
	return quatmath.Vec3{v[0], v[1], v[2]}
}

// PosFej returns the first-estimate position.
func (s *IMUState) PosFej() quatmath.Vec3 {
	v := s.p.Fej()
	return quatmath.Vec3{v[0], v[1], v[2]}
}

// Vel returns the current velocity estimate v_IinG.
func (s *IMUState) Vel() quatmath.Vec3 {
	v := s.v.Value()
	return quatmath.Vec3{v[0], v[1], v[2]}
}

// VelFej returns the first-estimate velocity.
func (s *IMUState) VelFej() quatmath.Vec3 {
	v := s.v.Fej()
	return quatmath.Vec3{v[0], v[1], v[2]}
}

// BiasG returns the current gyroscope bias.
func (s *IMUState) BiasG() quatmath.Vec3 {
	v := s.bg.Value()
	return quatmath.Vec3{v[0], v[1], v[2]}
}

// BiasA returns the current accelerometer bias.
func (s *IMUState) BiasA() quatmath.Vec3 {
	v := s.ba.Value()
	return quatmath.Vec3{v[0], v[1], v[2]}
}
