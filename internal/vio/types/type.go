// Package types defines the typed variables that make up the filter state:
// plain vectors, JPL quaternions, poses, the 16-element IMU state and SLAM
// landmarks. Every variable carries its error-state size, its row/column
// offset into the covariance, a current estimate and a first-estimate
// (FEJ) value frozen for observability-critical Jacobians.
package types

// Type is the uniform interface the covariance manager uses to address a
// filter variable. Size is the error-state dimension (3 for a quaternion,
// not 4); ID is the variable's leading row/column in the covariance.
type Type interface {
	// Update applies an error-state correction dx of length Size.
	Update(dx []float64)
	// SetValue overwrites the stored estimate.
	SetValue(v []float64)
	// Value returns the stored estimate. Callers must not mutate it.
	Value() []float64
	// SetFej overwrites the first-estimate value.
	SetFej(v []float64)
	// Fej returns the first-estimate value. Callers must not mutate it.
	Fej() []float64
	// Clone returns a deep copy with the same value and FEJ; the new
	// variable's ID is assigned by the covariance manager on insertion.
	Clone() Type
	// Size is the error-state dimension.
	Size() int
	// ID is the offset into the covariance, or -1 before insertion.
	ID() int
	// SetID assigns the covariance offset.
	SetID(id int)
}

// base carries the bookkeeping shared by every variable kind.
type base struct {
	value []float64
	fej   []float64
	size  int
	id    int
}

func newBase(errSize, valueLen int) base {
	return base{
		value: make([]float64, valueLen),
		fej:   make([]float64, valueLen),
		size:  errSize,
		id:    -1,
	}
}

func (b *base) Value() []float64 { return b.value }
func (b *base) Fej() []float64   { return b.fej }
func (b *base) Size() int        { return b.size }
func (b *base) ID() int          { return b.id }
func (b *base) SetID(id int)     { b.id = id }
