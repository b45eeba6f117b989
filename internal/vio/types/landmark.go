package types

import (
	"math"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

// Representation enumerates the supported landmark parametrizations.
type Representation int

const (
	// Global3D stores the landmark as XYZ in the global frame.
	Global3D Representation = iota
	// GlobalFullInverseDepth stores (theta, phi, rho) bearing plus inverse
	// range in the global frame.
	GlobalFullInverseDepth
	// Anchored3D stores XYZ in the anchor camera frame.
	Anchored3D
	// AnchoredFullInverseDepth stores (theta, phi, rho) in the anchor frame.
	AnchoredFullInverseDepth
	// AnchoredMSCKFInverseDepth stores (x/z, y/z, 1/z) in the anchor frame.
	AnchoredMSCKFInverseDepth
)

// IsRelative reports whether the representation is expressed in an anchor
// camera frame rather than the global frame.
func (r Representation) IsRelative() bool {
	switch r {
	case Anchored3D, AnchoredFullInverseDepth, AnchoredMSCKFInverseDepth:
		return true
	}
	return false
}

func (r Representation) String() string {
	switch r {
	case Global3D:
		return "GLOBAL_3D"
	case GlobalFullInverseDepth:
		return "GLOBAL_FULL_INVERSE_DEPTH"
	case Anchored3D:
		return "ANCHORED_3D"
	case AnchoredFullInverseDepth:
		return "ANCHORED_FULL_INVERSE_DEPTH"
	case AnchoredMSCKFInverseDepth:
		return "ANCHORED_MSCKF_INVERSE_DEPTH"
	}
	return "UNKNOWN"
}

// ParseRepresentation maps a config string onto a Representation.
func ParseRepresentation(s string) (Representation, bool) {
	for _, r := range []Representation{
		Global3D, GlobalFullInverseDepth, Anchored3D,
		AnchoredFullInverseDepth, AnchoredMSCKFInverseDepth,
	} {
		if r.String() == s {
			return r, true
		}
	}
	return Global3D, false
}

// Landmark is a persistent SLAM feature in the state. The stored 3-vector is
// interpreted per the representation; anchored representations also carry
// the anchor camera id and anchor clone timestamp resolved against the
// clone map, never a pointer into the state.
type Landmark struct {
	Vec

	// FeatID matches the front-end tracker id.
	FeatID int

	// AnchorCamID is the camera the landmark is anchored in (-1 if global).
	AnchorCamID int

	// AnchorCloneTimestamp keys into the state's clone window.
	AnchorCloneTimestamp float64

	// HasHadAnchorChange is set once an anchor migration has happened.
	HasHadAnchorChange bool

	// ShouldMarg flags the landmark for removal at the next cleanup.
	ShouldMarg bool

	// Rep selects how the stored 3-vector is interpreted.
	Rep Representation
}

// NewLandmark creates an uninitialized landmark variable.
func NewLandmark(rep Representation) *Landmark {
	l := &Landmark{Vec: *NewVec(3), AnchorCamID: -1, AnchorCloneTimestamp: -1, Rep: rep}
	return l
}

// Clone returns a copy with an unassigned covariance offset.
func (l *Landmark) Clone() Type {
	c := NewLandmark(l.Rep)
	c.FeatID = l.FeatID
	c.AnchorCamID = l.AnchorCamID
	c.AnchorCloneTimestamp = l.AnchorCloneTimestamp
	c.HasHadAnchorChange = l.HasHadAnchorChange
	c.SetValue(l.Value())
	c.SetFej(l.Fej())
	return c
}

// XYZ returns the landmark position as a Cartesian 3-vector in the frame of
// its representation (anchor frame for anchored forms, global otherwise).
// Pass fej to read the first-estimate value.
func (l *Landmark) XYZ(fej bool) quatmath.Vec3 {
	v := l.Value()
	if fej {
		v = l.Fej()
	}
	switch l.Rep {
	case Global3D, Anchored3D:
		return quatmath.Vec3{v[0], v[1], v[2]}
	case GlobalFullInverseDepth, AnchoredFullInverseDepth:
		theta, phi, rho := v[0], v[1], v[2]
		return quatmath.Vec3{
			math.Cos(theta) * math.Sin(phi),
			math.Sin(theta) * math.Sin(phi),
			math.Cos(phi),
		}.Scale(1 / rho)
	case AnchoredMSCKFInverseDepth:
		alpha, beta, rho := v[0], v[1], v[2]
		return quatmath.Vec3{alpha / rho, beta / rho, 1 / rho}
	}
	panic("types: unknown landmark representation")
}

// SetFromXYZ stores a Cartesian position, converting into the landmark's
// representation. Pass fej to write the first-estimate value.
func (l *Landmark) SetFromXYZ(p quatmath.Vec3, fej bool) {
	var v [3]float64
	switch l.Rep {
	case Global3D, Anchored3D:
		v = [3]float64{p[0], p[1], p[2]}
	case GlobalFullInverseDepth, AnchoredFullInverseDepth:
		rho := 1 / p.Norm()
		phi := math.Acos(rho * p[2])
		theta := math.Atan2(p[1], p[0])
		v = [3]float64{theta, phi, rho}
	case AnchoredMSCKFInverseDepth:
		v = [3]float64{p[0] / p[2], p[1] / p[2], 1 / p[2]}
	default:
		panic("types: unknown landmark representation")
	}
	if fej {
		l.SetFej(v[:])
	} else {
		l.SetValue(v[:])
	}
}
