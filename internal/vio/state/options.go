// Package state owns the filter state vector, the covariance algebra used
// to grow, shrink and update it, and the inertial propagator that advances
// the state between image epochs.
package state

import "github.com/banshee-data/trajectory.report/internal/vio/types"

// Options configures the structure of the filter state.
type Options struct {
	// DoFEJ enables first-estimate Jacobians in the propagation and
	// measurement linearizations.
	DoFEJ bool

	// IMUAvg averages consecutive IMU samples in the discrete mean update.
	IMUAvg bool

	// UseRK4Integration selects the Runge-Kutta mean propagation path.
	UseRK4Integration bool

	// DoCalibCameraPose estimates the camera-to-IMU extrinsics online.
	DoCalibCameraPose bool

	// DoCalibCameraIntrinsics estimates the camera intrinsics online.
	DoCalibCameraIntrinsics bool

	// DoCalibCameraTimeoffset estimates the camera-to-IMU time offset.
	DoCalibCameraTimeoffset bool

	// MaxCloneSize bounds the sliding window of pose clones.
	MaxCloneSize int

	// MaxSLAMFeatures bounds the number of landmarks kept in the state.
	MaxSLAMFeatures int

	// MaxArucoFeatures is the id threshold below which features are
	// treated as aruco tags with their own noise options.
	MaxArucoFeatures int

	// NumCameras is the number of synchronized cameras.
	NumCameras int

	// FeatRepresentation selects the landmark parametrization.
	FeatRepresentation types.Representation
}

// DefaultOptions returns the canonical filter structure.
func DefaultOptions() Options {
	return Options{
		MaxCloneSize:       11,
		MaxSLAMFeatures:    0,
		MaxArucoFeatures:   1024,
		NumCameras:         1,
		FeatRepresentation: types.Global3D,
	}
}
