// Package feat holds the per-landmark observation records shared between
// the tracking front-end and the filter updaters, together with the
// triangulation engine that recovers 3-D landmark positions from posed
// observations.
package feat

import "github.com/banshee-data/trajectory.report/internal/vio/quatmath"

// Feature accumulates the observations of a single landmark. For every
// camera id present, the timestamp, raw-pixel and normalized-coordinate
// slices are lock-step: same length, same order, strictly increasing in
// time. Write access is owned by the FeatureDatabase while the feature is
// tracked; ownership transfers to the filter on a removing query.
type Feature struct {
	// FeatID is the unique tracker id of this landmark.
	FeatID int

	// ToDelete marks the feature for removal at the next database cleanup.
	ToDelete bool

	// Timestamps maps camera id to observation times.
	Timestamps map[int][]float64

	// UVs maps camera id to raw pixel coordinates.
	UVs map[int][][2]float64

	// UVsNorm maps camera id to undistorted normalized coordinates.
	UVsNorm map[int][][2]float64

	// AnchorCamID is the camera the triangulation anchored in (-1 unset).
	AnchorCamID int

	// AnchorCloneTimestamp is the clone time of the anchor camera pose.
	AnchorCloneTimestamp float64

	// PFinA is the triangulated position in the anchor camera frame.
	PFinA quatmath.Vec3

	// PFinG is the triangulated position in the global frame.
	PFinG quatmath.Vec3
}

// NewFeature creates an empty feature record for the given landmark id.
func NewFeature(featID int) *Feature {
	return &Feature{
		FeatID:      featID,
		Timestamps:  make(map[int][]float64),
		UVs:         make(map[int][][2]float64),
		UVsNorm:     make(map[int][][2]float64),
		AnchorCamID: -1,
	}
}

// Append adds a measurement for one camera, keeping the three parallel
// slices lock-step.
func (f *Feature) Append(camID int, timestamp float64, uv, uvNorm [2]float64) {
	f.Timestamps[camID] = append(f.Timestamps[camID], timestamp)
	f.UVs[camID] = append(f.UVs[camID], uv)
	f.UVsNorm[camID] = append(f.UVsNorm[camID], uvNorm)
}

// NumMeasurements counts observations across all cameras.
func (f *Feature) NumMeasurements() int {
	n := 0
	for _, ts := range f.Timestamps {
		n += len(ts)
	}
	return n
}

// CleanOldMeasurements keeps only the observations whose timestamp appears
// in validTimes, removing the matching entries from all three parallel
// slices per camera.
func (f *Feature) CleanOldMeasurements(validTimes []float64) {
	valid := make(map[float64]bool, len(validTimes))
	for _, t := range validTimes {
		valid[t] = true
	}
	for cam, ts := range f.Timestamps {
		keptTS := ts[:0]
		keptUV := f.UVs[cam][:0]
		keptUVN := f.UVsNorm[cam][:0]
		for i, t := range ts {
			if valid[t] {
				keptTS = append(keptTS, t)
				keptUV = append(keptUV, f.UVs[cam][i])
				keptUVN = append(keptUVN, f.UVsNorm[cam][i])
			}
		}
		f.Timestamps[cam] = keptTS
		f.UVs[cam] = keptUV
		f.UVsNorm[cam] = keptUVN
	}
}

// clone deep-copies the feature so non-removing database reads can hand out
// a snapshot without racing the tracker's appends.
func (f *Feature) clone() *Feature {
	c := NewFeature(f.FeatID)
	c.ToDelete = f.ToDelete
	c.AnchorCamID = f.AnchorCamID
	c.AnchorCloneTimestamp = f.AnchorCloneTimestamp
	c.PFinA = f.PFinA
	c.PFinG = f.PFinG
	for cam, ts := range f.Timestamps {
		c.Timestamps[cam] = append([]float64(nil), ts...)
		c.UVs[cam] = append([][2]float64(nil), f.UVs[cam]...)
		c.UVsNorm[cam] = append([][2]float64(nil), f.UVsNorm[cam]...)
	}
	return c
}
