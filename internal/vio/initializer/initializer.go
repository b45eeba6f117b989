// Package initializer detects a static start in the inertial stream and
// produces the initial orientation, biases and state time by aligning the
// measured specific force with gravity.
package initializer

import (
	"log"
	"math"
	"sync"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
)

// Result is the seed state produced by a successful static alignment.
type Result struct {
	// Time is the state timestamp, the end of the alignment window.
	Time float64
	// QGtoI rotates the global frame (gravity-aligned z) into the IMU.
	QGtoI quatmath.Quat
	// BiasG is the initial gyroscope bias.
	BiasG quatmath.Vec3
	// Velocity is the initial velocity (zero for a static start).
	Velocity quatmath.Vec3
	// BiasA is the initial accelerometer bias.
	BiasA quatmath.Vec3
	// Position is the initial position (origin).
	Position quatmath.Vec3
}

// InertialInitializer buffers IMU samples until the platform shows enough
// excitation to begin estimating.
type InertialInitializer struct {
	mu      sync.Mutex
	imuData []state.IMUData

	gravity            quatmath.Vec3
	windowLength       float64
	imuExciteThreshold float64
}

// New creates an initializer. windowLength is the alignment window in
// seconds; imuExciteThreshold is the minimum acceleration standard
// deviation that counts as motion.
func New(gravity quatmath.Vec3, windowLength, imuExciteThreshold float64) *InertialInitializer {
	return &InertialInitializer{
		gravity:            gravity,
		windowLength:       windowLength,
		imuExciteThreshold: imuExciteThreshold,
	}
}

// FeedIMU appends a sample and expires everything older than three
// initialization windows.
func (in *InertialInitializer) FeedIMU(data state.IMUData) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.imuData = append(in.imuData, data)
	cutoff := data.Timestamp - 3*in.windowLength
	first := 0
	for first < len(in.imuData) && in.imuData[first].Timestamp < cutoff {
		first++
	}
	if first > 0 {
		in.imuData = append(in.imuData[:0], in.imuData[first:]...)
	}
}

// InitializeWithIMU examines the two newest non-overlapping windows: the
// newest must show excitation above the threshold (the platform started
// moving), and the window before it supplies the averages for gravity
// alignment and bias estimates. Returns false until both conditions hold.
func (in *InertialInitializer) InitializeWithIMU() (Result, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if len(in.imuData) == 0 {
		return Result{}, false
	}
	newest := in.imuData[len(in.imuData)-1].Timestamp

	var windowNewest, windowSecond []state.IMUData
	for _, d := range in.imuData {
		if d.Timestamp > newest-in.windowLength && d.Timestamp <= newest {
			windowNewest = append(windowNewest, d)
		}
		if d.Timestamp > newest-2*in.windowLength && d.Timestamp <= newest-in.windowLength {
			windowSecond = append(windowSecond, d)
		}
	}
	if len(windowNewest) == 0 || len(windowSecond) == 0 {
		return Result{}, false
	}

	// Sample standard deviation of the acceleration in the newest window.
	var aAvg quatmath.Vec3
	for _, d := range windowNewest {
		aAvg = aAvg.Add(d.Am)
	}
	aAvg = aAvg.Scale(1 / float64(len(windowNewest)))
	aVar := 0.0
	for _, d := range windowNewest {
		diff := d.Am.Sub(aAvg)
		aVar += diff.Dot(diff)
	}
	aVar = math.Sqrt(aVar / float64(len(windowNewest)-1))

	if aVar < in.imuExciteThreshold {
		log.Printf("[INIT]: no IMU excitation, below threshold %.4f < %.4f", aVar, in.imuExciteThreshold)
		return Result{}, false
	}

	// Averages over the second-newest window drive the alignment.
	var linAvg, angAvg quatmath.Vec3
	for _, d := range windowSecond {
		linAvg = linAvg.Add(d.Am)
		angAvg = angAvg.Add(d.Wm)
	}
	linAvg = linAvg.Scale(1 / float64(len(windowSecond)))
	angAvg = angAvg.Scale(1 / float64(len(windowSecond)))

	// z aligns with the measured specific force (i.e. -gravity).
	zAxis := linAvg.Scale(1 / linAvg.Norm())
	e1 := quatmath.Vec3{1, 0, 0}
	xAxis := e1.Sub(zAxis.Scale(zAxis.Dot(e1)))
	xAxis = xAxis.Scale(1 / xAxis.Norm())
	yAxis := zAxis.Cross(xAxis)

	var ro quatmath.Mat3
	for i := 0; i < 3; i++ {
		ro.Set(i, 0, xAxis[i])
		ro.Set(i, 1, yAxis[i])
		ro.Set(i, 2, zAxis[i])
	}
	qGtoI := quatmath.Rot2Quat(ro)

	bg := angAvg
	ba := linAvg.Sub(quatmath.Quat2Rot(qGtoI).MulVec(in.gravity))

	return Result{
		Time:  windowSecond[len(windowSecond)-1].Timestamp,
		QGtoI: qGtoI,
		BiasG: bg,
		BiasA: ba,
	}, true
}
