package initializer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
)

var gravity = quatmath.Vec3{0, 0, 9.81}

func TestStationaryStartRejected(t *testing.T) {
	in := New(gravity, 0.75, 1.0)
	// 2 s of a perfectly still, level IMU at 200 Hz.
	for ts := 0.0; ts < 2.0; ts += 0.005 {
		in.FeedIMU(state.IMUData{Timestamp: ts, Am: quatmath.Vec3{0, 0, 9.81}})
	}
	_, ok := in.InitializeWithIMU()
	assert.False(t, ok)
}

func TestGravityAlignmentTilted(t *testing.T) {
	in := New(gravity, 0.75, 1.0)

	// IMU tilted 30 degrees about x: the body measures R * g while at
	// rest, then a burst of acceleration in the newest window supplies
	// the excitation.
	tilt := quatmath.ExpSO3(quatmath.Vec3{math.Pi / 6, 0, 0})
	aRest := tilt.MulVec(gravity)
	for ts := 0.0; ts < 2.0; ts += 0.005 {
		am := aRest
		if ts > 1.6 {
			shake := 3.0 * math.Sin(200*ts)
			am = aRest.Add(quatmath.Vec3{shake, 0, 0})
		}
		in.FeedIMU(state.IMUData{Timestamp: ts, Am: am})
	}

	res, ok := in.InitializeWithIMU()
	require.True(t, ok)

	// R(q) maps gravity into the frame where it was measured.
	back := quatmath.Quat2Rot(res.QGtoI).MulVec(gravity)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, aRest[i], back[i], 1e-3)
	}
	// Static start: zero velocity and position, zero gyro bias, and the
	// accel bias absorbs what gravity cannot explain (here none).
	assert.Equal(t, quatmath.Vec3{}, res.Velocity)
	assert.Equal(t, quatmath.Vec3{}, res.Position)
	assert.InDelta(t, 0, res.BiasG.Norm(), 1e-12)
	assert.InDelta(t, 0, res.BiasA.Norm(), 1e-6)
	assert.Greater(t, res.Time, 0.0)
}

func TestBufferExpiry(t *testing.T) {
	in := New(gravity, 0.5, 1.0)
	for ts := 0.0; ts < 10.0; ts += 0.01 {
		in.FeedIMU(state.IMUData{Timestamp: ts, Am: quatmath.Vec3{0, 0, 9.81}})
	}
	in.mu.Lock()
	oldest := in.imuData[0].Timestamp
	in.mu.Unlock()
	// Only three windows of history are retained.
	assert.GreaterOrEqual(t, oldest, 10.0-3*0.5-0.02)
}

func TestGyroBiasEstimate(t *testing.T) {
	in := New(gravity, 0.75, 1.0)
	bias := quatmath.Vec3{0.01, -0.02, 0.005}
	for ts := 0.0; ts < 2.0; ts += 0.005 {
		am := quatmath.Vec3{0, 0, 9.81}
		if ts > 1.6 {
			am = am.Add(quatmath.Vec3{4 * math.Sin(150*ts), 0, 0})
		}
		in.FeedIMU(state.IMUData{Timestamp: ts, Wm: bias, Am: am})
	}
	res, ok := in.InitializeWithIMU()
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, bias[i], res.BiasG[i], 1e-9)
	}
}
