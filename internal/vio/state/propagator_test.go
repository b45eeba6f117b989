package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

var testGravity = quatmath.Vec3{0, 0, 9.81}

// feedStationary fills a propagator with samples of a level, motionless IMU
// at 200 Hz over [0, seconds].
func feedStationary(p *Propagator, seconds float64) {
	for t := 0.0; t <= seconds+1e-9; t += 0.005 {
		p.FeedIMU(IMUData{Timestamp: t, Am: quatmath.Vec3{0, 0, 9.81}})
	}
}

func TestSelectIMUReadingsInterpolatesBoundaries(t *testing.T) {
	p := NewPropagator(DefaultNoiseManager(), testGravity)
	for i := 0; i <= 10; i++ {
		p.FeedIMU(IMUData{Timestamp: float64(i) * 0.1, Wm: quatmath.Vec3{float64(i), 0, 0}})
	}

	data, err := p.SelectIMUReadings(0.05, 0.55)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, data[0].Timestamp, 1e-12)
	assert.InDelta(t, 0.55, data[len(data)-1].Timestamp, 1e-12)
	// Interpolated boundary sample sits halfway between neighbours.
	assert.InDelta(t, 0.5, data[0].Wm[0], 1e-9)
	for i := 1; i < len(data); i++ {
		assert.Greater(t, data[i].Timestamp, data[i-1].Timestamp)
	}
}

func TestSelectIMUReadingsBufferTooShort(t *testing.T) {
	p := NewPropagator(DefaultNoiseManager(), testGravity)
	for i := 0; i <= 4; i++ {
		p.FeedIMU(IMUData{Timestamp: float64(i) * 0.1})
	}
	_, err := p.SelectIMUReadings(0.0, 0.5)
	assert.Error(t, err)
}

func TestSelectIMUReadingsEmpty(t *testing.T) {
	p := NewPropagator(DefaultNoiseManager(), testGravity)
	_, err := p.SelectIMUReadings(0, 1)
	assert.Error(t, err)
}

func TestPropagateRejectsNonForwardTime(t *testing.T) {
	p := NewPropagator(DefaultNoiseManager(), testGravity)
	feedStationary(p, 1.0)
	s := New(DefaultOptions())
	s.SetTimestamp(0.5)

	err := p.PropagateAndClone(s, 0.5)
	assert.Error(t, err)
	err = p.PropagateAndClone(s, 0.2)
	assert.Error(t, err)
}

func TestPropagateStationaryHoldsStill(t *testing.T) {
	p := NewPropagator(DefaultNoiseManager(), testGravity)
	feedStationary(p, 1.0)

	s := New(DefaultOptions())
	s.SetTimestamp(0.1)
	require.NoError(t, p.PropagateAndClone(s, 0.5))

	// Gravity cancels the specific force of a level stationary IMU.
	assert.InDelta(t, 0, s.IMU().Pos().Norm(), 1e-9)
	assert.InDelta(t, 0, s.IMU().Vel().Norm(), 1e-9)
	assert.Equal(t, 0.5, s.Timestamp())
	assert.Equal(t, 1, s.NClones())
	checkSymmetricPSDDiag(t, s)

	// Uncertainty grows along the propagated directions.
	assert.Greater(t, s.Cov().At(3, 3), initialCovDiag)
}

func TestPropagateDeterministic(t *testing.T) {
	run := func() (*State, *mat.Dense) {
		p := NewPropagator(DefaultNoiseManager(), testGravity)
		for i := 0; i <= 200; i++ {
			ts := float64(i) * 0.005
			p.FeedIMU(IMUData{
				Timestamp: ts,
				Wm:        quatmath.Vec3{0.1, -0.05, 0.2},
				Am:        quatmath.Vec3{0.3, 0.1, 9.7},
			})
		}
		s := New(DefaultOptions())
		s.SetTimestamp(0.1)
		if err := p.PropagateAndClone(s, 0.6); err != nil {
			t.Fatal(err)
		}
		return s, mat.DenseCopyOf(s.Cov())
	}

	s1, c1 := run()
	s2, c2 := run()

	assert.Equal(t, s1.IMU().Value(), s2.IMU().Value())
	assert.True(t, mat.Equal(c1, c2))
}

func TestPropagateRK4MatchesDiscreteOnConstantMotion(t *testing.T) {
	// With constant inertial readings the two integration paths agree to
	// first order over a short interval.
	build := func(useRK4 bool) *State {
		opts := DefaultOptions()
		opts.UseRK4Integration = useRK4
		s := New(opts)
		s.SetTimestamp(0.0)
		p := NewPropagator(DefaultNoiseManager(), testGravity)
		for i := 0; i <= 40; i++ {
			p.FeedIMU(IMUData{
				Timestamp: float64(i) * 0.005,
				Wm:        quatmath.Vec3{0, 0, 0.3},
				Am:        quatmath.Vec3{0.5, 0, 9.81},
			})
		}
		if err := p.PropagateAndClone(s, 0.1); err != nil {
			t.Fatal(err)
		}
		return s
	}

	sd := build(false)
	sr := build(true)
	pd := sd.IMU().Pos()
	pr := sr.IMU().Pos()
	for i := 0; i < 3; i++ {
		assert.InDelta(t, pd[i], pr[i], 1e-4)
	}
}

func TestPropagateFEJPathMatchesStructure(t *testing.T) {
	opts := DefaultOptions()
	opts.DoFEJ = true
	s := New(opts)
	s.SetTimestamp(0.1)
	p := NewPropagator(DefaultNoiseManager(), testGravity)
	feedStationary(p, 1.0)

	require.NoError(t, p.PropagateAndClone(s, 0.5))
	checkBlockInvariants(t, s)
	checkSymmetricPSDDiag(t, s)
}
