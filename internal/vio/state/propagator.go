package state

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

// IMUData is a single inertial sample: angular velocity and linear
// acceleration in the IMU frame at a timestamp in seconds.
type IMUData struct {
	Timestamp float64
	Wm        quatmath.Vec3
	Am        quatmath.Vec3
}

// NoiseManager holds the continuous-time IMU noise densities.
type NoiseManager struct {
	// SigmaW is the gyroscope white noise (rad/s/sqrt(Hz)).
	SigmaW float64
	// SigmaWb is the gyroscope bias random walk (rad/s^2/sqrt(Hz)).
	SigmaWb float64
	// SigmaA is the accelerometer white noise (m/s^2/sqrt(Hz)).
	SigmaA float64
	// SigmaAb is the accelerometer bias random walk (m/s^3/sqrt(Hz)).
	SigmaAb float64
}

// DefaultNoiseManager returns noise densities typical of an MEMS IMU.
func DefaultNoiseManager() NoiseManager {
	return NoiseManager{
		SigmaW:  1.6968e-04,
		SigmaWb: 1.9393e-05,
		SigmaA:  2.0000e-03,
		SigmaAb: 3.0000e-03,
	}
}

// imuBufferHorizon bounds how much history the propagator retains behind
// its newest sample.
const imuBufferHorizon = 60.0

// zeroDtThreshold drops sample pairs whose spacing would make the discrete
// noise covariance blow up.
const zeroDtThreshold = 1e-12

// Propagator advances the filter state between image epochs by integrating
// buffered IMU samples and accumulating the discrete transition and noise
// Jacobians. The buffer is appended by the IMU intake goroutine and read by
// the filter goroutine under a mutex.
type Propagator struct {
	mu      sync.Mutex
	imuData []IMUData

	noises  NoiseManager
	gravity quatmath.Vec3

	lastPropTimeOffset float64
	haveLastTimeOffset bool
}

// NewPropagator creates a propagator with the given noises and gravity.
func NewPropagator(noises NoiseManager, gravity quatmath.Vec3) *Propagator {
	return &Propagator{noises: noises, gravity: gravity}
}

// FeedIMU appends a sample and expires history beyond the buffer horizon.
func (p *Propagator) FeedIMU(data IMUData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.imuData = append(p.imuData, data)
	cutoff := data.Timestamp - imuBufferHorizon
	first := 0
	for first < len(p.imuData) && p.imuData[first].Timestamp < cutoff {
		first++
	}
	if first > 0 {
		p.imuData = append(p.imuData[:0], p.imuData[first:]...)
	}
}

// interpolateData linearly interpolates two samples at timestamp.
func interpolateData(imu1, imu2 IMUData, timestamp float64) IMUData {
	lambda := (timestamp - imu1.Timestamp) / (imu2.Timestamp - imu1.Timestamp)
	return IMUData{
		Timestamp: timestamp,
		Wm:        imu1.Wm.Scale(1 - lambda).Add(imu2.Wm.Scale(lambda)),
		Am:        imu1.Am.Scale(1 - lambda).Add(imu2.Am.Scale(lambda)),
	}
}

// SelectIMUReadings extracts the samples covering [time0, time1] exactly,
// interpolating virtual boundary samples when the buffer does not land on
// the endpoints and dropping near-zero-dt pairs. It fails when the buffer
// ends at or before time1 or fewer than two samples remain; a buffer that
// starts after time0 is not rejected and is used from its first sample.
func (p *Propagator) SelectIMUReadings(time0, time1 float64) ([]IMUData, error) {
	p.mu.Lock()
	buf := append([]IMUData(nil), p.imuData...)
	p.mu.Unlock()
	return selectIMUReadings(buf, time0, time1)
}

func selectIMUReadings(imuData []IMUData, time0, time1 float64) ([]IMUData, error) {
	if len(imuData) == 0 {
		return nil, fmt.Errorf("propagator: no IMU measurements buffered")
	}

	var prop []IMUData
	for i := 0; i+1 < len(imuData); i++ {
		// Interval start falls between two samples: split at time0.
		if imuData[i+1].Timestamp > time0 && imuData[i].Timestamp < time0 {
			prop = append(prop, interpolateData(imuData[i], imuData[i+1], time0))
			continue
		}
		// Sample fully inside the integration period.
		if imuData[i].Timestamp >= time0 && imuData[i+1].Timestamp <= time1 {
			prop = append(prop, imuData[i])
			continue
		}
		// Interval end: split the next sample at time1 and stop.
		if imuData[i+1].Timestamp > time1 {
			if imuData[i].Timestamp > time1 {
				// Low-rate IMU: only the boundary split was recorded, cut
				// the current interval at time1 using the previous pair.
				prop = append(prop, interpolateData(imuData[i-1], imuData[i], time1))
			} else {
				prop = append(prop, imuData[i])
			}
			if len(prop) == 0 || prop[len(prop)-1].Timestamp != time1 {
				prop = append(prop, interpolateData(imuData[i], imuData[i+1], time1))
			}
			break
		}
	}

	if len(prop) == 0 {
		return nil, fmt.Errorf("propagator: no IMU measurements inside [%f, %f]", time0, time1)
	}
	if last := imuData[len(imuData)-1].Timestamp; last <= time1 {
		return nil, fmt.Errorf("propagator: IMU buffer ends %.3fs before the requested time", time1-last)
	}

	// Remove zero-dt pairs that would produce infinite noise covariance.
	kept := prop[:0]
	for i, d := range prop {
		if i+1 < len(prop) && math.Abs(prop[i+1].Timestamp-d.Timestamp) < zeroDtThreshold {
			continue
		}
		kept = append(kept, d)
	}
	prop = kept

	if len(prop) < 2 {
		return nil, fmt.Errorf("propagator: only %d measurements to propagate with, need 2", len(prop))
	}
	return prop, nil
}

// PropagateAndClone advances the state to the image time, applies the
// accumulated transition and noise to the covariance and performs
// stochastic cloning at the new state time.
func (p *Propagator) PropagateAndClone(s *State, timestamp float64) error {
	if s.Timestamp() == timestamp {
		return fmt.Errorf("propagator: propagation called twice at timestep %f", timestamp)
	}
	if s.Timestamp() > timestamp {
		return fmt.Errorf("propagator: cannot propagate backwards (%f > %f)", s.Timestamp(), timestamp)
	}

	if !p.haveLastTimeOffset {
		p.lastPropTimeOffset = s.CalibDtCAMtoIMU().Value()[0]
		p.haveLastTimeOffset = true
	}
	tOffNew := s.CalibDtCAMtoIMU().Value()[0]

	time0 := s.Timestamp() + p.lastPropTimeOffset
	time1 := timestamp + tOffNew
	propData, err := p.SelectIMUReadings(time0, time1)
	if err != nil {
		return err
	}

	// Accumulate Phi and Qd across the sample pairs so the covariance sees
	// a single transition.
	phiSummed := identity15()
	qdSummed := mat.NewDense(15, 15, nil)
	for i := 0; i+1 < len(propData); i++ {
		F, Qdi := p.predictAndCompute(s, propData[i], propData[i+1])
		var tmp mat.Dense
		tmp.Mul(F, phiSummed)
		phiSummed.Copy(&tmp)

		var fq, fqf mat.Dense
		fq.Mul(F, qdSummed)
		fqf.Mul(&fq, F.T())
		qdSummed.Add(&fqf, Qdi)
		symmetrize(qdSummed)
	}

	lastW := propData[len(propData)-2].Wm.Sub(s.IMU().BiasG())

	if s.IMU().ID() != 0 {
		return fmt.Errorf("propagator: IMU block must sit at covariance offset 0, got %d", s.IMU().ID())
	}

	// P[imu,:] = Phi P[imu,:]; P[:,imu] = P[:,imu] Phi^T; P[imu,imu] += Qd.
	n := s.NVars()
	var rowBlock mat.Dense
	rowBlock.Mul(phiSummed, s.cov.Slice(0, 15, 0, n))
	s.cov.Slice(0, 15, 0, n).(*mat.Dense).Copy(&rowBlock)
	var colBlock mat.Dense
	colBlock.Mul(s.cov.Slice(0, n, 0, 15), phiSummed.T())
	s.cov.Slice(0, n, 0, 15).(*mat.Dense).Copy(&colBlock)
	imuBlock := s.cov.Slice(0, 15, 0, 15).(*mat.Dense)
	imuBlock.Add(imuBlock, qdSummed)
	symmetrize(s.cov)

	s.SetTimestamp(timestamp)
	p.lastPropTimeOffset = tOffNew

	AugmentClone(s, lastW)
	return nil
}

// predictAndCompute advances the IMU mean over one sample pair and returns
// the 15x15 transition F and discrete noise Qd for the interval.
func (p *Propagator) predictAndCompute(s *State, dataMinus, dataPlus IMUData) (*mat.Dense, *mat.Dense) {
	dt := dataPlus.Timestamp - dataMinus.Timestamp

	imu := s.IMU()
	wHat := dataMinus.Wm.Sub(imu.BiasG())
	aHat := dataMinus.Am.Sub(imu.BiasA())
	wHat2 := dataPlus.Wm.Sub(imu.BiasG())
	aHat2 := dataPlus.Am.Sub(imu.BiasA())

	var newQ quatmath.Quat
	var newV, newP quatmath.Vec3
	if s.Options().UseRK4Integration {
		newQ, newP, newV = p.predictMeanRK4(s, dt, wHat, aHat, wHat2, aHat2)
	} else {
		newQ, newP, newV = p.predictMeanDiscrete(s, dt, wHat, aHat, wHat2, aHat2)
	}

	F := mat.NewDense(15, 15, nil)
	G := mat.NewDense(15, 12, nil)

	const (
		thID = types15ThetaOffset
		pID  = types15PosOffset
		vID  = types15VelOffset
		bgID = types15BiasGOffset
		baID = types15BiasAOffset
	)

	if s.Options().DoFEJ {
		// The orientation delta folds in the update since the last
		// linearization point so the FEJ rotation stays consistent.
		rFej := imu.RotFej()
		dR := quatmath.Quat2Rot(newQ).Mul(rFej.Transpose())
		vFej := imu.VelFej()
		pFej := imu.PosFej()

		setBlock3(F, thID, thID, dR)
		setBlock3(F, thID, bgID, dR.Mul(quatmath.JrSO3(wHat.Scale(-dt))).Scale(-dt))
		setIdentity3(F, bgID, bgID)
		setBlock3(F, vID, thID, quatmath.Skew(newV.Sub(vFej).Add(p.gravity.Scale(dt))).Mul(rFej.Transpose()).Scale(-1))
		setIdentity3(F, vID, vID)
		setBlock3(F, vID, baID, rFej.Transpose().Scale(-dt))
		setIdentity3(F, baID, baID)
		setBlock3(F, pID, thID, quatmath.Skew(newP.Sub(pFej).Sub(vFej.Scale(dt)).Add(p.gravity.Scale(0.5*dt*dt))).Mul(rFej.Transpose()).Scale(-1))
		setBlock3(F, pID, vID, quatmath.Identity3().Scale(dt))
		setBlock3(F, pID, baID, rFej.Transpose().Scale(-0.5*dt*dt))
		setIdentity3(F, pID, pID)

		setBlock3(G, thID, 0, dR.Mul(quatmath.JrSO3(wHat.Scale(-dt))).Scale(-dt))
		setBlock3(G, vID, 3, rFej.Transpose().Scale(-dt))
		setBlock3(G, pID, 3, rFej.Transpose().Scale(-0.5*dt*dt))
		setBlock3(G, bgID, 6, quatmath.Identity3().Scale(dt))
		setBlock3(G, baID, 9, quatmath.Identity3().Scale(dt))
	} else {
		rGtoI := imu.Rot()
		expNegW := quatmath.ExpSO3(wHat.Scale(-dt))

		setBlock3(F, thID, thID, expNegW)
		setBlock3(F, thID, bgID, expNegW.Mul(quatmath.JrSO3(wHat.Scale(-dt))).Scale(-dt))
		setIdentity3(F, bgID, bgID)
		setBlock3(F, vID, thID, rGtoI.Transpose().Mul(quatmath.Skew(aHat.Scale(dt))).Scale(-1))
		setIdentity3(F, vID, vID)
		setBlock3(F, vID, baID, rGtoI.Transpose().Scale(-dt))
		setIdentity3(F, baID, baID)
		setBlock3(F, pID, thID, rGtoI.Transpose().Mul(quatmath.Skew(aHat.Scale(dt * dt))).Scale(-0.5))
		setBlock3(F, pID, vID, quatmath.Identity3().Scale(dt))
		setBlock3(F, pID, baID, rGtoI.Transpose().Scale(-0.5*dt*dt))
		setIdentity3(F, pID, pID)

		setBlock3(G, thID, 0, expNegW.Mul(quatmath.JrSO3(wHat.Scale(-dt))).Scale(-dt))
		setBlock3(G, vID, 3, rGtoI.Transpose().Scale(-dt))
		setBlock3(G, pID, 3, rGtoI.Transpose().Scale(-0.5*dt*dt))
		setBlock3(G, bgID, 6, quatmath.Identity3().Scale(dt))
		setBlock3(G, baID, 9, quatmath.Identity3().Scale(dt))
	}

	// Continuous noise densities converted to the discrete interval.
	Qc := mat.NewDense(12, 12, nil)
	for i := 0; i < 3; i++ {
		Qc.Set(i, i, p.noises.SigmaW*p.noises.SigmaW/dt)
		Qc.Set(3+i, 3+i, p.noises.SigmaA*p.noises.SigmaA/dt)
		Qc.Set(6+i, 6+i, p.noises.SigmaWb*p.noises.SigmaWb/dt)
		Qc.Set(9+i, 9+i, p.noises.SigmaAb*p.noises.SigmaAb/dt)
	}
	var gq, Qd mat.Dense
	gq.Mul(G, Qc)
	Qd.Mul(&gq, G.T())
	qd := mat.DenseCopyOf(&Qd)
	symmetrize(qd)

	// Replace the IMU estimate and FEJ with the propagated values.
	imuX := imu.Value()
	copy(imuX[0:4], newQ[:])
	copy(imuX[4:7], newP[:])
	copy(imuX[7:10], newV[:])
	imu.SetValue(imuX)
	imu.SetFej(imuX)

	return F, qd
}

// predictMeanDiscrete integrates one interval with the zeroth-order
// quaternion and constant-acceleration model.
func (p *Propagator) predictMeanDiscrete(s *State, dt float64, wHat1, aHat1, wHat2, aHat2 quatmath.Vec3) (quatmath.Quat, quatmath.Vec3, quatmath.Vec3) {
	wHat := wHat1
	aHat := aHat1
	if s.Options().IMUAvg {
		wHat = wHat1.Add(wHat2).Scale(0.5)
		aHat = aHat1.Add(aHat2).Scale(0.5)
	}

	imu := s.IMU()
	wNorm := wHat.Norm()
	rGtoI := imu.Rot()

	var bigO quatmath.Mat4
	if wNorm > 1e-20 {
		bigO = quatmath.Identity4().Scale(math.Cos(0.5 * wNorm * dt)).
			Add(quatmath.Omega(wHat).Scale(math.Sin(0.5*wNorm*dt) / wNorm))
	} else {
		bigO = quatmath.Identity4().Add(quatmath.Omega(wHat).Scale(0.5 * dt))
	}
	newQ := bigO.MulQuat(imu.Quat()).Normalized()

	newV := imu.Vel().Add(rGtoI.Transpose().MulVec(aHat).Scale(dt)).Sub(p.gravity.Scale(dt))
	newP := imu.Pos().Add(imu.Vel().Scale(dt)).
		Add(rGtoI.Transpose().MulVec(aHat).Scale(0.5 * dt * dt)).
		Sub(p.gravity.Scale(0.5 * dt * dt))
	return newQ, newP, newV
}

// predictMeanRK4 integrates one interval with a four-stage Runge-Kutta,
// linearly interpolating the inertial readings across the step. The
// quaternion is integrated through the perturbation delta from identity.
func (p *Propagator) predictMeanRK4(s *State, dt float64, wHat, aHat, wHat2, aHat2 quatmath.Vec3) (quatmath.Quat, quatmath.Vec3, quatmath.Vec3) {
	wAlpha := wHat2.Sub(wHat).Scale(1 / dt)
	aJerk := aHat2.Sub(aHat).Scale(1 / dt)

	imu := s.IMU()
	q0 := imu.Quat()
	p0 := imu.Pos()
	v0 := imu.Vel()

	// k1
	dq0 := quatmath.Quat{0, 0, 0, 1}
	q0dot := quatmath.Omega(wHat).MulQuat(dq0)
	for i := range q0dot {
		q0dot[i] *= 0.5
	}
	rGto0 := quatmath.Quat2Rot(quatmath.QuatMultiply(dq0, q0))
	v0dot := rGto0.Transpose().MulVec(aHat).Sub(p.gravity)

	k1q := scaleQuat(q0dot, dt)
	k1p := v0.Scale(dt)
	k1v := v0dot.Scale(dt)

	// k2
	w := wHat.Add(wAlpha.Scale(0.5 * dt))
	a := aHat.Add(aJerk.Scale(0.5 * dt))

	dq1 := addQuat(dq0, scaleQuat(k1q, 0.5)).Normalized()
	v1 := v0.Add(k1v.Scale(0.5))

	q1dot := quatmath.Omega(w).MulQuat(dq1)
	for i := range q1dot {
		q1dot[i] *= 0.5
	}
	rGto1 := quatmath.Quat2Rot(quatmath.QuatMultiply(dq1, q0))
	v1dot := rGto1.Transpose().MulVec(a).Sub(p.gravity)

	k2q := scaleQuat(q1dot, dt)
	k2p := v1.Scale(dt)
	k2v := v1dot.Scale(dt)

	// k3
	dq2 := addQuat(dq0, scaleQuat(k2q, 0.5)).Normalized()
	v2 := v0.Add(k2v.Scale(0.5))

	q2dot := quatmath.Omega(w).MulQuat(dq2)
	for i := range q2dot {
		q2dot[i] *= 0.5
	}
	rGto2 := quatmath.Quat2Rot(quatmath.QuatMultiply(dq2, q0))
	v2dot := rGto2.Transpose().MulVec(a).Sub(p.gravity)

	k3q := scaleQuat(q2dot, dt)
	k3p := v2.Scale(dt)
	k3v := v2dot.Scale(dt)

	// k4
	w = w.Add(wAlpha.Scale(0.5 * dt))
	a = a.Add(aJerk.Scale(0.5 * dt))

	dq3 := addQuat(dq0, k3q).Normalized()
	v3 := v0.Add(k3v)

	q3dot := quatmath.Omega(w).MulQuat(dq3)
	for i := range q3dot {
		q3dot[i] *= 0.5
	}
	rGto3 := quatmath.Quat2Rot(quatmath.QuatMultiply(dq3, q0))
	v3dot := rGto3.Transpose().MulVec(a).Sub(p.gravity)

	k4q := scaleQuat(q3dot, dt)
	k4p := v3.Scale(dt)
	k4v := v3dot.Scale(dt)

	// y + dt
	dq := addQuat(addQuat(addQuat(addQuat(dq0, scaleQuat(k1q, 1.0/6.0)), scaleQuat(k2q, 1.0/3.0)), scaleQuat(k3q, 1.0/3.0)), scaleQuat(k4q, 1.0/6.0)).Normalized()
	newQ := quatmath.QuatMultiply(dq, q0)
	newP := p0.Add(k1p.Scale(1.0 / 6.0)).Add(k2p.Scale(1.0 / 3.0)).Add(k3p.Scale(1.0 / 3.0)).Add(k4p.Scale(1.0 / 6.0))
	newV := v0.Add(k1v.Scale(1.0 / 6.0)).Add(k2v.Scale(1.0 / 3.0)).Add(k3v.Scale(1.0 / 3.0)).Add(k4v.Scale(1.0 / 6.0))
	return newQ, newP, newV
}

// Error-state block offsets shared by F and G.
const (
	types15ThetaOffset = 0
	types15PosOffset   = 3
	types15VelOffset   = 6
	types15BiasGOffset = 9
	types15BiasAOffset = 12
)

func identity15() *mat.Dense {
	m := mat.NewDense(15, 15, nil)
	for i := 0; i < 15; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func setBlock3(dst *mat.Dense, row, col int, b quatmath.Mat3) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(row+i, col+j, b.At(i, j))
		}
	}
}

func setIdentity3(dst *mat.Dense, row, col int) {
	setBlock3(dst, row, col, quatmath.Identity3())
}

func scaleQuat(q quatmath.Quat, s float64) quatmath.Quat {
	return quatmath.Quat{s * q[0], s * q[1], s * q[2], s * q[3]}
}

func addQuat(a, b quatmath.Quat) quatmath.Quat {
	return quatmath.Quat{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}
