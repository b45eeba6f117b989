// Package pipeline wires the estimator together: it aligns the inertial
// and image streams in time, seeds the filter from a static start, drives
// the propagate-then-update cycle on every image epoch and slides the
// clone window.
package pipeline

import (
	"log"
	"sync"

	"github.com/banshee-data/trajectory.report/internal/vio/feat"
	"github.com/banshee-data/trajectory.report/internal/vio/initializer"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
	"github.com/banshee-data/trajectory.report/internal/vio/types"
	"github.com/banshee-data/trajectory.report/internal/vio/update"
)

// minClonesForUpdate delays measurement updates until the window carries
// enough poses to constrain a feature.
const minClonesForUpdate = 5

// Config collects everything the manager needs to build the filter.
type Config struct {
	StateOptions state.Options
	Noises       state.NoiseManager
	Gravity      quatmath.Vec3

	MSCKFOptions update.Options
	SLAMOptions  update.Options
	ArucoOptions update.Options
	FeatInit     feat.InitializerOptions
	IMUPrior     state.IMUPrior

	WindowLength       float64
	IMUExciteThreshold float64
}

// DefaultConfig returns a runnable monocular configuration.
func DefaultConfig() Config {
	return Config{
		StateOptions:       state.DefaultOptions(),
		Noises:             state.DefaultNoiseManager(),
		Gravity:            quatmath.Vec3{0, 0, 9.81},
		MSCKFOptions:       update.DefaultOptions(),
		SLAMOptions:        update.DefaultOptions(),
		ArucoOptions:       update.DefaultOptions(),
		FeatInit:           feat.DefaultInitializerOptions(),
		IMUPrior:           state.DefaultIMUPrior(),
		WindowLength:       0.75,
		IMUExciteThreshold: 1.0,
	}
}

// PoseEstimate is the copy-out view of the filter at an image epoch.
type PoseEstimate struct {
	Timestamp float64
	QGtoI     quatmath.Quat
	Position  quatmath.Vec3
	Velocity  quatmath.Vec3
	BiasG     quatmath.Vec3
	BiasA     quatmath.Vec3
	// PoseCovDiag holds the leading six covariance diagonal entries
	// (orientation, position).
	PoseCovDiag [6]float64
	// NumClones and NumSLAM describe the window occupancy.
	NumClones int
	NumSLAM   int
}

// Manager owns the filter state and serializes every mutation of it. The
// IMU intake and the feature tracker run on their own goroutines; only the
// filter goroutine calls ProcessCameraEpoch.
type Manager struct {
	mu sync.Mutex

	cfg   Config
	state *state.State
	prop  *state.Propagator
	init  *initializer.InertialInitializer
	db    *feat.FeatureDatabase

	updMSCKF *update.UpdaterMSCKF
	updSLAM  *update.UpdaterSLAM

	initialized bool
	fatal       error
}

// NewManager builds an estimator from the configuration.
func NewManager(cfg Config) *Manager {
	fi := feat.NewInitializer(cfg.FeatInit)
	return &Manager{
		cfg:      cfg,
		state:    state.New(cfg.StateOptions),
		prop:     state.NewPropagator(cfg.Noises, cfg.Gravity),
		init:     initializer.New(cfg.Gravity, cfg.WindowLength, cfg.IMUExciteThreshold),
		db:       feat.NewFeatureDatabase(),
		updMSCKF: update.NewUpdaterMSCKF(cfg.MSCKFOptions, fi),
		updSLAM:  update.NewUpdaterSLAM(cfg.SLAMOptions, cfg.ArucoOptions, fi),
	}
}

// Database exposes the feature database to the tracking front-end.
func (m *Manager) Database() *feat.FeatureDatabase { return m.db }

// Initialized reports whether the filter has a valid seed state.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Err returns the fatal filter-inconsistency error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// FeedIMU routes an inertial sample to the propagator and, until the
// filter is running, to the static initializer. Safe to call from the IMU
// intake goroutine.
func (m *Manager) FeedIMU(data state.IMUData) {
	m.prop.FeedIMU(data)
	if !m.Initialized() {
		m.init.FeedIMU(data)
	}
}

// SetCalibration installs the camera extrinsics and intrinsics for one
// camera before the filter starts.
func (m *Manager) SetCalibration(camID int, qItoC quatmath.Quat, pIinC quatmath.Vec3, intrinsics []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	calib := m.state.GetCalibIMUtoCAM(camID)
	val := make([]float64, 7)
	copy(val[0:4], qItoC[:])
	copy(val[4:7], pIinC[:])
	calib.SetValue(val)
	calib.SetFej(val)
	intr := m.state.GetIntrinsicsCAM(camID)
	intr.SetValue(intrinsics)
	intr.SetFej(intrinsics)
}

// ProcessCameraEpoch advances the filter to an image timestamp after the
// front-end has pushed that epoch's feature measurements into the
// database. Call from the filter goroutine, in timestamp order.
func (m *Manager) ProcessCameraEpoch(timestamp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatal != nil {
		return
	}

	if !m.initialized {
		if !m.tryToInitialize() {
			return
		}
	}

	if err := m.prop.PropagateAndClone(m.state, timestamp); err != nil {
		log.Printf("[PIPE]: propagation to %.3f failed: %v", timestamp, err)
		return
	}

	// Wait for a usable window before spending features.
	if m.state.NClones() < min(m.state.Options().MaxCloneSize, minClonesForUpdate) {
		return
	}

	m.doFeatureUpdates(timestamp)
	m.slideWindow()
}

// tryToInitialize seeds the state from the static alignment.
func (m *Manager) tryToInitialize() bool {
	res, ok := m.init.InitializeWithIMU()
	if !ok {
		return false
	}
	val := make([]float64, 16)
	copy(val[0:4], res.QGtoI[:])
	copy(val[4:7], res.Position[:])
	copy(val[7:10], res.Velocity[:])
	copy(val[10:13], res.BiasG[:])
	copy(val[13:16], res.BiasA[:])
	imu := m.state.IMU()
	imu.SetValue(val)
	imu.SetFej(val)
	m.state.SetTimestamp(res.Time)

	// Seed the covariance with the block prior: the pose and the
	// zero-velocity estimate are tight, the biases looser.
	if err := state.SetIMUPrior(m.state, m.cfg.IMUPrior); err != nil {
		m.recordFilterError(err)
		return false
	}
	m.initialized = true
	log.Printf("[PIPE]: initialized at %.3f, q_GtoI=[%.3f %.3f %.3f %.3f]",
		res.Time, res.QGtoI[0], res.QGtoI[1], res.QGtoI[2], res.QGtoI[3])
	return true
}

// doFeatureUpdates drains the database and runs the three update passes in
// order: the MSCKF correction from lost tracks, in-state SLAM refits, and
// delayed initialization of new landmarks.
func (m *Manager) doFeatureUpdates(timestamp float64) {
	st := m.state

	// Lost tracks leave the database for good: ownership transfers here.
	featsLost := m.db.FeaturesNotContainingNewer(timestamp, true)

	// Tracks touching the marginalization boundary split into new SLAM
	// candidates (tracked across the full window, while slots last) and
	// MSCKF constraints.
	var featsMSCKF []*feat.Feature
	var featsSlamNew []*feat.Feature
	featsMSCKF = append(featsMSCKF, featsLost...)

	if st.NClones() > st.Options().MaxCloneSize {
		margTime := st.MargTimestep()
		for _, f := range m.db.FeaturesContaining(margTime, false) {
			if st.GetSLAMFeature(f.FeatID) != nil {
				continue
			}
			fullWindow := false
			for _, ts := range f.Timestamps {
				if len(ts) >= st.Options().MaxCloneSize {
					fullWindow = true
					break
				}
			}
			if fullWindow && len(st.FeaturesSLAM())+len(featsSlamNew) < st.Options().MaxSLAMFeatures {
				featsSlamNew = append(featsSlamNew, f)
			} else {
				featsMSCKF = append(featsMSCKF, f)
			}
		}
	}

	// Fresh observations of landmarks already in the state.
	var featsSlamUpdate []*feat.Feature
	for id, l := range st.FeaturesSLAM() {
		f := m.db.GetFeature(id, false)
		if f == nil {
			// Track lost: the landmark leaves the state at this epoch.
			l.ShouldMarg = true
			continue
		}
		hasCurrent := false
		for _, ts := range f.Timestamps {
			for _, t := range ts {
				if t == timestamp {
					hasCurrent = true
					break
				}
			}
		}
		if hasCurrent {
			featsSlamUpdate = append(featsSlamUpdate, f)
		}
	}

	// MSCKF candidates must not double as SLAM candidates.
	featsMSCKF = dedupeFeatures(featsMSCKF, featsSlamNew)

	if err := m.updMSCKF.Update(st, featsMSCKF); err != nil {
		m.recordFilterError(err)
		return
	}
	if err := m.updSLAM.Update(st, featsSlamUpdate); err != nil {
		m.recordFilterError(err)
		return
	}
	if err := m.updSLAM.DelayedInit(st, featsSlamNew); err != nil {
		m.recordFilterError(err)
		return
	}

	// Report consumed measurements back to the database and sweep.
	var usedIDs []int
	for _, group := range [][]*feat.Feature{featsMSCKF, featsSlamNew, featsSlamUpdate} {
		for _, f := range group {
			if f.ToDelete {
				usedIDs = append(usedIDs, f.FeatID)
			}
		}
	}
	m.db.MarkToDelete(usedIDs...)
	m.db.Cleanup()
}

// slideWindow migrates anchors off the oldest clone, then marginalizes
// flagged landmarks and finally the clone itself.
func (m *Manager) slideWindow() {
	st := m.state
	if err := m.updSLAM.ChangeAnchors(st); err != nil {
		m.recordFilterError(err)
		return
	}
	if err := state.MarginalizeSLAMFeatures(st); err != nil {
		m.recordFilterError(err)
		return
	}
	if err := state.MarginalizeOldClone(st); err != nil {
		m.recordFilterError(err)
		return
	}
}

// recordFilterError logs an error returned by an update, initialization or
// marginalization step and halts the filter: every such error is kept as
// fatal, later epochs are skipped and Err reports it. Per-feature data
// failures are logged and skipped inside the updaters and never reach here.
func (m *Manager) recordFilterError(err error) {
	if err == nil {
		return
	}
	log.Printf("[PIPE]: update failed: %v", err)
	m.fatal = err
}

// Snapshot copies the current estimate out of the filter.
func (m *Manager) Snapshot() PoseEstimate {
	m.mu.Lock()
	defer m.mu.Unlock()
	imu := m.state.IMU()
	out := PoseEstimate{
		Timestamp: m.state.Timestamp(),
		QGtoI:     imu.Quat(),
		Position:  imu.Pos(),
		Velocity:  imu.Vel(),
		BiasG:     imu.BiasG(),
		BiasA:     imu.BiasA(),
		NumClones: m.state.NClones(),
		NumSLAM:   len(m.state.FeaturesSLAM()),
	}
	for i := 0; i < 6; i++ {
		out.PoseCovDiag[i] = m.state.Cov().At(i, i)
	}
	return out
}

// Landmarks copies the global positions of the current SLAM landmarks.
func (m *Manager) Landmarks() map[int]quatmath.Vec3 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]quatmath.Vec3, len(m.state.FeaturesSLAM()))
	for id, l := range m.state.FeaturesSLAM() {
		out[id] = m.landmarkGlobal(l)
	}
	return out
}

// landmarkGlobal resolves a landmark to global coordinates.
func (m *Manager) landmarkGlobal(l *types.Landmark) quatmath.Vec3 {
	p := l.XYZ(false)
	if !l.Rep.IsRelative() {
		return p
	}
	clone := m.state.GetClone(l.AnchorCloneTimestamp)
	if clone == nil {
		return p
	}
	calib := m.state.GetCalibIMUtoCAM(l.AnchorCamID)
	rGtoA := calib.Rot().Mul(clone.Rot())
	pAinG := clone.Pos().Sub(rGtoA.Transpose().MulVec(calib.Pos()))
	return rGtoA.Transpose().MulVec(p).Add(pAinG)
}

// dedupeFeatures removes from base any feature present in exclude.
func dedupeFeatures(base, exclude []*feat.Feature) []*feat.Feature {
	if len(exclude) == 0 {
		return base
	}
	skip := make(map[int]bool, len(exclude))
	for _, f := range exclude {
		skip[f.FeatID] = true
	}
	out := base[:0]
	for _, f := range base {
		if !skip[f.FeatID] {
			out = append(out, f)
		}
	}
	return out
}
