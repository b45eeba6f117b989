package state

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.report/internal/vio/types"
)

// initialCovDiag seeds the diagonal of newly created covariance blocks.
const initialCovDiag = 1e-3

// State is the full filter state: the active IMU block, the sliding window
// of pose clones, SLAM landmarks, calibration parameters and the joint
// covariance over everything that is being estimated.
//
// The covariance and the variable list are owned exclusively by the filter
// goroutine; external readers go through copy-out accessors.
type State struct {
	timestamp float64
	options   Options

	imu          *types.IMUState
	clonesIMU    map[float64]*types.PoseJPL
	featuresSLAM map[int]*types.Landmark

	calibDtCAMtoIMU *types.Vec
	calibIMUtoCAM   map[int]*types.PoseJPL
	camIntrinsics   map[int]*types.Vec
	camFisheye      map[int]bool

	cov       *mat.Dense
	variables []types.Type
}

// New creates a state with the IMU block at covariance offset zero and the
// calibration variables inserted per the options.
func New(options Options) *State {
	s := &State{
		options:       options,
		clonesIMU:     make(map[float64]*types.PoseJPL),
		featuresSLAM:  make(map[int]*types.Landmark),
		calibIMUtoCAM: make(map[int]*types.PoseJPL),
		camIntrinsics: make(map[int]*types.Vec),
		camFisheye:    make(map[int]bool),
	}

	currentID := 0
	s.imu = types.NewIMUState()
	s.imu.SetID(currentID)
	s.variables = append(s.variables, s.imu)
	currentID += s.imu.Size()

	s.calibDtCAMtoIMU = types.NewVec(1)
	if options.DoCalibCameraTimeoffset {
		s.calibDtCAMtoIMU.SetID(currentID)
		s.variables = append(s.variables, s.calibDtCAMtoIMU)
		currentID += s.calibDtCAMtoIMU.Size()
	}

	for cam := 0; cam < options.NumCameras; cam++ {
		pose := types.NewPoseJPL()
		if options.DoCalibCameraPose {
			pose.SetID(currentID)
			s.variables = append(s.variables, pose)
			currentID += pose.Size()
		}
		s.calibIMUtoCAM[cam] = pose

		intr := types.NewVec(8)
		if options.DoCalibCameraIntrinsics {
			intr.SetID(currentID)
			s.variables = append(s.variables, intr)
			currentID += intr.Size()
		}
		s.camIntrinsics[cam] = intr
		s.camFisheye[cam] = false
	}

	s.cov = mat.NewDense(currentID, currentID, nil)
	for i := 0; i < currentID; i++ {
		s.cov.Set(i, i, initialCovDiag)
	}
	return s
}

// Timestamp returns the state time (the last propagation target).
func (s *State) Timestamp() float64 { return s.timestamp }

// SetTimestamp moves the state time.
func (s *State) SetTimestamp(t float64) { s.timestamp = t }

// Options returns the structural options.
func (s *State) Options() Options { return s.options }

// IMU returns the active inertial block.
func (s *State) IMU() *types.IMUState { return s.imu }

// Cov returns the covariance matrix. Callers outside this package must
// treat it as read-only.
func (s *State) Cov() *mat.Dense { return s.cov }

// NVars returns the covariance dimension.
func (s *State) NVars() int {
	r, _ := s.cov.Dims()
	return r
}

// CalibDtCAMtoIMU returns the time-offset variable (t_imu = t_cam + t_off).
func (s *State) CalibDtCAMtoIMU() *types.Vec { return s.calibDtCAMtoIMU }

// GetClone returns the pose clone at the given image time, or nil.
func (s *State) GetClone(timestamp float64) *types.PoseJPL {
	return s.clonesIMU[timestamp]
}

// CloneTimes returns the clone timestamps in ascending order.
func (s *State) CloneTimes() []float64 {
	times := make([]float64, 0, len(s.clonesIMU))
	for t := range s.clonesIMU {
		times = append(times, t)
	}
	sort.Float64s(times)
	return times
}

// NClones returns the number of clones in the window.
func (s *State) NClones() int { return len(s.clonesIMU) }

// MargTimestep returns the clone time that will be marginalized next: the
// oldest clone in the sliding window.
func (s *State) MargTimestep() float64 {
	t := math.Inf(1)
	for ct := range s.clonesIMU {
		if ct < t {
			t = ct
		}
	}
	return t
}

// GetCalibIMUtoCAM returns the extrinsic calibration of a camera.
func (s *State) GetCalibIMUtoCAM(camID int) *types.PoseJPL {
	return s.calibIMUtoCAM[camID]
}

// CalibIMUtoCAMs returns the extrinsics of every camera.
func (s *State) CalibIMUtoCAMs() map[int]*types.PoseJPL { return s.calibIMUtoCAM }

// GetIntrinsicsCAM returns the intrinsic parameters of a camera.
func (s *State) GetIntrinsicsCAM(camID int) *types.Vec { return s.camIntrinsics[camID] }

// InsertSLAMFeature adds an initialized landmark keyed by its feature id.
func (s *State) InsertSLAMFeature(featID int, l *types.Landmark) {
	s.featuresSLAM[featID] = l
}

// FeaturesSLAM returns the landmark map.
func (s *State) FeaturesSLAM() map[int]*types.Landmark { return s.featuresSLAM }

// GetSLAMFeature returns the landmark with the given id, or nil.
func (s *State) GetSLAMFeature(featID int) *types.Landmark { return s.featuresSLAM[featID] }

// insertClone registers a pose clone at an image time. Only the covariance
// helpers call this; inserting a clone without growing the covariance would
// break the block invariant.
func (s *State) insertClone(timestamp float64, pose *types.PoseJPL) {
	s.clonesIMU[timestamp] = pose
}

// eraseClone drops the clone bookkeeping for a marginalized pose.
func (s *State) eraseClone(timestamp float64) {
	delete(s.clonesIMU, timestamp)
}

// Variables returns the live variable list.
func (s *State) Variables() []types.Type { return s.variables }

// insertVariable appends a variable that already has its covariance block.
func (s *State) insertVariable(v types.Type) {
	s.variables = append(s.variables, v)
}
