// Package monitor serves read-only JSON snapshots of the running estimator
// over HTTP, for dashboards and debugging.
package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/trajectory.report/internal/vio/pipeline"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

// speedHistoryLen bounds the ring of recent speed samples used for the
// summary statistics.
const speedHistoryLen = 200

// Server exposes the estimator state over HTTP.
type Server struct {
	mgr *pipeline.Manager
	mux *http.ServeMux

	mu     sync.Mutex
	speeds []float64

	// Run summary accumulators, updated per processed epoch.
	poseCount      int
	distanceMeters float64
	lastPos        quatmath.Vec3
	firstTimestamp float64
	lastTimestamp  float64
}

// NewServer wires the monitor routes onto a fresh mux.
func NewServer(mgr *pipeline.Manager) *Server {
	s := &Server{mgr: mgr, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/vio/state", s.handleState)
	s.mux.HandleFunc("/api/vio/run", s.handleRun)
	s.mux.HandleFunc("/api/vio/landmarks", s.handleLandmarks)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	log.Printf("[MONITOR]: serving on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

// RecordEpoch feeds the per-epoch statistics. Called by the filter loop
// after each processed image.
func (s *Server) RecordEpoch(est pipeline.PoseEstimate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speeds = append(s.speeds, est.Velocity.Norm())
	if len(s.speeds) > speedHistoryLen {
		s.speeds = s.speeds[len(s.speeds)-speedHistoryLen:]
	}

	if s.poseCount == 0 {
		s.firstTimestamp = est.Timestamp
	} else {
		s.distanceMeters += est.Position.Sub(s.lastPos).Norm()
	}
	s.lastPos = est.Position
	s.lastTimestamp = est.Timestamp
	s.poseCount++
}

// stateResponse is the JSON shape of /api/vio/state.
type stateResponse struct {
	Initialized bool       `json:"initialized"`
	Timestamp   float64    `json:"timestamp"`
	Quat        [4]float64 `json:"q_gtoi"`
	Position    [3]float64 `json:"p_iing"`
	Velocity    [3]float64 `json:"v_iing"`
	BiasGyro    [3]float64 `json:"bias_gyro"`
	BiasAccel   [3]float64 `json:"bias_accel"`
	PoseCovDiag [6]float64 `json:"pose_cov_diag"`
	NumClones   int        `json:"num_clones"`
	NumSLAM     int        `json:"num_slam"`

	SpeedMeanMps float64 `json:"speed_mean_mps"`
	SpeedStdMps  float64 `json:"speed_std_mps"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	est := s.mgr.Snapshot()
	resp := stateResponse{
		Initialized: s.mgr.Initialized(),
		Timestamp:   est.Timestamp,
		Quat:        [4]float64(est.QGtoI),
		Position:    [3]float64(est.Position),
		Velocity:    [3]float64(est.Velocity),
		BiasGyro:    [3]float64(est.BiasG),
		BiasAccel:   [3]float64(est.BiasA),
		PoseCovDiag: est.PoseCovDiag,
		NumClones:   est.NumClones,
		NumSLAM:     est.NumSLAM,
	}

	s.mu.Lock()
	if len(s.speeds) > 0 {
		resp.SpeedMeanMps = stat.Mean(s.speeds, nil)
	}
	if len(s.speeds) > 1 {
		resp.SpeedStdMps = stat.StdDev(s.speeds, nil)
	}
	s.mu.Unlock()

	writeJSON(w, resp)
}

// runResponse is the JSON shape of /api/vio/run: the summary of the run
// in progress.
type runResponse struct {
	PoseCount      int     `json:"pose_count"`
	DistanceMeters float64 `json:"distance_meters"`
	DurationSecs   float64 `json:"duration_secs"`
	NumSLAM        int     `json:"num_slam"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	est := s.mgr.Snapshot()

	s.mu.Lock()
	resp := runResponse{
		PoseCount:      s.poseCount,
		DistanceMeters: s.distanceMeters,
		NumSLAM:        est.NumSLAM,
	}
	if s.poseCount > 1 {
		resp.DurationSecs = s.lastTimestamp - s.firstTimestamp
	}
	s.mu.Unlock()

	writeJSON(w, resp)
}

// landmarkResponse is one entry of /api/vio/landmarks.
type landmarkResponse struct {
	FeatID   int        `json:"feat_id"`
	Position [3]float64 `json:"p_fing"`
}

func (s *Server) handleLandmarks(w http.ResponseWriter, r *http.Request) {
	lms := s.mgr.Landmarks()
	out := make([]landmarkResponse, 0, len(lms))
	for id, p := range lms {
		out = append(out, landmarkResponse{FeatID: id, Position: [3]float64(p)})
	}
	writeJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MONITOR]: encoding response: %v", err)
	}
}
