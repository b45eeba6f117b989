// Package config loads the estimator tuning parameters from JSON. The
// schema uses optional pointer fields so partial configs are safe: any
// field omitted from the file falls back to the canonical default through
// its Get accessor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root configuration for the estimator.
type TuningConfig struct {
	// Filter structure
	DoFEJ                   *bool   `json:"do_fej,omitempty"`
	IMUAvg                  *bool   `json:"imu_avg,omitempty"`
	UseRK4Integration       *bool   `json:"use_rk4_integration,omitempty"`
	DoCalibCameraPose       *bool   `json:"do_calib_camera_pose,omitempty"`
	DoCalibCameraIntrinsics *bool   `json:"do_calib_camera_intrinsics,omitempty"`
	DoCalibCameraTimeoffset *bool   `json:"do_calib_camera_timeoffset,omitempty"`
	MaxCloneSize            *int    `json:"max_clone_size,omitempty"`
	MaxSLAMFeatures         *int    `json:"max_slam_features,omitempty"`
	MaxArucoFeatures        *int    `json:"max_aruco_features,omitempty"`
	NumCameras              *int    `json:"num_cameras,omitempty"`
	FeatRepresentation      *string `json:"feat_representation,omitempty"`

	// Measurement noise and gating
	SigmaPix           *float64 `json:"sigma_pix,omitempty"`
	Chi2Multipler      *float64 `json:"chi2_multipler,omitempty"`
	SigmaPixAruco      *float64 `json:"sigma_pix_aruco,omitempty"`
	Chi2MultiplerAruco *float64 `json:"chi2_multipler_aruco,omitempty"`

	// IMU noise densities
	SigmaW  *float64 `json:"sigma_w,omitempty"`
	SigmaA  *float64 `json:"sigma_a,omitempty"`
	SigmaWb *float64 `json:"sigma_wb,omitempty"`
	SigmaAb *float64 `json:"sigma_ab,omitempty"`

	// Gravity vector in the global frame
	Gravity *[3]float64 `json:"gravity,omitempty"`

	// Triangulation / refinement
	MaxRuns       *int     `json:"max_runs,omitempty"`
	InitLamda     *float64 `json:"init_lamda,omitempty"`
	MaxLamda      *float64 `json:"max_lamda,omitempty"`
	MinDx         *float64 `json:"min_dx,omitempty"`
	MinDcost      *float64 `json:"min_dcost,omitempty"`
	LamMult       *float64 `json:"lam_mult,omitempty"`
	MinDist       *float64 `json:"min_dist,omitempty"`
	MaxDist       *float64 `json:"max_dist,omitempty"`
	MaxBaseline   *float64 `json:"max_baseline,omitempty"`
	MaxCondNumber *float64 `json:"max_cond_number,omitempty"`

	// Static initialization
	IMUExciteThreshold *float64 `json:"imu_excite_threshold,omitempty"`
	WindowLength       *float64 `json:"window_length,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults, searching the
// current directory and common parents. Panics if the file cannot be
// loaded; intended for test setup and binaries that validated config
// availability at startup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate rejects values outside their physical or numeric ranges.
func (c *TuningConfig) Validate() error {
	if c.MaxCloneSize != nil && *c.MaxCloneSize < 2 {
		return fmt.Errorf("max_clone_size must be >= 2, got %d", *c.MaxCloneSize)
	}
	if c.NumCameras != nil && (*c.NumCameras < 1 || *c.NumCameras > 4) {
		return fmt.Errorf("num_cameras must be in [1,4], got %d", *c.NumCameras)
	}
	if c.FeatRepresentation != nil {
		switch *c.FeatRepresentation {
		case "GLOBAL_3D", "GLOBAL_FULL_INVERSE_DEPTH", "ANCHORED_3D",
			"ANCHORED_FULL_INVERSE_DEPTH", "ANCHORED_MSCKF_INVERSE_DEPTH":
		default:
			return fmt.Errorf("unknown feat_representation %q", *c.FeatRepresentation)
		}
	}
	for name, v := range map[string]*float64{
		"sigma_pix": c.SigmaPix, "sigma_w": c.SigmaW, "sigma_a": c.SigmaA,
		"sigma_wb": c.SigmaWb, "sigma_ab": c.SigmaAb,
		"chi2_multipler": c.Chi2Multipler, "window_length": c.WindowLength,
		"min_dist": c.MinDist, "max_dist": c.MaxDist,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %g", name, *v)
		}
	}
	if c.MinDist != nil && c.MaxDist != nil && *c.MinDist >= *c.MaxDist {
		return fmt.Errorf("min_dist %g must be below max_dist %g", *c.MinDist, *c.MaxDist)
	}
	return nil
}

// Accessors with canonical defaults.

func (c *TuningConfig) GetDoFEJ() bool             { return boolOr(c.DoFEJ, false) }
func (c *TuningConfig) GetIMUAvg() bool            { return boolOr(c.IMUAvg, false) }
func (c *TuningConfig) GetUseRK4Integration() bool { return boolOr(c.UseRK4Integration, false) }
func (c *TuningConfig) GetDoCalibCameraPose() bool { return boolOr(c.DoCalibCameraPose, false) }
func (c *TuningConfig) GetDoCalibCameraIntrinsics() bool {
	return boolOr(c.DoCalibCameraIntrinsics, false)
}
func (c *TuningConfig) GetDoCalibCameraTimeoffset() bool {
	return boolOr(c.DoCalibCameraTimeoffset, false)
}
func (c *TuningConfig) GetMaxCloneSize() int     { return intOr(c.MaxCloneSize, 11) }
func (c *TuningConfig) GetMaxSLAMFeatures() int  { return intOr(c.MaxSLAMFeatures, 0) }
func (c *TuningConfig) GetMaxArucoFeatures() int { return intOr(c.MaxArucoFeatures, 1024) }
func (c *TuningConfig) GetNumCameras() int       { return intOr(c.NumCameras, 1) }
func (c *TuningConfig) GetFeatRepresentation() string {
	if c.FeatRepresentation != nil {
		return *c.FeatRepresentation
	}
	return "GLOBAL_3D"
}

func (c *TuningConfig) GetSigmaPix() float64           { return floatOr(c.SigmaPix, 1) }
func (c *TuningConfig) GetChi2Multipler() float64      { return floatOr(c.Chi2Multipler, 5) }
func (c *TuningConfig) GetSigmaPixAruco() float64      { return floatOr(c.SigmaPixAruco, 1) }
func (c *TuningConfig) GetChi2MultiplerAruco() float64 { return floatOr(c.Chi2MultiplerAruco, 5) }

func (c *TuningConfig) GetSigmaW() float64  { return floatOr(c.SigmaW, 1.6968e-04) }
func (c *TuningConfig) GetSigmaA() float64  { return floatOr(c.SigmaA, 2.0000e-03) }
func (c *TuningConfig) GetSigmaWb() float64 { return floatOr(c.SigmaWb, 1.9393e-05) }
func (c *TuningConfig) GetSigmaAb() float64 { return floatOr(c.SigmaAb, 3.0000e-03) }

func (c *TuningConfig) GetGravity() [3]float64 {
	if c.Gravity != nil {
		return *c.Gravity
	}
	return [3]float64{0, 0, 9.81}
}

func (c *TuningConfig) GetMaxRuns() int           { return intOr(c.MaxRuns, 20) }
func (c *TuningConfig) GetInitLamda() float64     { return floatOr(c.InitLamda, 1e-3) }
func (c *TuningConfig) GetMaxLamda() float64      { return floatOr(c.MaxLamda, 1e10) }
func (c *TuningConfig) GetMinDx() float64         { return floatOr(c.MinDx, 1e-6) }
func (c *TuningConfig) GetMinDcost() float64      { return floatOr(c.MinDcost, 1e-6) }
func (c *TuningConfig) GetLamMult() float64       { return floatOr(c.LamMult, 10) }
func (c *TuningConfig) GetMinDist() float64       { return floatOr(c.MinDist, 0.25) }
func (c *TuningConfig) GetMaxDist() float64       { return floatOr(c.MaxDist, 40) }
func (c *TuningConfig) GetMaxBaseline() float64   { return floatOr(c.MaxBaseline, 40) }
func (c *TuningConfig) GetMaxCondNumber() float64 { return floatOr(c.MaxCondNumber, 1000) }

func (c *TuningConfig) GetIMUExciteThreshold() float64 { return floatOr(c.IMUExciteThreshold, 1.0) }
func (c *TuningConfig) GetWindowLength() float64       { return floatOr(c.WindowLength, 0.75) }

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func floatOr(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}
