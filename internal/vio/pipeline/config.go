package pipeline

import (
	"github.com/banshee-data/trajectory.report/internal/config"
	"github.com/banshee-data/trajectory.report/internal/vio/feat"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
	"github.com/banshee-data/trajectory.report/internal/vio/types"
	"github.com/banshee-data/trajectory.report/internal/vio/update"
)

// ConfigFromTuning builds the estimator configuration from a loaded
// TuningConfig. Use this in binaries where the TuningConfig is already
// loaded and validated.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	rep, _ := types.ParseRepresentation(cfg.GetFeatRepresentation())
	g := cfg.GetGravity()
	return Config{
		StateOptions: state.Options{
			DoFEJ:                   cfg.GetDoFEJ(),
			IMUAvg:                  cfg.GetIMUAvg(),
			UseRK4Integration:       cfg.GetUseRK4Integration(),
			DoCalibCameraPose:       cfg.GetDoCalibCameraPose(),
			DoCalibCameraIntrinsics: cfg.GetDoCalibCameraIntrinsics(),
			DoCalibCameraTimeoffset: cfg.GetDoCalibCameraTimeoffset(),
			MaxCloneSize:            cfg.GetMaxCloneSize(),
			MaxSLAMFeatures:         cfg.GetMaxSLAMFeatures(),
			MaxArucoFeatures:        cfg.GetMaxArucoFeatures(),
			NumCameras:              cfg.GetNumCameras(),
			FeatRepresentation:      rep,
		},
		Noises: state.NoiseManager{
			SigmaW:  cfg.GetSigmaW(),
			SigmaWb: cfg.GetSigmaWb(),
			SigmaA:  cfg.GetSigmaA(),
			SigmaAb: cfg.GetSigmaAb(),
		},
		Gravity: quatmath.Vec3{g[0], g[1], g[2]},
		MSCKFOptions: update.Options{
			SigmaPix:      cfg.GetSigmaPix(),
			Chi2Multipler: cfg.GetChi2Multipler(),
		},
		SLAMOptions: update.Options{
			SigmaPix:      cfg.GetSigmaPix(),
			Chi2Multipler: cfg.GetChi2Multipler(),
		},
		ArucoOptions: update.Options{
			SigmaPix:      cfg.GetSigmaPixAruco(),
			Chi2Multipler: cfg.GetChi2MultiplerAruco(),
		},
		FeatInit: feat.InitializerOptions{
			MaxRuns:       cfg.GetMaxRuns(),
			InitLamda:     cfg.GetInitLamda(),
			MaxLamda:      cfg.GetMaxLamda(),
			MinDx:         cfg.GetMinDx(),
			MinDcost:      cfg.GetMinDcost(),
			LamMult:       cfg.GetLamMult(),
			MinDist:       cfg.GetMinDist(),
			MaxDist:       cfg.GetMaxDist(),
			MaxBaseline:   cfg.GetMaxBaseline(),
			MaxCondNumber: cfg.GetMaxCondNumber(),
		},
		IMUPrior:           state.DefaultIMUPrior(),
		WindowLength:       cfg.GetWindowLength(),
		IMUExciteThreshold: cfg.GetIMUExciteThreshold(),
	}
}
