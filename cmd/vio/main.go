// Command vio runs the visual-inertial estimator. It consumes an inertial
// stream (a recorded CSV or a live serial device) together with recorded
// feature tracks, writes the estimated trajectory to a sqlite store and
// serves live state over HTTP.
//
// Recorded inputs use one CSV row per sample:
//
//	IMU:      timestamp_s,wx,wy,wz,ax,ay,az
//	features: timestamp_s,cam_id,feat_id,u,v,u_norm,v_norm
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/banshee-data/trajectory.report/internal/config"
	"github.com/banshee-data/trajectory.report/internal/imu/serialimu"
	"github.com/banshee-data/trajectory.report/internal/vio/monitor"
	"github.com/banshee-data/trajectory.report/internal/vio/pipeline"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
	"github.com/banshee-data/trajectory.report/internal/vio/state"
	"github.com/banshee-data/trajectory.report/internal/vio/storage/sqlite"
)

var (
	configPath = flag.String("config", "", "Path to tuning JSON (defaults to config/tuning.defaults.json)")
	imuPath    = flag.String("imu", "", "Recorded IMU CSV (replay mode)")
	featsPath  = flag.String("feats", "", "Recorded feature-track CSV (replay mode)")
	serialPort = flag.String("serial", "", "Serial IMU device (live mode)")
	dbPath     = flag.String("db", "vio.db", "Trajectory sqlite store")
	listenAddr = flag.String("listen", "", "HTTP monitor address (e.g. :8081), empty to disable")
	runLabel   = flag.String("label", "", "Label for this run in the store")
)

func main() {
	flag.Parse()

	var tuning *config.TuningConfig
	var err error
	if *configPath != "" {
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
	} else {
		tuning = config.MustLoadDefaultConfig()
	}

	cfg := pipeline.ConfigFromTuning(tuning)
	mgr := pipeline.NewManager(cfg)

	// Pinhole defaults until a calibration file is supplied: raw pixels
	// equal normalized coordinates.
	for cam := 0; cam < cfg.StateOptions.NumCameras; cam++ {
		mgr.SetCalibration(cam, quatmath.Identity(), quatmath.Vec3{},
			[]float64{1, 1, 0, 0, 0, 0, 0, 0})
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	cfgJSON, _ := json.Marshal(tuning)
	runID, err := store.CreateRun(*runLabel, string(cfgJSON))
	if err != nil {
		log.Fatalf("creating run: %v", err)
	}
	log.Printf("run %s -> %s", runID, *dbPath)

	srv := monitor.NewServer(mgr)
	if *listenAddr != "" {
		go func() {
			if err := srv.Start(*listenAddr); err != nil {
				log.Fatalf("monitor server: %v", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case *imuPath != "" && *featsPath != "":
		if err := replay(ctx, mgr, srv, store, runID, *imuPath, *featsPath); err != nil {
			log.Fatalf("replay: %v", err)
		}
	case *serialPort != "":
		if err := liveSerial(ctx, mgr, *serialPort); err != nil {
			log.Fatalf("serial intake: %v", err)
		}
	default:
		log.Fatal("either -imu/-feats (replay) or -serial (live) is required")
	}

	if err := mgr.Err(); err != nil {
		log.Fatalf("filter halted: %v", err)
	}
}

// featureRow is one parsed feature-track measurement.
type featureRow struct {
	timestamp float64
	camID     int
	featID    int
	u, v      float64
	un, vn    float64
}

// replay drives the estimator from recorded CSVs, feeding IMU samples up
// to each image epoch before processing it.
func replay(ctx context.Context, mgr *pipeline.Manager, srv *monitor.Server,
	store *sqlite.DB, runID, imuPath, featsPath string) error {

	imuData, err := loadIMUCSV(imuPath)
	if err != nil {
		return err
	}
	feats, epochs, err := loadFeatureCSV(featsPath)
	if err != nil {
		return err
	}
	log.Printf("replaying %d IMU samples across %d image epochs", len(imuData), len(epochs))

	imuIdx := 0
	for _, epoch := range epochs {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// All inertial samples up to (and slightly past) the image time
		// must be buffered before the epoch is processed.
		horizon := epoch + 0.05
		for imuIdx < len(imuData) && imuData[imuIdx].Timestamp <= horizon {
			mgr.FeedIMU(imuData[imuIdx])
			imuIdx++
		}

		for _, row := range feats[epoch] {
			mgr.Database().UpdateFeature(row.featID, row.timestamp, row.camID,
				row.u, row.v, row.un, row.vn)
		}
		mgr.ProcessCameraEpoch(epoch)
		if err := mgr.Err(); err != nil {
			return err
		}
		if !mgr.Initialized() {
			continue
		}

		est := mgr.Snapshot()
		srv.RecordEpoch(est)
		if err := store.InsertPose(sqlite.PoseRecord{
			RunID:     runID,
			Timestamp: est.Timestamp,
			QX:        est.QGtoI[0], QY: est.QGtoI[1], QZ: est.QGtoI[2], QW: est.QGtoI[3],
			PX: est.Position[0], PY: est.Position[1], PZ: est.Position[2],
			VX: est.Velocity[0], VY: est.Velocity[1], VZ: est.Velocity[2],
			CovDiag: est.PoseCovDiag,
		}); err != nil {
			return err
		}
	}

	// Persist the final landmark map.
	var records []sqlite.LandmarkRecord
	for id, p := range mgr.Landmarks() {
		records = append(records, sqlite.LandmarkRecord{
			RunID: runID, FeatID: id, X: p[0], Y: p[1], Z: p[2],
		})
	}
	return store.ReplaceLandmarks(runID, records)
}

// liveSerial feeds the estimator from a serial IMU until interrupted. Only
// inertial samples are fed in this mode: no image epoch is processed, so the
// buffers stay primed and the state queryable but the filter does not
// advance.
func liveSerial(ctx context.Context, mgr *pipeline.Manager, portName string) error {
	reader, err := serialimu.Open(portName)
	if err != nil {
		return err
	}
	defer reader.Close()

	go func() {
		if err := reader.Monitor(ctx); err != nil {
			log.Printf("serial monitor stopped: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-reader.Samples():
			if !ok {
				return nil
			}
			mgr.FeedIMU(data)
		}
	}
}

// loadIMUCSV parses a recorded inertial stream.
func loadIMUCSV(path string) ([]state.IMUData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []state.IMUData
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		data, err := serialimu.ParseLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, scan.Err()
}

// loadFeatureCSV parses recorded feature tracks, grouped by image epoch.
func loadFeatureCSV(path string) (map[float64][]featureRow, []float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	rows := make(map[float64][]featureRow)
	scan := bufio.NewScanner(f)
	lineNo := 0
	for scan.Scan() {
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 7 {
			return nil, nil, fmt.Errorf("%s:%d: want 7 fields, got %d", path, lineNo, len(fields))
		}
		var vals [7]float64
		for i, fd := range fields {
			vals[i], err = strconv.ParseFloat(strings.TrimSpace(fd), 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%s:%d: field %d: %w", path, lineNo, i, err)
			}
		}
		row := featureRow{
			timestamp: vals[0],
			camID:     int(vals[1]),
			featID:    int(vals[2]),
			u:         vals[3], v: vals[4],
			un: vals[5], vn: vals[6],
		}
		rows[row.timestamp] = append(rows[row.timestamp], row)
	}
	if err := scan.Err(); err != nil {
		return nil, nil, err
	}

	epochs := make([]float64, 0, len(rows))
	for t := range rows {
		epochs = append(epochs, t)
	}
	sort.Float64s(epochs)
	return rows, epochs, nil
}
