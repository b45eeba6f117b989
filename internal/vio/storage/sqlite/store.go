// Package sqlite persists estimator output: one row per run, one row per
// estimated pose at image cadence, and the final landmark map. The schema
// is managed with embedded golang-migrate migrations.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the estimator's sqlite database.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path, applies the connection
// pragmas and runs all pending migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}
	if err := applyPragmas(sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}
	db := &DB{DB: sqldb}
	if err := db.migrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// applyPragmas sets the SQLite connection options used for a single-writer
// append-heavy workload.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("sqlite: applying %q: %w", p, err)
		}
	}
	return nil
}

// migrateUp runs every pending migration.
func (db *DB) migrateUp() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: embedded migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("sqlite: migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migrate instance: %w", err)
	}
	// Close() is not called here: the sqlite driver's Close() would close
	// the shared sql.DB connection that the store keeps using.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: migration up: %w", err)
	}
	return nil
}

// Run is one estimator session.
type Run struct {
	RunID          string
	StartedUnix    int64
	Label          string
	ConfigJSON     string
	PoseCount      int
	DistanceMeters float64
}

// PoseRecord is one estimated pose at image cadence.
type PoseRecord struct {
	RunID          string
	Timestamp      float64
	QX, QY, QZ, QW float64
	PX, PY, PZ     float64
	VX, VY, VZ     float64
	// Leading pose covariance diagonal (orientation, position).
	CovDiag [6]float64
}

// LandmarkRecord is a final landmark position in the global frame.
type LandmarkRecord struct {
	RunID   string
	FeatID  int
	X, Y, Z float64
}

// CreateRun inserts a new run row and returns its id.
func (db *DB) CreateRun(label, configJSON string) (string, error) {
	runID := fmt.Sprintf("run_%s", uuid.NewString())
	_, err := db.Exec(
		`INSERT INTO vio_run (run_id, started_unix, label, config_json) VALUES (?, ?, ?, ?)`,
		runID, time.Now().Unix(), label, configJSON)
	if err != nil {
		return "", fmt.Errorf("sqlite: creating run: %w", err)
	}
	return runID, nil
}

// InsertPose appends one pose row.
func (db *DB) InsertPose(p PoseRecord) error {
	_, err := db.Exec(
		`INSERT INTO vio_pose (run_id, timestamp, qx, qy, qz, qw, px, py, pz, vx, vy, vz,
			cov_th_x, cov_th_y, cov_th_z, cov_p_x, cov_p_y, cov_p_z)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RunID, p.Timestamp, p.QX, p.QY, p.QZ, p.QW, p.PX, p.PY, p.PZ,
		p.VX, p.VY, p.VZ,
		p.CovDiag[0], p.CovDiag[1], p.CovDiag[2], p.CovDiag[3], p.CovDiag[4], p.CovDiag[5])
	if err != nil {
		return fmt.Errorf("sqlite: inserting pose: %w", err)
	}
	return nil
}

// ReplaceLandmarks overwrites the landmark map of a run.
func (db *DB) ReplaceLandmarks(runID string, landmarks []LandmarkRecord) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM vio_landmark WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("sqlite: clearing landmarks: %w", err)
	}
	for _, l := range landmarks {
		if _, err := tx.Exec(
			`INSERT INTO vio_landmark (run_id, feat_id, x, y, z) VALUES (?, ?, ?, ?, ?)`,
			runID, l.FeatID, l.X, l.Y, l.Z); err != nil {
			return fmt.Errorf("sqlite: inserting landmark %d: %w", l.FeatID, err)
		}
	}
	return tx.Commit()
}

// ListPoses returns the poses of a run in time order.
func (db *DB) ListPoses(runID string) ([]PoseRecord, error) {
	rows, err := db.Query(
		`SELECT timestamp, qx, qy, qz, qw, px, py, pz, vx, vy, vz,
			cov_th_x, cov_th_y, cov_th_z, cov_p_x, cov_p_y, cov_p_z
		 FROM vio_pose WHERE run_id = ? ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PoseRecord
	for rows.Next() {
		p := PoseRecord{RunID: runID}
		if err := rows.Scan(&p.Timestamp, &p.QX, &p.QY, &p.QZ, &p.QW,
			&p.PX, &p.PY, &p.PZ, &p.VX, &p.VY, &p.VZ,
			&p.CovDiag[0], &p.CovDiag[1], &p.CovDiag[2],
			&p.CovDiag[3], &p.CovDiag[4], &p.CovDiag[5]); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRun returns a run with its derived summary columns.
func (db *DB) GetRun(runID string) (*Run, error) {
	r := &Run{RunID: runID}
	err := db.QueryRow(
		`SELECT started_unix, label, config_json FROM vio_run WHERE run_id = ?`, runID).
		Scan(&r.StartedUnix, &r.Label, &r.ConfigJSON)
	if err != nil {
		return nil, err
	}

	err = db.QueryRow(
		`SELECT COUNT(*) FROM vio_pose WHERE run_id = ?`, runID).Scan(&r.PoseCount)
	if err != nil {
		return nil, err
	}

	poses, err := db.ListPoses(runID)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(poses); i++ {
		dx := poses[i].PX - poses[i-1].PX
		dy := poses[i].PY - poses[i-1].PY
		dz := poses[i].PZ - poses[i-1].PZ
		r.DistanceMeters += math.Sqrt(dx*dx + dy*dy + dz*dz)
	}
	return r, nil
}

// ListRuns returns every run, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(
		`SELECT run_id, started_unix, label, config_json FROM vio_run ORDER BY started_unix DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.StartedUnix, &r.Label, &r.ConfigJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
