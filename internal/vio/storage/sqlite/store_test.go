package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "vio_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateRunAndPoses(t *testing.T) {
	db := openTestDB(t)

	runID, err := db.CreateRun("bench", `{"max_clone_size":11}`)
	require.NoError(t, err)
	assert.Contains(t, runID, "run_")

	for i := 0; i < 4; i++ {
		p := PoseRecord{
			RunID:     runID,
			Timestamp: float64(i) * 0.25,
			QW:        1,
			PX:        float64(i) * 0.5,
		}
		require.NoError(t, db.InsertPose(p))
	}

	poses, err := db.ListPoses(runID)
	require.NoError(t, err)
	require.Len(t, poses, 4)
	assert.Equal(t, 0.0, poses[0].Timestamp)
	assert.Equal(t, 1.5, poses[3].PX)

	run, err := db.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.PoseCount)
	assert.InDelta(t, 1.5, run.DistanceMeters, 1e-9)
	assert.Equal(t, "bench", run.Label)
}

func TestReplaceLandmarks(t *testing.T) {
	db := openTestDB(t)
	runID, err := db.CreateRun("", "{}")
	require.NoError(t, err)

	first := []LandmarkRecord{{RunID: runID, FeatID: 1, X: 1}, {RunID: runID, FeatID: 2, Y: 2}}
	require.NoError(t, db.ReplaceLandmarks(runID, first))
	second := []LandmarkRecord{{RunID: runID, FeatID: 3, Z: 3}}
	require.NoError(t, db.ReplaceLandmarks(runID, second))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM vio_landmark WHERE run_id = ?`, runID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestListRuns(t *testing.T) {
	db := openTestDB(t)
	_, err := db.CreateRun("a", "{}")
	require.NoError(t, err)
	_, err = db.CreateRun("b", "{}")
	require.NoError(t, err)

	runs, err := db.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vio.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening runs migrations again; ErrNoChange is not an error.
	db2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db2.Close())
}
