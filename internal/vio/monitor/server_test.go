package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trajectory.report/internal/vio/pipeline"
	"github.com/banshee-data/trajectory.report/internal/vio/quatmath"
)

func TestStateEndpoint(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.DefaultConfig())
	srv := NewServer(mgr)

	srv.RecordEpoch(pipeline.PoseEstimate{Velocity: quatmath.Vec3{1, 0, 0}})
	srv.RecordEpoch(pipeline.PoseEstimate{Velocity: quatmath.Vec3{0, 2, 0}})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/vio/state", nil))
	require.Equal(t, 200, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["initialized"])
	assert.InDelta(t, 1.5, resp["speed_mean_mps"].(float64), 1e-9)
	assert.Equal(t, float64(0), resp["num_clones"].(float64))
}

func TestRunSummaryEndpoint(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.DefaultConfig())
	srv := NewServer(mgr)

	srv.RecordEpoch(pipeline.PoseEstimate{Timestamp: 1.0, Position: quatmath.Vec3{0, 0, 0}})
	srv.RecordEpoch(pipeline.PoseEstimate{Timestamp: 1.5, Position: quatmath.Vec3{3, 4, 0}})
	srv.RecordEpoch(pipeline.PoseEstimate{Timestamp: 2.0, Position: quatmath.Vec3{3, 4, 12}})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/vio/run", nil))
	require.Equal(t, 200, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(3), resp["pose_count"].(float64))
	assert.InDelta(t, 17.0, resp["distance_meters"].(float64), 1e-9)
	assert.InDelta(t, 1.0, resp["duration_secs"].(float64), 1e-9)
}

func TestRunSummaryEmptyRun(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.DefaultConfig())
	srv := NewServer(mgr)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/vio/run", nil))
	require.Equal(t, 200, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(0), resp["pose_count"].(float64))
	assert.Equal(t, float64(0), resp["distance_meters"].(float64))
}

func TestLandmarksEndpointEmpty(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.DefaultConfig())
	srv := NewServer(mgr)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/vio/landmarks", nil))
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.DefaultConfig())
	srv := NewServer(mgr)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)
}
