package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsWhenFieldsOmitted(t *testing.T) {
	cfg := EmptyTuningConfig()
	assert.Equal(t, 11, cfg.GetMaxCloneSize())
	assert.Equal(t, 1, cfg.GetNumCameras())
	assert.Equal(t, "GLOBAL_3D", cfg.GetFeatRepresentation())
	assert.Equal(t, 1.0, cfg.GetSigmaPix())
	assert.Equal(t, 5.0, cfg.GetChi2Multipler())
	assert.Equal(t, 0.25, cfg.GetMinDist())
	assert.Equal(t, 40.0, cfg.GetMaxDist())
	assert.Equal(t, 40.0, cfg.GetMaxBaseline())
	assert.Equal(t, 1000.0, cfg.GetMaxCondNumber())
	assert.Equal(t, 20, cfg.GetMaxRuns())
	assert.Equal(t, 1e-3, cfg.GetInitLamda())
	assert.Equal(t, 0.75, cfg.GetWindowLength())
	assert.Equal(t, [3]float64{0, 0, 9.81}, cfg.GetGravity())
	assert.False(t, cfg.GetDoFEJ())
}

func TestPartialConfigOverrides(t *testing.T) {
	path := writeConfig(t, `{"max_clone_size": 8, "do_fej": true, "sigma_pix": 2.5}`)
	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.GetMaxCloneSize())
	assert.True(t, cfg.GetDoFEJ())
	assert.Equal(t, 2.5, cfg.GetSigmaPix())
	// Untouched fields keep their defaults.
	assert.Equal(t, 1, cfg.GetNumCameras())
}

func TestRejectsNonJSONExtension(t *testing.T) {
	_, err := LoadTuningConfig("tuning.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		`{"max_clone_size": 1}`,
		`{"num_cameras": 0}`,
		`{"feat_representation": "CARTESIAN"}`,
		`{"sigma_pix": -1}`,
		`{"min_dist": 50, "max_dist": 40}`,
	}
	for _, c := range cases {
		path := writeConfig(t, c)
		_, err := LoadTuningConfig(path)
		assert.Error(t, err, c)
	}
}

func TestRoundTripThroughJSON(t *testing.T) {
	path := writeConfig(t, `{
		"use_rk4_integration": true,
		"gravity": [0, 0, 9.79],
		"feat_representation": "ANCHORED_3D"
	}`)
	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	want := [3]float64{0, 0, 9.79}
	if diff := cmp.Diff(want, cfg.GetGravity()); diff != "" {
		t.Errorf("gravity mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, cfg.GetUseRK4Integration())
	assert.Equal(t, "ANCHORED_3D", cfg.GetFeatRepresentation())
}
