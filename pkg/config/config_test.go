package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slicerecon/internal/models"
)

func TestDefaultConfigSettings(t *testing.T) {
	cfg := DefaultConfig()
	s, err := cfg.Settings()
	require.NoError(t, err)

	want := models.DefaultSettings()
	want.FilterCores = cfg.Reconstruction.FilterCores
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slicerecon.yaml")
	yaml := `
reconstruction:
  sliceSize: 512
  mode: continuous
  filter: gaussian
  groupSize: 8
phase:
  retrieve: true
server:
  readTimeout: 30s
journal:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Journal.Enabled)
	// untouched keys keep their defaults
	assert.Equal(t, "localhost:5558", cfg.Server.ProjectionAddr)

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, 512, s.SliceSize)
	assert.Equal(t, models.Continuous, s.Mode)
	assert.Equal(t, models.FilterGaussian, s.Filter)
	assert.True(t, s.RetrievePhase)
}

func TestSettingsRejectsInvalidValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconstruction.Mode = "sideways"
	_, err := cfg.Settings()
	assert.ErrorIs(t, err, models.ErrInvalidSettings)

	cfg = DefaultConfig()
	cfg.Reconstruction.Filter = "hann"
	_, err = cfg.Settings()
	assert.ErrorIs(t, err, models.ErrInvalidSettings)

	cfg = DefaultConfig()
	cfg.Reconstruction.SliceSize = -1
	_, err = cfg.Settings()
	assert.ErrorIs(t, err, models.ErrInvalidSettings)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconstruction: [1, 2"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "slicerecon.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
