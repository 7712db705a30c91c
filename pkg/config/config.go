// Package config provides configuration loading and management for slicerecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"slicerecon/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Reconstruction parameters
	Reconstruction struct {
		// SliceSize is the edge length in pixels of a reconstructed slice
		SliceSize int `yaml:"sliceSize"`

		// PreviewSize is the edge length in voxels of the preview volume
		PreviewSize int `yaml:"previewSize"`

		// GroupSize is the number of projections processed together
		GroupSize int `yaml:"groupSize"`

		// FilterCores is the number of processing workers
		FilterCores int `yaml:"filterCores"`

		// Darks and Flats are the calibration frame counts
		Darks int `yaml:"darks"`
		Flats int `yaml:"flats"`

		// Mode is "alternating" or "continuous"
		Mode string `yaml:"mode"`

		// AlreadyLinear skips the negative log for pre-linearized data
		AlreadyLinear bool `yaml:"alreadyLinear"`

		// Filter is "ram-lak", "shepp-logan" or "gaussian"
		Filter string `yaml:"filter"`

		// GaussianSigma is the low pass width of the gaussian filter
		GaussianSigma float32 `yaml:"gaussianSigma"`

		// TiltAxis exposes the rotation axis tilt tunables
		TiltAxis bool `yaml:"tiltAxis"`
	} `yaml:"reconstruction"`

	// Phase retrieval parameters
	Phase struct {
		// Retrieve enables Paganin phase retrieval
		Retrieve bool `yaml:"retrieve"`

		PixelSize float32 `yaml:"pixelSize"`
		Lambda    float32 `yaml:"lambda"`
		Delta     float32 `yaml:"delta"`
		Beta      float32 `yaml:"beta"`
		Distance  float32 `yaml:"distance"`
	} `yaml:"phase"`

	// Server parameters
	Server struct {
		// ProjectionAddr is where acquisition clients connect
		ProjectionAddr string `yaml:"projectionAddr"`

		// VisualizationAddr is where slice clients connect
		VisualizationAddr string `yaml:"visualizationAddr"`

		// ReadTimeout closes idle connections; zero disables it
		ReadTimeout time.Duration `yaml:"readTimeout"`

		// SceneName is announced to visualization clients
		SceneName string `yaml:"sceneName"`
	} `yaml:"server"`

	// Journal parameters
	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`

	// Export parameters
	Export struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"export"`

	// Log parameters
	Log struct {
		// Level is debug, info, warn or error
		Level string `yaml:"level"`

		// JSON switches to JSON output
		JSON bool `yaml:"json"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults := models.DefaultSettings()

	// Set default reconstruction parameters
	cfg.Reconstruction.SliceSize = defaults.SliceSize
	cfg.Reconstruction.PreviewSize = defaults.PreviewSize
	cfg.Reconstruction.GroupSize = defaults.GroupSize
	cfg.Reconstruction.FilterCores = runtime.NumCPU()
	cfg.Reconstruction.Darks = defaults.Darks
	cfg.Reconstruction.Flats = defaults.Flats
	cfg.Reconstruction.Mode = defaults.Mode.String()
	cfg.Reconstruction.Filter = defaults.Filter.String()
	cfg.Reconstruction.GaussianSigma = defaults.GaussianSigma

	// Set default phase retrieval parameters
	cfg.Phase.PixelSize = defaults.Paganin.PixelSize
	cfg.Phase.Lambda = defaults.Paganin.Lambda
	cfg.Phase.Delta = defaults.Paganin.Delta
	cfg.Phase.Beta = defaults.Paganin.Beta
	cfg.Phase.Distance = defaults.Paganin.Distance

	// Set default server parameters
	cfg.Server.ProjectionAddr = "localhost:5558"
	cfg.Server.VisualizationAddr = "localhost:5555"
	cfg.Server.SceneName = "slicerecon"

	cfg.Journal.Path = "slicerecon_journal.db"
	cfg.Export.Dir = "snapshots"
	cfg.Log.Level = "info"

	return cfg
}

// Settings converts the reconstruction and phase sections into validated
// reconstruction settings.
func (c *Config) Settings() (models.Settings, error) {
	mode, err := models.ParseMode(c.Reconstruction.Mode)
	if err != nil {
		return models.Settings{}, err
	}
	filter, err := models.ParseFilterKind(c.Reconstruction.Filter)
	if err != nil {
		return models.Settings{}, err
	}

	s := models.Settings{
		SliceSize:     c.Reconstruction.SliceSize,
		PreviewSize:   c.Reconstruction.PreviewSize,
		GroupSize:     c.Reconstruction.GroupSize,
		FilterCores:   c.Reconstruction.FilterCores,
		Darks:         c.Reconstruction.Darks,
		Flats:         c.Reconstruction.Flats,
		Mode:          mode,
		AlreadyLinear: c.Reconstruction.AlreadyLinear,
		RetrievePhase: c.Phase.Retrieve,
		Paganin: models.PaganinSettings{
			PixelSize: c.Phase.PixelSize,
			Lambda:    c.Phase.Lambda,
			Delta:     c.Phase.Delta,
			Beta:      c.Phase.Beta,
			Distance:  c.Phase.Distance,
		},
		Filter:        filter,
		GaussianSigma: c.Reconstruction.GaussianSigma,
		TiltAxis:      c.Reconstruction.TiltAxis,
	}
	if err := s.Validate(); err != nil {
		return models.Settings{}, err
	}
	return s, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
