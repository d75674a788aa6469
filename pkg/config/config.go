// Package config provides configuration loading and management for a
// benchmark planning run. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the run configuration loaded from YAML
type Config struct {
	// Dataset location and plan
	Dataset struct {
		// Dir is the root directory holding the per-dataset files
		Dir string `yaml:"dir"`

		// Name is the dataset name written to every record
		Name string `yaml:"name"`

		// PlanFile is the benchmark plan, relative to Dir unless absolute
		PlanFile string `yaml:"planFile"`
	} `yaml:"dataset"`

	// Train/test split parameters
	Split struct {
		// RandomSeed keys the split permutation
		RandomSeed int64 `yaml:"randomSeed"`

		// Ratio is the fraction of cases assigned to train
		Ratio float64 `yaml:"ratio"`
	} `yaml:"split"`

	// Mask normalization switches
	Masks struct {
		// ForceUint16 re-encodes masks as uint16 with slope 1 / intercept 0
		ForceUint16 bool `yaml:"forceUint16"`

		// ReorientToRAS reorients images and masks to RAS+
		ReorientToRAS bool `yaml:"reorientToRAS"`
	} `yaml:"masks"`

	// Bounding box scale factors
	BBox struct {
		ShrunkScale   float64 `yaml:"shrunkScale"`
		EnlargedScale float64 `yaml:"enlargedScale"`
	} `yaml:"bbox"`

	// Clustering parameters
	Clustering struct {
		// Connectivity is the voxel neighbourhood: 6, 18 or 26
		Connectivity int `yaml:"connectivity"`
	} `yaml:"clustering"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds the number of cases processed concurrently
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir receives the manifest and diagnostics; defaults to the dataset dir
		Dir string `yaml:"dir"`

		ManifestFile    string `yaml:"manifestFile"`
		DiagnosticsFile string `yaml:"diagnosticsFile"`

		// Visualization enables annotated figures
		Visualization bool `yaml:"visualization"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Dataset.PlanFile = "plan.yaml"

	cfg.Split.RandomSeed = 1024
	cfg.Split.Ratio = 0.7

	cfg.Masks.ForceUint16 = false
	cfg.Masks.ReorientToRAS = false

	cfg.BBox.ShrunkScale = 0.9
	cfg.BBox.EnlargedScale = 1.1

	cfg.Clustering.Connectivity = 26

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Output.ManifestFile = "benchmark_manifest.jsonl"
	cfg.Output.DiagnosticsFile = "benchmark_diagnostics.yaml"
	cfg.Output.Visualization = false
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
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

// Validate checks value ranges. It does not touch the filesystem.
func (c *Config) Validate() error {
	if c.Dataset.Dir == "" {
		return fmt.Errorf("dataset dir is required")
	}
	if c.Dataset.PlanFile == "" {
		return fmt.Errorf("plan file is required")
	}
	if !(c.Split.Ratio > 0 && c.Split.Ratio < 1) {
		return fmt.Errorf("split ratio must be in (0,1), got %g", c.Split.Ratio)
	}
	if !(c.BBox.ShrunkScale > 0 && c.BBox.ShrunkScale <= 1) {
		return fmt.Errorf("shrunk bbox scale must be in (0,1], got %g", c.BBox.ShrunkScale)
	}
	if c.BBox.EnlargedScale < 1 {
		return fmt.Errorf("enlarged bbox scale must be >= 1, got %g", c.BBox.EnlargedScale)
	}
	switch c.Clustering.Connectivity {
	case 6, 18, 26:
	default:
		return fmt.Errorf("connectivity must be 6, 18 or 26, got %d", c.Clustering.Connectivity)
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("numWorkers must be positive, got %d", c.Processing.NumWorkers)
	}
	if c.Output.ManifestFile == "" || c.Output.DiagnosticsFile == "" {
		return fmt.Errorf("manifest and diagnostics file names are required")
	}
	return nil
}

// PlanPath resolves the plan file against the dataset dir.
func (c *Config) PlanPath() string {
	if filepath.IsAbs(c.Dataset.PlanFile) {
		return c.Dataset.PlanFile
	}
	return filepath.Join(c.Dataset.Dir, c.Dataset.PlanFile)
}

// OutputDir returns the output directory, defaulting to the dataset dir.
func (c *Config) OutputDir() string {
	if c.Output.Dir != "" {
		return c.Output.Dir
	}
	return c.Dataset.Dir
}
