// Package config provides configuration loading and management for
// greedyreg. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
// Command-line flags override these values per run.
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Epsilon is the default step length of the deformable solver
		Epsilon float64 `yaml:"epsilon"`

		// SigmaPre is the default pre-smoothing sigma in voxel units
		SigmaPre float64 `yaml:"sigmaPre"`

		// SigmaPost is the default post-smoothing sigma in voxel units
		SigmaPost float64 `yaml:"sigmaPost"`
	} `yaml:"processing"`

	// Pyramid parameters
	Pyramid struct {
		// NoiseMagnitude is the amplitude of the deterministic noise
		// added to image channels, relative to their intensity range
		NoiseMagnitude float64 `yaml:"noiseMagnitude"`
	} `yaml:"pyramid"`

	// Output parameters
	Output struct {
		// WarpPrecision quantizes warp components on write
		WarpPrecision float64 `yaml:"warpPrecision"`

		// Verbose controls the level of progress output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Epsilon = 1.0
	cfg.Processing.SigmaPre = math.Sqrt(3.0)
	cfg.Processing.SigmaPost = math.Sqrt(0.5)

	cfg.Pyramid.NoiseMagnitude = 0.01

	cfg.Output.WarpPrecision = 0.1
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
	return SaveConfig(DefaultConfig(), configPath)
}
