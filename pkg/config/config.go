package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a bag cannot be built from a configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// TransferPolicy decides when items move from the staging buffer to the main store.
type TransferPolicy string

const (
	// TransferEvery moves one item after every PopFrequency admissions.
	TransferEvery TransferPolicy = "every"
	// TransferManual leaves transfers to the caller.
	TransferManual TransferPolicy = "manual"
)

// StagingRatio is how much larger a staging bucket is than a main bucket by default.
const StagingRatio = 100

// Config holds the construction parameters of a bag.
type Config struct {
	NumLevels        int            `yaml:"num_levels"`
	NumStagingLevels int            `yaml:"num_staging_levels"`
	NumWorkingModes  int            `yaml:"num_working_modes"`
	Capacity         int            `yaml:"capacity"`         // per main bucket
	StagingCapacity  int            `yaml:"staging_capacity"` // per staging bucket
	TransferPolicy   TransferPolicy `yaml:"transfer_policy"`
	PopFrequency     int            `yaml:"pop_frequency"`
	Seed             uint64         `yaml:"seed"` // 0 seeds from the runtime
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		NumLevels:        100,
		NumStagingLevels: 1000,
		NumWorkingModes:  10,
		Capacity:         5000,
		StagingCapacity:  StagingCapacityFor(5000),
		TransferPolicy:   TransferEvery,
		PopFrequency:     1,
	}
}

// StagingCapacityFor returns the default staging capacity for a main bucket capacity.
func StagingCapacityFor(capacity int) int {
	return capacity * StagingRatio
}

// Load reads a YAML file over Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every parameter and the working-mode partition of both stages.
func (c Config) Validate() error {
	if err := ValidatePartition(c.NumLevels, c.NumWorkingModes); err != nil {
		return fmt.Errorf("main store: %w", err)
	}
	if err := ValidatePartition(c.NumStagingLevels, c.NumWorkingModes); err != nil {
		return fmt.Errorf("staging buffer: %w", err)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.StagingCapacity <= 0 {
		return fmt.Errorf("%w: staging_capacity must be positive, got %d", ErrInvalidConfig, c.StagingCapacity)
	}
	switch c.TransferPolicy {
	case TransferEvery:
		if c.PopFrequency <= 0 {
			return fmt.Errorf("%w: pop_frequency must be positive, got %d", ErrInvalidConfig, c.PopFrequency)
		}
	case TransferManual:
	default:
		return fmt.Errorf("%w: unknown transfer_policy %q", ErrInvalidConfig, c.TransferPolicy)
	}
	return nil
}

// ValidatePartition checks that levels buckets split evenly into modes segments.
func ValidatePartition(levels, modes int) error {
	if levels <= 0 {
		return fmt.Errorf("%w: level count must be positive, got %d", ErrInvalidConfig, levels)
	}
	if modes <= 0 {
		return fmt.Errorf("%w: working mode count must be positive, got %d", ErrInvalidConfig, modes)
	}
	if levels%modes != 0 {
		return fmt.Errorf("%w: %d levels do not divide into %d working modes", ErrInvalidConfig, levels, modes)
	}
	return nil
}
