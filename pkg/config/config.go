// Package config provides configuration loading and management for dentalscan.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"dentalscan/pkg/registration"
	"dentalscan/pkg/segmentation"
	"dentalscan/pkg/simplify"
	"dentalscan/pkg/volume"
)

// ErrInvalidConfig is returned by Validate and LoadConfig for unusable values.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores bounds concurrent segment runs and slice writers
		NumCores int `yaml:"numCores"`

		// PixelSpacing is the in-plane voxel size of image stacks in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`

		// SliceGap is the distance between consecutive image slices in mm
		SliceGap float64 `yaml:"sliceGap"`
	} `yaml:"processing"`

	// Segmentation parameters
	Segmentation struct {
		// WindowMin and WindowMax bound the Hounsfield window mapped to 0..255
		WindowMin float64 `yaml:"windowMin"`
		WindowMax float64 `yaml:"windowMax"`

		// Segments lists the thresholds extracted by the segment command
		Segments []segmentation.Segment `yaml:"segments"`

		// ResizePolicy is one of never, downsample, upsample, always
		ResizePolicy string `yaml:"resizePolicy"`

		// TargetSpacing is the isotropic working resolution in mm
		TargetSpacing float64 `yaml:"targetSpacing"`

		// MaxVoxels bounds the resampled grid, 0 for no bound
		MaxVoxels int `yaml:"maxVoxels"`

		// ClosedBoundary caps surfaces that reach the volume border
		ClosedBoundary bool `yaml:"closedBoundary"`

		// SearchIterations, when positive, bisects every edge crossing this
		// many times instead of interpolating linearly
		SearchIterations int `yaml:"searchIterations"`
	} `yaml:"segmentation"`

	// Mesh cleanup parameters
	Simplify struct {
		// TriangleCeiling is the count above which meshes are decimated
		TriangleCeiling int `yaml:"triangleCeiling"`

		SmoothIterations int     `yaml:"smoothIterations"`
		SmoothRelaxation float64 `yaml:"smoothRelaxation"`
		FeatureAngle     float64 `yaml:"featureAngle"`

		FillHoles    bool `yaml:"fillHoles"`
		MaxHoleEdges int  `yaml:"maxHoleEdges"`
	} `yaml:"simplify"`

	// Registration parameters
	Registration struct {
		MaxIterations   int     `yaml:"maxIterations"`
		Epsilon         float64 `yaml:"epsilon"`
		MaxSourcePoints int     `yaml:"maxSourcePoints"`
		MatchCentroids  bool    `yaml:"matchCentroids"`

		// Radius restricts ICP to vertices near the picked points, 0 for all
		Radius float64 `yaml:"radius"`

		// Passes is how many times ICP restarts from its previous result
		Passes int `yaml:"passes"`
	} `yaml:"registration"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults writes the windowed volume and raw mesh
		SaveIntermediaryResults bool   `yaml:"saveIntermediaryResults"`
		IntermediaryDir         string `yaml:"intermediaryDir"`

		// FlipSlices mirrors exported slice images vertically
		FlipSlices bool `yaml:"flipSlices"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.PixelSpacing = 0.3
	cfg.Processing.SliceGap = 0.3

	cfg.Segmentation.WindowMin = -400
	cfg.Segmentation.WindowMax = 3000
	cfg.Segmentation.Segments = segmentation.DefaultSegments()
	cfg.Segmentation.ResizePolicy = volume.ResizeUpsample.String()
	cfg.Segmentation.TargetSpacing = 0.25
	cfg.Segmentation.MaxVoxels = 256 * 256 * 256

	so := simplify.DefaultOptions()
	cfg.Simplify.TriangleCeiling = so.Ceiling
	cfg.Simplify.SmoothIterations = so.Smooth.Iterations
	cfg.Simplify.SmoothRelaxation = so.Smooth.Relaxation
	cfg.Simplify.FeatureAngle = so.Smooth.FeatureAngle
	cfg.Simplify.FillHoles = so.FillHoles
	cfg.Simplify.MaxHoleEdges = so.MaxHoleEdges

	ao := registration.DefaultAlignOptions()
	cfg.Registration.MaxIterations = ao.ICP.MaxIterations
	cfg.Registration.Epsilon = ao.ICP.Epsilon
	cfg.Registration.MaxSourcePoints = ao.ICP.MaxSourcePoints
	cfg.Registration.MatchCentroids = ao.ICP.MatchCentroids
	cfg.Registration.Radius = ao.Radius
	cfg.Registration.Passes = ao.Passes

	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.FlipSlices = true

	return cfg
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf(format, args...))
		}
	}

	check(c.Processing.NumCores > 0, "processing.numCores must be positive, got %d", c.Processing.NumCores)
	check(c.Processing.PixelSpacing > 0, "processing.pixelSpacing must be positive, got %g", c.Processing.PixelSpacing)
	check(c.Processing.SliceGap > 0, "processing.sliceGap must be positive, got %g", c.Processing.SliceGap)

	check(c.Segmentation.WindowMax > c.Segmentation.WindowMin,
		"segmentation window [%g, %g] is empty", c.Segmentation.WindowMin, c.Segmentation.WindowMax)
	check(len(c.Segmentation.Segments) > 0, "segmentation.segments is empty")
	seen := map[string]bool{}
	for _, s := range c.Segmentation.Segments {
		check(s.Name != "", "segment with threshold %g has no name", s.Threshold)
		check(!seen[s.Name], "segment %q is listed twice", s.Name)
		seen[s.Name] = true
	}
	policy, perr := volume.ParseResizePolicy(c.Segmentation.ResizePolicy)
	check(perr == nil, "segmentation.resizePolicy %q is unknown", c.Segmentation.ResizePolicy)
	check(policy == volume.ResizeNever || c.Segmentation.TargetSpacing > 0,
		"segmentation.targetSpacing must be positive, got %g", c.Segmentation.TargetSpacing)
	check(c.Segmentation.MaxVoxels >= 0, "segmentation.maxVoxels must not be negative")
	check(c.Segmentation.SearchIterations >= 0, "segmentation.searchIterations must not be negative")

	check(c.Simplify.TriangleCeiling >= 0, "simplify.triangleCeiling must not be negative")
	check(c.Simplify.SmoothIterations >= 0, "simplify.smoothIterations must not be negative")
	check(c.Simplify.SmoothRelaxation >= 0 && c.Simplify.SmoothRelaxation <= 1,
		"simplify.smoothRelaxation must be in [0, 1], got %g", c.Simplify.SmoothRelaxation)
	check(c.Simplify.FeatureAngle > 0 && c.Simplify.FeatureAngle <= 180,
		"simplify.featureAngle must be in (0, 180], got %g", c.Simplify.FeatureAngle)
	check(c.Simplify.MaxHoleEdges >= 0, "simplify.maxHoleEdges must not be negative")

	check(c.Registration.MaxIterations > 0, "registration.maxIterations must be positive")
	check(c.Registration.Epsilon > 0, "registration.epsilon must be positive")
	check(c.Registration.MaxSourcePoints >= 0, "registration.maxSourcePoints must not be negative")
	check(c.Registration.Radius >= 0, "registration.radius must not be negative")
	check(c.Registration.Passes > 0, "registration.passes must be positive")

	check(!c.Output.SaveIntermediaryResults || c.Output.IntermediaryDir != "",
		"output.intermediaryDir is required with saveIntermediaryResults")

	if err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// SimplifyOptions converts the simplify section.
func (c *Config) SimplifyOptions() simplify.Options {
	return simplify.Options{
		Ceiling: c.Simplify.TriangleCeiling,
		Smooth: simplify.SmoothOptions{
			Iterations:   c.Simplify.SmoothIterations,
			Relaxation:   c.Simplify.SmoothRelaxation,
			FeatureAngle: c.Simplify.FeatureAngle,
		},
		FillHoles:    c.Simplify.FillHoles,
		MaxHoleEdges: c.Simplify.MaxHoleEdges,
	}
}

// AlignOptions converts the registration section.
func (c *Config) AlignOptions() registration.AlignOptions {
	return registration.AlignOptions{
		Radius: c.Registration.Radius,
		Passes: c.Registration.Passes,
		ICP: registration.ICPOptions{
			MaxIterations:   c.Registration.MaxIterations,
			Epsilon:         c.Registration.Epsilon,
			MaxSourcePoints: c.Registration.MaxSourcePoints,
			MatchCentroids:  c.Registration.MatchCentroids,
		},
	}
}

// PipelineContext builds the shared segmentation request for v from the
// segmentation, simplify and output sections. It names no segment;
// WithSegment specializes it per configured segment.
func (c *Config) PipelineContext(v *volume.Volume) (segmentation.PipelineContext, error) {
	policy, err := volume.ParseResizePolicy(c.Segmentation.ResizePolicy)
	if err != nil {
		return segmentation.PipelineContext{}, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	pc := segmentation.PipelineContext{
		Volume:                  v,
		WindowMin:               c.Segmentation.WindowMin,
		WindowMax:               c.Segmentation.WindowMax,
		ResizePolicy:            policy,
		TargetSpacing:           c.Segmentation.TargetSpacing,
		MaxVoxels:               c.Segmentation.MaxVoxels,
		ClosedBoundary:          c.Segmentation.ClosedBoundary,
		SearchIterations:        c.Segmentation.SearchIterations,
		Simplify:                c.SimplifyOptions(),
		SaveIntermediaryResults: c.Output.SaveIntermediaryResults,
		IntermediaryDir:         c.Output.IntermediaryDir,
	}
	return pc, nil
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
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, configPath)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
