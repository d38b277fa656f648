// Package config provides configuration loading and management for dicom2svr.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// External executables, either names resolved on PATH or absolute paths
	Tools struct {
		Dcm2niix   string `yaml:"dcm2niix"`
		Mirtk      string `yaml:"mirtk"`
		MaskEditor string `yaml:"maskEditor"`
		Nii2dcm    string `yaml:"nii2dcm"`
	} `yaml:"tools"`

	// DICOM to NIfTI conversion
	Convert struct {
		// Compress writes .nii.gz instead of .nii
		Compress bool `yaml:"compress"`

		// FilenameFormat is passed to dcm2niix -f
		FilenameFormat string `yaml:"filenameFormat"`

		ExtraArgs []string `yaml:"extraArgs"`
	} `yaml:"convert"`

	// Selection of converted stacks
	Stacks struct {
		// MinSlices drops localizers and single-slice outputs
		MinSlices int `yaml:"minSlices"`

		// Exclude holds glob patterns matched against converted file names
		Exclude []string `yaml:"exclude"`
	} `yaml:"stacks"`

	// Mask creation
	Mask struct {
		// Path points to an existing mask; creation is skipped when set
		Path string `yaml:"path"`

		// Interactive opens the mask editor and waits for it to exit
		Interactive bool `yaml:"interactive"`

		// InitArgs are passed to mirtk to initialise an empty mask
		InitArgs []string `yaml:"initArgs"`

		// EditorArgs are passed to the segmentation GUI
		EditorArgs []string `yaml:"editorArgs"`
	} `yaml:"mask"`

	// Slice-to-volume reconstruction
	Reconstruction struct {
		// Command is the mirtk subcommand to run
		Command string `yaml:"command"`

		// TemplateStack is the 1-based template stack index, 0 selects automatically
		TemplateStack int `yaml:"templateStack"`

		// Thickness holds one value per stack, or a single value for all stacks.
		// When empty the header spacing along z is used.
		Thickness []float64 `yaml:"thickness"`

		// Resolution is the isotropic output resolution in mm
		Resolution float64 `yaml:"resolution"`

		Iterations int `yaml:"iterations"`

		OutputName string   `yaml:"outputName"`
		ExtraArgs  []string `yaml:"extraArgs"`
	} `yaml:"reconstruction"`

	// NIfTI to DICOM export
	Export struct {
		Enabled bool     `yaml:"enabled"`
		Args    []string `yaml:"args"`
	} `yaml:"export"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// StateDB is the run ledger; relative paths are resolved against the output directory
		StateDB string `yaml:"stateDB"`

		// MetricsFile receives Prometheus text format metrics when set
		MetricsFile string `yaml:"metricsFile"`

		// Previews saves PNG previews of the reconstructed volume
		Previews bool `yaml:"previews"`
	} `yaml:"output"`

	// Timeouts bound each external tool, zero disables the limit
	Timeouts struct {
		Convert     time.Duration `yaml:"convert"`
		Reconstruct time.Duration `yaml:"reconstruct"`
		Export      time.Duration `yaml:"export"`
	} `yaml:"timeouts"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Tools.Dcm2niix = "dcm2niix"
	cfg.Tools.Mirtk = "mirtk"
	cfg.Tools.MaskEditor = "itksnap"
	cfg.Tools.Nii2dcm = "nii2dcm"

	cfg.Convert.Compress = true
	cfg.Convert.FilenameFormat = "%s_%p"

	cfg.Stacks.MinSlices = 3

	cfg.Mask.Interactive = true
	cfg.Mask.InitArgs = []string{"init-volume", "{template}", "{mask}"}
	cfg.Mask.EditorArgs = []string{"-g", "{template}", "-s", "{mask}"}

	cfg.Reconstruction.Command = "reconstruct"
	cfg.Reconstruction.Resolution = 0.8
	cfg.Reconstruction.Iterations = 3
	cfg.Reconstruction.OutputName = "svr_4d.nii.gz"

	cfg.Export.Enabled = true
	cfg.Export.Args = []string{"{input}", "{output}", "-d", "MR", "-r", "{reference}"}

	cfg.Output.Verbose = false
	cfg.Output.StateDB = "state.db"
	cfg.Output.Previews = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values a run cannot proceed without
func (c *Config) Validate() error {
	var errs []error

	tools := map[string]string{
		"tools.dcm2niix":   c.Tools.Dcm2niix,
		"tools.mirtk":      c.Tools.Mirtk,
		"tools.maskEditor": c.Tools.MaskEditor,
		"tools.nii2dcm":    c.Tools.Nii2dcm,
	}
	for _, key := range []string{"tools.dcm2niix", "tools.mirtk", "tools.maskEditor", "tools.nii2dcm"} {
		if tools[key] == "" {
			errs = append(errs, fmt.Errorf("%w: %s must not be empty", ErrInvalid, key))
		}
	}

	if c.Convert.FilenameFormat == "" {
		errs = append(errs, fmt.Errorf("%w: convert.filenameFormat must not be empty", ErrInvalid))
	}
	if c.Stacks.MinSlices < 1 {
		errs = append(errs, fmt.Errorf("%w: stacks.minSlices must be at least 1", ErrInvalid))
	}
	for _, pattern := range c.Stacks.Exclude {
		if _, err := filepath.Match(pattern, ""); err != nil {
			errs = append(errs, fmt.Errorf("%w: stacks.exclude pattern %q: %v", ErrInvalid, pattern, err))
		}
	}

	r := c.Reconstruction
	if r.Command == "" {
		errs = append(errs, fmt.Errorf("%w: reconstruction.command must not be empty", ErrInvalid))
	}
	if r.TemplateStack < 0 {
		errs = append(errs, fmt.Errorf("%w: reconstruction.templateStack must be >= 0", ErrInvalid))
	}
	if r.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("%w: reconstruction.resolution must be > 0", ErrInvalid))
	}
	if r.Iterations < 1 {
		errs = append(errs, fmt.Errorf("%w: reconstruction.iterations must be >= 1", ErrInvalid))
	}
	for i, th := range r.Thickness {
		if th <= 0 {
			errs = append(errs, fmt.Errorf("%w: reconstruction.thickness[%d] must be > 0", ErrInvalid, i))
		}
	}
	if r.OutputName == "" || filepath.Base(r.OutputName) != r.OutputName {
		errs = append(errs, fmt.Errorf("%w: reconstruction.outputName must be a plain file name", ErrInvalid))
	}

	if c.Timeouts.Convert < 0 || c.Timeouts.Reconstruct < 0 || c.Timeouts.Export < 0 {
		errs = append(errs, fmt.Errorf("%w: timeouts must not be negative", ErrInvalid))
	}

	return errors.Join(errs...)
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
