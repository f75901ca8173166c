package config

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"locnet/internal/errs"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainIndex string `yaml:"train_index"`
	TrainDir   string `yaml:"train_dir"`
	ValIndex   string `yaml:"val_index"`
	ValDir     string `yaml:"val_dir"`

	BatchSize     int     `yaml:"batch_size"`
	EvalBatchSize int     `yaml:"eval_batch_size"`
	Epochs        int     `yaml:"epochs"`
	LR            float64 `yaml:"lr"`
	Gamma         float64 `yaml:"gamma"`
	Seed          int64   `yaml:"seed"`
	LogInterval   int     `yaml:"log_interval"`

	UseGPU     bool    `yaml:"use_gpu"`
	NumWorkers int     `yaml:"num_workers"`
	ImageH     int     `yaml:"image_height"`
	ImageW     int     `yaml:"image_width"`
	PixelScale float64 `yaml:"pixel_scale"`

	SaveModel bool   `yaml:"save_model"`
	ModelPath string `yaml:"model_path"`
	PlotPath  string `yaml:"plot_path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		TrainIndex:    "../data/labels/train_labels.txt",
		TrainDir:      "../data/train",
		ValIndex:      "../data/labels/validation_labels.txt",
		ValDir:        "../data/validation",
		BatchSize:     8,
		EvalBatchSize: 1000,
		Epochs:        14,
		LR:            1.0,
		Gamma:         0.7,
		Seed:          1,
		LogInterval:   10,
		UseGPU:        true,
		NumWorkers:    1,
		ImageH:        326,
		ImageW:        490,
		PixelScale:    1.0,
		SaveModel:     true,
		ModelPath:     "architecture1.safetensors",
	}
}

// Overrides captures CLI supplied values. Nil fields leave the config
// untouched.
type Overrides struct {
	TrainIndex    *string
	TrainDir      *string
	ValIndex      *string
	ValDir        *string
	BatchSize     *int
	EvalBatchSize *int
	Epochs        *int
	LR            *float64
	Gamma         *float64
	Seed          *int64
	LogInterval   *int
	UseGPU        *bool
	NumWorkers    *int
	ImageH        *int
	ImageW        *int
	PixelScale    *float64
	SaveModel     *bool
	ModelPath     *string
	PlotPath      *string
}

// Load reads a Config from YAML on top of the defaults and validates it.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "open config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using every non-nil override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.TrainIndex, o.TrainIndex)
	setString(&c.TrainDir, o.TrainDir)
	setString(&c.ValIndex, o.ValIndex)
	setString(&c.ValDir, o.ValDir)
	setString(&c.ModelPath, o.ModelPath)
	setString(&c.PlotPath, o.PlotPath)
	setInt(&c.BatchSize, o.BatchSize)
	setInt(&c.EvalBatchSize, o.EvalBatchSize)
	setInt(&c.Epochs, o.Epochs)
	setInt(&c.LogInterval, o.LogInterval)
	setInt(&c.NumWorkers, o.NumWorkers)
	setInt(&c.ImageH, o.ImageH)
	setInt(&c.ImageW, o.ImageW)
	if o.PixelScale != nil {
		c.PixelScale = *o.PixelScale
	}
	if o.LR != nil {
		c.LR = *o.LR
	}
	if o.Gamma != nil {
		c.Gamma = *o.Gamma
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.UseGPU != nil {
		c.UseGPU = *o.UseGPU
	}
	if o.SaveModel != nil {
		c.SaveModel = *o.SaveModel
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errs.New(errs.Config, "config is nil")
	}
	for _, p := range []struct{ name, value string }{
		{"train_index", c.TrainIndex},
		{"train_dir", c.TrainDir},
		{"val_index", c.ValIndex},
		{"val_dir", c.ValDir},
	} {
		if p.value == "" {
			return errs.New(errs.Config, "%s must be set", p.name)
		}
	}
	for _, v := range []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"eval_batch_size", c.EvalBatchSize},
		{"epochs", c.Epochs},
		{"log_interval", c.LogInterval},
		{"num_workers", c.NumWorkers},
		{"image_height", c.ImageH},
		{"image_width", c.ImageW},
	} {
		if v.value <= 0 {
			return errs.New(errs.Config, "%s must be > 0 (got %d)", v.name, v.value)
		}
	}
	if c.LR <= 0 {
		return errs.New(errs.Config, "lr must be > 0 (got %g)", c.LR)
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return errs.New(errs.Config, "gamma must be in (0, 1] (got %g)", c.Gamma)
	}
	if c.PixelScale <= 0 {
		return errs.New(errs.Config, "pixel_scale must be > 0 (got %g)", c.PixelScale)
	}
	if c.SaveModel && c.ModelPath == "" {
		return errs.New(errs.Config, "model_path must be set when save_model is enabled")
	}
	return nil
}
