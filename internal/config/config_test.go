package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locnet/internal/errs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
train_index: /data/train.txt
train_dir: "/data/train"
batch_size: 4
epochs: 2
lr: 0.5
use_gpu: false
plot_path: loss.png
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/train.txt", cfg.TrainIndex)
	assert.Equal(t, "/data/train", cfg.TrainDir)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 2, cfg.Epochs)
	assert.Equal(t, 0.5, cfg.LR)
	assert.False(t, cfg.UseGPU)
	assert.Equal(t, "loss.png", cfg.PlotPath)

	// Keys not in the file keep their defaults.
	assert.Equal(t, 1000, cfg.EvalBatchSize)
	assert.Equal(t, 0.7, cfg.Gamma)
	assert.Equal(t, "../data/validation", cfg.ValDir)
	assert.True(t, cfg.SaveModel)
	assert.Equal(t, "architecture1.safetensors", cfg.ModelPath)
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 326, cfg.ImageH)
	assert.Equal(t, 490, cfg.ImageW)
	assert.Equal(t, 10, cfg.LogInterval)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "batch_sise: 4\n"))
	assert.True(t, errs.Is(err, errs.Config), "got %v", err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errs.Is(err, errs.IO))
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	epochs, off, dir, lr := 3, false, "/tmp/train", 0.1
	cfg.ApplyOverrides(Overrides{Epochs: &epochs, UseGPU: &off, SaveModel: &off, TrainDir: &dir, LR: &lr})
	assert.Equal(t, 3, cfg.Epochs)
	assert.False(t, cfg.UseGPU)
	assert.False(t, cfg.SaveModel)
	assert.Equal(t, "/tmp/train", cfg.TrainDir)
	assert.Equal(t, 0.1, cfg.LR)
	assert.Equal(t, 8, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"batch size":   func(c *Config) { c.BatchSize = 0 },
		"epochs":       func(c *Config) { c.Epochs = -1 },
		"lr":           func(c *Config) { c.LR = 0 },
		"gamma":        func(c *Config) { c.Gamma = 1.5 },
		"train index":  func(c *Config) { c.TrainIndex = "" },
		"image width":  func(c *Config) { c.ImageW = 0 },
		"pixel scale":  func(c *Config) { c.PixelScale = 0 },
		"model path":   func(c *Config) { c.ModelPath = "" },
		"log interval": func(c *Config) { c.LogInterval = 0 },
		"eval batch":   func(c *Config) { c.EvalBatchSize = 0 },
		"num workers":  func(c *Config) { c.NumWorkers = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errs.Is(err, errs.Config), "got %v", err)
		})
	}

	cfg := Default()
	cfg.SaveModel, cfg.ModelPath = false, ""
	assert.NoError(t, cfg.Validate())
	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}
