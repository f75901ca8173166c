package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locnet/internal/errs"
	"locnet/internal/tensor"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.safetensors")
	src := newSmallNet(t, smallConfig())
	require.NoError(t, src.Save(path, map[string]string{"run_id": "abc"}))

	cfg := smallConfig()
	cfg.Seed = 99
	dst := newSmallNet(t, cfg)
	assert.False(t, dst.Parameters()[0].Value.Equal(src.Parameters()[0].Value))

	meta, err := dst.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", meta["run_id"])
	assert.Equal(t, Architecture, meta["architecture"])
	assert.Equal(t, "16", meta["height"])
	assert.Equal(t, "20", meta["width"])
	for i, p := range dst.Parameters() {
		assert.True(t, p.Value.Equal(src.Parameters()[i].Value), p.Name)
	}
}

func TestLoadShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.safetensors")
	require.NoError(t, newSmallNet(t, smallConfig()).Save(path, nil))

	cfg := smallConfig()
	cfg.Height = 18
	other := newSmallNet(t, cfg)
	before := other.Parameters()[4].Value.Clone()
	_, err := other.Load(path)
	assert.True(t, errs.Is(err, errs.Shape), "got %v", err)
	assert.True(t, other.Parameters()[4].Value.Equal(before), "failed load leaves parameters alone")
}

func TestReadTensorsErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := ReadTensors(filepath.Join(dir, "missing.safetensors"))
	assert.True(t, errs.Is(err, errs.IO))

	corrupt := filepath.Join(dir, "corrupt.safetensors")
	require.NoError(t, os.WriteFile(corrupt, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f, '{'}, 0o644))
	_, _, err = ReadTensors(corrupt)
	assert.True(t, errs.Is(err, errs.IO))

	truncated := filepath.Join(dir, "truncated.safetensors")
	w, _ := tensor.FromData([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, WriteTensors(truncated, map[string]*tensor.Tensor{"w": w}, nil))
	data, err := os.ReadFile(truncated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-4], 0o644))
	_, _, err = ReadTensors(truncated)
	assert.True(t, errs.Is(err, errs.IO))
}

func TestWriteTensorsLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.safetensors")
	a, _ := tensor.FromData([]float32{1.5, -2}, 2)
	b, _ := tensor.FromData([]float32{3}, 1, 1)
	require.NoError(t, WriteTensors(path, map[string]*tensor.Tensor{"b": b, "a": a}, map[string]string{"k": "v"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	headerLen := int(data[0]) | int(data[1])<<8 | int(data[2])<<16 | int(data[3])<<24
	assert.Zero(t, (8+headerLen)%8, "data section is aligned")
	assert.Len(t, data, 8+headerLen+3*4)

	tensors, meta, err := ReadTensors(path)
	require.NoError(t, err)
	assert.Equal(t, "v", meta["k"])
	assert.Equal(t, []float32{1.5, -2}, tensors["a"].Data())
	assert.Equal(t, tensor.Shape{1, 1}, tensors["b"].Shape())
}
