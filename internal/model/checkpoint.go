package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"locnet/internal/errs"
	"locnet/internal/tensor"
)

// Parameter files use the SafeTensors layout:
//
//	[8 bytes]  little-endian uint64 header length
//	[header]   JSON: name -> {dtype, shape, data_offsets}, plus "__metadata__"
//	[data]     little-endian float32 values, tensors in name order
const (
	metadataKey   = "__metadata__"
	dtypeF32      = "F32"
	maxHeaderSize = 100 << 20
)

type tensorEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Save writes every parameter of n to path, replacing the file atomically.
// The metadata is stored in the header next to the architecture name and
// input resolution.
func (n *Net) Save(path string, metadata map[string]string) error {
	meta := map[string]string{
		"architecture": Architecture,
		"height":       strconv.Itoa(n.cfg.Height),
		"width":        strconv.Itoa(n.cfg.Width),
	}
	for k, v := range metadata {
		meta[k] = v
	}
	tensors := make(map[string]*tensor.Tensor)
	for _, p := range n.Parameters() {
		tensors[p.Name] = p.Value
	}
	return WriteTensors(path, tensors, meta)
}

// Load replaces n's parameters with those stored at path. Every parameter
// must be present with the same shape; nothing is modified on failure.
func (n *Net) Load(path string) (map[string]string, error) {
	tensors, meta, err := ReadTensors(path)
	if err != nil {
		return nil, err
	}
	params := n.Parameters()
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return nil, errs.New(errs.Shape, "%s: parameter %s missing", path, p.Name)
		}
		if !t.Shape().Equal(p.Value.Shape()) {
			return nil, errs.New(errs.Shape, "%s: parameter %s has shape %s, model expects %s",
				path, p.Name, t.Shape(), p.Value.Shape())
		}
	}
	if len(tensors) != len(params) {
		return nil, errs.New(errs.Shape, "%s: holds %d tensors, model has %d parameters", path, len(tensors), len(params))
	}
	for _, p := range params {
		copy(p.Value.Data(), tensors[p.Name].Data())
	}
	return meta, nil
}

// WriteTensors stores named tensors in the SafeTensors layout.
func WriteTensors(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(t.Size()) * 4
		header[name] = tensorEntry{DType: dtypeF32, Shape: []int(t.Shape()), DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encode tensor header")
	}
	// Pad with spaces so the data section starts 8-byte aligned.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errs.Wrap(errs.IO, err, "create %s", path)
	}
	defer os.Remove(tmp.Name())

	// bufio.Writer keeps the first write error and returns it from Flush.
	w := bufio.NewWriter(tmp)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	w.Write(lenBuf[:])
	w.Write(headerBytes)
	var buf [4]byte
	for _, name := range names {
		for _, v := range tensors[name].Data() {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			w.Write(buf[:])
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.IO, err, "write %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.Wrap(errs.IO, err, "write %s", path)
	}
	return nil
}

// ReadTensors loads a file written by WriteTensors.
func ReadTensors(path string) (map[string]*tensor.Tensor, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, err, "open parameters")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, nil, errs.Wrap(errs.IO, err, "%s: read header length", path)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, nil, errs.New(errs.IO, "%s: implausible header length %d", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, errs.Wrap(errs.IO, err, "%s: read header", path)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, errs.Wrap(errs.IO, err, "%s: decode header", path)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IO, err, "%s: read data", path)
	}

	var meta map[string]string
	tensors := make(map[string]*tensor.Tensor, len(raw))
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &meta); err != nil {
				return nil, nil, errs.Wrap(errs.IO, err, "%s: decode metadata", path)
			}
			continue
		}
		var entry tensorEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, nil, errs.Wrap(errs.IO, err, "%s: decode entry %s", path, name)
		}
		if entry.DType != dtypeF32 {
			return nil, nil, errs.New(errs.IO, "%s: tensor %s has dtype %s, only %s is supported", path, name, entry.DType, dtypeF32)
		}
		start, end := entry.DataOffsets[0], entry.DataOffsets[1]
		shape := tensor.Shape(entry.Shape)
		if start < 0 || end > int64(len(data)) || end-start != int64(shape.Size())*4 {
			return nil, nil, errs.New(errs.IO, "%s: tensor %s has offsets [%d, %d) inconsistent with shape %s",
				path, name, start, end, shape)
		}
		values := make([]float32, shape.Size())
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[start+int64(i)*4:]))
		}
		t, err := tensor.FromData(values, shape...)
		if err != nil {
			return nil, nil, err
		}
		tensors[name] = t
	}
	return tensors, meta, nil
}
