// safetensors.go - Leser fuer das Safetensors-Containerformat
//
// Dieses Modul enthaelt:
// - Load: Liest eine .safetensors-Datei in eine flache Name->Tensor-Map
// - Header-Parsing (8-Byte-Laenge + JSON) und DType-Dekodierung

// Package safetensors reads the safe zero-copy tensor container format
// into flat string-to-tensor mappings.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/SentClone/InvokeAI/tensor"
)

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Load reads every tensor of the file into memory, keyed by its dotted
// checkpoint name.
func Load(path string) (map[string]*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read safetensors header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > 100<<20 {
		return nil, fmt.Errorf("implausible safetensors header length %d", headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("read safetensors header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("parse safetensors header: %w", err)
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	tensors := make(map[string]*tensor.Tensor, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}

		buf := make([]byte, th.DataOffsets[1]-th.DataOffsets[0])
		if _, err := f.ReadAt(buf, dataStart+th.DataOffsets[0]); err != nil {
			return nil, fmt.Errorf("read tensor %s: %w", name, err)
		}

		t, err := decode(th.DType, th.Shape, buf)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = t
	}
	return tensors, nil
}

// decode converts the raw little-endian payload of one tensor to float32.
// An empty shape is a scalar with a single element.
func decode(dtype string, shape []int, raw []byte) (*tensor.Tensor, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension %d", d)
		}
		n *= d
	}

	var data []float32
	switch dtype {
	case "F32":
		if len(raw) != n*4 {
			return nil, fmt.Errorf("f32 payload is %d bytes, want %d", len(raw), n*4)
		}
		data = make([]float32, n)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("f16 payload is %d bytes, want %d", len(raw), n*2)
		}
		data = make([]float32, n)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("bf16 payload is %d bytes, want %d", len(raw), n*2)
		}
		data = bfloat16.DecodeFloat32(raw)
	case "F64":
		if len(raw) != n*8 {
			return nil, fmt.Errorf("f64 payload is %d bytes, want %d", len(raw), n*8)
		}
		data = make([]float32, n)
		for i := range data {
			data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
	return tensor.FromSlice(data, shape...), nil
}
