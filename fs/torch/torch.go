// torch.go - Leser fuer gepicklte Torch-Checkpoints (.pt, .ckpt)
//
// Dieses Modul enthaelt:
// - Load: Liest einen gepicklten Checkpoint in eine flache Name->Tensor-Map
// - Storage-Konvertierung (Float/Half/Double) nach float32

// Package torch reads pickled tensor checkpoints into flat
// string-to-tensor mappings using the gopickle pytorch decoder.
package torch

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/SentClone/InvokeAI/tensor"
)

// Load reads every tensor of a pickled checkpoint, keyed by its dotted
// name. Non-tensor entries and non-string keys are skipped.
func Load(path string) (map[string]*tensor.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load torch checkpoint %s: %w", path, err)
	}

	tensors := make(map[string]*tensor.Tensor)
	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			slog.Debug("skipping non-string checkpoint key", "key", fmt.Sprintf("%v", key))
			return nil
		}
		switch v := value.(type) {
		case *pytorch.Tensor:
			t, err := convert(v)
			if err != nil {
				return fmt.Errorf("tensor %s: %w", name, err)
			}
			tensors[name] = t
		case float64:
			tensors[name] = tensor.Scalar(float32(v))
		case float32:
			tensors[name] = tensor.Scalar(v)
		case int:
			tensors[name] = tensor.Scalar(float32(v))
		default:
			slog.Debug("skipping non-tensor checkpoint entry", "name", name, "type", fmt.Sprintf("%T", value))
		}
		return nil
	}

	switch d := obj.(type) {
	case *types.Dict:
		for _, entry := range *d {
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for key, entry := range d.Map {
			if err := add(key, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unexpected checkpoint root type %T", obj)
	}
	return tensors, nil
}

// convert copies a pickled tensor's storage into a float32 tensor. Only
// contiguous tensors occur in adapter checkpoints; anything else is an
// error rather than a silent misread.
func convert(t *pytorch.Tensor) (*tensor.Tensor, error) {
	n := 1
	for _, d := range t.Size {
		n *= d
	}
	if !contiguous(t.Size, t.Stride) {
		return nil, fmt.Errorf("non-contiguous tensor with size %v stride %v", t.Size, t.Stride)
	}

	offset := int(t.StorageOffset)
	data := make([]float32, n)
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		copy(data, s.Data[offset:offset+n])
	case *pytorch.HalfStorage:
		copy(data, s.Data[offset:offset+n])
	case *pytorch.DoubleStorage:
		for i, v := range s.Data[offset : offset+n] {
			data[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported storage type %T", t.Source)
	}
	return tensor.FromSlice(data, t.Size...), nil
}

func contiguous(size, stride []int) bool {
	if len(stride) != len(size) {
		return len(size) == 0
	}
	expect := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expect {
			return false
		}
		expect *= size[i]
	}
	return true
}
