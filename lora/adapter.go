// adapter.go - Adapter-Parsing aus flachen State-Dictionaries
//
// Dieses Modul enthaelt:
// - LoRA: benannter Adapter mit Layer-Deltas pro gepatchter Schicht
// - LoadFromDict: Gruppierung, Rank/Alpha-Erkennung und Layer-Aufbau

package lora

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/SentClone/InvokeAI/nn"
	"github.com/SentClone/InvokeAI/tensor"
)

// LoRA is one named adapter: a multiplier and a set of layer deltas keyed
// by patched-layer identifier. It is populated once by LoadFromDict and
// immutable afterwards except for Multiplier.
type LoRA struct {
	Name       string
	Multiplier float32
	Layers     map[string]Layer

	device  tensor.Device
	dtype   tensor.DType
	wrapper *ModuleWrapper

	rank   int     // adapter-wide rank, 0 until discovered
	alpha  float32 // adapter-wide alpha, 0 until discovered
	isLoHA bool
}

// NewLoRA creates an empty adapter bound to the wrapper's layer maps.
func NewLoRA(name string, dev tensor.Device, dt tensor.DType, wrapper *ModuleWrapper, multiplier float32) *LoRA {
	return &LoRA{
		Name:       name,
		Multiplier: multiplier,
		Layers:     make(map[string]Layer),
		device:     dev,
		dtype:      dt,
		wrapper:    wrapper,
	}
}

// Rank returns the adapter-wide rank discovered during parsing (0 if none).
func (l *LoRA) Rank() int { return l.rank }

// Alpha returns the adapter-wide alpha discovered during parsing (0 if none).
func (l *LoRA) Alpha() float32 { return l.alpha }

func trackedPrefix(stem string) bool {
	return strings.HasPrefix(stem, LoRAPrefixTextEncoder) || strings.HasPrefix(stem, LoRAPrefixUNet)
}

// LoadFromDict populates the adapter from a flat dotted-key state mapping.
// Keys are processed in sorted order so rank/alpha discovery and error
// behavior are deterministic. Unresolvable stems are skipped; a stem whose
// leaves match no known format aborts the whole parse, leaving Layers in
// its partial state (a malformed adapter is unsafe to apply partially).
func (l *LoRA) LoadFromDict(stateDict map[string]*tensor.Tensor) {
	grouped := make(map[string]map[string]*tensor.Tensor)

	for _, key := range slices.Sorted(maps.Keys(stateDict)) {
		value := stateDict[key]
		stem, leaf, found := strings.Cut(key, ".")
		if !found {
			slog.Warn("ignoring checkpoint key without leaf suffix", "adapter", l.Name, "key", key)
			continue
		}
		if grouped[stem] == nil {
			grouped[stem] = make(map[string]*tensor.Tensor)
		}
		grouped[stem][leaf] = value

		if strings.HasSuffix(leaf, "alpha") {
			if l.alpha == 0 && trackedPrefix(stem) {
				l.alpha = value.Item()
			}
			continue
		}
		if trackedPrefix(stem) && l.rank == 0 && leaf == "lora_down.weight" && value.Dims() == 2 {
			l.rank = value.Dim(0)
		}
		if strings.Contains(leaf, "hada_t1") {
			l.isLoHA = true
		}
	}

	if l.isLoHA {
		slog.Debug("adapter uses hadamard tensor layout", "adapter", l.Name)
	}

	for _, stem := range slices.Sorted(maps.Keys(grouped)) {
		values := grouped[stem]

		var wrapped nn.Patchable
		var ok bool
		switch {
		case strings.HasPrefix(stem, LoRAPrefixTextEncoder):
			wrapped, ok = l.wrapper.textModules[stem]
		case strings.HasPrefix(stem, LoRAPrefixUNet):
			wrapped, ok = l.wrapper.unetModules[stem]
		default:
			continue
		}
		if !ok {
			slog.Warn("missing layer", "adapter", l.Name, "name", stem)
			continue
		}

		var layer Layer
		switch {
		case values["lora_down.weight"] != nil:
			layer = l.buildLoRALayer(stem, wrapped, values)
		case values["hada_w1_b"] != nil:
			layer = l.buildLoHALayer(stem, wrapped, values)
		case len(values) == 1 && values["alpha"] != nil:
			// leftover alpha-only entry, already consumed by the scalar pass
			continue
		default:
			slog.Error("unknown lora layer format", "adapter", l.Name, "name", stem, "module", fmt.Sprintf("%T", wrapped))
		}
		if layer == nil {
			return
		}
		l.Layers[stem] = layer
	}
}

// localAlpha returns the group's own alpha when present, else the
// adapter-wide value.
func (l *LoRA) localAlpha(values map[string]*tensor.Tensor) float32 {
	if a := values["alpha"]; a != nil {
		return a.Item()
	}
	return l.alpha
}

// buildLoRALayer constructs the low-rank delta for one stem. The legs
// mirror the original layer's type; for convolutions the down leg carries
// the original kernel unless a mid leg takes it over, and the up leg is
// always 1x1. Weights are copied without gradient state and moved to the
// adapter's device and precision. Returns nil to abort the parse.
func (l *LoRA) buildLoRALayer(stem string, wrapped nn.Patchable, values map[string]*tensor.Tensor) Layer {
	down := values["lora_down.weight"]
	mid := values["lora_mid.weight"]
	up := values["lora_up.weight"]
	if up == nil {
		slog.Error("lora layer missing up weight", "adapter", l.Name, "name", stem)
		return nil
	}

	one := [2]int{1, 1}
	zero := [2]int{0, 0}

	var downLayer, midLayer, upLayer nn.Module
	switch wrapped := wrapped.(type) {
	case *nn.Conv2d:
		if mid != nil {
			dl := nn.NewConv2d(down.Dim(1), down.Dim(0), one, one, zero, false)
			ml := nn.NewConv2d(mid.Dim(1), mid.Dim(0), wrapped.Kernel, wrapped.Stride, wrapped.Padding, false)
			ml.SetWeight(mid)
			ml.To(l.device, l.dtype)
			dl.SetWeight(down)
			dl.To(l.device, l.dtype)
			downLayer, midLayer = dl, ml
		} else {
			dl := nn.NewConv2d(down.Dim(1), down.Dim(0), wrapped.Kernel, wrapped.Stride, wrapped.Padding, false)
			dl.SetWeight(down)
			dl.To(l.device, l.dtype)
			downLayer = dl
		}
		ul := nn.NewConv2d(up.Dim(1), up.Dim(0), one, one, zero, false)
		ul.SetWeight(up)
		ul.To(l.device, l.dtype)
		upLayer = ul
	case *nn.Linear:
		dl := nn.NewLinear(down.Dim(1), down.Dim(0), false)
		dl.SetWeight(down)
		dl.To(l.device, l.dtype)
		ul := nn.NewLinear(up.Dim(1), up.Dim(0), false)
		ul.SetWeight(up)
		ul.To(l.device, l.dtype)
		downLayer, upLayer = dl, ul
	default:
		slog.Error("unknown lora layer module", "adapter", l.Name, "name", stem, "module", fmt.Sprintf("%T", wrapped))
		return nil
	}

	return &LoRALayer{
		name:  stem,
		scale: scaleFor(l.localAlpha(values), l.rank),
		down:  downLayer,
		mid:   midLayer,
		up:    upLayer,
	}
}

// buildLoHALayer constructs the Hadamard delta for one stem. The 4-D
// cores are populated only when the target is a convolution with a kernel
// larger than 1x1. Returns nil to abort the parse.
func (l *LoRA) buildLoHALayer(stem string, wrapped nn.Patchable, values map[string]*tensor.Tensor) Layer {
	w1a, w1b := values["hada_w1_a"], values["hada_w1_b"]
	w2a, w2b := values["hada_w2_a"], values["hada_w2_b"]
	if w1a == nil || w2a == nil || w2b == nil {
		slog.Error("loha layer missing factor weights", "adapter", l.Name, "name", stem)
		return nil
	}

	rank := w1b.Dim(0)
	layer := &LoHALayer{
		name:  stem,
		scale: scaleFor(l.localAlpha(values), rank),
		w1a:   w1a.To(l.device, l.dtype),
		w1b:   w1b.To(l.device, l.dtype),
		w2a:   w2a.To(l.device, l.dtype),
		w2b:   w2b.To(l.device, l.dtype),
		org:   wrapped,
	}

	if conv, ok := wrapped.(*nn.Conv2d); ok && conv.Kernel != [2]int{1, 1} {
		t1, t2 := values["hada_t1"], values["hada_t2"]
		if t1 == nil || t2 == nil {
			slog.Error("loha layer missing conv cores", "adapter", l.Name, "name", stem)
			return nil
		}
		layer.t1 = t1.To(l.device, l.dtype)
		layer.t2 = t2.To(l.device, l.dtype)
	}
	return layer
}
