// layer.go - Low-Rank-Delta (LoRA) fuer einzelne gepatchte Schichten
//
// Dieses Modul enthaelt:
// - Layer: Interface fuer Schicht-Deltas
// - LoRALayer: additive up(mid(down(x)))-Korrektur

// Package lora patches weight deltas onto the linear and convolutional
// layers of a diffusion backbone and its text encoder at inference time,
// without touching the base model's stored weights.
package lora

import (
	"github.com/SentClone/InvokeAI/nn"
	"github.com/SentClone/InvokeAI/tensor"
)

// Layer is one patched sub-layer's delta. Forward returns the output with
// the delta's contribution accumulated onto it.
type Layer interface {
	Name() string
	Forward(multiplier float32, input, output *tensor.Tensor) *tensor.Tensor
}

// scaleFor derives the delta scale from alpha/rank, defaulting to 1 when
// either is absent or zero.
func scaleFor(alpha float32, rank int) float32 {
	if alpha != 0 && rank != 0 {
		return alpha / float32(rank)
	}
	return 1
}

// LoRALayer is the low-rank delta variant: a down projection, an optional
// mid transform, and an up projection, applied to the layer input and
// added to the layer output.
type LoRALayer struct {
	name  string
	scale float32

	down nn.Module
	mid  nn.Module // nil unless the checkpoint carries a lora_mid leg
	up   nn.Module
}

// Name returns the patched-layer identifier this delta belongs to.
func (l *LoRALayer) Name() string { return l.name }

// Scale returns the alpha/rank scale factor.
func (l *LoRALayer) Scale() float32 { return l.scale }

// Forward accumulates up(mid(down(input))) * multiplier * scale onto
// output (without the mid leg when absent).
func (l *LoRALayer) Forward(multiplier float32, input, output *tensor.Tensor) *tensor.Tensor {
	h := l.down.Forward(input)
	if l.mid != nil {
		h = l.mid.Forward(h)
	}
	h = l.up.Forward(h)
	return tensor.AddScaled(output, h, multiplier*l.scale)
}
