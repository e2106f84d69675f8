// linear.go - Lineare Transformation mit Hook-Unterstuetzung

package nn

import (
	"fmt"

	"github.com/SentClone/InvokeAI/tensor"
)

// Linear applies y = x W^T + b over the last input dimension.
type Linear struct {
	Weight *tensor.Tensor `nn:"weight"` // [out, in]
	Bias   *tensor.Tensor `nn:"bias"`   // [out], nil when the layer carries no bias

	hooks hookSet
}

// NewLinear creates a zero-initialised linear layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{Weight: tensor.New(out, in)}
	if bias {
		l.Bias = tensor.New(out)
	}
	return l
}

// InFeatures returns the input width.
func (l *Linear) InFeatures() int { return l.Weight.Dim(1) }

// OutFeatures returns the output width.
func (l *Linear) OutFeatures() int { return l.Weight.Dim(0) }

// Forward computes the affine transform, then runs any installed hooks.
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.Linear(x, l.Weight, l.Bias)
	return l.hooks.run(l, x, y)
}

// RegisterForwardHook installs fn to observe every forward call.
func (l *Linear) RegisterForwardHook(fn ForwardHook) *Handle {
	return l.hooks.register(fn)
}

// SetWeight copies the values of t into the layer's weight. The element
// count must match the weight shape; a mismatch panics at load time.
func (l *Linear) SetWeight(t *tensor.Tensor) {
	if t.NumElems() != l.Weight.NumElems() {
		panic(fmt.Sprintf("nn: weight %v does not fit linear layer %v", t.Shape(), l.Weight.Shape()))
	}
	copy(l.Weight.Data(), t.Data())
}

// To converts the layer's parameters to the given device and precision.
func (l *Linear) To(dev tensor.Device, dt tensor.DType) {
	l.Weight = l.Weight.To(dev, dt)
	if l.Bias != nil {
		l.Bias = l.Bias.To(dev, dt)
	}
}
