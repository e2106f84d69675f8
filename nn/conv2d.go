// conv2d.go - 2D-Faltungsschicht mit Hook-Unterstuetzung

package nn

import (
	"fmt"

	"github.com/SentClone/InvokeAI/tensor"
)

// Conv2d applies a 2-D convolution over [N, C, H, W] input.
type Conv2d struct {
	Weight *tensor.Tensor `nn:"weight"` // [outC, inC/groups, kh, kw]
	Bias   *tensor.Tensor `nn:"bias"`   // [outC], nil when the layer carries no bias

	Kernel   [2]int
	Stride   [2]int
	Padding  [2]int
	Dilation [2]int
	Groups   int

	hooks hookSet
}

// NewConv2d creates a zero-initialised convolution with dilation 1 and a
// single group.
func NewConv2d(in, out int, kernel, stride, padding [2]int, bias bool) *Conv2d {
	c := &Conv2d{
		Weight:   tensor.New(out, in, kernel[0], kernel[1]),
		Kernel:   kernel,
		Stride:   stride,
		Padding:  padding,
		Dilation: [2]int{1, 1},
		Groups:   1,
	}
	if bias {
		c.Bias = tensor.New(out)
	}
	return c
}

// InChannels returns the input channel count.
func (c *Conv2d) InChannels() int { return c.Weight.Dim(1) * c.Groups }

// OutChannels returns the output channel count.
func (c *Conv2d) OutChannels() int { return c.Weight.Dim(0) }

// Forward computes the convolution, then runs any installed hooks.
func (c *Conv2d) Forward(x *tensor.Tensor) *tensor.Tensor {
	y := tensor.Conv2d(x, c.Weight, c.Bias, c.Stride, c.Padding, c.Dilation, c.Groups)
	return c.hooks.run(c, x, y)
}

// RegisterForwardHook installs fn to observe every forward call.
func (c *Conv2d) RegisterForwardHook(fn ForwardHook) *Handle {
	return c.hooks.register(fn)
}

// SetWeight copies the values of t into the layer's weight. The element
// count must match the weight shape; a mismatch panics at load time.
func (c *Conv2d) SetWeight(t *tensor.Tensor) {
	if t.NumElems() != c.Weight.NumElems() {
		panic(fmt.Sprintf("nn: weight %v does not fit conv layer %v", t.Shape(), c.Weight.Shape()))
	}
	copy(c.Weight.Data(), t.Data())
}

// To converts the layer's parameters to the given device and precision.
func (c *Conv2d) To(dev tensor.Device, dt tensor.DType) {
	c.Weight = c.Weight.To(dev, dt)
	if c.Bias != nil {
		c.Bias = c.Bias.To(dev, dt)
	}
}
