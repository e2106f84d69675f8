// tensor.go - Dichter Float32-Tensor mit Shape- und DType-Verwaltung
//
// Dieses Modul enthaelt:
// - Tensor: CPU-Tensor mit Row-Major-Layout
// - New, FromSlice, Scalar: Konstruktoren
// - Reshape, Clone, To: Transformationen

// Package tensor provides dense row-major float32 tensors and the numeric
// operations needed to run and patch small neural networks on the CPU.
//
// Shape violations panic; only I/O-free numeric code lives here.
package tensor

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Tensor is a dense row-major tensor. Values are always held as float32;
// the DType records the precision the values were rounded through.
// A tensor with an empty shape is a scalar holding exactly one element.
type Tensor struct {
	data  []float32
	shape []int
	dtype DType
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float32, numElems(shape)),
		shape: append([]int(nil), shape...),
		dtype: F32,
	}
}

// FromSlice wraps data in a tensor with the given shape. The slice is not
// copied; the tensor takes ownership.
func FromSlice(data []float32, shape ...int) *Tensor {
	if n := numElems(shape); n != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, n))
	}
	return &Tensor{
		data:  data,
		shape: append([]int(nil), shape...),
		dtype: F32,
	}
}

// Scalar returns a zero-dimensional tensor holding v.
func Scalar(v float32) *Tensor {
	return FromSlice([]float32{v})
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Shape returns the tensor's dimensions. The returned slice must not be
// mutated.
func (t *Tensor) Shape() []int { return t.shape }

// Dims returns the number of dimensions.
func (t *Tensor) Dims() int { return len(t.shape) }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// NumElems returns the total number of elements.
func (t *Tensor) NumElems() int { return len(t.data) }

// Data returns the backing slice in row-major order.
func (t *Tensor) Data() []float32 { return t.data }

// DType returns the precision marker of the tensor.
func (t *Tensor) DType() DType { return t.dtype }

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// SetAt stores v at the given multi-dimensional index.
func (t *Tensor) SetAt(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v does not match shape %v", idx, t.shape))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// Item returns the value of a one-element tensor, such as the scalar
// "alpha" entries of adapter checkpoints.
func (t *Tensor) Item() float32 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor with %d elements", len(t.data)))
	}
	return t.data[0]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		data:  append([]float32(nil), t.data...),
		shape: append([]int(nil), t.shape...),
		dtype: t.dtype,
	}
}

// Reshape returns a view of the same backing data with a new shape. The
// element count must be unchanged.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if n := numElems(shape); n != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{
		data:  t.data,
		shape: append([]int(nil), shape...),
		dtype: t.dtype,
	}
}

// To returns a copy of the tensor for the given device and precision.
// Values are rounded through the target representation so later math sees
// exactly what a narrower checkpoint would have carried.
func (t *Tensor) To(dev Device, dt DType) *Tensor {
	_ = dev // the CPU backend is the only device

	out := t.Clone()
	out.dtype = dt
	switch dt {
	case F16:
		for i, v := range out.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case BF16:
		out.data = bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(out.data))
	}
	return out
}

func sameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}
