// ops.go - Elementweise Operationen, MatMul und Linear
//
// Dieses Modul enthaelt:
// - Add, Mul, Scale, AddScaled: elementweise Operationen
// - MatMul: 2D-Matrixprodukt ueber BLAS
// - Linear: affine Transformation der letzten Dimension
// - Softmax, SiLU, GELU: Aktivierungen fuer die nn-Bloecke

package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Add returns a + b. Shapes must match exactly.
func Add(a, b *Tensor) *Tensor {
	return AddScaled(a, b, 1)
}

// AddScaled returns a + s*b. Shapes must match exactly.
func AddScaled(a, b *Tensor, s float32) *Tensor {
	if !sameShape(a, b) {
		panic(fmt.Sprintf("tensor: shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] += s * v
	}
	return out
}

// Mul returns the element-wise (Hadamard) product of a and b.
func Mul(a, b *Tensor) *Tensor {
	if !sameShape(a, b) {
		panic(fmt.Sprintf("tensor: shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] *= v
	}
	return out
}

// Scale returns a * s.
func Scale(a *Tensor, s float32) *Tensor {
	out := a.Clone()
	for i := range out.data {
		out.data[i] *= s
	}
	return out
}

// MatMul multiplies two 2-D tensors [m,k] x [k,n] -> [m,n].
func MatMul(a, b *Tensor) *Tensor {
	if a.Dims() != 2 || b.Dims() != 2 {
		panic(fmt.Sprintf("tensor: MatMul needs 2-D operands, got %v and %v", a.shape, b.shape))
	}
	m, k := a.Dim(0), a.Dim(1)
	if b.Dim(0) != k {
		panic(fmt.Sprintf("tensor: MatMul inner dimension mismatch %v x %v", a.shape, b.shape))
	}
	n := b.Dim(1)

	out := New(m, n)
	if m == 0 || n == 0 || k == 0 {
		return out
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a.data},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b.data},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data},
	)
	return out
}

// Linear applies y = x W^T + b over the last dimension of x.
// x is [..., in], w is [out, in], b is optional [out].
func Linear(x, w, b *Tensor) *Tensor {
	if w.Dims() != 2 {
		panic(fmt.Sprintf("tensor: Linear weight must be 2-D, got %v", w.shape))
	}
	outF, inF := w.Dim(0), w.Dim(1)
	if x.Dims() == 0 || x.Dim(x.Dims()-1) != inF {
		panic(fmt.Sprintf("tensor: Linear input %v does not match weight %v", x.shape, w.shape))
	}
	rows := x.NumElems() / inF

	outShape := append(append([]int(nil), x.shape[:x.Dims()-1]...), outF)
	out := New(outShape...)
	if rows > 0 && outF > 0 && inF > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: rows, Cols: inF, Stride: inF, Data: x.data},
			blas32.General{Rows: outF, Cols: inF, Stride: inF, Data: w.data},
			0,
			blas32.General{Rows: rows, Cols: outF, Stride: outF, Data: out.data},
		)
	}
	if b != nil {
		if b.NumElems() != outF {
			panic(fmt.Sprintf("tensor: Linear bias %v does not match weight %v", b.shape, w.shape))
		}
		for r := 0; r < rows; r++ {
			row := out.data[r*outF : (r+1)*outF]
			for i := range row {
				row[i] += b.data[i]
			}
		}
	}
	return out
}

// Transpose returns the transpose of a 2-D tensor.
func Transpose(a *Tensor) *Tensor {
	if a.Dims() != 2 {
		panic(fmt.Sprintf("tensor: Transpose needs a 2-D tensor, got %v", a.shape))
	}
	m, n := a.Dim(0), a.Dim(1)
	out := New(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// Softmax applies the softmax function along the last dimension.
func Softmax(x *Tensor) *Tensor {
	if x.Dims() == 0 {
		return x.Clone()
	}
	d := x.Dim(x.Dims() - 1)
	out := x.Clone()
	if d == 0 {
		return out
	}
	for off := 0; off < len(out.data); off += d {
		row := out.data[off : off+d]
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxv))
			row[i] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for i := range row {
			row[i] *= inv
		}
	}
	return out
}

// SiLU applies x * sigmoid(x) element-wise.
func SiLU(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.data {
		out.data[i] = v / float32(1+math.Exp(float64(-v)))
	}
	return out
}

// GELU applies the tanh approximation of the Gaussian error linear unit.
func GELU(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.data {
		f := float64(v)
		out.data[i] = float32(0.5 * f * (1 + math.Tanh(0.7978845608028654*(f+0.044715*f*f*f))))
	}
	return out
}
