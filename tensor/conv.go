// conv.go - 2D-Faltung ueber im2col und BLAS-GEMM

package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2d applies a 2-D convolution.
// x is [N, C, H, W], w is [outC, C/groups, kh, kw], b is optional [outC].
// stride, padding and dilation hold the (vertical, horizontal) pair.
func Conv2d(x, w, b *Tensor, stride, padding, dilation [2]int, groups int) *Tensor {
	if x.Dims() != 4 {
		panic(fmt.Sprintf("tensor: Conv2d input must be 4-D, got %v", x.shape))
	}
	if w.Dims() != 4 {
		panic(fmt.Sprintf("tensor: Conv2d weight must be 4-D, got %v", w.shape))
	}
	if groups < 1 {
		panic("tensor: Conv2d groups must be >= 1")
	}
	n, c, h, wd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	outC, inCg, kh, kw := w.Dim(0), w.Dim(1), w.Dim(2), w.Dim(3)
	if c != inCg*groups || outC%groups != 0 {
		panic(fmt.Sprintf("tensor: Conv2d channels %d do not match weight %v with %d groups", c, w.shape, groups))
	}
	if stride[0] < 1 || stride[1] < 1 || dilation[0] < 1 || dilation[1] < 1 {
		panic("tensor: Conv2d stride and dilation must be >= 1")
	}

	outH := (h+2*padding[0]-dilation[0]*(kh-1)-1)/stride[0] + 1
	outW := (wd+2*padding[1]-dilation[1]*(kw-1)-1)/stride[1] + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("tensor: Conv2d output would be empty for input %v", x.shape))
	}

	outCg := outC / groups
	out := New(n, outC, outH, outW)
	col := make([]float32, inCg*kh*kw*outH*outW)

	for img := 0; img < n; img++ {
		for g := 0; g < groups; g++ {
			im2col(x, col, img, g*inCg, inCg, kh, kw, outH, outW, stride, padding, dilation)

			wOff := g * outCg * inCg * kh * kw
			oOff := img*outC*outH*outW + g*outCg*outH*outW
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas32.General{Rows: outCg, Cols: inCg * kh * kw, Stride: inCg * kh * kw, Data: w.data[wOff:]},
				blas32.General{Rows: inCg * kh * kw, Cols: outH * outW, Stride: outH * outW, Data: col},
				0,
				blas32.General{Rows: outCg, Cols: outH * outW, Stride: outH * outW, Data: out.data[oOff:]},
			)
		}
	}

	if b != nil {
		if b.NumElems() != outC {
			panic(fmt.Sprintf("tensor: Conv2d bias %v does not match weight %v", b.shape, w.shape))
		}
		plane := outH * outW
		for img := 0; img < n; img++ {
			for oc := 0; oc < outC; oc++ {
				off := img*outC*plane + oc*plane
				bv := b.data[oc]
				for i := 0; i < plane; i++ {
					out.data[off+i] += bv
				}
			}
		}
	}
	return out
}

// im2col unpacks the receptive fields of one image and channel group into
// a [inCg*kh*kw, outH*outW] column matrix.
func im2col(x *Tensor, col []float32, img, cStart, inCg, kh, kw, outH, outW int, stride, padding, dilation [2]int) {
	h, w := x.Dim(2), x.Dim(3)
	row := 0
	for ci := 0; ci < inCg; ci++ {
		base := ((img*x.Dim(1) + cStart + ci) * h) * w
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				dst := col[row*outH*outW:]
				i := 0
				for oy := 0; oy < outH; oy++ {
					sy := oy*stride[0] - padding[0] + ky*dilation[0]
					for ox := 0; ox < outW; ox++ {
						sx := ox*stride[1] - padding[1] + kx*dilation[1]
						if sy >= 0 && sy < h && sx >= 0 && sx < w {
							dst[i] = x.data[base+sy*w+sx]
						} else {
							dst[i] = 0
						}
						i++
					}
				}
				row++
			}
		}
	}
}
