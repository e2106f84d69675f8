// loha.go - Hadamard-Produkt-Delta (LoHA) fuer einzelne gepatchte Schichten
//
// Dieses Modul enthaelt:
// - LoHALayer: Rekonstruktion des Gewichts aus vier Low-Rank-Faktoren
// - rebuildCP: CP-Zerlegungs-Kontraktion fuer Faltungs-Kerne

package lora

import (
	"fmt"

	"github.com/SentClone/InvokeAI/nn"
	"github.com/SentClone/InvokeAI/tensor"
)

// LoHALayer is the Hadamard-product delta variant. It reconstructs a full
// weight tensor from two low-rank factor pairs (plus optional 4-D cores
// for non-1x1 convolutions), runs the original layer's operation with that
// weight and bias, and accumulates the result onto the output.
type LoHALayer struct {
	name  string
	scale float32

	w1a, w1b *tensor.Tensor
	w2a, w2b *tensor.Tensor
	t1, t2   *tensor.Tensor // set only for convolutions with kernel != 1x1

	org nn.Patchable // the patched layer, for weight shape, bias and conv parameters
}

// Name returns the patched-layer identifier this delta belongs to.
func (l *LoHALayer) Name() string { return l.name }

// Scale returns the alpha/rank scale factor.
func (l *LoHALayer) Scale() float32 { return l.scale }

// Forward reconstructs the patched weight, applies the original layer's
// operation with it, and accumulates the result scaled by
// multiplier * scale onto output.
func (l *LoHALayer) Forward(multiplier float32, input, output *tensor.Tensor) *tensor.Tensor {
	switch org := l.org.(type) {
	case *nn.Conv2d:
		w := l.patchedWeight(org.Weight).Reshape(org.Weight.Shape()...)
		y := tensor.Conv2d(input, w, org.Bias, org.Stride, org.Padding, org.Dilation, org.Groups)
		return tensor.AddScaled(output, y, multiplier*l.scale)
	case *nn.Linear:
		w := l.patchedWeight(org.Weight).Reshape(org.Weight.Shape()...)
		y := tensor.Linear(input, w, org.Bias)
		return tensor.AddScaled(output, y, multiplier*l.scale)
	}
	panic(fmt.Sprintf("lora: loha layer %s patched onto unsupported module %T", l.name, l.org))
}

// patchedWeight combines the original weight with the reconstructed delta.
// Scaling stays in the output computation, matching the lycoris layout.
func (l *LoHALayer) patchedWeight(orgWeight *tensor.Tensor) *tensor.Tensor {
	if l.t1 == nil {
		diff := tensor.Mul(tensor.MatMul(l.w1a, l.w1b), tensor.MatMul(l.w2a, l.w2b))
		return tensor.Add(orgWeight.Reshape(diff.Shape()...), diff)
	}
	rebuild1 := rebuildCP(l.t1, l.w1b, l.w1a)
	rebuild2 := rebuildCP(l.t2, l.w2b, l.w2a)
	return tensor.Add(orgWeight, tensor.Mul(rebuild1, rebuild2))
}

// rebuildCP expands a CP-decomposed convolution kernel:
// out[p,r,k,l] = sum over i,j of t[i,j,k,l] * wb[j,r] * wa[i,p].
func rebuildCP(t, wb, wa *tensor.Tensor) *tensor.Tensor {
	if t.Dims() != 4 || wb.Dims() != 2 || wa.Dims() != 2 {
		panic(fmt.Sprintf("lora: bad CP factor shapes %v, %v, %v", t.Shape(), wb.Shape(), wa.Shape()))
	}
	ni, nj, nk, nl := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	if wb.Dim(0) != nj || wa.Dim(0) != ni {
		panic(fmt.Sprintf("lora: CP factors %v, %v do not contract with core %v", wb.Shape(), wa.Shape(), t.Shape()))
	}
	nr, np := wb.Dim(1), wa.Dim(1)

	td, wbd, wad := t.Data(), wb.Data(), wa.Data()
	plane := nk * nl

	// u[i,r,k,l] = sum_j t[i,j,k,l] * wb[j,r]
	u := make([]float32, ni*nr*plane)
	for i := 0; i < ni; i++ {
		for j := 0; j < nj; j++ {
			core := td[(i*nj+j)*plane : (i*nj+j+1)*plane]
			for r := 0; r < nr; r++ {
				f := wbd[j*nr+r]
				if f == 0 {
					continue
				}
				dst := u[(i*nr+r)*plane : (i*nr+r+1)*plane]
				for x, v := range core {
					dst[x] += f * v
				}
			}
		}
	}

	// out[p,r,k,l] = sum_i u[i,r,k,l] * wa[i,p]
	out := tensor.New(np, nr, nk, nl)
	od := out.Data()
	for i := 0; i < ni; i++ {
		for p := 0; p < np; p++ {
			f := wad[i*np+p]
			if f == 0 {
				continue
			}
			for r := 0; r < nr; r++ {
				src := u[(i*nr+r)*plane : (i*nr+r+1)*plane]
				dst := od[(p*nr+r)*plane : (p*nr+r+1)*plane]
				for x, v := range src {
					dst[x] += f * v
				}
			}
		}
	}
	return out
}
