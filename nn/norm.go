// norm.go - GroupNorm und LayerNorm (nicht patchbare Blaetter)

package nn

import (
	"fmt"
	"math"

	"github.com/SentClone/InvokeAI/tensor"
)

// GroupNorm normalizes [N, C, H, W] input over channel groups.
type GroupNorm struct {
	Weight *tensor.Tensor `nn:"weight"` // [C], optional
	Bias   *tensor.Tensor `nn:"bias"`   // [C], optional

	NumGroups int
	Eps       float32
}

// NewGroupNorm creates an affine group normalization over c channels.
func NewGroupNorm(groups, c int) *GroupNorm {
	g := &GroupNorm{
		Weight:    tensor.New(c),
		Bias:      tensor.New(c),
		NumGroups: groups,
		Eps:       1e-6,
	}
	for i := range g.Weight.Data() {
		g.Weight.Data()[i] = 1
	}
	return g
}

// Forward applies group normalization.
func (g *GroupNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Dims() != 4 {
		panic(fmt.Sprintf("nn: GroupNorm input must be 4-D, got %v", x.Shape()))
	}
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if c%g.NumGroups != 0 {
		panic(fmt.Sprintf("nn: GroupNorm channels %d not divisible by %d groups", c, g.NumGroups))
	}
	cg := c / g.NumGroups
	plane := h * w
	out := x.Clone()
	data := out.Data()

	for img := 0; img < n; img++ {
		for grp := 0; grp < g.NumGroups; grp++ {
			start := img*c*plane + grp*cg*plane
			seg := data[start : start+cg*plane]
			var sum float64
			for _, v := range seg {
				sum += float64(v)
			}
			mean := sum / float64(len(seg))
			var varSum float64
			for _, v := range seg {
				d := float64(v) - mean
				varSum += d * d
			}
			inv := 1 / math.Sqrt(varSum/float64(len(seg))+float64(g.Eps))
			for i := range seg {
				seg[i] = float32((float64(seg[i]) - mean) * inv)
			}
			if g.Weight != nil {
				for ci := 0; ci < cg; ci++ {
					scale := g.Weight.Data()[grp*cg+ci]
					shift := float32(0)
					if g.Bias != nil {
						shift = g.Bias.Data()[grp*cg+ci]
					}
					row := seg[ci*plane : (ci+1)*plane]
					for i := range row {
						row[i] = row[i]*scale + shift
					}
				}
			}
		}
	}
	return out
}

// LayerNorm normalizes the last dimension.
type LayerNorm struct {
	Weight *tensor.Tensor `nn:"weight"` // [d], optional
	Bias   *tensor.Tensor `nn:"bias"`   // [d], optional

	Eps float32
}

// NewLayerNorm creates an affine layer normalization over width d.
func NewLayerNorm(d int) *LayerNorm {
	l := &LayerNorm{
		Weight: tensor.New(d),
		Bias:   tensor.New(d),
		Eps:    1e-5,
	}
	for i := range l.Weight.Data() {
		l.Weight.Data()[i] = 1
	}
	return l
}

// Forward applies layer normalization.
func (l *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	if x.Dims() == 0 {
		panic("nn: LayerNorm input must have at least one dimension")
	}
	d := x.Dim(x.Dims() - 1)
	out := x.Clone()
	data := out.Data()
	for off := 0; off < len(data); off += d {
		row := data[off : off+d]
		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(d)
		var varSum float64
		for _, v := range row {
			dv := float64(v) - mean
			varSum += dv * dv
		}
		inv := 1 / math.Sqrt(varSum/float64(d)+float64(l.Eps))
		for i := range row {
			v := float32((float64(row[i]) - mean) * inv)
			if l.Weight != nil {
				v *= l.Weight.Data()[i]
			}
			if l.Bias != nil {
				v += l.Bias.Data()[i]
			}
			row[i] = v
		}
	}
	return out
}
