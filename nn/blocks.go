// blocks.go - Container-Bloecke des Diffusions-Backbones und des Text-Encoders
//
// Dieses Modul enthaelt:
// - BlockKind: aufzaehlbare Container-Kategorien fuer die Patch-Suche
// - Attention, Transformer2DModel, ResnetBlock2D, Down-/Upsample2D
// - CLIPAttention, CLIPMLP, CLIPEncoderLayer

package nn

import (
	"math"

	"github.com/SentClone/InvokeAI/tensor"
)

// BlockKind enumerates the recognized container categories. Discovery
// recurses into a container's children only when its kind is in the
// caller's target set.
type BlockKind int

const (
	BlockUnknown BlockKind = iota
	BlockTransformer2D
	BlockAttention
	BlockResnet2D
	BlockDownsample2D
	BlockUpsample2D
	BlockSpatialTransformer
	BlockResidualAttention
	BlockCLIPAttention
	BlockCLIPMLP
)

func (k BlockKind) String() string {
	switch k {
	case BlockTransformer2D:
		return "Transformer2DModel"
	case BlockAttention:
		return "Attention"
	case BlockResnet2D:
		return "ResnetBlock2D"
	case BlockDownsample2D:
		return "Downsample2D"
	case BlockUpsample2D:
		return "Upsample2D"
	case BlockSpatialTransformer:
		return "SpatialTransformer"
	case BlockResidualAttention:
		return "ResidualAttentionBlock"
	case BlockCLIPAttention:
		return "CLIPAttention"
	case BlockCLIPMLP:
		return "CLIPMLP"
	}
	return "Unknown"
}

// Block marks a container module with its recognized category.
type Block interface {
	BlockKind() BlockKind
}

// Attention is the cross/self-attention container of the backbone.
type Attention struct {
	ToQ   *Linear `nn:"to_q"`
	ToK   *Linear `nn:"to_k"`
	ToV   *Linear `nn:"to_v"`
	ToOut *Linear `nn:"to_out"`
}

// NewAttention creates a single-head attention block over width dim.
func NewAttention(dim int) *Attention {
	return &Attention{
		ToQ:   NewLinear(dim, dim, false),
		ToK:   NewLinear(dim, dim, false),
		ToV:   NewLinear(dim, dim, false),
		ToOut: NewLinear(dim, dim, true),
	}
}

// BlockKind implements Block.
func (*Attention) BlockKind() BlockKind { return BlockAttention }

// Forward applies scaled dot-product self-attention to [seq, dim] input.
func (a *Attention) Forward(x *tensor.Tensor) *tensor.Tensor {
	q := a.ToQ.Forward(x)
	k := a.ToK.Forward(x)
	v := a.ToV.Forward(x)

	scale := float32(1 / math.Sqrt(float64(q.Dim(q.Dims()-1))))
	scores := tensor.Scale(tensor.MatMul(q, tensor.Transpose(k)), scale)
	attn := tensor.MatMul(tensor.Softmax(scores), v)
	return a.ToOut.Forward(attn)
}

// FeedForward is the MLP of a transformer block.
type FeedForward struct {
	Proj *Linear `nn:"proj"`
	Out  *Linear `nn:"out"`
}

// NewFeedForward creates an MLP expanding dim to inner and back.
func NewFeedForward(dim, inner int) *FeedForward {
	return &FeedForward{
		Proj: NewLinear(dim, inner, true),
		Out:  NewLinear(inner, dim, true),
	}
}

// Forward applies the MLP with a GELU activation.
func (f *FeedForward) Forward(x *tensor.Tensor) *tensor.Tensor {
	return f.Out.Forward(tensor.GELU(f.Proj.Forward(x)))
}

// BasicTransformerBlock combines self-attention, cross-attention and an
// MLP. It is not itself a recognized container; its attention children are.
type BasicTransformerBlock struct {
	Norm1 *LayerNorm   `nn:"norm1"`
	Attn1 *Attention   `nn:"attn1"`
	Norm2 *LayerNorm   `nn:"norm2"`
	Attn2 *Attention   `nn:"attn2"`
	Norm3 *LayerNorm   `nn:"norm3"`
	FF    *FeedForward `nn:"ff"`
}

// NewBasicTransformerBlock creates a transformer block over width dim.
func NewBasicTransformerBlock(dim int) *BasicTransformerBlock {
	return &BasicTransformerBlock{
		Norm1: NewLayerNorm(dim),
		Attn1: NewAttention(dim),
		Norm2: NewLayerNorm(dim),
		Attn2: NewAttention(dim),
		Norm3: NewLayerNorm(dim),
		FF:    NewFeedForward(dim, 4*dim),
	}
}

// Forward applies the block with residual connections to [seq, dim] input.
func (b *BasicTransformerBlock) Forward(x *tensor.Tensor) *tensor.Tensor {
	x = tensor.Add(x, b.Attn1.Forward(b.Norm1.Forward(x)))
	x = tensor.Add(x, b.Attn2.Forward(b.Norm2.Forward(x)))
	return tensor.Add(x, b.FF.Forward(b.Norm3.Forward(x)))
}

// Transformer2DModel projects into a transformer stack and back.
type Transformer2DModel struct {
	ProjIn  *Linear                  `nn:"proj_in"`
	Blocks  []*BasicTransformerBlock `nn:"transformer_blocks"`
	ProjOut *Linear                  `nn:"proj_out"`
}

// NewTransformer2DModel creates a transformer container with depth blocks.
func NewTransformer2DModel(dim, depth int) *Transformer2DModel {
	t := &Transformer2DModel{
		ProjIn:  NewLinear(dim, dim, true),
		ProjOut: NewLinear(dim, dim, true),
	}
	for range depth {
		t.Blocks = append(t.Blocks, NewBasicTransformerBlock(dim))
	}
	return t
}

// BlockKind implements Block.
func (*Transformer2DModel) BlockKind() BlockKind { return BlockTransformer2D }

// Forward applies the transformer stack with a residual connection.
func (t *Transformer2DModel) Forward(x *tensor.Tensor) *tensor.Tensor {
	h := t.ProjIn.Forward(x)
	for _, b := range t.Blocks {
		h = b.Forward(h)
	}
	return tensor.Add(t.ProjOut.Forward(h), x)
}

// ResnetBlock2D is the residual convolution block of the backbone.
type ResnetBlock2D struct {
	Norm1        *GroupNorm `nn:"norm1"`
	Conv1        *Conv2d    `nn:"conv1"`
	Norm2        *GroupNorm `nn:"norm2"`
	Conv2        *Conv2d    `nn:"conv2"`
	ConvShortcut *Conv2d    `nn:"conv_shortcut"`
}

// NewResnetBlock2D creates a residual block mapping in to out channels.
// A 1x1 shortcut convolution is added when the channel counts differ.
func NewResnetBlock2D(groups, in, out int) *ResnetBlock2D {
	rb := &ResnetBlock2D{
		Norm1: NewGroupNorm(groups, in),
		Conv1: NewConv2d(in, out, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, true),
		Norm2: NewGroupNorm(groups, out),
		Conv2: NewConv2d(out, out, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, true),
	}
	if in != out {
		rb.ConvShortcut = NewConv2d(in, out, [2]int{1, 1}, [2]int{1, 1}, [2]int{0, 0}, true)
	}
	return rb
}

// BlockKind implements Block.
func (*ResnetBlock2D) BlockKind() BlockKind { return BlockResnet2D }

// Forward applies the residual block to [N, C, H, W] input.
func (rb *ResnetBlock2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	h := rb.Conv1.Forward(tensor.SiLU(rb.Norm1.Forward(x)))
	h = rb.Conv2.Forward(tensor.SiLU(rb.Norm2.Forward(h)))
	if rb.ConvShortcut != nil {
		x = rb.ConvShortcut.Forward(x)
	}
	return tensor.Add(h, x)
}

// Downsample2D halves the spatial resolution with a strided convolution.
type Downsample2D struct {
	Conv *Conv2d `nn:"conv"`
}

// NewDownsample2D creates a stride-2 downsampling convolution.
func NewDownsample2D(channels int) *Downsample2D {
	return &Downsample2D{
		Conv: NewConv2d(channels, channels, [2]int{3, 3}, [2]int{2, 2}, [2]int{1, 1}, true),
	}
}

// BlockKind implements Block.
func (*Downsample2D) BlockKind() BlockKind { return BlockDownsample2D }

// Forward applies the downsampling convolution.
func (d *Downsample2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	return d.Conv.Forward(x)
}

// Upsample2D doubles the spatial resolution with nearest-neighbor
// interpolation followed by a convolution.
type Upsample2D struct {
	Conv *Conv2d `nn:"conv"`
}

// NewUpsample2D creates an upsampling block.
func NewUpsample2D(channels int) *Upsample2D {
	return &Upsample2D{
		Conv: NewConv2d(channels, channels, [2]int{3, 3}, [2]int{1, 1}, [2]int{1, 1}, true),
	}
}

// BlockKind implements Block.
func (*Upsample2D) BlockKind() BlockKind { return BlockUpsample2D }

// Forward upsamples [N, C, H, W] input by a factor of two and convolves.
func (u *Upsample2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	up := tensor.New(n, c, 2*h, 2*w)
	src := x.Data()
	dst := up.Data()
	for plane := 0; plane < n*c; plane++ {
		for y := 0; y < 2*h; y++ {
			for xx := 0; xx < 2*w; xx++ {
				dst[(plane*2*h+y)*2*w+xx] = src[(plane*h+y/2)*w+xx/2]
			}
		}
	}
	return u.Conv.Forward(up)
}

// CLIPAttention is the self-attention container of the text encoder.
type CLIPAttention struct {
	QProj   *Linear `nn:"q_proj"`
	KProj   *Linear `nn:"k_proj"`
	VProj   *Linear `nn:"v_proj"`
	OutProj *Linear `nn:"out_proj"`
}

// NewCLIPAttention creates a text-encoder attention block over width dim.
func NewCLIPAttention(dim int) *CLIPAttention {
	return &CLIPAttention{
		QProj:   NewLinear(dim, dim, true),
		KProj:   NewLinear(dim, dim, true),
		VProj:   NewLinear(dim, dim, true),
		OutProj: NewLinear(dim, dim, true),
	}
}

// BlockKind implements Block.
func (*CLIPAttention) BlockKind() BlockKind { return BlockCLIPAttention }

// Forward applies scaled dot-product self-attention to [seq, dim] input.
func (a *CLIPAttention) Forward(x *tensor.Tensor) *tensor.Tensor {
	q := a.QProj.Forward(x)
	k := a.KProj.Forward(x)
	v := a.VProj.Forward(x)

	scale := float32(1 / math.Sqrt(float64(q.Dim(q.Dims()-1))))
	scores := tensor.Scale(tensor.MatMul(q, tensor.Transpose(k)), scale)
	attn := tensor.MatMul(tensor.Softmax(scores), v)
	return a.OutProj.Forward(attn)
}

// CLIPMLP is the feed-forward container of the text encoder.
type CLIPMLP struct {
	Fc1 *Linear `nn:"fc1"`
	Fc2 *Linear `nn:"fc2"`
}

// NewCLIPMLP creates a text-encoder MLP expanding dim to inner and back.
func NewCLIPMLP(dim, inner int) *CLIPMLP {
	return &CLIPMLP{
		Fc1: NewLinear(dim, inner, true),
		Fc2: NewLinear(inner, dim, true),
	}
}

// BlockKind implements Block.
func (*CLIPMLP) BlockKind() BlockKind { return BlockCLIPMLP }

// Forward applies the MLP with the quick-GELU activation CLIP uses.
func (m *CLIPMLP) Forward(x *tensor.Tensor) *tensor.Tensor {
	h := m.Fc1.Forward(x)
	h = quickGELU(h)
	return m.Fc2.Forward(h)
}

func quickGELU(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	data := out.Data()
	for i, v := range data {
		data[i] = v / (1 + float32(math.Exp(float64(-1.702*v))))
	}
	return out
}

// CLIPEncoderLayer stacks attention and MLP with residual connections.
type CLIPEncoderLayer struct {
	LayerNorm1 *LayerNorm     `nn:"layer_norm1"`
	SelfAttn   *CLIPAttention `nn:"self_attn"`
	LayerNorm2 *LayerNorm     `nn:"layer_norm2"`
	MLP        *CLIPMLP       `nn:"mlp"`
}

// NewCLIPEncoderLayer creates one encoder layer over width dim.
func NewCLIPEncoderLayer(dim int) *CLIPEncoderLayer {
	return &CLIPEncoderLayer{
		LayerNorm1: NewLayerNorm(dim),
		SelfAttn:   NewCLIPAttention(dim),
		LayerNorm2: NewLayerNorm(dim),
		MLP:        NewCLIPMLP(dim, 4*dim),
	}
}

// Forward applies the encoder layer to [seq, dim] input.
func (l *CLIPEncoderLayer) Forward(x *tensor.Tensor) *tensor.Tensor {
	x = tensor.Add(x, l.SelfAttn.Forward(l.LayerNorm1.Forward(x)))
	return tensor.Add(x, l.MLP.Forward(l.LayerNorm2.Forward(x)))
}
