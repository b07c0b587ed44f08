package nn

import (
	"fmt"
	"math"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// SplitHeads reshapes x [batch, length, heads*dim] to [batch, heads, length, dim].
func SplitHeads(x *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(2)%heads != 0 {
		return nil, fmt.Errorf("%w: cannot split %v into %d heads", tensor.ErrShape, x.Shape(), heads)
	}
	r, err := x.Reshape(x.Dim(0), x.Dim(1), heads, -1)
	if err != nil {
		return nil, err
	}
	return tensor.Permute(r, 0, 2, 1, 3)
}

// MergeHeads is the inverse of SplitHeads.
func MergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: merge heads of %v", tensor.ErrShape, x.Shape())
	}
	p, err := tensor.Permute(x, 0, 2, 1, 3)
	if err != nil {
		return nil, err
	}
	return p.Reshape(x.Dim(0), x.Dim(2), -1)
}

// ScaledDotProductAttention computes softmax(q kᵀ / sqrt(d)) v per head for
// inputs (query, key, value) shaped [batch, length, heads*dim].
type ScaledDotProductAttention struct {
	Base
	numHeads int
	isCausal bool
}

func NewScaledDotProductAttention(numHeads int, isCausal bool) *ScaledDotProductAttention {
	if numHeads <= 0 {
		numHeads = 1
	}
	return &ScaledDotProductAttention{numHeads: numHeads, isCausal: isCausal}
}

func (s *ScaledDotProductAttention) NumHeads() int  { return s.numHeads }
func (s *ScaledDotProductAttention) IsCausal() bool { return s.isCausal }

func (s *ScaledDotProductAttention) Forward(_ *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("scaled dot product attention expects (query, key, value), got %d inputs", len(inputs))
	}
	q, err := SplitHeads(inputs[0], s.numHeads)
	if err != nil {
		return nil, err
	}
	k, err := SplitHeads(inputs[1], s.numHeads)
	if err != nil {
		return nil, err
	}
	v, err := SplitHeads(inputs[2], s.numHeads)
	if err != nil {
		return nil, err
	}
	kt, err := tensor.Permute(k, 0, 1, 3, 2)
	if err != nil {
		return nil, err
	}
	scores, err := tensor.BatchMatMul(q, kt)
	if err != nil {
		return nil, err
	}
	scores.Scale(1 / math.Sqrt(float64(q.Dim(-1))))
	if s.isCausal {
		scores.MaskUpperTriangle()
	}
	out, err := tensor.BatchMatMul(tensor.Softmax(scores), v)
	if err != nil {
		return nil, err
	}
	return MergeHeads(out)
}

func (s *ScaledDotProductAttention) ShallowCopy() Module {
	return NewScaledDotProductAttention(s.numHeads, s.isCausal)
}

func (s *ScaledDotProductAttention) Describe() string {
	return fmt.Sprintf("ScaledDotProductAttention(heads=%d, causal=%t)", s.numHeads, s.isCausal)
}

// AttentionKind discriminates attention layers. Only SelfAttention is
// treated as non-injectable by adapters.
type AttentionKind int

const (
	CrossAttention AttentionKind = iota
	SelfAttention
)

func (k AttentionKind) String() string {
	if k == SelfAttention {
		return "self"
	}
	return "cross"
}

// AttentionConfig describes an Attention layer. Zero key/value/inner
// dimensions default to EmbeddingDim.
type AttentionConfig struct {
	Kind              AttentionKind
	EmbeddingDim      int
	KeyEmbeddingDim   int
	ValueEmbeddingDim int
	InnerDim          int
	NumHeads          int
	UseBias           bool
	IsCausal          bool
}

// Attention projects queries from its first input and keys/values from its
// second (or the first for self-attention), runs the module in slot "sdpa"
// on (q, k, v) and projects the result back to EmbeddingDim.
type Attention struct {
	Composite
	cfg AttentionConfig
}

func NewAttention(cfg AttentionConfig) *Attention {
	if cfg.KeyEmbeddingDim == 0 {
		cfg.KeyEmbeddingDim = cfg.EmbeddingDim
	}
	if cfg.ValueEmbeddingDim == 0 {
		cfg.ValueEmbeddingDim = cfg.EmbeddingDim
	}
	if cfg.InnerDim == 0 {
		cfg.InnerDim = cfg.EmbeddingDim
	}
	if cfg.NumHeads <= 0 {
		cfg.NumHeads = 1
	}
	if cfg.Kind == SelfAttention {
		cfg.KeyEmbeddingDim = cfg.EmbeddingDim
		cfg.ValueEmbeddingDim = cfg.EmbeddingDim
	}
	a := &Attention{cfg: cfg}
	Attach(a, "to_q", NewLinear(cfg.EmbeddingDim, cfg.InnerDim, cfg.UseBias))
	Attach(a, "to_k", NewLinear(cfg.KeyEmbeddingDim, cfg.InnerDim, cfg.UseBias))
	Attach(a, "to_v", NewLinear(cfg.ValueEmbeddingDim, cfg.InnerDim, cfg.UseBias))
	Attach(a, "sdpa", NewScaledDotProductAttention(cfg.NumHeads, cfg.IsCausal))
	Attach(a, "to_out", NewLinear(cfg.InnerDim, cfg.EmbeddingDim, true))
	return a
}

func NewSelfAttention(embeddingDim, numHeads int, useBias bool) *Attention {
	return NewAttention(AttentionConfig{Kind: SelfAttention, EmbeddingDim: embeddingDim, NumHeads: numHeads, UseBias: useBias})
}

func NewCrossAttention(embeddingDim, contextDim, numHeads int, useBias bool) *Attention {
	return NewAttention(AttentionConfig{
		Kind:              CrossAttention,
		EmbeddingDim:      embeddingDim,
		KeyEmbeddingDim:   contextDim,
		ValueEmbeddingDim: contextDim,
		NumHeads:          numHeads,
		UseBias:           useBias,
	})
}

func (a *Attention) Forward(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) == 0 || len(inputs) > 2 {
		return nil, fmt.Errorf("attention expects (x) or (x, context), got %d inputs", len(inputs))
	}
	x, context := inputs[0], inputs[0]
	if len(inputs) == 2 {
		context = inputs[1]
	}
	q, err := a.layers.Forward(ctx, "to_q", x)
	if err != nil {
		return nil, err
	}
	k, err := a.layers.Forward(ctx, "to_k", context)
	if err != nil {
		return nil, err
	}
	v, err := a.layers.Forward(ctx, "to_v", context)
	if err != nil {
		return nil, err
	}
	out, err := a.layers.Forward(ctx, "sdpa", q, k, v)
	if err != nil {
		return nil, err
	}
	return a.layers.Forward(ctx, "to_out", out)
}

func (a *Attention) Kind() AttentionKind    { return a.cfg.Kind }
func (a *Attention) EmbeddingDim() int      { return a.cfg.EmbeddingDim }
func (a *Attention) KeyEmbeddingDim() int   { return a.cfg.KeyEmbeddingDim }
func (a *Attention) ValueEmbeddingDim() int { return a.cfg.ValueEmbeddingDim }
func (a *Attention) InnerDim() int          { return a.cfg.InnerDim }
func (a *Attention) NumHeads() int          { return a.cfg.NumHeads }
func (a *Attention) UseBias() bool          { return a.cfg.UseBias }
func (a *Attention) IsCausal() bool         { return a.cfg.IsCausal }

// Device and DType report the placement of the layer's weights.
func (a *Attention) Device() string {
	device, _ := Placement(a)
	return device
}

func (a *Attention) DType() tensor.DType {
	_, dtype := Placement(a)
	return dtype
}

func (a *Attention) ShallowCopy() Module { return &Attention{cfg: a.cfg} }

func (a *Attention) Describe() string {
	return fmt.Sprintf("Attention(%s, dim=%d, heads=%d)", a.cfg.Kind, a.cfg.EmbeddingDim, a.cfg.NumHeads)
}
