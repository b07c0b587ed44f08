package ipadapter

import (
	"fmt"
	"math"

	"github.com/fumitoshi0524/ipadapter/logutil"
	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

// PerceiverScaledDotProductAttention attends queries over a packed
// key/value tensor. Inputs are (keyValue, query) with keyValue shaped
// [batch, length, 2*heads*headDim] and query [batch, tokens, heads*headDim].
//
// Queries and keys are each scaled by headDim^-1/4 before the product,
// which keeps half precision scores in range, and the softmax is evaluated
// in full precision.
type PerceiverScaledDotProductAttention struct {
	nn.Base
	headDim  int
	numHeads int
	scale    float64
}

func NewPerceiverScaledDotProductAttention(headDim, numHeads int) *PerceiverScaledDotProductAttention {
	return &PerceiverScaledDotProductAttention{
		headDim:  headDim,
		numHeads: numHeads,
		scale:    1 / math.Sqrt(math.Sqrt(float64(headDim))),
	}
}

func (p *PerceiverScaledDotProductAttention) Forward(_ *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("perceiver attention expects (key_value, query), got %d inputs", len(inputs))
	}
	keyValue, query := inputs[0], inputs[1]
	kv, err := tensor.Chunk(-1, 2, keyValue)
	if err != nil {
		return nil, err
	}
	q, err := nn.SplitHeads(query, p.numHeads)
	if err != nil {
		return nil, err
	}
	k, err := nn.SplitHeads(kv[0], p.numHeads)
	if err != nil {
		return nil, err
	}
	v, err := nn.SplitHeads(kv[1], p.numHeads)
	if err != nil {
		return nil, err
	}
	kt, err := tensor.Permute(tensor.MulScalar(k, p.scale), 0, 1, 3, 2)
	if err != nil {
		return nil, err
	}
	scores, err := tensor.BatchMatMul(tensor.MulScalar(q, p.scale), kt)
	if err != nil {
		return nil, err
	}
	out, err := tensor.BatchMatMul(tensor.Softmax(scores), v)
	if err != nil {
		return nil, err
	}
	return nn.MergeHeads(out)
}

func (p *PerceiverScaledDotProductAttention) ShallowCopy() nn.Module {
	return NewPerceiverScaledDotProductAttention(p.headDim, p.numHeads)
}

func (p *PerceiverScaledDotProductAttention) Describe() string {
	return fmt.Sprintf("PerceiverScaledDotProductAttention(head_dim=%d, heads=%d)", p.headDim, p.numHeads)
}

// PerceiverAttention lets latents attend over [norm1(context) ⧺ norm2(latents)].
// Forward takes (context, latents) and returns a tensor shaped like latents.
type PerceiverAttention struct {
	nn.Composite
	embeddingDim int
	headDim      int
	numHeads     int
}

func NewPerceiverAttention(embeddingDim, headDim, numHeads int) *PerceiverAttention {
	a := &PerceiverAttention{embeddingDim: embeddingDim, headDim: headDim, numHeads: numHeads}
	inner := headDim * numHeads
	nn.Attach(a, "norm1", nn.NewLayerNorm(embeddingDim, 1e-5))
	nn.Attach(a, "norm2", nn.NewLayerNorm(embeddingDim, 1e-5))
	nn.Attach(a, "to_q", nn.NewLinear(embeddingDim, inner, false))
	nn.Attach(a, "to_kv", nn.NewLinear(embeddingDim, 2*inner, false))
	nn.Attach(a, "attention", NewPerceiverScaledDotProductAttention(headDim, numHeads))
	nn.Attach(a, "to_out", nn.NewLinear(inner, embeddingDim, false))
	return a
}

func (a *PerceiverAttention) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("perceiver attention expects (context, latents), got %d inputs", len(inputs))
	}
	l := a.Layers()
	x, err := l.Forward(ctx, "norm1", inputs[0])
	if err != nil {
		return nil, err
	}
	latents, err := l.Forward(ctx, "norm2", inputs[1])
	if err != nil {
		return nil, err
	}
	joined, err := tensor.Concat(-2, x, latents)
	if err != nil {
		return nil, err
	}
	kv, err := l.Forward(ctx, "to_kv", joined)
	if err != nil {
		return nil, err
	}
	q, err := l.Forward(ctx, "to_q", latents)
	if err != nil {
		return nil, err
	}
	out, err := l.Forward(ctx, "attention", kv, q)
	if err != nil {
		return nil, err
	}
	return l.Forward(ctx, "to_out", out)
}

func (a *PerceiverAttention) ShallowCopy() nn.Module {
	return &PerceiverAttention{embeddingDim: a.embeddingDim, headDim: a.headDim, numHeads: a.numHeads}
}

func (a *PerceiverAttention) Describe() string {
	return fmt.Sprintf("PerceiverAttention(dim=%d, heads=%d)", a.embeddingDim, a.numHeads)
}

// TransformerLayer updates the resampler latents once:
//
//	latents += attn(x, latents)
//	latents += ff(ff_norm(latents))
//
// where x is the projected input published by PerceiverResampler.
type TransformerLayer struct {
	nn.Composite
}

func NewTransformerLayer(latentsDim, headDim, numHeads, feedforwardDim int) *TransformerLayer {
	t := &TransformerLayer{}
	nn.Attach(t, "attn", NewPerceiverAttention(latentsDim, headDim, numHeads))
	nn.Attach(t, "ff_norm", nn.NewLayerNorm(latentsDim, 1e-5))
	nn.Attach(t, "ff", NewFeedForward(latentsDim, feedforwardDim))
	return t
}

func (t *TransformerLayer) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("transformer layer expects the latents only, got %d inputs", len(inputs))
	}
	latents := inputs[0]
	x, err := ctx.Get(resamplerContext, resamplerInputKey)
	if err != nil {
		return nil, err
	}
	l := t.Layers()
	attended, err := l.Forward(ctx, "attn", x, latents)
	if err != nil {
		return nil, err
	}
	if latents, err = tensor.Add(latents, attended); err != nil {
		return nil, err
	}
	normed, err := l.Forward(ctx, "ff_norm", latents)
	if err != nil {
		return nil, err
	}
	ff, err := l.Forward(ctx, "ff", normed)
	if err != nil {
		return nil, err
	}
	return tensor.Add(latents, ff)
}

func (t *TransformerLayer) ShallowCopy() nn.Module { return &TransformerLayer{} }

const (
	resamplerContext  = "perceiver_resampler"
	resamplerInputKey = "x"
)

// ResamplerConfig sizes a PerceiverResampler.
type ResamplerConfig struct {
	LatentsDim         int
	NumAttentionLayers int
	NumAttentionHeads  int
	HeadDim            int
	NumTokens          int
	InputDim           int
	OutputDim          int
}

// DefaultResamplerConfig matches the IP-Adapter Plus checkpoints for SD 1.5
// fed with ViT-H/14 grid features.
var DefaultResamplerConfig = ResamplerConfig{
	LatentsDim:         768,
	NumAttentionLayers: 4,
	NumAttentionHeads:  12,
	HeadDim:            64,
	NumTokens:          16,
	InputDim:           1280,
	OutputDim:          768,
}

// PerceiverResampler compresses an input sequence of any length into
// NumTokens output tokens [batch, NumTokens, OutputDim].
type PerceiverResampler struct {
	nn.Composite
	cfg ResamplerConfig
}

func NewPerceiverResampler(cfg ResamplerConfig) *PerceiverResampler {
	r := &PerceiverResampler{cfg: cfg}
	nn.Attach(r, "proj_in", nn.NewLinear(cfg.InputDim, cfg.LatentsDim, true))
	nn.Attach(r, "latents", nn.NewParameter(1/math.Sqrt(float64(cfg.LatentsDim)), cfg.NumTokens, cfg.LatentsDim))
	layers := nn.NewChain()
	for i := 0; i < cfg.NumAttentionLayers; i++ {
		layers.Append(NewTransformerLayer(cfg.LatentsDim, cfg.HeadDim, cfg.NumAttentionHeads, 4*cfg.LatentsDim))
	}
	nn.Attach(r, "layers", layers)
	nn.Attach(r, "proj_out", nn.NewLinear(cfg.LatentsDim, cfg.OutputDim, true))
	nn.Attach(r, "norm_out", nn.NewLayerNorm(cfg.OutputDim, 1e-5))
	return r
}

// Forward projects the input, publishes it for the transformer layers in
// ctx (a private context is used when ctx is nil), and refines the learned
// latents through every layer.
func (r *PerceiverResampler) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 || inputs[0].Rank() != 3 {
		return nil, fmt.Errorf("%w: resampler expects one [batch, length, %d] input", ErrShape, r.cfg.InputDim)
	}
	if ctx == nil {
		ctx = nn.NewContext()
	}
	l := r.Layers()
	x, err := l.Forward(ctx, "proj_in", inputs[0])
	if err != nil {
		return nil, err
	}
	ctx.Set(resamplerContext, resamplerInputKey, x)
	latents, err := l.Forward(ctx, "latents", x)
	if err != nil {
		return nil, err
	}
	latents, err = l.Forward(ctx, "layers", latents)
	if err != nil {
		return nil, err
	}
	out, err := l.Forward(ctx, "proj_out", latents)
	if err != nil {
		return nil, err
	}
	out, err = l.Forward(ctx, "norm_out", out)
	if err != nil {
		return nil, err
	}
	logutil.Trace("perceiver resampler", "input", inputs[0].Shape(), "output", out.Shape())
	return out, nil
}

func (r *PerceiverResampler) Config() ResamplerConfig { return r.cfg }

func (r *PerceiverResampler) ShallowCopy() nn.Module { return &PerceiverResampler{cfg: r.cfg} }

func (r *PerceiverResampler) Describe() string {
	return fmt.Sprintf("PerceiverResampler(layers=%d, tokens=%d, %d -> %d)", r.cfg.NumAttentionLayers, r.cfg.NumTokens, r.cfg.InputDim, r.cfg.OutputDim)
}
