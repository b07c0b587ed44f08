package ipadapter

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

// ImageProjection maps one pooled image embedding [batch, imageDim] to
// numTokens normalized tokens [batch, numTokens, textDim].
type ImageProjection struct {
	nn.Composite
	clipImageEmbeddingDim int
	clipTextEmbeddingDim  int
	numTokens             int
}

func NewImageProjection(clipImageEmbeddingDim, clipTextEmbeddingDim, numTokens int) *ImageProjection {
	p := &ImageProjection{
		clipImageEmbeddingDim: clipImageEmbeddingDim,
		clipTextEmbeddingDim:  clipTextEmbeddingDim,
		numTokens:             numTokens,
	}
	nn.Attach(p, "proj", nn.NewLinear(clipImageEmbeddingDim, clipTextEmbeddingDim*numTokens, true))
	nn.Attach(p, "reshape", nn.Reshape(numTokens, clipTextEmbeddingDim))
	nn.Attach(p, "norm", nn.NewLayerNorm(clipTextEmbeddingDim, 1e-5))
	return p
}

func (p *ImageProjection) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 || inputs[0].Rank() != 2 {
		return nil, fmt.Errorf("%w: image projection expects one [batch, %d] input", ErrShape, p.clipImageEmbeddingDim)
	}
	return nn.Pipe(ctx, p, inputs...)
}

func (p *ImageProjection) NumTokens() int { return p.numTokens }

func (p *ImageProjection) ShallowCopy() nn.Module {
	return &ImageProjection{
		clipImageEmbeddingDim: p.clipImageEmbeddingDim,
		clipTextEmbeddingDim:  p.clipTextEmbeddingDim,
		numTokens:             p.numTokens,
	}
}

func (p *ImageProjection) Describe() string {
	return fmt.Sprintf("ImageProjection(%d -> %dx%d)", p.clipImageEmbeddingDim, p.numTokens, p.clipTextEmbeddingDim)
}

// ProjectorFromWeights builds the image projector an IP-Adapter checkpoint
// was trained with, sizing it from the checkpoint's own tensors. Checkpoints
// with learned latents get a PerceiverResampler with heads of headDim;
// everything else gets an ImageProjection. The weights are not loaded.
func ProjectorFromWeights(state map[string]*tensor.Tensor, headDim int) (nn.Module, error) {
	dim := func(key string, axis int) (int, error) {
		t, ok := state[imageProjPrefix+key]
		if !ok {
			return 0, fmt.Errorf("%w: checkpoint has no %s%s", ErrStructure, imageProjPrefix, key)
		}
		if axis >= t.Rank() {
			return 0, fmt.Errorf("%w: %s%s has shape %v", ErrShape, imageProjPrefix, key, t.Shape())
		}
		return t.Dim(axis), nil
	}

	if _, ok := state[imageProjPrefix+"latents"]; !ok {
		in, err := dim("proj.weight", 1)
		if err != nil {
			return nil, err
		}
		rows, err := dim("proj.weight", 0)
		if err != nil {
			return nil, err
		}
		out, err := dim("norm.weight", 0)
		if err != nil {
			return nil, err
		}
		if rows%out != 0 {
			return nil, fmt.Errorf("%w: projection rows %d not a multiple of %d", ErrShape, rows, out)
		}
		return NewImageProjection(in, out, rows/out), nil
	}

	if headDim <= 0 {
		return nil, fmt.Errorf("%w: head dim %d", ErrShape, headDim)
	}
	var (
		cfg = ResamplerConfig{HeadDim: headDim}
		err error
	)
	if cfg.NumTokens, err = dim("latents", 0); err != nil {
		return nil, err
	}
	if cfg.LatentsDim, err = dim("latents", 1); err != nil {
		return nil, err
	}
	if cfg.InputDim, err = dim("proj_in.weight", 1); err != nil {
		return nil, err
	}
	if cfg.OutputDim, err = dim("proj_out.weight", 0); err != nil {
		return nil, err
	}
	for {
		if _, ok := state[fmt.Sprintf("%slayers.%d.attn.to_q.weight", imageProjPrefix, cfg.NumAttentionLayers)]; !ok {
			break
		}
		cfg.NumAttentionLayers++
	}
	if cfg.NumAttentionLayers == 0 {
		return nil, fmt.Errorf("%w: checkpoint has no resampler layers", ErrStructure)
	}
	inner, err := dim("layers.0.attn.to_q.weight", 0)
	if err != nil {
		return nil, err
	}
	if inner%headDim != 0 {
		return nil, fmt.Errorf("%w: attention width %d not a multiple of head dim %d", ErrShape, inner, headDim)
	}
	cfg.NumAttentionHeads = inner / headDim
	return NewPerceiverResampler(cfg), nil
}
