package clip

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

// PatchEmbedding turns images [batch, channels, size, size] into a token
// sequence [batch, 1+patches, dim]: a learned class token followed by one
// token per patch, plus learned positional embeddings.
type PatchEmbedding struct {
	nn.Composite
	dim int
}

func NewPatchEmbedding(cfg Config) *PatchEmbedding {
	e := &PatchEmbedding{dim: cfg.EmbeddingDim}
	nn.Attach(e, "patch", nn.NewConv2d(cfg.InChannels, cfg.EmbeddingDim, cfg.PatchSize, cfg.PatchSize, cfg.PatchSize, cfg.PatchSize, 0, 0, false))
	nn.Attach(e, "class_token", nn.NewParameter(0.02, 1, cfg.EmbeddingDim))
	nn.Attach(e, "position", nn.NewParameter(0.02, cfg.NumPatches()+1, cfg.EmbeddingDim))
	return e
}

func (e *PatchEmbedding) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 || inputs[0].Rank() != 4 {
		return nil, fmt.Errorf("%w: patch embedding expects one [batch, channels, h, w] input", tensor.ErrShape)
	}
	l := e.Layers()
	patches, err := l.Forward(ctx, "patch", inputs[0])
	if err != nil {
		return nil, err
	}
	flat, err := patches.Reshape(patches.Dim(0), e.dim, -1)
	if err != nil {
		return nil, err
	}
	tokens, err := tensor.Permute(flat, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	cls, err := l.Forward(ctx, "class_token", tokens)
	if err != nil {
		return nil, err
	}
	x, err := tensor.Concat(1, cls, tokens)
	if err != nil {
		return nil, err
	}
	pos, err := l.Forward(ctx, "position", x)
	if err != nil {
		return nil, err
	}
	if !tensor.SameShape(pos, x) {
		return nil, fmt.Errorf("%w: %d positions for %d tokens", tensor.ErrShape, pos.Dim(1), x.Dim(1))
	}
	return tensor.Add(x, pos)
}

func (e *PatchEmbedding) ShallowCopy() nn.Module { return &PatchEmbedding{dim: e.dim} }
