package clip

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fumitoshi0524/ipadapter/logutil"
	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

// ErrLayout is returned when an encoder does not have the layer layout
// GridFeatures expects.
var ErrLayout = errors.New("clip: unexpected encoder layout")

// ImageEncoder is a chain of embeddings, pre-norm, transformer layers,
// class-token pooling, post-norm and a final projection.
type ImageEncoder struct {
	nn.Composite
	cfg  Config
	grid bool
}

func NewImageEncoder(cfg Config) *ImageEncoder {
	e := &ImageEncoder{cfg: cfg}
	nn.Attach(e, "embeddings", NewPatchEmbedding(cfg))
	nn.Attach(e, "pre_norm", nn.NewLayerNorm(cfg.EmbeddingDim, cfg.LayerNormEps))
	layers := nn.NewChain()
	for i := 0; i < cfg.NumLayers; i++ {
		layers.Append(newEncoderLayer(cfg))
	}
	nn.Attach(e, "layers", layers)
	nn.Attach(e, "pooling", nn.NewLambda("class_token", func(_ *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Select(inputs[0], 1, 0)
	}))
	nn.Attach(e, "post_norm", nn.NewLayerNorm(cfg.EmbeddingDim, cfg.LayerNormEps))
	nn.Attach(e, "proj", nn.NewLinear(cfg.EmbeddingDim, cfg.OutputDim, false))
	return e
}

// newEncoderLayer is a pre-norm transformer block.
func newEncoderLayer(cfg Config) *nn.Chain {
	attn := &nn.Residual{}
	nn.Attach(attn, "norm", nn.NewLayerNorm(cfg.EmbeddingDim, cfg.LayerNormEps))
	nn.Attach(attn, "self_attn", nn.NewAttention(nn.AttentionConfig{
		Kind:         nn.SelfAttention,
		EmbeddingDim: cfg.EmbeddingDim,
		NumHeads:     cfg.NumHeads,
		UseBias:      true,
	}))
	act := nn.GELU()
	if cfg.QuickGELU {
		act = nn.QuickGELU()
	}
	mlp := &nn.Residual{}
	nn.Attach(mlp, "norm", nn.NewLayerNorm(cfg.EmbeddingDim, cfg.LayerNormEps))
	nn.Attach(mlp, "fc1", nn.NewLinear(cfg.EmbeddingDim, cfg.FeedForwardDim, true))
	nn.Attach(mlp, "act", act)
	nn.Attach(mlp, "fc2", nn.NewLinear(cfg.FeedForwardDim, cfg.EmbeddingDim, true))

	layer := &nn.Chain{}
	nn.Attach(layer, "attention", attn)
	nn.Attach(layer, "mlp", mlp)
	return layer
}

func (e *ImageEncoder) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return nn.Pipe(ctx, e, inputs...)
}

// Encode runs the encoder on a batch of preprocessed images
// [batch, channels, size, size]. It keeps no state between calls.
func (e *ImageEncoder) Encode(images *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := e.Forward(nn.NewContext(), images)
	if err != nil {
		return nil, fmt.Errorf("clip encode: %w", err)
	}
	logutil.Trace("clip encoded", "images", images.Shape(), "embedding", out.Shape(), "grid", e.grid)
	return out, nil
}

func (e *ImageEncoder) Config() Config { return e.cfg }

// IsGrid reports whether e returns per-patch features.
func (e *ImageEncoder) IsGrid() bool { return e.grid }

// GridFeatures derives an encoder returning the penultimate per-patch
// features [batch, 1+patches, dim]: the projection, post-norm and pooling
// layers are dropped, then the last transformer layer. Weights are shared
// with e.
func (e *ImageEncoder) GridFeatures() (*ImageEncoder, error) {
	cp, err := nn.StructuralCopy(e)
	if err != nil {
		return nil, err
	}
	grid := cp.(*ImageEncoder)
	l := grid.Layers()
	if _, ok := l.At(-1).(*nn.Linear); !ok {
		return nil, fmt.Errorf("%w: last layer is %T, want projection", ErrLayout, l.At(-1))
	}
	if _, ok := l.At(-2).(*nn.LayerNorm); !ok {
		return nil, fmt.Errorf("%w: second to last layer is %T, want layer norm", ErrLayout, l.At(-2))
	}
	if _, ok := l.At(-3).(*nn.Lambda); !ok {
		return nil, fmt.Errorf("%w: third to last layer is %T, want pooling", ErrLayout, l.At(-3))
	}
	for i := 0; i < 3; i++ {
		if _, err := nn.Pop(grid); err != nil {
			return nil, err
		}
	}
	layers, ok := l.At(-1).(*nn.Chain)
	if !ok || layers.Len() != e.cfg.NumLayers {
		return nil, fmt.Errorf("%w: want %d transformer layers, got %T", ErrLayout, e.cfg.NumLayers, l.At(-1))
	}
	if _, err := layers.Pop(); err != nil {
		return nil, err
	}
	grid.grid = true
	slog.Debug("derived grid feature encoder", "layers", layers.Len())
	return grid, nil
}

func (e *ImageEncoder) ShallowCopy() nn.Module { return &ImageEncoder{cfg: e.cfg, grid: e.grid} }
