package ipadapter

import (
	"fmt"
	"image"

	"github.com/fumitoshi0524/ipadapter/logutil"
	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

// ImagePrompt is the input of ComputeClipImageEmbedding: decoded images or
// an already preprocessed [batch, 3, size, size] tensor.
type ImagePrompt interface {
	pixels(cfg PreprocessConfig, device string, dtype tensor.DType) (*tensor.Tensor, error)
}

type imagesPrompt []image.Image

// Images prompts with one or more images; each becomes one batch entry.
func Images(imgs ...image.Image) ImagePrompt { return imagesPrompt(imgs) }

func (p imagesPrompt) pixels(cfg PreprocessConfig, device string, dtype tensor.DType) (*tensor.Tensor, error) {
	return PreprocessImages(p, cfg, device, dtype)
}

type tensorPrompt struct{ t *tensor.Tensor }

// TensorPrompt prompts with preprocessed pixels, used as given.
func TensorPrompt(t *tensor.Tensor) ImagePrompt { return tensorPrompt{t} }

func (p tensorPrompt) pixels(PreprocessConfig, string, tensor.DType) (*tensor.Tensor, error) {
	if p.t == nil || p.t.Rank() != 4 {
		return nil, fmt.Errorf("%w: image tensor must be [batch, channels, height, width]", ErrShape)
	}
	return p.t, nil
}

type embeddingOptions struct {
	weights    []float64
	concat     bool
	preprocess PreprocessConfig
}

// EmbeddingOption configures ComputeClipImageEmbedding.
type EmbeddingOption func(*embeddingOptions)

// WithImageWeights scales the conditional embedding of each image; there
// must be one weight per image.
func WithImageWeights(w ...float64) EmbeddingOption {
	return func(o *embeddingOptions) { o.weights = append([]float64(nil), w...) }
}

// WithConcatBatches controls how several images are combined. When true,
// the default, their tokens are joined into one longer sequence
// [2, batch*tokens, dim]; otherwise each image stays a batch entry.
func WithConcatBatches(concat bool) EmbeddingOption {
	return func(o *embeddingOptions) { o.concat = concat }
}

func WithPreprocess(cfg PreprocessConfig) EmbeddingOption {
	return func(o *embeddingOptions) { o.preprocess = cfg }
}

// ComputeClipImageEmbedding encodes the prompt and returns the negative
// embedding stacked before the conditional one along the batch axis, the
// layout classifier-free guidance expects.
func (a *IPAdapter) ComputeClipImageEmbedding(prompt ImagePrompt, opts ...EmbeddingOption) (*tensor.Tensor, error) {
	o := embeddingOptions{concat: true, preprocess: DefaultPreprocess}
	for _, opt := range opts {
		opt(&o)
	}
	device, dtype := nn.Placement(a.Target())
	x, err := prompt.pixels(o.preprocess, device, dtype)
	if err != nil {
		return nil, err
	}
	negative, conditional, err := a.encode(x)
	if err != nil {
		return nil, err
	}

	batch := x.Dim(0)
	if o.weights != nil {
		if len(o.weights) != batch {
			return nil, fmt.Errorf("%w: got %d weights for %d images", ErrShape, len(o.weights), batch)
		}
		for _, w := range o.weights {
			if w != 1 {
				if conditional, err = tensor.MulBatch(conditional, o.weights); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	if batch > 1 && o.concat {
		if negative, err = foldBatch(negative, batch); err != nil {
			return nil, err
		}
		if conditional, err = foldBatch(conditional, batch); err != nil {
			return nil, err
		}
	}
	out, err := tensor.Concat(0, negative, conditional)
	if err != nil {
		return nil, err
	}
	logutil.Trace("clip image embedding", "images", batch, "shape", out.Shape())
	return out, nil
}

// foldBatch turns [batch, tokens, dim] into [1, batch*tokens, dim].
func foldBatch(t *tensor.Tensor, batch int) (*tensor.Tensor, error) {
	parts, err := tensor.Chunk(0, batch, t)
	if err != nil {
		return nil, err
	}
	return tensor.Concat(1, parts...)
}

func (a *IPAdapter) encode(x *tensor.Tensor) (negative, conditional *tensor.Tensor, err error) {
	encoder := a.encoder
	if a.fineGrained {
		encoder = a.grid
	}
	embedding, err := encoder.Encode(x)
	if err != nil {
		return nil, nil, err
	}
	if conditional, err = a.proj.Forward(nn.NewContext(), embedding); err != nil {
		return nil, nil, fmt.Errorf("image projection: %w", err)
	}
	if !a.fineGrained {
		negative, err = a.proj.Forward(nn.NewContext(), tensor.ZerosLike(embedding))
	} else {
		// The Plus checkpoints were trained with the grid features of
		// all-zero pixels as the unconditional input.
		var zeros *tensor.Tensor
		if zeros, err = encoder.Encode(tensor.ZerosLike(x)); err != nil {
			return nil, nil, err
		}
		negative, err = a.proj.Forward(nn.NewContext(), zeros)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("image projection: %w", err)
	}
	return negative, conditional, nil
}
