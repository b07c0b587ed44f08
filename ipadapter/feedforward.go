package ipadapter

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

// FeedForward is fc1, GELU, fc2, both projections without bias.
type FeedForward struct {
	nn.Composite
	embeddingDim   int
	feedforwardDim int
}

func NewFeedForward(embeddingDim, feedforwardDim int) *FeedForward {
	f := &FeedForward{embeddingDim: embeddingDim, feedforwardDim: feedforwardDim}
	nn.Attach(f, "fc1", nn.NewLinear(embeddingDim, feedforwardDim, false))
	nn.Attach(f, "act", nn.GELU())
	nn.Attach(f, "fc2", nn.NewLinear(feedforwardDim, embeddingDim, false))
	return f
}

func (f *FeedForward) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return nn.Pipe(ctx, f, inputs...)
}

func (f *FeedForward) ShallowCopy() nn.Module {
	return &FeedForward{embeddingDim: f.embeddingDim, feedforwardDim: f.feedforwardDim}
}

func (f *FeedForward) Describe() string {
	return fmt.Sprintf("FeedForward(%d, %d)", f.embeddingDim, f.feedforwardDim)
}
