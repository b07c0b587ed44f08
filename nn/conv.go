package nn

import (
	"fmt"
	"math"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

type Conv2d struct {
	Base
	inChannels  int
	outChannels int
	kernelH     int
	kernelW     int
	strideH     int
	strideW     int
	padH        int
	padW        int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
}

func NewConv2d(inChannels, outChannels, kernelH, kernelW int, strideH, strideW, padH, padW int, withBias bool) *Conv2d {
	if strideH <= 0 {
		strideH = 1
	}
	if strideW <= 0 {
		strideW = 1
	}
	fanIn := float64(inChannels * kernelH * kernelW)
	w := randn(math.Sqrt(2.0/fanIn), outChannels, inChannels, kernelH, kernelW)
	var b *tensor.Tensor
	if withBias {
		b = tensor.Zeros(outChannels)
	}
	return &Conv2d{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelH:     kernelH,
		kernelW:     kernelW,
		strideH:     strideH,
		strideW:     strideW,
		padH:        padH,
		padW:        padW,
		weight:      w,
		bias:        b,
	}
}

func (c *Conv2d) Forward(_ *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("conv2d expects one input, got %d", len(inputs))
	}
	return tensor.Conv2D(inputs[0], c.weight, c.bias, c.strideH, c.strideW, c.padH, c.padW)
}

func (c *Conv2d) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2d) Weight() *tensor.Tensor { return c.weight }

func (c *Conv2d) StateDict(prefix string, state map[string]*tensor.Tensor) {
	state[joinPrefix(prefix, "weight")] = c.weight
	if c.bias != nil {
		state[joinPrefix(prefix, "bias")] = c.bias
	}
}

func (c *Conv2d) ShallowCopy() Module {
	cp := *c
	cp.parent = nil
	return &cp
}

func (c *Conv2d) Describe() string {
	return fmt.Sprintf("Conv2d(%d, %d, kernel=%dx%d, stride=%dx%d)", c.inChannels, c.outChannels, c.kernelH, c.kernelW, c.strideH, c.strideW)
}
