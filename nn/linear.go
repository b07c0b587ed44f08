package nn

import (
	"fmt"
	"math"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// Linear applies y = x Wᵀ + b over the last axis of inputs of any rank.
type Linear struct {
	Base
	inFeatures  int
	outFeatures int
	weight      *tensor.Tensor
	bias        *tensor.Tensor
}

func NewLinear(inFeatures, outFeatures int, withBias bool) *Linear {
	scale := math.Sqrt(2.0 / float64(inFeatures+outFeatures))
	w := randn(scale, outFeatures, inFeatures)
	var b *tensor.Tensor
	if withBias {
		b = tensor.Zeros(outFeatures)
	}
	return &Linear{inFeatures: inFeatures, outFeatures: outFeatures, weight: w, bias: b}
}

func (l *Linear) Forward(_ *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("linear expects one input, got %d", len(inputs))
	}
	input := inputs[0]
	if input.Dim(-1) != l.inFeatures {
		return nil, fmt.Errorf("%w: linear expects %d features, got %v", tensor.ErrShape, l.inFeatures, input.Shape())
	}
	shape := input.Shape()
	x, err := input.Reshape(-1, l.inFeatures)
	if err != nil {
		return nil, err
	}
	output, err := tensor.MatMulT(x, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		output, err = tensor.AddBias(output, l.bias)
		if err != nil {
			return nil, err
		}
	}
	shape[len(shape)-1] = l.outFeatures
	return output.Reshape(shape...)
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Weight() *tensor.Tensor {
	return l.weight
}

func (l *Linear) Bias() *tensor.Tensor {
	return l.bias
}

func (l *Linear) InFeatures() int  { return l.inFeatures }
func (l *Linear) OutFeatures() int { return l.outFeatures }

// CheckWeight reports whether w fits as the weight of l.
func (l *Linear) CheckWeight(w *tensor.Tensor) error {
	want := []int{l.outFeatures, l.inFeatures}
	if got := w.Shape(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		return fmt.Errorf("%w: linear weight %v, want %v", tensor.ErrShape, got, want)
	}
	return nil
}

// SetWeight swaps in w, keeping the current placement of the layer.
func (l *Linear) SetWeight(w *tensor.Tensor) error {
	if err := l.CheckWeight(w); err != nil {
		return err
	}
	device, dtype := l.weight.Device(), l.weight.DType()
	l.weight = w.Clone()
	l.weight.To(device, dtype)
	return nil
}

func (l *Linear) StateDict(prefix string, state map[string]*tensor.Tensor) {
	state[joinPrefix(prefix, "weight")] = l.weight
	if l.bias != nil {
		state[joinPrefix(prefix, "bias")] = l.bias
	}
}

func (l *Linear) ShallowCopy() Module {
	cp := *l
	cp.parent = nil
	return &cp
}

func (l *Linear) Describe() string {
	return fmt.Sprintf("Linear(in=%d, out=%d, bias=%t)", l.inFeatures, l.outFeatures, l.bias != nil)
}
