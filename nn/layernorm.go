package nn

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

type LayerNorm struct {
	Base
	normalizedShape int
	eps             float64
	weight          *tensor.Tensor
	bias            *tensor.Tensor
}

func NewLayerNorm(normalizedShape int, eps float64) *LayerNorm {
	if eps <= 0 {
		eps = 1e-5
	}
	return &LayerNorm{
		normalizedShape: normalizedShape,
		eps:             eps,
		weight:          tensor.Ones(normalizedShape),
		bias:            tensor.Zeros(normalizedShape),
	}
}

func (ln *LayerNorm) Forward(_ *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("layer norm expects one input, got %d", len(inputs))
	}
	return tensor.LayerNorm(inputs[0], ln.weight, ln.bias, ln.eps)
}

func (ln *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{ln.weight, ln.bias}
}

func (ln *LayerNorm) Weight() *tensor.Tensor { return ln.weight }
func (ln *LayerNorm) Bias() *tensor.Tensor   { return ln.bias }

func (ln *LayerNorm) StateDict(prefix string, state map[string]*tensor.Tensor) {
	state[joinPrefix(prefix, "weight")] = ln.weight
	state[joinPrefix(prefix, "bias")] = ln.bias
}

func (ln *LayerNorm) ShallowCopy() Module {
	cp := *ln
	cp.parent = nil
	return &cp
}

func (ln *LayerNorm) Describe() string {
	return fmt.Sprintf("LayerNorm(%d, eps=%g)", ln.normalizedShape, ln.eps)
}
