package nn

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// Parameter is a learned tensor. Its Forward ignores input values and
// returns the tensor repeated along a new leading batch axis sized like the
// first input.
type Parameter struct {
	Base
	value *tensor.Tensor
}

func NewParameter(std float64, shape ...int) *Parameter {
	return &Parameter{value: randn(std, shape...)}
}

func (p *Parameter) Forward(_ *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("parameter needs an input to size the batch")
	}
	shape := append([]int{inputs[0].Dim(0)}, p.value.Shape()...)
	one, err := tensor.Unsqueeze(p.value, 0)
	if err != nil {
		return nil, err
	}
	return tensor.BroadcastTo(one, shape)
}

func (p *Parameter) Parameters() []*tensor.Tensor { return []*tensor.Tensor{p.value} }

func (p *Parameter) Value() *tensor.Tensor { return p.value }

// StateDict stores the tensor under the slot path itself.
func (p *Parameter) StateDict(prefix string, state map[string]*tensor.Tensor) {
	state[prefix] = p.value
}

func (p *Parameter) ShallowCopy() Module { return &Parameter{value: p.value} }

func (p *Parameter) Describe() string { return fmt.Sprintf("Parameter%v", p.value.Shape()) }
