package nn

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// Lambda wraps a function into a Module.
type Lambda struct {
	Base
	name string
	fn   func(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error)
}

func NewLambda(name string, fn func(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error)) *Lambda {
	return &Lambda{name: name, fn: fn}
}

func (f *Lambda) Forward(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return f.fn(ctx, inputs...)
}

func (f *Lambda) ShallowCopy() Module { return &Lambda{name: f.name, fn: f.fn} }

func (f *Lambda) Describe() string { return fmt.Sprintf("Lambda(%s)", f.name) }

func unaryLambda(name string, fn func(*tensor.Tensor) *tensor.Tensor) *Lambda {
	return NewLambda(name, func(_ *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("%s expects one input, got %d", name, len(inputs))
		}
		return fn(inputs[0]), nil
	})
}

func GELU() *Lambda { return unaryLambda("gelu", tensor.GELU) }

func QuickGELU() *Lambda { return unaryLambda("quick_gelu", tensor.QuickGELU) }

func Identity() *Lambda {
	return unaryLambda("identity", func(t *tensor.Tensor) *tensor.Tensor { return t })
}

// Reshape keeps the batch axis and reshapes the rest to shape.
func Reshape(shape ...int) *Lambda {
	shape = append([]int(nil), shape...)
	return NewLambda(fmt.Sprintf("reshape%v", shape), func(_ *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("reshape expects one input, got %d", len(inputs))
		}
		return inputs[0].Reshape(append([]int{inputs[0].Dim(0)}, shape...)...)
	})
}
