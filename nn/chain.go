package nn

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// Chain runs its children in order. The first child receives all inputs,
// every following child receives the previous output.
type Chain struct {
	Composite
}

func NewChain(mods ...Module) *Chain {
	c := &Chain{}
	for _, m := range mods {
		Attach(c, "", m)
	}
	return c
}

func (c *Chain) Forward(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return Pipe(ctx, c, inputs...)
}

func (c *Chain) Append(m Module) { Attach(c, "", m) }

func (c *Chain) Pop() (Module, error) { return Pop(c) }

func (c *Chain) Len() int { return c.layers.Len() }

func (c *Chain) At(i int) Module { return c.layers.At(i) }

func (c *Chain) ShallowCopy() Module { return &Chain{} }

func (c *Chain) Describe() string { return fmt.Sprintf("Chain(%d)", c.layers.Len()) }

// Pipe runs the children of owner as a Chain does. Containers that are
// chains with extra behavior use it as their Forward.
func Pipe(ctx *Context, owner Container, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	l := owner.Layers()
	if l.Len() == 0 {
		if len(inputs) != 1 {
			return nil, errors.New("nn: empty chain needs exactly one input")
		}
		return inputs[0], nil
	}
	out, err := l.mods[0].Forward(ctx, inputs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.names[0], err)
	}
	for i := 1; i < len(l.mods); i++ {
		out, err = l.mods[i].Forward(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.names[i], err)
		}
	}
	return out, nil
}

// Sum feeds the same inputs to every child and adds the outputs.
type Sum struct {
	Composite
}

func NewSum(mods ...Module) *Sum {
	s := &Sum{}
	for _, m := range mods {
		Attach(s, "", m)
	}
	return s
}

func (s *Sum) Forward(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if s.layers.Len() == 0 {
		return nil, errors.New("nn: empty sum")
	}
	var out *tensor.Tensor
	for i, m := range s.layers.mods {
		y, err := m.Forward(ctx, inputs...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.layers.names[i], err)
		}
		if out == nil {
			out = y
			continue
		}
		if out, err = tensor.Add(out, y); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Sum) ShallowCopy() Module { return &Sum{} }

func (s *Sum) Describe() string { return fmt.Sprintf("Sum(%d)", s.layers.Len()) }

// Residual is a Chain whose output is added to its first input.
type Residual struct {
	Composite
}

func NewResidual(mods ...Module) *Residual {
	r := &Residual{}
	for _, m := range mods {
		Attach(r, "", m)
	}
	return r
}

func (r *Residual) Forward(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("nn: residual needs an input")
	}
	out, err := Pipe(ctx, r, inputs...)
	if err != nil {
		return nil, err
	}
	return tensor.Add(out, inputs[0])
}

func (r *Residual) ShallowCopy() Module { return &Residual{} }

func (r *Residual) Describe() string { return fmt.Sprintf("Residual(%d)", r.layers.Len()) }
