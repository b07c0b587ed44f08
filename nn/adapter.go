package nn

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// Wrapper is a Container standing in for a target module. StateDict looks
// through wrappers.
type Wrapper interface {
	Container
	Target() Module
}

// Adapter is the embeddable base of adapters. It holds the target in slot
// "target" without taking ownership of it until Inject splices the adapter
// into the target's place.
type Adapter struct {
	Composite
	target Module
}

// SetTarget records m as the wrapped module. It does not touch m's parent.
func (a *Adapter) SetTarget(m Module) {
	a.target = m
	a.layers = Layers{}
	a.layers.add("target", m)
}

func (a *Adapter) Target() Module { return a.target }

func (a *Adapter) Forward(ctx *Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	return a.target.Forward(ctx, inputs...)
}

// Inject puts w in place of its target inside parent, defaulting to the
// target's current parent. A target without a parent is left alone.
func Inject(w Wrapper, parent Container) error {
	target := w.Target()
	if parent == nil {
		parent = target.Parent()
	}
	if parent == nil {
		return nil
	}
	if err := Replace(parent, target, w); err != nil {
		return fmt.Errorf("inject %T: %w", w, err)
	}
	target.setParent(w)
	return nil
}

// Eject puts the target of w back where w was.
func Eject(w Wrapper) error {
	target := w.Target()
	parent := w.Parent()
	if parent == nil {
		if target.Parent() == w {
			target.setParent(nil)
		}
		return nil
	}
	if err := Replace(parent, w, target); err != nil {
		return fmt.Errorf("eject %T: %w", w, err)
	}
	return nil
}
