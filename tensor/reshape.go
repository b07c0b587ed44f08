package tensor

import (
	"errors"
	"fmt"
)

// Reshape returns a view of t with a new shape; one dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, errors.New("reshape shape required")
	}
	shape = append([]int(nil), shape...)
	total := t.Numel()
	prod := 1
	infer := -1
	for i, dim := range shape {
		if dim == -1 {
			if infer != -1 {
				return nil, errors.New("multiple inferred dimensions")
			}
			infer = i
			continue
		}
		if dim <= 0 {
			return nil, fmt.Errorf("invalid reshape dimension in %v", shape)
		}
		prod *= dim
	}
	if infer != -1 {
		if prod == 0 || total%prod != 0 {
			return nil, fmt.Errorf("%w: cannot infer dimension of %v from %v", ErrShape, shape, t.shape)
		}
		shape[infer] = total / prod
		prod = total
	}
	if prod != total {
		return nil, fmt.Errorf("%w: reshape %v to %v", ErrShape, t.shape, shape)
	}
	return &Tensor{
		data:    t.data,
		shape:   shape,
		strides: makeStrides(shape),
		dtype:   t.dtype,
		device:  t.device,
	}, nil
}

func Flatten(a *Tensor) (*Tensor, error) {
	if len(a.shape) < 2 {
		return a.Reshape(a.Numel())
	}
	batch := a.shape[0]
	features := 1
	for _, dim := range a.shape[1:] {
		features *= dim
	}
	return a.Reshape(batch, features)
}

// Unsqueeze inserts an axis of size one at position axis.
func Unsqueeze(a *Tensor, axis int) (*Tensor, error) {
	rank := len(a.shape)
	if axis < 0 {
		axis += rank + 1
	}
	if axis < 0 || axis > rank {
		return nil, fmt.Errorf("%w: unsqueeze %d for rank %d", ErrAxis, axis, rank)
	}
	shape := make([]int, 0, rank+1)
	shape = append(shape, a.shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, a.shape[axis:]...)
	return a.Reshape(shape...)
}
