package tensor

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

// Narrow returns a copy of t restricted to [start, start+length) along axis.
func Narrow(t *Tensor, axis, start, length int) (*Tensor, error) {
	axis, err := normalizeAxis(axis, len(t.shape))
	if err != nil {
		return nil, err
	}
	size := t.shape[axis]
	if start < 0 || length <= 0 || start+length > size {
		return nil, fmt.Errorf("%w: narrow [%d, %d) of axis %d sized %d", ErrShape, start, start+length, axis, size)
	}
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= t.shape[i]
	}
	inner := 1
	for i := axis + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}
	shape := append([]int(nil), t.shape...)
	shape[axis] = length
	out := empty(t, shape...)
	parallel.For(outer, func(s, e int) {
		for o := s; o < e; o++ {
			src := (o*size + start) * inner
			dst := o * length * inner
			copy(out.data[dst:dst+length*inner], t.data[src:src+length*inner])
		}
	})
	return out, nil
}

// Select picks index along axis and drops that axis.
func Select(t *Tensor, axis, index int) (*Tensor, error) {
	axis, err := normalizeAxis(axis, len(t.shape))
	if err != nil {
		return nil, err
	}
	n, err := Narrow(t, axis, index, 1)
	if err != nil {
		return nil, err
	}
	if len(t.shape) == 1 {
		return n, nil
	}
	shape := append(append([]int(nil), t.shape[:axis]...), t.shape[axis+1:]...)
	return n.Reshape(shape...)
}
