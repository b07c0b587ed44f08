package tensor

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

func Split(axis int, sizes []int, t *Tensor) ([]*Tensor, error) {
	if len(sizes) == 0 {
		return nil, errors.New("Split requires at least one size")
	}
	rank := len(t.shape)
	axis, err := normalizeAxis(axis, rank)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range sizes {
		if s <= 0 {
			return nil, errors.New("split sizes must be positive")
		}
		total += s
	}
	if total != t.shape[axis] {
		return nil, fmt.Errorf("%w: split sizes %v do not cover axis %d of %v", ErrShape, sizes, axis, t.shape)
	}
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= t.shape[i]
	}
	inner := 1
	for i := axis + 1; i < rank; i++ {
		inner *= t.shape[i]
	}
	result := make([]*Tensor, len(sizes))
	offset := 0
	for idx, size := range sizes {
		shape := append([]int(nil), t.shape...)
		shape[axis] = size
		part := empty(t, shape...)
		parallel.For(outer, func(start, end int) {
			for o := start; o < end; o++ {
				src := (o*t.shape[axis] + offset) * inner
				dst := o * size * inner
				copy(part.data[dst:dst+size*inner], t.data[src:src+size*inner])
			}
		})
		result[idx] = part
		offset += size
	}
	return result, nil
}

// Chunk splits t along axis into at most parts pieces of ceil(size/parts)
// elements each, the last one possibly smaller, like torch.chunk.
func Chunk(axis int, parts int, t *Tensor) ([]*Tensor, error) {
	if parts <= 0 {
		return nil, errors.New("parts must be positive")
	}
	axis, err := normalizeAxis(axis, len(t.shape))
	if err != nil {
		return nil, err
	}
	size := t.shape[axis]
	if size == 0 {
		return nil, fmt.Errorf("%w: cannot chunk an empty axis", ErrShape)
	}
	step := (size + parts - 1) / parts
	sizes := make([]int, 0, parts)
	for rest := size; rest > 0; rest -= step {
		sizes = append(sizes, min(step, rest))
	}
	return Split(axis, sizes, t)
}
