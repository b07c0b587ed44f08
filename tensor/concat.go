package tensor

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

func Concat(axis int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("Concat requires at least one tensor")
	}
	base := tensors[0]
	rank := len(base.shape)
	axis, err := normalizeAxis(axis, rank)
	if err != nil {
		return nil, err
	}
	outShape := append([]int(nil), base.shape...)
	sumAxis := base.shape[axis]
	for i := 1; i < len(tensors); i++ {
		t := tensors[i]
		if len(t.shape) != rank {
			return nil, fmt.Errorf("%w: concat rank mismatch %v vs %v", ErrShape, base.shape, t.shape)
		}
		for d := 0; d < rank; d++ {
			if d != axis && t.shape[d] != base.shape[d] {
				return nil, fmt.Errorf("%w: concat %v with %v on axis %d", ErrShape, base.shape, t.shape, axis)
			}
		}
		sumAxis += t.shape[axis]
	}
	outShape[axis] = sumAxis
	out := empty(base, outShape...)
	inner := 1
	for i := axis + 1; i < rank; i++ {
		inner *= base.shape[i]
	}
	outer := 1
	for i := 0; i < axis; i++ {
		outer *= base.shape[i]
	}
	axisOffset := 0
	for _, t := range tensors {
		axisSize := t.shape[axis]
		parallel.For(outer, func(start, end int) {
			for o := start; o < end; o++ {
				dstStart := (o*outShape[axis] + axisOffset) * inner
				srcStart := o * axisSize * inner
				copy(out.data[dstStart:dstStart+axisSize*inner], t.data[srcStart:srcStart+axisSize*inner])
			}
		})
		axisOffset += axisSize
	}
	out.round()
	return out, nil
}
