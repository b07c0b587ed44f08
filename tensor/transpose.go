package tensor

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

func Transpose(a *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 {
		return nil, fmt.Errorf("%w: transpose expects rank 2 tensor, got %v", ErrShape, a.shape)
	}
	rows, cols := a.shape[0], a.shape[1]
	out := empty(a, cols, rows)
	parallel.For(rows, func(start, end int) {
		for i := start; i < end; i++ {
			offset := i * cols
			for j := 0; j < cols; j++ {
				out.data[j*rows+i] = a.data[offset+j]
			}
		}
	})
	return out, nil
}

func (t *Tensor) MustTranspose() *Tensor {
	tr, err := Transpose(t)
	if err != nil {
		panic(err)
	}
	return tr
}

// Permute returns a contiguous copy of a with its axes reordered so that
// output axis i is input axis axes[i].
func Permute(a *Tensor, axes ...int) (*Tensor, error) {
	rank := len(a.shape)
	if len(axes) != rank {
		return nil, fmt.Errorf("%w: permute %v for rank %d", ErrAxis, axes, rank)
	}
	seen := make([]bool, rank)
	shape := make([]int, rank)
	srcStrides := make([]int, rank)
	for i, ax := range axes {
		ax, err := normalizeAxis(ax, rank)
		if err != nil {
			return nil, err
		}
		if seen[ax] {
			return nil, fmt.Errorf("%w: repeated axis in %v", ErrAxis, axes)
		}
		seen[ax] = true
		shape[i] = a.shape[ax]
		srcStrides[i] = a.strides[ax]
	}
	out := empty(a, shape...)
	outer := 1
	if rank > 0 {
		outer = shape[0]
	}
	inner := len(out.data) / max(outer, 1)
	parallel.For(outer, func(start, end int) {
		index := make([]int, rank)
		for o := start; o < end; o++ {
			for i := range index {
				index[i] = 0
			}
			index[0] = o
			for j := 0; j < inner; j++ {
				src := 0
				for d := 0; d < rank; d++ {
					src += index[d] * srcStrides[d]
				}
				out.data[o*inner+j] = a.data[src]
				for d := rank - 1; d > 0; d-- {
					index[d]++
					if index[d] < shape[d] {
						break
					}
					index[d] = 0
				}
			}
		}
	})
	return out, nil
}
