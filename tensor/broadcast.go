package tensor

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

// BroadcastTo materializes t expanded to targetShape following numpy rules.
func BroadcastTo(t *Tensor, targetShape []int) (*Tensor, error) {
	srcShape := t.shape
	srcRank := len(srcShape)
	tgtRank := len(targetShape)
	if tgtRank < srcRank {
		return nil, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShape, srcShape, targetShape)
	}
	off := tgtRank - srcRank
	strides := make([]int, tgtRank)
	for i := tgtRank - 1; i >= 0; i-- {
		srcDim, stride := 1, 0
		if i-off >= 0 {
			srcDim = srcShape[i-off]
			stride = t.strides[i-off]
		}
		switch {
		case srcDim == targetShape[i]:
			strides[i] = stride
		case srcDim == 1:
			strides[i] = 0
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShape, srcShape, targetShape)
		}
	}
	out := empty(t, targetShape...)
	outer := targetShape[0]
	inner := len(out.data) / outer
	parallel.For(outer, func(start, end int) {
		index := make([]int, tgtRank)
		for o := start; o < end; o++ {
			for i := range index {
				index[i] = 0
			}
			index[0] = o
			for j := 0; j < inner; j++ {
				src := 0
				for d := 0; d < tgtRank; d++ {
					src += index[d] * strides[d]
				}
				out.data[o*inner+j] = t.data[src]
				for d := tgtRank - 1; d > 0; d-- {
					index[d]++
					if index[d] < targetShape[d] {
						break
					}
					index[d] = 0
				}
			}
		}
	})
	return out, nil
}
