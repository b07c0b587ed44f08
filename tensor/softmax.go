package tensor

import (
	"math"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

// Softmax normalizes the last axis. The exponentials are computed in
// float64 and the result is rounded back to the input dtype, which keeps
// half precision attention scores from overflowing.
func Softmax(a *Tensor) *Tensor {
	cols := a.Dim(-1)
	rows := a.Numel() / cols
	out := empty(a, a.shape...)
	parallel.For(rows, func(start, end int) {
		for r := start; r < end; r++ {
			src := a.data[r*cols : (r+1)*cols]
			dst := out.data[r*cols : (r+1)*cols]
			maxVal := math.Inf(-1)
			for _, v := range src {
				if v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for j, v := range src {
				e := math.Exp(v - maxVal)
				dst[j] = e
				sum += e
			}
			for j := range dst {
				dst[j] /= sum
			}
		}
	})
	out.round()
	return out
}

// MaskUpperTriangle sets entries above the diagonal of every trailing
// [m, n] matrix to -Inf, producing a causal attention mask in place.
func (t *Tensor) MaskUpperTriangle() {
	m, n := t.Dim(-2), t.Dim(-1)
	mats := t.Numel() / (m * n)
	negInf := math.Inf(-1)
	parallel.For(mats, func(start, end int) {
		for b := start; b < end; b++ {
			base := b * m * n
			for i := 0; i < m; i++ {
				for j := i + 1; j < n; j++ {
					t.data[base+i*n+j] = negInf
				}
			}
		}
	})
}
