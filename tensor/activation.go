package tensor

import (
	"math"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

// GELU is the exact erf formulation.
func GELU(a *Tensor) *Tensor {
	invSqrt2 := 1 / math.Sqrt2
	return unary(a, func(v float64) float64 {
		return 0.5 * v * (1 + math.Erf(v*invSqrt2))
	})
}

// QuickGELU approximates GELU as x * sigmoid(1.702 x).
func QuickGELU(a *Tensor) *Tensor {
	return unary(a, func(v float64) float64 {
		return v / (1 + math.Exp(-1.702*v))
	})
}

func unary(a *Tensor, fn func(float64) float64) *Tensor {
	out := empty(a, a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = fn(a.data[i])
		}
	})
	out.round()
	return out
}
