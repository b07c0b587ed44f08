package tensor

import (
	"fmt"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

func Add(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, func(x, y float64) float64 { return x + y })
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, func(x, y float64) float64 { return x - y })
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, func(x, y float64) float64 { return x * y })
}

func Div(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, func(x, y float64) float64 { return x / y })
}

// MulScalar returns a * v.
func MulScalar(a *Tensor, v float64) *Tensor {
	out := empty(a, a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = a.data[i] * v
		}
	})
	out.round()
	return out
}

// AddBias adds a rank-1 bias along the last axis of a.
func AddBias(a, bias *Tensor) (*Tensor, error) {
	if len(bias.shape) != 1 || bias.shape[0] != a.Dim(-1) {
		return nil, fmt.Errorf("%w: bias %v for input %v", ErrShape, bias.shape, a.shape)
	}
	cols := bias.shape[0]
	rows := len(a.data) / cols
	out := empty(a, a.shape...)
	parallel.For(rows, func(start, end int) {
		for r := start; r < end; r++ {
			offset := r * cols
			for j := 0; j < cols; j++ {
				out.data[offset+j] = a.data[offset+j] + bias.data[j]
			}
		}
	})
	out.round()
	return out, nil
}

// MulBatch multiplies every entry along axis 0 of a by the matching factor.
func MulBatch(a *Tensor, factors []float64) (*Tensor, error) {
	if len(factors) != a.shape[0] {
		return nil, fmt.Errorf("%w: %d factors for batch of %d", ErrShape, len(factors), a.shape[0])
	}
	inner := len(a.data) / a.shape[0]
	out := empty(a, a.shape...)
	parallel.For(a.shape[0], func(start, end int) {
		for b := start; b < end; b++ {
			for j := 0; j < inner; j++ {
				out.data[b*inner+j] = a.data[b*inner+j] * factors[b]
			}
		}
	})
	out.round()
	return out, nil
}

func Sum(a *Tensor) float64 {
	val := 0.0
	for _, v := range a.data {
		val += v
	}
	return val
}

func binary(a, b *Tensor, fn func(x, y float64) float64) (*Tensor, error) {
	if err := ensureSameShape(a, b); err != nil {
		return nil, err
	}
	out := empty(a, a.shape...)
	parallel.For(len(out.data), func(start, end int) {
		for i := start; i < end; i++ {
			out.data[i] = fn(a.data[i], b.data[i])
		}
	})
	out.round()
	return out, nil
}
