package tensor

import (
	"fmt"
	"math"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

// LayerNorm normalizes the last axis of input. weight and bias may be nil.
// Statistics are accumulated in float64 regardless of the input dtype.
func LayerNorm(input, weight, bias *Tensor, eps float64) (*Tensor, error) {
	normSize := input.Dim(-1)
	if weight != nil && weight.Numel() != normSize {
		return nil, fmt.Errorf("%w: layer norm weight %v for input %v", ErrShape, weight.shape, input.shape)
	}
	if bias != nil && bias.Numel() != normSize {
		return nil, fmt.Errorf("%w: layer norm bias %v for input %v", ErrShape, bias.shape, input.shape)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	out := empty(input, input.shape...)
	outer := input.Numel() / normSize
	parallel.For(outer, func(start, end int) {
		for o := start; o < end; o++ {
			row := input.data[o*normSize : (o+1)*normSize]
			dst := out.data[o*normSize : (o+1)*normSize]
			sum := 0.0
			for _, v := range row {
				sum += v
			}
			mean := sum / float64(normSize)
			varSum := 0.0
			for _, v := range row {
				diff := v - mean
				varSum += diff * diff
			}
			invStd := 1.0 / math.Sqrt(varSum/float64(normSize)+eps)
			for j, v := range row {
				val := (v - mean) * invStd
				if weight != nil {
					val *= weight.data[j]
				}
				if bias != nil {
					val += bias.data[j]
				}
				dst[j] = val
			}
		}
	})
	out.round()
	return out, nil
}
