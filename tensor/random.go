package tensor

import "math/rand"

// Randn draws standard normal values from rng, scaled by std.
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	data := make([]float64, size)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return MustNew(data, shape...)
}
