package nn

import (
	"math/rand"
	"sync"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(0))
)

// Seed resets the generator used to initialize new weights.
func Seed(seed int64) {
	rngMu.Lock()
	rng = rand.New(rand.NewSource(seed))
	rngMu.Unlock()
}

func randn(std float64, shape ...int) *tensor.Tensor {
	rngMu.Lock()
	defer rngMu.Unlock()
	return tensor.Randn(rng, std, shape...)
}
