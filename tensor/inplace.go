package tensor

import "github.com/fumitoshi0524/ipadapter/internal/parallel"

func (t *Tensor) Scale(v float64) {
	parallel.For(len(t.data), func(start, end int) {
		for i := start; i < end; i++ {
			t.data[i] *= v
		}
	})
	t.round()
}
