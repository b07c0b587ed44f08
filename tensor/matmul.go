package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		return nil, fmt.Errorf("%w: matmul expects rank 2 tensors, got %v and %v", ErrShape, a.shape, b.shape)
	}
	aRows, aCols := a.shape[0], a.shape[1]
	bRows, bCols := b.shape[0], b.shape[1]
	if aCols != bRows {
		return nil, fmt.Errorf("%w: incompatible shapes for matmul %v x %v", ErrShape, a.shape, b.shape)
	}
	out := empty(a, aRows, bCols)
	gemm(a.data, b.data, out.data, aRows, aCols, bCols, false)
	out.round()
	return out, nil
}

// MatMulT computes a @ bᵀ for rank-2 a [m, k] and b [n, k] without
// materializing the transpose.
func MatMulT(a, b *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 || len(b.shape) != 2 || a.shape[1] != b.shape[1] {
		return nil, fmt.Errorf("%w: incompatible shapes for matmul %v x %vᵀ", ErrShape, a.shape, b.shape)
	}
	out := empty(a, a.shape[0], b.shape[0])
	gemm(a.data, b.data, out.data, a.shape[0], a.shape[1], b.shape[0], true)
	out.round()
	return out, nil
}

// BatchMatMul multiplies the trailing two axes of a [..., m, k] and
// b [..., k, n]; leading axes must match exactly.
func BatchMatMul(a, b *Tensor) (*Tensor, error) {
	rank := len(a.shape)
	if rank < 3 || len(b.shape) != rank {
		return nil, fmt.Errorf("%w: batch matmul expects equal ranks >= 3, got %v and %v", ErrShape, a.shape, b.shape)
	}
	batch := 1
	for i := 0; i < rank-2; i++ {
		if a.shape[i] != b.shape[i] {
			return nil, fmt.Errorf("%w: batch axes differ %v vs %v", ErrShape, a.shape, b.shape)
		}
		batch *= a.shape[i]
	}
	m, k := a.shape[rank-2], a.shape[rank-1]
	if b.shape[rank-2] != k {
		return nil, fmt.Errorf("%w: incompatible shapes for matmul %v x %v", ErrShape, a.shape, b.shape)
	}
	n := b.shape[rank-1]
	shape := append(append([]int(nil), a.shape[:rank-2]...), m, n)
	out := empty(a, shape...)
	parallel.For(batch, func(start, end int) {
		for i := start; i < end; i++ {
			gemm(a.data[i*m*k:(i+1)*m*k], b.data[i*k*n:(i+1)*k*n], out.data[i*m*n:(i+1)*m*n], m, k, n, false)
		}
	})
	out.round()
	return out, nil
}

// gemm writes a @ b (or a @ bᵀ when transB) into c.
func gemm(a, b, c []float64, m, k, n int, transB bool) {
	bg := blas64.General{Rows: k, Cols: n, Stride: n, Data: b}
	tB := blas.NoTrans
	if transB {
		bg = blas64.General{Rows: n, Cols: k, Stride: k, Data: b}
		tB = blas.Trans
	}
	blas64.Gemm(blas.NoTrans, tB, 1,
		blas64.General{Rows: m, Cols: k, Stride: k, Data: a},
		bg,
		0,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
}
