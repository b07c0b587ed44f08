package tensor

import (
	"errors"
	"fmt"
)

var (
	ErrShape = errors.New("tensor: shape mismatch")
	ErrAxis  = errors.New("tensor: axis out of range")
)

// DefaultDevice is the only device the engine computes on; other device
// names are carried as placement tags.
const DefaultDevice = "cpu"

type Tensor struct {
	data    []float64
	shape   []int
	strides []int
	dtype   DType
	device  string
}

func New(data []float64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, errors.New("shape is required")
	}
	total := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid shape %v", shape)
		}
		total *= dim
	}
	if total != len(data) {
		return nil, fmt.Errorf("data and shape mismatch: %d values for shape %v", len(data), shape)
	}
	t := &Tensor{
		data:    append([]float64(nil), data...),
		shape:   append([]int(nil), shape...),
		strides: makeStrides(shape),
		dtype:   Float32,
		device:  DefaultDevice,
	}
	t.round()
	return t, nil
}

func MustNew(data []float64, shape ...int) *Tensor {
	t, err := New(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return MustNew(make([]float64, size), shape...)
}

// ZerosLike returns a zero tensor with the shape, dtype and device of t.
func ZerosLike(t *Tensor) *Tensor {
	return empty(t, t.shape...)
}

func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

func Full(value float64, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	data := make([]float64, size)
	for i := range data {
		data[i] = value
	}
	return MustNew(data, shape...)
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		data:    append([]float64(nil), t.data...),
		shape:   append([]int(nil), t.shape...),
		strides: append([]int(nil), t.strides...),
		dtype:   t.dtype,
		device:  t.device,
	}
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dim returns the size of axis i; negative axes count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) Numel() int {
	return len(t.data)
}

func (t *Tensor) Data() []float64 {
	return append([]float64(nil), t.data...)
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) Device() string {
	return t.device
}

// SetData overwrites the tensor's underlying values. The provided slice must match Numel().
func (t *Tensor) SetData(values []float64) error {
	if len(values) != len(t.data) {
		return errors.New("SetData expects matching element count")
	}
	copy(t.data, values)
	t.round()
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)", t.shape, t.dtype, t.device)
}

// CopyInto copies the contents of src into dst, ensuring shapes match.
// Values are rounded to dst's dtype.
func CopyInto(dst, src *Tensor) error {
	if dst == nil || src == nil {
		return errors.New("CopyInto requires non-nil tensors")
	}
	if !SameShape(dst, src) {
		return fmt.Errorf("%w: CopyInto %v into %v", ErrShape, src.shape, dst.shape)
	}
	copy(dst.data, src.data)
	dst.round()
	return nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i, dim := range a.shape {
		if dim != b.shape[i] {
			return false
		}
	}
	return true
}

// Equal reports whether a and b have the same shape and bit-identical values.
func Equal(a, b *Tensor) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.data {
		if a.data[i] != b.data[i] {
			return false
		}
	}
	return true
}

// empty allocates a zero tensor of the given shape inheriting like's dtype and device.
func empty(like *Tensor, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		data:    make([]float64, size),
		shape:   append([]int(nil), shape...),
		strides: makeStrides(shape),
		dtype:   like.dtype,
		device:  like.device,
	}
}

func makeStrides(shape []int) []int {
	if len(shape) == 0 {
		return nil
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("%w: %d for rank %d", ErrAxis, axis, rank)
	}
	return axis, nil
}

func ensureSameShape(a, b *Tensor) error {
	if !SameShape(a, b) {
		return fmt.Errorf("%w: %v vs %v", ErrShape, a.shape, b.shape)
	}
	return nil
}
