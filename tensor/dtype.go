package tensor

import (
	"fmt"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the numeric precision a tensor's values are kept at. Storage is
// always float64; values are rounded to the dtype after every op.
type DType int

const (
	Float32 DType = iota
	Float64
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType accepts the torch-style names and the safetensors codes.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "fp32":
		return Float32, nil
	case "float64", "f64", "fp64":
		return Float64, nil
	case "float16", "f16", "fp16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	}
	return Float32, fmt.Errorf("unknown dtype %q", s)
}

// Cast returns a copy of t converted to dtype.
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := t.Clone()
	out.dtype = dtype
	out.round()
	return out
}

// To moves t in place to device and dtype.
func (t *Tensor) To(device string, dtype DType) {
	if device != "" {
		t.device = device
	}
	if t.dtype != dtype {
		t.dtype = dtype
		t.round()
	}
}

func (t *Tensor) round() {
	roundSlice(t.data, t.dtype)
}

func roundSlice(data []float64, dtype DType) {
	switch dtype {
	case Float32:
		for i, v := range data {
			data[i] = float64(float32(v))
		}
	case Float16:
		for i, v := range data {
			data[i] = float64(float16.Fromfloat32(float32(v)).Float32())
		}
	case BFloat16:
		f32s := make([]float32, len(data))
		for i, v := range data {
			f32s[i] = float32(v)
		}
		for i, v := range bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(f32s)) {
			data[i] = float64(v)
		}
	}
}
