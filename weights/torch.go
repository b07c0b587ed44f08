package weights

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// keyed is satisfied by the pickle dict types gopickle decodes into.
type keyed interface {
	Keys() []interface{}
	Get(interface{}) (interface{}, bool)
}

// LoadTorch reads a pickled torch checkpoint. Nested dicts, as in the
// {"image_proj": {...}, "ip_adapter": {...}} layout, are flattened into
// dotted keys.
func LoadTorch(path string) (map[string]*tensor.Tensor, error) {
	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFormat, path, err)
	}
	state := make(map[string]*tensor.Tensor)
	if err := flatten(state, "", pt); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: %s: no tensors", ErrFormat, path)
	}
	return state, nil
}

func flatten(state map[string]*tensor.Tensor, prefix string, v interface{}) error {
	switch v := v.(type) {
	case *pytorch.Tensor:
		t, err := fromTorch(v)
		if err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
		state[prefix] = t
		return nil
	case *types.Dict:
		return flattenKeyed(state, prefix, v)
	case keyed:
		return flattenKeyed(state, prefix, v)
	default:
		slog.Debug("skipping non-tensor checkpoint entry", "key", prefix, "type", fmt.Sprintf("%T", v))
		return nil
	}
}

func flattenKeyed(state map[string]*tensor.Tensor, prefix string, d keyed) error {
	names := make([]string, 0)
	for _, k := range d.Keys() {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("%w: non-string key %v", ErrFormat, k)
		}
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		child, _ := d.Get(name)
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if err := flatten(state, key, child); err != nil {
			return err
		}
	}
	return nil
}

func fromTorch(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	var (
		f32s  []float32
		dtype tensor.DType
	)
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		f32s, dtype = s.Data, tensor.Float32
	case *pytorch.HalfStorage:
		f32s, dtype = s.Data, tensor.Float16
	case *pytorch.BFloat16Storage:
		f32s, dtype = s.Data, tensor.BFloat16
	default:
		return nil, fmt.Errorf("%w: %T", ErrDType, s)
	}

	if !contiguous(pt.Size, pt.Stride) {
		return nil, fmt.Errorf("%w: non-contiguous tensor, size %v stride %v", ErrFormat, pt.Size, pt.Stride)
	}
	shape := append([]int(nil), pt.Size...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	start := pt.StorageOffset
	if start < 0 || start+n > len(f32s) {
		return nil, fmt.Errorf("%w: storage holds %d values, tensor needs %d at offset %d", ErrFormat, len(f32s), n, start)
	}
	return newTensor(widen(f32s[start:start+n]), dtype, shape)
}

// contiguous reports whether stride is the row-major layout of size.
// Dimensions of size 1 may carry any stride.
func contiguous(size, stride []int) bool {
	if len(size) != len(stride) {
		return false
	}
	want := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != want {
			return false
		}
		want *= size[i]
	}
	return true
}
