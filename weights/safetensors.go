package weights

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

var safetensorsWidths = map[string]int64{"F32": 4, "F64": 8, "F16": 2, "BF16": 2}

// extent checks that the tensor's byte range lies inside a data section of
// dataSize bytes and holds exactly shape × width bytes. It returns the size
// of the range.
func (m safetensorMetadata) extent(dataSize int64) (int64, error) {
	width, ok := safetensorsWidths[m.Type]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrDType, m.Type)
	}
	begin, end := m.Offsets[0], m.Offsets[1]
	if begin < 0 || end < begin || end > dataSize {
		return 0, fmt.Errorf("%w: data offsets [%d, %d] outside %d bytes", ErrFormat, begin, end, dataSize)
	}
	want := width
	for _, d := range m.Shape {
		if d < 0 || (d > 0 && want > dataSize/int64(d)) {
			return 0, fmt.Errorf("%w: shape %v does not fit in %d bytes", ErrFormat, m.Shape, dataSize)
		}
		want *= int64(d)
	}
	if end-begin != want {
		return 0, fmt.Errorf("%w: %d bytes for %s %v, want %d", ErrFormat, end-begin, m.Type, m.Shape, want)
	}
	return want, nil
}

// maxHeaderSize bounds the JSON header so a corrupt length cannot make the
// reader allocate gigabytes.
const maxHeaderSize = 100 << 20

// LoadSafetensors reads every tensor of a safetensors file. F16 and BF16
// tensors keep their precision as the tensor dtype.
func LoadSafetensors(path string) (map[string]*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: %s: header length: %w", ErrFormat, path, err)
	}
	if n <= 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("%w: %s: header length %d", ErrFormat, path, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("%w: %s: header: %w", ErrFormat, path, err)
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("%w: %s: header: %w", ErrFormat, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	dataSize := info.Size() - 8 - n

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	state := make(map[string]*tensor.Tensor, len(keys))
	for _, key := range keys {
		value := headers[key]
		// __metadata__ decodes with an empty type
		if value.Type == "" {
			continue
		}
		if len(value.Shape) == 0 || len(value.Offsets) != 2 {
			return nil, fmt.Errorf("%w: %s: unsupported tensor %q", ErrFormat, path, key)
		}
		size, err := value.extent(dataSize)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, key, err)
		}
		if _, err := f.Seek(8+n+value.Offsets[0], io.SeekStart); err != nil {
			return nil, err
		}
		t, err := decodeTensor(io.LimitReader(f, size), value, size)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, key, err)
		}
		state[key] = t
	}
	return state, nil
}

func decodeTensor(r io.Reader, meta safetensorMetadata, size int64) (*tensor.Tensor, error) {
	var (
		values []float64
		dtype  tensor.DType
	)
	switch meta.Type {
	case "F32":
		f32s := make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		values, dtype = widen(f32s), tensor.Float32
	case "F64":
		values = make([]float64, size/8)
		if err := binary.Read(r, binary.LittleEndian, values); err != nil {
			return nil, err
		}
		dtype = tensor.Float64
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		values, dtype = widen(f32s), tensor.Float16
	case "BF16":
		u8s := make([]uint8, size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}
		values, dtype = widen(bfloat16.DecodeFloat32(u8s)), tensor.BFloat16
	default:
		return nil, fmt.Errorf("%w: %s", ErrDType, meta.Type)
	}
	return newTensor(values, dtype, meta.Shape)
}

// newTensor places values at dtype without a detour through float32.
func newTensor(values []float64, dtype tensor.DType, shape []int) (*tensor.Tensor, error) {
	t, err := tensor.New(make([]float64, len(values)), shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	t.To("", dtype)
	if err := t.SetData(values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return t, nil
}

func widen(f32s []float32) []float64 {
	out := make([]float64, len(f32s))
	for i, v := range f32s {
		out[i] = float64(v)
	}
	return out
}

func safetensorsType(d tensor.DType) (string, int, error) {
	switch d {
	case tensor.Float32:
		return "F32", 4, nil
	case tensor.Float64:
		return "F64", 8, nil
	case tensor.Float16:
		return "F16", 2, nil
	case tensor.BFloat16:
		return "BF16", 2, nil
	}
	return "", 0, fmt.Errorf("%w: %s", ErrDType, d)
}

// WriteSafetensors stores state in the safetensors layout, each tensor in
// its own dtype, keys in sorted order.
func WriteSafetensors(path string, state map[string]*tensor.Tensor) error {
	if len(state) == 0 {
		return errors.New("weights: nothing to write")
	}
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	headers := make(map[string]safetensorMetadata, len(keys))
	var offset int64
	for _, k := range keys {
		t := state[k]
		if t == nil {
			return fmt.Errorf("weights: tensor %s is nil", k)
		}
		code, width, err := safetensorsType(t.DType())
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		size := int64(t.Numel() * width)
		headers[k] = safetensorMetadata{Type: code, Shape: t.Shape(), Offsets: []int64{offset, offset + size}}
		offset += size
	}
	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	// The data section starts 8-byte aligned.
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, k := range keys {
		if err := encodeTensor(w, state[k]); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func encodeTensor(w io.Writer, t *tensor.Tensor) error {
	data := t.Data()
	if t.DType() == tensor.Float64 {
		return binary.Write(w, binary.LittleEndian, data)
	}
	f32s := make([]float32, len(data))
	for i, v := range data {
		f32s[i] = float32(v)
	}
	switch t.DType() {
	case tensor.Float16:
		u16s := make([]uint16, len(f32s))
		for i := range f32s {
			u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}
		return binary.Write(w, binary.LittleEndian, u16s)
	case tensor.BFloat16:
		_, err := w.Write(bfloat16.EncodeFloat32(f32s))
		return err
	default:
		return binary.Write(w, binary.LittleEndian, f32s)
	}
}
