package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/stretchr/testify/require"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	state := map[string]*tensor.Tensor{
		"a.weight": tensor.MustNew([]float64{1, -2.5, 3.25, 0.1}, 2, 2),
		"b.half":   tensor.MustNew([]float64{0.1, 65504, -1e-3}, 3).Cast(tensor.Float16),
		"c.brain":  tensor.MustNew([]float64{0.1, 3, -7.5, 1e10}, 4, 1).Cast(tensor.BFloat16),
	}
	double, err := newTensor([]float64{math.Pi, 0.1}, tensor.Float64, []int{2})
	require.NoError(t, err)
	state["d.double"] = double

	require.NoError(t, WriteSafetensors(path, state))
	loaded, err := LoadSafetensors(path)
	require.NoError(t, err)
	require.Len(t, loaded, len(state))
	for k, want := range state {
		got, ok := loaded[k]
		require.True(t, ok, "missing %s", k)
		require.Equal(t, want.Shape(), got.Shape(), k)
		require.Equal(t, want.DType(), got.DType(), k)
		require.Equal(t, want.Data(), got.Data(), k)
	}
	require.Equal(t, math.Pi, loaded["d.double"].Data()[0])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	n := binary.LittleEndian.Uint64(raw[:8])
	require.Zero(t, n%8, "header not aligned")
}

func writeRaw(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, int64(len(h))))
	b.Write(h)
	b.Write(data)
	path := filepath.Join(t.TempDir(), "raw.safetensors")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func TestLoadSafetensorsSkipsMetadata(t *testing.T) {
	var data bytes.Buffer
	require.NoError(t, binary.Write(&data, binary.LittleEndian, []float32{9, 1, 2, 3}))
	path := writeRaw(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"x":            map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int{4, 16}},
	}, data.Bytes())

	state, err := LoadSafetensors(path)
	require.NoError(t, err)
	require.Len(t, state, 1)
	require.Equal(t, []float64{1, 2, 3}, state["x"].Data())
}

func TestLoadSafetensorsErrors(t *testing.T) {
	path := writeRaw(t, map[string]any{
		"x": map[string]any{"dtype": "I64", "shape": []int{1}, "data_offsets": []int{0, 8}},
	}, make([]byte, 8))
	_, err := LoadSafetensors(path)
	require.ErrorIs(t, err, ErrDType)

	path = writeRaw(t, map[string]any{
		"x": map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int{0, 8}},
	}, make([]byte, 8))
	_, err = LoadSafetensors(path)
	require.ErrorIs(t, err, ErrFormat)

	for _, offsets := range [][]int64{{8, 0}, {-8, 0}, {0, 16}, {0, 4}} {
		path = writeRaw(t, map[string]any{
			"w": map[string]any{"dtype": "F32", "shape": []int{2}, "data_offsets": offsets},
		}, make([]byte, 8))
		_, err = LoadSafetensors(path)
		require.ErrorIs(t, err, ErrFormat, "offsets %v", offsets)
	}

	path = writeRaw(t, map[string]any{
		"w": map[string]any{"dtype": "F32", "shape": []int{1 << 40, 1 << 40}, "data_offsets": []int{0, 8}},
	}, make([]byte, 8))
	_, err = LoadSafetensors(path)
	require.ErrorIs(t, err, ErrFormat)

	bad := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(bad, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}, 0o644))
	_, err = LoadSafetensors(bad)
	require.ErrorIs(t, err, ErrFormat)

	_, err = Load(filepath.Join(t.TempDir(), "model.onnx"))
	require.ErrorIs(t, err, ErrFormat)
}

func TestLoadDispatchesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, tensor.SaveTensors(path, map[string]*tensor.Tensor{"w": tensor.Ones(2, 2)}))
	state, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, state["w"].Shape())
}

type fakeDict map[string]interface{}

func (d fakeDict) Keys() []interface{} {
	keys := make([]interface{}, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	return keys
}

func (d fakeDict) Get(k interface{}) (interface{}, bool) {
	v, ok := d[k.(string)]
	return v, ok
}

func TestFlattenTorchCheckpoint(t *testing.T) {
	storage := &pytorch.FloatStorage{Data: []float32{0, 1, 2, 3, 4, 5, 6}}
	half := &pytorch.HalfStorage{Data: []float32{0.5, 0.25}}
	ckpt := fakeDict{
		"image_proj": fakeDict{
			"proj.weight": &pytorch.Tensor{Source: storage, Size: []int{2, 3}, Stride: []int{3, 1}, StorageOffset: 1},
		},
		"ip_adapter": fakeDict{
			"1.to_k_ip.weight": &pytorch.Tensor{Source: half, Size: []int{2}, Stride: []int{1}},
		},
		"epoch": 3,
	}
	state := make(map[string]*tensor.Tensor)
	require.NoError(t, flatten(state, "", ckpt))
	require.Len(t, state, 2)
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, state["image_proj.proj.weight"].Data())
	require.Equal(t, []int{2, 3}, state["image_proj.proj.weight"].Shape())
	require.Equal(t, tensor.Float16, state["ip_adapter.1.to_k_ip.weight"].DType())

	short := fakeDict{"w": &pytorch.Tensor{Source: storage, Size: []int{4, 2}, Stride: []int{2, 1}}}
	require.ErrorIs(t, flatten(map[string]*tensor.Tensor{}, "", short), ErrFormat)

	transposed := fakeDict{"w": &pytorch.Tensor{Source: storage, Size: []int{3, 2}, Stride: []int{1, 3}}}
	require.ErrorIs(t, flatten(map[string]*tensor.Tensor{}, "", transposed), ErrFormat)

	column := fakeDict{"w": &pytorch.Tensor{Source: storage, Size: []int{3, 1}, Stride: []int{1, 7}}}
	state = make(map[string]*tensor.Tensor)
	require.NoError(t, flatten(state, "", column))
	require.Equal(t, []float64{0, 1, 2}, state["w"].Data())
}

func TestNormalizeIPAdapterKeys(t *testing.T) {
	state := map[string]*tensor.Tensor{"image_proj.latents": tensor.Ones(1, 4, 8)}
	for _, k := range []string{
		"image_proj.proj_in.weight",
		"image_proj.layers.0.0.to_q.weight",
		"image_proj.layers.0.1.0.weight",
		"image_proj.layers.0.1.1.weight",
		"image_proj.layers.10.1.3.weight",
		"ip_adapter.1.to_k_ip.weight",
		"ip_adapter.1.to_v_ip.weight",
		"ip_adapter.31.to_k_ip.weight",
		"image_proj.norm_out.bias",
	} {
		state[k] = tensor.Ones(1)
	}
	out, err := NormalizeIPAdapterKeys(state)
	require.NoError(t, err)

	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	require.ElementsMatch(t, []string{
		"image_proj.latents",
		"image_proj.proj_in.weight",
		"image_proj.layers.0.attn.to_q.weight",
		"image_proj.layers.0.ff_norm.weight",
		"image_proj.layers.0.ff.fc1.weight",
		"image_proj.layers.10.ff.fc2.weight",
		"ip_adapter.000.to_k_ip.weight",
		"ip_adapter.000.to_v_ip.weight",
		"ip_adapter.015.to_k_ip.weight",
		"image_proj.norm_out.bias",
	}, keys)
	require.Equal(t, []int{4, 8}, out["image_proj.latents"].Shape())

	again, err := NormalizeIPAdapterKeys(out)
	require.NoError(t, err)
	require.Len(t, again, len(out))
	require.Contains(t, again, "ip_adapter.015.to_k_ip.weight")
}

func TestNormalizeIPAdapterKeysPadsConsecutiveIndices(t *testing.T) {
	out, err := NormalizeIPAdapterKeys(map[string]*tensor.Tensor{
		"ip_adapter.0.to_k_ip.weight": tensor.Ones(1),
		"ip_adapter.1.to_k_ip.weight": tensor.Ones(1),
	})
	require.NoError(t, err)
	require.Contains(t, out, "ip_adapter.000.to_k_ip.weight")
	require.Contains(t, out, "ip_adapter.001.to_k_ip.weight")
}

func TestNormalizeCLIPKeys(t *testing.T) {
	state := map[string]*tensor.Tensor{"vision_model.embeddings.class_embedding": tensor.Ones(8)}
	for _, k := range []string{
		"vision_model.embeddings.patch_embedding.weight",
		"vision_model.embeddings.position_embedding.weight",
		"vision_model.embeddings.position_ids",
		"vision_model.pre_layrnorm.weight",
		"vision_model.encoder.layers.3.layer_norm1.bias",
		"vision_model.encoder.layers.3.self_attn.k_proj.weight",
		"vision_model.encoder.layers.3.self_attn.out_proj.bias",
		"vision_model.encoder.layers.3.layer_norm2.weight",
		"vision_model.encoder.layers.3.mlp.fc2.weight",
		"vision_model.post_layernorm.bias",
		"visual_projection.weight",
	} {
		state[k] = tensor.Ones(1)
	}
	out, err := NormalizeCLIPKeys(state)
	require.NoError(t, err)
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	require.ElementsMatch(t, []string{
		"embeddings.class_token",
		"embeddings.patch.weight",
		"embeddings.position",
		"pre_norm.weight",
		"layers.3.attention.norm.bias",
		"layers.3.attention.self_attn.to_k.weight",
		"layers.3.attention.self_attn.to_out.bias",
		"layers.3.mlp.norm.weight",
		"layers.3.mlp.fc2.weight",
		"post_norm.bias",
		"proj.weight",
	}, keys)
	require.Equal(t, []int{1, 8}, out["embeddings.class_token"].Shape())
}

func TestPlacement(t *testing.T) {
	state := map[string]*tensor.Tensor{"a": tensor.Full(0.1, 2)}
	Placement(state, "cuda:0", tensor.Float16)
	require.Equal(t, "cuda:0", state["a"].Device())
	require.Equal(t, tensor.Float16, state["a"].DType())
	Placement(state, "", tensor.Float32)
	require.Equal(t, "cuda:0", state["a"].Device())
}
