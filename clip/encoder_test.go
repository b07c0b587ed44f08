package clip

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

var tiny = Config{
	ImageSize:      8,
	PatchSize:      4,
	InChannels:     3,
	EmbeddingDim:   8,
	OutputDim:      6,
	NumLayers:      3,
	NumHeads:       2,
	FeedForwardDim: 16,
	LayerNormEps:   1e-5,
	QuickGELU:      true,
}

func pixels(batch int) *tensor.Tensor {
	return tensor.Randn(rand.New(rand.NewSource(1)), 1, batch, 3, 8, 8)
}

func TestPresets(t *testing.T) {
	if got := ViTH14.NumPatches(); got != 256 {
		t.Fatalf("ViT-H/14 patches %d, want 256", got)
	}
	if ViTH14.EmbeddingDim != 1280 || ViTH14.OutputDim != 1024 || ViTH14.NumLayers != 32 {
		t.Fatalf("unexpected ViT-H/14 preset %+v", ViTH14)
	}
	if got := tiny.NumPatches(); got != 4 {
		t.Fatalf("tiny patches %d, want 4", got)
	}
}

func TestEncodeShape(t *testing.T) {
	nn.Seed(0)
	e := NewImageEncoder(tiny)
	out, err := e.Encode(pixels(2))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 6}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	again, err := e.Encode(pixels(2))
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(out, again) {
		t.Fatalf("encode is not deterministic")
	}
	if _, err := e.Encode(tensor.Ones(2, 3, 8)); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestGridFeatures(t *testing.T) {
	nn.Seed(0)
	e := NewImageEncoder(tiny)
	before := nn.Describe(e)
	grid, err := e.GridFeatures()
	if err != nil {
		t.Fatal(err)
	}
	if !grid.IsGrid() || e.IsGrid() {
		t.Fatalf("grid flag not set on the copy only")
	}
	if diff := cmp.Diff(before, nn.Describe(e)); diff != "" {
		t.Fatalf("source encoder modified (-want +got):\n%s", diff)
	}
	if got := grid.Layers().Names(); !cmp.Equal(got, []string{"embeddings", "pre_norm", "layers"}) {
		t.Fatalf("unexpected grid layout %v", got)
	}
	layers := grid.Layers().Get("layers").(*nn.Chain)
	if layers.Len() != tiny.NumLayers-1 {
		t.Fatalf("grid encoder has %d layers, want %d", layers.Len(), tiny.NumLayers-1)
	}

	out, err := grid.Encode(pixels(2))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 5, 8}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	src, cp := nn.StateDict(e), nn.StateDict(grid)
	for k, v := range cp {
		if src[k] != v {
			t.Fatalf("%s is not shared with the source encoder", k)
		}
	}
	if _, ok := cp["proj.weight"]; ok {
		t.Fatalf("projection kept in grid encoder")
	}
}

func TestGridFeaturesRejectsLayout(t *testing.T) {
	nn.Seed(0)
	e := NewImageEncoder(tiny)
	if _, err := nn.Pop(e); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GridFeatures(); !errors.Is(err, ErrLayout) {
		t.Fatalf("expected ErrLayout, got %v", err)
	}
}

func TestPatchEmbedding(t *testing.T) {
	nn.Seed(0)
	p := NewPatchEmbedding(tiny)
	out, err := p.Forward(nil, pixels(1))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 5, 8}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	state := nn.StateDict(p)
	for _, k := range []string{"patch.weight", "class_token", "position"} {
		if _, ok := state[k]; !ok {
			t.Fatalf("missing %s in %v", k, state)
		}
	}
	if _, ok := state["patch.bias"]; ok {
		t.Fatalf("patch projection must not have a bias")
	}
}
