package ipadapter

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fumitoshi0524/ipadapter/clip"
	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

const (
	hostDim  = 8
	textDim  = 6
	numHeads = 2
)

var tinyCLIP = clip.Config{
	ImageSize:      8,
	PatchSize:      4,
	InChannels:     3,
	EmbeddingDim:   8,
	OutputDim:      textDim,
	NumLayers:      2,
	NumHeads:       2,
	FeedForwardDim: 16,
	LayerNormEps:   1e-5,
}

// toyUNet is a host network with one self-attention and two cross
// attentions, the first nested one level deeper.
type toyUNet struct {
	nn.Composite
}

func newToyUNet() *toyUNet {
	u := &toyUNet{}
	nn.Attach(u, "self_attn", nn.NewSelfAttention(hostDim, numHeads, true))
	nn.Attach(u, "down", nn.NewChain(nn.NewCrossAttention(hostDim, textDim, numHeads, false)))
	nn.Attach(u, "up", nn.NewCrossAttention(hostDim, textDim, numHeads, false))
	return u
}

func (u *toyUNet) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, text := inputs[0], inputs[1]
	l := u.Layers()
	h, err := l.Forward(ctx, "self_attn", x)
	if err != nil {
		return nil, err
	}
	if h, err = l.Forward(ctx, "down", h, text); err != nil {
		return nil, err
	}
	return l.Forward(ctx, "up", h, text)
}

func crossAttentions(u *toyUNet) []*nn.Attention {
	var out []*nn.Attention
	for _, m := range nn.Filter(u, func(m nn.Module) bool {
		a, ok := m.(*nn.Attention)
		return ok && a.Kind() == nn.CrossAttention
	}) {
		out = append(out, m.(*nn.Attention))
	}
	return out
}

func hostInputs() (*tensor.Tensor, *tensor.Tensor) {
	rng := rand.New(rand.NewSource(7))
	x := tensor.Randn(rng, 1, 2, 3, hostDim)
	text := tensor.Randn(rng, 1, 2, 5, textDim)
	return x, text
}

func newTestAdapter(t *testing.T, opts ...Option) (*toyUNet, *IPAdapter) {
	t.Helper()
	nn.Seed(0)
	unet := newToyUNet()
	encoder := clip.NewImageEncoder(tinyCLIP)
	proj := NewImageProjection(textDim, textDim, 4)
	adapter, err := New(unet, encoder, proj, opts...)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return unet, adapter
}

func testPixels(batch int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(3))
	return tensor.Randn(rng, 1, batch, 3, tinyCLIP.ImageSize, tinyCLIP.ImageSize)
}

func mustNarrow(t *testing.T, x *tensor.Tensor, axis, start, length int) *tensor.Tensor {
	t.Helper()
	out, err := tensor.Narrow(x, axis, start, length)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}
	return out
}

func TestNewSelectsCrossAttentionLayers(t *testing.T) {
	unet, adapter := newTestAdapter(t)
	subs := adapter.SubAdapters()
	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-adapters, got %d", len(subs))
	}
	for i, attn := range crossAttentions(unet) {
		if subs[i].Attention() != attn {
			t.Fatalf("sub-adapter %d targets the wrong layer", i)
		}
	}
	if adapter.GridImageEncoder() != nil {
		t.Fatalf("grid encoder built without fine-grained mode")
	}
	if _, err := New(nil, clip.NewImageEncoder(tinyCLIP), NewImageProjection(textDim, textDim, 4)); !errors.Is(err, ErrStructure) {
		t.Fatalf("expected ErrStructure for nil target, got %v", err)
	}
}

func TestInjectEjectRoundTrip(t *testing.T) {
	unet, adapter := newTestAdapter(t)
	outer := nn.NewChain(unet)
	x, text := hostInputs()
	before := nn.Describe(outer)
	kernels := make([]nn.Module, 0, 2)
	for _, attn := range crossAttentions(unet) {
		kernels = append(kernels, attn.Layers().Get("sdpa"))
	}
	want, err := outer.Forward(nil, x, text)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	if err := adapter.Inject(nil); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if outer.At(0) != nn.Module(adapter) || unet.Parent() != nn.Container(adapter) {
		t.Fatalf("adapter did not take the target's place")
	}
	if nn.Describe(outer) == before {
		t.Fatalf("inject did not change the structure")
	}
	for _, attn := range crossAttentions(unet) {
		if _, ok := attn.Layers().Get("sdpa").(*nn.Sum); !ok {
			t.Fatalf("attention kernel not wrapped, got %T", attn.Layers().Get("sdpa"))
		}
	}

	ctx := nn.NewContext()
	embedding, err := adapter.ComputeClipImageEmbedding(TensorPrompt(testPixels(1)))
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	// The host batch is [negative; conditional] like the embedding.
	adapter.SetClipImageEmbedding(ctx, embedding)
	withImage, err := outer.Forward(ctx, x, text)
	if err != nil {
		t.Fatalf("forward injected: %v", err)
	}
	if tensor.Equal(withImage, want) {
		t.Fatalf("image branch had no effect")
	}
	if _, err := outer.Forward(nil, x, text); !errors.Is(err, nn.ErrMissingContext) {
		t.Fatalf("expected ErrMissingContext without embedding, got %v", err)
	}

	if err := adapter.Eject(); err != nil {
		t.Fatalf("eject: %v", err)
	}
	if diff := cmp.Diff(before, nn.Describe(outer)); diff != "" {
		t.Fatalf("structure not restored (-want +got):\n%s", diff)
	}
	if outer.At(0) != nn.Module(unet) || unet.Parent() != nn.Container(outer) {
		t.Fatalf("target not restored in parent")
	}
	for i, attn := range crossAttentions(unet) {
		k := attn.Layers().Get("sdpa")
		if k != kernels[i] || k.Parent() != nn.Container(attn) {
			t.Fatalf("layer %d: original kernel instance not restored", i)
		}
	}
	got, err := outer.Forward(nil, x, text)
	if err != nil {
		t.Fatalf("forward after eject: %v", err)
	}
	if !tensor.Equal(got, want) {
		t.Fatalf("output changed after inject/eject round trip")
	}
}

func TestInjectTwiceAndEjectUninjected(t *testing.T) {
	_, adapter := newTestAdapter(t)
	if err := adapter.Eject(); !errors.Is(err, ErrNotInjected) {
		t.Fatalf("expected ErrNotInjected, got %v", err)
	}
	if err := adapter.Inject(nil); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := adapter.Inject(nil); !errors.Is(err, ErrAlreadyInjected) {
		t.Fatalf("expected ErrAlreadyInjected, got %v", err)
	}
	if err := adapter.Eject(); err != nil {
		t.Fatalf("eject: %v", err)
	}
	if err := adapter.Eject(); !errors.Is(err, ErrNotInjected) {
		t.Fatalf("expected ErrNotInjected after eject, got %v", err)
	}
}

func TestEjectRetriesAfterFailure(t *testing.T) {
	unet, adapter := newTestAdapter(t)
	outer := nn.NewChain(unet)
	before := nn.Describe(outer)
	if err := adapter.Inject(nil); err != nil {
		t.Fatalf("inject: %v", err)
	}

	second := adapter.SubAdapters()[1]
	holder, err := nn.FindParent(second.Attention(), second.ImageCrossAttention())
	if err != nil {
		t.Fatal(err)
	}
	// A third branch in the Sum makes the second layer refuse to eject.
	extra := nn.Identity()
	nn.Attach(holder, "extra", extra)
	if err := adapter.Eject(); !errors.Is(err, ErrStructure) {
		t.Fatalf("expected ErrStructure, got %v", err)
	}
	if !adapter.Injected() || adapter.SubAdapters()[0].Injected() || !second.Injected() {
		t.Fatalf("unexpected state after partial eject")
	}

	if err := nn.Remove(holder, extra); err != nil {
		t.Fatal(err)
	}
	if err := adapter.Eject(); err != nil {
		t.Fatalf("retry eject: %v", err)
	}
	if adapter.Injected() || second.Injected() {
		t.Fatalf("adapter still injected after retry")
	}
	if diff := cmp.Diff(before, nn.Describe(outer)); diff != "" {
		t.Fatalf("structure not restored (-want +got):\n%s", diff)
	}
	if err := adapter.Inject(nil); err != nil {
		t.Fatalf("inject after recovery: %v", err)
	}
}

func TestInjectRollsBackOnFailure(t *testing.T) {
	unet, adapter := newTestAdapter(t)
	attns := crossAttentions(unet)
	first := attns[0].Layers().Get("sdpa")
	// A second kernel makes the last layer ambiguous.
	nn.Attach(attns[1], "extra", nn.NewScaledDotProductAttention(numHeads, false))

	err := adapter.Inject(nil)
	if !errors.Is(err, ErrStructure) || !errors.Is(err, nn.ErrAmbiguous) {
		t.Fatalf("expected ambiguous structure error, got %v", err)
	}
	if adapter.Injected() || adapter.SubAdapters()[0].Injected() {
		t.Fatalf("adapter reports injected after failure")
	}
	if attns[0].Layers().Get("sdpa") != first || first.Parent() != nn.Container(attns[0]) {
		t.Fatalf("first layer not rolled back")
	}
	if attns[0].Parent() == nil || attns[0].Parent() == nn.Container(adapter.SubAdapters()[0]) {
		t.Fatalf("first layer still wrapped")
	}
}

func TestScaleZeroIsNoOp(t *testing.T) {
	unet, adapter := newTestAdapter(t)
	x, text := hostInputs()
	want, err := unet.Forward(nil, x, text)
	if err != nil {
		t.Fatal(err)
	}
	if err := adapter.Inject(nil); err != nil {
		t.Fatal(err)
	}
	adapter.SetScale(0)
	embedding, err := adapter.ComputeClipImageEmbedding(TensorPrompt(testPixels(1)))
	if err != nil {
		t.Fatal(err)
	}
	ctx := nn.NewContext()
	adapter.SetClipImageEmbedding(ctx, embedding)
	got, err := unet.Forward(ctx, x, text)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(got, want) {
		t.Fatalf("scale 0 changed the output")
	}
}

func TestScaleBroadcast(t *testing.T) {
	_, adapter := newTestAdapter(t, WithScale(0.75))
	if got := adapter.Scale(); got != 0.75 {
		t.Fatalf("initial scale %v, want 0.75", got)
	}
	adapter.SetScale(0.5)
	if got := adapter.Scale(); got != 0.5 {
		t.Fatalf("scale read-back %v, want 0.5", got)
	}
	for i, sub := range adapter.SubAdapters() {
		if sub.Scale() != 0.5 || sub.ImageCrossAttention().Scale() != 0.5 {
			t.Fatalf("sub-adapter %d scale %v, want 0.5", i, sub.Scale())
		}
	}
}

func TestComputeClipImageEmbeddingSingleImage(t *testing.T) {
	_, adapter := newTestAdapter(t)
	out, err := adapter.ComputeClipImageEmbedding(TensorPrompt(testPixels(1)))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 4, textDim}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	negative := mustNarrow(t, out, 0, 0, 1)
	conditional := mustNarrow(t, out, 0, 1, 1)
	if tensor.Equal(negative, conditional) {
		t.Fatalf("negative and conditional halves are identical")
	}
	emb, err := adapter.ImageEncoder().Encode(testPixels(1))
	if err != nil {
		t.Fatal(err)
	}
	wantNegative, err := adapter.ImageProj().Forward(nil, tensor.ZerosLike(emb))
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(negative, wantNegative) {
		t.Fatalf("negative half is not the projection of a zero embedding")
	}
}

func TestComputeClipImageEmbeddingFoldsBatch(t *testing.T) {
	_, adapter := newTestAdapter(t)
	pixels := testPixels(3)
	folded, err := adapter.ComputeClipImageEmbedding(TensorPrompt(pixels))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 12, textDim}, folded.Shape()); diff != "" {
		t.Fatalf("folded shape mismatch (-want +got):\n%s", diff)
	}
	separate, err := adapter.ComputeClipImageEmbedding(TensorPrompt(pixels), WithConcatBatches(false))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{6, 4, textDim}, separate.Shape()); diff != "" {
		t.Fatalf("separate shape mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < 3; i++ {
		got := mustNarrow(t, mustNarrow(t, folded, 0, 1, 1), 1, 4*i, 4)
		want := mustNarrow(t, separate, 0, 3+i, 1)
		if !tensor.Equal(got, want) {
			t.Fatalf("image %d tokens misplaced in folded sequence", i)
		}
	}
}

func TestComputeClipImageEmbeddingWeights(t *testing.T) {
	_, adapter := newTestAdapter(t)
	pixels := testPixels(3)
	base, err := adapter.ComputeClipImageEmbedding(TensorPrompt(pixels), WithConcatBatches(false))
	if err != nil {
		t.Fatal(err)
	}
	weighted, err := adapter.ComputeClipImageEmbedding(TensorPrompt(pixels), WithConcatBatches(false), WithImageWeights(2, 1, 0.5))
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(mustNarrow(t, base, 0, 0, 3), mustNarrow(t, weighted, 0, 0, 3)) {
		t.Fatalf("weights changed the negative embedding")
	}
	for i, w := range []float64{2, 1, 0.5} {
		want := tensor.MulScalar(mustNarrow(t, base, 0, 3+i, 1), w)
		got := mustNarrow(t, weighted, 0, 3+i, 1)
		if !floatsAlmostEqual(got.Data(), want.Data(), 1e-6) {
			t.Fatalf("image %d not scaled by %v", i, w)
		}
	}

	if _, err := adapter.ComputeClipImageEmbedding(TensorPrompt(pixels), WithImageWeights(1, 2)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for weight count, got %v", err)
	}
}

func TestFineGrainedNegativeUsesZeroPixels(t *testing.T) {
	nn.Seed(0)
	unet := newToyUNet()
	encoder := clip.NewImageEncoder(tinyCLIP)
	resampler := NewPerceiverResampler(ResamplerConfig{
		LatentsDim:         8,
		NumAttentionLayers: 2,
		NumAttentionHeads:  2,
		HeadDim:            4,
		NumTokens:          3,
		InputDim:           tinyCLIP.EmbeddingDim,
		OutputDim:          textDim,
	})
	adapter, err := New(unet, encoder, resampler, WithFineGrained(true))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	grid := adapter.GridImageEncoder()
	if grid == nil || !grid.IsGrid() {
		t.Fatalf("fine-grained adapter has no grid encoder")
	}

	pixels := testPixels(1)
	out, err := adapter.ComputeClipImageEmbedding(TensorPrompt(pixels))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3, textDim}, out.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	zeros, err := grid.Encode(tensor.ZerosLike(pixels))
	if err != nil {
		t.Fatal(err)
	}
	wantNegative, err := resampler.Forward(nil, zeros)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(mustNarrow(t, out, 0, 0, 1), wantNegative) {
		t.Fatalf("negative half is not the resampled grid features of zero pixels")
	}
	features, err := grid.Encode(pixels)
	if err != nil {
		t.Fatal(err)
	}
	wantConditional, err := resampler.Forward(nil, features)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(mustNarrow(t, out, 0, 1, 1), wantConditional) {
		t.Fatalf("conditional half does not use grid features")
	}
}

func testWeights(t *testing.T, adapter *IPAdapter) map[string]*tensor.Tensor {
	t.Helper()
	nn.Seed(11)
	rng := rand.New(rand.NewSource(11))
	state := make(map[string]*tensor.Tensor)
	for k, v := range nn.StateDict(NewImageProjection(textDim, textDim, 4)) {
		state["image_proj."+k] = v
	}
	for i, sub := range adapter.SubAdapters() {
		attn := sub.Attention()
		state[keyf(i, "to_v_ip.weight")] = tensor.Randn(rng, 0.1, attn.InnerDim(), attn.ValueEmbeddingDim())
		state[keyf(i, "to_k_ip.weight")] = tensor.Randn(rng, 0.1, attn.InnerDim(), attn.KeyEmbeddingDim())
	}
	return state
}

func keyf(i int, name string) string {
	return "ip_adapter." + []string{"000", "001", "002"}[i] + "." + name
}

func TestLoadWeights(t *testing.T) {
	_, adapter := newTestAdapter(t)
	state := testWeights(t, adapter)
	if err := adapter.LoadWeights(state); err != nil {
		t.Fatalf("load: %v", err)
	}
	for i, sub := range adapter.SubAdapters() {
		toK, err := nn.LayerAs[*nn.Linear](sub.ImageCrossAttention(), "to_k_ip")
		if err != nil {
			t.Fatal(err)
		}
		toV, err := nn.LayerAs[*nn.Linear](sub.ImageCrossAttention(), "to_v_ip")
		if err != nil {
			t.Fatal(err)
		}
		if !tensor.Equal(toK.Weight(), state[keyf(i, "to_k_ip.weight")]) {
			t.Fatalf("layer %d: key projection not loaded", i)
		}
		if !tensor.Equal(toV.Weight(), state[keyf(i, "to_v_ip.weight")]) {
			t.Fatalf("layer %d: value projection not loaded", i)
		}
	}
	projState := nn.StateDict(adapter.ImageProj())
	if !tensor.Equal(projState["proj.weight"], state["image_proj.proj.weight"]) {
		t.Fatalf("image projection not loaded")
	}
}

func TestLoadWeightsErrors(t *testing.T) {
	_, adapter := newTestAdapter(t)

	missing := testWeights(t, adapter)
	delete(missing, keyf(1, "to_v_ip.weight"))
	if err := adapter.LoadWeights(missing); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for one tensor, got %v", err)
	}

	extra := testWeights(t, adapter)
	extra[keyf(0, "to_out.weight")] = tensor.Zeros(1)
	if err := adapter.LoadWeights(extra); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for three tensors, got %v", err)
	}

	strict := testWeights(t, adapter)
	strict["image_proj.unknown"] = tensor.Zeros(1)
	if err := adapter.LoadWeights(strict); !errors.Is(err, nn.ErrStateDict) {
		t.Fatalf("expected ErrStateDict, got %v", err)
	}

	if _, err := New(newToyUNet(), clip.NewImageEncoder(tinyCLIP), NewImageProjection(textDim, textDim, 4), WithWeights(missing)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected construction to fail with ErrShape, got %v", err)
	}
}

func projectionWeights(t *testing.T, sub *CrossAttentionAdapter) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	toK, toV, err := sub.projections()
	if err != nil {
		t.Fatal(err)
	}
	return toK.Weight().Clone(), toV.Weight().Clone()
}

func TestLoadWeightsLeavesAdapterUntouchedOnShapeError(t *testing.T) {
	_, adapter := newTestAdapter(t)
	projBefore := make(map[string]*tensor.Tensor)
	for k, v := range nn.StateDict(adapter.ImageProj()) {
		projBefore[k] = v.Clone()
	}
	var keysBefore, valuesBefore []*tensor.Tensor
	for _, sub := range adapter.SubAdapters() {
		k, v := projectionWeights(t, sub)
		keysBefore = append(keysBefore, k)
		valuesBefore = append(valuesBefore, v)
	}

	badValue := testWeights(t, adapter)
	badValue[keyf(1, "to_v_ip.weight")] = tensor.Zeros(3, 3)
	if err := adapter.LoadWeights(badValue); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	badProj := testWeights(t, adapter)
	badProj["image_proj.proj.weight"] = tensor.Zeros(3, 3)
	if err := adapter.LoadWeights(badProj); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected tensor.ErrShape, got %v", err)
	}

	for k, v := range nn.StateDict(adapter.ImageProj()) {
		if !tensor.Equal(v, projBefore[k]) {
			t.Fatalf("image projection %s changed", k)
		}
	}
	for i, sub := range adapter.SubAdapters() {
		k, v := projectionWeights(t, sub)
		if !tensor.Equal(k, keysBefore[i]) || !tensor.Equal(v, valuesBefore[i]) {
			t.Fatalf("layer %d: projections changed", i)
		}
	}
}

func floatsAlmostEqual(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		diff := a[i] - b[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > tol {
			return false
		}
	}
	return true
}
