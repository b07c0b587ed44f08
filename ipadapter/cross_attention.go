package ipadapter

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

const (
	adapterContext      = "ip_adapter"
	imageEmbeddingKey   = "clip_image_embedding"
	defaultAdapterScale = 1.0
)

// ImageCrossAttention is the image branch added next to the text attention
// of a cross-attention layer. It reuses the layer's queries and attends over
// the image tokens published as (ip_adapter, clip_image_embedding).
type ImageCrossAttention struct {
	nn.Composite
	scale float64
}

// NewImageCrossAttention sizes its projections after target and places them
// on the target's device and dtype.
func NewImageCrossAttention(target *nn.Attention, scale float64) *ImageCrossAttention {
	ica := &ImageCrossAttention{scale: scale}
	nn.Attach(ica, "to_k_ip", nn.NewLinear(target.KeyEmbeddingDim(), target.InnerDim(), target.UseBias()))
	nn.Attach(ica, "to_v_ip", nn.NewLinear(target.ValueEmbeddingDim(), target.InnerDim(), target.UseBias()))
	nn.Attach(ica, "sdpa", nn.NewScaledDotProductAttention(target.NumHeads(), target.IsCausal()))
	nn.To(ica, target.Device(), target.DType())
	return ica
}

// Forward receives the (query, key, value) triple of the text attention and
// only uses the query.
func (ica *ImageCrossAttention) Forward(ctx *nn.Context, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) == 0 {
		return nil, errors.New("image cross attention needs the query")
	}
	embedding, err := ctx.Get(adapterContext, imageEmbeddingKey)
	if err != nil {
		return nil, err
	}
	l := ica.Layers()
	k, err := l.Forward(ctx, "to_k_ip", embedding)
	if err != nil {
		return nil, err
	}
	v, err := l.Forward(ctx, "to_v_ip", embedding)
	if err != nil {
		return nil, err
	}
	out, err := l.Forward(ctx, "sdpa", inputs[0], k, v)
	if err != nil {
		return nil, err
	}
	return tensor.MulScalar(out, ica.scale), nil
}

func (ica *ImageCrossAttention) Scale() float64 { return ica.scale }

func (ica *ImageCrossAttention) SetScale(s float64) { ica.scale = s }

func (ica *ImageCrossAttention) ShallowCopy() nn.Module { return &ImageCrossAttention{scale: ica.scale} }

func (ica *ImageCrossAttention) Describe() string {
	return fmt.Sprintf("ImageCrossAttention(scale=%g)", ica.scale)
}

// CrossAttentionAdapter wraps one cross-attention layer. While injected the
// layer's attention kernel is replaced by Sum(kernel, ImageCrossAttention),
// so text and image attention share queries and are added before to_out.
type CrossAttentionAdapter struct {
	nn.Adapter
	target   *nn.Attention
	ica      *ImageCrossAttention
	injected bool
}

func NewCrossAttentionAdapter(target *nn.Attention, scale float64) *CrossAttentionAdapter {
	a := &CrossAttentionAdapter{
		target: target,
		ica:    NewImageCrossAttention(target, scale),
	}
	a.SetTarget(target)
	return a
}

func (a *CrossAttentionAdapter) Attention() *nn.Attention { return a.target }

func (a *CrossAttentionAdapter) ImageCrossAttention() *ImageCrossAttention { return a.ica }

func (a *CrossAttentionAdapter) Injected() bool { return a.injected }

func (a *CrossAttentionAdapter) Scale() float64 { return a.ica.Scale() }

func (a *CrossAttentionAdapter) SetScale(s float64) { a.ica.SetScale(s) }

func isKernel(m nn.Module) bool {
	_, ok := m.(*nn.ScaledDotProductAttention)
	return ok
}

// Inject splices the image branch next to the target's attention kernel and
// puts the adapter in place of the target inside parent (the target's
// current parent when nil). On error the target is left as it was.
func (a *CrossAttentionAdapter) Inject(parent nn.Container) error {
	if a.injected {
		return fmt.Errorf("%w: %s", ErrAlreadyInjected, a.target.Describe())
	}
	found, err := nn.FindUnique(a.target, isKernel)
	if err != nil {
		return fmt.Errorf("%w: locate attention kernel: %w", ErrStructure, err)
	}
	kernelParent, err := nn.FindParent(a.target, found)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	sum := nn.NewSum()
	if err := nn.Replace(kernelParent, found, sum); err != nil {
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	nn.Attach(sum, "", found)
	nn.Attach(sum, "", a.ica)
	if err := nn.Inject(a, parent); err != nil {
		_ = nn.Remove(sum, a.ica)
		_ = nn.Remove(sum, found)
		_ = nn.Replace(kernelParent, sum, found)
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	a.injected = true
	return nil
}

// Eject finds the Sum holding the image branch by walking up from it,
// detaches the branch and puts the original kernel instance back in the
// Sum's slot. The structure is checked before anything is modified.
func (a *CrossAttentionAdapter) Eject() error {
	if !a.injected {
		return fmt.Errorf("%w: %s", ErrNotInjected, a.target.Describe())
	}
	holder, err := nn.FindParent(a.target, a.ica)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	sum, ok := holder.(*nn.Sum)
	if !ok {
		return fmt.Errorf("%w: image attention sits in %T, want *nn.Sum", ErrStructure, holder)
	}
	var kernel nn.Module
	for i := 0; i < sum.Layers().Len(); i++ {
		if m := sum.Layers().At(i); m != nn.Module(a.ica) && isKernel(m) {
			kernel = m
		}
	}
	if kernel == nil || sum.Layers().Len() != 2 {
		return fmt.Errorf("%w: sum does not hold the original attention kernel", ErrStructure)
	}
	sumParent := sum.Parent()
	if sumParent == nil {
		return fmt.Errorf("%w: sum has no parent", ErrStructure)
	}
	if err := nn.Remove(sum, a.ica); err != nil {
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	if err := nn.Replace(sumParent, sum, kernel); err != nil {
		nn.Attach(sum, "", a.ica)
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	if err := nn.Eject(a); err != nil {
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	a.injected = false
	return nil
}

func (a *CrossAttentionAdapter) projections() (toK, toV *nn.Linear, err error) {
	if toK, err = nn.LayerAs[*nn.Linear](a.ica, "to_k_ip"); err != nil {
		return nil, nil, err
	}
	if toV, err = nn.LayerAs[*nn.Linear](a.ica, "to_v_ip"); err != nil {
		return nil, nil, err
	}
	return toK, toV, nil
}

// CheckWeights reports whether LoadWeights would accept the pair.
func (a *CrossAttentionAdapter) CheckWeights(keyWeight, valueWeight *tensor.Tensor) error {
	toK, toV, err := a.projections()
	if err != nil {
		return err
	}
	if err := toK.CheckWeight(keyWeight); err != nil {
		return fmt.Errorf("%w: key projection: %w", ErrShape, err)
	}
	if err := toV.CheckWeight(valueWeight); err != nil {
		return fmt.Errorf("%w: value projection: %w", ErrShape, err)
	}
	return nil
}

// LoadWeights replaces the image key and value projection weights and moves
// the image branch to the target's placement. Neither weight is replaced
// unless both fit.
func (a *CrossAttentionAdapter) LoadWeights(keyWeight, valueWeight *tensor.Tensor) error {
	if err := a.CheckWeights(keyWeight, valueWeight); err != nil {
		return err
	}
	toK, toV, err := a.projections()
	if err != nil {
		return err
	}
	if err := toK.SetWeight(keyWeight); err != nil {
		return fmt.Errorf("%w: key projection: %w", ErrShape, err)
	}
	if err := toV.SetWeight(valueWeight); err != nil {
		return fmt.Errorf("%w: value projection: %w", ErrShape, err)
	}
	nn.To(a.ica, a.target.Device(), a.target.DType())
	return nil
}

func (a *CrossAttentionAdapter) Describe() string {
	return fmt.Sprintf("CrossAttentionAdapter(%s)", a.target.Describe())
}
