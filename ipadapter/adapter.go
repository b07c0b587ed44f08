package ipadapter

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/fumitoshi0524/ipadapter/clip"
	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

const (
	imageProjPrefix = "image_proj."
	subAdapterKey   = "ip_adapter.%03d."
)

// IPAdapter conditions every cross-attention layer of a target network on
// image tokens computed from image prompts.
type IPAdapter struct {
	nn.Adapter
	encoder     *clip.ImageEncoder
	grid        *clip.ImageEncoder
	proj        nn.Module
	subAdapters []*CrossAttentionAdapter
	scale       float64
	fineGrained bool
	injected    bool
}

type options struct {
	scale       float64
	fineGrained bool
	weights     map[string]*tensor.Tensor
}

// Option configures New.
type Option func(*options)

// WithScale sets the initial influence of the image branch. Default 1.
func WithScale(s float64) Option {
	return func(o *options) { o.scale = s }
}

// WithFineGrained makes the adapter condition on per-patch features of the
// penultimate encoder layer, as the Plus checkpoints expect.
func WithFineGrained(fine bool) Option {
	return func(o *options) { o.fineGrained = fine }
}

// WithWeights loads a checkpoint right after construction. See LoadWeights.
func WithWeights(state map[string]*tensor.Tensor) Option {
	return func(o *options) { o.weights = state }
}

// New builds an adapter for target without modifying it. One
// CrossAttentionAdapter is created per Attention layer of target that is
// not a self-attention, in traversal order. The encoder and projector are
// referenced, not attached to the target.
func New(target nn.Module, encoder *clip.ImageEncoder, proj nn.Module, opts ...Option) (*IPAdapter, error) {
	if target == nil || encoder == nil || proj == nil {
		return nil, fmt.Errorf("%w: target, encoder and projector are required", ErrStructure)
	}
	o := options{scale: defaultAdapterScale}
	for _, opt := range opts {
		opt(&o)
	}
	a := &IPAdapter{
		encoder:     encoder,
		proj:        proj,
		scale:       o.scale,
		fineGrained: o.fineGrained,
	}
	a.SetTarget(target)
	if o.fineGrained {
		grid, err := encoder.GridFeatures()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStructure, err)
		}
		a.grid = grid
	}
	for _, m := range nn.Filter(target, func(m nn.Module) bool {
		attn, ok := m.(*nn.Attention)
		return ok && attn.Kind() != nn.SelfAttention
	}) {
		a.subAdapters = append(a.subAdapters, NewCrossAttentionAdapter(m.(*nn.Attention), o.scale))
	}
	slog.Debug("ip-adapter created", "cross_attention_layers", len(a.subAdapters), "fine_grained", o.fineGrained)
	if o.weights != nil {
		if err := a.LoadWeights(o.weights); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *IPAdapter) ImageEncoder() *clip.ImageEncoder { return a.encoder }

// GridImageEncoder is the encoder used in fine-grained mode, nil otherwise.
func (a *IPAdapter) GridImageEncoder() *clip.ImageEncoder { return a.grid }

func (a *IPAdapter) ImageProj() nn.Module { return a.proj }

func (a *IPAdapter) SubAdapters() []*CrossAttentionAdapter { return a.subAdapters }

func (a *IPAdapter) FineGrained() bool { return a.fineGrained }

func (a *IPAdapter) Injected() bool { return a.injected }

// LoadWeights loads an IP-Adapter checkpoint. Keys under "image_proj." must
// match the projector exactly; sub-adapter i takes the two tensors under
// "ip_adapter.%03d." in key order, key projection first. Every key count
// and shape is checked before anything is written.
func (a *IPAdapter) LoadWeights(state map[string]*tensor.Tensor) error {
	used := make(map[string]bool, len(state))
	projState := make(map[string]*tensor.Tensor)
	for k, v := range state {
		if name, ok := strings.CutPrefix(k, imageProjPrefix); ok {
			projState[name] = v
			used[k] = true
		}
	}
	pairs := make([][2]*tensor.Tensor, len(a.subAdapters))
	for i := range a.subAdapters {
		prefix := fmt.Sprintf(subAdapterKey, i)
		var keys []string
		for k := range state {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		if len(keys) != 2 {
			return fmt.Errorf("%w: %d tensors under %q, want 2", ErrShape, len(keys), prefix)
		}
		slices.Sort(keys)
		pairs[i] = [2]*tensor.Tensor{state[keys[0]], state[keys[1]]}
		used[keys[0]], used[keys[1]] = true, true
	}
	if err := nn.CheckStateDict(a.proj, projState); err != nil {
		return fmt.Errorf("image projection: %w", err)
	}
	for i, sub := range a.subAdapters {
		if err := sub.CheckWeights(pairs[i][0], pairs[i][1]); err != nil {
			return fmt.Errorf("cross attention %03d: %w", i, err)
		}
	}
	if err := nn.LoadStateDict(a.proj, projState); err != nil {
		return fmt.Errorf("image projection: %w", err)
	}
	for i, sub := range a.subAdapters {
		if err := sub.LoadWeights(pairs[i][0], pairs[i][1]); err != nil {
			return fmt.Errorf("cross attention %03d: %w", i, err)
		}
	}
	if len(used) != len(state) {
		var extra []string
		for k := range state {
			if !used[k] {
				extra = append(extra, k)
			}
		}
		slices.Sort(extra)
		slog.Warn("ip-adapter weights not used", "keys", extra)
	}
	slog.Debug("ip-adapter weights loaded", "tensors", len(used))
	return nil
}

// Inject splices every sub-adapter into its attention layer, then puts the
// adapter in place of the target in parent. Either everything is injected
// or, on error, nothing is.
func (a *IPAdapter) Inject(parent nn.Container) error {
	if a.injected {
		return ErrAlreadyInjected
	}
	for i, sub := range a.subAdapters {
		if err := sub.Inject(nil); err != nil {
			a.rollback(i)
			return fmt.Errorf("cross attention %03d: %w", i, err)
		}
	}
	if err := nn.Inject(a, parent); err != nil {
		a.rollback(len(a.subAdapters))
		return fmt.Errorf("%w: %w", ErrStructure, err)
	}
	a.injected = true
	slog.Debug("ip-adapter injected", "cross_attention_layers", len(a.subAdapters))
	return nil
}

func (a *IPAdapter) rollback(n int) {
	for j := n - 1; j >= 0; j-- {
		if err := a.subAdapters[j].Eject(); err != nil {
			slog.Error("ip-adapter rollback", "layer", j, "error", err)
		}
	}
}

// Eject restores the target network. The layers are restored even if one
// of them fails; the errors are joined. Calling Eject again after a failure
// retries only the layers still injected.
func (a *IPAdapter) Eject() error {
	if !a.injected {
		return ErrNotInjected
	}
	var errs []error
	for i, sub := range a.subAdapters {
		if !sub.Injected() {
			continue
		}
		if err := sub.Eject(); err != nil {
			errs = append(errs, fmt.Errorf("cross attention %03d: %w", i, err))
		}
	}
	if err := nn.Eject(a); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrStructure, err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.injected = false
	slog.Debug("ip-adapter ejected")
	return nil
}

// Scale reports the scale of the first sub-adapter. SetScale keeps all of
// them equal, so this is the adapter's scale.
func (a *IPAdapter) Scale() float64 {
	if len(a.subAdapters) == 0 {
		return a.scale
	}
	return a.subAdapters[0].Scale()
}

func (a *IPAdapter) SetScale(s float64) {
	a.scale = s
	for _, sub := range a.subAdapters {
		sub.SetScale(s)
	}
}

// SetClipImageEmbedding publishes the embedding returned by
// ComputeClipImageEmbedding for the forward pass that uses ctx.
func (a *IPAdapter) SetClipImageEmbedding(ctx *nn.Context, embedding *tensor.Tensor) {
	ctx.Set(adapterContext, imageEmbeddingKey, embedding)
}

func (a *IPAdapter) Describe() string {
	return fmt.Sprintf("IPAdapter(layers=%d, fine_grained=%t)", len(a.subAdapters), a.fineGrained)
}
