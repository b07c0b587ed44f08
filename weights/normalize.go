package weights

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dlclark/regexp2"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

type rename struct {
	re   *regexp2.Regexp
	repl string
}

func renames(pairs ...string) []rename {
	out := make([]rename, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, rename{re: regexp2.MustCompile(pairs[i], regexp2.RE2), repl: pairs[i+1]})
	}
	return out
}

// Published checkpoints number the cross-attention processors of a UNet
// with odd indices only; they map to consecutive sub-adapters here.
var processorIndex = regexp2.MustCompile(`^ip_adapter\.(\d+)\.`, regexp2.RE2)

var ipAdapterRenames = renames(
	`^image_proj\.layers\.(\d+)\.0\.`, `image_proj.layers.$1.attn.`,
	`^image_proj\.layers\.(\d+)\.1\.0\.`, `image_proj.layers.$1.ff_norm.`,
	`^image_proj\.layers\.(\d+)\.1\.1\.`, `image_proj.layers.$1.ff.fc1.`,
	`^image_proj\.layers\.(\d+)\.1\.3\.`, `image_proj.layers.$1.ff.fc2.`,
)

var clipRenames = renames(
	`^vision_model\.`, ``,
	`^embeddings\.patch_embedding\.`, `embeddings.patch.`,
	`^embeddings\.class_embedding$`, `embeddings.class_token`,
	`^embeddings\.position_embedding\.weight$`, `embeddings.position`,
	`^pre_layrnorm\.`, `pre_norm.`,
	`^encoder\.layers\.(\d+)\.layer_norm1\.`, `layers.$1.attention.norm.`,
	`^encoder\.layers\.(\d+)\.self_attn\.(q|k|v)_proj\.`, `layers.$1.attention.self_attn.to_$2.`,
	`^encoder\.layers\.(\d+)\.self_attn\.out_proj\.`, `layers.$1.attention.self_attn.to_out.`,
	`^encoder\.layers\.(\d+)\.layer_norm2\.`, `layers.$1.mlp.norm.`,
	`^encoder\.layers\.(\d+)\.mlp\.(fc1|fc2)\.`, `layers.$1.mlp.$2.`,
	`^post_layernorm\.`, `post_norm.`,
	`^visual_projection\.`, `proj.`,
)

func apply(rs []rename, key string) (string, error) {
	for _, r := range rs {
		out, err := r.re.Replace(key, r.repl, -1, -1)
		if err != nil {
			return "", err
		}
		key = out
	}
	return key, nil
}

// NormalizeIPAdapterKeys maps a published IP-Adapter checkpoint onto the key
// layout IPAdapter.LoadWeights expects: zero padded processor indices and
// named resampler slots. Keys already in that layout pass through unchanged.
func NormalizeIPAdapterKeys(state map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	renumber, err := needsRenumbering(state)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*tensor.Tensor, len(state))
	for k, t := range state {
		key, err := processorIndex.ReplaceFunc(k, func(m regexp2.Match) string {
			n, _ := strconv.Atoi(m.GroupByNumber(1).String())
			if renumber {
				n = (n - 1) / 2
			}
			return fmt.Sprintf("ip_adapter.%03d.", n)
		}, -1, -1)
		if err != nil {
			return nil, err
		}
		if key, err = apply(ipAdapterRenames, key); err != nil {
			return nil, err
		}
		if key == "image_proj.latents" && t.Rank() == 3 && t.Dim(0) == 1 {
			if t, err = t.Reshape(t.Dim(1), t.Dim(2)); err != nil {
				return nil, err
			}
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: %s and another key both map to %s", ErrFormat, k, key)
		}
		out[key] = t
	}
	slog.Debug("normalized ip-adapter weights", "tensors", len(out), "renumbered", renumber)
	return out, nil
}

// needsRenumbering reports whether processor indices are all odd and not
// already zero padded.
func needsRenumbering(state map[string]*tensor.Tensor) (bool, error) {
	found := false
	for k := range state {
		m, err := processorIndex.FindStringMatch(k)
		if err != nil {
			return false, err
		}
		if m == nil {
			continue
		}
		digits := m.GroupByNumber(1).String()
		n, err := strconv.Atoi(digits)
		if err != nil {
			return false, err
		}
		if n%2 == 0 || len(digits) == 3 {
			return false, nil
		}
		found = true
	}
	return found, nil
}

// NormalizeCLIPKeys maps a Hugging Face CLIPVisionModelWithProjection state
// dict onto the clip.ImageEncoder layout.
func NormalizeCLIPKeys(state map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(state))
	for k, t := range state {
		key, err := apply(clipRenames, k)
		if err != nil {
			return nil, err
		}
		switch {
		case key == "embeddings.position_ids":
			continue
		case key == "embeddings.class_token" && t.Rank() == 1:
			if t, err = t.Reshape(1, t.Dim(0)); err != nil {
				return nil, err
			}
		}
		out[key] = t
	}
	return out, nil
}
