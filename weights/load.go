// Package weights reads and writes the checkpoint formats IP-Adapter and
// CLIP weights are published in.
package weights

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

var (
	ErrFormat = errors.New("weights: malformed checkpoint")
	ErrDType  = errors.New("weights: unsupported dtype")
)

// Load reads a checkpoint, picking the reader by file extension:
// .safetensors, torch pickles (.bin, .pt, .pth, .ckpt) or the JSON tensor
// format.
func Load(path string) (map[string]*tensor.Tensor, error) {
	var (
		state map[string]*tensor.Tensor
		err   error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".safetensors":
		state, err = LoadSafetensors(path)
	case ".bin", ".pt", ".pth", ".ckpt":
		state, err = LoadTorch(path)
	case ".json":
		state, err = tensor.LoadTensors(path)
	default:
		return nil, fmt.Errorf("%w: unknown extension %q", ErrFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	slog.Debug("loaded weights", "path", path, "tensors", len(state))
	return state, nil
}

// Placement moves every tensor in state to device and dtype in place. An
// empty device keeps each tensor's device.
func Placement(state map[string]*tensor.Tensor, device string, dtype tensor.DType) {
	for _, t := range state {
		t.To(device, dtype)
	}
}
