package tensor

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
)

// Conv2D performs a 2D convolution over the input tensor with the provided weights and optional bias.
// Input shape: [batch, in_channels, in_h, in_w]
// Weight shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape (optional): [out_channels]
func Conv2D(input, weight, bias *Tensor, strideH, strideW, padH, padW int) (*Tensor, error) {
	if len(input.shape) != 4 {
		return nil, fmt.Errorf("%w: Conv2D expects input [batch, channels, height, width], got %v", ErrShape, input.shape)
	}
	if len(weight.shape) != 4 {
		return nil, fmt.Errorf("%w: Conv2D expects weight [out, in, kh, kw], got %v", ErrShape, weight.shape)
	}
	if bias != nil && (len(bias.shape) != 1 || bias.shape[0] != weight.shape[0]) {
		return nil, fmt.Errorf("%w: Conv2D bias %v for %d output channels", ErrShape, bias.shape, weight.shape[0])
	}

	batch, inChannels, inH, inW := input.shape[0], input.shape[1], input.shape[2], input.shape[3]
	outChannels, kernelChannels, kernelH, kernelW := weight.shape[0], weight.shape[1], weight.shape[2], weight.shape[3]

	if kernelChannels != inChannels {
		return nil, fmt.Errorf("%w: kernel expects %d input channels, got %d", ErrShape, kernelChannels, inChannels)
	}
	if strideH <= 0 || strideW <= 0 {
		return nil, errors.New("stride must be positive")
	}

	outH := (inH+2*padH-kernelH)/strideH + 1
	outW := (inW+2*padW-kernelW)/strideW + 1
	if outH <= 0 || outW <= 0 {
		return nil, errors.New("invalid output size")
	}

	out := empty(input, batch, outChannels, outH, outW)
	parallel.For(batch*outChannels, func(start, end int) {
		for job := start; job < end; job++ {
			n, oc := job/outChannels, job%outChannels
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					acc := 0.0
					for ic := 0; ic < inChannels; ic++ {
						for kh := 0; kh < kernelH; kh++ {
							ih := oh*strideH - padH + kh
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kernelW; kw++ {
								iw := ow*strideW - padW + kw
								if iw < 0 || iw >= inW {
									continue
								}
								inputIdx := ((n*inChannels+ic)*inH+ih)*inW + iw
								weightIdx := ((oc*inChannels+ic)*kernelH+kh)*kernelW + kw
								acc += input.data[inputIdx] * weight.data[weightIdx]
							}
						}
					}
					if bias != nil {
						acc += bias.data[oc]
					}
					out.data[((n*outChannels+oc)*outH+oh)*outW+ow] = acc
				}
			}
		}
	})
	out.round()
	return out, nil
}
