package ipadapter

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/fumitoshi0524/ipadapter/internal/parallel"
	"github.com/fumitoshi0524/ipadapter/tensor"
)

var (
	ClipDefaultMean = [3]float64{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD  = [3]float64{0.26862954, 0.26130258, 0.27577711}
)

// PreprocessConfig controls how image prompts become encoder input.
type PreprocessConfig struct {
	Size int
	Mean [3]float64
	Std  [3]float64
}

// DefaultPreprocess resizes to 224x224 and normalizes with the CLIP
// statistics.
var DefaultPreprocess = PreprocessConfig{Size: 224, Mean: ClipDefaultMean, Std: ClipDefaultSTD}

// composite drops the alpha channel by drawing img over white.
func composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

func resize(img image.Image, size int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// PreprocessImage returns img as a normalized [1, 3, size, size] tensor
// placed on device with dtype.
func PreprocessImage(img image.Image, cfg PreprocessConfig, device string, dtype tensor.DType) (*tensor.Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrInvalidImage)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty bounds %v", ErrInvalidImage, b)
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: preprocess size %d", ErrShape, cfg.Size)
	}
	resized := resize(composite(img), cfg.Size)
	plane := cfg.Size * cfg.Size
	data := make([]float64, 3*plane)
	bounds := resized.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			i := (y-bounds.Min.Y)*cfg.Size + (x - bounds.Min.X)
			data[i] = (float64(r>>8)/255 - cfg.Mean[0]) / cfg.Std[0]
			data[plane+i] = (float64(g>>8)/255 - cfg.Mean[1]) / cfg.Std[1]
			data[2*plane+i] = (float64(b>>8)/255 - cfg.Mean[2]) / cfg.Std[2]
		}
	}
	t, err := tensor.New(data, 1, 3, cfg.Size, cfg.Size)
	if err != nil {
		return nil, err
	}
	t.To(device, dtype)
	return t, nil
}

// PreprocessImages preprocesses imgs concurrently and stacks them along the
// batch axis in input order.
func PreprocessImages(imgs []image.Image, cfg PreprocessConfig, device string, dtype tensor.DType) (*tensor.Tensor, error) {
	if len(imgs) == 0 {
		return nil, fmt.Errorf("%w: no images", ErrInvalidImage)
	}
	out := make([]*tensor.Tensor, len(imgs))
	var g errgroup.Group
	g.SetLimit(parallel.Workers())
	for i, img := range imgs {
		g.Go(func() error {
			t, err := PreprocessImage(img, cfg, device, dtype)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensor.Concat(0, out...)
}

// LoadImage decodes a PNG, JPEG or WebP file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidImage, path, err)
	}
	return img, nil
}
