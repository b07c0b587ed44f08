package clip

// Config describes a CLIP vision transformer.
type Config struct {
	ImageSize      int
	PatchSize      int
	InChannels     int
	EmbeddingDim   int
	OutputDim      int
	NumLayers      int
	NumHeads       int
	FeedForwardDim int
	LayerNormEps   float64
	QuickGELU      bool
}

// ViTH14 is the OpenCLIP ViT-H/14 image tower used by IP-Adapter.
var ViTH14 = Config{
	ImageSize:      224,
	PatchSize:      14,
	InChannels:     3,
	EmbeddingDim:   1280,
	OutputDim:      1024,
	NumLayers:      32,
	NumHeads:       16,
	FeedForwardDim: 5120,
	LayerNormEps:   1e-5,
}

// ViTL14 is the OpenAI ViT-L/14 image tower.
var ViTL14 = Config{
	ImageSize:      224,
	PatchSize:      14,
	InChannels:     3,
	EmbeddingDim:   1024,
	OutputDim:      768,
	NumLayers:      24,
	NumHeads:       16,
	FeedForwardDim: 4096,
	LayerNormEps:   1e-5,
	QuickGELU:      true,
}

// NumPatches is the number of patch tokens, excluding the class token.
func (c Config) NumPatches() int {
	side := c.ImageSize / c.PatchSize
	return side * side
}
