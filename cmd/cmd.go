package cmd

import (
	"fmt"
	"image"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fumitoshi0524/ipadapter/clip"
	"github.com/fumitoshi0524/ipadapter/envconfig"
	"github.com/fumitoshi0524/ipadapter/internal/parallel"
	"github.com/fumitoshi0524/ipadapter/ipadapter"
	"github.com/fumitoshi0524/ipadapter/logutil"
	"github.com/fumitoshi0524/ipadapter/nn"
	"github.com/fumitoshi0524/ipadapter/tensor"
	"github.com/fumitoshi0524/ipadapter/weights"
)

const (
	embeddingKey = "clip_image_embedding"
	scaleKey     = "ip_adapter_scale"
)

var encoders = map[string]clip.Config{
	"vit-h-14": clip.ViTH14,
	"vit-l-14": clip.ViTL14,
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func normalize(kind string, state map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	switch kind {
	case "ip-adapter":
		return weights.NormalizeIPAdapterKeys(state)
	case "clip":
		return weights.NormalizeCLIPKeys(state)
	case "none", "":
		return state, nil
	}
	return nil, fmt.Errorf("unknown key layout %q", kind)
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	kind, err := cmd.Flags().GetString("normalize")
	if err != nil {
		return err
	}
	state, err := weights.Load(args[0])
	if err != nil {
		return err
	}
	if state, err = normalize(kind, state); err != nil {
		return err
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var (
		data  [][]string
		total int
	)
	for _, k := range keys {
		t := state[k]
		total += t.Numel()
		data = append(data, []string{k, fmt.Sprint(t.Shape()), t.DType().String(), fmt.Sprint(t.Numel())})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "SHAPE", "DTYPE", "PARAMS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d tensors, %d parameters\n", len(keys), total)
	return nil
}

func ConvertHandler(cmd *cobra.Command, args []string) error {
	kind, err := cmd.Flags().GetString("normalize")
	if err != nil {
		return err
	}
	name, err := cmd.Flags().GetString("dtype")
	if err != nil {
		return err
	}
	dtype, err := tensor.ParseDType(name)
	if err != nil {
		return err
	}

	state, err := weights.Load(args[0])
	if err != nil {
		return err
	}
	if state, err = normalize(kind, state); err != nil {
		return err
	}
	weights.Placement(state, "", dtype)
	if err := weights.WriteSafetensors(args[1], state); err != nil {
		return err
	}
	slog.Info("converted weights", "from", args[0], "to", args[1], "tensors", len(state), "dtype", dtype)
	return nil
}

type embedOptions struct {
	clipPath    string
	encoder     string
	adapterPath string
	output      string
	projector   string
	scale       float64
	headDim     int
	imageSize   int
	fineGrained bool
	noConcat    bool
	weights     []float64
}

func EmbedHandler(cmd *cobra.Command, args []string) error {
	var (
		opts embedOptions
		err  error
	)
	flags := cmd.Flags()
	if opts.clipPath, err = flags.GetString("clip"); err != nil {
		return err
	}
	if opts.encoder, err = flags.GetString("encoder"); err != nil {
		return err
	}
	if opts.adapterPath, err = flags.GetString("weights"); err != nil {
		return err
	}
	if opts.output, err = flags.GetString("output"); err != nil {
		return err
	}
	if opts.projector, err = flags.GetString("save-projector"); err != nil {
		return err
	}
	if opts.scale, err = flags.GetFloat64("scale"); err != nil {
		return err
	}
	if opts.headDim, err = flags.GetInt("head-dim"); err != nil {
		return err
	}
	if opts.imageSize, err = flags.GetInt("image-size"); err != nil {
		return err
	}
	if opts.fineGrained, err = flags.GetBool("fine-grained"); err != nil {
		return err
	}
	if opts.noConcat, err = flags.GetBool("no-concat"); err != nil {
		return err
	}
	if opts.weights, err = flags.GetFloat64Slice("image-weight"); err != nil {
		return err
	}

	embedding, scale, err := embed(opts, args)
	if err != nil {
		return err
	}
	// The host pipeline reads the scale next to the embedding.
	out := map[string]*tensor.Tensor{
		embeddingKey: embedding,
		scaleKey:     tensor.Full(scale, 1),
	}
	if err := tensor.SaveTensors(opts.output, out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s %v (scale %g) to %s\n", embeddingKey, embedding.Shape(), scale, opts.output)
	return nil
}

func embed(opts embedOptions, paths []string) (*tensor.Tensor, float64, error) {
	cfg, ok := encoders[opts.encoder]
	if !ok {
		return nil, 0, fmt.Errorf("unknown image encoder %q", opts.encoder)
	}
	dtype, err := tensor.ParseDType(envconfig.DType())
	if err != nil {
		return nil, 0, err
	}
	device := envconfig.Device()

	clipState, err := weights.Load(opts.clipPath)
	if err != nil {
		return nil, 0, err
	}
	if clipState, err = weights.NormalizeCLIPKeys(clipState); err != nil {
		return nil, 0, err
	}
	encoder := clip.NewImageEncoder(cfg)
	if err := nn.LoadStateDict(encoder, clipState); err != nil {
		return nil, 0, fmt.Errorf("image encoder: %w", err)
	}

	state, err := weights.Load(opts.adapterPath)
	if err != nil {
		return nil, 0, err
	}
	if state, err = weights.NormalizeIPAdapterKeys(state); err != nil {
		return nil, 0, err
	}
	proj, err := ipadapter.ProjectorFromWeights(state, opts.headDim)
	if err != nil {
		return nil, 0, err
	}
	_, plus := proj.(*ipadapter.PerceiverResampler)

	// Embeddings need no denoiser; the projector stands in as the target so
	// the embedding follows its placement.
	adapter, err := ipadapter.New(proj, encoder, proj,
		ipadapter.WithScale(opts.scale),
		ipadapter.WithFineGrained(plus || opts.fineGrained),
		ipadapter.WithWeights(state),
	)
	if err != nil {
		return nil, 0, err
	}
	nn.To(encoder, device, dtype)
	nn.To(proj, device, dtype)
	if opts.projector != "" {
		if err := nn.SaveModule(opts.projector, proj); err != nil {
			return nil, 0, fmt.Errorf("save projector: %w", err)
		}
		slog.Info("saved image projector", "path", opts.projector, "module", nn.Describe(proj))
	}

	imgs := make([]image.Image, len(paths))
	for i, p := range paths {
		if imgs[i], err = ipadapter.LoadImage(p); err != nil {
			return nil, 0, err
		}
	}
	pre := ipadapter.DefaultPreprocess
	pre.Size = opts.imageSize
	embedOpts := []ipadapter.EmbeddingOption{
		ipadapter.WithPreprocess(pre),
		ipadapter.WithConcatBatches(!opts.noConcat),
	}
	if len(opts.weights) > 0 {
		embedOpts = append(embedOpts, ipadapter.WithImageWeights(opts.weights...))
	}
	slog.Debug("computing image embedding", "images", len(paths), "encoder", opts.encoder, "plus", plus, "device", device, "dtype", dtype)
	embedding, err := adapter.ComputeClipImageEmbedding(ipadapter.Images(imgs...), embedOpts...)
	if err != nil {
		return nil, 0, err
	}
	return embedding, adapter.Scale(), nil
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "ipadapter",
		Short:         "Image prompt adapter tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
			parallel.SetWorkers(int(envconfig.NumThreads()))
			slog.Debug("ipadapter config", "env", envconfig.Values())
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "List the tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().String("normalize", "none", "Rename keys first: ip-adapter, clip or none")

	convertCmd := &cobra.Command{
		Use:   "convert SOURCE DEST",
		Short: "Normalize a checkpoint and write it as safetensors",
		Args:  cobra.ExactArgs(2),
		RunE:  ConvertHandler,
	}
	convertCmd.Flags().String("normalize", "ip-adapter", "Key layout of the source: ip-adapter, clip or none")
	convertCmd.Flags().String("dtype", envconfig.DType(), "Precision of the written tensors")

	embedCmd := &cobra.Command{
		Use:   "embed IMAGE [IMAGE...]",
		Short: "Compute the image prompt embedding for one or more images",
		Args:  cobra.MinimumNArgs(1),
		RunE:  EmbedHandler,
	}
	embedCmd.Flags().String("clip", "", "CLIP vision model weights")
	embedCmd.Flags().String("encoder", "vit-h-14", "Image encoder architecture: "+strings.Join(slices.Sorted(maps.Keys(encoders)), ", "))
	embedCmd.Flags().String("weights", "", "IP-Adapter weights")
	embedCmd.Flags().StringP("output", "o", "embedding.json", "Output file")
	embedCmd.Flags().String("save-projector", "", "Also write the loaded image projector weights to this file")
	embedCmd.Flags().Float64("scale", envconfig.Scale(), "Image prompt scale stored with the embedding")
	embedCmd.Flags().Int("head-dim", 64, "Resampler attention head size")
	embedCmd.Flags().Int("image-size", int(envconfig.ImageSize()), "Side images are resized to")
	embedCmd.Flags().Bool("fine-grained", envconfig.FineGrained(), "Use per-patch image features")
	embedCmd.Flags().Bool("no-concat", false, "Keep one embedding per image instead of concatenating them")
	embedCmd.Flags().Float64Slice("image-weight", nil, "Per-image weights, one per image")
	_ = embedCmd.MarkFlagRequired("clip")
	_ = embedCmd.MarkFlagRequired("weights")

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["IPADAPTER_DEBUG"], envVars["IPADAPTER_NUM_THREADS"]}
	appendEnvDocs(inspectCmd, envs)
	appendEnvDocs(convertCmd, append(envs, envVars["IPADAPTER_DTYPE"]))
	appendEnvDocs(embedCmd, append(envs,
		envVars["IPADAPTER_DTYPE"],
		envVars["IPADAPTER_DEVICE"],
		envVars["IPADAPTER_SCALE"],
		envVars["IPADAPTER_IMAGE_SIZE"],
		envVars["IPADAPTER_FINE_GRAINED"],
	))

	rootCmd.AddCommand(inspectCmd, convertCmd, embedCmd)
	return rootCmd
}
