// Command lossbench exercises the full matching-and-loss engine on a
// deterministic synthetic batch: head projection, Hungarian matching,
// criterion forward, weighted reduction, density decoding under every
// strategy and final top-K postprocessing.
package main

import (
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/config"
	"github.com/crowd-ai/go-detr/criterion"
	"github.com/crowd-ai/go-detr/density"
	"github.com/crowd-ai/go-detr/engine"
	"github.com/crowd-ai/go-detr/model"
	"github.com/crowd-ai/go-detr/tensors"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config; defaults to a scaled-down demo config")
	seed := flag.Int64("seed", 42, "synthetic batch seed")
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339,
	}))

	cfg := demoConfig()
	if *configPath != "" {
		loaded, err := config.Unmarshal(*configPath)
		if err != nil {
			logger.Error("loading config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	exec := criterion.Local()
	eng, err := engine.Build(cfg, exec)
	if err != nil {
		logger.Error("building engine", "err", err)
		os.Exit(1)
	}
	logger.Info("engine ready",
		"classes", cfg.Model.NumClasses,
		"queries", cfg.Model.NumQueries,
		"decoder_layers", cfg.Model.DecoderLayers,
		"loss_weights", len(eng.Weights))

	rng := rand.New(rand.NewSource(*seed))
	const batch = 2
	outputs, targets := syntheticBatch(rng, eng, cfg, batch)

	start := time.Now()
	lossMap, err := eng.Criterion.Forward(outputs, targets)
	if err != nil {
		logger.Error("criterion forward", "err", err)
		os.Exit(1)
	}
	logger.Info("criterion",
		"elapsed", time.Since(start),
		"loss_ce", lossMap["loss_ce"],
		"loss_point", lossMap["loss_point"],
		"cardinality_error", lossMap["cardinality_error"],
		"class_error", lossMap["class_error"],
		"total", eng.WeightedSum(lossMap))

	runDecoder(logger, cfg, rng)

	sizes := make([][2]float32, batch)
	for i := range sizes {
		sizes[i] = [2]float32{768, 1024}
	}
	start = time.Now()
	detections, err := eng.Post.Forward(outputs.Logits, outputs.Points, sizes)
	if err != nil {
		logger.Error("postprocess", "err", err)
		os.Exit(1)
	}
	logger.Info("postprocess",
		"elapsed", time.Since(start),
		"detections_per_image", len(detections[0].Scores),
		"top_score", detections[0].Scores[0])
}

// demoConfig scales the channel pyramid down so the density decoder runs
// in milliseconds on a laptop.
func demoConfig() *config.File {
	cfg := config.Default()
	cfg.Model.NumQueries = 32
	cfg.Model.DecoderLayers = 3
	cfg.Decoder.CurrentChannels = 32
	cfg.Decoder.DeepChannels = 16
	cfg.Decoder.MediumChannels = 8
	cfg.Decoder.ShallowChannels = 4
	cfg.Decoder.FusedChannels = 4
	return cfg
}

// syntheticBatch fabricates decoder embeddings and reference points, runs
// them through the heads, and draws a variable-size target set per image.
func syntheticBatch(rng *rand.Rand, eng *engine.Engine, cfg *config.File, batch int) (model.Outputs, []model.Target) {
	q, d := cfg.Model.NumQueries, cfg.Model.HiddenDim
	layers := cfg.Model.DecoderLayers

	emb := make([]float32, layers*batch*q*d)
	for i := range emb {
		emb[i] = float32(rng.NormFloat64())
	}
	refs := make([]float32, batch*q*2)
	for i := range refs {
		refs[i] = rng.Float32()
	}
	outputs, err := eng.Heads.Forward(
		tensors.FromSlice(emb, layers, batch, q, d),
		tensors.FromSlice(refs, batch, q, 2),
	)
	if err != nil {
		panic(err)
	}

	targets := make([]model.Target, batch)
	for i := range targets {
		n := 1 + rng.Intn(q/2)
		labels := make([]int, n)
		pts := make([]float32, n*cfg.Model.PointDim)
		for j := range labels {
			labels[j] = rng.Intn(cfg.Model.NumClasses)
		}
		for j := range pts {
			pts[j] = rng.Float32()
		}
		targets[i] = model.Target{
			Labels: labels,
			Points: tensors.FromSlice(pts, n, cfg.Model.PointDim),
		}
	}
	return outputs, targets
}

// runDecoder exercises all three fusion strategies on one synthetic
// feature pyramid and reports the normalized density mass of each.
func runDecoder(logger *slog.Logger, cfg *config.File, rng *rand.Rand) {
	dec, err := density.NewDecoder(density.Config{
		Current: cfg.Decoder.CurrentChannels,
		Deep:    cfg.Decoder.DeepChannels,
		Medium:  cfg.Decoder.MediumChannels,
		Shallow: cfg.Decoder.ShallowChannels,
		Fused:   cfg.Decoder.FusedChannels,
		Seed:    cfg.Decoder.Seed,
	})
	if err != nil {
		logger.Error("building decoder", "err", err)
		os.Exit(1)
	}

	feature := func(c, h, w int) *tensor.Dense {
		data := make([]float32, c*h*w)
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}
		return tensors.FromSlice(data, 1, c, h, w)
	}
	shallow := feature(cfg.Decoder.ShallowChannels, 16, 16)
	medium := feature(cfg.Decoder.MediumChannels, 8, 8)
	deep := feature(cfg.Decoder.DeepChannels, 4, 4)
	current := feature(cfg.Decoder.CurrentChannels, 4, 4)

	for _, strategy := range []density.Strategy{
		density.StrategyNorm,
		density.StrategyMultiResolutionLoss,
		density.StrategyFeatureWeighting,
	} {
		start := time.Now()
		outs, err := dec.Forward(shallow, medium, deep, current, strategy)
		if err != nil {
			logger.Error("decoder forward", "strategy", strategy, "err", err)
			os.Exit(1)
		}
		sums, err := tensors.SpatialSum(outs[0].Normalized)
		if err != nil {
			logger.Error("density sum", "err", err)
			os.Exit(1)
		}
		logger.Info("density decoder",
			"strategy", strategy,
			"elapsed", time.Since(start),
			"scales", len(outs),
			"normalized_mass", sums[0])
	}
}
