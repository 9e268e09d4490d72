// Package engine - assembles the matching-and-loss engine from
// configuration: matcher, criterion, heads, density decoder and
// postprocessor, plus the per-name loss weights the training loop uses to
// reduce the criterion's output.
package engine

import (
	"math/rand"
	"strconv"

	"github.com/pkg/errors"

	"github.com/crowd-ai/go-detr/config"
	"github.com/crowd-ai/go-detr/criterion"
	"github.com/crowd-ai/go-detr/density"
	"github.com/crowd-ai/go-detr/matcher"
	"github.com/crowd-ai/go-detr/model"
	"github.com/crowd-ai/go-detr/postprocess"
)

// Engine bundles the built components. The heads and decoder own the only
// learnable parameters; matcher, criterion and postprocessor are
// parameter-free.
type Engine struct {
	Matcher   *matcher.HungarianMatcher
	Criterion *criterion.Criterion
	Heads     *model.Heads
	Decoder   *density.Decoder
	Post      *postprocess.PostProcessor

	// Weights maps every loss key (including aux-suffixed copies) to its
	// coefficient in the training objective.
	Weights map[string]float32
}

// Build wires every component from cfg. The decoder is only built when an
// arch is configured.
func Build(cfg *config.File, exec criterion.ExecContext) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := matcher.New(
		float32(cfg.Matcher.ClassWeight),
		float32(cfg.Matcher.PointWeight),
		float32(cfg.Matcher.GIoUWeight),
	)
	if err != nil {
		return nil, err
	}

	names := []string{criterion.LossLabels, criterion.LossPoints, criterion.LossCardinality}
	if cfg.Loss.Masks {
		names = append(names, criterion.LossMasks)
	}
	crit, err := criterion.New(cfg.Model.NumClasses, m, float32(cfg.Loss.FocalAlpha), names, exec)
	if err != nil {
		return nil, err
	}

	var dec *density.Decoder
	if cfg.Decoder.Arch != "" {
		dec, err = density.NewDecoder(density.Config{
			Current: cfg.Decoder.CurrentChannels,
			Deep:    cfg.Decoder.DeepChannels,
			Medium:  cfg.Decoder.MediumChannels,
			Shallow: cfg.Decoder.ShallowChannels,
			Fused:   cfg.Decoder.FusedChannels,
			Seed:    cfg.Decoder.Seed,
		})
		if err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewSource(cfg.Model.Seed))
	heads := model.NewHeads(rng, cfg.Model.HiddenDim, cfg.Model.NumClasses, cfg.Model.PointDim)

	return &Engine{
		Matcher:   m,
		Criterion: crit,
		Heads:     heads,
		Decoder:   dec,
		Post:      postprocess.New(cfg.Post.TopK),
		Weights:   buildWeights(cfg),
	}, nil
}

// buildWeights constructs the loss weight dict, replicating every entry
// with an _i suffix per auxiliary layer when aux supervision is on.
func buildWeights(cfg *config.File) map[string]float32 {
	base := map[string]float32{
		"loss_ce":    float32(cfg.Loss.ClassWeight),
		"loss_point": float32(cfg.Loss.PointWeight),
		"loss_giou":  float32(cfg.Loss.GIoUWeight),
	}
	if cfg.Loss.Masks {
		base["loss_mask"] = float32(cfg.Loss.MaskWeight)
		base["loss_dice"] = float32(cfg.Loss.DiceWeight)
	}
	weights := make(map[string]float32, len(base)*cfg.Model.DecoderLayers)
	for k, v := range base {
		weights[k] = v
	}
	if cfg.Loss.Aux {
		for i := 0; i < cfg.Model.DecoderLayers-1; i++ {
			for k, v := range base {
				weights[k+"_"+strconv.Itoa(i)] = v
			}
		}
	}
	return weights
}

// WeightedSum reduces a criterion loss map with the engine's weights.
// Keys without a weight (the diagnostics) contribute nothing.
func (e *Engine) WeightedSum(lossMap map[string]float32) float32 {
	var total float32
	for k, v := range lossMap {
		if w, ok := e.Weights[k]; ok {
			total += w * v
		}
	}
	return total
}

// Strategy converts the configured decoder arch into a density.Strategy,
// failing on an unconfigured decoder.
func Strategy(cfg *config.File) (density.Strategy, error) {
	if cfg.Decoder.Arch == "" {
		return "", errors.New("engine: no decoder arch configured")
	}
	return density.Strategy(cfg.Decoder.Arch), nil
}
