// Package config - TOML configuration for the matching-and-loss engine.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// File is the top-level configuration structure, one section per
// component.
type File struct {
	Model   ModelConfig
	Matcher MatcherConfig
	Loss    LossConfig
	Decoder DecoderConfig
	Post    PostConfig
}

// ModelConfig describes the prediction tensors the engine consumes.
type ModelConfig struct {
	// NumClasses is the number of real object classes C.
	NumClasses int `toml:"num_classes"`
	// NumQueries is the fixed query slot count Q per image.
	NumQueries int `toml:"num_queries"`
	// PointDim is the geometric point width P (4: cx, cy, w, h).
	PointDim int `toml:"point_dim"`
	// HiddenDim is the decoder embedding width feeding the heads.
	HiddenDim int `toml:"hidden_dim"`
	// DecoderLayers is the total decoder depth; layers before the last
	// produce auxiliary outputs.
	DecoderLayers int `toml:"decoder_layers"`
	// Seed drives head parameter initialization.
	Seed int64
}

// MatcherConfig weighs the assignment cost terms.
type MatcherConfig struct {
	ClassWeight float64 `toml:"class_weight"`
	PointWeight float64 `toml:"point_weight"`
	GIoUWeight  float64 `toml:"giou_weight"`
}

// LossConfig selects and weighs the loss terms.
type LossConfig struct {
	FocalAlpha  float64 `toml:"focal_alpha"`
	ClassWeight float64 `toml:"class_weight"`
	PointWeight float64 `toml:"point_weight"`
	GIoUWeight  float64 `toml:"giou_weight"`
	MaskWeight  float64 `toml:"mask_weight"`
	DiceWeight  float64 `toml:"dice_weight"`
	// Masks enables the segmentation losses.
	Masks bool
	// Aux enables supervision of intermediate decoder layers.
	Aux bool
}

// DecoderConfig configures the density branch.
type DecoderConfig struct {
	// Arch is the fusion strategy: norm, multi_resolution_loss or
	// feature_weighting. Empty disables the branch.
	Arch            string
	CurrentChannels int `toml:"current_channels"`
	DeepChannels    int `toml:"deep_channels"`
	MediumChannels  int `toml:"medium_channels"`
	ShallowChannels int `toml:"shallow_channels"`
	FusedChannels   int `toml:"fused_channels"`
	Seed            int64
}

// PostConfig configures inference-time decoding.
type PostConfig struct {
	TopK int `toml:"top_k"`
}

// Default returns the configuration matching the reference crowd-counting
// setup: two classes, 500 queries, six decoder layers, focal alpha 0.25.
func Default() *File {
	return &File{
		Model: ModelConfig{
			NumClasses:    2,
			NumQueries:    500,
			PointDim:      4,
			HiddenDim:     256,
			DecoderLayers: 6,
		},
		Matcher: MatcherConfig{ClassWeight: 2, PointWeight: 5},
		Loss: LossConfig{
			FocalAlpha:  0.25,
			ClassWeight: 2,
			PointWeight: 5,
			GIoUWeight:  2,
			MaskWeight:  1,
			DiceWeight:  1,
			Aux:         true,
		},
		Decoder: DecoderConfig{
			Arch:            "norm",
			CurrentChannels: 2048,
			DeepChannels:    1024,
			MediumChannels:  512,
			ShallowChannels: 256,
			FusedChannels:   128,
		},
		Post: PostConfig{TopK: 100},
	}
}

// Unmarshal reads and validates a TOML configuration file.
func Unmarshal(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints; violations are fatal
// configuration errors.
func (f *File) Validate() error {
	if f.Model.NumClasses < 1 {
		return errors.Errorf("config: num_classes must be positive, have %d", f.Model.NumClasses)
	}
	if f.Model.NumQueries < 1 {
		return errors.Errorf("config: num_queries must be positive, have %d", f.Model.NumQueries)
	}
	if f.Model.PointDim < 2 {
		return errors.Errorf("config: point_dim must be at least 2, have %d", f.Model.PointDim)
	}
	if f.Model.DecoderLayers < 1 {
		return errors.Errorf("config: decoder_layers must be positive, have %d", f.Model.DecoderLayers)
	}
	if f.Matcher.ClassWeight == 0 && f.Matcher.PointWeight == 0 && f.Matcher.GIoUWeight == 0 {
		return errors.New("config: all matcher cost weights are zero")
	}
	switch f.Decoder.Arch {
	case "", "norm", "multi_resolution_loss", "feature_weighting":
	default:
		return errors.Errorf("config: unknown decoder arch %q", f.Decoder.Arch)
	}
	return nil
}
