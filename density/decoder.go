// Package density - the auxiliary multi-scale density-map branch.
//
// The decoder consumes three backbone feature maps (shallow, medium,
// deep) plus the current feature map feeding the main detection head, and
// produces re-projected features alongside raw and spatially-normalized
// density maps under one of three fusion strategies. The normalized map
// of every strategy is non-negative and sums to one over its spatial
// extent (per image, per channel) whenever the rectified density carries
// any mass.
package density

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/nn"
	"github.com/crowd-ai/go-detr/tensors"
)

// Strategy selects one of the mutually exclusive fusion architectures.
type Strategy string

const (
	// StrategyNorm projects all four feature sources independently and
	// supervises a density map at each, returning four scale outputs.
	StrategyNorm Strategy = "norm"
	// StrategyMultiResolutionLoss fuses deep-to-shallow through
	// upsample/concat/convolve stages into one output.
	StrategyMultiResolutionLoss Strategy = "multi_resolution_loss"
	// StrategyFeatureWeighting upsamples all sources to a common
	// resolution and blends them with a learned softmax weighting map.
	StrategyFeatureWeighting Strategy = "feature_weighting"
)

// normEps guards the spatial normalization against an all-zero rectified
// density map.
const normEps = 1e-6

// Config sets the channel widths of the four feature sources and the
// fused density width. Adjacent backbone stages halve the channel count,
// which the fusion stacks rely on when concatenating.
type Config struct {
	// Current is the channel width of the feature map feeding the
	// detection head.
	Current int
	// Deep, Medium and Shallow are the backbone stage widths.
	Deep    int
	Medium  int
	Shallow int
	// Fused is the channel width the density head reads from.
	Fused int
	// Seed drives parameter initialization.
	Seed int64
}

// DefaultConfig mirrors a ResNet-style backbone: 2048/1024/512/256 with a
// 128-wide fused stage.
func DefaultConfig() Config {
	return Config{Current: 2048, Deep: 1024, Medium: 512, Shallow: 256, Fused: 128}
}

// ScaleOutput is one supervised scale: a re-projected feature map, the
// raw rectified density and its spatially normalized variant.
type ScaleOutput struct {
	// Features is the re-projected feature map (Shallow-width channels),
	// available for branch merging into the main head.
	Features *tensor.Dense
	// Density is the raw non-negative density map, N×1×H×W.
	Density *tensor.Dense
	// Normalized is Density divided by its per-image spatial sum.
	Normalized *tensor.Dense
}

// Decoder owns the convolutional stacks of all three strategies. It is a
// flat parameter container; the strategy argument picks which stacks run.
type Decoder struct {
	cfg Config

	// Per-source projection stacks for the norm strategy. regShallow
	// doubles as the post-weighting projection of feature_weighting.
	regCurrent *nn.Block
	regShallow *nn.Block
	regMedium  *nn.Block
	regDeep    *nn.Block

	// densityHead and reproject are shared by every strategy.
	densityHead *nn.Conv2d
	reproject   *nn.Block

	// Deep-to-shallow fusion stacks (multi_resolution_loss).
	proj1   *nn.Block
	fuse2   *nn.Block
	fuse3   *nn.Block
	fuseOut *nn.Block

	// Common-resolution stacks (feature_weighting). fuse3 is reused for
	// the deep source.
	upCurrent  *nn.Block
	upMedium   *nn.Block
	weightConv *nn.Conv2d
}

// NewDecoder validates the channel pyramid and initializes all stacks
// deterministically from cfg.Seed.
func NewDecoder(cfg Config) (*Decoder, error) {
	if cfg.Shallow < 1 || cfg.Fused < 1 {
		return nil, errors.Errorf("density: invalid channel widths %+v", cfg)
	}
	if cfg.Current != 2*cfg.Deep || cfg.Deep != 2*cfg.Medium || cfg.Medium != 2*cfg.Shallow {
		return nil, errors.Errorf(
			"density: channel widths must halve per stage, have current=%d deep=%d medium=%d shallow=%d",
			cfg.Current, cfg.Deep, cfg.Medium, cfg.Shallow)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &Decoder{
		cfg:        cfg,
		regCurrent: nn.NewBlock(rng, cfg.Current, cfg.Shallow, cfg.Fused),
		regShallow: nn.NewBlock(rng, cfg.Shallow, cfg.Fused),
		regMedium:  nn.NewBlock(rng, cfg.Medium, cfg.Shallow, cfg.Fused),
		regDeep:    nn.NewBlock(rng, cfg.Deep, cfg.Medium, cfg.Shallow, cfg.Fused),

		densityHead: nn.NewConv2d(rng, cfg.Fused, 1, 1, 0),
		reproject:   nn.NewPointwiseBlock(rng, cfg.Fused, cfg.Fused, cfg.Shallow),

		proj1:   nn.NewPointwiseBlock(rng, cfg.Current, cfg.Current, cfg.Deep),
		fuse2:   nn.NewBlock(rng, 2*cfg.Deep, cfg.Deep, cfg.Medium),
		fuse3:   nn.NewBlock(rng, cfg.Deep, cfg.Medium, cfg.Shallow),
		fuseOut: nn.NewBlock(rng, 2*cfg.Shallow, cfg.Shallow, cfg.Fused),

		upCurrent:  nn.NewBlock(rng, cfg.Current, cfg.Deep, cfg.Medium, cfg.Shallow),
		upMedium:   nn.NewPointwiseBlock(rng, cfg.Medium, cfg.Medium, cfg.Shallow),
		weightConv: nn.NewConv2d(rng, 4*cfg.Shallow, 4, 1, 0),
	}, nil
}

// Forward runs the selected strategy.
//
// Arguments:
//   - shallow, medium, deep: Backbone feature maps; shallow has twice the
//     spatial extent of medium, which has twice that of deep.
//   - current: The feature map feeding the detection head, same spatial
//     extent as deep.
//   - strategy: Fusion architecture to run.
//
// Returns:
//   - Four ScaleOutputs (current, shallow, medium, deep order) for
//     StrategyNorm, one for the other strategies.
func (d *Decoder) Forward(shallow, medium, deep, current *tensor.Dense, strategy Strategy) ([]ScaleOutput, error) {
	for name, t := range map[string]*tensor.Dense{
		"shallow": shallow, "medium": medium, "deep": deep, "current": current,
	} {
		if err := tensors.EnsureDims(name+" feature", t, 4); err != nil {
			return nil, err
		}
	}

	switch strategy {
	case StrategyNorm:
		return d.forwardNorm(shallow, medium, deep, current)
	case StrategyMultiResolutionLoss:
		return d.forwardMultiResolution(shallow, medium, deep, current)
	case StrategyFeatureWeighting:
		return d.forwardFeatureWeighting(shallow, medium, deep, current)
	default:
		return nil, errors.Errorf("density: unknown strategy %q", strategy)
	}
}

func (d *Decoder) forwardNorm(shallow, medium, deep, current *tensor.Dense) ([]ScaleOutput, error) {
	ms := medium.Shape()
	mh, mw := ms[2], ms[3]

	// Every source is brought to the medium resolution before its own
	// projection stack.
	cur, err := nn.ResizeBilinear(current, mh, mw)
	if err != nil {
		return nil, err
	}
	sh, err := nn.ResizeBilinear(shallow, mh, mw)
	if err != nil {
		return nil, err
	}
	dp, err := nn.ResizeBilinear(deep, mh, mw)
	if err != nil {
		return nil, err
	}

	sources := []struct {
		block *nn.Block
		x     *tensor.Dense
	}{
		{d.regCurrent, cur},
		{d.regShallow, sh},
		{d.regMedium, medium},
		{d.regDeep, dp},
	}
	outs := make([]ScaleOutput, 0, len(sources))
	for _, src := range sources {
		fused, err := src.block.Forward(src.x)
		if err != nil {
			return nil, err
		}
		out, err := d.head(fused)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

func (d *Decoder) forwardMultiResolution(shallow, medium, deep, current *tensor.Dense) ([]ScaleOutput, error) {
	x, err := d.proj1.Forward(current)
	if err != nil {
		return nil, err
	}

	ft, err := nn.ConcatChannels(x, deep)
	if err != nil {
		return nil, err
	}
	fs := ft.Shape()
	if ft, err = nn.ResizeBilinear(ft, 2*fs[2], 2*fs[3]); err != nil {
		return nil, err
	}
	if ft, err = d.fuse2.Forward(ft); err != nil {
		return nil, err
	}

	if ft, err = nn.ConcatChannels(ft, medium); err != nil {
		return nil, err
	}
	fs = ft.Shape()
	if ft, err = nn.ResizeBilinear(ft, 2*fs[2], 2*fs[3]); err != nil {
		return nil, err
	}
	if ft, err = d.fuse3.Forward(ft); err != nil {
		return nil, err
	}

	if ft, err = nn.ConcatChannels(ft, shallow); err != nil {
		return nil, err
	}
	fs = ft.Shape()
	if ft, err = nn.ResizeBilinear(ft, fs[2]/2, fs[3]/2); err != nil {
		return nil, err
	}
	if ft, err = d.fuseOut.Forward(ft); err != nil {
		return nil, err
	}

	out, err := d.head(ft)
	if err != nil {
		return nil, err
	}
	return []ScaleOutput{out}, nil
}

func (d *Decoder) forwardFeatureWeighting(shallow, medium, deep, current *tensor.Dense) ([]ScaleOutput, error) {
	ss := shallow.Shape()
	sh, sw := ss[2], ss[3]

	cur, err := nn.ResizeBilinear(current, sh, sw)
	if err != nil {
		return nil, err
	}
	if cur, err = d.upCurrent.Forward(cur); err != nil {
		return nil, err
	}
	dp, err := nn.ResizeBilinear(deep, sh, sw)
	if err != nil {
		return nil, err
	}
	if dp, err = d.fuse3.Forward(dp); err != nil {
		return nil, err
	}
	md, err := nn.ResizeBilinear(medium, sh, sw)
	if err != nil {
		return nil, err
	}
	if md, err = d.upMedium.Forward(md); err != nil {
		return nil, err
	}

	cat, err := nn.ConcatChannels(cur, dp, md, shallow)
	if err != nil {
		return nil, err
	}
	raw, err := d.weightConv.Forward(cat)
	if err != nil {
		return nil, err
	}
	weights, err := nn.SoftmaxChannels(raw)
	if err != nil {
		return nil, err
	}

	ft := weightedSum(weights, cur, dp, md, shallow)
	if ft, err = nn.ResizeBilinear(ft, sh/2, sw/2); err != nil {
		return nil, err
	}
	if ft, err = d.regShallow.Forward(ft); err != nil {
		return nil, err
	}

	out, err := d.head(ft)
	if err != nil {
		return nil, err
	}
	return []ScaleOutput{out}, nil
}

// weightedSum blends the sources with one weighting channel each:
// out[n,c,p] = Σ_k w[n,k,p] * source_k[n,c,p]. Shapes are guaranteed by
// the caller (all sources share N×C×H×W, weights are N×len(sources)×H×W).
func weightedSum(w *tensor.Dense, sources ...*tensor.Dense) *tensor.Dense {
	ss := sources[0].Shape()
	n, c, h, wd := ss[0], ss[1], ss[2], ss[3]
	plane := h * wd
	ws := tensors.Floats(w)
	out := make([]float32, n*c*plane)
	for k, src := range sources {
		sv := tensors.Floats(src)
		for b := 0; b < n; b++ {
			wPlane := ws[(b*len(sources)+k)*plane:]
			for ch := 0; ch < c; ch++ {
				base := (b*c + ch) * plane
				for p := 0; p < plane; p++ {
					out[base+p] += wPlane[p] * sv[base+p]
				}
			}
		}
	}
	return tensors.FromSlice(out, n, c, h, wd)
}

// head turns a fused feature map into one ScaleOutput. The fused tensor
// feeds two independent read paths: the density head and the feature
// reprojection; neither mutates it.
func (d *Decoder) head(fused *tensor.Dense) (ScaleOutput, error) {
	density, err := d.densityHead.Forward(fused)
	if err != nil {
		return ScaleOutput{}, err
	}
	density = nn.ReLU(density)

	sums, err := tensors.SpatialSum(density)
	if err != nil {
		return ScaleOutput{}, err
	}
	ds := density.Shape()
	plane := ds[2] * ds[3]
	normed := make([]float32, len(tensors.Floats(density)))
	dd := tensors.Floats(density)
	for i, sum := range sums {
		for j := 0; j < plane; j++ {
			normed[i*plane+j] = dd[i*plane+j] / (sum + normEps)
		}
	}

	features, err := d.reproject.Forward(fused)
	if err != nil {
		return ScaleOutput{}, err
	}
	return ScaleOutput{
		Features:   features,
		Density:    density,
		Normalized: tensors.FromSlice(normed, ds...),
	}, nil
}

// MergeFeatures adds the re-projected feature maps of the norm strategy
// onto a projected copy of the current feature map, producing the fused
// tensor the main head consumes when branch merging is enabled. All
// inputs must share one shape.
func MergeFeatures(projected *tensor.Dense, outs []ScaleOutput) (*tensor.Dense, error) {
	if len(outs) == 0 {
		return nil, errors.New("density: no scale outputs to merge")
	}
	sum := tensors.Clone(projected)
	for i, o := range outs {
		merged, err := tensors.Add(sum, o.Features)
		if err != nil {
			return nil, errors.Wrapf(err, "scale %d", i)
		}
		sum = merged
	}
	return sum, nil
}
