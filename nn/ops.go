package nn

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/tensors"
)

// Sigmoid maps a logit to a probability.
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// InverseSigmoid maps a probability back to logit space, clamping the
// input away from 0 and 1 so the result stays finite.
func InverseSigmoid(x float32) float32 {
	const clamp = 1e-5
	x = math32.Min(math32.Max(x, clamp), 1-clamp)
	return math32.Log(x / (1 - x))
}

// ReLU returns a rectified copy of x.
func ReLU(x *tensor.Dense) *tensor.Dense {
	out := tensors.Clone(x)
	reluInPlace(tensors.Floats(out))
	return out
}

// ResizeBilinear resamples an NCHW tensor to outH×outW using bilinear
// interpolation with half-pixel centers (align_corners=false semantics).
func ResizeBilinear(x *tensor.Dense, outH, outW int) (*tensor.Dense, error) {
	if err := tensors.EnsureDims("resize input", x, 4); err != nil {
		return nil, err
	}
	if outH < 1 || outW < 1 {
		return nil, errors.Errorf("resize: invalid output size %dx%d", outH, outW)
	}
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	if h == outH && w == outW {
		return tensors.Clone(x), nil
	}

	xs := tensors.Floats(x)
	out := make([]float32, n*c*outH*outW)
	scaleY := float32(h) / float32(outH)
	scaleX := float32(w) / float32(outW)

	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			src := xs[(b*c+ch)*h*w:]
			dst := out[(b*c+ch)*outH*outW:]
			for oy := 0; oy < outH; oy++ {
				sy := (float32(oy)+0.5)*scaleY - 0.5
				y0 := int(math32.Floor(sy))
				fy := sy - float32(y0)
				y1 := y0 + 1
				if y0 < 0 {
					y0, y1, fy = 0, 0, 0
				} else if y1 >= h {
					y0, y1, fy = h-1, h-1, 0
				}
				for ox := 0; ox < outW; ox++ {
					sx := (float32(ox)+0.5)*scaleX - 0.5
					x0 := int(math32.Floor(sx))
					fx := sx - float32(x0)
					x1 := x0 + 1
					if x0 < 0 {
						x0, x1, fx = 0, 0, 0
					} else if x1 >= w {
						x0, x1, fx = w-1, w-1, 0
					}
					top := src[y0*w+x0]*(1-fx) + src[y0*w+x1]*fx
					bot := src[y1*w+x0]*(1-fx) + src[y1*w+x1]*fx
					dst[oy*outW+ox] = top*(1-fy) + bot*fy
				}
			}
		}
	}
	return tensors.FromSlice(out, n, c, outH, outW), nil
}

// ConcatChannels concatenates NCHW tensors along the channel axis. All
// inputs must agree on batch and spatial extents.
func ConcatChannels(xs ...*tensor.Dense) (*tensor.Dense, error) {
	if len(xs) == 0 {
		return nil, errors.New("concat: no inputs")
	}
	first := xs[0].Shape()
	n, h, w := first[0], first[2], first[3]
	totalC := 0
	for _, x := range xs {
		if err := tensors.EnsureShape("concat input", x, n, -1, h, w); err != nil {
			return nil, err
		}
		totalC += x.Shape()[1]
	}

	out := make([]float32, n*totalC*h*w)
	plane := h * w
	for b := 0; b < n; b++ {
		cOff := 0
		for _, x := range xs {
			c := x.Shape()[1]
			src := tensors.Floats(x)[b*c*plane : (b+1)*c*plane]
			copy(out[(b*totalC+cOff)*plane:], src)
			cOff += c
		}
	}
	return tensors.FromSlice(out, n, totalC, h, w), nil
}

// SoftmaxChannels normalizes an NCHW tensor across its channel axis, so
// the channel values at every spatial location form a distribution.
func SoftmaxChannels(x *tensor.Dense) (*tensor.Dense, error) {
	if err := tensors.EnsureDims("softmax input", x, 4); err != nil {
		return nil, err
	}
	s := x.Shape()
	n, c, h, w := s[0], s[1], s[2], s[3]
	xs := tensors.Floats(x)
	out := make([]float32, len(xs))
	plane := h * w

	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			maxv := xs[base+p]
			for ch := 1; ch < c; ch++ {
				if v := xs[base+ch*plane+p]; v > maxv {
					maxv = v
				}
			}
			var sum float32
			for ch := 0; ch < c; ch++ {
				e := math32.Exp(xs[base+ch*plane+p] - maxv)
				out[base+ch*plane+p] = e
				sum += e
			}
			for ch := 0; ch < c; ch++ {
				out[base+ch*plane+p] /= sum
			}
		}
	}
	return tensors.FromSlice(out, n, c, h, w), nil
}
