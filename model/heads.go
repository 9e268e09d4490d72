package model

import (
	"math/rand"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/nn"
	"github.com/crowd-ai/go-detr/tensors"
)

// Heads are the class and point projections applied to every decoder
// layer's query embeddings. They own the only learnable parameters on the
// detection path; the criterion and matcher own none.
type Heads struct {
	Class *nn.Linear
	Point *nn.MLP

	NumClasses int
	PointDim   int
}

// focalPrior is the assumed positive-class prior used to bias the class
// head at initialization, keeping the focal loss stable early in training.
const focalPrior = 0.01

// NewHeads builds the class head (a single linear layer with its bias set
// to -log((1-prior)/prior)) and the point head (a 3-layer MLP whose final
// layer starts at zero, so initial points coincide with the reference
// points).
func NewHeads(rng *rand.Rand, hiddenDim, numClasses, pointDim int) *Heads {
	class := nn.NewLinear(rng, hiddenDim, numClasses)
	bias := -math32.Log((1 - focalPrior) / focalPrior)
	for i := range class.B {
		class.B[i] = bias
	}

	point := nn.NewMLP(rng, hiddenDim, hiddenDim, pointDim, 3)
	last := point.Layers[len(point.Layers)-1]
	for i := range tensors.Floats(last.W) {
		tensors.Floats(last.W)[i] = 0
	}
	for i := range last.B {
		last.B[i] = 0
	}

	return &Heads{Class: class, Point: point, NumClasses: numClasses, PointDim: pointDim}
}

// Forward projects per-layer decoder embeddings (L×B×Q×D) and reference
// points (B×Q×2) into an Outputs value. The point head predicts offsets:
// its first two channels are shifted by the reference point in inverse
// sigmoid space before the final sigmoid, so each query regresses around
// its own anchor. The last layer becomes the primary output; all earlier
// layers are attached as Aux in depth order.
func (h *Heads) Forward(embeddings, reference *tensor.Dense) (Outputs, error) {
	if err := tensors.EnsureDims("decoder embeddings", embeddings, 4); err != nil {
		return Outputs{}, err
	}
	s := embeddings.Shape()
	layers, b, q, d := s[0], s[1], s[2], s[3]
	if err := tensors.EnsureShape("reference points", reference, b, q, 2); err != nil {
		return Outputs{}, err
	}

	refs := tensors.Floats(reference)
	emb := tensors.Floats(embeddings)
	out := Outputs{}

	for l := 0; l < layers; l++ {
		layer := tensors.FromSlice(emb[l*b*q*d:(l+1)*b*q*d], b, q, d)

		logits, err := h.Class.Forward(layer)
		if err != nil {
			return Outputs{}, err
		}

		raw, err := h.Point.Forward(layer)
		if err != nil {
			return Outputs{}, err
		}
		pts := tensors.Floats(raw)
		for i := 0; i < b*q; i++ {
			base := i * h.PointDim
			pts[base] += nn.InverseSigmoid(refs[i*2])
			pts[base+1] += nn.InverseSigmoid(refs[i*2+1])
			for j := 0; j < h.PointDim; j++ {
				pts[base+j] = nn.Sigmoid(pts[base+j])
			}
		}

		if l == layers-1 {
			out.Logits = logits
			out.Points = raw
		} else {
			out.Aux = append(out.Aux, Layer{Logits: logits, Points: raw})
		}
	}
	return out, nil
}
