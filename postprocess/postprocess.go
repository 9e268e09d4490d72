// Package postprocess - converts final-layer outputs into scored
// detections in absolute image coordinates.
//
// Set prediction needs no non-maximum suppression: the decoding is a pure
// top-K selection over the flattened query×class score space, so two
// invocations on the same inputs always return identical results.
package postprocess

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/geometry"
	"github.com/crowd-ai/go-detr/tensors"
)

// DefaultTopK is the number of detections kept per image.
const DefaultTopK = 100

// Detections holds the decoded results for one image, ordered by
// descending score.
type Detections struct {
	// Scores are sigmoid class probabilities.
	Scores []float32
	// Labels are the class indices recovered from the flattened top-K
	// positions.
	Labels []int
	// Points are corner-form boxes in absolute pixel coordinates.
	Points [][4]float32
}

// PostProcessor decodes raw outputs. It owns no state beyond its
// configuration and never mutates its inputs.
type PostProcessor struct {
	// TopK is the number of detections to keep per image; it is clamped
	// to the available query×class space, so fewer queries than TopK is
	// not an error.
	TopK int
}

// New returns a processor keeping topK detections (DefaultTopK if
// non-positive).
func New(topK int) *PostProcessor {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &PostProcessor{TopK: topK}
}

// Forward decodes one batch.
//
// Arguments:
//   - logits: Final-layer class logits, B×Q×C.
//   - points: Final-layer points, B×Q×4, center form, normalized.
//   - targetSizes: Per-image (height, width) in pixels, length B.
//
// Returns:
//   - One Detections per image, in batch order.
func (p *PostProcessor) Forward(logits, points *tensor.Dense, targetSizes [][2]float32) ([]Detections, error) {
	if err := tensors.EnsureDims("pred_logits", logits, 3); err != nil {
		return nil, err
	}
	s := logits.Shape()
	b, q, c := s[0], s[1], s[2]
	if err := tensors.EnsureShape("pred_points", points, b, q, 4); err != nil {
		return nil, err
	}
	if len(targetSizes) != b {
		return nil, errors.Errorf("postprocess: %d images but %d target sizes", b, len(targetSizes))
	}

	logitData := tensors.Floats(logits)
	pointData := tensors.Floats(points)

	k := p.TopK
	if flat := q * c; k > flat {
		k = flat
	}

	out := make([]Detections, b)
	for i := 0; i < b; i++ {
		probs := make([]float32, q*c)
		for j, x := range logitData[i*q*c : (i+1)*q*c] {
			probs[j] = 1 / (1 + math32.Exp(-x))
		}

		order := make([]int, len(probs))
		for j := range order {
			order[j] = j
		}
		// Stable sort keeps ties in index order, so decoding stays
		// deterministic.
		sort.SliceStable(order, func(x, y int) bool { return probs[order[x]] > probs[order[y]] })

		h, w := targetSizes[i][0], targetSizes[i][1]
		det := Detections{
			Scores: make([]float32, 0, k),
			Labels: make([]int, 0, k),
			Points: make([][4]float32, 0, k),
		}
		for _, idx := range order[:k] {
			slot := idx / c
			label := idx % c

			base := (i*q + slot) * 4
			corner := geometry.CenterToCorner(geometry.Point{
				pointData[base], pointData[base+1], pointData[base+2], pointData[base+3],
			})
			det.Scores = append(det.Scores, probs[idx])
			det.Labels = append(det.Labels, label)
			det.Points = append(det.Points, [4]float32{
				corner[0] * w, corner[1] * h, corner[2] * w, corner[3] * h,
			})
		}
		out[i] = det
	}
	return out, nil
}
