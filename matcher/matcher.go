// Package matcher - optimal bipartite assignment between prediction slots
// and ground-truth targets.
//
// For every image a dense Q×N cost matrix is built from the class
// probability, the point L1 distance and optionally a generalized IoU
// term, then solved exactly with the Hungarian algorithm. Images are
// independent: each sub-problem is solved in isolation (concurrently) and
// never mixes targets across images. The discrete assignment itself is
// just index pairs; it carries no gradient semantics.
package matcher

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/geometry"
	"github.com/crowd-ai/go-detr/model"
	"github.com/crowd-ai/go-detr/tensors"
)

// Assignment pairs matched prediction slots with target indices for one
// image. Pred[i] and Tgt[i] belong together; both slices always have the
// same length, and an image without targets yields empty (non-nil)
// slices.
type Assignment struct {
	Pred []int
	Tgt  []int
}

// HungarianMatcher computes the minimum-cost assignment under a weighted
// sum of cost terms. It owns no learnable parameters.
type HungarianMatcher struct {
	// ClassWeight scales the negative predicted probability of the
	// target's class (sigmoid over the logit).
	ClassWeight float32
	// PointWeight scales the L1 distance between predicted and target
	// points.
	PointWeight float32
	// GIoUWeight scales the negative generalized IoU between corner-form
	// boxes. Zero disables the term.
	GIoUWeight float32
}

// New returns a matcher with the given cost weights. At least one weight
// must be non-zero; an all-zero cost is a configuration error.
func New(classWeight, pointWeight, giouWeight float32) (*HungarianMatcher, error) {
	if classWeight == 0 && pointWeight == 0 && giouWeight == 0 {
		return nil, errors.New("matcher: all cost weights are zero")
	}
	return &HungarianMatcher{
		ClassWeight: classWeight,
		PointWeight: pointWeight,
		GIoUWeight:  giouWeight,
	}, nil
}

// Match assigns prediction slots to targets for every image in the batch.
//
// Arguments:
//   - logits: Class logits, B×Q×C.
//   - points: Predicted points, B×Q×P (center form).
//   - targets: One target set per image, length B.
//
// Returns:
//   - One Assignment per image, in batch order. Matched target indices
//     are a permutation of [0, N_i); matched prediction indices are
//     distinct values in [0, Q).
func (m *HungarianMatcher) Match(logits, points *tensor.Dense, targets []model.Target) ([]Assignment, error) {
	if err := tensors.EnsureDims("pred_logits", logits, 3); err != nil {
		return nil, err
	}
	s := logits.Shape()
	b, q, c := s[0], s[1], s[2]
	if err := tensors.EnsureShape("pred_points", points, b, q, -1); err != nil {
		return nil, err
	}
	if len(targets) != b {
		return nil, errors.Errorf("matcher: %d images of predictions but %d target sets", b, len(targets))
	}
	p := points.Shape()[2]

	logitData := tensors.Floats(logits)
	pointData := tensors.Floats(points)

	out := make([]Assignment, b)
	var g errgroup.Group
	for i := 0; i < b; i++ {
		i := i
		g.Go(func() error {
			asn, err := m.matchImage(
				logitData[i*q*c:(i+1)*q*c],
				pointData[i*q*p:(i+1)*q*p],
				targets[i], q, c, p,
			)
			if err != nil {
				return errors.Wrapf(err, "image %d", i)
			}
			out[i] = asn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// matchImage solves the assignment for a single image. logits and points
// are the flat Q×C and Q×P views of that image.
func (m *HungarianMatcher) matchImage(logits, points []float32, target model.Target, q, c, p int) (Assignment, error) {
	n := len(target.Labels)
	if n == 0 {
		return Assignment{Pred: []int{}, Tgt: []int{}}, nil
	}
	for _, l := range target.Labels {
		if l < 0 || l >= c {
			return Assignment{}, errors.Errorf("label %d outside [0, %d)", l, c)
		}
	}
	tgtPoints := tensors.Floats(target.Points)
	if len(tgtPoints) != n*p {
		return Assignment{}, errors.Errorf("target points: want %dx%d values, have %d", n, p, len(tgtPoints))
	}

	cost := m.costMatrix(logits, points, target.Labels, tgtPoints, q, c, p)
	pairs := solve(cost, q, n)

	asn := Assignment{Pred: make([]int, 0, n), Tgt: make([]int, 0, n)}
	for _, pr := range pairs {
		asn.Pred = append(asn.Pred, pr[0])
		asn.Tgt = append(asn.Tgt, pr[1])
	}
	return asn, nil
}

func (m *HungarianMatcher) costMatrix(logits, points []float32, labels []int, tgtPoints []float32, q, c, p int) [][]float64 {
	n := len(labels)
	cost := make([][]float64, q)
	for slot := 0; slot < q; slot++ {
		row := make([]float64, n)
		for t := 0; t < n; t++ {
			prob := 1 / (1 + math32.Exp(-logits[slot*c+labels[t]]))
			v := m.ClassWeight * -prob

			var l1 float32
			for d := 0; d < p; d++ {
				l1 += math32.Abs(points[slot*p+d] - tgtPoints[t*p+d])
			}
			v += m.PointWeight * l1

			if m.GIoUWeight != 0 && p == 4 {
				pred := geometry.CenterToCorner(geometry.Point{
					points[slot*p], points[slot*p+1], points[slot*p+2], points[slot*p+3],
				})
				tgt := geometry.CenterToCorner(geometry.Point{
					tgtPoints[t*p], tgtPoints[t*p+1], tgtPoints[t*p+2], tgtPoints[t*p+3],
				})
				v += m.GIoUWeight * -geometry.GeneralizedIoU(pred, tgt)
			}
			row[t] = float64(v)
		}
		cost[slot] = row
	}
	return cost
}

// solve finds the minimum-cost complete assignment of a q×n cost matrix
// using the Jonker-Volgenant potentials variant of the Hungarian
// algorithm, O(dim³) over the square matrix obtained by zero-padding the
// smaller side. Padding entries are constant, and every complete
// assignment picks exactly one entry per row and column, so the padding
// changes all assignment totals equally and preserves the argmin.
// Potentials absorb negative costs, so no shifting is needed.
//
// The result is read off the final column-to-row assignment vector, so
// the output is fully deterministic: matched (prediction, target) pairs
// in ascending target order.
func solve(cost [][]float64, q, n int) [][2]int {
	dim := q
	if n > dim {
		dim = n
	}
	at := func(r, c int) float64 {
		if r < q && c < n {
			return cost[r][c]
		}
		return 0
	}

	// u, v are the row and column potentials. rowAt[j] is the row
	// currently assigned to column j; index 0 is a sentinel column used
	// while growing the matching, way[j] records the alternating path.
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	rowAt := make([]int, dim+1)
	way := make([]int, dim+1)

	for r := 1; r <= dim; r++ {
		rowAt[0] = r
		j0 := 0
		minv := make([]float64, dim+1)
		used := make([]bool, dim+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for rowAt[j0] != 0 {
			used[j0] = true
			r0 := rowAt[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				reduced := at(r0-1, j-1) - u[r0] - v[j]
				if reduced < minv[j] {
					minv[j] = reduced
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[rowAt[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
		}
		for j0 != 0 {
			j1 := way[j0]
			rowAt[j0] = rowAt[j1]
			j0 = j1
		}
	}

	pairs := make([][2]int, 0, n)
	for j := 1; j <= dim; j++ {
		if slot, tgt := rowAt[j]-1, j-1; slot < q && tgt < n {
			pairs = append(pairs, [2]int{slot, tgt})
		}
	}
	return pairs
}
