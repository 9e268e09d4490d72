// Package criterion - the training-time loss aggregator: Hungarian
// matching followed by the weighted set of loss terms, over the final
// decoder layer and every auxiliary layer.
//
// The criterion owns no learnable parameters and keeps no state across
// calls; each Forward builds a fresh loss map that the training loop
// reduces with its own per-name weights.
package criterion

import (
	"strconv"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/losses"
	"github.com/crowd-ai/go-detr/matcher"
	"github.com/crowd-ai/go-detr/model"
	"github.com/crowd-ai/go-detr/nn"
	"github.com/crowd-ai/go-detr/tensors"
)

// Loss names accepted by New. Requesting anything else is a fatal
// configuration error at construction time, never mid-training.
const (
	LossLabels      = "labels"
	LossPoints      = "points"
	LossCardinality = "cardinality"
	LossMasks       = "masks"
)

// focalGamma is the hard-example emphasis exponent of the classification
// focal loss.
const focalGamma = 2

// ExecContext carries the distributed-execution capabilities the
// criterion needs for its single synchronization point: summing the
// batch-wide target count across workers. Reduction failures propagate to
// the caller, which owns retry/abort policy.
type ExecContext struct {
	// WorldSize is the number of jointly training workers.
	WorldSize int
	// AllReduce sums a scalar across all workers and returns the total.
	// It is called exactly once per Forward.
	AllReduce func(float32) (float32, error)
}

// Local returns the single-process execution context: world size one,
// identity reduction.
func Local() ExecContext {
	return ExecContext{
		WorldSize: 1,
		AllReduce: func(v float32) (float32, error) { return v, nil },
	}
}

// Criterion computes the composite loss for one forward pass.
type Criterion struct {
	// NumClasses is the number of real object classes C; the virtual
	// no-object class has index C and is excluded from one-hot support.
	NumClasses int
	// Matcher produces the per-image assignment each term consumes.
	Matcher *matcher.HungarianMatcher
	// FocalAlpha is the class-imbalance weight of the focal loss.
	FocalAlpha float32

	exec  ExecContext
	names []string
}

type lossFn func(c *Criterion, out model.Layer, masks *tensor.Dense, targets []model.Target, asn []matcher.Assignment, numPoints float32, log bool) (map[string]float32, error)

var lossRegistry = map[string]lossFn{
	LossLabels:      (*Criterion).lossLabels,
	LossCardinality: (*Criterion).lossCardinality,
	LossPoints:      (*Criterion).lossPoints,
	LossMasks:       (*Criterion).lossMasks,
}

// New validates the requested loss names against the registry and returns
// a ready criterion.
//
// Arguments:
//   - numClasses: Number of real classes C.
//   - m: The assignment solver.
//   - focalAlpha: Focal loss alpha; negative disables alpha weighting.
//   - names: Loss terms to compute, from the Loss* constants.
//   - exec: Distributed context; use Local() for single-process runs.
func New(numClasses int, m *matcher.HungarianMatcher, focalAlpha float32, names []string, exec ExecContext) (*Criterion, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("criterion: invalid class count %d", numClasses)
	}
	if m == nil {
		return nil, errors.New("criterion: nil matcher")
	}
	if len(names) == 0 {
		return nil, errors.New("criterion: no losses requested")
	}
	for _, n := range names {
		if _, ok := lossRegistry[n]; !ok {
			return nil, errors.Errorf("criterion: unknown loss %q", n)
		}
	}
	if exec.WorldSize < 1 {
		return nil, errors.Errorf("criterion: invalid world size %d", exec.WorldSize)
	}
	if exec.AllReduce == nil {
		return nil, errors.New("criterion: nil all-reduce")
	}
	return &Criterion{
		NumClasses: numClasses,
		Matcher:    m,
		FocalAlpha: focalAlpha,
		exec:       exec,
		names:      append([]string(nil), names...),
	}, nil
}

// Forward matches and scores the final layer (with diagnostics), then
// repeats matching and loss computation for every auxiliary layer with
// logging disabled, mask losses skipped and keys suffixed by layer index.
//
// Returns:
//   - A map from loss name to scalar; diagnostics (class_error,
//     cardinality_error) are included but carry zero loss weight
//     downstream.
func (c *Criterion) Forward(outputs model.Outputs, targets []model.Target) (map[string]float32, error) {
	if err := outputs.Validate(targets); err != nil {
		return nil, err
	}

	final := model.Layer{Logits: outputs.Logits, Points: outputs.Points}
	asn, err := c.Matcher.Match(final.Logits, final.Points, targets)
	if err != nil {
		return nil, err
	}

	numPoints, err := c.numPoints(targets)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float32)
	for _, name := range c.names {
		part, err := lossRegistry[name](c, final, outputs.Masks, targets, asn, numPoints, true)
		if err != nil {
			return nil, errors.Wrapf(err, "loss %q", name)
		}
		for k, v := range part {
			out[k] = v
		}
	}

	for i, aux := range outputs.Aux {
		auxAsn, err := c.Matcher.Match(aux.Logits, aux.Points, targets)
		if err != nil {
			return nil, errors.Wrapf(err, "aux layer %d", i)
		}
		for _, name := range c.names {
			if name == LossMasks {
				// Intermediate mask supervision costs more than it helps.
				continue
			}
			part, err := lossRegistry[name](c, aux, nil, targets, auxAsn, numPoints, false)
			if err != nil {
				return nil, errors.Wrapf(err, "aux layer %d, loss %q", i, name)
			}
			suffix := "_" + strconv.Itoa(i)
			for k, v := range part {
				out[k+suffix] = v
			}
		}
	}
	return out, nil
}

// numPoints is the batch-wide normalizer: total target count summed over
// the batch and all workers, averaged per worker, clamped to at least one.
// It is computed once per Forward and reused by every layer's point and
// classification losses.
func (c *Criterion) numPoints(targets []model.Target) (float32, error) {
	var total float32
	for _, t := range targets {
		total += float32(len(t.Labels))
	}
	total, err := c.exec.AllReduce(total)
	if err != nil {
		return 0, errors.Wrap(err, "num_points all-reduce")
	}
	return math32.Max(total/float32(c.exec.WorldSize), 1), nil
}

// lossLabels is the classification focal loss over the one-hot-expanded
// target classes, plus the top-1 class error diagnostic on matched slots
// when log is set.
func (c *Criterion) lossLabels(out model.Layer, _ *tensor.Dense, targets []model.Target, asn []matcher.Assignment, numPoints float32, log bool) (map[string]float32, error) {
	s := out.Logits.Shape()
	b, q, cw := s[0], s[1], s[2]

	// One-hot support covers only the real classes; slots left unmatched
	// keep an all-zero row, which is the truncated no-object column.
	onehot := tensors.New(b, q, cw)
	oh := tensors.Floats(onehot)
	for i, a := range asn {
		for k, slot := range a.Pred {
			label := targets[i].Labels[a.Tgt[k]]
			oh[(i*q+slot)*cw+label] = 1
		}
	}

	focal, err := losses.SigmoidFocalLoss(out.Logits, onehot, numPoints, c.FocalAlpha, focalGamma)
	if err != nil {
		return nil, err
	}
	// The focal primitive averages over the Q query slots; the original
	// formulation scales that average back up by Q on top of the
	// num-points normalizer. Preserved as-is.
	result := map[string]float32{"loss_ce": focal * float32(q)}

	if log {
		logitData := tensors.Floats(out.Logits)
		var rows []float32
		var labels []int
		for i, a := range asn {
			for k, slot := range a.Pred {
				rows = append(rows, logitData[(i*q+slot)*cw:(i*q+slot+1)*cw]...)
				labels = append(labels, targets[i].Labels[a.Tgt[k]])
			}
		}
		acc, err := losses.Accuracy(rows, labels, cw)
		if err != nil {
			return nil, err
		}
		result["class_error"] = 100 - acc
	}
	return result, nil
}

// lossCardinality is the mean absolute difference between the number of
// slots predicting a non-no-object class and the true target count. It is
// a logging diagnostic, not a gradient source; the last logit channel
// stands in for the no-object class.
func (c *Criterion) lossCardinality(out model.Layer, _ *tensor.Dense, targets []model.Target, _ []matcher.Assignment, _ float32, _ bool) (map[string]float32, error) {
	s := out.Logits.Shape()
	b, q, cw := s[0], s[1], s[2]
	data := tensors.Floats(out.Logits)

	var total float32
	for i := 0; i < b; i++ {
		count := 0
		for slot := 0; slot < q; slot++ {
			row := data[(i*q+slot)*cw : (i*q+slot+1)*cw]
			best := 0
			for j, v := range row {
				if v > row[best] {
					best = j
				}
			}
			if best != cw-1 {
				count++
			}
		}
		total += math32.Abs(float32(count) - float32(len(targets[i].Labels)))
	}
	return map[string]float32{"cardinality_error": total / float32(b)}, nil
}

// lossPoints is the L1 regression loss over matched point pairs, summed
// and divided by the batch-wide normalizer, so images with more targets
// contribute proportionally more.
func (c *Criterion) lossPoints(out model.Layer, _ *tensor.Dense, targets []model.Target, asn []matcher.Assignment, numPoints float32, _ bool) (map[string]float32, error) {
	s := out.Points.Shape()
	q, p := s[1], s[2]
	predData := tensors.Floats(out.Points)

	var src, tgt []float32
	for i, a := range asn {
		if len(a.Pred) == 0 {
			continue
		}
		tgtData := tensors.Floats(targets[i].Points)
		for k, slot := range a.Pred {
			src = append(src, predData[(i*q+slot)*p:(i*q+slot+1)*p]...)
			tgt = append(tgt, tgtData[a.Tgt[k]*p:(a.Tgt[k]+1)*p]...)
		}
	}
	sum, err := losses.L1(src, tgt)
	if err != nil {
		return nil, err
	}
	return map[string]float32{"loss_point": sum / numPoints}, nil
}

// lossMasks is the focal + dice loss over matched segmentation masks,
// with predicted masks resized to the target resolution first. Only
// computed for the final layer when a segmentation head is attached.
func (c *Criterion) lossMasks(out model.Layer, masks *tensor.Dense, targets []model.Target, asn []matcher.Assignment, numPoints float32, _ bool) (map[string]float32, error) {
	if masks == nil {
		return nil, errors.New("pred_masks missing from outputs")
	}
	if err := tensors.EnsureDims("pred_masks", masks, 4); err != nil {
		return nil, err
	}
	ms := masks.Shape()
	q, mh, mw := ms[1], ms[2], ms[3]
	maskData := tensors.Floats(masks)

	// Gather matched predicted and target masks. All target masks must
	// share one resolution per batch.
	th, tw := -1, -1
	var pred []float32
	var tgtRows [][]float32
	for i, a := range asn {
		if len(a.Pred) == 0 {
			continue
		}
		if targets[i].Masks == nil {
			return nil, errors.Errorf("targets[%d]: masks requested but absent", i)
		}
		if err := tensors.EnsureDims("target masks", targets[i].Masks, 3); err != nil {
			return nil, err
		}
		ts := targets[i].Masks.Shape()
		if th == -1 {
			th, tw = ts[1], ts[2]
		} else if ts[1] != th || ts[2] != tw {
			return nil, errors.Errorf("targets[%d]: mask size %dx%d differs from %dx%d", i, ts[1], ts[2], th, tw)
		}
		tgtData := tensors.Floats(targets[i].Masks)
		for k, slot := range a.Pred {
			pred = append(pred, maskData[(i*q+slot)*mh*mw:(i*q+slot+1)*mh*mw]...)
			tgtRows = append(tgtRows, tgtData[a.Tgt[k]*th*tw:(a.Tgt[k]+1)*th*tw])
		}
	}
	m := len(tgtRows)
	if m == 0 {
		return map[string]float32{"loss_mask": 0, "loss_dice": 0}, nil
	}

	resized, err := nn.ResizeBilinear(tensors.FromSlice(pred, m, 1, mh, mw), th, tw)
	if err != nil {
		return nil, err
	}
	predFlat := tensors.FromSlice(tensors.Floats(resized), m, th*tw)

	tgtFlat := make([]float32, 0, m*th*tw)
	for _, row := range tgtRows {
		tgtFlat = append(tgtFlat, row...)
	}
	target := tensors.FromSlice(tgtFlat, m, th*tw)

	focal, err := losses.SigmoidFocalLoss(predFlat, target, numPoints, c.FocalAlpha, focalGamma)
	if err != nil {
		return nil, err
	}
	dice, err := losses.DiceLoss(predFlat, target, numPoints)
	if err != nil {
		return nil, err
	}
	return map[string]float32{"loss_mask": focal, "loss_dice": dice}, nil
}
