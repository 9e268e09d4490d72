// Package losses - the individual loss terms consumed by the criterion:
// sigmoid focal loss, dice loss, L1 point regression and the top-1
// accuracy diagnostic.
//
// Every function is a pure reduction over float32 tensors to a scalar.
// Normalizers that can be exactly zero are the caller's problem: the
// criterion clamps the batch-wide target count to at least one before any
// term runs.
package losses

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/tensors"
)

// SigmoidFocalLoss computes the binary focal loss between logits and a
// {0,1} target tensor of identical shape, both laid out as d0×d1(×d2).
//
// Per element, with p = sigmoid(x) and z the target:
//
//	FL = alpha_t * (1 - p_t)^gamma * BCE(x, z)
//
// where p_t = p*z + (1-p)*(1-z) and alpha_t weighs positives by alpha and
// negatives by 1-alpha (alpha < 0 disables the weighting). The elementwise
// losses are averaged over axis 1 (queries for B×Q×C logits, pixels for
// M×HW masks), summed over the rest, and divided by normalizer. Callers
// supervising class logits re-scale by Q to compensate for that per-slot
// averaging; the compounding of the two normalizers is intentional.
//
// The binary cross entropy uses the numerically stable log1p form, so
// large logits of either sign cannot overflow.
func SigmoidFocalLoss(logits, target *tensor.Dense, normalizer, alpha, gamma float32) (float32, error) {
	if !logits.Shape().Eq(target.Shape()) {
		return 0, errors.Errorf("focal loss: logits shape %v but target shape %v", logits.Shape(), target.Shape())
	}
	if logits.Dims() < 2 {
		return 0, errors.Errorf("focal loss: want at least 2 dimensions, have shape %v", logits.Shape())
	}
	d1 := logits.Shape()[1]

	xs := tensors.Floats(logits)
	zs := tensors.Floats(target)
	var sum float32
	for i, x := range xs {
		z := zs[i]
		p := 1 / (1 + math32.Exp(-x))
		ce := math32.Max(x, 0) - x*z + math32.Log1p(math32.Exp(-math32.Abs(x)))
		pt := p*z + (1-p)*(1-z)
		l := ce * math32.Pow(1-pt, gamma)
		if alpha >= 0 {
			l *= alpha*z + (1-alpha)*(1-z)
		}
		sum += l
	}
	return sum / float32(d1) / normalizer, nil
}

// DiceLoss computes the dice loss between mask logits and binary target
// masks, both M×HW (one row per matched mask). The +1 smoothing in
// numerator and denominator keeps empty masks finite.
func DiceLoss(logits, target *tensor.Dense, normalizer float32) (float32, error) {
	if !logits.Shape().Eq(target.Shape()) {
		return 0, errors.Errorf("dice loss: logits shape %v but target shape %v", logits.Shape(), target.Shape())
	}
	if logits.Dims() != 2 {
		return 0, errors.Errorf("dice loss: want M×HW, have shape %v", logits.Shape())
	}
	rows, cols := logits.Shape()[0], logits.Shape()[1]
	xs := tensors.Floats(logits)
	zs := tensors.Floats(target)

	var total float32
	for r := 0; r < rows; r++ {
		var num, pSum, zSum float32
		for i := r * cols; i < (r+1)*cols; i++ {
			p := 1 / (1 + math32.Exp(-xs[i]))
			num += p * zs[i]
			pSum += p
			zSum += zs[i]
		}
		total += 1 - (2*num+1)/(pSum+zSum+1)
	}
	return total / normalizer, nil
}

// L1 returns the summed absolute difference between two equal-length
// slices.
func L1(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("l1: length mismatch %d vs %d", len(a), len(b))
	}
	var sum float32
	for i := range a {
		sum += math32.Abs(a[i] - b[i])
	}
	return sum, nil
}

// Accuracy returns the top-1 accuracy, in percent, of logit rows against
// integer labels. Rows are laid out as len(labels)×C. An empty input is
// 100% accurate, so the derived class error degrades to zero rather than
// NaN when an entire batch has no targets.
func Accuracy(rows []float32, labels []int, c int) (float32, error) {
	if len(rows) != len(labels)*c {
		return 0, errors.Errorf("accuracy: %d logit values for %d labels of width %d", len(rows), len(labels), c)
	}
	if len(labels) == 0 {
		return 100, nil
	}
	correct := 0
	for i, label := range labels {
		best := 0
		row := rows[i*c : (i+1)*c]
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		if best == label {
			correct++
		}
	}
	return 100 * float32(correct) / float32(len(labels)), nil
}
