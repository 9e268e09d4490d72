// Package model - the data contract between the detector's heads and the
// matching-and-loss engine: prediction sets, target sets and the heads
// that produce the former from decoder embeddings.
package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/tensors"
)

// Outputs is the prediction set emitted by the detector for one batch.
type Outputs struct {
	// Logits holds the class logits as B×Q×C. The virtual no-object class
	// has index C and never appears as a logit channel.
	Logits *tensor.Dense
	// Points holds the geometric predictions as B×Q×P in center form,
	// normalized to [0, 1].
	Points *tensor.Dense
	// Masks optionally holds per-query segmentation logits as B×Q×H×W.
	Masks *tensor.Dense
	// Aux holds the predictions of the earlier decoder layers, ordered by
	// depth; the deepest (final) layer is the Outputs itself.
	Aux []Layer
}

// Layer is the prediction set of one intermediate decoder layer.
type Layer struct {
	Logits *tensor.Dense
	Points *tensor.Dense
}

// Target is the ground truth for one image.
type Target struct {
	// Labels holds one class index in [0, C) per object.
	Labels []int
	// Points holds the object geometry as N×P, same form and
	// normalization as predictions.
	Points *tensor.Dense
	// Masks optionally holds per-object binary masks as N×H×W.
	Masks *tensor.Dense
}

// Validate checks the shape contract: logits B×Q×C, points B×Q×P with
// matching batch and query extents, and per-target label/point agreement.
// Mismatches are configuration errors and fail immediately.
func (o Outputs) Validate(targets []Target) error {
	if err := tensors.EnsureDims("pred_logits", o.Logits, 3); err != nil {
		return err
	}
	ls := o.Logits.Shape()
	if err := tensors.EnsureShape("pred_points", o.Points, ls[0], ls[1], -1); err != nil {
		return err
	}
	if len(targets) != ls[0] {
		return errors.Errorf("targets: want %d images, have %d", ls[0], len(targets))
	}
	p := o.Points.Shape()[2]
	for i, t := range targets {
		if len(t.Labels) == 0 {
			if t.Points != nil && t.Points.Shape()[0] != 0 {
				return errors.Errorf("targets[%d]: empty labels but %d points", i, t.Points.Shape()[0])
			}
			continue
		}
		if err := tensors.EnsureShape("target points", t.Points, len(t.Labels), p); err != nil {
			return errors.Wrapf(err, "targets[%d]", i)
		}
		for _, l := range t.Labels {
			if l < 0 || l >= ls[2] {
				return errors.Errorf("targets[%d]: label %d outside [0, %d)", i, l, ls[2])
			}
		}
	}
	for i, a := range o.Aux {
		if err := tensors.EnsureShape("aux pred_logits", a.Logits, ls[0], ls[1], ls[2]); err != nil {
			return errors.Wrapf(err, "aux_outputs[%d]", i)
		}
		if err := tensors.EnsureShape("aux pred_points", a.Points, ls[0], ls[1], p); err != nil {
			return errors.Wrapf(err, "aux_outputs[%d]", i)
		}
	}
	return nil
}
