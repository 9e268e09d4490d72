package criterion

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowd-ai/go-detr/matcher"
	"github.com/crowd-ai/go-detr/model"
	"github.com/crowd-ai/go-detr/tensors"
)

func newTestCriterion(t *testing.T, names ...string) *Criterion {
	t.Helper()
	m, err := matcher.New(2, 5, 0)
	require.NoError(t, err)
	if len(names) == 0 {
		names = []string{LossLabels, LossPoints, LossCardinality}
	}
	c, err := New(2, m, 0.25, names, Local())
	require.NoError(t, err)
	return c
}

// scenarioOutputs builds the B=1, Q=5, C=2 fixture: slot 0 sits 0.01 per
// coordinate away from target 0, slot 3 sits 0.02 away from target 1, and
// the remaining slots are far from everything.
func scenarioOutputs() (model.Outputs, []model.Target) {
	points := tensors.FromSlice([]float32{
		0.51, 0.51, 0.21, 0.21,
		0.9, 0.9, 0.5, 0.5,
		0.9, 0.1, 0.5, 0.5,
		0.12, 0.12, 0.12, 0.12,
		0.5, 0.9, 0.5, 0.5,
	}, 1, 5, 4)
	targets := []model.Target{{
		Labels: []int{0, 1},
		Points: tensors.FromSlice([]float32{0.5, 0.5, 0.2, 0.2, 0.1, 0.1, 0.1, 0.1}, 2, 4),
	}}
	return model.Outputs{Logits: tensors.New(1, 5, 2), Points: points}, targets
}

func TestForwardPointLossScenario(t *testing.T) {
	c := newTestCriterion(t)
	outputs, targets := scenarioOutputs()

	lossMap, err := c.Forward(outputs, targets)
	require.NoError(t, err)

	// Slot 0 contributes 4*0.01, slot 3 contributes 4*0.02; the sum is
	// divided by the batch-wide target count of 2.
	assert.InDelta(t, (0.04+0.08)/2, lossMap["loss_point"], 1e-5)

	// Zero logits argmax to channel 0 on every slot, so all 5 slots count
	// as non-no-object against 2 true targets.
	assert.InDelta(t, 3, lossMap["cardinality_error"], 1e-6)

	// Matched slots carry zero logits: argmax is class 0, so the slot
	// matched to the class-1 target is wrong.
	assert.InDelta(t, 50, lossMap["class_error"], 1e-5)

	assert.False(t, math32.IsNaN(lossMap["loss_ce"]))
	assert.Greater(t, lossMap["loss_ce"], float32(0))
}

func TestForwardCardinalityScenario(t *testing.T) {
	c := newTestCriterion(t, LossCardinality)

	// Three slots argmax to channel 0 (non-no-object), two to the last
	// channel, against two true targets: |3 - 2| = 1.
	logits := tensors.FromSlice([]float32{
		4, 0,
		4, 0,
		4, 0,
		0, 4,
		0, 4,
	}, 1, 5, 2)
	points := tensors.New(1, 5, 4)
	targets := []model.Target{{
		Labels: []int{0, 0},
		Points: tensors.New(2, 4),
	}}

	lossMap, err := c.Forward(model.Outputs{Logits: logits, Points: points}, targets)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, lossMap["cardinality_error"], 1e-6)
}

func TestForwardZeroTargets(t *testing.T) {
	c := newTestCriterion(t)
	outputs := model.Outputs{
		Logits: tensors.FromSlice([]float32{3, -2, -1, 4, 0.5, 0.5}, 1, 3, 2),
		Points: tensors.New(1, 3, 4),
	}
	targets := []model.Target{{Labels: []int{}}}

	lossMap, err := c.Forward(outputs, targets)
	require.NoError(t, err, "an empty image must not error")

	assert.Zero(t, lossMap["loss_point"], "no matches means zero point loss")
	assert.False(t, math32.IsNaN(lossMap["loss_ce"]), "all-no-object classification loss must be finite")
	assert.False(t, math32.IsInf(lossMap["loss_ce"], 0))
	assert.Zero(t, lossMap["class_error"], "no matched slots means no class error")
}

func TestForwardAuxLayers(t *testing.T) {
	c := newTestCriterion(t)
	outputs, targets := scenarioOutputs()
	outputs.Aux = []model.Layer{
		{Logits: outputs.Logits, Points: outputs.Points},
		{Logits: outputs.Logits, Points: outputs.Points},
	}

	lossMap, err := c.Forward(outputs, targets)
	require.NoError(t, err)

	for _, key := range []string{"loss_ce_0", "loss_point_0", "cardinality_error_0", "loss_ce_1", "loss_point_1"} {
		_, ok := lossMap[key]
		assert.True(t, ok, "aux key %q must be present", key)
	}
	// Aux layers share the final layer's tensors here, so their losses
	// must agree with the final layer's.
	assert.InDelta(t, lossMap["loss_point"], lossMap["loss_point_0"], 1e-6)
	assert.InDelta(t, lossMap["loss_ce"], lossMap["loss_ce_1"], 1e-6)

	// Class error is a final-layer diagnostic only.
	_, ok := lossMap["class_error_0"]
	assert.False(t, ok, "aux layers must not log class error")
}

func TestForwardDistributedNormalizer(t *testing.T) {
	m, err := matcher.New(2, 5, 0)
	require.NoError(t, err)

	// A two-worker context whose reduction doubles the local count
	// leaves the per-worker normalizer unchanged; the reduction must be
	// called exactly once per Forward.
	calls := 0
	exec := ExecContext{
		WorldSize: 2,
		AllReduce: func(v float32) (float32, error) {
			calls++
			return 2 * v, nil
		},
	}
	c, err := New(2, m, 0.25, []string{LossPoints}, exec)
	require.NoError(t, err)

	outputs, targets := scenarioOutputs()
	outputs.Aux = []model.Layer{{Logits: outputs.Logits, Points: outputs.Points}}
	lossMap, err := c.Forward(outputs, targets)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "the normalizer reduction is a single collective call")
	assert.InDelta(t, (0.04+0.08)/2, lossMap["loss_point"], 1e-5)
}

func TestForwardNormalizerClamp(t *testing.T) {
	c := newTestCriterion(t, LossPoints)
	outputs := model.Outputs{Logits: tensors.New(2, 3, 2), Points: tensors.New(2, 3, 4)}
	targets := []model.Target{{Labels: []int{}}, {Labels: []int{}}}

	lossMap, err := c.Forward(outputs, targets)
	require.NoError(t, err, "a batch without any target must clamp the normalizer, not divide by zero")
	assert.Zero(t, lossMap["loss_point"])
}

func TestForwardMasks(t *testing.T) {
	c := newTestCriterion(t, LossLabels, LossPoints, LossMasks)

	// One target whose point coincides with slot 0.
	outputs := model.Outputs{
		Logits: tensors.New(1, 2, 2),
		Points: tensors.FromSlice([]float32{0.5, 0.5, 0.2, 0.2, 0.9, 0.9, 0.9, 0.9}, 1, 2, 4),
		Masks:  tensors.FromSlice([]float32{5, -5, -5, 5, 0, 0, 0, 0}, 1, 2, 2, 2),
	}
	targets := []model.Target{{
		Labels: []int{0},
		Points: tensors.FromSlice([]float32{0.5, 0.5, 0.2, 0.2}, 1, 4),
		Masks:  tensors.FromSlice([]float32{1, 0, 0, 1}, 1, 2, 2),
	}}

	lossMap, err := c.Forward(outputs, targets)
	require.NoError(t, err)
	assert.Contains(t, lossMap, "loss_mask")
	assert.Contains(t, lossMap, "loss_dice")
	assert.False(t, math32.IsNaN(lossMap["loss_mask"]))
	assert.False(t, math32.IsNaN(lossMap["loss_dice"]))

	// Aux layers never compute mask losses.
	outputs.Aux = []model.Layer{{Logits: outputs.Logits, Points: outputs.Points}}
	lossMap, err = c.Forward(outputs, targets)
	require.NoError(t, err)
	_, ok := lossMap["loss_mask_0"]
	assert.False(t, ok, "intermediate mask supervision is skipped")
}

func TestNewRejectsUnknownLoss(t *testing.T) {
	m, err := matcher.New(2, 5, 0)
	require.NoError(t, err)

	_, err = New(2, m, 0.25, []string{"labels", "giou"}, Local())
	require.Error(t, err, "an unregistered loss name is a fatal configuration error")
	assert.Contains(t, err.Error(), "giou")
}

func TestForwardRejectsMismatchedTargets(t *testing.T) {
	c := newTestCriterion(t)
	outputs := model.Outputs{Logits: tensors.New(2, 3, 2), Points: tensors.New(2, 3, 4)}

	_, err := c.Forward(outputs, []model.Target{{Labels: []int{}}})
	require.Error(t, err, "a batch-size mismatch between outputs and targets must fail fast")
}
