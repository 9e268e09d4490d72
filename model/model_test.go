package model

import (
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowd-ai/go-detr/tensors"
)

func TestNewHeadsInitialization(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	h := NewHeads(rng, 16, 2, 4)

	// The class bias encodes a 1% positive prior.
	want := -math32.Log((1 - 0.01) / 0.01)
	for i, b := range h.Class.B {
		assert.InDelta(t, want, b, 1e-5, "class bias %d", i)
	}

	// The final point layer starts at zero so initial predictions sit on
	// the reference points.
	last := h.Point.Layers[len(h.Point.Layers)-1]
	for _, w := range tensors.Floats(last.W) {
		assert.Zero(t, w)
	}
	for _, b := range last.B {
		assert.Zero(t, b)
	}
}

func TestHeadsForwardAnchorsOnReference(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	h := NewHeads(rng, 8, 2, 4)

	// Zero-initialized final point layer: the first two channels must
	// sigmoid back to the reference coordinates exactly.
	emb := tensors.New(1, 1, 3, 8)
	ref := tensors.FromSlice([]float32{0.3, 0.7, 0.5, 0.5, 0.9, 0.2}, 1, 3, 2)

	out, err := h.Forward(emb, ref)
	require.NoError(t, err)
	require.Empty(t, out.Aux, "a single layer has no auxiliary outputs")

	pts := tensors.Floats(out.Points)
	refs := []float32{0.3, 0.7, 0.5, 0.5, 0.9, 0.2}
	for q := 0; q < 3; q++ {
		assert.InDelta(t, refs[q*2], pts[q*4], 1e-4, "query %d x", q)
		assert.InDelta(t, refs[q*2+1], pts[q*4+1], 1e-4, "query %d y", q)
	}
}

func TestHeadsForwardLayerSplit(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h := NewHeads(rng, 8, 3, 4)

	emb := make([]float32, 3*2*4*8)
	for i := range emb {
		emb[i] = float32(rng.NormFloat64())
	}
	ref := make([]float32, 2*4*2)
	for i := range ref {
		ref[i] = rng.Float32()
	}

	out, err := h.Forward(tensors.FromSlice(emb, 3, 2, 4, 8), tensors.FromSlice(ref, 2, 4, 2))
	require.NoError(t, err)

	assert.Equal(t, []int(out.Logits.Shape()), []int{2, 4, 3})
	assert.Equal(t, []int(out.Points.Shape()), []int{2, 4, 4})
	require.Len(t, out.Aux, 2, "all layers but the last are auxiliary")
	for i, a := range out.Aux {
		assert.Equal(t, []int(a.Logits.Shape()), []int{2, 4, 3}, "aux %d", i)
		assert.Equal(t, []int(a.Points.Shape()), []int{2, 4, 4}, "aux %d", i)
	}

	// Points are sigmoid outputs.
	for _, v := range tensors.Floats(out.Points) {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestHeadsForwardRejectsBadReference(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	h := NewHeads(rng, 8, 2, 4)

	_, err := h.Forward(tensors.New(1, 1, 3, 8), tensors.New(1, 2, 2))
	require.Error(t, err, "reference query extent must match the embeddings")
}

func TestOutputsValidate(t *testing.T) {
	valid := Outputs{Logits: tensors.New(1, 4, 2), Points: tensors.New(1, 4, 4)}
	good := []Target{{Labels: []int{0, 1}, Points: tensors.New(2, 4)}}
	require.NoError(t, valid.Validate(good))

	tests := []struct {
		name    string
		outputs Outputs
		targets []Target
	}{
		{
			name:    "batch mismatch",
			outputs: valid,
			targets: []Target{good[0], good[0]},
		},
		{
			name:    "label out of range",
			outputs: valid,
			targets: []Target{{Labels: []int{2}, Points: tensors.New(1, 4)}},
		},
		{
			name:    "label and point count disagree",
			outputs: valid,
			targets: []Target{{Labels: []int{0}, Points: tensors.New(3, 4)}},
		},
		{
			name: "points query mismatch",
			outputs: Outputs{
				Logits: tensors.New(1, 4, 2),
				Points: tensors.New(1, 5, 4),
			},
			targets: good,
		},
		{
			name: "aux shape mismatch",
			outputs: Outputs{
				Logits: tensors.New(1, 4, 2),
				Points: tensors.New(1, 4, 4),
				Aux:    []Layer{{Logits: tensors.New(1, 3, 2), Points: tensors.New(1, 4, 4)}},
			},
			targets: good,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.outputs.Validate(tt.targets))
		})
	}
}
