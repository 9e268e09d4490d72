package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCenterToCornerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		p    Point
	}{
		{name: "unit center", p: Point{0.5, 0.5, 0.2, 0.2}},
		{name: "corner hugging", p: Point{0.1, 0.1, 0.1, 0.1}},
		{name: "degenerate width", p: Point{0.3, 0.7, 0, 0.4}},
		{name: "full frame", p: Point{0.5, 0.5, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			back := CornerToCenter(CenterToCorner(tt.p))
			for i := range tt.p {
				assert.InDelta(t, tt.p[i], back[i], 1e-6, "component %d should survive the round trip", i)
			}
		})
	}
}

func TestCenterToCornerValues(t *testing.T) {
	b := CenterToCorner(Point{0.5, 0.5, 0.2, 0.4})
	assert.InDelta(t, 0.4, b[0], 1e-6)
	assert.InDelta(t, 0.3, b[1], 1e-6)
	assert.InDelta(t, 0.6, b[2], 1e-6)
	assert.InDelta(t, 0.7, b[3], 1e-6)
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Box
		expected float32
	}{
		{name: "identical", a: Box{0, 0, 1, 1}, b: Box{0, 0, 1, 1}, expected: 1},
		{name: "disjoint", a: Box{0, 0, 1, 1}, b: Box{2, 2, 3, 3}, expected: 0},
		{name: "touching edges", a: Box{0, 0, 1, 1}, b: Box{1, 0, 2, 1}, expected: 0},
		{name: "quarter overlap", a: Box{0, 0, 2, 2}, b: Box{1, 1, 3, 3}, expected: 1.0 / 7.0},
		{name: "degenerate", a: Box{0, 0, 0, 0}, b: Box{0, 0, 1, 1}, expected: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, IoU(tt.a, tt.b), 1e-5)
			assert.InDelta(t, tt.expected, IoU(tt.b, tt.a), 1e-5, "IoU should be symmetric")
		})
	}
}

func TestGeneralizedIoU(t *testing.T) {
	// For overlapping boxes whose union fills the enclosing box, GIoU
	// degenerates to plain IoU.
	a := Box{0, 0, 1, 1}
	require.InDelta(t, 1.0, float64(GeneralizedIoU(a, a)), 1e-5)

	// Disjoint boxes are penalized below zero by the enclosing-box term.
	far := GeneralizedIoU(Box{0, 0, 1, 1}, Box{4, 4, 5, 5})
	assert.Less(t, far, float32(0), "disjoint boxes should have negative GIoU")
	assert.Greater(t, far, float32(-1), "GIoU is bounded below by -1")

	// Moving the second box farther away must strictly decrease GIoU,
	// which is exactly the gradient signal plain IoU lacks.
	near := GeneralizedIoU(Box{0, 0, 1, 1}, Box{2, 2, 3, 3})
	assert.Greater(t, near, far, "GIoU should decay with distance")
}
