// Package geometry - pure conversions and overlap metrics for point/box
// representations.
//
// Two representations are used throughout the module:
//
//   - center form (cx, cy, w, h): what the point head predicts, normalized
//     to [0, 1] relative to the image.
//   - corner form (x0, y0, x1, y1): what distance-based metrics consume.
//
// All functions here are pure arithmetic with no clamping, so they are safe
// to use on both predictions and targets before any cost or metric is
// computed.
package geometry

import "github.com/chewxy/math32"

// Point is a center-form geometric point: (center_x, center_y, w, h).
type Point [4]float32

// Box is a corner-form box: (x0, y0, x1, y1).
type Box [4]float32

// eps guards divisions by areas that can be exactly zero for degenerate
// (zero width or height) boxes.
const eps = 1e-9

// CenterToCorner converts a center-form point to corner form.
//
// Arguments:
//   - p: The point in (cx, cy, w, h) form.
//
// Returns:
//   - The same geometry in (x0, y0, x1, y1) form.
func CenterToCorner(p Point) Box {
	return Box{
		p[0] - 0.5*p[2],
		p[1] - 0.5*p[3],
		p[0] + 0.5*p[2],
		p[1] + 0.5*p[3],
	}
}

// CornerToCenter converts a corner-form box back to center form. It is the
// exact inverse of CenterToCorner.
func CornerToCenter(b Box) Point {
	return Point{
		0.5 * (b[0] + b[2]),
		0.5 * (b[1] + b[3]),
		b[2] - b[0],
		b[3] - b[1],
	}
}

// Area returns the (signed) area of a corner-form box.
func Area(b Box) float32 {
	return (b[2] - b[0]) * (b[3] - b[1])
}

// IoU computes the Intersection over Union of two corner-form boxes.
//
// The intersection corners are the max of the top-left corners and the min
// of the bottom-right corners; a non-positive extent means no overlap. The
// union follows the inclusion-exclusion principle:
//
//	Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
//
// Returns:
//   - A value in [0, 1]; 0 for disjoint or degenerate boxes.
func IoU(a, b Box) float32 {
	inter := intersection(a, b)
	if inter <= 0 {
		return 0
	}
	union := Area(a) + Area(b) - inter
	return inter / (union + eps)
}

// GeneralizedIoU computes the generalized IoU of two corner-form boxes:
// the plain IoU minus the fraction of the smallest enclosing box not
// covered by the union. Unlike IoU it is informative for disjoint boxes,
// ranging over (-1, 1].
func GeneralizedIoU(a, b Box) float32 {
	inter := intersection(a, b)
	union := Area(a) + Area(b) - inter

	ex0 := math32.Min(a[0], b[0])
	ey0 := math32.Min(a[1], b[1])
	ex1 := math32.Max(a[2], b[2])
	ey1 := math32.Max(a[3], b[3])
	enclosing := (ex1 - ex0) * (ey1 - ey0)

	iou := inter / (union + eps)
	return iou - (enclosing-union)/(enclosing+eps)
}

func intersection(a, b Box) float32 {
	ix0 := math32.Max(a[0], b[0])
	iy0 := math32.Max(a[1], b[1])
	ix1 := math32.Min(a[2], b[2])
	iy1 := math32.Min(a[3], b[3])
	iw := ix1 - ix0
	ih := iy1 - iy0
	if iw <= 0 || ih <= 0 {
		return 0
	}
	return iw * ih
}
