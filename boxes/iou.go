// Package boxes implements intersection-over-union metrics between sets of
// bounding boxes in center-size (cx, cy, w, h) encoding.
package boxes

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const eps = 1e-9

type variant int

const (
	plain variant = iota
	giou
	diou
	ciou
)

// IoU computes plain intersection over union, row by row, between two equal
// sized n x 4 box sets.
func IoU(pred, target *mat.Dense) (*mat.VecDense, error) {
	return overlap(pred, target, plain)
}

// GIoU subtracts the normalized area of the smallest enclosing box not covered
// by the union.
func GIoU(pred, target *mat.Dense) (*mat.VecDense, error) {
	return overlap(pred, target, giou)
}

// DIoU subtracts the normalized squared center distance.
func DIoU(pred, target *mat.Dense) (*mat.VecDense, error) {
	return overlap(pred, target, diou)
}

// CIoU subtracts both the normalized squared center distance and an
// aspect-ratio consistency penalty. This is the variant the detection box
// regression loss uses.
func CIoU(pred, target *mat.Dense) (*mat.VecDense, error) {
	return overlap(pred, target, ciou)
}

func overlap(pred, target *mat.Dense, v variant) (*mat.VecDense, error) {
	pr, pc := pred.Dims()
	tr, tc := target.Dims()
	if pc != 4 || tc != 4 {
		return nil, errors.Errorf("boxes: need n x 4 center-size boxes, got pred %dx%d target %dx%d", pr, pc, tr, tc)
	}
	if pr != tr {
		return nil, errors.Errorf("boxes: box sets differ in length, pred %d target %d", pr, tr)
	}

	out := mat.NewVecDense(pr, nil)
	for i := 0; i < pr; i++ {
		b1x1, b1y1, b1x2, b1y2 := corners(pred, i)
		b2x1, b2y1, b2x2, b2y2 := corners(target, i)

		iw := math.Min(b1x2, b2x2) - math.Max(b1x1, b2x1)
		ih := math.Min(b1y2, b2y2) - math.Max(b1y1, b2y1)
		inter := math.Max(iw, 0) * math.Max(ih, 0)

		w1, h1 := b1x2-b1x1, b1y2-b1y1
		w2, h2 := b2x2-b2x1, b2y2-b2y1
		union := w1*h1 + w2*h2 - inter + eps
		iou := inter / union
		if v == plain {
			out.SetVec(i, iou)
			continue
		}

		// enclosing box
		cw := math.Max(b1x2, b2x2) - math.Min(b1x1, b2x1)
		ch := math.Max(b1y2, b2y2) - math.Min(b1y1, b2y1)

		switch v {
		case giou:
			cArea := cw*ch + eps
			out.SetVec(i, iou-(cArea-union)/cArea)
		case diou, ciou:
			c2 := cw*cw + ch*ch + eps
			rho2 := ((b2x1+b2x2-b1x1-b1x2)*(b2x1+b2x2-b1x1-b1x2) +
				(b2y1+b2y2-b1y1-b1y2)*(b2y1+b2y2-b1y1-b1y2)) / 4
			if v == diou {
				out.SetVec(i, iou-rho2/c2)
				continue
			}
			vv := 4 / (math.Pi * math.Pi) * math.Pow(math.Atan(w2/(h2+eps))-math.Atan(w1/(h1+eps)), 2)
			alpha := vv / (1 - iou + vv + eps)
			out.SetVec(i, iou-(rho2/c2+vv*alpha))
		}
	}
	return out, nil
}

func corners(boxes *mat.Dense, row int) (x1, y1, x2, y2 float64) {
	cx := boxes.At(row, 0)
	cy := boxes.At(row, 1)
	w := boxes.At(row, 2)
	h := boxes.At(row, 3)
	return cx - w/2, cy - h/2, cx + w/2, cy + h/2
}
