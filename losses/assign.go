package losses

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Anchor is one reference box shape, in grid units of its scale.
type Anchor struct {
	W, H float32
}

// Head describes the detection head's anchor geometry: one anchor set per
// detection scale, each anchor already divided by that scale's stride.
type Head struct {
	Anchors [][]Anchor
}

// ScaleMatches is the matched-target bundle for one detection scale. The
// index slices run in parallel: entry j says that the cell (Image[j],
// AnchorIdx[j], GridY[j], GridX[j]) is responsible for the target box in row j
// of Boxes, whose class is Classes[j] and whose matched anchor dims are row j
// of Anchors. Boxes are cell-local: x and y are offsets from the cell origin,
// w and h are in grid units.
type ScaleMatches struct {
	Image     []int
	AnchorIdx []int
	GridY     []int
	GridX     []int
	Classes   []int
	Boxes     *mat.Dense
	Anchors   *mat.Dense
}

// Len reports the number of matches at this scale.
func (m ScaleMatches) Len() int { return len(m.Image) }

// Assigner matches ground-truth boxes to (anchor, cell) pairs at every
// detection scale. Implementations may emit zero matches for a scale.
type Assigner interface {
	Assign(preds []*tensor.Dense, targets *tensor.Dense, head Head) ([]ScaleMatches, error)
}

// Overlap computes a per-row box overlap between two equal-length n x 4
// center-size box sets.
type Overlap func(pred, target *mat.Dense) (*mat.VecDense, error)

// GridAssigner matches targets to anchors by width/height ratio and assigns
// each match to its host grid cell plus up to two neighboring cells whose
// centers are nearest the box center.
type GridAssigner struct {
	// AnchorThreshold rejects a (target, anchor) pair when either dimension
	// ratio, in either direction, exceeds it.
	AnchorThreshold float32
}

// Assign expects targets as an n x 6 tensor of rows
// [image, class, cx, cy, w, h] with box fields normalized to [0, 1].
// A nil or empty target tensor yields empty matches at every scale.
func (g GridAssigner) Assign(preds []*tensor.Dense, targets *tensor.Dense, head Head) ([]ScaleMatches, error) {
	if len(head.Anchors) != len(preds) {
		return nil, errors.Errorf("losses: %d anchor sets for %d detection scales", len(head.Anchors), len(preds))
	}

	var rows [][]float32
	if targets != nil {
		shape := targets.Shape()
		if len(shape) != 2 || shape[1] != 6 {
			return nil, errors.Errorf("losses: detection targets must be n x 6, got %v", shape)
		}
		data := targets.Data().([]float32)
		for r := 0; r < shape[0]; r++ {
			rows = append(rows, data[r*6:(r+1)*6])
		}
	}

	out := make([]ScaleMatches, len(preds))
	for i, pi := range preds {
		out[i] = g.assignScale(pi, rows, head.Anchors[i])
	}
	return out, nil
}

func (g GridAssigner) assignScale(pred *tensor.Dense, rows [][]float32, anchors []Anchor) ScaleMatches {
	shape := pred.Shape()
	gy := shape[2]
	gx := shape[3]

	var m ScaleMatches
	var boxData, anchorData []float64

	emit := func(img, a, gj, gi int, cx, cy, w, h float64, cls int, anc Anchor) {
		gj = clampIdx(gj, gy-1)
		gi = clampIdx(gi, gx-1)
		m.Image = append(m.Image, img)
		m.AnchorIdx = append(m.AnchorIdx, a)
		m.GridY = append(m.GridY, gj)
		m.GridX = append(m.GridX, gi)
		m.Classes = append(m.Classes, cls)
		boxData = append(boxData, cx-float64(gi), cy-float64(gj), w, h)
		anchorData = append(anchorData, float64(anc.W), float64(anc.H))
	}

	for _, row := range rows {
		img := int(row[0])
		cls := int(row[1])
		cx := float64(row[2]) * float64(gx)
		cy := float64(row[3]) * float64(gy)
		w := float64(row[4]) * float64(gx)
		h := float64(row[5]) * float64(gy)

		for a, anc := range anchors {
			rw := w / float64(anc.W)
			rh := h / float64(anc.H)
			worst := math.Max(math.Max(rw, 1/rw), math.Max(rh, 1/rh))
			if worst > float64(g.AnchorThreshold) {
				continue
			}

			gi := int(math.Floor(cx))
			gj := int(math.Floor(cy))
			emit(img, a, gj, gi, cx, cy, w, h, cls, anc)

			// Two nearest neighbor cells also learn this box: one along x,
			// one along y, picked by which side of the cell center the box
			// center falls on.
			fx := cx - math.Floor(cx)
			fy := cy - math.Floor(cy)
			if fx < 0.5 && cx > 1 {
				emit(img, a, gj, gi-1, cx, cy, w, h, cls, anc)
			} else if fx > 0.5 && cx < float64(gx)-1 {
				emit(img, a, gj, gi+1, cx, cy, w, h, cls, anc)
			}
			if fy < 0.5 && cy > 1 {
				emit(img, a, gj-1, gi, cx, cy, w, h, cls, anc)
			} else if fy > 0.5 && cy < float64(gy)-1 {
				emit(img, a, gj+1, gi, cx, cy, w, h, cls, anc)
			}
		}
	}

	if n := m.Len(); n > 0 {
		m.Boxes = mat.NewDense(n, 4, boxData)
		m.Anchors = mat.NewDense(n, 2, anchorData)
	}
	return m
}

func clampIdx(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
