package losses

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"drivenet/boxes"
)

// Predictions carries one forward pass worth of network output: one tensor
// per detection scale, shaped (batch, anchors, gridH, gridW, 5+numClasses)
// with channels [tx, ty, tw, th, obj, cls...], and the segmentation logits.
type Predictions struct {
	Det []*tensor.Dense
	Seg *tensor.Dense
}

// Targets carries the ground truth for one batch: detection boxes as n x 6
// rows [image, class, cx, cy, w, h] (normalized) and the binary segmentation
// mask.
type Targets struct {
	Det *tensor.Dense
	Seg *tensor.Dense
}

// ModelParams is the read-only model surface the aggregator needs.
type ModelParams struct {
	// IoURatio blends the objectness target between a constant 1 (ratio 0)
	// and the achieved overlap (ratio 1).
	IoURatio float32
	// NumClasses is the number of object classes. With a single class the
	// classification term is skipped entirely.
	NumClasses int
	// Head is the anchor geometry handed to the assigner.
	Head Head
}

// Breakdown reports the weighted per-term losses of one forward pass. The
// values are for logging; Total is the optimization signal.
type Breakdown struct {
	Box, Obj, Cls, Seg, Total float32
}

// Objectness balance weights per scale, coarse to fine.
var (
	balance3 = []float32{4.0, 1.0, 0.4}
	balance4 = []float32{4.0, 1.0, 0.4, 0.1}
)

// fourScaleObjBoost is an empirically tuned extra objectness gain applied only
// with a 4-scale head.
const fourScaleObjBoost = 1.4

// MultiHead combines the detection (box, objectness, classification) and
// segmentation losses of a dual-task head into one weighted scalar. It is
// immutable after construction and safe for concurrent Forward calls on
// disjoint inputs.
type MultiHead struct {
	cls Criterion
	obj Criterion
	seg Criterion
	cfg Config

	assign  Assigner
	overlap Overlap
}

// NewMultiHead wires the three criteria into an aggregator with the default
// grid assigner and CIoU overlap. Use the New factory unless the criteria are
// custom-built.
func NewMultiHead(cls, obj, seg Criterion, cfg Config) (*MultiHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MultiHead{
		cls:     cls,
		obj:     obj,
		seg:     seg,
		cfg:     cfg,
		assign:  GridAssigner{AnchorThreshold: cfg.AnchorThreshold},
		overlap: boxes.CIoU,
	}, nil
}

// SetAssigner replaces the target-assignment collaborator. Not safe once
// Forward calls are in flight.
func (m *MultiHead) SetAssigner(a Assigner) { m.assign = a }

// SetOverlap replaces the box-overlap collaborator. Not safe once Forward
// calls are in flight.
func (m *MultiHead) SetOverlap(o Overlap) { m.overlap = o }

// Forward computes the composite loss for one batch and its per-term
// breakdown.
func (m *MultiHead) Forward(preds Predictions, targets Targets, mp ModelParams) (float32, Breakdown, error) {
	if err := validateForward(preds, targets, mp); err != nil {
		return 0, Breakdown{}, err
	}

	matches, err := m.assign.Assign(preds.Det, targets.Det, mp.Head)
	if err != nil {
		return 0, Breakdown{}, errors.Wrap(err, "target assignment")
	}
	if len(matches) != len(preds.Det) {
		return 0, Breakdown{}, errors.Errorf("losses: assigner returned %d scales for %d predictions", len(matches), len(preds.Det))
	}

	var lbox, lobj, lcls float32
	cp, cn := SmoothBCE(0)

	no := len(preds.Det)
	balance := balance3
	if no == 4 {
		balance = balance4
	}

	for i, pi := range preds.Det {
		shape := pi.Shape()
		na, gy, gx, ch := shape[1], shape[2], shape[3], shape[4]
		data := pi.Data().([]float32)
		cells := shape[0] * na * gy * gx
		tobj := make([]float32, cells)

		mi := matches[i]
		if n := mi.Len(); n > 0 {
			pbox := mat.NewDense(n, 4, nil)
			for j := 0; j < n; j++ {
				at := cellIndex(mi, j, na, gy, gx) * ch
				px := Sigmoid(data[at])*2 - 0.5
				py := Sigmoid(data[at+1])*2 - 0.5
				sw := Sigmoid(data[at+2]) * 2
				sh := Sigmoid(data[at+3]) * 2
				pw := float64(sw*sw) * mi.Anchors.At(j, 0)
				ph := float64(sh*sh) * mi.Anchors.At(j, 1)
				pbox.SetRow(j, []float64{float64(px), float64(py), pw, ph})
			}

			iou, err := m.overlap(pbox, mi.Boxes)
			if err != nil {
				return 0, Breakdown{}, errors.Wrapf(err, "box overlap at scale %d", i)
			}
			lbox += 1 - float32(mat.Sum(iou)/float64(n))

			for j := 0; j < n; j++ {
				cell := cellIndex(mi, j, na, gy, gx)
				tobj[cell] = (1 - mp.IoURatio) + mp.IoURatio*clampMin(float32(iou.AtVec(j)), 0)
			}

			if mp.NumClasses > 1 {
				v, err := m.classLoss(mi, data, na, gy, gx, ch, mp.NumClasses, cp, cn)
				if err != nil {
					return 0, Breakdown{}, errors.Wrapf(err, "classification at scale %d", i)
				}
				lcls += v
			}
		}

		v, err := m.objectnessLoss(data, tobj, shape[0], na, gy, gx, ch)
		if err != nil {
			return 0, Breakdown{}, errors.Wrapf(err, "objectness at scale %d", i)
		}
		lobj += v * balance[i]
	}

	lseg, err := m.seg.Forward(flatten(preds.Seg), flatten(targets.Seg))
	if err != nil {
		return 0, Breakdown{}, errors.Wrap(err, "segmentation")
	}

	s := 3 / float32(no)
	objScale := float32(1.0)
	if no == 4 {
		objScale = fourScaleObjBoost
	}
	lcls *= m.cfg.ClsGain * s * m.cfg.Lambdas[0]
	lobj *= m.cfg.ObjGain * s * objScale * m.cfg.Lambdas[1]
	lbox *= m.cfg.BoxGain * s * m.cfg.Lambdas[2]
	lseg *= m.cfg.SegGain * m.cfg.Lambdas[3]
	if m.cfg.FreezeSeg {
		lseg *= 0
	}

	total := lbox + lobj + lcls + lseg
	return total, Breakdown{Box: lbox, Obj: lobj, Cls: lcls, Seg: lseg, Total: total}, nil
}

// classLoss gathers the class logits of every matched cell and scores them
// against smoothed one-hot targets.
func (m *MultiHead) classLoss(mi ScaleMatches, data []float32, na, gy, gx, ch, nc int, cp, cn float32) (float32, error) {
	n := mi.Len()
	logits := make([]float32, n*nc)
	tcls := make([]float32, n*nc)
	for j := 0; j < n; j++ {
		at := cellIndex(mi, j, na, gy, gx)*ch + 5
		copy(logits[j*nc:(j+1)*nc], data[at:at+nc])
		for k := 0; k < nc; k++ {
			tcls[j*nc+k] = cn
		}
		tcls[j*nc+mi.Classes[j]] = cp
	}
	lt := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, nc), tensor.WithBacking(logits))
	tt := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(n, nc), tensor.WithBacking(tcls))
	return m.cls.Forward(lt, tt)
}

// objectnessLoss scores the full objectness channel of one scale against the
// assembled soft targets.
func (m *MultiHead) objectnessLoss(data, tobj []float32, b, na, gy, gx, ch int) (float32, error) {
	logits := make([]float32, len(tobj))
	for cell := range logits {
		logits[cell] = data[cell*ch+4]
	}
	lo := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(b, na, gy, gx), tensor.WithBacking(logits))
	to := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(b, na, gy, gx), tensor.WithBacking(tobj))
	return m.obj.Forward(lo, to)
}

// cellIndex flattens (image, anchor, gridY, gridX) of match j into the cell
// offset within a scale's prediction tensor.
func cellIndex(m ScaleMatches, j, na, gy, gx int) int {
	return ((m.Image[j]*na+m.AnchorIdx[j])*gy+m.GridY[j])*gx + m.GridX[j]
}

func flatten(t *tensor.Dense) *tensor.Dense {
	data := t.Data().([]float32)
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(len(data)), tensor.WithBacking(data))
}

func validateForward(preds Predictions, targets Targets, mp ModelParams) error {
	no := len(preds.Det)
	if no != 3 && no != 4 {
		return errors.Errorf("losses: %d detection scales, head supports 3 or 4", no)
	}
	for i, pi := range preds.Det {
		if pi == nil {
			return errors.Errorf("losses: detection prediction %d is nil", i)
		}
		shape := pi.Shape()
		if len(shape) != 5 {
			return errors.Errorf("losses: detection prediction %d has shape %v, want 5 dims", i, shape)
		}
		if shape[4] != 5+mp.NumClasses {
			return errors.Errorf("losses: detection prediction %d has %d channels, want %d for %d classes",
				i, shape[4], 5+mp.NumClasses, mp.NumClasses)
		}
	}
	if preds.Seg == nil || targets.Seg == nil {
		return errors.New("losses: segmentation prediction and target are required")
	}
	if ps, ts := preds.Seg.Shape().TotalSize(), targets.Seg.Shape().TotalSize(); ps != ts {
		return errors.Errorf("losses: segmentation prediction has %d elements, target has %d", ps, ts)
	}
	return nil
}
