package losses

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Reduction selects how an elementwise loss collapses to a scalar.
type Reduction int

const (
	ReduceNone Reduction = iota
	ReduceMean
	ReduceSum
)

func (r Reduction) String() string {
	switch r {
	case ReduceNone:
		return "none"
	case ReduceMean:
		return "mean"
	case ReduceSum:
		return "sum"
	}
	return "unknown"
}

// Criterion is an elementwise binary loss over logits. The two implementations
// are BCEWithLogits and Focal; which one a head gets is decided once, at
// construction, and never changes afterwards.
type Criterion interface {
	// Forward evaluates the loss and applies the criterion's reduction.
	Forward(logits, targets *tensor.Dense) (float32, error)
	// Elementwise evaluates the loss with no reduction applied.
	Elementwise(logits, targets *tensor.Dense) (*tensor.Dense, error)
	// Reduction reports the reduction Forward applies.
	Reduction() Reduction
}

// SmoothBCE returns the positive and negative classification target values for
// a smoothing factor eps in [0, 1): (1 - 0.5*eps, 0.5*eps). With eps = 0 the
// targets are the hard (1, 0) pair.
func SmoothBCE(eps float32) (pos, neg float32) {
	return 1.0 - 0.5*eps, 0.5 * eps
}

// BCEWithLogits is binary cross entropy evaluated directly on logits, with an
// optional positive-class weight for imbalanced data.
type BCEWithLogits struct {
	posWeight float32
	reduction Reduction
}

// NewBCEWithLogits builds the criterion. posWeight scales the positive-class
// term; 1 means unweighted.
func NewBCEWithLogits(posWeight float32, reduction Reduction) *BCEWithLogits {
	return &BCEWithLogits{posWeight: posWeight, reduction: reduction}
}

func (b *BCEWithLogits) Reduction() Reduction { return b.reduction }

// Elementwise computes, per element, the numerically stable form
//
//	(1-t)*z + (pw*t + 1 - t) * log(1 + exp(-z))
//
// which equals -[pw*t*log(sigmoid(z)) + (1-t)*log(1-sigmoid(z))].
func (b *BCEWithLogits) Elementwise(logits, targets *tensor.Dense) (*tensor.Dense, error) {
	if err := sameShape("bce logits", logits, "targets", targets); err != nil {
		return nil, err
	}
	zs := logits.Data().([]float32)
	ts := targets.Data().([]float32)
	out := make([]float32, len(zs))
	pw := float64(b.posWeight)
	for i := range zs {
		z := float64(zs[i])
		t := float64(ts[i])
		out[i] = float32((1-t)*z + (pw*t+1-t)*softplusNeg(z))
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(logits.Shape()...), tensor.WithBacking(out)), nil
}

func (b *BCEWithLogits) Forward(logits, targets *tensor.Dense) (float32, error) {
	elems, err := b.Elementwise(logits, targets)
	if err != nil {
		return 0, err
	}
	return reduce(elems, b.reduction)
}

// New builds the three head criteria from cfg and wires them, together with
// the default assigner and overlap metric, into a MultiHead aggregator.
// Classification and objectness get focal reweighting when cfg.FocalGamma > 0;
// segmentation never does.
func New(cfg Config) (*MultiHead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "building loss criteria")
	}

	var cls, obj Criterion
	cls = NewBCEWithLogits(cfg.ClsPosWeight, ReduceMean)
	obj = NewBCEWithLogits(cfg.ObjPosWeight, ReduceMean)
	seg := NewBCEWithLogits(cfg.SegPosWeight, ReduceMean)
	if cfg.FocalGamma > 0 {
		cls = NewFocal(cls, cfg.FocalGamma, focalAlpha)
		obj = NewFocal(obj, cfg.FocalGamma, focalAlpha)
	}

	return NewMultiHead(cls, obj, seg, cfg)
}

// focalAlpha is the fixed positive/negative balance used when focal loss is
// enabled from configuration.
const focalAlpha = 0.25

func reduce(elems *tensor.Dense, r Reduction) (float32, error) {
	data := elems.Data().([]float32)
	switch r {
	case ReduceSum, ReduceMean:
		var sum float64
		for _, v := range data {
			sum += float64(v)
		}
		if r == ReduceMean {
			if len(data) == 0 {
				return 0, errors.New("losses: mean reduction over empty tensor")
			}
			sum /= float64(len(data))
		}
		return float32(sum), nil
	default:
		return 0, errors.Errorf("losses: Forward requires a reduction, criterion configured with %q", r)
	}
}

func sameShape(nameA string, a *tensor.Dense, nameB string, b *tensor.Dense) error {
	if !a.Shape().Eq(b.Shape()) {
		return errors.Errorf("losses: %s shape %v does not match %s shape %v", nameA, a.Shape(), nameB, b.Shape())
	}
	return nil
}
