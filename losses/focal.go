package losses

import (
	"math"

	"gorgonia.org/tensor"
)

// Focal rescales an elementwise binary loss so that easy, already-confident
// examples contribute less and the rarer class contributes more. It wraps any
// Criterion; the wrapped loss is always evaluated elementwise, and the
// reduction the base was configured with is applied here, at the end. Nothing
// on the base criterion is mutated.
type Focal struct {
	base      Criterion
	gamma     float32
	alpha     float32
	reduction Reduction
}

// NewFocal wraps base. gamma is the hardness exponent (0 disables the
// modulating factor), alpha the positive/negative balance (0.5 disables it).
// The wrapper adopts base's reduction as its own final reduction.
func NewFocal(base Criterion, gamma, alpha float32) *Focal {
	return &Focal{
		base:      base,
		gamma:     gamma,
		alpha:     alpha,
		reduction: base.Reduction(),
	}
}

func (f *Focal) Reduction() Reduction { return f.reduction }

// Elementwise multiplies the base loss per element by
// (t*alpha + (1-t)*(1-alpha)) * (1 - p_t)^gamma, where p_t is the probability
// the prediction assigns to the true class.
func (f *Focal) Elementwise(logits, targets *tensor.Dense) (*tensor.Dense, error) {
	elems, err := f.base.Elementwise(logits, targets)
	if err != nil {
		return nil, err
	}
	zs := logits.Data().([]float32)
	ts := targets.Data().([]float32)
	out := elems.Data().([]float32)
	for i := range out {
		p := Sigmoid(zs[i])
		t := ts[i]
		pt := t*p + (1-t)*(1-p)
		alphaFactor := t*f.alpha + (1-t)*(1-f.alpha)
		modulating := float32(math.Pow(float64(1-pt), float64(f.gamma)))
		out[i] *= alphaFactor * modulating
	}
	return elems, nil
}

func (f *Focal) Forward(logits, targets *tensor.Dense) (float32, error) {
	elems, err := f.Elementwise(logits, targets)
	if err != nil {
		return 0, err
	}
	return reduce(elems, f.reduction)
}
