package losses

import "github.com/pkg/errors"

// Config collects every knob the loss subsystem reads. It is a plain value:
// build it once, validate it once, and pass it into New. Nothing in the
// forward pass reads configuration from anywhere else.
type Config struct {
	// Positive-class weights for the three binary criteria. Values above 1
	// up-weight rare positives (foreground pixels, matched anchors).
	ClsPosWeight float32
	ObjPosWeight float32
	SegPosWeight float32

	// FocalGamma > 0 wraps the classification and objectness criteria with
	// focal reweighting. Zero disables focal loss entirely.
	FocalGamma float32

	// Per-term gain multipliers applied after per-scale accumulation.
	ClsGain float32
	ObjGain float32
	BoxGain float32
	SegGain float32

	// Lambdas weight the four heads: [cls, obj, box, seg]. All must be >= 0.
	Lambdas [4]float32

	// FreezeSeg zeroes the segmentation term while keeping it in the sum.
	FreezeSeg bool

	// AnchorThreshold is the max width/height ratio between a target box and
	// an anchor for the pair to be matched (both directions).
	AnchorThreshold float32
}

// DefaultConfig returns the tuned training defaults.
func DefaultConfig() Config {
	return Config{
		ClsPosWeight:    1.0,
		ObjPosWeight:    1.0,
		SegPosWeight:    1.0,
		FocalGamma:      0.0,
		ClsGain:         0.5,
		ObjGain:         1.0,
		BoxGain:         0.05,
		SegGain:         1.0,
		Lambdas:         [4]float32{1, 1, 1, 1},
		FreezeSeg:       false,
		AnchorThreshold: 4.0,
	}
}

// Validate fails fast on values that would silently corrupt training.
func (c Config) Validate() error {
	for i, lam := range c.Lambdas {
		if lam < 0 {
			return errors.Errorf("losses: lambda[%d] = %v, loss weights must be non-negative", i, lam)
		}
	}
	if c.FocalGamma < 0 {
		return errors.Errorf("losses: focal gamma = %v, must be >= 0", c.FocalGamma)
	}
	if c.AnchorThreshold <= 0 {
		return errors.Errorf("losses: anchor threshold = %v, must be > 0", c.AnchorThreshold)
	}
	return nil
}
