package losses

import (
	"math"
	"testing"
)

func TestFocalGammaZeroIsClassBalanceOnly(t *testing.T) {
	logits := tensorOf([]int{4}, []float32{1.5, -0.7, 0.2, -2.0})
	targets := tensorOf([]int{4}, []float32{1, 0, 1, 0})

	base := NewBCEWithLogits(1.0, ReduceNone)
	focal := NewFocal(base, 0.0, 0.5)

	baseOut, err := base.Elementwise(logits, targets)
	if err != nil {
		t.Fatal(err)
	}
	focalOut, err := focal.Elementwise(logits, targets)
	if err != nil {
		t.Fatal(err)
	}

	// With gamma 0 the modulating factor is 1 and only the alpha balance
	// remains, which is a uniform 0.5 at alpha = 0.5.
	b := baseOut.Data().([]float32)
	f := focalOut.Data().([]float32)
	for i := range b {
		if !floatEquals(f[i], 0.5*b[i], 1e-6) {
			t.Errorf("element %d: focal = %v; want 0.5 * base = %v", i, f[i], 0.5*b[i])
		}
	}
}

func TestFocalMatchesHandComputedFactor(t *testing.T) {
	tests := []struct {
		description string
		gamma       float32
		alpha       float32
		logit       float32
		target      float32
	}{
		{"default params positive", 1.5, 0.25, 0.8, 1},
		{"default params negative", 1.5, 0.25, 0.8, 0},
		{"hard example", 2.0, 0.25, -3.0, 1},
		{"hardness only", 2.0, 0.5, 1.2, 0},
	}
	base := NewBCEWithLogits(1.0, ReduceNone)
	for _, tt := range tests {
		focal := NewFocal(base, tt.gamma, tt.alpha)
		logits := tensorOf([]int{1}, []float32{tt.logit})
		targets := tensorOf([]int{1}, []float32{tt.target})

		baseOut, err := base.Elementwise(logits, targets)
		if err != nil {
			t.Fatalf("%s: %v", tt.description, err)
		}
		focalOut, err := focal.Elementwise(logits, targets)
		if err != nil {
			t.Fatalf("%s: %v", tt.description, err)
		}

		p := Sigmoid(tt.logit)
		pt := tt.target*p + (1-tt.target)*(1-p)
		factor := (tt.target*tt.alpha + (1-tt.target)*(1-tt.alpha)) *
			float32(math.Pow(float64(1-pt), float64(tt.gamma)))
		want := baseOut.Data().([]float32)[0] * factor
		got := focalOut.Data().([]float32)[0]
		if !floatEquals(got, want, 1e-6) {
			t.Errorf("%s: got %v; want %v", tt.description, got, want)
		}
	}
}

func TestFocalAdoptsBaseReduction(t *testing.T) {
	logits := tensorOf([]int{3}, []float32{0.5, -0.5, 1.0})
	targets := tensorOf([]int{3}, []float32{1, 0, 1})

	for _, r := range []Reduction{ReduceMean, ReduceSum} {
		base := NewBCEWithLogits(1.0, r)
		focal := NewFocal(base, 1.5, 0.25)
		if focal.Reduction() != r {
			t.Errorf("focal reduction = %v; want base's %v", focal.Reduction(), r)
		}
		// The base criterion is untouched by wrapping.
		if base.Reduction() != r {
			t.Errorf("base reduction mutated to %v", base.Reduction())
		}

		elems, err := focal.Elementwise(logits, targets)
		if err != nil {
			t.Fatal(err)
		}
		var sum float32
		for _, v := range elems.Data().([]float32) {
			sum += v
		}
		want := sum
		if r == ReduceMean {
			want = sum / 3
		}
		got, err := focal.Forward(logits, targets)
		if err != nil {
			t.Fatal(err)
		}
		if !floatEquals(got, want, 1e-6) {
			t.Errorf("reduction %v: Forward = %v; want %v", r, got, want)
		}
	}
}
