package losses

import "math"

// Sigmoid maps a logit to a probability.
func Sigmoid(x float32) float32 {
	return 1 / (1 + float32(math.Exp(-float64(x))))
}

// softplusNeg computes log(1 + exp(-z)) without overflow for large |z|.
func softplusNeg(z float64) float64 {
	return math.Max(-z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
}

func clampMin(x, min float32) float32 {
	if x < min {
		return min
	}
	return x
}
