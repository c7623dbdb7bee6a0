package main

import (
	"log/slog"
	"math/rand"
	"os"

	"gorgonia.org/tensor"

	"drivenet/losses"
)

const (
	Batch          = 2
	NumClasses     = 13
	AnchorsPerCell = 3
	SegSize        = 64
)

// Grid sizes for the three detection scales, coarse to fine stride.
var grids = []int{32, 16, 8}

func randLogits(rng *rand.Rand, shape ...int) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(data))
}

func syntheticBatch(rng *rand.Rand) (losses.Predictions, losses.Targets) {
	det := make([]*tensor.Dense, len(grids))
	for i, g := range grids {
		det[i] = randLogits(rng, Batch, AnchorsPerCell, g, g, 5+NumClasses)
	}
	preds := losses.Predictions{
		Det: det,
		Seg: randLogits(rng, Batch, SegSize, SegSize),
	}

	// A car-sized and a sign-sized box, one per image.
	boxes := []float32{
		0, 2, 0.42, 0.61, 0.18, 0.12,
		1, 9, 0.71, 0.33, 0.05, 0.08,
	}
	mask := make([]float32, Batch*SegSize*SegSize)
	for i := range mask {
		if rng.Float64() < 0.3 {
			mask[i] = 1
		}
	}
	targets := losses.Targets{
		Det: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(2, 6), tensor.WithBacking(boxes)),
		Seg: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(Batch, SegSize, SegSize), tensor.WithBacking(mask)),
	}
	return preds, targets
}

func head() losses.Head {
	// Anchor pixel sizes per scale divided by the scale's stride.
	px := [][]float32{
		{3, 9, 5, 11, 4, 20},
		{7, 18, 6, 39, 12, 31},
		{19, 50, 38, 81, 68, 157},
	}
	strides := []float32{8, 16, 32}
	anchors := make([][]losses.Anchor, len(px))
	for i, row := range px {
		for j := 0; j < len(row); j += 2 {
			anchors[i] = append(anchors[i], losses.Anchor{W: row[j] / strides[i], H: row[j+1] / strides[i]})
		}
	}
	return losses.Head{Anchors: anchors}
}

func main() {
	cfg := losses.DefaultConfig()
	criterion, err := losses.New(cfg)
	if err != nil {
		slog.Error("building criterion", "error", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(42))
	preds, targets := syntheticBatch(rng)
	mp := losses.ModelParams{IoURatio: 1.0, NumClasses: NumClasses, Head: head()}

	total, bd, err := criterion.Forward(preds, targets, mp)
	if err != nil {
		slog.Error("forward pass", "error", err)
		os.Exit(1)
	}
	slog.Info("composite loss",
		"total", total,
		"box", bd.Box,
		"obj", bd.Obj,
		"cls", bd.Cls,
		"seg", bd.Seg,
	)
}
