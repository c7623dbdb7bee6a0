package boxes

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func almost(a, b, tol float64) bool {
	return math.Abs(a-b) < tol
}

func box(cx, cy, w, h float64) []float64 {
	return []float64{cx, cy, w, h}
}

func TestIdenticalBoxes(t *testing.T) {
	b := mat.NewDense(1, 4, box(1, 1, 2, 2))
	iou, err := IoU(b, b)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(iou.AtVec(0), 1, 1e-6) {
		t.Errorf("IoU of identical boxes = %v; want 1", iou.AtVec(0))
	}
	ciou, err := CIoU(b, b)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(ciou.AtVec(0), 1, 1e-6) {
		t.Errorf("CIoU of identical boxes = %v; want 1", ciou.AtVec(0))
	}
}

func TestKnownOverlap(t *testing.T) {
	// corners (0,0,2,2) vs (1,1,3,3): intersection 1, union 7.
	b1 := mat.NewDense(1, 4, box(1, 1, 2, 2))
	b2 := mat.NewDense(1, 4, box(2, 2, 2, 2))

	iou, err := IoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(iou.AtVec(0), 1.0/7, 1e-6) {
		t.Errorf("IoU = %v; want %v", iou.AtVec(0), 1.0/7)
	}

	giou, err := GIoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	// enclosing box is 3x3 = 9: giou = 1/7 - (9-7)/9.
	if !almost(giou.AtVec(0), 1.0/7-2.0/9, 1e-6) {
		t.Errorf("GIoU = %v; want %v", giou.AtVec(0), 1.0/7-2.0/9)
	}

	diou, err := DIoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	// center distance^2 = 2, enclosing diagonal^2 = 18.
	if !almost(diou.AtVec(0), 1.0/7-2.0/18, 1e-6) {
		t.Errorf("DIoU = %v; want %v", diou.AtVec(0), 1.0/7-2.0/18)
	}

	// Same aspect ratio: the CIoU aspect penalty vanishes.
	ciou, err := CIoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(ciou.AtVec(0), diou.AtVec(0), 1e-6) {
		t.Errorf("CIoU = %v; want DIoU %v for equal aspect ratios", ciou.AtVec(0), diou.AtVec(0))
	}
}

func TestAspectPenalty(t *testing.T) {
	b1 := mat.NewDense(1, 4, box(1, 1, 2, 2))
	b2 := mat.NewDense(1, 4, box(1, 1, 4, 1))

	diou, err := DIoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	ciou, err := CIoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	if !(ciou.AtVec(0) < diou.AtVec(0)) {
		t.Errorf("CIoU %v should be below DIoU %v when aspect ratios differ", ciou.AtVec(0), diou.AtVec(0))
	}
}

func TestDisjointBoxes(t *testing.T) {
	b1 := mat.NewDense(1, 4, box(0.5, 0.5, 1, 1))
	b2 := mat.NewDense(1, 4, box(5, 0.5, 1, 1))

	iou, err := IoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	if iou.AtVec(0) != 0 {
		t.Errorf("IoU of disjoint boxes = %v; want 0", iou.AtVec(0))
	}
	for name, fn := range map[string]func(a, b *mat.Dense) (*mat.VecDense, error){
		"GIoU": GIoU, "DIoU": DIoU, "CIoU": CIoU,
	} {
		v, err := fn(b1, b2)
		if err != nil {
			t.Fatal(err)
		}
		if v.AtVec(0) >= 0 {
			t.Errorf("%s of disjoint boxes = %v; want negative", name, v.AtVec(0))
		}
	}
}

func TestElementwiseOverRows(t *testing.T) {
	b1 := mat.NewDense(2, 4, append(box(1, 1, 2, 2), box(1, 1, 2, 2)...))
	b2 := mat.NewDense(2, 4, append(box(1, 1, 2, 2), box(5, 5, 2, 2)...))
	iou, err := IoU(b1, b2)
	if err != nil {
		t.Fatal(err)
	}
	if !almost(iou.AtVec(0), 1, 1e-6) || iou.AtVec(1) != 0 {
		t.Errorf("rowwise IoU = (%v, %v); want (1, 0)", iou.AtVec(0), iou.AtVec(1))
	}
}

func TestShapeErrors(t *testing.T) {
	b1 := mat.NewDense(1, 4, box(1, 1, 2, 2))
	b2 := mat.NewDense(2, 4, append(box(1, 1, 2, 2), box(5, 5, 2, 2)...))
	if _, err := IoU(b1, b2); err == nil {
		t.Error("expected error for mismatched row counts")
	}
	b3 := mat.NewDense(1, 3, []float64{1, 1, 2})
	if _, err := IoU(b3, b3); err == nil {
		t.Error("expected error for non 4-column boxes")
	}
}
