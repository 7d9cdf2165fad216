package tensor

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestMatMul(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromData([]float32{7, 8, 9, 10, 11, 12}, 3, 2)

	got := MatMul(a, b)

	want := []float32{58, 64, 139, 154}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Errorf("MatMul mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 2}, got.Shape); diff != "" {
		t.Errorf("MatMul shape mismatch (-want +got):\n%s", diff)
	}
}

func TestLinearKeepsLeadingDims(t *testing.T) {
	x := FromData([]float32{1, 0, 0, 1, 1, 1, 2, 2}, 2, 2, 2)
	w := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	got := Linear(x, w)

	if diff := cmp.Diff([]int{2, 2, 3}, got.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	want := []float32{1, 2, 3, 4, 5, 6, 5, 7, 9, 10, 14, 18}
	if diff := cmp.Diff(want, got.Data); diff != "" {
		t.Errorf("Linear mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	x := []float32{0, float32(math.Log(3)), 1, 1}
	got := make([]float32, 4)

	softmaxRow(x[:2], got[:2])
	softmaxRow(x[2:], got[2:])

	want := []float32{0.25, 0.75, 0.5, 0.5}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("Softmax mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmaxFullyMaskedRow(t *testing.T) {
	negInf := float32(math.Inf(-1))
	x := []float32{negInf, negInf, negInf, 0, negInf, 0}
	got := make([]float32, 6)

	softmaxRow(x[:3], got[:3])
	softmaxRow(x[3:], got[3:])

	want := []float32{0, 0, 0, 0.5, 0, 0.5}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("Softmax mismatch (-want +got):\n%s", diff)
	}
	for i, v := range got {
		if math.IsNaN(float64(v)) {
			t.Fatalf("Expected no NaN, got NaN at %d", i)
		}
	}
}

func TestRMSNorm(t *testing.T) {
	x := FromData([]float32{3, 4}, 1, 2)
	w := FromData([]float32{1, 2}, 2)

	got := RMSNorm(x, w, 0)

	// rms = sqrt((9+16)/2)
	rms := float32(math.Sqrt(12.5))
	want := []float32{3 / rms, 8 / rms}
	if diff := cmp.Diff(want, got.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("RMSNorm mismatch (-want +got):\n%s", diff)
	}
}

func TestSiLU(t *testing.T) {
	got := SiLU(FromData([]float32{0, 1, -1}, 3))

	sig := float32(1 / (1 + math.Exp(-1)))
	want := []float32{0, sig, -(1 - sig)}
	if diff := cmp.Diff(want, got.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("SiLU mismatch (-want +got):\n%s", diff)
	}
}

func TestReshapeSharesData(t *testing.T) {
	x := NewTensor(2, 3)
	y := x.Reshape(3, 2)
	y.Set(7, 2, 1)

	if x.At(1, 2) != 7 {
		t.Errorf("Expected reshape to share storage, got %v", x.At(1, 2))
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic on size mismatch")
		}
	}()
	x.Reshape(4, 2)
}

func TestSliceFirstDim(t *testing.T) {
	x := FromData([]float32{1, 2, 3, 4, 5, 6}, 3, 2)

	got := x.Slice(1, 3)

	if diff := cmp.Diff([]int{2, 2}, got.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{3, 4, 5, 6}, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

