// ops_test.go - Unit Tests fuer elementweise Operationen, MatMul und Linear
//
// MatMul wird gegen die gorgonia-Tensor-Implementierung als Referenz
// geprueft, Linear gegen eine naive Schleifen-Rechnung.

package tensor

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	pdtensor "github.com/pdevine/tensor"
)

func randData(r *rand.Rand, n int) []float32 {
	d := make([]float32, n)
	for i := range d {
		d[i] = r.Float32()*2 - 1
	}
	return d
}

var approx = cmpopts.EquateApprox(1e-5, 1e-6)

// TestAddScaled testet Add, AddScaled und die Shape-Pruefung
func TestAddScaled(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	b := FromSlice([]float32{10, 20, 30, 40}, 2, 2)

	got := AddScaled(a, b, 0.5)
	want := []float32{6, 12, 18, 24}
	if diff := cmp.Diff(want, got.Data()); diff != "" {
		t.Errorf("AddScaled mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{11, 22, 33, 44}, Add(a, b).Data()); diff != "" {
		t.Errorf("Add mismatch (-want +got):\n%s", diff)
	}

	// Operanden bleiben unveraendert.
	if a.Data()[0] != 1 || b.Data()[0] != 10 {
		t.Error("AddScaled mutated an operand")
	}

	wantPanic(t, func() { Add(a, New(2, 3)) })
}

// TestMulScale testet Hadamard-Produkt und Skalierung
func TestMulScale(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3}, 3)
	b := FromSlice([]float32{4, 5, 6}, 3)

	if diff := cmp.Diff([]float32{4, 10, 18}, Mul(a, b).Data()); diff != "" {
		t.Errorf("Mul mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{2, 4, 6}, Scale(a, 2).Data()); diff != "" {
		t.Errorf("Scale mismatch (-want +got):\n%s", diff)
	}
	wantPanic(t, func() { Mul(a, New(2)) })
}

// TestMatMul prueft das BLAS-Matrixprodukt gegen die gorgonia-Referenz
func TestMatMul(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	cases := []struct{ m, k, n int }{
		{1, 1, 1},
		{2, 3, 4},
		{5, 7, 3},
		{8, 8, 8},
	}
	for _, tc := range cases {
		ad := randData(r, tc.m*tc.k)
		bd := randData(r, tc.k*tc.n)

		got := MatMul(FromSlice(ad, tc.m, tc.k), FromSlice(bd, tc.k, tc.n))

		ra := pdtensor.New(pdtensor.WithShape(tc.m, tc.k), pdtensor.WithBacking(append([]float32(nil), ad...)))
		rb := pdtensor.New(pdtensor.WithShape(tc.k, tc.n), pdtensor.WithBacking(append([]float32(nil), bd...)))
		ref, err := ra.MatMul(rb)
		if err != nil {
			t.Fatalf("reference MatMul: %v", err)
		}

		if diff := cmp.Diff(ref.Data().([]float32), got.Data(), approx); diff != "" {
			t.Errorf("MatMul %dx%dx%d mismatch (-want +got):\n%s", tc.m, tc.k, tc.n, diff)
		}
		if diff := cmp.Diff([]int{tc.m, tc.n}, got.Shape()); diff != "" {
			t.Errorf("MatMul shape mismatch (-want +got):\n%s", diff)
		}
	}

	wantPanic(t, func() { MatMul(New(2, 3), New(4, 5)) })
	wantPanic(t, func() { MatMul(New(2), New(2, 2)) })
}

// TestLinear prueft y = x W^T + b gegen eine naive Schleife
func TestLinear(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	rows, inF, outF := 3, 4, 5
	x := FromSlice(randData(r, rows*inF), rows, inF)
	w := FromSlice(randData(r, outF*inF), outF, inF)
	b := FromSlice(randData(r, outF), outF)

	want := make([]float32, rows*outF)
	for i := 0; i < rows; i++ {
		for o := 0; o < outF; o++ {
			sum := b.Data()[o]
			for j := 0; j < inF; j++ {
				sum += x.Data()[i*inF+j] * w.Data()[o*inF+j]
			}
			want[i*outF+o] = sum
		}
	}

	got := Linear(x, w, b)
	if diff := cmp.Diff(want, got.Data(), approx); diff != "" {
		t.Errorf("Linear mismatch (-want +got):\n%s", diff)
	}

	// Fuehrende Dimensionen bleiben erhalten.
	batched := Linear(x.Reshape(1, rows, inF), w, nil)
	if diff := cmp.Diff([]int{1, rows, outF}, batched.Shape()); diff != "" {
		t.Errorf("batched shape mismatch (-want +got):\n%s", diff)
	}

	wantPanic(t, func() { Linear(New(2, 3), New(5, 4), nil) })
	wantPanic(t, func() { Linear(x, w, New(outF+1)) })
}

// TestTranspose testet die 2-D-Transposition
func TestTranspose(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := Transpose(a)
	if diff := cmp.Diff([]int{3, 2}, got.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 4, 2, 5, 3, 6}, got.Data()); diff != "" {
		t.Errorf("Transpose mismatch (-want +got):\n%s", diff)
	}
	wantPanic(t, func() { Transpose(New(2)) })
}

// TestSoftmax testet Normierung und den symmetrischen Fall
func TestSoftmax(t *testing.T) {
	got := Softmax(FromSlice([]float32{0, 0, 1000, 1000}, 2, 2))
	if diff := cmp.Diff([]float32{0.5, 0.5, 0.5, 0.5}, got.Data(), approx); diff != "" {
		t.Errorf("Softmax mismatch (-want +got):\n%s", diff)
	}

	r := rand.New(rand.NewSource(3))
	x := FromSlice(randData(r, 4*7), 4, 7)
	s := Softmax(x)
	for row := 0; row < 4; row++ {
		var sum float32
		for _, v := range s.Data()[row*7 : (row+1)*7] {
			if v < 0 || v > 1 {
				t.Fatalf("softmax value %v outside [0,1]", v)
			}
			sum += v
		}
		if sum < 0.9999 || sum > 1.0001 {
			t.Errorf("row %d sums to %v, want 1", row, sum)
		}
	}
}

// TestActivations testet SiLU und GELU an bekannten Stuetzstellen
func TestActivations(t *testing.T) {
	x := FromSlice([]float32{0, 1, -1}, 3)

	silu := SiLU(x)
	if diff := cmp.Diff([]float32{0, 0.7310586, -0.26894143}, silu.Data(), approx); diff != "" {
		t.Errorf("SiLU mismatch (-want +got):\n%s", diff)
	}

	gelu := GELU(x)
	if diff := cmp.Diff([]float32{0, 0.841192, -0.158808}, gelu.Data(), approx); diff != "" {
		t.Errorf("GELU mismatch (-want +got):\n%s", diff)
	}
}
