package compare

import (
	"errors"
	"math"
	"testing"
)

func TestMaxError(t *testing.T) {
	tests := []struct {
		name      string
		test, ref []float32
		wantErr   float64
		wantIndex int
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0, 0},
		{"single difference", []float32{1, 2.5, 3}, []float32{1, 2, 3}, 0.5, 1},
		{"negative difference", []float32{1, 2, -1}, []float32{1, 2, 3}, 4, 2},
		{"first index wins ties", []float32{2, 0, 2}, []float32{1, 0, 1}, 1, 0},
		{"empty", nil, nil, 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := MaxError(tt.test, tt.ref)
			if err != nil {
				t.Fatalf("MaxError: %v", err)
			}
			if r.MaxError != tt.wantErr || r.Index != tt.wantIndex {
				t.Errorf("MaxError = %v at %d, want %v at %d", r.MaxError, r.Index, tt.wantErr, tt.wantIndex)
			}
			if r.Index >= 0 && (r.Test != tt.test[r.Index] || r.Ref != tt.ref[r.Index]) {
				t.Errorf("values = %v, %v, want %v, %v", r.Test, r.Ref, tt.test[r.Index], tt.ref[r.Index])
			}
		})
	}
}

func TestMaxErrorLengthMismatch(t *testing.T) {
	_, err := MaxError(make([]float32, 3), make([]float32, 4))
	if !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("MaxError = %v, want ErrLengthMismatch", err)
	}
}

func TestMaxErrorNaN(t *testing.T) {
	nan := float32(math.NaN())
	r, err := MaxError([]float32{1, nan, 5}, []float32{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if r.Index != 1 || !math.IsInf(r.MaxError, 1) {
		t.Errorf("NaN difference = %v at %d, want +Inf at 1", r.MaxError, r.Index)
	}
	if r.Within(1e-4) {
		t.Error("NaN difference should not be within tolerance")
	}
}

func TestWithin(t *testing.T) {
	tests := []struct {
		name      string
		test, ref []float32
		tol       float64
		want      bool
	}{
		{"exact", []float32{1, -2}, []float32{1, -2}, 0, true},
		{"within relative", []float32{100.005, 0}, []float32{100, 0}, 1e-4, true},
		{"outside relative", []float32{100.1, 0}, []float32{100, 0}, 1e-4, false},
		{"zero reference exact", []float32{0, 0}, []float32{0, 0}, 0, true},
		{"zero reference differs", []float32{0, 1e-9}, []float32{0, 0}, 1e-4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := MaxError(tt.test, tt.ref)
			if err != nil {
				t.Fatal(err)
			}
			if got := r.Within(tt.tol); got != tt.want {
				t.Errorf("Within(%g) = %v (relative %g), want %v", tt.tol, got, r.Relative(), tt.want)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	r := Report{Index: 13}
	if x, y := r.Location(5); x != 3 || y != 2 {
		t.Errorf("Location(5) = (%d, %d), want (3, 2)", x, y)
	}
	if x, y := (Report{Index: -1}).Location(5); x != -1 || y != -1 {
		t.Errorf("empty Location = (%d, %d), want (-1, -1)", x, y)
	}
}
