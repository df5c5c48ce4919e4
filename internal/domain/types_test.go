package domain

import (
	"math"
	"testing"
	"testing/quick"
)

func TestClampBounds(t *testing.T) {
	if got := Clamp01(1.4); got != 1 {
		t.Fatalf("Clamp01(1.4) = %v", got)
	}
	if got := Clamp01(-0.2); got != 0 {
		t.Fatalf("Clamp01(-0.2) = %v", got)
	}
	if got := ClampUnit(-2); got != -1 {
		t.Fatalf("ClampUnit(-2) = %v", got)
	}
	if got := ClampUnit(float32(math.NaN())); got != -1 {
		t.Fatalf("ClampUnit(NaN) = %v", got)
	}
	if got := Clamp01(float32(math.Inf(1))); got != 1 {
		t.Fatalf("Clamp01(+Inf) = %v", got)
	}
}

func TestClampAlwaysInRange(t *testing.T) {
	f := func(bits uint32) bool {
		v := math.Float32frombits(bits)
		a := Clamp01(v)
		b := ClampUnit(v)
		return a >= 0 && a <= 1 && b >= -1 && b <= 1
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 5000}); err != nil {
		t.Fatalf("clamp property failed: %v", err)
	}
}
