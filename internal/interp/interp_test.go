package interp

import (
	"testing"
	"time"
)

func TestMonotonicNonDecreasing(t *testing.T) {
	sleep := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)
	wake := time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC)
	temps := []float64{16, 20, 24, 28}

	var prev uint16
	var havePrev bool
	for m := 0; m <= 9*60; m += 10 {
		now := sleep.Add(time.Duration(m) * time.Minute)
		v, ok := CentiCelsius(temps, sleep, wake, now)
		if !ok {
			continue
		}
		if havePrev && v < prev {
			t.Fatalf("not monotonic at +%dmin: got %d after %d", m, v, prev)
		}
		prev, havePrev = v, true
	}
}

func TestSingleValueIsConstant(t *testing.T) {
	sleep := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)
	wake := time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC)
	v, ok := CentiCelsius([]float64{3.5}, sleep, wake, sleep.Add(3*time.Hour))
	if !ok || v != 350 {
		t.Fatalf("got (%d, %v), want (350, true)", v, ok)
	}
}

func TestOutsideWindowDisabled(t *testing.T) {
	sleep := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)
	wake := time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC)
	if _, ok := CentiCelsius([]float64{1, 2}, sleep, wake, sleep.Add(-time.Minute)); ok {
		t.Error("expected disabled before sleep")
	}
	if _, ok := CentiCelsius([]float64{1, 2}, sleep, wake, wake); ok {
		t.Error("expected disabled at wake")
	}
}

func TestCentiSaturates(t *testing.T) {
	cases := []struct {
		celsius float64
		want    uint16
	}{
		{36, 3600},
		{-5, 0},
		{700, 65535},
	}
	for _, c := range cases {
		if got := Centi(c.celsius); got != c.want {
			t.Errorf("Centi(%v) = %d, want %d", c.celsius, got, c.want)
		}
	}
}
