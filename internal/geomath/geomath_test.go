package geomath

import (
	"math"
	"testing"
)

func TestDistanceZero(t *testing.T) {
	if d := Distance(0, 0, 0, 0); d != 0 {
		t.Errorf("Distance(0,0,0,0) = %v, want 0", d)
	}
	if d := Distance(40.7128, -74.0060, 40.7128, -74.0060); d != 0 {
		t.Errorf("distance between identical points = %v, want 0", d)
	}
}

func TestDistanceNYCToLondon(t *testing.T) {
	// NYC to London, approximately 5570 km great-circle.
	d := Distance(40.7128, -74.0060, 51.5074, -0.1278)

	const want = 5570.0
	if math.Abs(d-want)/want > 0.01 {
		t.Errorf("NYC-London distance = %v km, want %v ±1%%", d, want)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Distance(40.7128, -74.0060, 51.5074, -0.1278)
	b := Distance(51.5074, -0.1278, 40.7128, -74.0060)

	if math.Abs(a-b) > 1e-9 {
		t.Errorf("distance not symmetric: %v vs %v", a, b)
	}
}

func TestDistanceShortHop(t *testing.T) {
	// One degree of latitude is about 111 km.
	d := Distance(10.0, 20.0, 11.0, 20.0)
	if d < 110 || d > 112 {
		t.Errorf("one-degree latitude hop = %v km, want ~111", d)
	}
}

func TestDistanceNaNPropagation(t *testing.T) {
	if d := Distance(math.NaN(), 0, 0, 0); !math.IsNaN(d) {
		t.Errorf("expected NaN for NaN input, got %v", d)
	}
}

func TestImpliedSpeed(t *testing.T) {
	cases := []struct {
		distanceKm     float64
		elapsedMinutes float64
		want           float64
	}{
		{1, 1, 60},         // 1 km in 1 minute = 60 km/h
		{1000, 1, 60000},   // clearly impossible travel
		{100, 60, 100},     // 100 km in an hour
		{0, 30, 0},         // no movement
		{250, 120, 125},    // fractional hours
	}

	for _, tc := range cases {
		got := ImpliedSpeed(tc.distanceKm, tc.elapsedMinutes)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("ImpliedSpeed(%v, %v) = %v, want %v", tc.distanceKm, tc.elapsedMinutes, got, tc.want)
		}
	}
}
