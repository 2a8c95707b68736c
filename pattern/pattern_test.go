package pattern_test

import (
	"math"
	"testing"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/pattern"
)

func TestGridTwoByTwo(t *testing.T) {
	points, err := pattern.Grid(pattern.GridParams{
		XMin: 0, XMax: 50,
		YMin: 0, YMax: 50,
		Spacing: 50,
	})
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if len(points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(points))
	}
	first := points[0].Position
	if first != (config.Position4D{X: 0, Y: 0, Z: 0, C: 0}) {
		t.Fatalf("expected first point at origin, got %+v", first)
	}
}

func TestGridZigzagReversesAlternateRows(t *testing.T) {
	points, err := pattern.Grid(pattern.GridParams{
		XMin: 0, XMax: 20,
		YMin: 0, YMax: 10,
		Spacing: 10,
		Zigzag:  true,
	})
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	// row 0 (y=0): x ascending 0,10,20; row 1 (y=10): x descending 20,10,0
	if points[0].Position.X != 0 || points[2].Position.X != 20 {
		t.Fatalf("expected row 0 ascending, got %+v", points[:3])
	}
	if points[3].Position.X != 20 || points[5].Position.X != 0 {
		t.Fatalf("expected row 1 descending (zigzag), got %+v", points[3:6])
	}
}

func TestCylindricalFocusServoAngles(t *testing.T) {
	points, err := pattern.Cylindrical(pattern.CylindricalParams{
		Radius:       100,
		YValues:      []float64{50, 100, 150},
		ZRotations:   []float64{0, 180},
		FocusServo:   true,
		FocusHeightY: 100,
	})
	if err != nil {
		t.Fatalf("cylindrical: %v", err)
	}
	if len(points) != 6 {
		t.Fatalf("expected 6 points, got %d", len(points))
	}

	want := map[float64]float64{50: 26.57, 100: 0, 150: -26.57}
	for _, p := range points {
		expected := want[p.Position.Y]
		if math.Abs(p.Position.C-expected) > 0.01 {
			t.Fatalf("y=%.0f: expected c≈%.2f, got %.4f", p.Position.Y, expected, p.Position.C)
		}
	}
}

func TestValidateDropsOutOfLimitPointsWithoutClamping(t *testing.T) {
	points := []pattern.Point{
		{Position: config.Position4D{X: 10, Y: 10}},
		{Position: config.Position4D{X: 999, Y: 10}},
	}
	limits := map[string]config.AxisLimits{
		"x": {Min: 0, Max: 100},
		"y": {Min: 0, Max: 100},
	}
	kept, warnings := pattern.Validate(points, limits, 5)
	if len(kept) != 1 {
		t.Fatalf("expected 1 kept point, got %d", len(kept))
	}
	if kept[0].Position.X != 10 {
		t.Fatalf("expected the in-range point retained unmodified, got %+v", kept[0])
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning for the dropped point, got %v", warnings)
	}
}

func TestSphericalDerivesXYFromRadiusAndElevation(t *testing.T) {
	points, err := pattern.Spherical(pattern.SphericalParams{
		Radius:  100,
		ZAngles: []float64{0, 90},
		CAngles: []float64{0},
	})
	if err != nil {
		t.Fatalf("spherical: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}
	if math.Abs(points[0].Position.X-100) > 1e-6 || math.Abs(points[0].Position.Y) > 1e-6 {
		t.Fatalf("expected (100,0) at elevation 0, got (%.4f,%.4f)", points[0].Position.X, points[0].Position.Y)
	}
}
