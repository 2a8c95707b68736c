/*Package pattern turns a small set of scan parameters into an ordered
list of scan points. Spacing/angle arithmetic is kept to simple rounding
via mathx-style helpers rather than a general computational geometry
dependency, matching the scale of math the teacher's own mathx package
performs — a handful of Round calls, not a vector library.
*/
package pattern

import (
	"fmt"
	"math"

	"github.com/fourdof/scanner/config"
)

// Point is one generated scan position with its dwell and optional
// per-point overrides.
type Point struct {
	Position     config.Position4D
	DwellMS      int
	CameraID     string // empty means "apply to all configured cameras"
	FlashZone    string // empty means "use the session default zone"
	FlashBright  float64
}

// round mirrors mathx.Round: nearest multiple of unit.
func round(x, unit float64) float64 {
	if unit == 0 {
		return x
	}
	return math.Round(x/unit) * unit
}

// GridParams configures an axis-aligned raster pattern.
type GridParams struct {
	XMin, XMax float64
	YMin, YMax float64
	Z, C       float64

	// Spacing is used directly if nonzero.
	Spacing float64

	// OverlapPercent and WorkingDistanceMM compute spacing from desired
	// image overlap at the mean working distance when Spacing is zero:
	// spacing = working_distance * fov_fraction * (1 - overlap/100).
	OverlapPercent    float64
	WorkingDistanceMM float64
	SensorFOVFraction float64 // fraction of working distance the sensor's FOV spans; default 1.0

	Zigzag  bool
	DwellMS int
}

func (p GridParams) resolveSpacing() (float64, error) {
	if p.Spacing > 0 {
		return p.Spacing, nil
	}
	if p.WorkingDistanceMM <= 0 || p.OverlapPercent < 0 || p.OverlapPercent >= 100 {
		return 0, fmt.Errorf("pattern: grid requires either spacing or working_distance+overlap_percent")
	}
	fov := p.SensorFOVFraction
	if fov <= 0 {
		fov = 1.0
	}
	spacing := p.WorkingDistanceMM * fov * (1 - p.OverlapPercent/100)
	if spacing <= 0 {
		return 0, fmt.Errorf("pattern: computed grid spacing is non-positive")
	}
	return spacing, nil
}

// Grid produces a raster of points across [XMin,XMax]x[YMin,YMax] at Z,C,
// with rows alternating direction when Zigzag is set.
func Grid(p GridParams) ([]Point, error) {
	spacing, err := p.resolveSpacing()
	if err != nil {
		return nil, err
	}

	var xs, ys []float64
	for x := p.XMin; x <= p.XMax+1e-9; x += spacing {
		xs = append(xs, round(x, 1e-6))
	}
	for y := p.YMin; y <= p.YMax+1e-9; y += spacing {
		ys = append(ys, round(y, 1e-6))
	}
	if len(xs) == 0 || len(ys) == 0 {
		return nil, fmt.Errorf("pattern: grid range produced no rows/columns")
	}

	var points []Point
	for rowIdx, y := range ys {
		row := xs
		if p.Zigzag && rowIdx%2 == 1 {
			row = reversed(xs)
		}
		for _, x := range row {
			points = append(points, Point{
				Position: config.Position4D{X: x, Y: y, Z: p.Z, C: p.C},
				DwellMS:  p.DwellMS,
			})
		}
	}
	return points, nil
}

func reversed(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// CylindricalParams configures a fixed-radius vertical sweep with
// turntable rotation. YValues takes precedence over YMin/YMax/YStep when
// non-empty, letting a caller specify an explicit, possibly irregular
// sweep.
type CylindricalParams struct {
	Radius float64

	YValues          []float64
	YMin, YMax, YStep float64

	ZRotations []float64 // turntable angles, degrees

	// FocusHeightY, if FocusServo is true, is the Y value the C servo is
	// aimed at via atan2(FocusHeightY-y, Radius); otherwise C is fixed
	// at FixedC.
	FocusServo   bool
	FocusHeightY float64
	FixedC       float64

	DwellMS int
}

func (p CylindricalParams) resolveYValues() ([]float64, error) {
	if len(p.YValues) > 0 {
		return p.YValues, nil
	}
	if p.YStep <= 0 {
		return nil, fmt.Errorf("pattern: cylindrical requires y_values or a positive y_step")
	}
	var ys []float64
	for y := p.YMin; y <= p.YMax+1e-9; y += p.YStep {
		ys = append(ys, round(y, 1e-6))
	}
	return ys, nil
}

// Cylindrical sweeps Y at a fixed camera radius, rotating the turntable
// through ZRotations at each height; the camera tilt servo C optionally
// tracks a fixed focus height so the subject stays centered in frame as
// the rig moves vertically.
func Cylindrical(p CylindricalParams) ([]Point, error) {
	ys, err := p.resolveYValues()
	if err != nil {
		return nil, err
	}
	if len(p.ZRotations) == 0 {
		return nil, fmt.Errorf("pattern: cylindrical requires at least one z rotation")
	}

	var points []Point
	for _, z := range p.ZRotations {
		for _, y := range ys {
			c := p.FixedC
			if p.FocusServo {
				c = round(radToDeg(math.Atan2(p.FocusHeightY-y, p.Radius)), 0.01)
			}
			points = append(points, Point{
				Position: config.Position4D{X: p.Radius, Y: y, Z: z, C: c},
				DwellMS:  p.DwellMS,
			})
		}
	}
	return points, nil
}

// SphericalParams configures a radius-and-angle pattern: the turntable
// supplies azimuth (ZAngles) while the rig travels along a vertical arc
// of the given Radius for each elevation angle in CAngles, with the
// tilt servo matched to the elevation so the camera always points back at
// the rig's center of rotation.
type SphericalParams struct {
	Radius   float64
	ZAngles  []float64
	CAngles  []float64
	DwellMS  int
}

// Spherical derives each point's X,Y from Radius and the elevation angle,
// Z from the requested turntable azimuth, and C from the elevation angle
// directly (the servo tilt that keeps the lens aimed at the rotation
// center from that point on the arc).
func Spherical(p SphericalParams) ([]Point, error) {
	if p.Radius <= 0 {
		return nil, fmt.Errorf("pattern: spherical requires a positive radius")
	}
	if len(p.ZAngles) == 0 || len(p.CAngles) == 0 {
		return nil, fmt.Errorf("pattern: spherical requires at least one z angle and one c angle")
	}

	var points []Point
	for _, z := range p.ZAngles {
		for _, c := range p.CAngles {
			rad := degToRad(c)
			x := round(p.Radius*math.Cos(rad), 1e-6)
			y := round(p.Radius*math.Sin(rad), 1e-6)
			points = append(points, Point{
				Position: config.Position4D{X: x, Y: y, Z: z, C: c},
				DwellMS:  p.DwellMS,
			})
		}
	}
	return points, nil
}

func radToDeg(r float64) float64 { return r * 180 / math.Pi }
func degToRad(d float64) float64 { return d * math.Pi / 180 }

// Validate drops any point whose position falls outside limits inset by
// safetyMargin on both ends (Validate applies the inset itself), returning the
// retained points and a list of human-readable warnings for each drop.
// Points are never silently clamped, per spec §4.7: a rejected point is
// reported, not adjusted.
func Validate(points []Point, limits map[string]config.AxisLimits, safetyMargin float64) ([]Point, []string) {
	var kept []Point
	var warnings []string
	check := func(axis string, v float64) (bool, string) {
		lim, ok := limits[axis]
		if !ok {
			return true, ""
		}
		min := lim.Min + safetyMargin
		max := lim.Max - safetyMargin
		if v < min || v > max {
			return false, fmt.Sprintf("axis %s value %.3f outside [%.3f, %.3f]", axis, v, min, max)
		}
		return true, ""
	}
	for i, pt := range points {
		ok := true
		var reason string
		for _, axis := range []struct {
			name string
			v    float64
		}{{"x", pt.Position.X}, {"y", pt.Position.Y}, {"z", pt.Position.Z}, {"c", pt.Position.C}} {
			if good, why := check(axis.name, axis.v); !good {
				ok = false
				reason = why
				break
			}
		}
		if ok {
			kept = append(kept, pt)
		} else {
			warnings = append(warnings, fmt.Sprintf("point %d dropped: %s", i, reason))
		}
	}
	return kept, warnings
}
