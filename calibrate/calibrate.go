/*Package calibrate determines and locks the exposure and focus settings a
camera will use for an entire scan, so that every captured frame shares
consistent photometry for downstream reconstruction.

The polling shape — a ticker driving repeated state reads until a target
condition or a bound is reached — is grounded on
andor/ext/thermalguard.Guardian.SaveMe, generalized from a one-directional
temperature ramp into a settle-then-confirm loop for autoexposure/
autofocus convergence.
*/
package calibrate

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fourdof/scanner/camera"
	"github.com/fourdof/scanner/scanerr"
)

// Illuminator is the subset of the flash array's behavior calibration
// needs: turning a named zone on for the duration of the procedure and
// off again afterward. Declaring it locally (rather than importing the
// flash package's concrete type) keeps calibrate usable in tests with a
// trivial fake and mirrors the small-capability-interface style used
// throughout the camera and motion packages.
type Illuminator interface {
	On(zone string, brightness float64) error
	Off(zone string) error
}

// CalibratedSettings is the locked configuration derived for one camera.
type CalibratedSettings struct {
	CameraID       string
	ExposureTimeUS int
	AnalogueGain   float64
	FocusPosition  float64
	Lux            float64
	CalibratedAt   time.Time
}

const (
	// SettleFrames is the number of preview frames drawn while AE/AWB
	// converge before the final reading is trusted.
	SettleFrames = 8
	// SettleFrameInterval is the spacing between settle-frame polls.
	SettleFrameInterval = 120 * time.Millisecond
	// AutofocusBound is the maximum time spent waiting for focus to
	// report converged before giving up and using the last reading
	// anyway (spec §4.5: 8-10s bound).
	AutofocusBound = 9 * time.Second
	// AutofocusPoll is the polling interval while waiting on focus.
	AutofocusPoll = 150 * time.Millisecond
	// DriftTolerance bounds how far a re-applied setting is allowed to
	// read back from what was requested before ApplyAndVerify fails.
	DriftTolerance = 0.05 // 5%
)

// Calibrate runs the exposure/focus convergence algorithm against one
// sensor and returns the locked settings. If lightingOn is true, zone is
// switched on for the full procedure (not just the final capture), since
// AE/AWB must converge against the same illumination the scan will use.
func Calibrate(sensor camera.Sensor, illum Illuminator, zone string, brightness float64, lightingOn bool) (CalibratedSettings, error) {
	if lightingOn && illum != nil && zone != "" {
		if err := illum.On(zone, brightness); err != nil {
			return CalibratedSettings{}, &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
		}
		defer illum.Off(zone)
	}

	if err := sensor.SetMode(camera.Capturing); err != nil {
		return CalibratedSettings{}, &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
	}
	if err := sensor.SetControls(camera.Controls{AutoExposure: true, AutoFocus: true}); err != nil {
		return CalibratedSettings{}, &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
	}

	if err := settleAEAWB(sensor); err != nil {
		return CalibratedSettings{}, err
	}
	if err := waitForFocus(sensor); err != nil {
		return CalibratedSettings{}, err
	}

	meta, err := sensor.ReadMetadata()
	if err != nil {
		return CalibratedSettings{}, &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
	}

	locked := camera.Controls{
		ExposureTimeUS: meta.ExposureTimeUS,
		AnalogueGain:   meta.AnalogueGain,
		FocusPosition:  meta.FocusPosition,
	}
	if err := sensor.SetControls(locked); err != nil {
		return CalibratedSettings{}, &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
	}

	return CalibratedSettings{
		CameraID:       sensor.ID(),
		ExposureTimeUS: meta.ExposureTimeUS,
		AnalogueGain:   meta.AnalogueGain,
		FocusPosition:  meta.FocusPosition,
		Lux:            meta.Lux,
		CalibratedAt:   time.Now(),
	}, nil
}

func settleAEAWB(sensor camera.Sensor) error {
	for i := 0; i < SettleFrames; i++ {
		if _, err := sensor.GrabPreview(); err != nil {
			return &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
		}
		time.Sleep(SettleFrameInterval)
	}
	return nil
}

// waitForFocus polls ReadMetadata until the reported focus position
// stabilizes (two consecutive reads within DriftTolerance of each other)
// or AutofocusBound elapses, in which case the last reading is accepted
// rather than treated as an error: a scan should still proceed with
// best-effort focus rather than abort outright.
func waitForFocus(sensor camera.Sensor) error {
	deadline := time.Now().Add(AutofocusBound)
	var last float64
	haveLast := false
	for time.Now().Before(deadline) {
		meta, err := sensor.ReadMetadata()
		if err != nil {
			return &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
		}
		if haveLast && withinTolerance(meta.FocusPosition, last, DriftTolerance) {
			return nil
		}
		last = meta.FocusPosition
		haveLast = true
		time.Sleep(AutofocusPoll)
	}
	return nil
}

func withinTolerance(got, want, tol float64) bool {
	if want == 0 {
		return got == 0
	}
	return math.Abs(got-want)/math.Abs(want) <= tol
}

// Store holds the most recently calibrated settings per camera, and can
// reapply and verify them against actual sensor readback — used after a
// mode switch back into Capturing to detect drift before trusting a
// capture.
type Store struct {
	mu       sync.RWMutex
	settings map[string]CalibratedSettings
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{settings: make(map[string]CalibratedSettings)}
}

// Snapshot records settings for later reapplication.
func (s *Store) Snapshot(settings CalibratedSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.CameraID] = settings
}

// Get returns the stored settings for cameraID, if any.
func (s *Store) Get(cameraID string) (CalibratedSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[cameraID]
	return v, ok
}

// ApplyAndVerify reapplies the stored settings for sensor.ID() and
// confirms the driver accepted them within DriftTolerance, returning a
// CameraError if no calibration has been recorded or the readback
// drifted too far from what was requested.
func (s *Store) ApplyAndVerify(sensor camera.Sensor) error {
	settings, ok := s.Get(sensor.ID())
	if !ok {
		return &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: fmt.Errorf("no calibration on file")}
	}
	want := camera.Controls{
		ExposureTimeUS: settings.ExposureTimeUS,
		AnalogueGain:   settings.AnalogueGain,
		FocusPosition:  settings.FocusPosition,
	}
	if err := sensor.SetControls(want); err != nil {
		return &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
	}
	meta, err := sensor.ReadMetadata()
	if err != nil {
		return &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: err}
	}
	if !withinTolerance(float64(meta.ExposureTimeUS), float64(settings.ExposureTimeUS), DriftTolerance) {
		return &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: fmt.Errorf("exposure drifted: want %dus got %dus", settings.ExposureTimeUS, meta.ExposureTimeUS)}
	}
	if settings.AnalogueGain > 0 && !withinTolerance(meta.AnalogueGain, settings.AnalogueGain, DriftTolerance) {
		return &scanerr.CameraError{CameraID: sensor.ID(), Stage: "calibration", Cause: fmt.Errorf("gain drifted: want %.3f got %.3f", settings.AnalogueGain, meta.AnalogueGain)}
	}
	return nil
}

// Synchronized runs Calibrate against every sensor concurrently with the
// shared illumination held on for the whole batch, used when cameras must
// see matching lighting conditions simultaneously. Independent runs each
// sensor's calibration serially with its own illumination window, used
// when zones are camera-specific and sequencing avoids cross-talk.
func Synchronized(sensors []camera.Sensor, illum Illuminator, zone string, brightness float64) ([]CalibratedSettings, error) {
	if illum != nil && zone != "" {
		if err := illum.On(zone, brightness); err != nil {
			return nil, err
		}
		defer illum.Off(zone)
	}

	type result struct {
		settings CalibratedSettings
		err      error
	}
	results := make([]result, len(sensors))
	var wg sync.WaitGroup
	for i, sensor := range sensors {
		wg.Add(1)
		go func(i int, sensor camera.Sensor) {
			defer wg.Done()
			settings, err := Calibrate(sensor, nil, "", 0, false)
			results[i] = result{settings: settings, err: err}
		}(i, sensor)
	}
	wg.Wait()

	out := make([]CalibratedSettings, len(sensors))
	for i, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		out[i] = r.settings
	}
	return out, nil
}

// Independent calibrates each sensor serially, each with its own zone and
// brightness, used when per-camera illumination differs.
func Independent(sensors []camera.Sensor, illum Illuminator, zones []string, brightness float64) ([]CalibratedSettings, error) {
	out := make([]CalibratedSettings, 0, len(sensors))
	for i, sensor := range sensors {
		zone := ""
		if i < len(zones) {
			zone = zones[i]
		}
		settings, err := Calibrate(sensor, illum, zone, brightness, zone != "")
		if err != nil {
			return nil, err
		}
		out = append(out, settings)
	}
	return out, nil
}
