/*Package orchestrator drives the top-level scan sequence: validate and
generate a pattern, persist its positions, home and move the rig, run the
one-time calibration, capture and store a frame at every point, and
checkpoint progress along the way.

The busy-gate/execution-algorithm/failure-policy shape mirrors
server.Server's top-level request handlers in the teacher codebase (one
exported method per operation, guarded by a coarse status check before any
work begins), generalized from an HTTP handler set to the scan lifecycle
operations this package exposes.
*/
package orchestrator

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"sync"
	"time"

	"github.com/fourdof/scanner/calibrate"
	"github.com/fourdof/scanner/camera"
	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/fluidnc"
	"github.com/fourdof/scanner/flash"
	"github.com/fourdof/scanner/imaging"
	"github.com/fourdof/scanner/pattern"
	"github.com/fourdof/scanner/scanerr"
	"github.com/fourdof/scanner/scanstate"
	"github.com/fourdof/scanner/storage"
)

// DwellSettleDefault is the inter-point post-move settling delay applied
// when a point carries no explicit DwellMS and neither the active speed
// profile nor the config's DwellDefaultMS sets one, per spec §5's 2.0s
// default.
const DwellSettleDefault = 2000 * time.Millisecond

// PatternRequest names the kind of pattern to generate and carries every
// parameter set; exactly one of Grid/Cylindrical/Spherical should be
// populated, selected by Kind.
type PatternRequest struct {
	Kind         string // "grid", "cylindrical", "spherical"
	Grid         pattern.GridParams
	Cylindrical  pattern.CylindricalParams
	Spherical    pattern.SphericalParams
}

func (r PatternRequest) generate() ([]pattern.Point, error) {
	switch r.Kind {
	case "grid":
		return pattern.Grid(r.Grid)
	case "cylindrical":
		return pattern.Cylindrical(r.Cylindrical)
	case "spherical":
		return pattern.Spherical(r.Spherical)
	default:
		return nil, fmt.Errorf("orchestrator: unknown pattern kind %q", r.Kind)
	}
}

// StartScanRequest is the full input to start_scan.
type StartScanRequest struct {
	Pattern          PatternRequest
	OutputDir        string
	ScanID           string
	Params           map[string]string
	HomingConfirmed  bool
	DefaultFlashZone string
	DefaultBrightness float64
	LightingEnabled  bool
}

// Orchestrator wires the motion controller, camera sensors, flash array,
// calibrator, and storage layer together into the single scan sequence
// described in spec §4.10.
type Orchestrator struct {
	cfg     config.Config
	motion  *fluidnc.Controller
	cameras []camera.Sensor
	flash   *flash.Array
	store   *calibrate.Store

	mu          sync.Mutex
	currentScan *scanstate.Machine
	homingInProgress bool

	activeQuality *config.QualityProfile
	activeSpeed   *config.SpeedProfile
}

// New constructs an Orchestrator. Initialize must be called before
// StartScan.
func New(cfg config.Config, motion *fluidnc.Controller, cameras []camera.Sensor, flashArray *flash.Array) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		motion:  motion,
		cameras: cameras,
		flash:   flashArray,
		store:   calibrate.NewStore(),
	}
}

// Initialize brings up motion, cameras, and lighting, and performs a
// basic health check of each.
func (o *Orchestrator) Initialize() error {
	if err := o.motion.Initialize(); err != nil {
		return err
	}
	for _, cam := range o.cameras {
		if err := cam.Initialize(); err != nil {
			return &scanerr.CameraError{CameraID: cam.ID(), Stage: "configuration", Cause: err}
		}
		if err := cam.SetMode(camera.Streaming); err != nil {
			return &scanerr.CameraError{CameraID: cam.ID(), Stage: "configuration", Cause: err}
		}
	}
	return nil
}

// ApplyProfiles resolves a named quality profile and speed profile and
// actually applies them: the quality profile's exposure preference onto
// every camera (its JPEG quality is read back at capture-encode time, see
// encodeFrame; its Width/Height are not applied), the speed profile's
// acceleration factor onto the motion controller, and its feedrate
// multiplier and settling delay to this orchestrator's later moves (see
// defaultFeedrate and settlingDelay). Either name may be empty to leave
// that half unchanged.
func (o *Orchestrator) ApplyProfiles(qualityName, speedName string) error {
	if qualityName != "" {
		q, ok := o.cfg.QualityByName(qualityName)
		if !ok {
			return fmt.Errorf("orchestrator: unknown quality profile %q", qualityName)
		}
		controls := camera.Controls{AutoExposure: q.ExposurePreference == "" || q.ExposurePreference == "auto"}
		for _, cam := range o.cameras {
			if err := cam.SetControls(controls); err != nil {
				return &scanerr.CameraError{CameraID: cam.ID(), Stage: "configuration", Cause: err}
			}
		}
		o.activeQuality = &q
	}
	if speedName != "" {
		s, ok := o.cfg.SpeedByName(speedName)
		if !ok {
			return fmt.Errorf("orchestrator: unknown speed profile %q", speedName)
		}
		if err := o.motion.ApplyAcceleration(s.AccelerationFactor); err != nil {
			return err
		}
		o.activeSpeed = &s
	}
	if o.currentScan != nil {
		o.currentScan.SetCameraSettingsSource(storage.SourceCustomProfileApplied)
	}
	return nil
}

// jpegQuality returns the active quality profile's JPEGQuality, or a
// sensible default if apply_profiles was never called.
func (o *Orchestrator) jpegQuality() int {
	if o.activeQuality != nil && o.activeQuality.JPEGQuality > 0 {
		return o.activeQuality.JPEGQuality
	}
	return 90
}

// feedrateMultiplier returns the active speed profile's FeedrateMultiplier,
// or 1 (no scaling) if apply_profiles was never called or left it zero.
func (o *Orchestrator) feedrateMultiplier() float64 {
	if o.activeSpeed != nil && o.activeSpeed.FeedrateMultiplier > 0 {
		return o.activeSpeed.FeedrateMultiplier
	}
	return 1
}

// settlingDelay returns the active speed profile's settling delay, else
// the config's DwellDefaultMS, else DwellSettleDefault.
func (o *Orchestrator) settlingDelay() time.Duration {
	if o.activeSpeed != nil && o.activeSpeed.SettlingDelayMS > 0 {
		return time.Duration(o.activeSpeed.SettlingDelayMS) * time.Millisecond
	}
	if o.cfg.DwellDefaultMS > 0 {
		return time.Duration(o.cfg.DwellDefaultMS) * time.Millisecond
	}
	return DwellSettleDefault
}

// busy reports whether a scan is already in flight, per the busy-gate in
// spec §4.10: Initializing/Running/Paused status, or motion in
// Home/Jog/Hold, or a homing task already underway blocks a new start.
// The controller reports Jog and Run alike as Moving, so Run blocks too.
func (o *Orchestrator) busy() bool {
	if o.currentScan != nil {
		switch o.currentScan.Snapshot().Status {
		case scanstate.Initializing, scanstate.Running, scanstate.Paused:
			return true
		}
	}
	if o.homingInProgress {
		return true
	}
	switch o.motion.GetStatus() {
	case fluidnc.Homing, fluidnc.Moving, fluidnc.Hold:
		return true
	}
	return false
}

// GetScanStatus returns a snapshot of the current (or most recent) scan,
// or the zero value if none has ever run.
func (o *Orchestrator) GetScanStatus() scanstate.ScanState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.currentScan == nil {
		return scanstate.ScanState{Status: scanstate.Idle}
	}
	return o.currentScan.Snapshot()
}

// PauseScan requests the running scan suspend at its next yield point.
func (o *Orchestrator) PauseScan() error {
	o.mu.Lock()
	m := o.currentScan
	o.mu.Unlock()
	if m == nil {
		return fmt.Errorf("orchestrator: no scan in progress")
	}
	m.Pause()
	return nil
}

// ResumeScan releases a paused scan.
func (o *Orchestrator) ResumeScan() error {
	o.mu.Lock()
	m := o.currentScan
	o.mu.Unlock()
	if m == nil {
		return fmt.Errorf("orchestrator: no scan in progress")
	}
	m.Resume()
	return nil
}

// StopScan requests cooperative cancellation, honored at the next yield
// point (or immediately, if the scan is currently paused).
func (o *Orchestrator) StopScan() error {
	o.mu.Lock()
	m := o.currentScan
	o.mu.Unlock()
	if m == nil {
		return fmt.Errorf("orchestrator: no scan in progress")
	}
	m.Cancel()
	return nil
}

// EmergencyStop preemptively asserts feed-hold and soft-reset on the
// motion link, bypassing any queued commands, and marks the current scan
// (if any) Failed.
func (o *Orchestrator) EmergencyStop() error {
	o.mu.Lock()
	m := o.currentScan
	o.mu.Unlock()
	if m != nil {
		m.RecordError("EmergencyStopped", "emergency stop asserted", "", m.Snapshot().Progress.Current)
		m.SetStatus(scanstate.Failed)
		m.Checkpoint()
	}
	return o.motion.EmergencyStop()
}

// StartScan validates the busy-gate, generates and persists the pattern,
// and runs the full execution algorithm from spec §4.10 synchronously,
// returning once the scan reaches a terminal status.
func (o *Orchestrator) StartScan(req StartScanRequest) (scanstate.ScanState, error) {
	o.mu.Lock()
	if o.busy() {
		o.mu.Unlock()
		return scanstate.ScanState{}, fmt.Errorf("orchestrator: a scan is already in progress")
	}
	points, err := req.Pattern.generate()
	if err != nil {
		o.mu.Unlock()
		return scanstate.ScanState{}, err
	}
	kept, warnings := pattern.Validate(points, o.cfg.Motion.Limits, o.cfg.Motion.SafetyMargin)
	for _, w := range warnings {
		log.Printf("orchestrator: %s", w)
	}

	scanID := req.ScanID
	if scanID == "" {
		scanID = fmt.Sprintf("scan-%d", time.Now().UnixNano())
	}
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = o.cfg.OutputRoot
	}

	machine := scanstate.New(scanID, req.Pattern.Kind, outputDir, len(kept))
	machine.Parameters(req.Params)
	o.currentScan = machine
	o.mu.Unlock()

	machine.SetStatus(scanstate.Initializing)
	machine.SetPhase(scanstate.PhaseSetup)

	sess, err := storage.CreateSession(outputDir, scanID)
	if err != nil {
		machine.RecordError("StorageError", err.Error(), "", 0)
		machine.SetStatus(scanstate.Failed)
		machine.Checkpoint()
		return machine.Snapshot(), err
	}

	positions := o.buildPositionsFile(scanID, req, kept, storage.SourcePlanningDefaults, false)
	if err := sess.WritePositions(positions); err != nil {
		machine.RecordError("StorageError", err.Error(), "", 0)
	}

	if err := o.switchCamerasToCapturing(); err != nil {
		machine.RecordError("CameraError", err.Error(), "", 0)
	}

	if req.HomingConfirmed {
		o.mu.Lock()
		o.homingInProgress = true
		o.mu.Unlock()
		machine.SetPhase(scanstate.PhaseHoming)
		homeErr := o.motion.Home()
		o.mu.Lock()
		o.homingInProgress = false
		o.mu.Unlock()
		if homeErr != nil {
			return o.failScan(machine, sess, homeErr)
		}
	} else {
		log.Printf("orchestrator: scan %s starting without homing confirmation (homing_confirmed=false)", scanID)
	}

	machine.SetStatus(scanstate.Running)

	settingsSource := storage.SourcePlanningDefaults
	for i, pt := range kept {
		if err := machine.WaitIfPaused(); err != nil {
			return o.cancelScan(machine, err)
		}
		if machine.IsCancelled() {
			return o.cancelScan(machine, &scanerr.CancelledByUser{})
		}

		machine.SetPhase(scanstate.PhasePositioning)
		feedrate := o.defaultFeedrate()
		if err := o.motion.MoveTo(pt.Position, feedrate); err != nil {
			if isSafetyViolation(err) {
				machine.RecordError("SafetyViolation", err.Error(), "", i)
				continue
			}
			return o.failScan(machine, sess, err)
		}

		dwell := time.Duration(pt.DwellMS) * time.Millisecond
		if dwell <= 0 {
			dwell = o.settlingDelay()
		}
		time.Sleep(dwell)

		if i == 0 {
			machine.SetPhase(scanstate.PhaseCapturing)
			if err := o.runFirstPointCalibration(pt, req); err != nil {
				machine.RecordError("CameraError", err.Error(), "", i)
				log.Printf("orchestrator: calibration failed, continuing with safe defaults: %v", err)
			} else {
				settingsSource = storage.SourceCameraCalibrated
				positions = o.buildPositionsFile(scanID, req, kept, settingsSource, true)
				if err := sess.WritePositions(positions); err != nil {
					machine.RecordError("StorageError", err.Error(), "", i)
				}
			}
			machine.SetCameraSettingsSource(settingsSource)
		}

		machine.SetPhase(scanstate.PhaseCapturing)
		images, capErrs := o.captureAllCameras(sess, i, withDefaultLighting(pt, req), settingsSource)
		for _, ce := range capErrs {
			machine.RecordError(ce.kind, ce.message, ce.cameraID, i)
		}

		machine.AdvanceProgress(i, images)
		machine.SetPhase(scanstate.PhaseProcessing)
		if err := machine.Checkpoint(); err != nil {
			log.Printf("orchestrator: checkpoint write failed for point %d: %v", i, err)
		}
	}

	machine.SetPhase(scanstate.PhaseCleanup)
	o.switchCamerasToStreaming()
	machine.SetStatus(scanstate.Completed)
	machine.Checkpoint()
	return machine.Snapshot(), nil
}

type captureError struct {
	kind     string
	message  string
	cameraID string
}

// captureAllCameras triggers a capture on every configured camera for
// one point, each wrapped in its own flash trigger so a failure on one
// sensor never prevents the other's frame from being persisted.
func (o *Orchestrator) captureAllCameras(sess *storage.Session, pointIndex int, pt pattern.Point, settingsSource string) (int, []captureError) {
	zone := pt.FlashZone
	brightness := pt.FlashBright
	images := 0
	var errs []captureError

	for seq, cam := range o.cameras {
		var frame camera.Frame
		captureErr := func() error {
			trigger := func() error {
				var err error
				frame, err = cam.CaptureStill()
				return err
			}
			if o.flash != nil && zone != "" {
				return o.flash.TriggerForCapture(zone, brightness, trigger)
			}
			return trigger()
		}()
		if captureErr != nil {
			errs = append(errs, captureError{kind: "CameraError", message: captureErr.Error(), cameraID: cam.ID()})
			continue
		}

		meta, _ := cam.ReadMetadata()
		camSettings := storage.CameraSettings{
			ExposureTimeUS:    meta.ExposureTimeUS,
			CalibrationSource: settingsSource,
		}
		var lighting *storage.LightingSettings
		if zone != "" {
			lighting = &storage.LightingSettings{Zone: zone, Brightness: brightness}
		}

		encoded, err := o.encodeFrame(frame, pt.Position, pointIndex, zone != "")
		if err != nil {
			errs = append(errs, captureError{kind: "StorageError", message: err.Error(), cameraID: cam.ID()})
			continue
		}

		_, err = sess.StoreFile(storage.FrameInput{
			SequenceNumber:   seq,
			CameraID:         cam.ID(),
			Position:         pt.Position,
			CameraSettings:   camSettings,
			LightingSettings: lighting,
			Data:             encoded,
		})
		if err != nil {
			errs = append(errs, captureError{kind: "StorageError", message: err.Error(), cameraID: cam.ID()})
			continue
		}
		images++
	}
	return images, errs
}

func (o *Orchestrator) runFirstPointCalibration(pt pattern.Point, req StartScanRequest) error {
	zone := pt.FlashZone
	if zone == "" {
		zone = req.DefaultFlashZone
	}
	brightness := pt.FlashBright
	if brightness == 0 {
		brightness = req.DefaultBrightness
	}
	var illum calibrate.Illuminator
	if o.flash != nil {
		illum = o.flash
	}
	for _, cam := range o.cameras {
		settings, err := calibrate.Calibrate(cam, illum, zone, brightness, req.LightingEnabled)
		if err != nil {
			return err
		}
		o.store.Snapshot(settings)
	}
	return nil
}

func (o *Orchestrator) switchCamerasToCapturing() error {
	for _, cam := range o.cameras {
		if err := cam.SetMode(camera.Capturing); err != nil {
			return &scanerr.CameraError{CameraID: cam.ID(), Stage: "configuration", Cause: err}
		}
	}
	return nil
}

func (o *Orchestrator) switchCamerasToStreaming() {
	for _, cam := range o.cameras {
		if err := cam.SetMode(camera.Streaming); err != nil {
			log.Printf("orchestrator: camera %s failed to return to streaming mode: %v", cam.ID(), err)
		}
	}
}

func (o *Orchestrator) defaultFeedrate() float64 {
	base := 1000.0
	for _, lim := range o.cfg.Motion.Limits {
		if lim.MaxFeedrate > 0 {
			base = lim.MaxFeedrate
			break
		}
	}
	return base * o.feedrateMultiplier()
}

func (o *Orchestrator) failScan(machine *scanstate.Machine, sess *storage.Session, err error) (scanstate.ScanState, error) {
	kind := "LinkError"
	switch err.(type) {
	case *scanerr.AlarmState:
		kind = "AlarmState"
	case *scanerr.Timeout:
		kind = "Timeout"
	}
	machine.RecordError(kind, err.Error(), "", machine.Snapshot().Progress.Current)
	if stopErr := o.motion.EmergencyStop(); stopErr != nil {
		log.Printf("orchestrator: emergency stop during failure handling: %v", stopErr)
	}
	machine.SetStatus(scanstate.Failed)
	machine.Checkpoint()
	return machine.Snapshot(), err
}

func (o *Orchestrator) cancelScan(machine *scanstate.Machine, err error) (scanstate.ScanState, error) {
	machine.SetStatus(scanstate.Cancelled)
	machine.Checkpoint()
	return machine.Snapshot(), err
}

func (o *Orchestrator) buildPositionsFile(scanID string, req StartScanRequest, points []pattern.Point, settingsSource string, calibrated bool) storage.PositionsFile {
	entries := make([]storage.PositionEntry, len(points))
	for i, pt := range points {
		var lighting *storage.LightingSettings
		if pt.FlashZone != "" {
			lighting = &storage.LightingSettings{Zone: pt.FlashZone, Brightness: pt.FlashBright}
		}
		entries[i] = storage.PositionEntry{
			PointIndex: i,
			Position:   pt.Position,
			CaptureSettings: storage.CaptureSettings{
				CaptureCount: len(o.cameras),
				DwellTimeMS:  pt.DwellMS,
			},
			CameraSettings: storage.CameraSettings{
				CalibrationSource: settingsSource,
			},
			LightingSettings: lighting,
		}
	}
	return storage.PositionsFile{
		ScanInfo: storage.ScanInfo{
			ScanID:            scanID,
			PatternType:       req.Pattern.Kind,
			TotalPoints:       len(points),
			GeneratedAt:       time.Now(),
			PatternParameters: req.Params,
			CameraSettingsInfo: storage.CameraSettingsInfo{
				SettingsSource: settingsSource,
				WillBeUpdated:  !calibrated,
			},
		},
		ScanPositions: entries,
	}
}

// withDefaultLighting falls the request's default flash zone/brightness
// in for a point that does not specify its own, so a scan's configured
// illumination applies uniformly unless a point overrides it.
func withDefaultLighting(pt pattern.Point, req StartScanRequest) pattern.Point {
	if pt.FlashZone == "" && req.DefaultFlashZone != "" {
		pt.FlashZone = req.DefaultFlashZone
		pt.FlashBright = req.DefaultBrightness
	}
	return pt
}

func colorRGB(r, g, b byte) color.RGBA {
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func isSafetyViolation(err error) bool {
	_, ok := err.(*scanerr.SafetyViolation)
	return ok
}

// encodeFrame converts a raw packed-RGB24 sensor frame into a JPEG byte
// stream with an embedded EXIF block carrying the point's machine
// position, per spec §6's image-bytes contract, at the active quality
// profile's JPEG quality (see ApplyProfiles).
func (o *Orchestrator) encodeFrame(frame camera.Frame, pos config.Position4D, pointIndex int, flashed bool) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			i := (y*frame.Width + x) * 3
			if i+2 >= len(frame.Data) {
				continue
			}
			img.Set(x, y, colorRGB(frame.Data[i], frame.Data[i+1], frame.Data[i+2]))
		}
	}

	taken := frame.Taken
	if taken.IsZero() {
		taken = time.Now()
	}

	return imaging.EncodeJPEGWithEXIF(img, o.jpegQuality(), imaging.EXIFFields{
		Make:             "4DOF Scanner",
		Model:            "Scan Camera",
		DateTime:         taken,
		Flash:            flashed,
		ImageDescription: fmt.Sprintf("scan point %d at (%.3f,%.3f,%.3f,%.3f)", pointIndex, pos.X, pos.Y, pos.Z, pos.C),
		MachineX:         pos.X,
		MachineY:         pos.Y,
		MachineZ:         pos.Z,
	})
}
