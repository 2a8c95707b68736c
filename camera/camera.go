/*Package camera describes a standard set of interfaces for control of the
scanner's image sensors, in the spirit of camera.Minimal/camera.Sci in the
teacher codebase: a small capability interface plus one or more concrete
implementations, rather than one monolithic struct with every knob.

Unlike a scientific camera driver returning raw uint16/int32 frame buffers,
a photogrammetry sensor has exactly two operating modes that must not be
confused: a low-latency Streaming mode used for live framing, and a
Capturing mode with locked exposure/focus used once a calibration has been
committed. Switching between them is not free — the driver needs a short
settle window — so Sensor exposes SetMode explicitly instead of letting
every capture implicitly reconfigure the device.
*/
package camera

import "time"

// Mode selects the sensor's current operating configuration.
type Mode int

const (
	// Streaming favors low latency and continuous autoexposure/autofocus,
	// used while framing a shot.
	Streaming Mode = iota
	// Capturing locks exposure, gain, and focus to a calibrated snapshot
	// and is used for the one still frame taken at each scan point.
	Capturing
)

func (m Mode) String() string {
	if m == Capturing {
		return "Capturing"
	}
	return "Streaming"
}

// Controls is the set of knobs a calibration can pin before a capture.
type Controls struct {
	ExposureTimeUS int     // microseconds; 0 means "leave at auto"
	AnalogueGain   float64 // 0 means "leave at auto"
	FocusPosition  float64 // driver-native focus units; 0 means "leave at auto"
	AutoExposure   bool
	AutoFocus      bool
}

// Frame is one captured image buffer in packed RGB24.
type Frame struct {
	Width  int
	Height int
	Data   []byte
	Taken  time.Time
}

// Metadata is the sensor's read-back of the settings actually in effect at
// the moment of capture, used both by the calibrator and the EXIF writer.
type Metadata struct {
	ExposureTimeUS int
	AnalogueGain   float64
	FocusPosition  float64
	Lux            float64
}

// Minimal describes the basics every Sensor implementation provides:
// identity, lifecycle, and raw frame acquisition.
type Minimal interface {
	ID() string
	Initialize() error
	Close() error
	GrabPreview() (Frame, error)
	CaptureStill() (Frame, error)
}

// Sensor is the full capability surface the orchestrator and calibrator
// drive. Distinct capture concerns (grab a preview frame vs. take a
// calibrated still) are separate methods rather than one Capture(mode)
// call, so a caller can't accidentally request a calibrated still while
// the driver is still in Streaming mode.
type Sensor interface {
	Minimal
	SetMode(Mode) error
	CurrentMode() Mode
	SetControls(Controls) error
	ReadMetadata() (Metadata, error)
}

// ModeSwitchSettle is the minimum time SetMode waits before returning,
// giving the sensor driver time to apply a new exposure/focus regime
// before the first frame from it is trusted.
const ModeSwitchSettle = 150 * time.Millisecond
