//go:build cgo

package camera

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/scanerr"
)

const fourccMJPEG = 0x47504A4D

// GoCVSensor drives a USB/V4L2 camera through OpenCV, matching the
// V4L2-backend-plus-MJPEG-FourCC setup used by OpenCVCamera, generalized
// to support two persistent device configurations (Streaming/Capturing)
// that are swapped between rather than reopened each time.
type GoCVSensor struct {
	mu sync.Mutex

	id     string
	setup  config.CameraSetup
	webcam *gocv.VideoCapture
	mode   Mode
	ctrl   Controls

	lastSwitch time.Time
}

// NewGoCVSensor constructs a sensor bound to setup but does not open the
// device; call Initialize first.
func NewGoCVSensor(setup config.CameraSetup) *GoCVSensor {
	return &GoCVSensor{id: setup.ID, setup: setup, mode: Streaming}
}

func (s *GoCVSensor) ID() string { return s.id }

func (s *GoCVSensor) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	webcam, err := gocv.OpenVideoCaptureWithAPI(s.setup.DeviceIndex, gocv.VideoCaptureV4L2)
	if err != nil {
		return &scanerr.CameraError{CameraID: s.id, Stage: "configuration", Cause: err}
	}
	if !webcam.IsOpened() {
		webcam.Close()
		return &scanerr.CameraError{CameraID: s.id, Stage: "configuration", Cause: fmt.Errorf("device %d not found", s.setup.DeviceIndex)}
	}
	webcam.Set(gocv.VideoCaptureFOURCC, fourccMJPEG)
	s.webcam = webcam
	s.applyResolutionLocked(Streaming)

	warmup := gocv.NewMat()
	s.webcam.Read(&warmup)
	warmup.Close()
	return nil
}

func (s *GoCVSensor) applyResolutionLocked(mode Mode) {
	w, h := s.setup.StreamWidth, s.setup.StreamHeight
	if mode == Capturing {
		w, h = s.setup.CaptureWidth, s.setup.CaptureHeight
	}
	if w > 0 {
		s.webcam.Set(gocv.VideoCaptureFrameWidth, float64(w))
	}
	if h > 0 {
		s.webcam.Set(gocv.VideoCaptureFrameHeight, float64(h))
	}
}

// SetMode reconfigures resolution for the target mode and waits out
// ModeSwitchSettle before returning, so the very next frame reflects the
// new configuration rather than a stale in-flight buffer.
func (s *GoCVSensor) SetMode(m Mode) error {
	s.mu.Lock()
	if s.webcam == nil {
		s.mu.Unlock()
		return &scanerr.CameraError{CameraID: s.id, Stage: "configuration", Cause: fmt.Errorf("not initialized")}
	}
	s.applyResolutionLocked(m)
	s.mode = m
	s.lastSwitch = time.Now()
	s.mu.Unlock()
	time.Sleep(ModeSwitchSettle)
	return nil
}

func (s *GoCVSensor) CurrentMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetControls pins exposure/gain/focus via the VideoCapture property
// table. Zero values in ctrl mean "leave as-is," matching the teacher
// convention in camera_gocv.go of only touching properties that were
// actually requested.
func (s *GoCVSensor) SetControls(ctrl Controls) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webcam == nil {
		return &scanerr.CameraError{CameraID: s.id, Stage: "configuration", Cause: fmt.Errorf("not initialized")}
	}
	if ctrl.AutoExposure {
		s.webcam.Set(gocv.VideoCaptureAutoExposure, 1)
	} else if ctrl.ExposureTimeUS > 0 {
		s.webcam.Set(gocv.VideoCaptureAutoExposure, 0)
		s.webcam.Set(gocv.VideoCaptureExposure, float64(ctrl.ExposureTimeUS))
	}
	if ctrl.AnalogueGain > 0 {
		s.webcam.Set(gocv.VideoCaptureGain, ctrl.AnalogueGain)
	}
	if ctrl.AutoFocus {
		s.webcam.Set(gocv.VideoCaptureAutofocus, 1)
	} else if ctrl.FocusPosition > 0 {
		s.webcam.Set(gocv.VideoCaptureAutofocus, 0)
		s.webcam.Set(gocv.VideoCaptureFocus, ctrl.FocusPosition)
	}
	s.ctrl = ctrl
	return nil
}

func (s *GoCVSensor) readFrameLocked() (Frame, error) {
	mat := gocv.NewMat()
	defer mat.Close()
	if ok := s.webcam.Read(&mat); !ok {
		return Frame{}, &scanerr.CameraError{CameraID: s.id, Stage: "capture", Cause: fmt.Errorf("read failed")}
	}
	if mat.Empty() {
		return Frame{}, &scanerr.CameraError{CameraID: s.id, Stage: "capture", Cause: fmt.Errorf("empty frame")}
	}
	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)
	return Frame{
		Width:  rgb.Cols(),
		Height: rgb.Rows(),
		Data:   rgb.ToBytes(),
		Taken:  time.Now(),
	}, nil
}

func (s *GoCVSensor) GrabPreview() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webcam == nil {
		return Frame{}, &scanerr.CameraError{CameraID: s.id, Stage: "capture", Cause: fmt.Errorf("not initialized")}
	}
	return s.readFrameLocked()
}

func (s *GoCVSensor) CaptureStill() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webcam == nil {
		return Frame{}, &scanerr.CameraError{CameraID: s.id, Stage: "capture", Cause: fmt.Errorf("not initialized")}
	}
	if s.mode != Capturing {
		return Frame{}, &scanerr.CameraError{CameraID: s.id, Stage: "capture", Cause: fmt.Errorf("sensor not in Capturing mode")}
	}
	return s.readFrameLocked()
}

func (s *GoCVSensor) ReadMetadata() (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webcam == nil {
		return Metadata{}, &scanerr.CameraError{CameraID: s.id, Stage: "capture", Cause: fmt.Errorf("not initialized")}
	}
	return Metadata{
		ExposureTimeUS: int(s.webcam.Get(gocv.VideoCaptureExposure)),
		AnalogueGain:   s.webcam.Get(gocv.VideoCaptureGain),
		FocusPosition:  s.webcam.Get(gocv.VideoCaptureFocus),
	}, nil
}

func (s *GoCVSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webcam == nil {
		return nil
	}
	err := s.webcam.Close()
	s.webcam = nil
	return err
}
