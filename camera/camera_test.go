package camera_test

import (
	"testing"

	"github.com/fourdof/scanner/camera"
	"github.com/fourdof/scanner/config"
)

func newTestSensor() *camera.MockSensor {
	return camera.NewMockSensor(config.CameraSetup{
		ID:            "left",
		StreamWidth:   640,
		StreamHeight:  480,
		CaptureWidth:  1920,
		CaptureHeight: 1080,
	})
}

func TestCaptureStillRequiresCapturingMode(t *testing.T) {
	s := newTestSensor()
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer s.Close()

	if _, err := s.CaptureStill(); err == nil {
		t.Fatal("expected capture to fail while in Streaming mode")
	}

	if err := s.SetMode(camera.Capturing); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	frame, err := s.CaptureStill()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if frame.Width != 1920 || frame.Height != 1080 {
		t.Fatalf("expected capture resolution 1920x1080, got %dx%d", frame.Width, frame.Height)
	}
}

func TestGrabPreviewUsesStreamResolution(t *testing.T) {
	s := newTestSensor()
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer s.Close()

	frame, err := s.GrabPreview()
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if frame.Width != 640 || frame.Height != 480 {
		t.Fatalf("expected preview resolution 640x480, got %dx%d", frame.Width, frame.Height)
	}
}

func TestCaptureFailurePropagatesCameraError(t *testing.T) {
	s := newTestSensor()
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer s.Close()
	if err := s.SetMode(camera.Capturing); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	s.FailNextCapture = true
	if _, err := s.CaptureStill(); err == nil {
		t.Fatal("expected simulated capture failure")
	}
}
