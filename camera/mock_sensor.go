package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/scanerr"
)

// MockSensor is a dependency-free Sensor used for tests and for non-cgo
// builds where gocv is unavailable. It fabricates a solid-color frame
// sized to the configured mode's resolution rather than touching any
// hardware, mirroring the "mock satisfies the same interface" pattern the
// teacher uses for its simulated devices.
type MockSensor struct {
	mu sync.Mutex

	id    string
	setup config.CameraSetup
	mode  Mode
	ctrl  Controls

	opened bool

	// FailNextCapture, if set, makes the next CaptureStill/GrabPreview
	// return a CameraError; used by orchestrator tests to exercise the
	// camera-capture-failure policy row.
	FailNextCapture bool
}

// NewMockSensor constructs a MockSensor bound to setup.
func NewMockSensor(setup config.CameraSetup) *MockSensor {
	return &MockSensor{id: setup.ID, setup: setup, mode: Streaming}
}

func (m *MockSensor) ID() string { return m.id }

func (m *MockSensor) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *MockSensor) SetMode(mode Mode) error {
	m.mu.Lock()
	if !m.opened {
		m.mu.Unlock()
		return &scanerr.CameraError{CameraID: m.id, Stage: "configuration", Cause: fmt.Errorf("not initialized")}
	}
	m.mode = mode
	m.mu.Unlock()
	time.Sleep(ModeSwitchSettle)
	return nil
}

func (m *MockSensor) CurrentMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *MockSensor) SetControls(ctrl Controls) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return &scanerr.CameraError{CameraID: m.id, Stage: "configuration", Cause: fmt.Errorf("not initialized")}
	}
	m.ctrl = ctrl
	return nil
}

func (m *MockSensor) frameLocked() Frame {
	w, h := m.setup.StreamWidth, m.setup.StreamHeight
	if m.mode == Capturing {
		w, h = m.setup.CaptureWidth, m.setup.CaptureHeight
	}
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = 0x40
	}
	return Frame{Width: w, Height: h, Data: data, Taken: time.Now()}
}

func (m *MockSensor) GrabPreview() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return Frame{}, &scanerr.CameraError{CameraID: m.id, Stage: "capture", Cause: fmt.Errorf("not initialized")}
	}
	if m.FailNextCapture {
		m.FailNextCapture = false
		return Frame{}, &scanerr.CameraError{CameraID: m.id, Stage: "capture", Cause: fmt.Errorf("simulated capture failure")}
	}
	return m.frameLocked(), nil
}

func (m *MockSensor) CaptureStill() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return Frame{}, &scanerr.CameraError{CameraID: m.id, Stage: "capture", Cause: fmt.Errorf("not initialized")}
	}
	if m.mode != Capturing {
		return Frame{}, &scanerr.CameraError{CameraID: m.id, Stage: "capture", Cause: fmt.Errorf("sensor not in Capturing mode")}
	}
	if m.FailNextCapture {
		m.FailNextCapture = false
		return Frame{}, &scanerr.CameraError{CameraID: m.id, Stage: "capture", Cause: fmt.Errorf("simulated capture failure")}
	}
	return m.frameLocked(), nil
}

func (m *MockSensor) ReadMetadata() (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metadata{
		ExposureTimeUS: m.ctrl.ExposureTimeUS,
		AnalogueGain:   m.ctrl.AnalogueGain,
		FocusPosition:  m.ctrl.FocusPosition,
		Lux:            400,
	}, nil
}

func (m *MockSensor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}
