// Package scanerr defines the error taxonomy shared across the scanner
// core as distinct types, so callers can classify failures with
// errors.As. LinkError, CameraError and StorageError also wrap an
// underlying cause reachable via Unwrap; the other kinds carry no cause.
package scanerr

import "fmt"

// SafetyViolation is returned when a commanded position would violate
// configured axis limits. It is generated before any bytes are
// written to the motion link and is never retried.
type SafetyViolation struct {
	Axis   string
	Value  float64
	Min    float64
	Max    float64
}

func (e *SafetyViolation) Error() string {
	return fmt.Sprintf("safety violation: axis %s value %.3f outside [%.3f, %.3f]", e.Axis, e.Value, e.Min, e.Max)
}

// ProtocolError is returned when the firmware rejects a well-formed command.
type ProtocolError struct {
	Code int
	Text string
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("protocol error %d: %s", e.Code, e.Text)
	}
	return fmt.Sprintf("protocol error: %s", e.Text)
}

// LinkError wraps a serial I/O failure. It is recoverable via bounded
// reconnect.
type LinkError struct {
	Cause error
}

func (e *LinkError) Error() string { return fmt.Sprintf("link error: %v", e.Cause) }
func (e *LinkError) Unwrap() error { return e.Cause }

// AlarmState is returned when the firmware reports it is in an alarm
// condition. It requires unlock or homing to clear.
type AlarmState struct {
	Code int
}

func (e *AlarmState) Error() string { return fmt.Sprintf("controller in alarm state %d", e.Code) }

// Timeout is returned when a bounded wait is exceeded.
type Timeout struct {
	Op      string
	Limit   string
}

func (e *Timeout) Error() string { return fmt.Sprintf("timeout waiting for %s (limit %s)", e.Op, e.Limit) }

// CameraError is subdivided by stage so per-sensor failures can be isolated
// by the orchestrator without aborting the other camera.
type CameraError struct {
	CameraID string
	Stage    string // "capture", "configuration", "calibration"
	Cause    error
}

func (e *CameraError) Error() string {
	return fmt.Sprintf("camera %s: %s failed: %v", e.CameraID, e.Stage, e.Cause)
}
func (e *CameraError) Unwrap() error { return e.Cause }

// StorageError wraps a persistence failure.
type StorageError struct {
	Path  string
	Cause error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error at %s: %v", e.Path, e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

// CancelledByUser terminates a scan when the user requests a stop.
type CancelledByUser struct{}

func (e *CancelledByUser) Error() string { return "scan cancelled by user" }

// EmergencyStopped terminates a scan when an emergency stop was asserted.
type EmergencyStopped struct{}

func (e *EmergencyStopped) Error() string { return "scan halted by emergency stop" }
