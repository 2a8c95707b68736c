package fluidnc_test

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/fluidnc"
	"github.com/fourdof/scanner/scanerr"
)

// fakeFirmware answers every received line with "ok" and periodically
// emits an Idle status frame, just enough behavior to exercise Controller
// completion logic without real hardware.
func fakeFirmware(t *testing.T, peer net.Conn) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := io.WriteString(peer, "<Idle|MPos:0,0,0,0|FS:0,0>\r\n"); err != nil {
				return
			}
		}
	}()
	go func() {
		r := bufio.NewReader(peer)
		for {
			_, err := r.ReadString('\n')
			if err != nil {
				return
			}
			io.WriteString(peer, "ok\r\n")
		}
	}()
}

func newTestController(t *testing.T) (*fluidnc.Controller, net.Conn) {
	t.Helper()
	client, peer := net.Pipe()
	cfg := config.MotionConfig{
		Limits: map[string]config.AxisLimits{
			"x": {Min: 0, Max: 100, MaxFeedrate: 2000},
			"y": {Min: 0, Max: 100, MaxFeedrate: 2000},
			"z": {Min: -360, Max: 360, MaxFeedrate: 500},
			"c": {Min: -90, Max: 90, MaxFeedrate: 500},
		},
	}
	c := fluidnc.NewControllerForTest(cfg, func() (io.ReadWriteCloser, error) {
		return client, nil
	})
	return c, peer
}

func TestMoveToRejectsOutOfLimits(t *testing.T) {
	c, peer := newTestController(t)
	fakeFirmware(t, peer)
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Close()

	err := c.MoveTo(config.Position4D{X: 1000}, 500)
	if err == nil {
		t.Fatal("expected safety violation")
	}
	var sv *scanerr.SafetyViolation
	if !isSafetyViolation(err, &sv) {
		t.Fatalf("expected *scanerr.SafetyViolation, got %T: %v", err, err)
	}
}

func isSafetyViolation(err error, target **scanerr.SafetyViolation) bool {
	if sv, ok := err.(*scanerr.SafetyViolation); ok {
		*target = sv
		return true
	}
	return false
}

func TestMoveToCompletesWithinLimits(t *testing.T) {
	c, peer := newTestController(t)
	fakeFirmware(t, peer)
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.MoveTo(config.Position4D{X: 10, Y: 10}, 500) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected move error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("move never completed")
	}
}

func TestEmergencyStopMarksUnhomed(t *testing.T) {
	c, peer := newTestController(t)
	fakeFirmware(t, peer)
	if err := c.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Close()

	err := c.EmergencyStop()
	if err == nil {
		t.Fatal("expected EmergencyStopped error")
	}
	if c.IsHomed() {
		t.Fatal("expected controller to be marked unhomed after e-stop")
	}
}
