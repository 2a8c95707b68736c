package scanstate_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fourdof/scanner/scanstate"
)

func TestAdvanceProgressSetsLastSuccessfulPoint(t *testing.T) {
	m := scanstate.New("scan-1", "grid", t.TempDir(), 4)
	m.SetStatus(scanstate.Running)
	m.AdvanceProgress(0, 2)
	m.AdvanceProgress(1, 2)

	snap := m.Snapshot()
	if snap.Progress.Current != 2 || snap.Progress.Images != 4 {
		t.Fatalf("unexpected progress: %+v", snap.Progress)
	}
	if snap.LastSuccessfulPoint == nil || *snap.LastSuccessfulPoint != 1 {
		t.Fatalf("expected last_successful_point=1, got %v", snap.LastSuccessfulPoint)
	}
}

func TestPauseResumeReleasesWait(t *testing.T) {
	m := scanstate.New("scan-2", "grid", t.TempDir(), 1)
	m.SetStatus(scanstate.Running)
	m.Pause()

	done := make(chan error, 1)
	go func() { done <- m.WaitIfPaused() }()

	time.Sleep(20 * time.Millisecond)
	m.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused never returned after Resume")
	}
	if m.Snapshot().Status != scanstate.Running {
		t.Fatalf("expected status Running after resume, got %v", m.Snapshot().Status)
	}
}

func TestCancelDuringPauseIsHonoredImmediately(t *testing.T) {
	m := scanstate.New("scan-3", "grid", t.TempDir(), 1)
	m.Pause()

	done := make(chan error, 1)
	go func() { done <- m.WaitIfPaused() }()

	time.Sleep(20 * time.Millisecond)
	m.Cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused never returned after Cancel")
	}
}

func TestCheckpointRoundTripsThroughJSON(t *testing.T) {
	dir := t.TempDir()
	m := scanstate.New("scan-4", "cylindrical", dir, 6)
	m.SetStatus(scanstate.Running)
	m.SetPhase(scanstate.PhaseCapturing)
	m.AdvanceProgress(0, 2)
	m.RecordError("CameraError", "simulated failure", "cam-1", 2)

	if err := m.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	path := filepath.Join(dir, "scan-4_state.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	var roundTripped scanstate.ScanState
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("unmarshal checkpoint: %v", err)
	}

	timeCmp := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	original := m.Snapshot()
	if diff := cmp.Diff(original, roundTripped, timeCmp); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
