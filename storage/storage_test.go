package storage_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/storage"
)

func TestCreateSessionMakesDirectoryLayout(t *testing.T) {
	root := t.TempDir()
	sess, err := storage.CreateSession(root, "scan-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, d := range []string{sess.Metadata, sess.Images} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", d)
		}
	}
}

func TestWritePositionsProducesValidJSON(t *testing.T) {
	root := t.TempDir()
	sess, err := storage.CreateSession(root, "scan-2")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	file := storage.PositionsFile{
		ScanInfo: storage.ScanInfo{
			ScanID:      "scan-2",
			PatternType: "grid",
			TotalPoints: 1,
			GeneratedAt: time.Now(),
			CameraSettingsInfo: storage.CameraSettingsInfo{
				SettingsSource: storage.SourcePlanningDefaults,
				WillBeUpdated:  true,
			},
		},
		ScanPositions: []storage.PositionEntry{
			{PointIndex: 0, Position: config.Position4D{X: 1, Y: 2}},
		},
	}
	if err := sess.WritePositions(file); err != nil {
		t.Fatalf("write positions: %v", err)
	}

	path := filepath.Join(sess.Metadata, "scan-2_scan_positions.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read positions file: %v", err)
	}
	var roundTripped storage.PositionsFile
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if roundTripped.ScanInfo.CameraSettingsInfo.SettingsSource != storage.SourcePlanningDefaults {
		t.Fatalf("expected settings_source planning_defaults, got %q", roundTripped.ScanInfo.CameraSettingsInfo.SettingsSource)
	}
}

func TestStoreFileWritesImageSidecarAndManifest(t *testing.T) {
	root := t.TempDir()
	sess, err := storage.CreateSession(root, "scan-3")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	frame, err := sess.StoreFile(storage.FrameInput{
		SequenceNumber: 1,
		CameraID:       "left",
		Position:       config.Position4D{X: 1, Y: 2, Z: 3, C: 4},
		Data:           []byte("fake-jpeg-bytes"),
	})
	if err != nil {
		t.Fatalf("store file: %v", err)
	}
	if frame.Checksum == "" {
		t.Fatal("expected non-empty checksum")
	}

	entries, err := os.ReadDir(sess.Images)
	if err != nil {
		t.Fatalf("read images dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 image file, got %d", len(entries))
	}

	if len(sess.Manifest()) != 1 {
		t.Fatalf("expected 1 manifest entry, got %d", len(sess.Manifest()))
	}
}

func TestCreateSessionAttachesToExistingDirectory(t *testing.T) {
	root := t.TempDir()
	sess1, err := storage.CreateSession(root, "scan-4")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess1.StoreFile(storage.FrameInput{SequenceNumber: 1, CameraID: "left", Data: []byte("a")})

	sess2, err := storage.CreateSession(root, "scan-4")
	if err != nil {
		t.Fatalf("attach session: %v", err)
	}
	if len(sess2.Manifest()) != 1 {
		t.Fatalf("expected attached session to see existing manifest entry, got %d", len(sess2.Manifest()))
	}
}
