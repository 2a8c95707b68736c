/*Package storage lays out one scan's on-disk session: a positions
manifest, per-image JSON side-cars, and the image bytes themselves, each
written atomically.

The folder-per-day, incrementing-filename shape is grounded on
imgrec.Recorder (updateFolder/mkDir/counter), generalized from a single
flat counter to a scan-session directory tree keyed by scan ID, with
google/uuid supplying the IDs imgrec left to an integer counter because
this package's files must remain globally unique across concurrent
sessions, not just locally ordered within one folder.
*/
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crypto/sha256"

	"github.com/google/uuid"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/scanerr"
)

// Settings source tags for scan_positions.json, per spec §6.
const (
	SourcePlanningDefaults    = "planning_defaults"
	SourceCustomProfileApplied = "custom_profile_applied"
	SourceCameraCalibrated    = "camera_calibrated"
)

// CameraSettingsInfo describes the provenance of camera_settings in the
// positions manifest.
type CameraSettingsInfo struct {
	SettingsSource string `json:"settings_source"`
	Note           string `json:"note,omitempty"`
	WillBeUpdated  bool   `json:"will_be_updated"`
}

// ScanInfo is the header block of scan_positions.json.
type ScanInfo struct {
	ScanID             string            `json:"scan_id"`
	PatternType        string            `json:"pattern_type"`
	PatternID          string            `json:"pattern_id"`
	TotalPoints        int               `json:"total_points"`
	GeneratedAt        time.Time         `json:"generated_at"`
	PatternParameters  map[string]string `json:"pattern_parameters,omitempty"`
	CameraSettingsInfo CameraSettingsInfo `json:"camera_settings_info"`
}

// CaptureSettings is the per-point capture configuration.
type CaptureSettings struct {
	CaptureCount int `json:"capture_count"`
	DwellTimeMS  int `json:"dwell_time"`
}

// CameraSettings is the per-point camera configuration, some fields only
// populated once calibration has run.
type CameraSettings struct {
	ExposureTimeUS      int       `json:"exposure_time"`
	ISO                 int       `json:"iso"`
	Resolution          string    `json:"resolution"`
	Quality             int       `json:"quality"`
	CalibrationSource   string    `json:"calibration_source"`
	FocusPosition       *float64  `json:"focus_position,omitempty"`
	CalibrationTimestamp *time.Time `json:"calibration_timestamp,omitempty"`
}

// LightingSettings is the per-point flash configuration.
type LightingSettings struct {
	Zone       string  `json:"zone"`
	Brightness float64 `json:"brightness"`
}

// PositionEntry is one scan point as recorded in scan_positions.json.
type PositionEntry struct {
	PointIndex       int               `json:"point_index"`
	Position         config.Position4D `json:"position"`
	CaptureSettings  CaptureSettings   `json:"capture_settings"`
	CameraSettings   CameraSettings    `json:"camera_settings"`
	LightingSettings *LightingSettings `json:"lighting_settings,omitempty"`
}

// PositionsFile is the full scan_positions.json document.
type PositionsFile struct {
	ScanInfo      ScanInfo        `json:"scan_info"`
	ScanPositions []PositionEntry `json:"scan_positions"`
}

// StoredFrame is the per-image JSON side-car.
type StoredFrame struct {
	FileID          string            `json:"file_id"`
	ScanSessionID   string            `json:"scan_session_id"`
	SequenceNumber  int               `json:"sequence_number"`
	CameraID        string            `json:"camera_id"`
	Position        config.Position4D `json:"position"`
	CameraSettings  CameraSettings    `json:"camera_settings"`
	LightingSettings *LightingSettings `json:"lighting_settings,omitempty"`
	Checksum        string            `json:"checksum"`
	CapturedAt      time.Time         `json:"captured_at"`
	ExifSubset      map[string]string `json:"exif_subset,omitempty"`
}

// Session is one scan's on-disk directory: sessions/<scan_id>/{metadata,images}.
type Session struct {
	mu       sync.Mutex
	ScanID   string
	Root     string
	Metadata string
	Images   string
	manifest []StoredFrame
}

// CreateSession makes (or attaches to, if it already exists) the
// directory layout for scanID under outputRoot, matching spec §4.9's
// attach-to-existing-directory allowance for web-initiated scans.
func CreateSession(outputRoot, scanID string) (*Session, error) {
	root := filepath.Join(outputRoot, "sessions", scanID)
	meta := filepath.Join(root, "metadata")
	images := filepath.Join(root, "images")
	for _, d := range []string{meta, images} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, &scanerr.StorageError{Path: d, Cause: err}
		}
	}
	s := &Session{ScanID: scanID, Root: root, Metadata: meta, Images: images}
	s.loadManifest()
	return s, nil
}

func (s *Session) manifestPath() string {
	return filepath.Join(s.Metadata, "manifest.json")
}

func (s *Session) loadManifest() {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		return
	}
	var m []StoredFrame
	if json.Unmarshal(data, &m) == nil {
		s.manifest = m
	}
}

// WritePositions writes (or rewrites) <scan_id>_scan_positions.json.
// Called once after pattern generation with planning-defaults settings,
// and again after the first point's calibration completes.
func (s *Session) WritePositions(file PositionsFile) error {
	path := filepath.Join(s.Metadata, fmt.Sprintf("%s_scan_positions.json", s.ScanID))
	if err := writeAtomicJSON(path, file); err != nil {
		return &scanerr.StorageError{Path: path, Cause: err}
	}
	return nil
}

// FrameInput is the data needed to persist one captured frame.
type FrameInput struct {
	SequenceNumber   int
	CameraID         string
	Position         config.Position4D
	CameraSettings   CameraSettings
	LightingSettings *LightingSettings
	ExifSubset       map[string]string
	Data             []byte
}

// StoreFile writes the image bytes atomically into images/, writes a
// matching JSON side-car into metadata/, and updates the session
// manifest, also written atomically. The returned StoredFrame is the
// side-car's contents.
func (s *Session) StoreFile(in FrameInput) (StoredFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileID := uuid.New().String()
	sum := sha256.Sum256(in.Data)
	checksum := fmt.Sprintf("%x", sum)

	imgName := fmt.Sprintf("%s_%s.jpg", s.ScanID, fileID)
	imgPath := filepath.Join(s.Images, imgName)
	if err := writeAtomicBytes(imgPath, in.Data); err != nil {
		return StoredFrame{}, &scanerr.StorageError{Path: imgPath, Cause: err}
	}

	frame := StoredFrame{
		FileID:           fileID,
		ScanSessionID:    s.ScanID,
		SequenceNumber:   in.SequenceNumber,
		CameraID:         in.CameraID,
		Position:         in.Position,
		CameraSettings:   in.CameraSettings,
		LightingSettings: in.LightingSettings,
		Checksum:         checksum,
		CapturedAt:       time.Now(),
		ExifSubset:       in.ExifSubset,
	}

	sidecarPath := filepath.Join(s.Metadata, fmt.Sprintf("%s.json", fileID))
	if err := writeAtomicJSON(sidecarPath, frame); err != nil {
		return StoredFrame{}, &scanerr.StorageError{Path: sidecarPath, Cause: err}
	}

	s.manifest = append(s.manifest, frame)
	if err := writeAtomicJSON(s.manifestPath(), s.manifest); err != nil {
		return StoredFrame{}, &scanerr.StorageError{Path: s.manifestPath(), Cause: err}
	}

	return frame, nil
}

// Manifest returns a copy of every frame recorded so far.
func (s *Session) Manifest() []StoredFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredFrame, len(s.manifest))
	copy(out, s.manifest)
	return out
}

func writeAtomicBytes(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeAtomicJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicBytes(path, data)
}
