/*Package scanstate holds the live ScanState for one in-progress or
completed scan, publishes progress to local subscribers, and checkpoints
itself to disk after every point.

The pause/resume/cancel signal channel is grounded on fsm.Disturbance: a
single unbuffered channel carrying string-ish actions into a loop that
polls it non-blockingly between units of work, generalized here into a
typed Signal and exposed as three named methods instead of one
string-switched Play loop, since the orchestrator calls in from several
different goroutines rather than ticking a single playback loop.
*/
package scanstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ScanStatus is the coarse-grained lifecycle state of a scan.
type ScanStatus string

const (
	Idle         ScanStatus = "Idle"
	Initializing ScanStatus = "Initializing"
	Running      ScanStatus = "Running"
	Paused       ScanStatus = "Paused"
	Completed    ScanStatus = "Completed"
	Failed       ScanStatus = "Failed"
	Cancelled    ScanStatus = "Cancelled"
)

// ScanPhase is the fine-grained activity within a Running scan.
type ScanPhase string

const (
	PhaseSetup      ScanPhase = "Setup"
	PhaseHoming     ScanPhase = "Homing"
	PhasePositioning ScanPhase = "Positioning"
	PhaseCapturing  ScanPhase = "Capturing"
	PhaseProcessing ScanPhase = "Processing"
	PhaseCleanup    ScanPhase = "Cleanup"
)

// Progress tracks point/image counters.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
	Images  int `json:"images"`
}

// Timing tracks wall-clock boundaries and accumulated pause time.
type Timing struct {
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	PausedAccum time.Duration `json:"paused_accum"`
}

// ScanError is one recorded failure, attributable to a point when known.
type ScanError struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	CameraID   string    `json:"camera_id,omitempty"`
	PointIndex int       `json:"point_index,omitempty"`
	At         time.Time `json:"at"`
}

// ScanState is the full persisted record of one scan run.
type ScanState struct {
	ID                string               `json:"id"`
	PatternID         string               `json:"pattern_id"`
	Status            ScanStatus           `json:"status"`
	Phase             ScanPhase            `json:"phase"`
	Progress          Progress             `json:"progress"`
	Timing            Timing               `json:"timing"`
	Errors            []ScanError          `json:"errors"`
	LastSuccessfulPoint *int               `json:"last_successful_point,omitempty"`
	Parameters        map[string]string    `json:"parameters,omitempty"`
	OutputDir         string               `json:"output_dir"`

	// CameraSettingsSource records how the persisted camera settings in
	// scan_positions.json were derived: planning_defaults before the
	// first point's calibration runs, custom_profile_applied after
	// apply_profiles, or camera_calibrated once §4.5 has run.
	CameraSettingsSource string `json:"camera_settings_source,omitempty"`
}

// Event is published on the Bus whenever the state or progress changes.
type Event struct {
	State ScanState
	Kind  string // every event Machine publishes carries "status"
}

// Bus is a minimal local publish/subscribe point, mirroring the broadcast
// pattern in serial.Link but carrying Events instead of Lines.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and an unsubscribe func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 32)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// signal actions carried over the pause/resume/cancel control channel.
type signal int

const (
	sigPause signal = iota
	sigResume
	sigCancel
)

// Machine owns one ScanState and its pause/resume/cancel control channel.
// Only the orchestrator goroutine driving the scan loop calls WaitIfPaused
// and IsCancelled; any goroutine may call Pause/Resume/Cancel.
type Machine struct {
	mu    sync.Mutex
	state ScanState
	bus   *Bus

	sig      chan signal
	paused   bool
	cancelled bool
	pauseStartedAt time.Time
}

// New constructs a Machine for a fresh scan.
func New(id, patternID, outputDir string, total int) *Machine {
	return &Machine{
		state: ScanState{
			ID:        id,
			PatternID: patternID,
			Status:    Idle,
			Phase:     PhaseSetup,
			Progress:  Progress{Total: total},
			OutputDir: outputDir,
			CameraSettingsSource: "planning_defaults",
		},
		bus: NewBus(),
		sig: make(chan signal, 4),
	}
}

// Bus exposes the event stream for UI/logging consumers.
func (m *Machine) Bus() *Bus { return m.bus }

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() ScanState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) mutate(fn func(*ScanState)) {
	m.mu.Lock()
	fn(&m.state)
	snap := m.state
	m.mu.Unlock()
	m.bus.publish(Event{State: snap, Kind: "status"})
}

// SetStatus transitions the coarse status, stamping Timing.Start/End at
// the Running/terminal boundaries.
func (m *Machine) SetStatus(s ScanStatus) {
	m.mutate(func(st *ScanState) {
		st.Status = s
		switch s {
		case Running:
			if st.Timing.Start.IsZero() {
				st.Timing.Start = time.Now()
			}
		case Completed, Failed, Cancelled:
			now := time.Now()
			st.Timing.End = &now
		}
	})
}

// SetPhase transitions the fine-grained phase.
func (m *Machine) SetPhase(p ScanPhase) {
	m.mutate(func(st *ScanState) { st.Phase = p })
}

// RecordError appends a failure to the error log without changing status;
// the orchestrator decides separately whether an error is terminal.
func (m *Machine) RecordError(kind, message, cameraID string, pointIndex int) {
	m.mutate(func(st *ScanState) {
		st.Errors = append(st.Errors, ScanError{
			Kind: kind, Message: message, CameraID: cameraID, PointIndex: pointIndex, At: time.Now(),
		})
	})
}

// AdvanceProgress records a successfully completed point and its image
// count, and is what last_successful_point resumes from after a crash.
func (m *Machine) AdvanceProgress(pointIndex, imagesAdded int) {
	m.mutate(func(st *ScanState) {
		st.Progress.Current = pointIndex + 1
		st.Progress.Images += imagesAdded
		idx := pointIndex
		st.LastSuccessfulPoint = &idx
	})
}

// SetCameraSettingsSource updates how scan_positions.json should describe
// the recorded camera settings.
func (m *Machine) SetCameraSettingsSource(source string) {
	m.mutate(func(st *ScanState) { st.CameraSettingsSource = source })
}

// Parameters records the caller-supplied scan parameters (pattern
// arguments, profile names) alongside the persisted state, for later
// diagnosis.
func (m *Machine) Parameters(params map[string]string) {
	m.mutate(func(st *ScanState) { st.Parameters = params })
}

// Pause requests the scan loop suspend at its next yield point.
func (m *Machine) Pause() {
	m.mu.Lock()
	if !m.paused {
		m.paused = true
		m.pauseStartedAt = time.Now()
	}
	m.mu.Unlock()
	select {
	case m.sig <- sigPause:
	default:
	}
	m.SetStatus(Paused)
}

// Resume releases a pending or active pause.
func (m *Machine) Resume() {
	m.mu.Lock()
	wasPaused := m.paused
	m.paused = false
	accum := time.Duration(0)
	if wasPaused {
		accum = time.Since(m.pauseStartedAt)
	}
	m.mu.Unlock()
	m.mutate(func(st *ScanState) { st.Timing.PausedAccum += accum })
	select {
	case m.sig <- sigResume:
	default:
	}
	m.SetStatus(Running)
}

// Cancel requests the scan loop abort at its next yield point.
func (m *Machine) Cancel() {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
	select {
	case m.sig <- sigCancel:
	default:
	}
}

// IsCancelled reports whether Cancel has been requested.
func (m *Machine) IsCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// PauseTimeout bounds how long WaitIfPaused spins before giving up and
// returning an error, per spec §4.10's 30s bound.
const PauseTimeout = 30 * time.Second

// WaitIfPaused blocks the calling goroutine while the machine is paused,
// waking immediately on Resume or Cancel, and returns an error if neither
// occurs within PauseTimeout. It must be called only from the single
// goroutine driving the scan loop.
func (m *Machine) WaitIfPaused() error {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if !paused {
		return nil
	}
	deadline := time.After(PauseTimeout)
	for {
		select {
		case s := <-m.sig:
			switch s {
			case sigResume:
				return nil
			case sigCancel:
				return fmt.Errorf("cancelled while paused")
			}
		case <-deadline:
			return fmt.Errorf("pause exceeded %s", PauseTimeout)
		}
	}
}

// Checkpoint atomically writes the current state to
// <output>/<scan_id>_state.json via a temp-file-then-rename, so a reader
// never observes a partially written snapshot.
func (m *Machine) Checkpoint() error {
	snap := m.Snapshot()
	path := filepath.Join(snap.OutputDir, fmt.Sprintf("%s_state.json", snap.ID))
	return writeAtomicJSON(path, snap)
}

func writeAtomicJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

