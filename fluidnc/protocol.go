/*Package fluidnc implements the line-oriented G-code/FluidNC motion
protocol: frame parsing, controller-state tracking, and the high level
motion controller built on top of it.

The protocol half generalizes the request/response pattern used by
aerotech.Ensemble and newport.ESP301 in the teacher codebase: those drive a
synchronous write-then-read exchange because their controllers only ever
speak when spoken to. FluidNC/GRBL also emit unsolicited auto-reports and
[MSG:...] lines interleaved with command acknowledgements, so completion
cannot be inferred from "I got a response" alone — a single background
goroutine is the sole writer of a ControllerSnapshot, and readers take
immutable copies of it, per the re-architecture note in spec §9.
*/
package fluidnc

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/scanerr"
	"github.com/fourdof/scanner/serial"
)

// notifyInterval bounds how often the status processor republishes change
// notifications to subscribers, independent of how fast the firmware's
// $Report/Interval actually ticks over a noisy link.
const notifyInterval = 100 * time.Millisecond

// MotionState is the controller's reported run state.
type MotionState int

const (
	Disconnected MotionState = iota
	Idle
	Moving
	Homing
	Hold
	Alarm
	ErrorState
	EmergencyStop
)

func (s MotionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Idle:
		return "Idle"
	case Moving:
		return "Moving"
	case Homing:
		return "Homing"
	case Hold:
		return "Hold"
	case Alarm:
		return "Alarm"
	case ErrorState:
		return "Error"
	case EmergencyStop:
		return "EmergencyStop"
	default:
		return fmt.Sprintf("MotionState(%d)", int(s))
	}
}

// firmwareStateToMotionState maps the token inside <State|...> to our enum.
func firmwareStateToMotionState(token string) MotionState {
	switch strings.ToLower(token) {
	case "idle":
		return Idle
	case "run":
		return Moving
	case "jog":
		return Moving
	case "home":
		return Homing
	case "hold", "hold:0", "hold:1":
		return Hold
	case "alarm":
		return Alarm
	case "door", "door:0", "door:1":
		return Hold
	default:
		return ErrorState
	}
}

// isRunOrJog reports whether the raw firmware token is Run or Jog,
// needed for the engagement-window completion heuristic which cares about
// Run/Jog specifically, not the collapsed Moving state.
func isRunOrJog(token string) bool {
	t := strings.ToLower(token)
	return t == "run" || t == "jog"
}

// ControllerSnapshot is an immutable view of the controller published by
// the background status processor. Callers never mutate it; they take a
// copy via Protocol.Snapshot.
type ControllerSnapshot struct {
	State          MotionState
	MachinePos     config.Position4D
	WorkPos        config.Position4D
	WCO            config.Position4D
	HaveWCO        bool
	Homed          bool
	LastRawStatus  string
	LastAckCommand string
	LastAckAt      time.Time
	LastStatusAt   time.Time
	ActiveSeen     bool // Run/Jog observed since the last Idle transition
}

var (
	statusFrameRe = regexp.MustCompile(`^<([^|>]+)(\|.*)?>$`)
	mposRe        = regexp.MustCompile(`MPos:([-0-9.,]+)`)
	wposRe        = regexp.MustCompile(`WPos:([-0-9.,]+)`)
	wcoRe         = regexp.MustCompile(`WCO:([-0-9.,]+)`)
	alarmRe       = regexp.MustCompile(`^ALARM:(\d+)`)
	errorRe       = regexp.MustCompile(`^error:?(\d*)`)
)

// parseAxisVector parses a comma separated list of floats, reading only the
// first four and padding C with 0 if fewer than four are present, per the
// 3-axis/4-axis/6-axis tolerance rule in spec §4.2.
func parseAxisVector(s string) (config.Position4D, bool) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return config.Position4D{}, false
	}
	vals := make([]float64, 4)
	for i := 0; i < len(parts) && i < 4; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return config.Position4D{}, false
		}
		vals[i] = f
	}
	return config.Position4D{X: vals[0], Y: vals[1], Z: vals[2], C: vals[3]}, true
}

// pendingCmd is one outstanding command awaiting ok/error.
type pendingCmd struct {
	text string
	done chan error
}

// Protocol owns the single ControllerSnapshot writer: it consumes lines
// from a serial.Link and updates the snapshot under lock. Readers call
// Snapshot for a consistent copy; Subscribe additionally delivers
// rate-limited copies after status frames and alarms.
type Protocol struct {
	link *serial.Link
	log  *log.Logger

	mu       sync.Mutex
	snap     ControllerSnapshot
	pending  []*pendingCmd

	msgMu sync.Mutex
	msgs  []string // recent [MSG:...] lines, for homing-done detection

	subMu   sync.Mutex
	subs    map[int]chan ControllerSnapshot
	nextSub int
	limiter *rate.Limiter

	unsub func()
	stop  chan struct{}
}

// NewProtocol constructs a Protocol bound to link. Call Start to begin
// consuming the line stream.
func NewProtocol(link *serial.Link) *Protocol {
	return &Protocol{
		link:    link,
		log:     log.New(serial_discard{}, "[fluidnc] ", log.LstdFlags),
		snap:    ControllerSnapshot{State: Disconnected},
		subs:    make(map[int]chan ControllerSnapshot),
		limiter: rate.NewLimiter(rate.Every(notifyInterval), 1),
		stop:    make(chan struct{}),
	}
}

// Subscribe returns a channel of status change notifications and an
// unsubscribe function. Notifications are rate-limited to notifyInterval so
// a link reporting faster than that cadence cannot flood a slow observer;
// the channel carries only the latest snapshot, not every intermediate one.
func (p *Protocol) Subscribe() (<-chan ControllerSnapshot, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan ControllerSnapshot, 1)
	p.subs[id] = ch
	cancel := func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// notify republishes the current snapshot to subscribers if the rate
// limiter allows it, dropping the notification (not queuing it) otherwise.
// A dropped notification is never lost information: the next allowed
// notification, or a direct Snapshot call, always carries the latest state.
func (p *Protocol) notify() {
	if !p.limiter.Allow() {
		return
	}
	snap := p.Snapshot()
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- snap:
		default:
			<-ch
			ch <- snap
		}
	}
}

type serial_discard struct{}

func (serial_discard) Write(p []byte) (int, error) { return len(p), nil }

// Start subscribes to the link's line stream and begins the background
// status processor goroutine.
func (p *Protocol) Start() {
	ch, cancel := p.link.Subscribe()
	p.unsub = cancel
	go p.processLoop(ch)
}

// Stop unsubscribes from the link.
func (p *Protocol) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	close(p.stop)
}

func (p *Protocol) processLoop(ch <-chan serial.Line) {
	for line := range ch {
		p.handleLine(line)
	}
}

func (p *Protocol) handleLine(line serial.Line) {
	text := line.Text
	switch {
	case text == "ok":
		p.completeOldest(nil, text, line.At)
	case strings.HasPrefix(text, "error"):
		m := errorRe.FindStringSubmatch(text)
		code := 0
		if len(m) == 2 && m[1] != "" {
			code, _ = strconv.Atoi(m[1])
		}
		p.completeOldest(&scanerr.ProtocolError{Code: code, Text: text}, text, line.At)
	case strings.HasPrefix(text, "ALARM:"):
		m := alarmRe.FindStringSubmatch(text)
		code := 0
		if len(m) == 2 {
			code, _ = strconv.Atoi(m[1])
		}
		p.mu.Lock()
		p.snap.State = Alarm
		p.snap.Homed = false
		p.snap.LastRawStatus = text
		p.mu.Unlock()
		p.notify()
		p.failAll(&scanerr.AlarmState{Code: code})
	case strings.HasPrefix(text, "[MSG:"):
		p.recordMsg(text)
	case statusFrameRe.MatchString(text):
		p.handleStatusFrame(text, line.At)
		p.notify()
	default:
		// [GC:...], [G54:...], [PRB:...], $...=... — ancillary, stored as
		// raw status text only, not a completion signal.
		p.mu.Lock()
		p.snap.LastRawStatus = text
		p.mu.Unlock()
	}
}

func (p *Protocol) recordMsg(text string) {
	p.msgMu.Lock()
	p.msgs = append(p.msgs, text)
	if len(p.msgs) > 64 {
		p.msgs = p.msgs[len(p.msgs)-64:]
	}
	p.msgMu.Unlock()
}

// SeenHomingDone reports whether a "[MSG:homing done]"-style token has
// arrived since the last time ClearHomingMsgs was called.
func (p *Protocol) SeenHomingDone() bool {
	p.msgMu.Lock()
	defer p.msgMu.Unlock()
	for _, m := range p.msgs {
		lower := strings.ToLower(m)
		if strings.Contains(lower, "homing") && strings.Contains(lower, "done") {
			return true
		}
		if strings.Contains(lower, "homed:") {
			return true
		}
	}
	return false
}

// ClearHomingMsgs resets the homing-message buffer, called before starting
// a fresh homing cycle.
func (p *Protocol) ClearHomingMsgs() {
	p.msgMu.Lock()
	p.msgs = nil
	p.msgMu.Unlock()
}

func (p *Protocol) handleStatusFrame(text string, at time.Time) {
	m := statusFrameRe.FindStringSubmatch(text)
	if m == nil {
		return
	}
	stateToken := m[1]
	body := m[2]

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.LastRawStatus = text
	p.snap.LastStatusAt = at

	newState := firmwareStateToMotionState(stateToken)
	if isRunOrJog(stateToken) {
		p.snap.ActiveSeen = true
	}
	if newState == Idle && p.snap.State != Idle {
		// transition into Idle observed; ActiveSeen is consumed by
		// whoever is polling via Snapshot/ConsumeActiveSeen, not cleared
		// here, so a late poller still sees it.
	}
	p.snap.State = newState

	var mpos, wpos, wco config.Position4D
	var haveM, haveW, haveWCO bool
	if mm := mposRe.FindStringSubmatch(body); mm != nil {
		mpos, haveM = parseAxisVector(mm[1])
	}
	if wm := wposRe.FindStringSubmatch(body); wm != nil {
		wpos, haveW = parseAxisVector(wm[1])
	}
	if wm := wcoRe.FindStringSubmatch(body); wm != nil {
		wco, haveWCO = parseAxisVector(wm[1])
	}
	if haveWCO {
		p.snap.WCO = wco
		p.snap.HaveWCO = true
	}
	if haveM {
		p.snap.MachinePos = mpos
	}
	if haveW {
		p.snap.WorkPos = wpos
	}
	// Prefer WPos for X,Y,C and MPos for Z when both are present, since Z
	// is a continuous rotary axis with accumulation semantics distinct
	// from the other three.
	if haveW && haveM {
		p.snap.WorkPos.Z = mpos.Z
	} else if haveM && !haveW {
		p.snap.WorkPos = mpos
	}
}

func (p *Protocol) completeOldest(err error, raw string, at time.Time) {
	p.mu.Lock()
	var cmd *pendingCmd
	if len(p.pending) > 0 {
		cmd = p.pending[0]
		p.pending = p.pending[1:]
	}
	if err == nil {
		p.snap.LastAckCommand = ""
		if cmd != nil {
			p.snap.LastAckCommand = cmd.text
		}
		p.snap.LastAckAt = at
	}
	p.mu.Unlock()
	if cmd != nil {
		cmd.done <- err
	}
}

func (p *Protocol) failAll(err error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, cmd := range pending {
		cmd.done <- err
	}
}

// Send writes a command line and returns a channel that receives its
// eventual ok/error/alarm result. Commands are totally ordered: Send
// appends to the pending queue before writing, so the result always
// corresponds to the oldest still-unacknowledged command.
func (p *Protocol) Send(cmd string) (<-chan error, error) {
	done := make(chan error, 1)
	pc := &pendingCmd{text: cmd, done: done}
	p.mu.Lock()
	p.pending = append(p.pending, pc)
	p.mu.Unlock()
	if err := p.link.Write(cmd); err != nil {
		p.mu.Lock()
		// remove the entry we just added since nothing was transmitted
		for i, c := range p.pending {
			if c == pc {
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return nil, &scanerr.LinkError{Cause: err}
	}
	return done, nil
}

// SendAndWait sends cmd and blocks until ok/error/alarm or timeout.
func (p *Protocol) SendAndWait(cmd string, timeout time.Duration) error {
	done, err := p.Send(cmd)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return &scanerr.Timeout{Op: cmd, Limit: timeout.String()}
	}
}

// RequestStatus sends a bare "?" status query, which returns exactly one
// <...> frame (and possibly an "ok").
func (p *Protocol) RequestStatus() error {
	return p.link.Write("?")
}

// Snapshot returns a consistent copy of the current controller state.
func (p *Protocol) Snapshot() ControllerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// ConsumeActiveSeen atomically reads and clears the ActiveSeen flag,
// used by WaitForIdle so a Run/Jog observation is not double counted
// across two sequential waits.
func (p *Protocol) ConsumeActiveSeen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.snap.ActiveSeen
	p.snap.ActiveSeen = false
	return v
}

const (
	// EngagementWindow is the interval after issuing a motion command
	// during which an Idle observation does not by itself indicate
	// completion (spec §4.2).
	EngagementWindow = 500 * time.Millisecond

	// PollInterval is the cadence at which WaitForIdle polls the
	// snapshot (spec §5 suspension points).
	PollInterval = 20 * time.Millisecond
)

// WaitForIdle blocks until the motion started by the command cmdText is
// observed complete, fails, or times out. It implements the
// three-way completion heuristic from spec §4.2:
//
//  1. Run/Jog observed at least once, then Idle.
//  2. The snapshot remains Idle past the engagement window and the
//     command has been ok'd (last_ack matches).
//  3. A stale pre-engagement snapshot is refreshed with a fresh status
//     query that confirms Idle.
func (p *Protocol) WaitForIdle(cmdText string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	engageUntil := time.Now().Add(EngagementWindow)
	queriedFresh := false

	for {
		snap := p.Snapshot()
		switch snap.State {
		case Alarm:
			return &scanerr.AlarmState{}
		case ErrorState:
			return &scanerr.ProtocolError{Text: "controller reported error during motion"}
		}

		now := time.Now()
		if now.After(engageUntil) {
			if snap.State == Idle {
				if p.ConsumeActiveSeen() {
					return nil
				}
				if snap.LastAckCommand == cmdText {
					return nil
				}
				if !queriedFresh {
					queriedFresh = true
					p.RequestStatus()
				} else if now.Sub(snap.LastStatusAt) < PollInterval*2 {
					// a fresh status frame arrived after our query and
					// still reads Idle: treat as confirmed complete.
					return nil
				}
			} else {
				if p.ConsumeActiveSeen() {
					// ActiveSeen was true but state isn't idle yet;
					// put it back for the next iteration.
					p.mu.Lock()
					p.snap.ActiveSeen = true
					p.mu.Unlock()
				}
			}
		}

		if now.After(deadline) {
			return &scanerr.Timeout{Op: "wait-for-idle", Limit: timeout.String()}
		}
		time.Sleep(PollInterval)
	}
}
