package fluidnc

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/scanerr"
	"github.com/fourdof/scanner/serial"
)

// Command timeouts, per spec §4.3.
const (
	TimeoutHoming  = 120 * time.Second
	TimeoutMove    = 60 * time.Second
	TimeoutStatus  = 5 * time.Second
	TimeoutUnlock  = 15 * time.Second
	TimeoutDefault = 10 * time.Second
)

// Controller is the motion subsystem's public surface: initialize, home,
// move, and emergency stop, built on top of a Protocol. It mirrors the
// aerotech.Ensemble/esp301.ESP301 "open device, validate limits, issue
// typed motion commands" shape, generalized to the asynchronous FluidNC
// wire protocol via Protocol.WaitForIdle.
type Controller struct {
	cfg   config.MotionConfig
	link  *serial.Link
	proto *Protocol
	homed bool

	log              *log.Logger
	stopStatusLogger func()
}

// NewController constructs a Controller. The link is not opened and the
// protocol processor is not started until Initialize is called.
func NewController(cfg config.MotionConfig) *Controller {
	return newControllerWithOpener(cfg, serial.TarmSerialOpener(cfg.Port, cfg.Baud))
}

// NewControllerForTest builds a Controller around a caller-supplied
// Opener, letting tests substitute an in-memory pipe for a real serial
// port.
func NewControllerForTest(cfg config.MotionConfig, open serial.Opener) *Controller {
	return newControllerWithOpener(cfg, open)
}

func newControllerWithOpener(cfg config.MotionConfig, open serial.Opener) *Controller {
	link := serial.NewLink(open)
	link.InitSequence = []string{
		fmt.Sprintf("$Report/Interval=%d", intervalOrDefault(cfg.StatusReportIntervalMS)),
	}
	return &Controller{
		cfg:   cfg,
		link:  link,
		proto: NewProtocol(link),
		log:   log.New(os.Stderr, "[fluidnc] ", log.LstdFlags),
	}
}

func intervalOrDefault(ms int) int {
	if ms <= 0 {
		return 200
	}
	return ms
}

// Initialize opens the serial link, starts the background status
// processor, and optionally clears an alarm condition with $X when
// cfg.AutoUnlock is set.
func (c *Controller) Initialize() error {
	if err := c.link.Open(); err != nil {
		return &scanerr.LinkError{Cause: err}
	}
	c.proto.Start()
	c.startStatusLogger()

	// allow the first auto-report to arrive before inspecting state
	time.Sleep(250 * time.Millisecond)
	c.proto.RequestStatus()
	time.Sleep(100 * time.Millisecond)

	snap := c.proto.Snapshot()
	if snap.State == Alarm {
		if !c.cfg.AutoUnlock {
			return &scanerr.AlarmState{}
		}
		if err := c.proto.SendAndWait("$X", TimeoutUnlock); err != nil {
			return err
		}
	}
	return nil
}

// startStatusLogger subscribes to the protocol's rate-limited status change
// stream and logs state transitions, the background status consumer called
// for by spec §5 — kept separate from the protocol's own internal
// bookkeeping so a slow or absent log sink never perturbs Snapshot callers.
func (c *Controller) startStatusLogger() {
	ch, cancel := c.proto.Subscribe()
	c.stopStatusLogger = cancel
	go func() {
		last := Disconnected
		for snap := range ch {
			if snap.State != last {
				c.log.Printf("state %s -> %s (pos %+v)", last, snap.State, snap.WorkPos)
				last = snap.State
			}
		}
	}()
}

// IsConnected reports whether the underlying link is healthy.
func (c *Controller) IsConnected() bool {
	return c.link.Healthy()
}

// IsHomed reports whether a homing cycle has completed successfully since
// Initialize.
func (c *Controller) IsHomed() bool {
	return c.homed
}

// GetPosition returns the controller's best known work-coordinate
// position.
func (c *Controller) GetPosition() config.Position4D {
	return c.proto.Snapshot().WorkPos
}

// GetStatus returns the current motion state.
func (c *Controller) GetStatus() MotionState {
	return c.proto.Snapshot().State
}

// Home runs the firmware homing cycle ($H) and applies the completion
// heuristic from spec §4.2: a "[MSG:homing done]"-shaped message, falling
// back to a Home→Idle transition, falling back again to proximity against
// ExpectedHomePosition within HomeTolerance. WCO is then cleared via the
// $RST=#/G92.1/$Bye escalation (see DESIGN.md Open Question resolution).
func (c *Controller) Home() error {
	c.proto.ClearHomingMsgs()
	done, err := c.proto.Send("$H")
	if err != nil {
		return err
	}

	deadline := time.Now().Add(TimeoutHoming)
	sawHoming := false
	for {
		select {
		case ackErr := <-done:
			if ackErr != nil {
				return ackErr
			}
		default:
		}

		snap := c.proto.Snapshot()
		if snap.State == Homing {
			sawHoming = true
		}
		if snap.State == Alarm {
			return &scanerr.AlarmState{}
		}
		if c.proto.SeenHomingDone() {
			c.homed = true
			break
		}
		if sawHoming && snap.State == Idle {
			c.homed = true
			break
		}
		if time.Now().After(deadline) {
			if withinTolerance(snap.WorkPos, c.cfg.ExpectedHomePosition, c.cfg.HomeTolerance) {
				c.homed = true
				break
			}
			return &scanerr.Timeout{Op: "home", Limit: TimeoutHoming.String()}
		}
		time.Sleep(PollInterval)
	}

	return c.clearWorkOffset()
}

func withinTolerance(got, want config.Position4D, tol float64) bool {
	if tol <= 0 {
		return false
	}
	d := func(a, b float64) float64 {
		if a > b {
			return a - b
		}
		return b - a
	}
	return d(got.X, want.X) <= tol && d(got.Y, want.Y) <= tol &&
		d(got.Z, want.Z) <= tol && d(got.C, want.C) <= tol
}

// clearWorkOffset escalates $RST=# -> G92.1 -> $Bye until WCO reads as
// zeroed, per the Open Question resolution in DESIGN.md: some FluidNC
// builds only honor one of the three depending on firmware version, so
// each is tried in order of increasing disruption.
func (c *Controller) clearWorkOffset() error {
	attempts := []string{"$RST=#", "G92.1", "$Bye"}
	for _, cmd := range attempts {
		if err := c.proto.SendAndWait(cmd, TimeoutDefault); err != nil {
			continue
		}
		c.proto.RequestStatus()
		time.Sleep(100 * time.Millisecond)
		snap := c.proto.Snapshot()
		if !snap.HaveWCO || isZero(snap.WCO) {
			return nil
		}
	}
	return nil
}

func isZero(p config.Position4D) bool {
	const eps = 1e-6
	abs := func(f float64) float64 {
		if f < 0 {
			return -f
		}
		return f
	}
	return abs(p.X) < eps && abs(p.Y) < eps && abs(p.Z) < eps && abs(p.C) < eps
}

// validateLimits checks a target position against cfg.Limits, inset by
// cfg.SafetyMargin, returning a SafetyViolation if any coordinate is out
// of bounds (we reject rather than silently clamp, since silently moving
// somewhere other than what was asked is worse than refusing).
func (c *Controller) validateLimits(target config.Position4D) error {
	check := func(axis string, v float64) error {
		lim, ok := c.cfg.Limits[axis]
		if !ok {
			return nil
		}
		min := lim.Min + c.cfg.SafetyMargin
		max := lim.Max - c.cfg.SafetyMargin
		if v < min || v > max {
			return &scanerr.SafetyViolation{Axis: axis, Value: v, Min: min, Max: max}
		}
		return nil
	}
	if err := check("x", target.X); err != nil {
		return err
	}
	if err := check("y", target.Y); err != nil {
		return err
	}
	if err := check("z", target.Z); err != nil {
		return err
	}
	if err := check("c", target.C); err != nil {
		return err
	}
	return nil
}

func (c *Controller) clampFeedrate(axis string, feedrate float64) float64 {
	lim, ok := c.cfg.Limits[axis]
	if !ok || lim.MaxFeedrate <= 0 {
		return feedrate
	}
	if feedrate > lim.MaxFeedrate {
		return lim.MaxFeedrate
	}
	return feedrate
}

// MoveTo issues an absolute move to target at feedrate (mm/min, clamped
// to the tightest MaxFeedrate configured for any of the four axes, whether
// or not that axis moves) and blocks until the firmware reports completion.
func (c *Controller) MoveTo(target config.Position4D, feedrate float64) error {
	if err := c.validateLimits(target); err != nil {
		return err
	}
	fr := feedrate
	for _, axis := range []string{"x", "y", "z", "c"} {
		fr = minFeedrate(fr, c.clampFeedrate(axis, feedrate))
	}
	cmd := fmt.Sprintf("G90 G1 X%.4f Y%.4f Z%.4f C%.4f F%.2f", target.X, target.Y, target.Z, target.C, fr)
	return c.issueMoveAndWait(cmd)
}

// MoveRelative issues an incremental move by delta at feedrate, clamped
// the same way as MoveTo.
func (c *Controller) MoveRelative(delta config.Position4D, feedrate float64) error {
	cur := c.GetPosition()
	target := config.Position4D{X: cur.X + delta.X, Y: cur.Y + delta.Y, Z: cur.Z + delta.Z, C: cur.C + delta.C}
	if err := c.validateLimits(target); err != nil {
		return err
	}
	fr := feedrate
	for _, axis := range []string{"x", "y", "z", "c"} {
		fr = minFeedrate(fr, c.clampFeedrate(axis, feedrate))
	}
	cmd := fmt.Sprintf("G91 G1 X%.4f Y%.4f Z%.4f C%.4f F%.2f G90", delta.X, delta.Y, delta.Z, delta.C, fr)
	return c.issueMoveAndWait(cmd)
}

// accelerationSettingCodes maps axis name to its GRBL/FluidNC EEPROM
// acceleration setting number (mm/sec^2); C has no standard code in the
// 3-axis GRBL setting table, so an AccelerationFactor only affects X/Y/Z.
var accelerationSettingCodes = map[string]int{"x": 120, "y": 121, "z": 122}

// ApplyAcceleration scales each configured BaseAcceleration axis by factor
// and writes it via the matching $12n= setting, per apply_profiles's speed
// profile (spec §4.10). Axes with no configured baseline are left alone and
// logged, rather than guessed at.
func (c *Controller) ApplyAcceleration(factor float64) error {
	if factor <= 0 {
		factor = 1
	}
	for _, axis := range []string{"x", "y", "z"} {
		base, ok := c.cfg.BaseAcceleration[axis]
		if !ok {
			c.log.Printf("no base_acceleration configured for axis %s, skipping accel scaling", axis)
			continue
		}
		code := accelerationSettingCodes[axis]
		cmd := fmt.Sprintf("$%d=%.3f", code, base*factor)
		if err := c.proto.SendAndWait(cmd, TimeoutDefault); err != nil {
			return fmt.Errorf("fluidnc: apply acceleration axis %s: %w", axis, err)
		}
	}
	return nil
}

func minFeedrate(a, b float64) float64 {
	if b < a {
		return b
	}
	return a
}

func (c *Controller) issueMoveAndWait(cmd string) error {
	c.proto.ConsumeActiveSeen()
	_, err := c.proto.Send(cmd)
	if err != nil {
		return err
	}
	return c.proto.WaitForIdle(cmd, TimeoutMove)
}

// EmergencyStop asserts a feed-hold immediately, then a soft reset, and
// marks the controller unhomed: any caller must re-home before further
// motion, matching the safety contract in spec §4.4.
func (c *Controller) EmergencyStop() error {
	c.homed = false
	if err := c.link.WriteRealtime(0x21); err != nil {
		return &scanerr.LinkError{Cause: err}
	}
	time.Sleep(50 * time.Millisecond)
	if err := c.link.WriteRealtime(0x18); err != nil {
		return &scanerr.LinkError{Cause: err}
	}
	return &scanerr.EmergencyStopped{}
}

// Close stops the background processor and closes the serial link.
func (c *Controller) Close() error {
	if c.stopStatusLogger != nil {
		c.stopStatusLogger()
	}
	c.proto.Stop()
	return c.link.Close()
}
