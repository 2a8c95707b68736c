/*Package flash drives the scanner's LED illumination zones over GPIO/PWM,
grounded on periph.io/x/periph's gpio.PinIO (Out/PWM) and gpioreg's
by-name pin registry: each configured zone name resolves to a physical pin
through gpioreg.ByName exactly as periph's own cmd/gpio-write does, and
brightness is expressed as a PWM duty cycle rather than a bare on/off
level.
*/
package flash

import (
	"fmt"
	"sync"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"

	"github.com/fourdof/scanner/config"
)

// dutyMax mirrors gpio.DutyMax, the PWM value considered fully on.
const dutyMax = gpio.DutyMax

var hostInitOnce sync.Once
var hostInitErr error

// ensureHost performs the one-time periph host driver initialization
// needed before any gpioreg lookup succeeds on real hardware.
func ensureHost() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}

// Array is the set of named LED zones available to the scanner, each
// bound to a GPIO/PWM-capable pin.
type Array struct {
	mu    sync.Mutex
	zones map[string]gpio.PinIO
	state map[string]float64
}

// NewArray resolves every configured zone to its pin via gpioreg.ByName.
// A zone whose channel cannot be resolved is reported but does not
// prevent the rest of the array from being usable.
func NewArray(zones []config.FlashZone) (*Array, error) {
	if err := ensureHost(); err != nil {
		return nil, fmt.Errorf("flash: periph host init: %w", err)
	}
	return newArrayWithResolver(zones, gpioreg.ByName)
}

// NewArrayWithResolver builds an Array using a caller-supplied pin
// resolver instead of the global gpioreg registry, letting tests bind
// zones to gpiotest.Pin fakes.
func NewArrayWithResolver(zones []config.FlashZone, resolve func(name string) gpio.PinIO) (*Array, error) {
	return newArrayWithResolver(zones, resolve)
}

func newArrayWithResolver(zones []config.FlashZone, resolve func(name string) gpio.PinIO) (*Array, error) {
	a := &Array{zones: make(map[string]gpio.PinIO), state: make(map[string]float64)}
	var unresolved []string
	for _, z := range zones {
		pin := resolve(z.Channel)
		if pin == nil {
			unresolved = append(unresolved, z.Channel)
			continue
		}
		a.zones[z.Name] = pin
	}
	if len(unresolved) > 0 {
		return a, fmt.Errorf("flash: could not resolve channels: %v", unresolved)
	}
	return a, nil
}

// On sets zone to a fixed brightness in [0, 1] and leaves it energized
// until Off is called.
func (a *Array) On(zone string, brightness float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pin, ok := a.zones[zone]
	if !ok {
		return fmt.Errorf("flash: unknown zone %q", zone)
	}
	duty := gpio.Duty(clamp01(brightness) * float64(dutyMax))
	if err := pin.PWM(duty, 0); err != nil {
		return fmt.Errorf("flash: zone %q PWM: %w", zone, err)
	}
	a.state[zone] = brightness
	return nil
}

// Off de-energizes zone.
func (a *Array) Off(zone string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pin, ok := a.zones[zone]
	if !ok {
		return fmt.Errorf("flash: unknown zone %q", zone)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("flash: zone %q off: %w", zone, err)
	}
	a.state[zone] = 0
	return nil
}

// SetBrightness is an alias for On, named to match the operation listed
// in spec §4.6 for adjusting an already-lit zone without a semantic
// distinction from first activation.
func (a *Array) SetBrightness(zone string, brightness float64) error {
	return a.On(zone, brightness)
}

// Brightness reports the last commanded brightness for zone.
func (a *Array) Brightness(zone string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state[zone]
}

// TriggerForCapture energizes zone at brightness for the duration of fn
// (expected to perform exactly one camera capture) and guarantees the
// zone is switched off afterward even if fn fails, since leaving an LED
// bank lit between scan points would wash out the next frame and waste
// power.
func (a *Array) TriggerForCapture(zone string, brightness float64, fn func() error) error {
	if err := a.On(zone, brightness); err != nil {
		return err
	}
	defer a.Off(zone)
	return fn()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
