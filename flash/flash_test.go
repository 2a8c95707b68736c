package flash_test

import (
	"testing"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"

	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/flash"
)

func newTestArray(t *testing.T) (*flash.Array, map[string]*gpiotest.Pin) {
	t.Helper()
	pins := map[string]*gpiotest.Pin{
		"GPIO17": {N: "GPIO17", Num: 17},
		"GPIO27": {N: "GPIO27", Num: 27},
	}
	zones := []config.FlashZone{
		{Name: "front", Channel: "GPIO17"},
		{Name: "rear", Channel: "GPIO27"},
	}
	arr, err := flash.NewArrayWithResolver(zones, func(name string) gpio.PinIO {
		p, ok := pins[name]
		if !ok {
			return nil
		}
		return p
	})
	if err != nil {
		t.Fatalf("new array: %v", err)
	}
	return arr, pins
}

func TestOnSetsPWMDuty(t *testing.T) {
	arr, pins := newTestArray(t)
	if err := arr.On("front", 1.0); err != nil {
		t.Fatalf("on: %v", err)
	}
	if pins["GPIO17"].D != gpio.DutyMax {
		t.Fatalf("expected full duty cycle, got %v", pins["GPIO17"].D)
	}
}

func TestOffDrivesLow(t *testing.T) {
	arr, pins := newTestArray(t)
	arr.On("front", 0.5)
	if err := arr.Off("front"); err != nil {
		t.Fatalf("off: %v", err)
	}
	if pins["GPIO17"].L != gpio.Low {
		t.Fatalf("expected pin driven low after Off")
	}
}

func TestTriggerForCaptureAlwaysReleases(t *testing.T) {
	arr, pins := newTestArray(t)

	err := arr.TriggerForCapture("rear", 0.75, func() error {
		if pins["GPIO27"].D == 0 {
			t.Fatal("expected zone energized during capture function")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if pins["GPIO27"].L != gpio.Low {
		t.Fatalf("expected zone released after capture")
	}
}

func TestUnknownZoneErrors(t *testing.T) {
	arr, _ := newTestArray(t)
	if err := arr.On("missing", 1.0); err == nil {
		t.Fatal("expected error for unknown zone")
	}
}
