package main

import (
	"fmt"
	"log"
	"os"

	"github.com/fourdof/scanner/camera"
	"github.com/fourdof/scanner/config"
	"github.com/fourdof/scanner/flash"
	"github.com/fourdof/scanner/fluidnc"
	"github.com/fourdof/scanner/orchestrator"
	"github.com/fourdof/scanner/pattern"
)

const helpBlurb = `
Usage: scanctl CONFIGPATH PATTERNKIND

Example:
scanctl cfg.yaml grid

cat cfg.yaml
motion:
  port: /dev/ttyUSB0
  baud: 115200
  limits:
    x: {min: 0, max: 300, max_feedrate: 3000}
    y: {min: 0, max: 300, max_feedrate: 3000}
cameras:
  - id: cam0
    device_index: 0
flash_zones:
  - name: front
    channel: GPIO17
output_root: /var/scans

PATTERNKIND is one of grid, cylindrical, spherical (default grid). Scan
parameters are not read from CONFIGPATH: scanctl always supplies a small
built-in grid (X and Y 0-100 mm, 50 mm spacing) as a smoke test, and
passes cylindrical or spherical with empty parameters, which the pattern
generator rejects.
`

// scanctl is a thin demo launcher: it wires a resolved config into the
// motion, camera, and flash collaborators, then runs a single scan through
// the orchestrator. It is not the product, it is a way to exercise one.
func main() {
	if len(os.Args) < 2 || os.Args[1] == "help" {
		fmt.Println(helpBlurb)
		return
	}
	cfg, err := config.LoadYAML(os.Args[1])
	if err != nil {
		log.Fatalf("scanctl: load config: %v", err)
	}

	patternKind := "grid"
	if len(os.Args) >= 3 {
		patternKind = os.Args[2]
	}

	motion := fluidnc.NewController(cfg.Motion)

	cameras := make([]camera.Sensor, 0, len(cfg.Cameras))
	for _, setup := range cfg.Cameras {
		cameras = append(cameras, camera.NewMockSensor(setup))
	}

	var flashArray *flash.Array
	if len(cfg.Zones) > 0 {
		flashArray, err = flash.NewArray(cfg.Zones)
		if err != nil {
			log.Fatalf("scanctl: flash array: %v", err)
		}
	}

	orch := orchestrator.New(cfg, motion, cameras, flashArray)
	if err := orch.Initialize(); err != nil {
		log.Fatalf("scanctl: initialize: %v", err)
	}

	req := orchestrator.StartScanRequest{
		Pattern: orchestrator.PatternRequest{
			Kind: patternKind,
			Grid: pattern.GridParams{
				XMin: 0, XMax: 100, YMin: 0, YMax: 100, Spacing: 50,
			},
		},
		OutputDir:       cfg.OutputRoot,
		HomingConfirmed: true,
	}

	log.Printf("scanctl: starting %s scan into %s", patternKind, cfg.OutputRoot)
	final, err := orch.StartScan(req)
	if err != nil {
		log.Fatalf("scanctl: start scan: %v", err)
	}
	log.Printf("scanctl: scan %s finished with status %s (%d/%d points, %d images, %d errors)",
		final.ID, final.Status, final.Progress.Current, final.Progress.Total, final.Progress.Images, len(final.Errors))
}
