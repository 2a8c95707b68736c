// Package config describes the resolved configuration object the scanner
// core is constructed from. Loading it from disk is the job of an external
// collaborator (a CLI or web layer); LoadYAML is provided only for the
// cmd/scanctl demo and for tests.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// AxisLimits holds the immutable-after-load bounds and feedrate ceiling for
// one axis.
type AxisLimits struct {
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max"`
	MaxFeedrate float64 `yaml:"max_feedrate"`
}

// Position4D is the four commanded degrees of freedom.
type Position4D struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
	C float64 `yaml:"c" json:"c"`
}

// MotionConfig configures the serial link and axis envelope for C2/C3.
type MotionConfig struct {
	// Port is the serial device path, e.g. /dev/ttyUSB0
	Port string `yaml:"port"`

	// Baud is the serial baud rate, default 115200
	Baud int `yaml:"baud"`

	// SafetyMargin is subtracted/added to axis min/max before any move is
	// accepted (mm for X/Y, degrees for Z/C)
	SafetyMargin float64 `yaml:"safety_margin"`

	// Limits maps axis name ("x","y","z","c") to its AxisLimits
	Limits map[string]AxisLimits `yaml:"limits"`

	// AutoUnlock sends $X on initialize if the controller reports alarm
	AutoUnlock bool `yaml:"auto_unlock"`

	// ExpectedHomePosition and HomeTolerance parameterize the "Y≈200mm
	// after homing" fallback completion heuristic (see fluidnc package;
	// machine-geometry specific, carried as an Open Question from spec §9)
	ExpectedHomePosition Position4D `yaml:"expected_home_position"`
	HomeTolerance        float64    `yaml:"home_tolerance"`

	// StatusReportIntervalMS is the firmware auto-report interval configured
	// on connect via $Report/Interval=<ms>
	StatusReportIntervalMS int `yaml:"status_report_interval_ms"`

	// BaseAcceleration maps axis name ("x","y","z") to its nominal
	// acceleration in mm/sec^2, the baseline a speed profile's
	// AccelerationFactor scales via $120/$121/$122. An axis absent from
	// this map is left at whatever the firmware already has configured.
	BaseAcceleration map[string]float64 `yaml:"base_acceleration"`
}

// CameraSetup describes one physical camera sensor.
type CameraSetup struct {
	ID             string `yaml:"id"`
	DeviceIndex    int    `yaml:"device_index"`
	StreamWidth    int    `yaml:"stream_width"`
	StreamHeight   int    `yaml:"stream_height"`
	CaptureWidth   int    `yaml:"capture_width"`
	CaptureHeight  int    `yaml:"capture_height"`
}

// FlashZone maps a named LED zone to a GPIO/PWM channel.
type FlashZone struct {
	Name    string `yaml:"name"`
	Channel string `yaml:"channel"`
}

// QualityProfile resolves to camera resolution/quality/exposure preference.
type QualityProfile struct {
	Name              string `yaml:"name"`
	Width             int    `yaml:"width"`
	Height            int    `yaml:"height"`
	JPEGQuality       int    `yaml:"jpeg_quality"`
	ExposurePreference string `yaml:"exposure_preference"`
}

// SpeedProfile resolves to motion tuning applied before a scan starts.
type SpeedProfile struct {
	Name                string  `yaml:"name"`
	FeedrateMultiplier  float64 `yaml:"feedrate_multiplier"`
	SettlingDelayMS      int     `yaml:"settling_delay_ms"`
	AccelerationFactor  float64 `yaml:"acceleration_factor"`
}

// Config is the top-level resolved configuration the orchestrator is built
// from, analogous in spirit to envsrv.Config's device-setup triplets.
type Config struct {
	Motion   MotionConfig    `yaml:"motion"`
	Cameras  []CameraSetup   `yaml:"cameras"`
	Zones    []FlashZone     `yaml:"flash_zones"`
	Quality  []QualityProfile `yaml:"quality_profiles"`
	Speed    []SpeedProfile  `yaml:"speed_profiles"`

	// OutputRoot is the base directory under which session directories are
	// created by the storage package
	OutputRoot string `yaml:"output_root"`

	// DwellDefaultMS is the default post-move settling delay, used when a
	// point has no DwellMS and no speed profile sets one
	DwellDefaultMS int `yaml:"dwell_default_ms"`
}

// QualityByName finds a quality profile, returning ok=false if absent.
func (c Config) QualityByName(name string) (QualityProfile, bool) {
	for _, q := range c.Quality {
		if q.Name == name {
			return q, true
		}
	}
	return QualityProfile{}, false
}

// SpeedByName finds a speed profile, returning ok=false if absent.
func (c Config) SpeedByName(name string) (SpeedProfile, bool) {
	for _, s := range c.Speed {
		if s.Name == name {
			return s, true
		}
	}
	return SpeedProfile{}, false
}

// LoadYAML reads a Config from a YAML file at path.
func LoadYAML(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}
