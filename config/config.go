package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/scanline/engine"
	"github.com/e7canasta/scanline/frame"
)

// Config is the complete scanlined configuration
type Config struct {
	InstanceID string       `yaml:"instance_id"`
	Camera     CameraConfig `yaml:"camera"`
	Scan       ScanConfig   `yaml:"scan"`
	MQTT       MQTTConfig   `yaml:"mqtt"`
}

// CameraConfig selects and configures the capture device
type CameraConfig struct {
	Device string `yaml:"device,omitempty"` // explicit path, e.g. /dev/video2
	Facing string `yaml:"facing,omitempty"` // user or environment
	Torch  bool   `yaml:"torch"`            // light the torch once streaming
}

// ScanConfig tunes the decode pipeline
type ScanConfig struct {
	Region             frame.ScanRegion        `yaml:"region,omitempty"`
	RetryWithoutRegion bool                    `yaml:"retry_without_region"`
	InversionMode      string                  `yaml:"inversion_mode,omitempty"` // original, invert, both
	GrayscaleWeights   engine.GrayscaleWeights `yaml:"grayscale_weights,omitempty"`
	WorkerPath         string                  `yaml:"worker_path,omitempty"`
	PreferNative       bool                    `yaml:"prefer_native"`
}

// MQTTConfig contains broker settings
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic,omitempty"`
	QoS    byte   `yaml:"qos"`
}

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.Camera.Device != "" && cfg.Camera.Facing != "" {
		return fmt.Errorf("camera.device and camera.facing are mutually exclusive")
	}
	switch cfg.Camera.Facing {
	case "", "user", "environment":
	default:
		return fmt.Errorf("camera.facing must be user or environment, got %q", cfg.Camera.Facing)
	}

	switch cfg.Scan.InversionMode {
	case "", "original", "invert", "both":
	default:
		return fmt.Errorf("scan.inversion_mode must be original, invert or both, got %q",
			cfg.Scan.InversionMode)
	}

	if r := cfg.Scan.Region; !r.IsZero() {
		if r.X < 0 || r.Y < 0 || r.Width < 0 || r.Height < 0 {
			return fmt.Errorf("scan.region coordinates must be non-negative")
		}
	}

	if cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = fmt.Sprintf("scanline/decodes/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	return nil
}
