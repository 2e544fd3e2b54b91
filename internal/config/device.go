// Package config loads the JSON device configuration applied to an SF45 at
// startup.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/rangefinder/internal/fsutil"
)

// DefaultConfigPath is the path to the canonical device defaults file.
const DefaultConfigPath = "config/sf45.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// DeviceConfig is the startup configuration for one unit. Every field is
// optional; the Get* methods supply defaults. Domain ranges are enforced when
// the config is applied to a device, Validate only checks shape.
type DeviceConfig struct {
	// Serial link
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`

	// Output and cadence
	OutputFields []string `json:"output_fields,omitempty"` // names, or ["all"]
	SampleRateHz *int     `json:"sample_rate_hz,omitempty"`
	Stream       *bool    `json:"stream,omitempty"`
	PollInterval *string  `json:"poll_interval,omitempty"` // duration string like "20ms"
	PollTimeout  *string  `json:"poll_timeout,omitempty"`

	// Scan head. Either field_of_view or both low_angle and high_angle.
	ScanSpeed   *int     `json:"scan_speed,omitempty"`
	FieldOfView *float64 `json:"field_of_view,omitempty"`
	LowAngle    *float64 `json:"low_angle,omitempty"`
	HighAngle   *float64 `json:"high_angle,omitempty"`
	FixedAngle  *float64 `json:"fixed_angle,omitempty"`
	Scanning    *bool    `json:"scanning,omitempty"`
}

func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }

// DefaultDeviceConfig returns the built-in defaults, matching
// config/sf45.defaults.json.
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		Port:         ptrString("/dev/ttyUSB0"),
		BaudRate:     ptrInt(921600),
		OutputFields: []string{"all"},
		SampleRateHz: ptrInt(500),
		ScanSpeed:    ptrInt(15),
		FieldOfView:  ptrFloat64(100),
		Scanning:     ptrBool(true),
		Stream:       ptrBool(false),
		PollTimeout:  ptrString("1s"),
	}
}

// LoadDeviceConfig loads a DeviceConfig from a JSON file with a .json
// extension no larger than 1MB. Omitted fields are left nil.
func LoadDeviceConfig(path string) (*DeviceConfig, error) {
	return LoadDeviceConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadDeviceConfigFS is LoadDeviceConfig on fsys.
func LoadDeviceConfigFS(fsys fsutil.FileSystem, path string) (*DeviceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &DeviceConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveDeviceConfig writes cfg as indented JSON that LoadDeviceConfigFS reads
// back unchanged.
func SaveDeviceConfig(fsys fsutil.FileSystem, path string, cfg *DeviceConfig) error {
	if ext := filepath.Ext(path); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := fsys.WriteFile(filepath.Clean(path), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// a parent. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *DeviceConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadDeviceConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration is well formed.
func (c *DeviceConfig) Validate() error {
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.SampleRateHz != nil && *c.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive, got %d", *c.SampleRateHz)
	}
	if c.ScanSpeed != nil && *c.ScanSpeed <= 0 {
		return fmt.Errorf("scan_speed must be positive, got %d", *c.ScanSpeed)
	}
	if (c.LowAngle == nil) != (c.HighAngle == nil) {
		return fmt.Errorf("low_angle and high_angle must be set together")
	}
	if c.FieldOfView != nil && c.LowAngle != nil {
		return fmt.Errorf("field_of_view cannot be combined with low_angle/high_angle")
	}
	for name, v := range map[string]*string{"poll_interval": c.PollInterval, "poll_timeout": c.PollTimeout} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

// GetPort returns the serial device path or the default.
func (c *DeviceConfig) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return "/dev/ttyUSB0"
	}
	return *c.Port
}

// GetBaudRate returns the baud rate or the default.
func (c *DeviceConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 921600
	}
	return *c.BaudRate
}

// GetOutputFields returns the output field names, or ["all"].
func (c *DeviceConfig) GetOutputFields() []string {
	if len(c.OutputFields) == 0 {
		return []string{"all"}
	}
	return c.OutputFields
}

// GetStream reports whether device streaming should be enabled.
func (c *DeviceConfig) GetStream() bool {
	if c.Stream == nil {
		return false
	}
	return *c.Stream
}

// GetScanning reports whether the head should sweep.
func (c *DeviceConfig) GetScanning() bool {
	if c.Scanning == nil {
		return true
	}
	return *c.Scanning
}

// GetPollInterval returns the poll interval; zero means controller default
// pacing.
func (c *DeviceConfig) GetPollInterval() time.Duration {
	return parseDuration(c.PollInterval, 0)
}

// GetPollTimeout returns the per-poll timeout.
func (c *DeviceConfig) GetPollTimeout() time.Duration {
	return parseDuration(c.PollTimeout, time.Second)
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
