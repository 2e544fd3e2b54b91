package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/rangefinder/internal/fsutil"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultsFileMatchesBuiltIn(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultDeviceConfig(), cfg); diff != "" {
		t.Errorf("defaults file differs from DefaultDeviceConfig (-want +got):\n%s", diff)
	}
}

func TestLoadDeviceConfig(t *testing.T) {
	path := writeConfig(t, "sf45.json", `{
  "port": "/dev/ttyACM0",
  "output_fields": ["first_raw", "angle"],
  "sample_rate_hz": 1000,
  "low_angle": -45,
  "high_angle": 60,
  "scanning": false,
  "poll_interval": "20ms"
}`)

	cfg, err := LoadDeviceConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetPort(); got != "/dev/ttyACM0" {
		t.Errorf("GetPort() = %q, want /dev/ttyACM0", got)
	}
	if got := cfg.GetBaudRate(); got != 921600 {
		t.Errorf("GetBaudRate() = %d, want default 921600", got)
	}
	if diff := cmp.Diff([]string{"first_raw", "angle"}, cfg.GetOutputFields()); diff != "" {
		t.Errorf("GetOutputFields() mismatch (-want +got):\n%s", diff)
	}
	if cfg.SampleRateHz == nil || *cfg.SampleRateHz != 1000 {
		t.Errorf("SampleRateHz = %v, want 1000", cfg.SampleRateHz)
	}
	if cfg.FieldOfView != nil {
		t.Errorf("FieldOfView = %v, want nil", *cfg.FieldOfView)
	}
	if cfg.GetScanning() {
		t.Errorf("GetScanning() = true, want false")
	}
	if got := cfg.GetPollInterval(); got != 20*time.Millisecond {
		t.Errorf("GetPollInterval() = %v, want 20ms", got)
	}
	if got := cfg.GetPollTimeout(); got != time.Second {
		t.Errorf("GetPollTimeout() = %v, want default 1s", got)
	}
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := &DeviceConfig{}
	if got := cfg.GetOutputFields(); len(got) != 1 || got[0] != "all" {
		t.Errorf("GetOutputFields() = %v, want [all]", got)
	}
	if !cfg.GetScanning() {
		t.Errorf("GetScanning() = false, want true")
	}
	if cfg.GetStream() {
		t.Errorf("GetStream() = true, want false")
	}
	if got := cfg.GetPollInterval(); got != 0 {
		t.Errorf("GetPollInterval() = %v, want 0", got)
	}
}

func TestLoadDeviceConfig_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"extension", "sf45.yaml", `{}`, ".json extension"},
		{"bad json", "sf45.json", `{"port":`, "failed to parse"},
		{"half window", "sf45.json", `{"low_angle": -20}`, "set together"},
		{"window and fov", "sf45.json", `{"low_angle": -20, "high_angle": 20, "field_of_view": 40}`, "cannot be combined"},
		{"bad duration", "sf45.json", `{"poll_timeout": "soon"}`, "invalid poll_timeout"},
		{"negative duration", "sf45.json", `{"poll_interval": "-1s"}`, "non-negative"},
		{"zero baud", "sf45.json", `{"baud_rate": 0}`, "baud_rate"},
		{"zero rate", "sf45.json", `{"sample_rate_hz": 0}`, "sample_rate_hz"},
		{"zero speed", "sf45.json", `{"scan_speed": 0}`, "scan_speed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDeviceConfig(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDeviceConfig_TooLarge(t *testing.T) {
	body := `{"port": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := LoadDeviceConfig(writeConfig(t, "big.json", body))
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("error = %v, want too large", err)
	}
}

func TestLoadDeviceConfig_Missing(t *testing.T) {
	if _, err := LoadDeviceConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveDeviceConfig_RoundTrip(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	want := DefaultDeviceConfig()
	want.LowAngle, want.HighAngle, want.FieldOfView = ptrFloat64(-60), ptrFloat64(30), nil
	want.PollInterval = ptrString("20ms")

	if err := SaveDeviceConfig(fsys, "/etc/sf45/unit.json", want); err != nil {
		t.Fatalf("SaveDeviceConfig failed: %v", err)
	}
	got, err := LoadDeviceConfigFS(fsys, "/etc/sf45/unit.json")
	if err != nil {
		t.Fatalf("LoadDeviceConfigFS failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestSaveDeviceConfig_Rejects(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	if err := SaveDeviceConfig(fsys, "/unit.yaml", DefaultDeviceConfig()); err == nil {
		t.Error("expected error for non-json extension")
	}
	bad := DefaultDeviceConfig()
	bad.LowAngle = ptrFloat64(-60)
	if err := SaveDeviceConfig(fsys, "/unit.json", bad); err == nil {
		t.Error("expected validation error")
	}
	if _, err := fsys.Stat("/unit.json"); err == nil {
		t.Error("invalid config was written")
	}
}
