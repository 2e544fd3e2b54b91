package sf45

import (
	"fmt"
	"strings"
	"time"
)

// UnitIdentity describes the connected unit. It is published whole by
// RefreshIdentity and never partially updated.
type UnitIdentity struct {
	Model           string          `json:"model"`
	HardwareVersion uint32          `json:"hardware_version"`
	FirmwareVersion FirmwareVersion `json:"firmware_version"`
	SerialNumber    string          `json:"serial_number"`
}

// Header renders the unit banner printed at startup.
func (u UnitIdentity) Header() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-15s%10s\n", "Model:", u.Model)
	fmt.Fprintf(&b, "%-15s%10d\n", "HW Version:", u.HardwareVersion)
	fmt.Fprintf(&b, "%-15s%10s\n", "FW Version:", u.FirmwareVersion)
	fmt.Fprintf(&b, "%-15s%10s\n", "Serial:", u.SerialNumber)
	return b.String()
}

// OutputFields is the distance output bitmap: each bit enables one telemetry
// field in the distance frame.
type OutputFields uint32

const (
	FieldFirstRaw OutputFields = 1 << iota
	FieldFirstFiltered
	FieldFirstStrength
	FieldLastRaw
	FieldLastFiltered
	FieldLastStrength
	FieldNoise
	FieldTemperature
	FieldAngle

	// OutputFieldsAll enables every field; the mask of meaningful bits.
	OutputFieldsAll OutputFields = 1<<9 - 1
)

var fieldNames = []struct {
	field OutputFields
	name  string
}{
	{FieldFirstRaw, "first_raw"},
	{FieldFirstFiltered, "first_filtered"},
	{FieldFirstStrength, "first_strength"},
	{FieldLastRaw, "last_raw"},
	{FieldLastFiltered, "last_filtered"},
	{FieldLastStrength, "last_strength"},
	{FieldNoise, "noise"},
	{FieldTemperature, "temperature"},
	{FieldAngle, "angle"},
}

// Has reports whether every bit of f2 is set in f.
func (f OutputFields) Has(f2 OutputFields) bool { return f&f2 == f2 }

// Valid reports whether only the documented bits are set.
func (f OutputFields) Valid() bool { return f&^OutputFieldsAll == 0 }

// Count returns the number of enabled fields.
func (f OutputFields) Count() int {
	n := 0
	for _, fn := range fieldNames {
		if f.Has(fn.field) {
			n++
		}
	}
	return n
}

func (f OutputFields) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range fieldNames {
		if f.Has(fn.field) {
			parts = append(parts, fn.name)
		}
	}
	if extra := f &^ OutputFieldsAll; extra != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(extra)))
	}
	return strings.Join(parts, "|")
}

// ParseOutputFields builds a bitmap from field names such as "first_raw". The
// name "all" selects every field.
func ParseOutputFields(names []string) (OutputFields, error) {
	var f OutputFields
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "all" {
			f |= OutputFieldsAll
			continue
		}
		found := false
		for _, fn := range fieldNames {
			if fn.name == name {
				f |= fn.field
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown output field %q", raw)
		}
	}
	return f, nil
}

// SampleRate indexes the firmware's fixed table of update rates.
type SampleRate uint8

const (
	Rate50Hz SampleRate = iota
	Rate100Hz
	Rate200Hz
	Rate400Hz
	Rate500Hz
	Rate625Hz
	Rate1000Hz
	Rate1250Hz
	Rate1538Hz
	Rate2000Hz
	Rate2500Hz
	Rate5000Hz
)

var sampleRateHz = [...]int{50, 100, 200, 400, 500, 625, 1000, 1250, 1538, 2000, 2500, 5000}

// SampleRates lists every supported rate in ascending order.
func SampleRates() []SampleRate {
	out := make([]SampleRate, len(sampleRateHz))
	for i := range out {
		out[i] = SampleRate(i)
	}
	return out
}

// Valid reports whether r is in the table.
func (r SampleRate) Valid() bool { return int(r) < len(sampleRateHz) }

// Hz returns the nominal rate, or 0 for an invalid index.
func (r SampleRate) Hz() int {
	if !r.Valid() {
		return 0
	}
	return sampleRateHz[r]
}

// Period is the time between two samples at this rate.
func (r SampleRate) Period() time.Duration {
	hz := r.Hz()
	if hz == 0 {
		return 0
	}
	return time.Second / time.Duration(hz)
}

func (r SampleRate) String() string {
	if !r.Valid() {
		return fmt.Sprintf("SampleRate(%d)", uint8(r))
	}
	return fmt.Sprintf("%d Hz", r.Hz())
}

// register encodes the rate for the update rate register, which counts from 1.
func (r SampleRate) register() uint8 { return uint8(r) + 1 }

func sampleRateFromRegister(v uint8) (SampleRate, bool) {
	if v == 0 {
		return 0, false
	}
	r := SampleRate(v - 1)
	return r, r.Valid()
}

// SampleRateFromHz looks up the table entry for an exact rate.
func SampleRateFromHz(hz int) (SampleRate, error) {
	for i, v := range sampleRateHz {
		if v == hz {
			return SampleRate(i), nil
		}
	}
	return 0, &RangeError{Field: "sample rate", Value: float64(hz), Detail: fmt.Sprint(sampleRateHz)}
}

// PointSample is one decoded distance observation. Distances are in
// centimetres as reported by the firmware.
type PointSample struct {
	FirstDistRaw      uint16  `json:"first_dist_raw"`
	FirstDistFiltered uint16  `json:"first_dist_filtered"`
	FirstStrength     uint16  `json:"first_strength"`
	LastDistRaw       uint16  `json:"last_dist_raw"`
	LastDistFiltered  uint16  `json:"last_dist_filtered"`
	LastStrength      uint16  `json:"last_strength"`
	Noise             int     `json:"noise"`
	Temperature       float64 `json:"temperature"`
	Angle             float64 `json:"angle"`

	// Fields records which of the above were present in the frame.
	Fields OutputFields `json:"fields"`
}

// StreamingState is the Controller lifecycle.
type StreamingState int32

const (
	Idle StreamingState = iota
	Running
	Stopping
)

func (s StreamingState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("StreamingState(%d)", int32(s))
	}
}
