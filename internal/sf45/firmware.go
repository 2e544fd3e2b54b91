package sf45

import (
	"fmt"
	"strconv"
	"strings"
)

// FirmwareVersion is the packed firmware version register: major in bits
// 23..16, minor in 15..8, patch in 7..0. Packed values order the same way as
// the versions they encode.
type FirmwareVersion uint32

// NewFirmwareVersion packs a version triple.
func NewFirmwareVersion(major, minor, patch uint8) FirmwareVersion {
	return FirmwareVersion(uint32(major)<<16 | uint32(minor)<<8 | uint32(patch))
}

func (v FirmwareVersion) Major() uint8 { return uint8(v >> 16) }
func (v FirmwareVersion) Minor() uint8 { return uint8(v >> 8) }
func (v FirmwareVersion) Patch() uint8 { return uint8(v) }

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}

// MarshalText renders the dotted form so JSON carries "2.1.3".
func (v FirmwareVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText accepts the dotted form.
func (v *FirmwareVersion) UnmarshalText(b []byte) error {
	parsed, err := ParseFirmwareVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseFirmwareVersion is the inverse of FirmwareVersion.String.
func ParseFirmwareVersion(s string) (FirmwareVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("firmware version %q: want major.minor.patch", s)
	}
	var out [3]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("firmware version %q: %w", s, err)
		}
		out[i] = uint8(n)
	}
	return NewFirmwareVersion(out[0], out[1], out[2]), nil
}
