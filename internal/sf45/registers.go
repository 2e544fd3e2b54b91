// Package sf45 drives a LightWare SF45/B scanning rangefinder: validated
// register access, telemetry decoding and a background streaming session.
package sf45

import "time"

// Register (command) ids used by the SF45/B firmware.
const (
	RegProductName     uint8 = 0
	RegHardwareVersion uint8 = 1
	RegFirmwareVersion uint8 = 2
	RegSerialNumber    uint8 = 3
	RegOutputFields    uint8 = 27
	RegStream          uint8 = 30
	RegDistanceOutput  uint8 = 44
	RegSampleRate      uint8 = 66
	RegScanSpeed       uint8 = 85
	RegScanEnable      uint8 = 96
	RegScanPosition    uint8 = 97
	RegScanLowAngle    uint8 = 98
	RegScanHighAngle   uint8 = 99
)

// Stream register values.
const (
	streamOff      uint32 = 0
	streamDistance uint32 = 5
)

// Domain limits, inclusive.
const (
	MinScanSpeed = 5
	MaxScanSpeed = 2000

	MinLowAngle  = -170.0
	MaxLowAngle  = -5.0
	MinHighAngle = 5.0
	MaxHighAngle = 170.0

	MinFixedAngle = -170.0
	MaxFixedAngle = 170.0

	MinFieldOfView = 10.0
	MaxFieldOfView = 340.0
)

// DefaultPollTimeout bounds a single distance read.
const DefaultPollTimeout = 1000 * time.Millisecond
