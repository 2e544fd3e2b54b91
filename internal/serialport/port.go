// Package serialport opens and abstracts the raw byte link to the rangefinder.
// The protocol layer only needs an io.ReadWriteCloser; ports that can bound
// their reads additionally implement TimeoutSerialPorter.
package serialport

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// A Read on such a port returns (0, nil) once the timeout elapses without data,
// matching go.bug.st/serial.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a serial port at path. Open is the production opener; tests
// and the dev mode substitute their own.
type Opener func(path string, opts PortOptions) (SerialPorter, error)
