package serialport

import (
	"fmt"

	"go.bug.st/serial"
)

// Open opens the serial device at path with the given options. The returned
// port implements TimeoutSerialPorter.
func Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// compile-time check that go.bug.st ports satisfy the timeout interface.
var _ TimeoutSerialPorter = serial.Port(nil)
