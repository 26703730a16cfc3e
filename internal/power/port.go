package power

import (
	"io"
	"time"
)

// SerialPorter is the minimal interface needed for the supply's serial link.
// It lets the driver run against a scripted port in tests.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with a read timeout. Real ports
// from go.bug.st/serial implement it; a Read that times out returns 0, nil.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// PortOpener opens the serial device at path.
type PortOpener func(path string, opts PortOptions) (SerialPorter, error)
