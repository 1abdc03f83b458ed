package eeprom

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// DefaultBaud is the fixed link speed of the bridge.
const DefaultBaud = 9600

type serialConn struct {
	port *serial.Port
}

// Read returns no data once the port read timeout elapses.
func (c *serialConn) Read(p []byte) (int, error) {
	n, err := c.port.Read(p)
	if err == io.EOF && n == 0 {
		return 0, nil
	}
	return n, err
}

func (c *serialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	return c.port.Close()
}

// OpenSerialLink opens a serial port with the 8N1 framing used by the bridge.
// readTimeout is the poll interval of a single read, not the word timeout.
func OpenSerialLink(name string, baud int, readTimeout time.Duration) (*Link, error) {
	cfg := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
		Size:        serial.DefaultSize,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, &LinkError{Op: "open", Err: errors.Wrapf(err, "port %v", name)}
	}
	// On Linux with USB serial ports, in order for flush to work properly
	// we need to delay a little before flushing to make sure that any
	// received data has made its way up the driver stack.
	time.Sleep(time.Millisecond * 100)
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, &LinkError{Op: "open", Err: errors.Wrap(err, "flush")}
	}
	pkgLog.Infof("opened %v at %v baud", name, baud)
	return NewLink(&serialConn{port: port}), nil
}
