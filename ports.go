package eeprom

import (
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// ListPorts returns the names of the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate serial ports")
	}
	return ports, nil
}
