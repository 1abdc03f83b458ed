package eeprom

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// LinkProfile holds the transport settings.
type LinkProfile struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
	// Poll interval of the port.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// Longest silence tolerated while waiting for a word. Writing a block
	// keeps the controller quiet for a while.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// PinProfile names the GPIO lines wired to the chip pair.
type PinProfile struct {
	Clock      string   `yaml:"clock"`
	Next       string   `yaml:"next"`
	HighWrite  string   `yaml:"high_write"`
	HighOutput string   `yaml:"high_output"`
	HighEnable string   `yaml:"high_enable"`
	LowWrite   string   `yaml:"low_write"`
	LowOutput  string   `yaml:"low_output"`
	LowEnable  string   `yaml:"low_enable"`
	Data       []string `yaml:"data"`
}

// Profile is the configuration of one programmer setup.
type Profile struct {
	Link   LinkProfile `yaml:"link"`
	Pins   PinProfile  `yaml:"pins"`
	Timing Timing      `yaml:"timing"`
}

// DefaultProfile returns the profile of the reference board, a Raspberry Pi
// header wired with BCM numbering.
func DefaultProfile() Profile {
	return Profile{
		Link: LinkProfile{
			Baud:        DefaultBaud,
			ReadTimeout: 100 * time.Millisecond,
			IdleTimeout: 2 * time.Minute,
		},
		Pins: PinProfile{
			Clock:      "GPIO4",
			Next:       "GPIO17",
			HighWrite:  "GPIO27",
			HighOutput: "GPIO22",
			HighEnable: "GPIO10",
			LowWrite:   "GPIO9",
			LowOutput:  "GPIO11",
			LowEnable:  "GPIO5",
			Data:       []string{"GPIO6", "GPIO13", "GPIO19", "GPIO26", "GPIO12", "GPIO16", "GPIO20", "GPIO21"},
		},
		Timing: DefaultTiming(),
	}
}

// LoadProfile reads a YAML profile. Settings missing from the file keep
// their default value.
func LoadProfile(r io.Reader) (Profile, error) {
	p := DefaultProfile()
	data, err := io.ReadAll(r)
	if err != nil {
		return p, err
	}
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return p, errors.Wrap(err, "failed to parse profile")
	}
	if err := p.validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p Profile) validate() error {
	if p.Link.Baud <= 0 {
		return errors.Errorf("invalid baud rate %v", p.Link.Baud)
	}
	if len(p.Pins.Data) != 8 {
		return errors.Errorf("expected 8 data pins, got %v", len(p.Pins.Data))
	}
	t := p.Timing
	for _, d := range []time.Duration{t.Read, t.Write, t.Enable, t.Action, t.Ready, t.Advance} {
		if d < 0 {
			return errors.New("timing values must not be negative")
		}
	}
	return nil
}

// Resolve looks up every named pin with lookup, which returns nil for
// unknown names.
func (p PinProfile) Resolve(lookup func(string) gpio.PinIO) (Pins, error) {
	var pins Pins
	if len(p.Data) != len(pins.Data) {
		return pins, errors.Errorf("expected %v data pins, got %v", len(pins.Data), len(p.Data))
	}
	get := func(name string) (gpio.PinIO, error) {
		pin := lookup(name)
		if pin == nil {
			return nil, errors.Errorf("unknown pin %q", name)
		}
		return pin, nil
	}
	controls := []struct {
		name string
		dst  *gpio.PinOut
	}{
		{p.Clock, &pins.Clock},
		{p.Next, &pins.Next},
		{p.HighWrite, &pins.HighWrite},
		{p.HighOutput, &pins.HighOutput},
		{p.HighEnable, &pins.HighEnable},
		{p.LowWrite, &pins.LowWrite},
		{p.LowOutput, &pins.LowOutput},
		{p.LowEnable, &pins.LowEnable},
	}
	for _, c := range controls {
		pin, err := get(c.name)
		if err != nil {
			return pins, err
		}
		*c.dst = pin
	}
	for i, name := range p.Data {
		pin, err := get(name)
		if err != nil {
			return pins, err
		}
		pins.Data[i] = pin
	}
	return pins, nil
}

// OpenPins initialises the host GPIO drivers and resolves the profile
// against the system pin registry.
func OpenPins(p PinProfile) (Pins, error) {
	state, err := host.Init()
	if err != nil {
		return Pins{}, errors.Wrap(err, "failed to initialise GPIO drivers")
	}
	for _, d := range state.Loaded {
		pkgLog.Debugf("loaded driver %v", d)
	}
	return p.Resolve(gpioreg.ByName)
}

// Dump formats the profile as YAML.
func (p Profile) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}
