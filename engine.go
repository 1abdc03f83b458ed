package eeprom

import (
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
)

// Timing holds the delays of the drive sequences. The EEPROMs latch and sense
// asynchronously, so these are minimums: shortening them corrupts transfers
// without any error being reported.
type Timing struct {
	// Output enable to data sample.
	Read time.Duration `yaml:"read"`
	// Data setup, write strobe width and strobe recovery.
	Write time.Duration `yaml:"write"`
	// Chip enable settle, on both edges.
	Enable time.Duration `yaml:"enable"`
	// Bus turnaround before a read.
	Action time.Duration `yaml:"action"`
	// Power-up delay after Init.
	Ready time.Duration `yaml:"ready"`
	// Spacing between address counter edges.
	Advance time.Duration `yaml:"advance"`
}

// DefaultTiming returns the timing profile the bridge was characterised with.
func DefaultTiming() Timing {
	return Timing{
		Read:    150 * time.Microsecond,
		Write:   150 * time.Microsecond,
		Enable:  150 * time.Microsecond,
		Action:  20 * time.Millisecond,
		Ready:   250 * time.Millisecond,
		Advance: time.Millisecond,
	}
}

// Pins are the lines wired to the chip pair. All chip control lines are
// active low. The data lines are shared by both chips.
type Pins struct {
	// Address counter clock and count enable.
	Clock, Next gpio.PinOut

	HighWrite, HighOutput, HighEnable gpio.PinOut
	LowWrite, LowOutput, LowEnable    gpio.PinOut

	// Data lines, least significant bit first.
	Data [8]gpio.PinIO
}

type halfPins struct {
	write, output, enable gpio.PinOut
}

func (p *Pins) half(h Half) halfPins {
	if h == HalfHigh {
		return halfPins{p.HighWrite, p.HighOutput, p.HighEnable}
	}
	return halfPins{p.LowWrite, p.LowOutput, p.LowEnable}
}

func (p *Pins) validate() error {
	outs := []gpio.PinOut{p.Clock, p.Next, p.HighWrite, p.HighOutput, p.HighEnable, p.LowWrite, p.LowOutput, p.LowEnable}
	for _, o := range outs {
		if o == nil {
			return errors.New("control pin not assigned")
		}
	}
	for i, d := range p.Data {
		if d == nil {
			return errors.Errorf("data pin %d not assigned", i)
		}
	}
	return nil
}

// Engine drives the chip pair. It tracks the external address counter, so
// every address change must go through Advance.
type Engine struct {
	pins   Pins
	timing Timing
	sleep  func(time.Duration)
	addr   uint8
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSleep replaces the blocking delay used between edges.
func WithSleep(sleep func(time.Duration)) EngineOption {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// NewEngine creates an engine for the given pins. Init must be called before
// any other operation.
func NewEngine(pins Pins, timing Timing, opts ...EngineOption) (*Engine, error) {
	if err := pins.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		pins:   pins,
		timing: timing,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type edge struct {
	pin   gpio.PinOut
	level gpio.Level
	hold  time.Duration
}

func (e *Engine) drive(edges ...edge) error {
	for _, s := range edges {
		if err := s.pin.Out(s.level); err != nil {
			return errors.Wrapf(err, "failed to drive %v %v", s.pin, s.level)
		}
		e.sleep(s.hold)
	}
	return nil
}

func (e *Engine) release() error {
	for i, d := range e.pins.Data {
		if err := d.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return errors.Wrapf(err, "failed to release data line %d", i)
		}
	}
	return nil
}

// Init idles every control line, releases the data bus and waits for the
// chips to power up.
func (e *Engine) Init() error {
	err := e.drive(
		edge{e.pins.Clock, gpio.Low, 0},
		edge{e.pins.Next, gpio.Low, 0},
		edge{e.pins.LowWrite, gpio.High, 0},
		edge{e.pins.LowOutput, gpio.High, 0},
		edge{e.pins.LowEnable, gpio.High, 0},
		edge{e.pins.HighWrite, gpio.High, 0},
		edge{e.pins.HighOutput, gpio.High, 0},
		edge{e.pins.HighEnable, gpio.High, 0},
	)
	if err != nil {
		return err
	}
	if err := e.release(); err != nil {
		return err
	}
	e.sleep(e.timing.Ready)
	pkgLog.Debugf("engine ready")
	return nil
}

// ReadHalf reads the byte stored at the current address of one chip.
func (e *Engine) ReadHalf(h Half) (byte, error) {
	hp := e.pins.half(h)

	if err := e.release(); err != nil {
		return 0, e.abandon(hp, err)
	}
	e.sleep(e.timing.Action)

	err := e.drive(
		edge{hp.enable, gpio.Low, e.timing.Enable},
		edge{hp.output, gpio.Low, e.timing.Read},
	)
	if err != nil {
		return 0, e.abandon(hp, err)
	}

	var v byte
	for i, d := range e.pins.Data {
		if d.Read() == gpio.High {
			v |= 1 << uint(i)
		}
	}

	err = e.drive(
		edge{hp.output, gpio.High, e.timing.Write},
		edge{hp.enable, gpio.High, e.timing.Enable},
	)
	if err != nil {
		return 0, e.abandon(hp, err)
	}
	return v, nil
}

// WriteHalf stores a byte at the current address of one chip. The bus is
// released again before returning.
func (e *Engine) WriteHalf(h Half, v byte) error {
	hp := e.pins.half(h)

	for i, d := range e.pins.Data {
		if err := d.Out(gpio.Level(v&(1<<uint(i)) != 0)); err != nil {
			return e.abandon(hp, errors.Wrapf(err, "failed to drive data line %d", i))
		}
	}
	e.sleep(e.timing.Write)

	err := e.drive(
		edge{hp.enable, gpio.Low, e.timing.Enable},
		edge{hp.write, gpio.Low, e.timing.Write},
		edge{hp.write, gpio.High, e.timing.Write},
		edge{hp.enable, gpio.High, e.timing.Enable},
	)
	if err != nil {
		return e.abandon(hp, err)
	}
	return e.release()
}

// abandon returns a half's control lines to their inactive level and releases
// the bus after a failed sequence, then returns err. Lines that cannot be
// idled are logged, as the bus may still be driven.
func (e *Engine) abandon(hp halfPins, err error) error {
	for _, p := range []gpio.PinOut{hp.write, hp.output, hp.enable} {
		if ierr := p.Out(gpio.High); ierr != nil {
			pkgLog.Warnf("failed to idle %v: %v", p, ierr)
		}
	}
	if rerr := e.release(); rerr != nil {
		pkgLog.Warnf("data bus left driven: %v", rerr)
	}
	return err
}

// Advance clocks the address counter forward by one.
func (e *Engine) Advance() error {
	err := e.drive(
		edge{e.pins.Next, gpio.High, 0},
		edge{e.pins.Clock, gpio.High, e.timing.Advance},
		edge{e.pins.Clock, gpio.Low, 0},
		edge{e.pins.Next, gpio.Low, e.timing.Advance},
	)
	if err != nil {
		return err
	}
	e.addr++
	return nil
}

// Address returns the address the counter is assumed to hold.
func (e *Engine) Address() uint8 {
	return e.addr
}
