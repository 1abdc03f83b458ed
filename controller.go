package eeprom

import (
	"context"

	"github.com/pkg/errors"
)

// MaxWriteAttempts bounds the write and verify cycles spent on one byte.
const MaxWriteAttempts = 10

// Chip is byte level access to the chip pair at the current address.
type Chip interface {
	ReadHalf(h Half) (byte, error)
	WriteHalf(h Half, v byte) error
	Advance() error
}

// ControllerState is the state of the bridge side of a session.
type ControllerState int

// Controller states.
const (
	ControllerIdle ControllerState = iota
	ControllerAwaitingFlags
	ControllerAwaitingData
	ControllerSending
	ControllerPanicked
)

func (s ControllerState) String() string {
	switch s {
	case ControllerIdle:
		return "idle"
	case ControllerAwaitingFlags:
		return "awaiting flags"
	case ControllerAwaitingData:
		return "awaiting data"
	case ControllerSending:
		return "sending"
	case ControllerPanicked:
		return "panicked"
	default:
		return "invalid state"
	}
}

// Controller is the bridge side of the link protocol. It is fed one word at a
// time and returns the words to send back.
//
// Desynchronization is not recoverable: once panicked, the controller refuses
// all input and a new Controller must be created.
type Controller struct {
	chip  Chip
	state ControllerState
	mode  Mode

	// flagCount is the count announced by the flags header, remaining the
	// flag words still expected.
	flagCount byte
	remaining int
	buf       transferBuffer
}

// NewController creates a controller driving chip.
func NewController(chip Chip) *Controller {
	return &Controller{chip: chip}
}

// State returns the current state.
func (c *Controller) State() ControllerState {
	return c.state
}

// Mode returns the mode negotiated by the last flag exchange.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Ready returns the word announcing the controller to the host.
func (c *Controller) Ready() Word {
	return NewReadyWord(ProtocolVersion)
}

func (c *Controller) panic(reason byte) ([]Word, error) {
	c.state = ControllerPanicked
	c.buf.reset()
	c.remaining = 0
	pkgLog.Warnf("controller panicked: %v", GetAbortReasonString(reason))
	return []Word{NewAbortWord(reason)}, ErrPanicked
}

// fail halts the controller after a hardware error and tells the host. The
// address counter is undefined from here on.
func (c *Controller) fail(err error) ([]Word, error) {
	c.state = ControllerPanicked
	c.buf.reset()
	c.remaining = 0
	pkgLog.Warnf("controller halted: %v", err)
	return []Word{NewAbortWord(AbortHardwareFault)}, err
}

// Handle consumes one word.
func (c *Controller) Handle(w Word) ([]Word, error) {
	var out []Word
	if c.state == ControllerSending {
		dump, err := c.Flush()
		if err != nil {
			return dump, err
		}
		out = dump
	}

	var (
		resp []Word
		err  error
	)
	switch c.state {
	case ControllerPanicked:
		return out, ErrPanicked
	case ControllerAwaitingData:
		resp, err = c.handleData(w)
	case ControllerAwaitingFlags:
		resp, err = c.handleFlags(w)
	default:
		resp, err = c.handleCommand(w)
	}
	return append(out, resp...), err
}

func (c *Controller) handleCommand(w Word) ([]Word, error) {
	switch w.Opcode() {
	case OpFlags:
		c.state = ControllerAwaitingFlags
		c.flagCount = w.Low
		c.remaining = 2
		return nil, nil
	case OpUpload:
		c.state = ControllerAwaitingData
		c.remaining = wordCount(w.Low)
		c.buf.reset()
		c.checkAddress()
		return nil, nil
	default:
		return c.panic(AbortUnknownOpcode)
	}
}

func (c *Controller) handleFlags(w Word) ([]Word, error) {
	// The exchange is always a mode word and a direction word, announced with
	// a count of one.
	if c.flagCount != 1 {
		return c.panic(AbortFlagCount)
	}
	c.remaining--
	if c.remaining == 1 {
		m, err := ParseMode(w.High != 0, w.Low != 0)
		if err != nil {
			return c.panic(AbortInvalidMode)
		}
		c.mode = m
		return nil, nil
	}
	if w.High != 0 {
		c.state = ControllerSending
		c.checkAddress()
	} else {
		c.state = ControllerIdle
	}
	pkgLog.Infof("handshake complete, mode %v", c.mode)
	return []Word{NewAckWord()}, nil
}

func (c *Controller) handleData(w Word) ([]Word, error) {
	if err := c.buf.push(w); err != nil {
		return c.fail(err)
	}
	c.remaining--
	if c.remaining > 0 {
		return nil, nil
	}
	return c.program()
}

// checkAddress warns when a transfer starts away from address zero. Nothing
// on the link resets the counter, so both ends rely on it being there.
func (c *Controller) checkAddress() {
	a, ok := c.chip.(interface{ Address() uint8 })
	if ok && a.Address() != 0 {
		pkgLog.Warnf("transfer starting at address %#02x", a.Address())
	}
}

func halfValue(w Word, h Half) byte {
	if h == HalfHigh {
		return w.High
	}
	return w.Low
}

func verifyDebugValue(h Half) byte {
	if h == HalfHigh {
		return DebugHighVerify
	}
	return DebugLowVerify
}

// writeVerified writes v and reads it back until it sticks.
func (c *Controller) writeVerified(h Half, v byte) (bool, error) {
	for attempt := 0; attempt < MaxWriteAttempts; attempt++ {
		if err := c.chip.WriteHalf(h, v); err != nil {
			return false, err
		}
		got, err := c.chip.ReadHalf(h)
		if err != nil {
			return false, err
		}
		if got == v {
			return true, nil
		}
	}
	return false, nil
}

// program writes the buffered block to the chips.
func (c *Controller) program() ([]Word, error) {
	var out []Word
	errs := 0
	for addr, w := range c.buf.words {
		for _, h := range []Half{HalfHigh, HalfLow} {
			if !c.mode.Uses(h) {
				continue
			}
			ok, err := c.writeVerified(h, halfValue(w, h))
			if err != nil {
				return c.fail(errors.Wrapf(err, "failed to write %v byte at %#02x", h, addr))
			}
			if !ok {
				pkgLog.Warnf("%v byte at %#02x failed verification", h, addr)
				out = append(out, NewDebugWord(verifyDebugValue(h)))
				errs++
			}
		}
		if err := c.chip.Advance(); err != nil {
			return c.fail(errors.Wrapf(err, "failed to advance from %#02x", addr))
		}
	}
	if errs > 0xFF {
		errs = 0xFF
	}
	c.buf.reset()
	c.state = ControllerIdle
	pkgLog.Infof("block written with %v errors", errs)
	return append(out, NewReportWord(byte(errs))), nil
}

// Flush performs the pending read back when the host asked for the chip
// contents, returning the header and the block. It returns nothing in any
// other state.
func (c *Controller) Flush() ([]Word, error) {
	if c.state != ControllerSending {
		return nil, nil
	}
	out := make([]Word, 0, BlockSize+1)
	out = append(out, NewDownloadHeader())
	for addr := 0; addr < BlockSize; addr++ {
		var w Word
		if c.mode.Uses(HalfHigh) {
			v, err := c.chip.ReadHalf(HalfHigh)
			if err != nil {
				return c.fail(errors.Wrapf(err, "failed to read high byte at %#02x", addr))
			}
			w.High = v
		}
		if c.mode.Uses(HalfLow) {
			v, err := c.chip.ReadHalf(HalfLow)
			if err != nil {
				return c.fail(errors.Wrapf(err, "failed to read low byte at %#02x", addr))
			}
			w.Low = v
		}
		if err := c.chip.Advance(); err != nil {
			return c.fail(errors.Wrapf(err, "failed to advance from %#02x", addr))
		}
		out = append(out, w)
	}
	c.state = ControllerIdle
	pkgLog.Infof("block read back")
	return out, nil
}

// RunController announces the controller and serves sessions until the link
// fails, ctx is done or the controller halts. The abort word of a halt is sent
// before returning ErrPanicked or the hardware error.
func RunController(ctx context.Context, link *Link, c *Controller) error {
	if err := link.WriteWords(c.Ready()); err != nil {
		return err
	}
	for {
		if c.State() == ControllerSending {
			out, ferr := c.Flush()
			if err := link.WriteWords(out...); err != nil {
				return err
			}
			if ferr != nil {
				return ferr
			}
		}

		w, err := link.ReadWord(ctx)
		if err != nil {
			return err
		}
		out, herr := c.Handle(w)
		if err := link.WriteWords(out...); err != nil {
			return err
		}
		if herr != nil {
			return herr
		}
	}
}
