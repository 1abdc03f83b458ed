package eeprom

import (
	"context"

	"github.com/pkg/errors"
)

// HostState is the state of the computer side of a session.
type HostState int

// Host states.
const (
	HostSetup HostState = iota
	HostHandshake
	HostWaiting
	HostSending
	HostReceiving
	HostDone
	HostAborted
)

func (s HostState) String() string {
	switch s {
	case HostSetup:
		return "setup"
	case HostHandshake:
		return "handshake"
	case HostWaiting:
		return "waiting"
	case HostSending:
		return "sending"
	case HostReceiving:
		return "receiving"
	case HostDone:
		return "done"
	case HostAborted:
		return "aborted"
	default:
		return "invalid state"
	}
}

// Active reports whether a session in this state is still running.
func (s HostState) Active() bool {
	switch s {
	case HostSetup, HostHandshake, HostWaiting, HostSending, HostReceiving:
		return true
	}
	return false
}

// HostOptions selects what a session does.
type HostOptions struct {
	Mode Mode
	// Send is the block to write, nil when not writing.
	Send *Block
	// Receive requests the chip contents.
	Receive bool
}

// Result is the outcome of a host session.
type Result struct {
	// Written is set once the controller reported a write.
	Written bool
	// Errors is the number of bytes that failed verification.
	Errors int
	// Block holds the chip contents when they were received.
	Block *Block
}

// Host is the computer side of the link protocol. It is fed one word at a
// time and returns the words to send back.
type Host struct {
	opts   HostOptions
	state  HostState
	result Result

	remaining int
	buf       transferBuffer
}

// NewHost creates a host session.
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Send != nil && opts.Receive {
		return nil, ErrDirectionConflict
	}
	switch opts.Mode {
	case DualByte, HighOnly, LowOnly:
	default:
		return nil, errors.Errorf("invalid mode %d", opts.Mode)
	}
	return &Host{opts: opts}, nil
}

// State returns the current state.
func (h *Host) State() HostState {
	return h.state
}

// Result returns what the session produced so far.
func (h *Host) Result() Result {
	return h.result
}

func (h *Host) abort(err error) ([]Word, error) {
	h.state = HostAborted
	h.buf.reset()
	return nil, err
}

// Handle consumes one word.
func (h *Host) Handle(w Word) ([]Word, error) {
	if !h.state.Active() {
		return nil, ErrSessionEnded
	}
	if h.state == HostReceiving {
		return h.handleData(w)
	}

	switch w.Opcode() {
	case OpReady:
		if h.state != HostSetup {
			return h.abort(errors.Wrap(ErrProtocol, "ready outside setup"))
		}
		if w.Low != ProtocolVersion {
			return h.abort(errors.Wrapf(ErrVersionMismatch, "using version %#x but controller is on version %#x", ProtocolVersion, w.Low))
		}
		h.state = HostHandshake
		pkgLog.Infof("performing initial handshake")
		return []Word{
			NewFlagsHeader(),
			NewModeWord(h.opts.Mode),
			NewDirectionWord(h.opts.Receive, h.opts.Send != nil),
		}, nil

	case OpAbort:
		return h.abort(&AbortError{Reason: w.Low})

	case OpDebug:
		pkgLog.Warnf("received debug packet with parameter %#x", w.Low)
		return nil, nil

	case OpAck:
		if h.state != HostHandshake {
			return h.abort(errors.Wrap(ErrProtocol, "ack outside handshake"))
		}
		switch {
		case h.opts.Receive:
			h.state = HostWaiting
		case h.opts.Send != nil:
			h.state = HostSending
		default:
			pkgLog.Infof("nothing to do")
			h.state = HostDone
		}
		return nil, nil

	case OpReport:
		if h.state != HostWaiting || h.opts.Send == nil {
			return h.abort(errors.Wrap(ErrProtocol, "unexpected write report"))
		}
		h.result.Written = true
		h.result.Errors = int(w.Low)
		h.state = HostDone
		pkgLog.Infof("controller finished writing with %v errors", w.Low)
		return nil, nil

	case OpDownload:
		if h.state != HostWaiting || !h.opts.Receive {
			return h.abort(errors.Wrap(ErrProtocol, "unexpected download"))
		}
		h.state = HostReceiving
		h.remaining = wordCount(w.Low)
		h.buf.reset()
		pkgLog.Infof("receiving %v words of data", h.remaining)
		return nil, nil

	default:
		return h.abort(errors.Wrapf(ErrUnknownPacket, "opcode %#02x", w.Opcode()))
	}
}

func (h *Host) handleData(w Word) ([]Word, error) {
	if err := h.buf.push(w); err != nil {
		return h.abort(err)
	}
	h.remaining--
	if h.remaining > 0 {
		return nil, nil
	}
	block := h.buf.words
	h.result.Block = &block
	h.buf.reset()
	h.state = HostDone
	pkgLog.Infof("done receiving data")
	return nil, nil
}

// Flush returns the upload once the controller acknowledged a write session,
// and nothing in any other state.
func (h *Host) Flush() []Word {
	if h.state != HostSending {
		return nil
	}
	out := make([]Word, 0, BlockSize+1)
	out = append(out, NewUploadHeader())
	for _, w := range h.opts.Send {
		if !h.opts.Mode.Uses(HalfHigh) {
			w.High = 0
		}
		if !h.opts.Mode.Uses(HalfLow) {
			w.Low = 0
		}
		out = append(out, w)
	}
	h.state = HostWaiting
	pkgLog.Infof("sending data to controller")
	return out
}

// RunHost drives h over link until the session ends. The link is closed on
// return.
func RunHost(ctx context.Context, link *Link, h *Host) (Result, error) {
	defer link.Close()

	for h.State().Active() {
		if err := link.WriteWords(h.Flush()...); err != nil {
			h.abort(err)
			return h.Result(), err
		}

		w, err := link.ReadWord(ctx)
		if err != nil {
			h.abort(err)
			return h.Result(), err
		}
		out, herr := h.Handle(w)
		if err := link.WriteWords(out...); err != nil {
			h.abort(err)
			return h.Result(), err
		}
		if herr != nil {
			return h.Result(), herr
		}
	}
	pkgLog.Infof("connection ended")
	return h.Result(), nil
}
