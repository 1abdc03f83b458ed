// Package eeprom implements a programmer for pairs of parallel EEPROM chips
// driven by a microcontroller bridge over a half-duplex serial link.
//
// The package contains three main components: the Drive Engine, which performs
// the timed GPIO sequencing needed to read or write one byte of one chip; the
// Controller, the bridge side of the link protocol that drives the engine; and
// the Host, the computer side of the protocol that streams an image to the
// bridge or reads the chips back into an image.
//
// Both session types are plain state machines fed one Word at a time, so they
// can be exercised without hardware. The Run functions connect them to a Link,
// which may be backed by a serial port or a WebSocket.
//
// Also included is a command line tool, found in the cmd/eeprog directory,
// that can act as either end of the link.
package eeprom

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ProtocolVersion is the link protocol version announced in the ready word.
// Peers with a different version are refused.
const ProtocolVersion = 0x02

// BlockSize is the number of addresses covered by every transfer.
const BlockSize = 256

// Opcodes, carried in the high byte of a word outside of a data run.
const (
	OpReady    = 0x01
	OpFlags    = 0x02
	OpAbort    = 0x03
	OpDebug    = 0x04
	OpAck      = 0x05
	OpUpload   = 0x06
	OpReport   = 0x07
	OpDownload = 0x08
)

// Abort reason codes.
const (
	AbortUnknownOpcode = 0x01
	AbortFlagCount     = 0x02
	AbortInvalidMode   = 0x03
	AbortHardwareFault = 0x04
)

// Debug values sent by the controller when a byte failed verification.
const (
	DebugHighVerify = 0x00
	DebugLowVerify  = 0xFF
)

// countAll is the count byte announcing a full block of BlockSize words.
const countAll = BlockSize - 1

// GetOpcodeString returns the string representation of an opcode.
func GetOpcodeString(op byte) string {
	switch op {
	case OpReady:
		return "ready"
	case OpFlags:
		return "flags"
	case OpAbort:
		return "abort"
	case OpDebug:
		return "debug"
	case OpAck:
		return "ack"
	case OpUpload:
		return "upload"
	case OpReport:
		return "report"
	case OpDownload:
		return "download"
	default:
		return "unknown opcode"
	}
}

// GetAbortReasonString returns the string representation of an abort reason code.
func GetAbortReasonString(reason byte) string {
	switch reason {
	case AbortUnknownOpcode:
		return "unknown opcode"
	case AbortFlagCount:
		return "flag count mismatch"
	case AbortInvalidMode:
		return "invalid mode flags"
	case AbortHardwareFault:
		return "hardware fault"
	default:
		return "invalid reason code"
	}
}

// Word is the unit of all link traffic.
type Word struct {
	High, Low byte
}

func (w Word) String() string {
	return fmt.Sprintf("%#02x %#02x", w.High, w.Low)
}

// Opcode returns the opcode carried by the word.
func (w Word) Opcode() byte {
	return w.High
}

// Bytes returns the word in wire order.
func (w Word) Bytes() []byte {
	return []byte{w.High, w.Low}
}

func boolByte(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}

// NewReadyWord returns the word announcing a controller running the given version.
func NewReadyWord(version byte) Word {
	return Word{High: OpReady, Low: version}
}

// NewFlagsHeader returns the header opening the flag exchange. The count is the
// number of parameter words after the first one.
func NewFlagsHeader() Word {
	return Word{High: OpFlags, Low: 0x01}
}

// NewModeWord returns the first flag exchange word.
func NewModeWord(m Mode) Word {
	high, low := m.Flags()
	return Word{High: boolByte(high), Low: boolByte(low)}
}

// NewDirectionWord returns the second flag exchange word. receive is true when
// the host wants the controller to send the chip contents.
func NewDirectionWord(receive, send bool) Word {
	return Word{High: boolByte(receive), Low: boolByte(send)}
}

// NewAbortWord returns an abort word with the given reason.
func NewAbortWord(reason byte) Word {
	return Word{High: OpAbort, Low: reason}
}

// NewDebugWord returns a debug word.
func NewDebugWord(value byte) Word {
	return Word{High: OpDebug, Low: value}
}

// NewAckWord returns the handshake acknowledgement.
func NewAckWord() Word {
	return Word{High: OpAck, Low: 0x01}
}

// NewUploadHeader returns the header of a full block sent by the host.
func NewUploadHeader() Word {
	return Word{High: OpUpload, Low: countAll}
}

// NewReportWord returns the write completion report.
func NewReportWord(errors byte) Word {
	return Word{High: OpReport, Low: errors}
}

// NewDownloadHeader returns the header of a full block sent by the controller.
func NewDownloadHeader() Word {
	return Word{High: OpDownload, Low: countAll}
}

// wordCount converts a header count byte to the number of words that follow.
// 0xFF announces a full block.
func wordCount(count byte) int {
	return int(count) + 1
}

// Half selects one of the two chips.
type Half int

// The two chips of a pair.
const (
	HalfHigh Half = iota
	HalfLow
)

func (h Half) String() string {
	if h == HalfHigh {
		return "high"
	}
	return "low"
}

// Mode selects which chips take part in a session.
type Mode int

// Session modes.
const (
	DualByte Mode = iota
	HighOnly
	LowOnly
)

// ParseMode converts the high-only and low-only flags into a mode.
func ParseMode(highOnly, lowOnly bool) (Mode, error) {
	switch {
	case highOnly && lowOnly:
		return DualByte, ErrModeConflict
	case highOnly:
		return HighOnly, nil
	case lowOnly:
		return LowOnly, nil
	default:
		return DualByte, nil
	}
}

// Flags returns the high-only and low-only flags of the mode.
func (m Mode) Flags() (highOnly, lowOnly bool) {
	return m == HighOnly, m == LowOnly
}

// Uses reports whether the given chip takes part in sessions of this mode.
func (m Mode) Uses(h Half) bool {
	switch m {
	case HighOnly:
		return h == HalfHigh
	case LowOnly:
		return h == HalfLow
	default:
		return true
	}
}

// ImageSize returns the size in bytes of an image file for this mode.
func (m Mode) ImageSize() int {
	if m == DualByte {
		return 2 * BlockSize
	}
	return BlockSize
}

func (m Mode) String() string {
	switch m {
	case HighOnly:
		return "high-only"
	case LowOnly:
		return "low-only"
	default:
		return "dual-byte"
	}
}

// Block holds one word per address.
type Block [BlockSize]Word

// transferBuffer collects the words of a data run.
type transferBuffer struct {
	words Block
	pos   int
}

func (b *transferBuffer) push(w Word) error {
	if b.pos >= BlockSize {
		return ErrBufferFull
	}
	b.words[b.pos] = w
	b.pos++
	return nil
}

func (b *transferBuffer) reset() {
	*b = transferBuffer{}
}

// Link carries words between the two ends of a session.
type Link struct {
	conn io.ReadWriteCloser
	// IdleTimeout bounds the wait for the next word. Zero waits forever.
	IdleTimeout time.Duration

	buf [2]byte
	n   int
}

// NewLink wraps a byte stream. Reads returning no data are treated as an idle
// poll, so the stream may use read timeouts.
func NewLink(conn io.ReadWriteCloser) *Link {
	return &Link{conn: conn}
}

// ReadWord blocks until a complete word has arrived. A partial word is kept
// until its second byte arrives.
func (l *Link) ReadWord(ctx context.Context) (Word, error) {
	var deadline time.Time
	if l.IdleTimeout > 0 {
		deadline = time.Now().Add(l.IdleTimeout)
	}
	for l.n < len(l.buf) {
		if err := ctx.Err(); err != nil {
			return Word{}, err
		}
		n, err := l.conn.Read(l.buf[l.n:])
		l.n += n
		if err != nil {
			return Word{}, &LinkError{Op: "read", Err: err}
		}
		if n > 0 && l.IdleTimeout > 0 {
			deadline = time.Now().Add(l.IdleTimeout)
		}
		if n == 0 && !deadline.IsZero() && time.Now().After(deadline) {
			return Word{}, &LinkError{Op: "read", Err: ErrIdleTimeout}
		}
	}
	l.n = 0
	w := Word{High: l.buf[0], Low: l.buf[1]}
	pkgLog.Debugf("[REC] %v", w)
	return w, nil
}

// WriteWords sends words in order.
func (l *Link) WriteWords(words ...Word) error {
	if len(words) == 0 {
		return nil
	}
	tx := make([]byte, 0, 2*len(words))
	for _, w := range words {
		tx = append(tx, w.High, w.Low)
		pkgLog.Debugf("[OUT] %v", w)
	}
	if _, err := l.conn.Write(tx); err != nil {
		return &LinkError{Op: "write", Err: err}
	}
	return nil
}

// Close releases the underlying stream.
func (l *Link) Close() error {
	return l.conn.Close()
}
