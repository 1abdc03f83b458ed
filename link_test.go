package eeprom

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// chunkConn returns at most one byte per read and no data between chunks.
type chunkConn struct {
	data   []byte
	idle   bool
	out    bytes.Buffer
	closed bool
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if c.idle {
		c.idle = false
		return 0, nil
	}
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	c.idle = true
	p[0] = c.data[0]
	c.data = c.data[1:]
	return 1, nil
}

func (c *chunkConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *chunkConn) Close() error                { c.closed = true; return nil }

// silentConn never has data.
type silentConn struct{}

func (silentConn) Read(p []byte) (int, error)  { return 0, nil }
func (silentConn) Write(p []byte) (int, error) { return len(p), nil }
func (silentConn) Close() error                { return nil }

func TestLinkReadWordAcrossChunks(t *testing.T) {
	conn := &chunkConn{data: []byte{0x01, 0x02, 0x08, 0xFF}}
	link := NewLink(conn)

	want := []Word{{0x01, 0x02}, {0x08, 0xFF}}
	for i, w := range want {
		got, err := link.ReadWord(context.Background())
		if err != nil {
			t.Fatalf("word %d: %v", i, err)
		}
		if got != w {
			t.Errorf("word %d = %v, want %v", i, got, w)
		}
	}

	_, err := link.ReadWord(context.Background())
	var linkErr *LinkError
	if !errors.As(err, &linkErr) || linkErr.Op != "read" {
		t.Fatalf("expected read LinkError at end of stream, got %v", err)
	}
}

func TestLinkPartialWordIsKept(t *testing.T) {
	conn := &chunkConn{data: []byte{0x07}}
	link := NewLink(conn)
	if _, err := link.ReadWord(context.Background()); err == nil {
		t.Fatal("expected an error with half a word")
	}
	conn.data = []byte{0x03}
	got, err := link.ReadWord(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := NewReportWord(0x03); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLinkIdleTimeout(t *testing.T) {
	link := NewLink(silentConn{})
	link.IdleTimeout = 20 * time.Millisecond

	_, err := link.ReadWord(context.Background())
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", err)
	}
}

func TestLinkReadWordCancelled(t *testing.T) {
	link := NewLink(silentConn{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := link.ReadWord(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLinkWriteWords(t *testing.T) {
	conn := &chunkConn{}
	link := NewLink(conn)
	if err := link.WriteWords(NewFlagsHeader(), NewModeWord(HighOnly), NewDirectionWord(true, false)); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x02, 0x01, 0x01, 0x00, 0x01, 0x00}
	if !bytes.Equal(conn.out.Bytes(), want) {
		t.Errorf("wrote % x, want % x", conn.out.Bytes(), want)
	}
	if err := link.Close(); err != nil || !conn.closed {
		t.Errorf("close failed")
	}
}

func TestWordConstructors(t *testing.T) {
	tests := []struct {
		name string
		got  Word
		want Word
	}{
		{"ready", NewReadyWord(ProtocolVersion), Word{0x01, 0x02}},
		{"flags header", NewFlagsHeader(), Word{0x02, 0x01}},
		{"dual mode", NewModeWord(DualByte), Word{0x00, 0x00}},
		{"high mode", NewModeWord(HighOnly), Word{0x01, 0x00}},
		{"low mode", NewModeWord(LowOnly), Word{0x00, 0x01}},
		{"send direction", NewDirectionWord(false, true), Word{0x00, 0x01}},
		{"abort", NewAbortWord(AbortFlagCount), Word{0x03, 0x02}},
		{"debug", NewDebugWord(DebugLowVerify), Word{0x04, 0xFF}},
		{"ack", NewAckWord(), Word{0x05, 0x01}},
		{"upload", NewUploadHeader(), Word{0x06, 0xFF}},
		{"report", NewReportWord(1), Word{0x07, 0x01}},
		{"download", NewDownloadHeader(), Word{0x08, 0xFF}},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if n := wordCount(NewUploadHeader().Low); n != BlockSize {
		t.Errorf("full block count = %d, want %d", n, BlockSize)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		high, low bool
		want      Mode
		err       error
	}{
		{false, false, DualByte, nil},
		{true, false, HighOnly, nil},
		{false, true, LowOnly, nil},
		{true, true, DualByte, ErrModeConflict},
	}
	for _, tt := range tests {
		m, err := ParseMode(tt.high, tt.low)
		if err != tt.err {
			t.Errorf("ParseMode(%v, %v) error = %v, want %v", tt.high, tt.low, err, tt.err)
			continue
		}
		if err == nil && m != tt.want {
			t.Errorf("ParseMode(%v, %v) = %v, want %v", tt.high, tt.low, m, tt.want)
		}
	}
}

func TestModeUses(t *testing.T) {
	tests := []struct {
		mode      Mode
		high, low bool
		size      int
	}{
		{DualByte, true, true, 512},
		{HighOnly, true, false, 256},
		{LowOnly, false, true, 256},
	}
	for _, tt := range tests {
		if got := tt.mode.Uses(HalfHigh); got != tt.high {
			t.Errorf("%v uses high = %v", tt.mode, got)
		}
		if got := tt.mode.Uses(HalfLow); got != tt.low {
			t.Errorf("%v uses low = %v", tt.mode, got)
		}
		if got := tt.mode.ImageSize(); got != tt.size {
			t.Errorf("%v image size = %v, want %v", tt.mode, got, tt.size)
		}
	}
}

func TestTransferBufferBounds(t *testing.T) {
	var b transferBuffer
	for i := 0; i < BlockSize; i++ {
		if err := b.push(Word{byte(i), 0}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := b.push(Word{}); err != ErrBufferFull {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	b.reset()
	if b.pos != 0 || b.words[10] != (Word{}) {
		t.Error("reset left data behind")
	}
}
