package eeprom

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dc138/eeprom-uploader/sim"
	"github.com/pkg/errors"
)

type bridge struct {
	board *sim.Board
	done  chan error
}

// startBridge runs a controller on a simulated board and returns the host end
// of the link.
func startBridge(t *testing.T, ctx context.Context) (*Link, *bridge) {
	t.Helper()
	engine, board := newSimEngine(t)
	hostEnd, bridgeEnd := net.Pipe()

	b := &bridge{board: board, done: make(chan error, 1)}
	link := NewLink(bridgeEnd)
	go func() {
		b.done <- RunController(ctx, link, NewController(engine))
		link.Close()
	}()
	t.Cleanup(func() { hostEnd.Close() })

	host := NewLink(hostEnd)
	host.IdleTimeout = 10 * time.Second
	return host, b
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionModeMatrix(t *testing.T) {
	for _, m := range []Mode{DualByte, HighOnly, LowOnly} {
		t.Run(m.String()+" write", func(t *testing.T) {
			ctx := testContext(t)
			link, br := startBridge(t, ctx)

			img := make([]byte, m.ImageSize())
			for i := range img {
				img[i] = byte(i * 7)
			}
			b, err := DecodeImage(img, m)
			if err != nil {
				t.Fatal(err)
			}
			errs, err := Program(ctx, link, m, b)
			if err != nil {
				t.Fatal(err)
			}
			if errs != 0 {
				t.Fatalf("%d verify errors", errs)
			}

			high, low := br.board.Mem(sim.High), br.board.Mem(sim.Low)
			for i, w := range b {
				if m.Uses(HalfHigh) && high[i] != w.High {
					t.Fatalf("high chip at %#02x holds %#02x, want %#02x", i, high[i], w.High)
				}
				if m.Uses(HalfLow) && low[i] != w.Low {
					t.Fatalf("low chip at %#02x holds %#02x, want %#02x", i, low[i], w.Low)
				}
				if !m.Uses(HalfHigh) && high[i] != 0xFF {
					t.Fatalf("excluded high chip written at %#02x", i)
				}
				if !m.Uses(HalfLow) && low[i] != 0xFF {
					t.Fatalf("excluded low chip written at %#02x", i)
				}
			}
			if br.board.Counter() != 0 {
				t.Errorf("counter ended at %d", br.board.Counter())
			}
		})

		t.Run(m.String()+" read", func(t *testing.T) {
			ctx := testContext(t)
			link, br := startBridge(t, ctx)

			var high, low [256]byte
			for i := range high {
				high[i] = byte(i)
				low[i] = byte(255 - i)
			}
			br.board.Load(sim.High, high)
			br.board.Load(sim.Low, low)

			name := filepath.Join(t.TempDir(), "dump.bin")
			b, err := Dump(ctx, link, m)
			if err != nil {
				t.Fatal(err)
			}
			if err := SaveImage(name, b, m, false); err != nil {
				t.Fatal(err)
			}

			data, err := os.ReadFile(name)
			if err != nil {
				t.Fatal(err)
			}
			if len(data) != m.ImageSize() {
				t.Fatalf("image of %d bytes, want %d", len(data), m.ImageSize())
			}
			for i := 0; i < BlockSize; i++ {
				switch m {
				case HighOnly:
					if data[i] != high[i] {
						t.Fatalf("byte %d = %#02x", i, data[i])
					}
				case LowOnly:
					if data[i] != low[i] {
						t.Fatalf("byte %d = %#02x", i, data[i])
					}
				default:
					if data[2*i] != high[i] || data[2*i+1] != low[i] {
						t.Fatalf("address %d = %#02x %#02x", i, data[2*i], data[2*i+1])
					}
				}
			}
		})
	}
}

func TestSessionReportsVerifyFailure(t *testing.T) {
	tests := []struct {
		failures int
		want     int
	}{
		{0, 0},
		{MaxWriteAttempts, 1},
	}
	for _, tt := range tests {
		ctx := testContext(t)
		link, br := startBridge(t, ctx)
		br.board.FailWrites(sim.High, 130, tt.failures)

		b := testBlock()
		errs, err := Program(ctx, link, DualByte, b)
		if err != nil {
			t.Fatal(err)
		}
		if errs != tt.want {
			t.Errorf("%d failures: reported %d errors, want %d", tt.failures, errs, tt.want)
		}
	}
}

func TestSessionVersionMismatch(t *testing.T) {
	ctx := testContext(t)
	hostEnd, ctrlEnd := net.Pipe()
	defer ctrlEnd.Close()

	go func() {
		NewLink(ctrlEnd).WriteWords(NewReadyWord(ProtocolVersion + 1))
	}()
	_, err := Program(ctx, NewLink(hostEnd), DualByte, testBlock())
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}

	// The host closed the link without sending anything.
	buf := make([]byte, 1)
	if n, _ := ctrlEnd.Read(buf); n != 0 {
		t.Errorf("host sent %d bytes", n)
	}
}

func TestSessionControllerPanicReachesHost(t *testing.T) {
	ctx := testContext(t)
	engine, board := newSimEngine(t)
	hostEnd, bridgeEnd := net.Pipe()
	defer hostEnd.Close()

	done := make(chan error, 1)
	go func() {
		done <- RunController(ctx, NewLink(bridgeEnd), NewController(engine))
	}()

	host := NewLink(hostEnd)
	if _, err := host.ReadWord(ctx); err != nil {
		t.Fatal(err)
	}
	if err := host.WriteWords(Word{0x09, 0x00}); err != nil {
		t.Fatal(err)
	}
	w, err := host.ReadWord(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w != NewAbortWord(AbortUnknownOpcode) {
		t.Errorf("got %v", w)
	}
	if err := <-done; err != ErrPanicked {
		t.Errorf("controller returned %v", err)
	}
	if board.Writes() != 0 {
		t.Errorf("chips written after a desync")
	}
}
