package sim

import (
	"testing"

	"periph.io/x/conn/v3/gpio"
)

func drive(t *testing.T, b *Board, name string, l gpio.Level) {
	t.Helper()
	if err := b.ByName(name).Out(l); err != nil {
		t.Fatal(err)
	}
}

func putBus(t *testing.T, b *Board, v byte) {
	t.Helper()
	for i := 0; i < 8; i++ {
		drive(t, b, Data(i), gpio.Level(v&(1<<uint(i)) != 0))
	}
}

func releaseBus(t *testing.T, b *Board) {
	t.Helper()
	for i := 0; i < 8; i++ {
		if err := b.ByName(Data(i)).In(gpio.PullUp, gpio.NoEdge); err != nil {
			t.Fatal(err)
		}
	}
}

func pulse(t *testing.T, b *Board, name string) {
	t.Helper()
	drive(t, b, name, gpio.Low)
	drive(t, b, name, gpio.High)
}

func TestBoardLatchNeedsEnable(t *testing.T) {
	b := NewBoard()
	putBus(t, b, 0x42)

	pulse(t, b, HighWrite)
	if b.Writes() != 0 || b.Mem(High)[0] != 0xFF {
		t.Fatal("write latched with the chip disabled")
	}

	drive(t, b, HighEnable, gpio.Low)
	pulse(t, b, HighWrite)
	drive(t, b, HighEnable, gpio.High)
	if got := b.Mem(High)[0]; got != 0x42 {
		t.Errorf("high chip holds %#02x", got)
	}
	if got := b.Mem(Low)[0]; got != 0xFF {
		t.Errorf("low chip changed to %#02x", got)
	}
	if b.Writes() != 1 {
		t.Errorf("%d writes", b.Writes())
	}
}

func TestBoardCounterNeedsNext(t *testing.T) {
	b := NewBoard()
	pulse(t, b, Clock)
	if b.Counter() != 0 {
		t.Fatal("counter moved with next low")
	}
	drive(t, b, Next, gpio.High)
	for i := 0; i < 257; i++ {
		drive(t, b, Clock, gpio.High)
		drive(t, b, Clock, gpio.Low)
	}
	if b.Counter() != 1 {
		t.Errorf("counter at %d after 257 ticks", b.Counter())
	}
}

func TestBoardReadsThroughBus(t *testing.T) {
	b := NewBoard()
	var mem [256]byte
	mem[0] = 0xA5
	b.Load(Low, mem)
	releaseBus(t, b)

	drive(t, b, LowEnable, gpio.Low)
	drive(t, b, LowOutput, gpio.Low)
	var v byte
	for i := 0; i < 8; i++ {
		if b.ByName(Data(i)).Read() == gpio.High {
			v |= 1 << uint(i)
		}
	}
	if v != 0xA5 {
		t.Errorf("bus read %#02x", v)
	}
	if b.Contention() != 0 {
		t.Errorf("contention on a released bus")
	}

	// Driving the bus while the chip outputs is a fight.
	drive(t, b, Data(0), gpio.Low)
	if b.Contention() == 0 {
		t.Error("contention not detected")
	}
}

func TestBoardFailWrites(t *testing.T) {
	b := NewBoard()
	b.FailWrites(Low, 0, 2)
	putBus(t, b, 0x11)
	drive(t, b, LowEnable, gpio.Low)
	for i := 0; i < 3; i++ {
		pulse(t, b, LowWrite)
		want := byte(0xFF)
		if i == 2 {
			want = 0x11
		}
		if got := b.Mem(Low)[0]; got != want {
			t.Errorf("after write %d chip holds %#02x, want %#02x", i+1, got, want)
		}
	}
	if b.Writes() != 3 {
		t.Errorf("%d writes", b.Writes())
	}
}

func TestBoardByNameUnknown(t *testing.T) {
	if NewBoard().ByName("GPIO4") != nil {
		t.Error("resolved a pin the board does not have")
	}
}
