// Package sim models the programmer board: two 256 byte parallel EEPROMs
// sharing an 8 bit data bus, addressed by a ripple counter, with every line
// exposed as a periph GPIO pin.
//
// The model follows the chips' control lines rather than the drive sequence,
// so a sequence that latches the wrong data or fights a chip for the bus is
// observable through Board's accessors.
package sim

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Chip indexes.
const (
	High = 0
	Low  = 1
)

// Pin names.
const (
	Clock      = "SIM_CLK"
	Next       = "SIM_NEXT"
	HighWrite  = "SIM_HWE"
	HighOutput = "SIM_HOE"
	HighEnable = "SIM_HCE"
	LowWrite   = "SIM_LWE"
	LowOutput  = "SIM_LOE"
	LowEnable  = "SIM_LCE"
)

// Data returns the name of data line i.
func Data(i int) string {
	return fmt.Sprintf("SIM_D%d", i)
}

type chip struct {
	mem    [256]byte
	write  *Pin
	output *Pin
	enable *Pin
	// Writes to drop, by address.
	drop map[uint8]int
}

func (c *chip) driving() bool {
	return c.enable.level == gpio.Low && c.output.level == gpio.Low
}

// Board is a simulated chip pair.
type Board struct {
	mu sync.Mutex

	chips   [2]*chip
	clock   *Pin
	next    *Pin
	data    [8]*Pin
	pins    map[string]*Pin
	counter uint8

	writes     int
	contention int
}

// NewBoard returns a board with erased (0xFF) chips and the counter at zero.
// All control lines start high.
func NewBoard() *Board {
	b := &Board{pins: make(map[string]*Pin)}
	num := 0
	add := func(name string, level gpio.Level) *Pin {
		p := &Pin{Pin: &gpiotest.Pin{N: name, Num: num}, board: b, level: level, output: true}
		num++
		b.pins[name] = p
		return p
	}
	b.clock = add(Clock, gpio.Low)
	b.next = add(Next, gpio.Low)
	b.chips[High] = &chip{write: add(HighWrite, gpio.High), output: add(HighOutput, gpio.High), enable: add(HighEnable, gpio.High)}
	b.chips[Low] = &chip{write: add(LowWrite, gpio.High), output: add(LowOutput, gpio.High), enable: add(LowEnable, gpio.High)}
	for i := range b.data {
		p := add(Data(i), gpio.Low)
		p.output = false
		p.pull = gpio.Float
		p.bit = i
		p.isData = true
		b.data[i] = p
	}
	for _, c := range b.chips {
		for i := range c.mem {
			c.mem[i] = 0xFF
		}
		c.drop = make(map[uint8]int)
	}
	return b
}

// ByName returns the pin with the given name, or nil.
func (b *Board) ByName(name string) gpio.PinIO {
	p, ok := b.pins[name]
	if !ok {
		return nil
	}
	return p
}

// Load replaces the contents of a chip.
func (b *Board) Load(c int, mem [256]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chips[c].mem = mem
}

// Mem returns the contents of a chip.
func (b *Board) Mem(c int) [256]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chips[c].mem
}

// Counter returns the address held by the ripple counter.
func (b *Board) Counter() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counter
}

// Writes returns the number of write cycles latched by either chip.
func (b *Board) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// Contention returns how many times the data bus was driven by a chip and the
// controller at once.
func (b *Board) Contention() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contention
}

// FailWrites makes the next n write cycles of chip c at addr leave the
// stored byte unchanged.
func (b *Board) FailWrites(c int, addr uint8, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chips[c].drop[addr] += n
}

func (b *Board) busDriven() bool {
	for _, p := range b.data {
		if p.output {
			return true
		}
	}
	return false
}

func (b *Board) checkContention() {
	if !b.busDriven() {
		return
	}
	for _, c := range b.chips {
		if c.driving() {
			b.contention++
		}
	}
}

// busValue is the byte seen by a chip latching the bus.
func (b *Board) busValue() byte {
	var v byte
	for i, p := range b.data {
		if p.sample() == gpio.High {
			v |= 1 << uint(i)
		}
	}
	return v
}

// edge applies the effect of p changing from old to its current level.
func (b *Board) edge(p *Pin, old gpio.Level) {
	rising := old == gpio.Low && p.level == gpio.High

	if p == b.clock && rising && b.next.level == gpio.High {
		b.counter++
		return
	}
	for _, c := range b.chips {
		if p == c.write && rising && c.enable.level == gpio.Low {
			b.latch(c)
		}
	}
	b.checkContention()
}

func (b *Board) latch(c *chip) {
	b.writes++
	if n := c.drop[b.counter]; n > 0 {
		c.drop[b.counter] = n - 1
		return
	}
	c.mem[b.counter] = b.busValue()
}
