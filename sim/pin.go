package sim

import (
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Pin is one line of a Board. It embeds gpiotest.Pin for the parts of the
// periph interface the board does not model.
type Pin struct {
	*gpiotest.Pin

	board  *Board
	level  gpio.Level
	output bool
	pull   gpio.Pull

	isData bool
	bit    int
}

// sample returns the level on the line. A data line carries the bit of an
// enabled chip, then the controller's level, then its pull.
func (p *Pin) sample() gpio.Level {
	if p.isData {
		for _, c := range p.board.chips {
			if c.driving() {
				return c.mem[p.board.counter]&(1<<uint(p.bit)) != 0
			}
		}
	}
	if p.output {
		return p.level
	}
	return p.pull == gpio.PullUp
}

// In releases the line.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.board.mu.Lock()
	defer p.board.mu.Unlock()
	p.output = false
	p.pull = pull
	return nil
}

// Read samples the line.
func (p *Pin) Read() gpio.Level {
	p.board.mu.Lock()
	defer p.board.mu.Unlock()
	return p.sample()
}

// Pull returns the pull set by the last call to In.
func (p *Pin) Pull() gpio.Pull {
	p.board.mu.Lock()
	defer p.board.mu.Unlock()
	return p.pull
}

// Out drives the line.
func (p *Pin) Out(l gpio.Level) error {
	p.board.mu.Lock()
	defer p.board.mu.Unlock()
	old := p.level
	p.output = true
	p.level = l
	p.board.edge(p, old)
	return nil
}
