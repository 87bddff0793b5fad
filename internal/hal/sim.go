package hal

import "sync"

// SimPin is an in-memory pin usable as both input and output. It
// records every level written to it.
type SimPin struct {
	mu      sync.Mutex
	level   bool
	writes  []bool
	readErr error
}

// NewSimPin returns a pin at the given level.
func NewSimPin(high bool) *SimPin {
	return &SimPin{level: high}
}

// Read returns the current level.
func (p *SimPin) Read() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, p.readErr
}

// Write sets the level and records it.
func (p *SimPin) Write(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = high
	p.writes = append(p.writes, high)
	return nil
}

// Set changes the level without recording a write, as an external
// circuit would.
func (p *SimPin) Set(high bool) {
	p.mu.Lock()
	p.level = high
	p.mu.Unlock()
}

// FailReads makes subsequent reads return err (nil to clear).
func (p *SimPin) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
}

// Writes returns a copy of every level written.
func (p *SimPin) Writes() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bool, len(p.writes))
	copy(out, p.writes)
	return out
}

// SimADC is an in-memory analog input.
type SimADC struct {
	mu  sync.Mutex
	raw int
	err error
}

// ReadRaw returns the configured raw count.
func (a *SimADC) ReadRaw() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raw, a.err
}

// Set changes the raw count returned by ReadRaw.
func (a *SimADC) Set(raw int) {
	a.mu.Lock()
	a.raw = raw
	a.mu.Unlock()
}

// Fail makes ReadRaw return err (nil to clear).
func (a *SimADC) Fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// SimBoard holds the simulated pins so tests can drive inputs and
// inspect outputs.
type SimBoard struct {
	Switch *SimPin
	Relay  *SimPin
	LED    *SimPin
	ADC    *SimADC
}

// NewSimBoard returns a board with the switch pulled up (door open),
// the relay low, and the ADC at zero.
func NewSimBoard() *SimBoard {
	return &SimBoard{
		Switch: NewSimPin(true),
		Relay:  NewSimPin(false),
		LED:    NewSimPin(true),
		ADC:    &SimADC{},
	}
}

// Board adapts the simulated pins to a [Board].
func (s *SimBoard) Board() *Board {
	return &Board{
		Switch: s.Switch,
		Relay:  s.Relay,
		LED:    s.LED,
		ADC:    s.ADC,
	}
}
