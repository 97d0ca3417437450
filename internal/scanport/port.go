// Package scanport assembles keystroke-emulated barcode scans into codes.
//
// Hardware scanners type each character of a code as its own key event,
// usually followed by Enter. A Port buffers printable keys and finalizes the
// buffer either on Enter or after the input has been quiet for the idle window.
// Quiet-window completions must reach a minimum length so a stray keypress is
// not mistaken for a scan.
package scanport

import (
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// KeyEnter is the terminator key name.
const KeyEnter = "Enter"

const (
	DefaultIdle      = 100 * time.Millisecond
	DefaultMinLength = 3
)

// KeyEvent is one keyboard event. Key holds either a single character or a
// key name such as "Enter" or "Shift".
type KeyEvent struct {
	Key string `json:"key"`
}

// Keys turns a string into one event per character.
func Keys(s string) []KeyEvent {
	out := make([]KeyEvent, 0, len(s))
	for _, r := range s {
		out = append(out, KeyEvent{Key: string(r)})
	}
	return out
}

// Timer is the part of *time.Timer the port needs.
type Timer interface {
	Stop() bool
}

// Clock schedules the idle timer.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Options tunes a Port. Zero values fall back to the defaults.
type Options struct {
	Idle      time.Duration
	MinLength int
	Clock     Clock
}

// Port is a virtual scan input. It is safe for concurrent use; emit is
// always called without the port's lock held.
type Port struct {
	mu     sync.Mutex
	idle   time.Duration
	minLen int
	clock  Clock
	emit   func(code string)

	buf    []rune
	timer  Timer
	gen    uint64
	manual bool
	closed bool
}

// New creates a port that delivers completed codes to emit.
func New(emit func(code string), opts Options) *Port {
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	return &Port{
		idle:   opts.Idle,
		minLen: opts.MinLength,
		clock:  opts.Clock,
		emit:   emit,
	}
}

// Handle feeds one key event into the port.
func (p *Port) Handle(ev KeyEvent) {
	p.mu.Lock()
	if p.closed || p.manual {
		p.mu.Unlock()
		return
	}

	if ev.Key == KeyEnter {
		code := p.finalizeLocked()
		p.mu.Unlock()
		if code != "" {
			p.emit(code)
		}
		return
	}

	r, ok := printable(ev.Key)
	if !ok {
		p.mu.Unlock()
		return
	}
	p.buf = append(p.buf, r)
	p.armLocked()
	p.mu.Unlock()
}

// HandleAll feeds events in order.
func (p *Port) HandleAll(evs []KeyEvent) {
	for _, ev := range evs {
		p.Handle(ev)
	}
}

// SetManualFocus tells the port whether the manual-entry field has focus.
// While it does, every event is ignored; typed codes go through their own
// submit action instead. Gaining focus discards a partial scan.
func (p *Port) SetManualFocus(focused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if focused && !p.manual {
		p.finalizeLocked()
	}
	p.manual = focused
}

// ManualFocus reports whether events are currently ignored.
func (p *Port) ManualFocus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manual
}

// Scanning returns the in-progress buffer for a "currently scanning" indicator.
func (p *Port) Scanning() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.buf)
}

// Close cancels the idle timer and drops any partial input. Further events
// are ignored.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeLocked()
	p.closed = true
}

func (p *Port) armLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.idle, func() { p.expire(gen) })
}

func (p *Port) expire(gen uint64) {
	p.mu.Lock()
	// a newer key, a terminator or Close already superseded this timer
	if gen != p.gen || p.closed {
		p.mu.Unlock()
		return
	}
	n := len(p.buf)
	code := p.finalizeLocked()
	p.mu.Unlock()

	if n >= p.minLen {
		p.emit(code)
	}
}

// finalizeLocked empties the buffer, cancels the timer and returns the code.
func (p *Port) finalizeLocked() string {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	code := string(p.buf)
	p.buf = p.buf[:0]
	return code
}

func printable(key string) (rune, bool) {
	if utf8.RuneCountInString(key) != 1 {
		return 0, false
	}
	r, _ := utf8.DecodeRuneInString(key)
	if r == utf8.RuneError || !unicode.IsPrint(r) {
		return 0, false
	}
	return r, true
}
