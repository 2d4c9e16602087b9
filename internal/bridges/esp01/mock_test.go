package esp01

import (
	"strings"
	"sync"
	"time"
)

// fakeClock is a manual clock. Sleep advances it instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePort simulates the modem end of the serial line. Every complete
// command written is recorded and, if a responder is set, answered by
// queueing reply lines for the next reads.
type fakePort struct {
	mu       sync.Mutex
	rx       []byte
	partial  []byte
	written  []string
	respond  func(command string) []string
	chunk    int // max bytes per Read, 0 for unlimited
	readErr  error
	writeErr error
}

func newFakePort(respond func(command string) []string) *fakePort {
	return &fakePort{respond: respond}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readErr != nil {
		return 0, p.readErr
	}
	n := len(p.rx)
	if p.chunk > 0 && n > p.chunk {
		n = p.chunk
	}
	n = copy(b, p.rx[:n])
	p.rx = p.rx[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.partial = append(p.partial, b...)
	for {
		i := strings.Index(string(p.partial), "\r\n")
		if i < 0 {
			break
		}
		command := string(p.partial[:i])
		p.partial = p.partial[i+2:]
		p.written = append(p.written, command)
		if p.respond != nil {
			for _, reply := range p.respond(command) {
				p.rx = append(p.rx, reply+"\r\n"...)
			}
		}
	}
	return len(b), nil
}

// feed queues raw bytes as if the modem sent them.
func (p *fakePort) feed(raw string) {
	p.mu.Lock()
	p.rx = append(p.rx, raw...)
	p.mu.Unlock()
}

// feedLines queues CR LF terminated lines.
func (p *fakePort) feedLines(lines ...string) {
	for _, l := range lines {
		p.feed(l + "\r\n")
	}
}

func (p *fakePort) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.written))
	copy(out, p.written)
	return out
}

func (p *fakePort) resetCommands() {
	p.mu.Lock()
	p.written = nil
	p.mu.Unlock()
}

// okResponder answers every command with OK.
func okResponder(string) []string {
	return []string{"OK"}
}

// silentResponder never answers.
func silentResponder(string) []string {
	return nil
}

// verbResponder answers commands by verb, falling back to OK.
func verbResponder(replies map[string][]string) func(string) []string {
	return func(command string) []string {
		if r, ok := replies[commandVerb(command)]; ok {
			return r
		}
		return []string{"OK"}
	}
}

// countVerb counts written commands with the given verb.
func countVerb(commands []string, verb string) int {
	n := 0
	for _, c := range commands {
		if commandVerb(c) == verb {
			n++
		}
	}
	return n
}

// newTestModem builds a modem over a fake port and clock.
func newTestModem(respond func(string) []string) (*Modem, *fakePort, *fakeClock) {
	port := newFakePort(respond)
	clock := newFakeClock()
	m, err := NewModem(port, ModemOptions{Clock: clock})
	if err != nil {
		panic(err)
	}
	return m, port, clock
}
