package esp01

import (
	"fmt"
	"io"
	"time"
)

// Transport defaults.
const (
	// DefaultLineCapacity is the line buffer size, terminator included.
	// A line longer than DefaultLineCapacity-1 bytes is returned truncated.
	DefaultLineCapacity = 512

	// defaultPollInterval is how long the transport sleeps when the port
	// has no data.
	defaultPollInterval = time.Millisecond

	// minLineCapacity keeps room for at least one byte plus the terminator.
	minLineCapacity = 2

	// readChunkSize is the size of a single port read.
	readChunkSize = 128

	// lineTerminator is appended to every command written to the modem.
	lineTerminator = "\r\n"
)

// Port is the byte channel to the modem.
//
// go.bug.st/serial.Port satisfies it. Read is expected to return (0, nil)
// when no data arrived within the port's own read timeout.
type Port interface {
	io.Reader
	io.Writer
}

// Line is one line received from the modem with CR bytes removed.
type Line struct {
	// Text is the line content without its terminator.
	Text string

	// Truncated is set when the line filled the buffer before a
	// terminator arrived. The remaining bytes are delivered as the
	// start of the next line.
	Truncated bool
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	// LineCapacity bounds a single line. Default: DefaultLineCapacity.
	LineCapacity int

	// PollInterval is the sleep between empty reads. Default: 1ms.
	PollInterval time.Duration

	// Clock drives deadlines. Default: SystemClock().
	Clock Clock

	// Logger is optional.
	Logger Logger
}

// Transport assembles lines from the modem's byte stream and writes
// terminated command lines.
//
// Bytes received after a terminator are kept for the next ReadLine call,
// so nothing the modem sends between calls is lost.
//
// Thread Safety: not safe for concurrent use. All reads and writes must
// come from the goroutine that owns the modem.
type Transport struct {
	port         Port
	link         *Link
	clock        Clock
	logger       Logger
	capacity     int
	pollInterval time.Duration

	pending    []byte // received, not yet scanned
	pendingBuf []byte
	line       []byte // assembled so far
	chunk      []byte
}

// NewTransport creates a transport over port. The link records activity
// and is cleared on transport errors.
func NewTransport(port Port, link *Link, opts TransportOptions) *Transport {
	if opts.LineCapacity < minLineCapacity {
		opts.LineCapacity = DefaultLineCapacity
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}

	t := &Transport{
		port:         port,
		link:         link,
		clock:        opts.Clock,
		logger:       loggerOrNop(opts.Logger),
		capacity:     opts.LineCapacity,
		pollInterval: opts.PollInterval,
		pendingBuf:   make([]byte, 0, opts.LineCapacity),
		line:         make([]byte, 0, opts.LineCapacity),
		chunk:        make([]byte, readChunkSize),
	}
	t.pending = t.pendingBuf[:0]
	return t
}

// ReadLine waits up to timeout for one line.
//
// Empty lines are skipped. When the timeout expires with a partial line
// assembled, the partial line is returned. The boolean is false when no
// bytes at all were assembled.
func (t *Transport) ReadLine(timeout time.Duration) (Line, bool) {
	deadline := t.clock.Now().Add(timeout)

	for {
		if line, ok := t.scan(); ok {
			return line, true
		}
		if !t.fill() {
			break
		}
		if !t.clock.Now().Before(deadline) {
			break
		}
	}

	if line, ok := t.scan(); ok {
		return line, true
	}
	if len(t.line) > 0 {
		return t.emit(false), true
	}
	return Line{}, false
}

// WriteLine writes text followed by CR LF. There is no retry; a write
// error clears the link's connectivity flag.
func (t *Transport) WriteLine(text string) error {
	buf := make([]byte, 0, len(text)+len(lineTerminator))
	buf = append(buf, text...)
	buf = append(buf, lineTerminator...)

	n, err := t.port.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		t.link.transportErrors.Add(1)
		t.link.drop()
		t.logger.Error("serial write failed", "error", err)
		return fmt.Errorf("writing line: %w", err)
	}
	return nil
}

// scan consumes pending bytes into the current line. It returns a line
// when a terminator arrives or the buffer fills.
func (t *Transport) scan() (Line, bool) {
	for len(t.pending) > 0 {
		c := t.pending[0]
		switch {
		case c == '\r':
		case c == '\n':
			if len(t.line) > 0 {
				t.pending = t.pending[1:]
				return t.emit(false), true
			}
		case len(t.line) >= t.capacity-1:
			// c stays pending and starts the next line.
			return t.emit(true), true
		default:
			t.line = append(t.line, c)
		}
		t.pending = t.pending[1:]
	}

	t.pending = t.pendingBuf[:0]
	return Line{}, false
}

// fill performs one port read. It sleeps one poll interval when nothing
// arrived and returns false on a read error.
func (t *Transport) fill() bool {
	n, err := t.port.Read(t.chunk)
	if n > 0 {
		t.pending = append(t.pending, t.chunk[:n]...)
		t.link.touch(t.clock.Now())
	}
	if err != nil {
		t.link.transportErrors.Add(1)
		t.link.drop()
		t.logger.Error("serial read failed", "error", err)
		return false
	}
	if n == 0 {
		t.clock.Sleep(t.pollInterval)
	}
	return true
}

func (t *Transport) emit(truncated bool) Line {
	line := Line{Text: string(t.line), Truncated: truncated}
	t.line = t.line[:0]

	t.link.linesRead.Add(1)
	if truncated {
		t.link.linesTruncated.Add(1)
		t.logger.Warn("modem line truncated", "capacity", t.capacity, "line", line.Text)
	}
	return line
}
