package esp01

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestTransport(capacity int) (*Transport, *fakePort, *fakeClock, *Link) {
	port := newFakePort(nil)
	clock := newFakeClock()
	link := NewLink()
	tr := NewTransport(port, link, TransportOptions{LineCapacity: capacity, Clock: clock})
	return tr, port, clock, link
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantText  string
		wantOK    bool
		truncated bool
	}{
		{"crlf terminated", "abc\r\n", "abc", true, false},
		{"lf terminated", "abc\n", "abc", true, false},
		{"bare crlf skipped", "\r\n", "", false, false},
		{"empty lines before text", "\r\n\r\n\nOK\r\n", "OK", true, false},
		{"carriage returns inside stripped", "a\rb\r\n", "ab", true, false},
		{"partial line on timeout", "busy p...", "busy p...", true, false},
		{"nothing", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, port, _, _ := newTestTransport(0)
			port.feed(tt.input)

			line, ok := tr.ReadLine(50 * time.Millisecond)
			if ok != tt.wantOK {
				t.Fatalf("ReadLine() ok = %v, want %v", ok, tt.wantOK)
			}
			if line.Text != tt.wantText {
				t.Errorf("ReadLine() text = %q, want %q", line.Text, tt.wantText)
			}
			if line.Truncated != tt.truncated {
				t.Errorf("ReadLine() truncated = %v, want %v", line.Truncated, tt.truncated)
			}
		})
	}
}

func TestReadLineTruncatesAtCapacity(t *testing.T) {
	tr, port, _, link := newTestTransport(8)
	port.feed(strings.Repeat("x", 10) + "yz")

	line, ok := tr.ReadLine(50 * time.Millisecond)
	if !ok {
		t.Fatal("ReadLine() returned no line")
	}
	if line.Text != "xxxxxxx" {
		t.Errorf("text = %q, want 7 bytes (capacity-1)", line.Text)
	}
	if !line.Truncated {
		t.Error("Truncated = false, want true")
	}

	// The rest of the stream is not lost.
	line, ok = tr.ReadLine(50 * time.Millisecond)
	if !ok || line.Text != "xxxyz" {
		t.Errorf("second line = %q (ok=%v), want %q", line.Text, ok, "xxxyz")
	}
	if line.Truncated {
		t.Error("second line Truncated = true, want false")
	}

	if got := link.Stats().LinesTruncated; got != 1 {
		t.Errorf("LinesTruncated = %d, want 1", got)
	}
}

func TestReadLineKeepsBytesAfterTerminator(t *testing.T) {
	tr, port, _, _ := newTestTransport(0)
	port.feed("first\r\nsecond\r\nthi")

	want := []string{"first", "second", "thi"}
	for _, w := range want {
		line, ok := tr.ReadLine(10 * time.Millisecond)
		if !ok || line.Text != w {
			t.Fatalf("ReadLine() = %q (ok=%v), want %q", line.Text, ok, w)
		}
	}
}

func TestReadLineAssemblesFragments(t *testing.T) {
	tr, port, _, _ := newTestTransport(0)
	port.chunk = 3
	port.feed("+MQTTSUBRECV:0,\"a\",1,x\r\n")

	line, ok := tr.ReadLine(time.Second)
	if !ok || line.Text != `+MQTTSUBRECV:0,"a",1,x` {
		t.Errorf("ReadLine() = %q (ok=%v)", line.Text, ok)
	}
}

func TestReadLineTimeout(t *testing.T) {
	tr, _, clock, _ := newTestTransport(0)
	start := clock.Now()

	if _, ok := tr.ReadLine(100 * time.Millisecond); ok {
		t.Fatal("ReadLine() returned a line from an idle port")
	}

	elapsed := clock.Now().Sub(start)
	if elapsed < 100*time.Millisecond {
		t.Errorf("ReadLine() returned after %v, before the timeout", elapsed)
	}
	if elapsed > 100*time.Millisecond+2*defaultPollInterval {
		t.Errorf("ReadLine() returned after %v, want about 100ms", elapsed)
	}
}

func TestReadLineErrorDropsLink(t *testing.T) {
	tr, port, _, link := newTestTransport(0)
	link.markConnected()
	port.readErr = errors.New("port closed")

	if _, ok := tr.ReadLine(time.Second); ok {
		t.Error("ReadLine() returned a line after a read error")
	}
	if link.Connected() {
		t.Error("link still connected after read error")
	}
	if got := link.Stats().TransportErrors; got != 1 {
		t.Errorf("TransportErrors = %d, want 1", got)
	}
}

func TestWriteLine(t *testing.T) {
	tr, port, _, _ := newTestTransport(0)

	if err := tr.WriteLine("AT"); err != nil {
		t.Fatalf("WriteLine() error = %v", err)
	}
	if got := port.commands(); len(got) != 1 || got[0] != "AT" {
		t.Errorf("written = %q, want [AT]", got)
	}
}

func TestWriteLineErrorDropsLink(t *testing.T) {
	tr, port, _, link := newTestTransport(0)
	link.markConnected()
	port.writeErr = errors.New("device gone")

	if err := tr.WriteLine("AT"); err == nil {
		t.Fatal("WriteLine() error = nil, want error")
	}
	if link.Connected() {
		t.Error("link still connected after write error")
	}
}
