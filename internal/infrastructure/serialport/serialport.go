// Package serialport opens the UART the ESP-01 modem is attached to and
// drives its reset line through a modem control signal.
package serialport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/nerrad567/gray-logic-modembridge/internal/infrastructure/config"
)

// Reset line names accepted in config.
const (
	LineRTS  = "rts"
	LineDTR  = "dtr"
	LineNone = "none"
)

const defaultReadTimeout = 10 * time.Millisecond

// ErrNoPort is returned by Open when no device path is configured.
var ErrNoPort = errors.New("serialport: no port configured")

// Port is an open serial device. Reads return (0, nil) when the read
// timeout expires with nothing received.
type Port struct {
	port  serial.Port
	name  string
	reset config.ResetConfig
	sleep func(time.Duration)
}

// lineDriver is the subset of serial.Port used to pulse the reset line.
type lineDriver interface {
	SetRTS(rts bool) error
	SetDTR(dtr bool) error
}

// Open opens the configured device at 8N1 and applies the read timeout.
func Open(cfg config.SerialConfig) (*Port, error) {
	if cfg.Port == "" {
		return nil, ErrNoPort
	}

	sp, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Port, err)
	}

	timeout := defaultReadTimeout
	if cfg.ReadTimeout > 0 {
		timeout = time.Duration(cfg.ReadTimeout) * time.Millisecond
	}
	if err := sp.SetReadTimeout(timeout); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("setting read timeout on %s: %w", cfg.Port, err)
	}

	return &Port{
		port:  sp,
		name:  cfg.Port,
		reset: cfg.Reset,
		sleep: time.Sleep,
	}, nil
}

// Name returns the device path.
func (p *Port) Name() string { return p.name }

func (p *Port) Read(b []byte) (int, error) { return p.port.Read(b) }

func (p *Port) Write(b []byte) (int, error) { return p.port.Write(b) }

// Close releases the device.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

// Reset pulses the configured reset line, then discards whatever the modem
// printed while booting.
func (p *Port) Reset() error {
	if err := pulse(p.port, p.reset, p.sleep); err != nil {
		return err
	}
	if strings.EqualFold(p.reset.Line, LineNone) || p.reset.Line == "" {
		return nil
	}
	if err := p.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("flushing boot output: %w", err)
	}
	return nil
}

// pulse asserts the reset line for Hold milliseconds, releases it and waits
// Settle milliseconds for the modem to boot.
func pulse(d lineDriver, cfg config.ResetConfig, sleep func(time.Duration)) error {
	var set func(bool) error
	switch strings.ToLower(cfg.Line) {
	case LineRTS:
		set = d.SetRTS
	case LineDTR:
		set = d.SetDTR
	case LineNone, "":
		return nil
	default:
		return fmt.Errorf("unknown reset line %q", cfg.Line)
	}

	if err := set(true); err != nil {
		return fmt.Errorf("asserting reset line: %w", err)
	}
	sleep(time.Duration(cfg.Hold) * time.Millisecond)
	if err := set(false); err != nil {
		return fmt.Errorf("releasing reset line: %w", err)
	}
	sleep(time.Duration(cfg.Settle) * time.Millisecond)
	return nil
}

// Available lists serial devices present on the host. It is used to give a
// useful hint when the configured port cannot be opened.
func Available() []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil
	}
	return ports
}
